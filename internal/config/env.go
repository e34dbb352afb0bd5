package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// envOverrides are the environment variables that override file values.
type envOverrides struct {
	ClientID       string `env:"RTLINK_CLIENT_ID"`
	BackendURL     string `env:"RTLINK_BACKEND_URL"`
	RealtimePath   string `env:"RTLINK_REALTIME_PATH"`
	Token          string `env:"RTLINK_TOKEN"`
	TokenFile      string `env:"RTLINK_TOKEN_FILE"`
	ArchiveEnabled *bool  `env:"RTLINK_ARCHIVE_ENABLED"`
	DBPassword     string `env:"RTLINK_DB_PASSWORD"`
	MetricsEnabled *bool  `env:"RTLINK_METRICS_ENABLED"`
	MetricsPort    int    `env:"RTLINK_METRICS_PORT"`
	LogLevel       string `env:"RTLINK_LOG_LEVEL"`
	LogFormat      string `env:"RTLINK_LOG_FORMAT"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var o envOverrides
	if err := ParseEnv(&o); err != nil {
		return err
	}

	setString(&c.Client.ID, o.ClientID)
	setString(&c.Backend.URL, o.BackendURL)
	setString(&c.Backend.RealtimePath, o.RealtimePath)
	setString(&c.Auth.Token, o.Token)
	setString(&c.Auth.TokenFile, o.TokenFile)
	setString(&c.Archive.Database.Password, o.DBPassword)
	setString(&c.Log.Level, o.LogLevel)
	setString(&c.Log.Format, o.LogFormat)

	if o.ArchiveEnabled != nil {
		c.Archive.Enabled = *o.ArchiveEnabled
	}
	if o.MetricsEnabled != nil {
		c.Metrics.Enabled = *o.MetricsEnabled
	}
	if o.MetricsPort != 0 {
		c.Metrics.Port = o.MetricsPort
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
