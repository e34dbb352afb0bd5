package config

import "time"

// Config is the root configuration for a realtime client.
type Config struct {
	Client     ClientConfig     `yaml:"client"`
	Backend    BackendConfig    `yaml:"backend"`
	Auth       AuthConfig       `yaml:"auth"`
	Connection ConnectionConfig `yaml:"connection"`
	Archive    ArchiveConfig    `yaml:"archive"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Log        LogConfig        `yaml:"log"`
}

// ClientConfig identifies this client and what it listens to.
type ClientConfig struct {
	ID            string   `yaml:"id"`
	Subscriptions []string `yaml:"subscriptions"` // Event types to log; "*" for all
}

// BackendConfig locates the realtime endpoint.
type BackendConfig struct {
	URL          string `yaml:"url"`           // http(s) or ws(s) base URL
	RealtimePath string `yaml:"realtime_path"` // Appended to URL
}

// AuthConfig supplies the connection token. TokenFile wins over Token and
// is watched for rotations.
type AuthConfig struct {
	Token     string `yaml:"token"`
	TokenFile string `yaml:"token_file"`
}

// ConnectionConfig holds reconnection, heartbeat and session settings.
type ConnectionConfig struct {
	ReconnectBaseDelay time.Duration `yaml:"reconnect_base_delay"`
	ReconnectMaxDelay  time.Duration `yaml:"reconnect_max_delay"`
	ReconnectJitter    *float64      `yaml:"reconnect_jitter"` // nil means default; 0 disables jitter
	StabilityWindow    time.Duration `yaml:"stability_window"`
	HeartbeatInterval  time.Duration `yaml:"heartbeat_interval"`
	HandshakeTimeout   time.Duration `yaml:"handshake_timeout"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	CloseTimeout       time.Duration `yaml:"close_timeout"`
	BufferSize         int           `yaml:"buffer_size"`
}

// Jitter returns the configured jitter fraction.
func (c ConnectionConfig) Jitter() float64 {
	if c.ReconnectJitter == nil {
		return DefaultReconnectJitter
	}
	return *c.ReconnectJitter
}

// ArchiveConfig holds the optional event archive.
type ArchiveConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Database      DBConfig      `yaml:"database"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	BufferSize    int           `yaml:"buffer_size"`
}

// DBConfig holds a single database connection.
type DBConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Name     string `yaml:"name"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	SSLMode  string `yaml:"ssl_mode"`
	MaxConns int    `yaml:"max_conns"`
	MinConns int    `yaml:"min_conns"`
}

// MetricsConfig holds Prometheus metrics and health endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}
