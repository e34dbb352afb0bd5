// Package config handles YAML configuration loading with environment variable substitution.
//
// Configuration files support ${VAR} syntax for environment variable interpolation.
// A fixed set of RTLINK_* variables overrides individual fields after the
// file is parsed, so a deployment can run without a config file at all.
package config
