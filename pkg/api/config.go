package api

import (
	"time"

	"github.com/nomad-lab/nomad-core/pkg/api/auth"
)

// Config configures the upload API HTTP server.
type Config struct {
	// Enabled controls whether the API server is started.
	// Use a pointer to distinguish "not set" from "explicitly false".
	Enabled *bool `mapstructure:"enabled" yaml:"enabled"`

	// Host is the listen address. Empty means all interfaces.
	Host string `mapstructure:"host" yaml:"host"`

	// Port is the HTTP port for the API endpoints.
	Port int `mapstructure:"port" validate:"omitempty,min=1,max=65535" yaml:"port"`

	// ReadTimeout is the maximum duration for reading the entire request,
	// including the body. Zero disables the timeout; uploads stream large
	// raw files through this server.
	ReadTimeout time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the maximum duration before timing out writes of the
	// response.
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the maximum time to wait for the next request on a
	// kept-alive connection.
	IdleTimeout time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`

	// RequestTimeout bounds request handling, excluding raw file and
	// bundle streaming routes.
	RequestTimeout time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`

	// Auth holds the token validation settings.
	Auth auth.Config `mapstructure:"auth" yaml:"auth"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Enabled == nil {
		enabled := true
		c.Enabled = &enabled
	}
	if c.Port == 0 {
		c.Port = 8080
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 60 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	c.Auth.ApplyDefaults()
}

// IsEnabled reports whether the API server should be started.
func (c *Config) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
