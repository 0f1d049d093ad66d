package api

import (
	"errors"
	"fmt"
	"time"
)

// Config holds API server configuration
type Config struct {
	// Host is the server host (default: 0.0.0.0)
	Host string

	// Port is the server port (default: 8080)
	Port int

	// ReadTimeout is the maximum duration for reading the entire request
	ReadTimeout time.Duration

	// WriteTimeout is the maximum duration before timing out writes
	WriteTimeout time.Duration

	// IdleTimeout is the maximum duration to wait for the next request
	IdleTimeout time.Duration

	// ShutdownTimeout is the graceful shutdown timeout
	ShutdownTimeout time.Duration

	// EnableCORS enables CORS headers on all responses
	EnableCORS bool

	// AllowedOrigins is a list of allowed CORS origins
	AllowedOrigins []string

	// RateLimitCapacity is each client's token bucket size
	RateLimitCapacity int

	// RateLimitRefillPerSecond is how many tokens a bucket regains per second
	RateLimitRefillPerSecond int

	// StatsCacheTTL is how long a computed stats snapshot stays fresh
	StatsCacheTTL time.Duration

	// WebSocketPath is the event stream endpoint path (default: /ws)
	WebSocketPath string
}

// DefaultConfig returns a default API server configuration
func DefaultConfig() *Config {
	return &Config{
		Host:                     "0.0.0.0",
		Port:                     8080,
		ReadTimeout:              10 * time.Second,
		WriteTimeout:             30 * time.Second,
		IdleTimeout:              120 * time.Second,
		ShutdownTimeout:          10 * time.Second,
		EnableCORS:               true,
		AllowedOrigins:           []string{"*"},
		RateLimitCapacity:        10,
		RateLimitRefillPerSecond: 1,
		StatsCacheTTL:            5 * time.Second,
		WebSocketPath:            "/ws",
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Host == "" {
		return errors.New("host cannot be empty")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.ReadTimeout <= 0 {
		return errors.New("read timeout must be positive")
	}
	if c.WriteTimeout <= 0 {
		return errors.New("write timeout must be positive")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("idle timeout must be positive")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("shutdown timeout must be positive")
	}
	if c.RateLimitCapacity <= 0 {
		return errors.New("rate limit capacity must be positive")
	}
	if c.RateLimitRefillPerSecond <= 0 {
		return errors.New("rate limit refill must be positive")
	}
	if c.StatsCacheTTL <= 0 {
		return errors.New("stats cache TTL must be positive")
	}
	if c.WebSocketPath == "" {
		return errors.New("websocket path cannot be empty")
	}
	return nil
}

// Address returns the server address in host:port format
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
