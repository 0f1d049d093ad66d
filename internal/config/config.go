package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the indexer
type Config struct {
	RPC      RPCConfig      `yaml:"rpc"`
	Contract ContractConfig `yaml:"contract"`
	Database DatabaseConfig `yaml:"database"`
	Indexer  IndexerConfig  `yaml:"indexer"`
	API      APIConfig      `yaml:"api"`
	Log      LogConfig      `yaml:"log"`
}

// RPCConfig holds RPC client configuration
type RPCConfig struct {
	// Endpoint is the chain node URL; a ws:// or wss:// scheme is required
	// for the live subscription
	Endpoint string `yaml:"endpoint"`
	// Timeout bounds the initial dial and ping
	Timeout time.Duration `yaml:"timeout"`
	// RequestsPerSecond caps outgoing RPC calls; zero disables the cap
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// ContractConfig identifies the token being indexed
type ContractConfig struct {
	// Address is the ERC-20 contract emitting the Transfer events
	Address string `yaml:"address"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// URL is the Postgres connection string
	URL string `yaml:"url"`
	// ConnectRetries is how many times to retry the initial connection
	ConnectRetries int `yaml:"connect_retries"`
	// ConnectRetryDelay is the pause between connection attempts
	ConnectRetryDelay time.Duration `yaml:"connect_retry_delay"`
}

// IndexerConfig holds ingestion pipeline configuration
type IndexerConfig struct {
	// StartBlock is the backfill origin; zero means resume from stored
	// progress only
	StartBlock uint64 `yaml:"start_block"`
	// ChunkSize caps the block span of one backfill query
	ChunkSize uint64 `yaml:"chunk_size"`
	// LiveBuffer is the capacity of the live log channel
	LiveBuffer int `yaml:"live_buffer"`
}

// APIConfig holds API server configuration
type APIConfig struct {
	Host                     string        `yaml:"host"`
	Port                     int           `yaml:"port"`
	EnableCORS               bool          `yaml:"enable_cors"`
	AllowedOrigins           []string      `yaml:"allowed_origins"`
	RateLimitCapacity        int           `yaml:"rate_limit_capacity"`
	RateLimitRefillPerSecond int           `yaml:"rate_limit_refill_per_second"`
	StatsCacheTTL            time.Duration `yaml:"stats_cache_ttl"`
	WebSocketPath            string        `yaml:"websocket_path"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NewConfig creates a new Config with default values
func NewConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// SetDefaults sets default values for the configuration
func (c *Config) SetDefaults() {
	if c.RPC.Timeout == 0 {
		c.RPC.Timeout = 15 * time.Second
	}

	if c.Database.ConnectRetries == 0 {
		c.Database.ConnectRetries = 10
	}
	if c.Database.ConnectRetryDelay == 0 {
		c.Database.ConnectRetryDelay = time.Second
	}

	if c.Indexer.ChunkSize == 0 {
		c.Indexer.ChunkSize = 1000
	}
	if c.Indexer.LiveBuffer == 0 {
		c.Indexer.LiveBuffer = 256
	}

	if c.API.Host == "" {
		c.API.Host = "0.0.0.0"
	}
	if c.API.Port == 0 {
		c.API.Port = 8080
	}
	if c.API.AllowedOrigins == nil {
		c.API.AllowedOrigins = []string{"*"}
	}
	if c.API.RateLimitCapacity == 0 {
		c.API.RateLimitCapacity = 10
	}
	if c.API.RateLimitRefillPerSecond == 0 {
		c.API.RateLimitRefillPerSecond = 1
	}
	if c.API.StatsCacheTTL == 0 {
		c.API.StatsCacheTTL = 5 * time.Second
	}
	if c.API.WebSocketPath == "" {
		c.API.WebSocketPath = "/ws"
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables take precedence over file configuration.
func (c *Config) LoadFromEnv() error {
	if endpoint := os.Getenv("INDEXER_RPC_ENDPOINT"); endpoint != "" {
		c.RPC.Endpoint = endpoint
	}
	if timeout := os.Getenv("INDEXER_RPC_TIMEOUT"); timeout != "" {
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_RPC_TIMEOUT: %w", err)
		}
		c.RPC.Timeout = duration
	}
	if rps := os.Getenv("INDEXER_RPC_REQUESTS_PER_SECOND"); rps != "" {
		val, err := strconv.ParseFloat(rps, 64)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_RPC_REQUESTS_PER_SECOND: %w", err)
		}
		c.RPC.RequestsPerSecond = val
	}

	if address := os.Getenv("INDEXER_CONTRACT_ADDRESS"); address != "" {
		c.Contract.Address = address
	}

	if url := os.Getenv("INDEXER_DATABASE_URL"); url != "" {
		c.Database.URL = url
	}

	if startBlock := os.Getenv("INDEXER_START_BLOCK"); startBlock != "" {
		val, err := strconv.ParseUint(startBlock, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_START_BLOCK: %w", err)
		}
		c.Indexer.StartBlock = val
	}
	if chunkSize := os.Getenv("INDEXER_CHUNK_SIZE"); chunkSize != "" {
		val, err := strconv.ParseUint(chunkSize, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_CHUNK_SIZE: %w", err)
		}
		c.Indexer.ChunkSize = val
	}

	if host := os.Getenv("INDEXER_API_HOST"); host != "" {
		c.API.Host = host
	}
	if port := os.Getenv("INDEXER_API_PORT"); port != "" {
		val, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_API_PORT: %w", err)
		}
		c.API.Port = val
	}
	if enableCORS := os.Getenv("INDEXER_API_CORS_ENABLED"); enableCORS != "" {
		val, err := strconv.ParseBool(enableCORS)
		if err != nil {
			return fmt.Errorf("invalid INDEXER_API_CORS_ENABLED: %w", err)
		}
		c.API.EnableCORS = val
	}
	if allowedOrigins := os.Getenv("INDEXER_API_CORS_ALLOWED_ORIGINS"); allowedOrigins != "" {
		origins := make([]string, 0)
		for _, origin := range strings.Split(allowedOrigins, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				origins = append(origins, origin)
			}
		}
		if len(origins) == 0 {
			origins = []string{"*"}
		}
		c.API.AllowedOrigins = origins
	}

	if level := os.Getenv("INDEXER_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
	if format := os.Getenv("INDEXER_LOG_FORMAT"); format != "" {
		c.Log.Format = format
	}

	return nil
}

// LoadFromFile loads configuration from a YAML file
func (c *Config) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.RPC.Endpoint == "" {
		return fmt.Errorf("RPC endpoint is required")
	}
	if c.RPC.Timeout <= 0 {
		return fmt.Errorf("RPC timeout must be positive")
	}

	if c.Contract.Address == "" {
		return fmt.Errorf("contract address is required")
	}
	if !common.IsHexAddress(c.Contract.Address) {
		return fmt.Errorf("invalid contract address %q", c.Contract.Address)
	}

	if c.Database.URL == "" {
		return fmt.Errorf("database URL is required")
	}

	if c.Indexer.ChunkSize <= 0 || c.Indexer.ChunkSize > 1000 {
		return fmt.Errorf("chunk size must be between 1 and 1000")
	}
	if c.Indexer.LiveBuffer <= 0 {
		return fmt.Errorf("live buffer must be positive")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		return fmt.Errorf("API port %d out of range", c.API.Port)
	}
	if c.API.RateLimitCapacity <= 0 {
		return fmt.Errorf("rate limit capacity must be positive")
	}
	if c.API.RateLimitRefillPerSecond <= 0 {
		return fmt.Errorf("rate limit refill must be positive")
	}
	if c.API.StatsCacheTTL <= 0 {
		return fmt.Errorf("stats cache TTL must be positive")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.Log.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}

	validLogFormats := map[string]bool{
		"json":    true,
		"console": true,
	}
	if !validLogFormats[c.Log.Format] {
		return fmt.Errorf("invalid log format %q, must be one of: json, console", c.Log.Format)
	}

	return nil
}

// ContractAddress returns the parsed contract address. Call Validate first.
func (c *Config) ContractAddress() common.Address {
	return common.HexToAddress(c.Contract.Address)
}

// Load is a convenience method that loads configuration in the following order:
// 1. Load from file (if provided)
// 2. Load from environment variables (override file)
// 3. Set defaults for any missing values
// 4. Validate
func Load(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		if err := cfg.LoadFromFile(configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
