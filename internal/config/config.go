package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

type Config struct {
	DatabaseURL string // GRIDBASE_DATABASE_URL (required unless Memory)
	GRPCAddr    string // GRIDBASE_GRPC_ADDR (default ":9090")
	HTTPAddr    string // GRIDBASE_HTTP_ADDR (default ":8080")
	NATSURL     string // GRIDBASE_NATS_URL (optional, empty = no events)
	AuthToken   string // GRIDBASE_AUTH_TOKEN (optional, empty = auth disabled)
	LogLevel    string // GRIDBASE_LOG_LEVEL (default "info")
	LogFormat   string // GRIDBASE_LOG_FORMAT (default "text")
	Memory      bool   // GRIDBASE_MEMORY (use the in-process store)

	// Attachment metadata lookups
	S3Bucket   string // GRIDBASE_S3_BUCKET (enables the S3 resolver when set)
	S3Endpoint string // GRIDBASE_S3_ENDPOINT (custom endpoint for MinIO)
	S3Region   string // GRIDBASE_S3_REGION (default "us-east-1")
	S3Prefix   string // GRIDBASE_S3_PREFIX (default "attachments/")

	// Periodic JSONL snapshots (disabled when ExportInterval is 0)
	ExportInterval time.Duration // GRIDBASE_EXPORT_INTERVAL (e.g. "1h")
	ExportS3Bucket string        // GRIDBASE_EXPORT_S3_BUCKET (reuses the S3 region and endpoint)
	ExportS3Key    string        // GRIDBASE_EXPORT_S3_KEY (default "gridbase/snapshot.jsonl")
	ExportFile     string        // GRIDBASE_EXPORT_FILE (local path)

	Engine Engine
}

// Engine tunes the record pipeline. It may come from the [engine] section of
// a TOML file; environment variables override the file.
type Engine struct {
	ChunkSize      int           `toml:"chunk_size"`      // GRIDBASE_CHUNK_SIZE (default 1000)
	MaxRetries     int           `toml:"max_retries"`     // GRIDBASE_MAX_RETRIES (default 3)
	InitialBackoff time.Duration `toml:"initial_backoff"` // GRIDBASE_INITIAL_BACKOFF (default 100ms)
	BackoffFactor  float64       `toml:"backoff_factor"`  // GRIDBASE_BACKOFF_FACTOR (default 2)
	Jitter         time.Duration `toml:"jitter"`          // GRIDBASE_JITTER (default 50ms)
}

type fileConfig struct {
	Engine engineFile `toml:"engine"`
}

// engineFile mirrors Engine with durations as strings, which is how they are
// written in TOML ("250ms").
type engineFile struct {
	ChunkSize      int     `toml:"chunk_size"`
	MaxRetries     int     `toml:"max_retries"`
	InitialBackoff string  `toml:"initial_backoff"`
	BackoffFactor  float64 `toml:"backoff_factor"`
	Jitter         string  `toml:"jitter"`
}

// DefaultEngine returns the engine settings used when nothing is configured.
func DefaultEngine() Engine {
	return Engine{
		ChunkSize:      1000,
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		BackoffFactor:  2,
		Jitter:         50 * time.Millisecond,
	}
}

// Load reads a .env file if present, the TOML file named by
// GRIDBASE_CONFIG (optional), then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFile(os.Getenv("GRIDBASE_CONFIG"))
}

// LoadFile is Load without the .env step, reading engine defaults from path
// when it is non-empty.
func LoadFile(path string) (*Config, error) {
	c := &Config{
		DatabaseURL: os.Getenv("GRIDBASE_DATABASE_URL"),
		GRPCAddr:    envOrDefault("GRIDBASE_GRPC_ADDR", ":9090"),
		HTTPAddr:    envOrDefault("GRIDBASE_HTTP_ADDR", ":8080"),
		NATSURL:     os.Getenv("GRIDBASE_NATS_URL"),
		AuthToken:   os.Getenv("GRIDBASE_AUTH_TOKEN"),
		LogLevel:    envOrDefault("GRIDBASE_LOG_LEVEL", "info"),
		LogFormat:   envOrDefault("GRIDBASE_LOG_FORMAT", "text"),
		S3Bucket:    os.Getenv("GRIDBASE_S3_BUCKET"),
		S3Endpoint:  os.Getenv("GRIDBASE_S3_ENDPOINT"),
		S3Region:    envOrDefault("GRIDBASE_S3_REGION", "us-east-1"),
		S3Prefix:    envOrDefault("GRIDBASE_S3_PREFIX", "attachments/"),
		Engine:      DefaultEngine(),

		ExportS3Bucket: os.Getenv("GRIDBASE_EXPORT_S3_BUCKET"),
		ExportS3Key:    envOrDefault("GRIDBASE_EXPORT_S3_KEY", "gridbase/snapshot.jsonl"),
		ExportFile:     os.Getenv("GRIDBASE_EXPORT_FILE"),
	}

	if v := os.Getenv("GRIDBASE_EXPORT_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("GRIDBASE_EXPORT_INTERVAL: %w", err)
		}
		if d < 0 {
			return nil, fmt.Errorf("GRIDBASE_EXPORT_INTERVAL must not be negative, got %s", d)
		}
		c.ExportInterval = d
	}

	if v := os.Getenv("GRIDBASE_MEMORY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("GRIDBASE_MEMORY: %w", err)
		}
		c.Memory = b
	}

	if path != "" {
		if err := c.applyFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.applyEngineEnv(); err != nil {
		return nil, err
	}

	if c.DatabaseURL == "" && !c.Memory {
		return nil, fmt.Errorf("GRIDBASE_DATABASE_URL is required")
	}
	if c.Engine.ChunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", c.Engine.ChunkSize)
	}
	if c.Engine.MaxRetries < 0 {
		return nil, fmt.Errorf("max retries must not be negative, got %d", c.Engine.MaxRetries)
	}
	return c, nil
}

func (c *Config) applyFile(path string) error {
	var fc fileConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	e := fc.Engine
	if e.ChunkSize != 0 {
		c.Engine.ChunkSize = e.ChunkSize
	}
	if e.MaxRetries != 0 {
		c.Engine.MaxRetries = e.MaxRetries
	}
	if e.BackoffFactor != 0 {
		c.Engine.BackoffFactor = e.BackoffFactor
	}
	if e.InitialBackoff != "" {
		d, err := time.ParseDuration(e.InitialBackoff)
		if err != nil {
			return fmt.Errorf("engine.initial_backoff: %w", err)
		}
		c.Engine.InitialBackoff = d
	}
	if e.Jitter != "" {
		d, err := time.ParseDuration(e.Jitter)
		if err != nil {
			return fmt.Errorf("engine.jitter: %w", err)
		}
		c.Engine.Jitter = d
	}
	return nil
}

func (c *Config) applyEngineEnv() error {
	if v := os.Getenv("GRIDBASE_CHUNK_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GRIDBASE_CHUNK_SIZE: %w", err)
		}
		c.Engine.ChunkSize = n
	}
	if v := os.Getenv("GRIDBASE_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("GRIDBASE_MAX_RETRIES: %w", err)
		}
		c.Engine.MaxRetries = n
	}
	if v := os.Getenv("GRIDBASE_BACKOFF_FACTOR"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("GRIDBASE_BACKOFF_FACTOR: %w", err)
		}
		c.Engine.BackoffFactor = f
	}
	if v := os.Getenv("GRIDBASE_INITIAL_BACKOFF"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("GRIDBASE_INITIAL_BACKOFF: %w", err)
		}
		c.Engine.InitialBackoff = d
	}
	if v := os.Getenv("GRIDBASE_JITTER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("GRIDBASE_JITTER: %w", err)
		}
		c.Engine.Jitter = d
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
