// Package config loads scheduler configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Package-specific errors.
var (
	// ErrParsingConfig is returned when environment variables cannot be
	// parsed into the config struct.
	ErrParsingConfig = errors.New("failed to parse environment variables into config")

	// ErrTimeoutExceedsVisibility is returned when the default task budget
	// is longer than the lease visibility window. The combination would let
	// a still-running task be redelivered, so it is rejected at startup.
	ErrTimeoutExceedsVisibility = errors.New("default task timeout exceeds lease visibility timeout")

	// ErrUnknownBackend is returned for a backend name outside the known set.
	ErrUnknownBackend = errors.New("unknown queue backend")
)

// Backend names accepted in Config.Backend.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendSQS      = "sqs"
)

// Config holds the full scheduler configuration.
type Config struct {
	// Backend selects the driver: memory, sqlite, postgres, redis, or sqs.
	Backend     string `env:"LEASEQ_BACKEND" envDefault:"memory"`
	DatabaseURL string `env:"LEASEQ_DATABASE_URL"`

	Queues      []string `env:"LEASEQ_QUEUES" envDefault:"default"`
	Concurrency int      `env:"LEASEQ_CONCURRENCY" envDefault:"10"`
	BatchSize   int      `env:"LEASEQ_BATCH_SIZE" envDefault:"10"`

	PollInterval      time.Duration `env:"LEASEQ_POLL_INTERVAL" envDefault:"100ms"`
	VisibilityTimeout time.Duration `env:"LEASEQ_VISIBILITY_TIMEOUT" envDefault:"5m"`
	DrainTimeout      time.Duration `env:"LEASEQ_DRAIN_TIMEOUT" envDefault:"30s"`

	// Defaults applied to tasks whose handler sets nothing.
	DefaultMaxAttempts int           `env:"LEASEQ_DEFAULT_MAX_ATTEMPTS" envDefault:"3"`
	DefaultRetryDelay  time.Duration `env:"LEASEQ_DEFAULT_RETRY_DELAY" envDefault:"0s"`
	DefaultTimeout     time.Duration `env:"LEASEQ_DEFAULT_TIMEOUT" envDefault:"0s"`

	// ProcessCommand is the child command spawned for process-mode tasks.
	ProcessCommand []string `env:"LEASEQ_PROCESS_COMMAND" envSeparator:" "`
	ProcessPool    int      `env:"LEASEQ_PROCESS_POOL" envDefault:"2"`
}

var loadEnvOnce sync.Once

// Load fills cfg from the environment, reading a .env file first when one
// exists, then validates it.
func Load(cfg *Config) error {
	loadEnvOnce.Do(func() {
		// The .env file is optional.
		_ = godotenv.Load()
	})

	if err := env.Parse(cfg); err != nil {
		return errors.Join(ErrParsingConfig, err)
	}
	return cfg.Validate()
}

// MustLoad works like Load but panics on failure. Useful in main().
func MustLoad() Config {
	var cfg Config
	if err := Load(&cfg); err != nil {
		panic(fmt.Sprintf("leaseq: failed to load configuration: %v", err))
	}
	return cfg
}

// Validate rejects combinations that would misbehave at runtime rather than
// letting them surface as redeliveries later.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendSQLite, BackendPostgres, BackendRedis, BackendSQS:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}

	if c.DefaultTimeout > 0 && c.DefaultTimeout > c.VisibilityTimeout {
		return fmt.Errorf("%w: timeout %v, visibility %v",
			ErrTimeoutExceedsVisibility, c.DefaultTimeout, c.VisibilityTimeout)
	}

	if c.Concurrency < 1 {
		return fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency)
	}
	if c.BatchSize < 1 {
		return fmt.Errorf("batch size must be at least 1, got %d", c.BatchSize)
	}
	if len(c.Queues) == 0 {
		return errors.New("at least one queue is required")
	}
	return nil
}
