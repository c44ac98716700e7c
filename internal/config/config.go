// Package config loads process configuration from the environment, with an
// optional TOML file for queue tuning.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/groblegark/pqbus/internal/queue"
)

// Driver names accepted by PQBUS_DRIVER.
const (
	DriverPostgres = "postgres"
	DriverSqlite   = "sqlite"
)

type Config struct {
	Driver      string // PQBUS_DRIVER (default "postgres")
	DatabaseURL string // PQBUS_DATABASE_URL (required; a file path for sqlite)
	HTTPAddr    string // PQBUS_HTTP_ADDR (default ":8080")

	Queue queue.Config // PQBUS_TABLE_NAME, PQBUS_INSTANCE_NAME, PQBUS_CONFIG_FILE overrides
}

// Load reads the environment and, when PQBUS_CONFIG_FILE is set, overlays
// queue tuning from that TOML file. Env vars win over file values.
func Load() (*Config, error) {
	c := &Config{
		Driver:      envOrDefault("PQBUS_DRIVER", DriverPostgres),
		DatabaseURL: os.Getenv("PQBUS_DATABASE_URL"),
		HTTPAddr:    envOrDefault("PQBUS_HTTP_ADDR", ":8080"),
	}
	if c.DatabaseURL == "" {
		return nil, fmt.Errorf("PQBUS_DATABASE_URL is required")
	}
	if c.Driver != DriverPostgres && c.Driver != DriverSqlite {
		return nil, fmt.Errorf("PQBUS_DRIVER: unknown driver %q", c.Driver)
	}

	if path := os.Getenv("PQBUS_CONFIG_FILE"); path != "" {
		qc, err := LoadQueueFile(path)
		if err != nil {
			return nil, err
		}
		c.Queue = qc
	}
	if v := os.Getenv("PQBUS_TABLE_NAME"); v != "" {
		c.Queue.TableName = v
	}
	if v := os.Getenv("PQBUS_INSTANCE_NAME"); v != "" {
		c.Queue.InstanceName = v
	}
	c.Queue = c.Queue.WithDefaults()

	return c, nil
}

// fileQueueConfig mirrors queue.Config with TOML-friendly duration strings.
type fileQueueConfig struct {
	TableName         string `toml:"table_name"`
	NbThreads         int    `toml:"nb_threads"`
	PollInterval      string `toml:"poll_interval"`
	ClaimBatchSize    int    `toml:"claim_batch_size"`
	ClaimLease        string `toml:"claim_lease"`
	MaxFailureRetries int    `toml:"max_failure_retries"`
	RetryInterval     string `toml:"retry_interval"`
	ShutdownTimeout   string `toml:"shutdown_timeout"`
	InstanceName      string `toml:"instance_name"`
}

// LoadQueueFile reads queue tuning from a TOML file.
func LoadQueueFile(path string) (queue.Config, error) {
	var fc fileQueueConfig
	if _, err := toml.DecodeFile(path, &fc); err != nil {
		return queue.Config{}, fmt.Errorf("%s: %w", path, err)
	}

	qc := queue.Config{
		TableName:         fc.TableName,
		NbThreads:         fc.NbThreads,
		ClaimBatchSize:    fc.ClaimBatchSize,
		MaxFailureRetries: fc.MaxFailureRetries,
		InstanceName:      fc.InstanceName,
	}

	var err error
	if qc.PollInterval, err = parseDuration(path, "poll_interval", fc.PollInterval); err != nil {
		return queue.Config{}, err
	}
	if qc.ClaimLease, err = parseDuration(path, "claim_lease", fc.ClaimLease); err != nil {
		return queue.Config{}, err
	}
	if qc.RetryInterval, err = parseDuration(path, "retry_interval", fc.RetryInterval); err != nil {
		return queue.Config{}, err
	}
	if qc.ShutdownTimeout, err = parseDuration(path, "shutdown_timeout", fc.ShutdownTimeout); err != nil {
		return queue.Config{}, err
	}

	return qc, nil
}

func parseDuration(path, key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %s: %w", path, key, err)
	}
	return d, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
