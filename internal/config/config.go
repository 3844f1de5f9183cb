// Package config loads and validates pool-tuning configuration from YAML.
// Connection strings, credentials, and driver selection are deliberately
// absent from this struct — those belong to the caller's rawconn.Dialer, an
// external collaborator outside the pool's own scope.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// Config is the enumerated option set, one field per tunable the pool
// exposes.
type Config struct {
	MinConnectionsPerPartition int           `yaml:"min_connections_per_partition"`
	MaxConnectionsPerPartition int           `yaml:"max_connections_per_partition"`
	PartitionCount             int           `yaml:"partition_count"`
	AcquireIncrement           int           `yaml:"acquire_increment"`
	ConnectionTimeout          time.Duration `yaml:"connection_timeout"`
	IdleMaxAge                 time.Duration `yaml:"idle_max_age"`
	IdleConnectionTestPeriod   time.Duration `yaml:"idle_connection_test_period"`
	MaxConnectionAge           time.Duration `yaml:"max_connection_age"`
	StatementsCacheSize        int           `yaml:"statements_cache_size"`
	AcquireRetryAttempts       int           `yaml:"acquire_retry_attempts"`
	AcquireRetryDelay          time.Duration `yaml:"acquire_retry_delay"`
	InitSQL                    string        `yaml:"init_sql"`
	TransactionRecoveryEnabled bool          `yaml:"transaction_recovery_enabled"`
	CloseConnectionWatch       bool          `yaml:"close_connection_watch"`
	LogStatementsEnabled       bool          `yaml:"log_statements_enabled"`
	StatisticsEnabled          bool          `yaml:"statistics_enabled"`
	DisableConnectionTracking  bool          `yaml:"disable_connection_tracking"`
	ReleaseHelperCount         int           `yaml:"release_helper_count"`
}

// fileConfig mirrors the YAML document's top-level shape, kept distinct from
// Config so more top-level keys can be added later without reshaping Config
// itself.
type fileConfig struct {
	Pool rawPoolConfig `yaml:"pool"`
}

// rawPoolConfig mirrors Config field-for-field, except every time.Duration is
// a string so operators can write "10s"/"4m" in YAML the way they would
// anywhere else — yaml.v3 has no built-in notion of time.Duration, since it
// is just an int64 underneath, so it would otherwise demand raw nanosecond
// counts. toConfig below converts through time.ParseDuration.
type rawPoolConfig struct {
	MinConnectionsPerPartition int    `yaml:"min_connections_per_partition"`
	MaxConnectionsPerPartition int    `yaml:"max_connections_per_partition"`
	PartitionCount             int    `yaml:"partition_count"`
	AcquireIncrement           int    `yaml:"acquire_increment"`
	ConnectionTimeout          string `yaml:"connection_timeout"`
	IdleMaxAge                 string `yaml:"idle_max_age"`
	IdleConnectionTestPeriod   string `yaml:"idle_connection_test_period"`
	MaxConnectionAge           string `yaml:"max_connection_age"`
	StatementsCacheSize        int    `yaml:"statements_cache_size"`
	AcquireRetryAttempts       int    `yaml:"acquire_retry_attempts"`
	AcquireRetryDelay          string `yaml:"acquire_retry_delay"`
	InitSQL                    string `yaml:"init_sql"`
	TransactionRecoveryEnabled bool   `yaml:"transaction_recovery_enabled"`
	CloseConnectionWatch       bool   `yaml:"close_connection_watch"`
	LogStatementsEnabled       bool   `yaml:"log_statements_enabled"`
	StatisticsEnabled          bool   `yaml:"statistics_enabled"`
	DisableConnectionTracking  bool   `yaml:"disable_connection_tracking"`
	ReleaseHelperCount         int    `yaml:"release_helper_count"`
}

// toConfig converts the string-duration shape read from YAML into Config,
// parsing each duration field with time.ParseDuration. An empty string
// parses as zero, matching the zero-value defaults applyDefaults expects.
func (r rawPoolConfig) toConfig() (Config, error) {
	cfg := Config{
		MinConnectionsPerPartition: r.MinConnectionsPerPartition,
		MaxConnectionsPerPartition: r.MaxConnectionsPerPartition,
		PartitionCount:             r.PartitionCount,
		AcquireIncrement:           r.AcquireIncrement,
		StatementsCacheSize:        r.StatementsCacheSize,
		AcquireRetryAttempts:       r.AcquireRetryAttempts,
		InitSQL:                    r.InitSQL,
		TransactionRecoveryEnabled: r.TransactionRecoveryEnabled,
		CloseConnectionWatch:       r.CloseConnectionWatch,
		LogStatementsEnabled:       r.LogStatementsEnabled,
		StatisticsEnabled:          r.StatisticsEnabled,
		DisableConnectionTracking:  r.DisableConnectionTracking,
		ReleaseHelperCount:         r.ReleaseHelperCount,
	}

	var err error
	if cfg.ConnectionTimeout, err = parseDuration("connection_timeout", r.ConnectionTimeout); err != nil {
		return Config{}, err
	}
	if cfg.IdleMaxAge, err = parseDuration("idle_max_age", r.IdleMaxAge); err != nil {
		return Config{}, err
	}
	if cfg.IdleConnectionTestPeriod, err = parseDuration("idle_connection_test_period", r.IdleConnectionTestPeriod); err != nil {
		return Config{}, err
	}
	if cfg.MaxConnectionAge, err = parseDuration("max_connection_age", r.MaxConnectionAge); err != nil {
		return Config{}, err
	}
	if cfg.AcquireRetryDelay, err = parseDuration("acquire_retry_delay", r.AcquireRetryDelay); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseDuration(field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return d, nil
}

// Load reads and parses a pool configuration file from fs at path. Tests use
// afero.NewMemMapFs(); production callers use afero.NewOsFs().
func Load(fs afero.Fs, path string) (*Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("reading pool config %s: %w", path, err)
	}

	var file fileConfig
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing pool config %s: %w", path, err)
	}

	cfg, err := file.Pool.toConfig()
	if err != nil {
		return nil, fmt.Errorf("parsing pool config %s: %w", path, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	cfg.applyDefaults()

	return &cfg, nil
}

// validate checks the fields that have no sane default.
func (c *Config) validate() error {
	if c.MaxConnectionsPerPartition == 0 {
		return fmt.Errorf("max_connections_per_partition is required")
	}
	if c.MinConnectionsPerPartition > c.MaxConnectionsPerPartition {
		return fmt.Errorf("min_connections_per_partition (%d) exceeds max_connections_per_partition (%d)",
			c.MinConnectionsPerPartition, c.MaxConnectionsPerPartition)
	}
	if c.PartitionCount < 0 {
		return fmt.Errorf("partition_count must not be negative")
	}
	return nil
}

// applyDefaults fills in unset optional fields.
func (c *Config) applyDefaults() {
	if c.PartitionCount == 0 {
		c.PartitionCount = 1
	}
	if c.AcquireIncrement == 0 {
		c.AcquireIncrement = 5
	}
	if c.ConnectionTimeout == 0 {
		c.ConnectionTimeout = 30 * time.Second
	}
	if c.IdleConnectionTestPeriod == 0 {
		c.IdleConnectionTestPeriod = 240 * time.Second
	}
	if c.AcquireRetryAttempts == 0 {
		c.AcquireRetryAttempts = 5
	}
	if c.AcquireRetryDelay == 0 {
		c.AcquireRetryDelay = time.Second
	}
	if c.ReleaseHelperCount == 0 {
		c.ReleaseHelperCount = 3
	}
	// IdleMaxAge and MaxConnectionAge left at zero mean "disabled" — not a
	// default worth filling in.
}

// Default returns a Config with every optional field defaulted, for callers
// that build configuration in code rather than from YAML.
func Default(minPerPartition, maxPerPartition int) *Config {
	cfg := &Config{
		MinConnectionsPerPartition: minPerPartition,
		MaxConnectionsPerPartition: maxPerPartition,
	}
	cfg.applyDefaults()
	return cfg
}
