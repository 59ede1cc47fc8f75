// Package config holds the explicit configuration passed to the store, the
// allocator and the lifecycle manager at construction time.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"gopkg.in/yaml.v3"

	"github.com/headline-goat/post-goat/internal/store"
)

const envPrefix = "PGOAT_"

type Config struct {
	DBDriver  string `yaml:"db_driver"`
	DBDSN     string `yaml:"db_dsn"`
	Port      int    `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Engine    Engine `yaml:"engine"`
}

// Engine configures experiment defaults, significance and allocation.
type Engine struct {
	DefaultGoalMetric        store.GoalMetric `yaml:"default_goal_metric"`
	DefaultMinSampleSize     int              `yaml:"default_min_sample_size"`
	DefaultConfidenceLevel   float64          `yaml:"default_confidence_level"`
	MinTrialsForSignificance int64            `yaml:"min_trials_for_significance"`
	AllocationCacheTTL       time.Duration    `yaml:"allocation_cache_ttl"`
	AllocationCacheSize      int              `yaml:"allocation_cache_size"`
}

func Default() Config {
	return Config{
		DBDriver:  store.DriverSQLite,
		DBDSN:     "./post-goat.db",
		Port:      8080,
		LogLevel:  "info",
		LogFormat: "text",
		Engine:    DefaultEngine(),
	}
}

func DefaultEngine() Engine {
	return Engine{
		DefaultGoalMetric:        store.GoalEngagementRate,
		DefaultMinSampleSize:     100,
		DefaultConfidenceLevel:   0.95,
		MinTrialsForSignificance: 30,
		AllocationCacheTTL:       5 * time.Second,
		AllocationCacheSize:      1024,
	}
}

// Load builds a Config from defaults, then the YAML file at path (if any),
// then PGOAT_* environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, errors.Wrap(err, "failed to read config file")
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, errors.Wrapf(err, "failed to parse config file %s", path)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}

	return cfg, cfg.Validate()
}

func (c *Config) applyEnv() error {
	c.DBDriver = getEnvOrDefault(envPrefix+"DB_DRIVER", c.DBDriver)
	c.DBDSN = getEnvOrDefault(envPrefix+"DB_DSN", c.DBDSN)
	c.LogLevel = getEnvOrDefault(envPrefix+"LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnvOrDefault(envPrefix+"LOG_FORMAT", c.LogFormat)

	if p := os.Getenv(envPrefix + "PORT"); p != "" {
		parsed, err := strconv.Atoi(p)
		if err != nil {
			return errors.Newf("%sPORT is not an integer: %q", envPrefix, p)
		}
		c.Port = parsed
	}
	return nil
}

func (c Config) Validate() error {
	switch c.DBDriver {
	case store.DriverSQLite, store.DriverPostgres:
	default:
		return errors.Newf("unsupported db_driver %q (want sqlite or pgx)", c.DBDriver)
	}
	if c.DBDSN == "" {
		return errors.New("db_dsn is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.Newf("invalid port %d", c.Port)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return errors.Newf("unsupported log_format %q", c.LogFormat)
	}
	return c.Engine.Validate()
}

func (e Engine) Validate() error {
	if !e.DefaultGoalMetric.Valid() {
		return errors.Newf("unsupported default_goal_metric %q", e.DefaultGoalMetric)
	}
	if e.DefaultMinSampleSize < 0 {
		return errors.New("default_min_sample_size must not be negative")
	}
	if e.DefaultConfidenceLevel <= 0 || e.DefaultConfidenceLevel >= 1 {
		return errors.Newf("default_confidence_level must be in (0, 1), got %v", e.DefaultConfidenceLevel)
	}
	if e.MinTrialsForSignificance < 1 {
		return errors.New("min_trials_for_significance must be at least 1")
	}
	if e.AllocationCacheTTL < 0 {
		return errors.New("allocation_cache_ttl must not be negative")
	}
	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
