package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "ENTITYCACHE_"

// Config is the root configuration structure.
// It is read-only after Load() returns and safe for concurrent reads.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Save     SaveConfig     `yaml:"save"`
	Worker   WorkerConfig   `yaml:"worker"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Stores   StoresConfig   `yaml:"stores"`
	Snapshot SnapshotConfig `yaml:"snapshot"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// AuthConfig contains authentication settings.
type AuthConfig struct {
	APIKey string `yaml:"-"` // env-only, never in YAML
}

// SaveConfig bounds save requests.
type SaveConfig struct {
	IdempotencyTTL Duration `yaml:"idempotency_ttl"`
	MaxEntities    int      `yaml:"max_entities"`
}

// WorkerConfig contains background worker settings.
type WorkerConfig struct {
	SweepInterval Duration `yaml:"sweep_interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// StoresConfig contains multi-store settings.
type StoresConfig struct {
	RootPath string `yaml:"root_path"`
}

// SnapshotConfig controls periodic store snapshots. A zero interval
// disables them.
type SnapshotConfig struct {
	Interval Duration              `yaml:"interval"`
	Storage  SnapshotStorageConfig `yaml:"storage"`
}

// SnapshotStorageConfig points at S3-compatible storage for snapshot
// uploads. An empty bucket keeps snapshots local.
type SnapshotStorageConfig struct {
	Bucket    string   `yaml:"bucket"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	UseSSL    *bool    `yaml:"use_ssl"`
	URLExpiry Duration `yaml:"url_expiry"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Load loads configuration with precedence: defaults → YAML file → env vars.
func Load() (*Config, error) {
	cfg := newDefaults()

	// Determine config path
	configPath := getEnv(envPrefix+"CONFIG_PATH", "config/entitycache.yaml")

	// Load YAML file if it exists (missing file is not an error)
	if err := loadYAMLFile(cfg, configPath, false); err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a path that must exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	// Load YAML file (file must exist for this function)
	if err := loadYAMLFile(cfg, path, true); err != nil {
		return nil, err
	}

	// Apply environment variable overrides
	applyEnvOverrides(cfg)

	// Validate configuration
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadStoresConfig loads only the settings the offline store commands need.
// It skips API key validation since those commands never serve requests.
func LoadStoresConfig() (*Config, error) {
	cfg := newDefaults()
	if err := loadYAMLFile(cfg, getEnv(envPrefix+"CONFIG_PATH", "config/entitycache.yaml"), false); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     Duration(30 * time.Second),
			WriteTimeout:    Duration(30 * time.Second),
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Save: SaveConfig{
			IdempotencyTTL: Duration(24 * time.Hour),
			MaxEntities:    1000,
		},
		Worker: WorkerConfig{
			SweepInterval: Duration(15 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
		Stores: StoresConfig{
			RootPath: "~/.entitycache/stores",
		},
		Snapshot: SnapshotConfig{
			Interval: Duration(time.Hour),
			Storage: SnapshotStorageConfig{
				URLExpiry: Duration(15 * time.Minute),
			},
		},
	}
}

func loadYAMLFile(cfg *Config, path string, mustExist bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !mustExist {
			// Missing file is OK; use defaults
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty, parseable env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Server
	envInt("PORT", &cfg.Server.Port)
	envDuration("READ_TIMEOUT", &cfg.Server.ReadTimeout)
	envDuration("WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	envDuration("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)

	// Auth
	envString("API_KEY", &cfg.Auth.APIKey)

	// Save
	envDuration("IDEMPOTENCY_TTL", &cfg.Save.IdempotencyTTL)
	envInt("MAX_SAVE_ENTITIES", &cfg.Save.MaxEntities)

	// Worker
	envDuration("SWEEP_INTERVAL", &cfg.Worker.SweepInterval)

	// Log
	envString("LOG_LEVEL", &cfg.Log.Level)
	envString("LOG_FORMAT", &cfg.Log.Format)

	// Metrics
	if v := os.Getenv(envPrefix + "METRICS_ENABLED"); v != "" {
		cfg.Metrics.Enabled = v == "true" || v == "1"
	}

	// Stores
	envString("STORES_ROOT", &cfg.Stores.RootPath)

	// Snapshot
	envDuration("SNAPSHOT_INTERVAL", &cfg.Snapshot.Interval)
	envString("SNAPSHOT_BUCKET", &cfg.Snapshot.Storage.Bucket)
	envString("SNAPSHOT_ENDPOINT", &cfg.Snapshot.Storage.Endpoint)
	envString("SNAPSHOT_REGION", &cfg.Snapshot.Storage.Region)
	envDuration("SNAPSHOT_URL_EXPIRY", &cfg.Snapshot.Storage.URLExpiry)
	envString("SNAPSHOT_ACCESS_KEY", &cfg.Snapshot.Storage.AccessKey)
	envString("SNAPSHOT_SECRET_KEY", &cfg.Snapshot.Storage.SecretKey)
	if v := os.Getenv(envPrefix + "SNAPSHOT_USE_SSL"); v != "" {
		useSSL := v == "true" || v == "1"
		cfg.Snapshot.Storage.UseSSL = &useSSL
	}
}

func envString(name string, dst *string) {
	if v := os.Getenv(envPrefix + name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envDuration(name string, dst *Duration) {
	if v := os.Getenv(envPrefix + name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = Duration(d)
		}
	}
}

// DevMode reports whether ENTITYCACHE_DEV_MODE=true.
func DevMode() bool {
	return os.Getenv(envPrefix+"DEV_MODE") == "true"
}

// validate checks that required configuration values are set.
// In dev mode, API key validation is skipped.
func (c *Config) validate() error {
	if c.Save.MaxEntities < 1 {
		return errors.New("save.max_entities must be positive")
	}
	if c.Worker.SweepInterval <= 0 {
		return errors.New("worker.sweep_interval must be positive")
	}
	if c.Snapshot.Interval < 0 {
		return errors.New("snapshot.interval must not be negative")
	}
	if c.Snapshot.Storage.Bucket != "" {
		if c.Snapshot.Storage.Endpoint == "" {
			return errors.New("snapshot.storage.endpoint is required when a bucket is set")
		}
		if c.Snapshot.Storage.URLExpiry <= 0 {
			return errors.New("snapshot.storage.url_expiry must be positive")
		}
	}
	// Dev mode bypasses API key validation
	if DevMode() {
		return nil
	}
	if c.Auth.APIKey == "" {
		return errors.New(envPrefix + "API_KEY is required")
	}
	return nil
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
