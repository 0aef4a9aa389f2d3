package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/maxpert/servicebus-go/interfaces"
	"github.com/maxpert/servicebus-go/storage"
)

// EnvPrefix marks environment variables that override file settings, e.g.
// SBEMU_PERSISTENCE_BACKEND=file.
const EnvPrefix = "SBEMU_"

var logLevels = []string{"debug", "info", "warn", "error"}

// DefaultConfig creates a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Broker: interfaces.BrokerConfig{
			Name:                 "servicebus-emulator",
			MaxEntities:          1000,
			SweepIntervalMS:      1000,
			MaxSessionStateBytes: 256 * 1024,
			MaxReceiveBatch:      256,
		},
		Persistence: interfaces.PersistenceConfig{
			Backend:            storage.BackendNone,
			Path:               storage.DefaultDataPath,
			Required:           false,
			SnapshotIntervalMS: 60000,
			AutoCompact:        false,
			SyncWrites:         true,
			WALBatchSize:       storage.DefaultWALBatchSize,
			WALBatchTimeoutMS:  0,
			WALFileSize:        storage.DefaultWALFileSize,
		},
		Telemetry: interfaces.TelemetryConfig{
			MetricsEnabled: false,
			MetricsAddress: ":9090",
		},
		Log: interfaces.LogConfig{
			Level: "info",
			File:  "",
		},
	}
}

// Config implements the interfaces.Config interface
type Config struct {
	Broker      interfaces.BrokerConfig      `koanf:"broker" json:"broker" yaml:"broker"`
	Persistence interfaces.PersistenceConfig `koanf:"persistence" json:"persistence" yaml:"persistence"`
	Telemetry   interfaces.TelemetryConfig   `koanf:"telemetry" json:"telemetry" yaml:"telemetry"`
	Log         interfaces.LogConfig         `koanf:"log" json:"log" yaml:"log"`
	Entities    interfaces.EntitiesConfig    `koanf:"entities" json:"entities" yaml:"entities"`
}

// GetBroker returns engine configuration
func (c *Config) GetBroker() interfaces.BrokerConfig {
	return c.Broker
}

// GetPersistence returns persistence configuration
func (c *Config) GetPersistence() interfaces.PersistenceConfig {
	return c.Persistence
}

// GetTelemetry returns metrics configuration
func (c *Config) GetTelemetry() interfaces.TelemetryConfig {
	return c.Telemetry
}

// GetLog returns logging configuration
func (c *Config) GetLog() interfaces.LogConfig {
	return c.Log
}

// GetEntities returns the entities provisioned at startup
func (c *Config) GetEntities() interfaces.EntitiesConfig {
	return c.Entities
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate broker configuration
	if c.Broker.MaxEntities <= 0 {
		return fmt.Errorf("max entities must be positive: %d", c.Broker.MaxEntities)
	}
	if c.Broker.SweepIntervalMS <= 0 {
		return fmt.Errorf("sweep interval must be positive: %dms", c.Broker.SweepIntervalMS)
	}
	if c.Broker.MaxSessionStateBytes <= 0 {
		return fmt.Errorf("max session state bytes must be positive: %d", c.Broker.MaxSessionStateBytes)
	}
	if c.Broker.MaxReceiveBatch <= 0 {
		return fmt.Errorf("max receive batch must be positive: %d", c.Broker.MaxReceiveBatch)
	}

	// Validate persistence configuration
	backend := strings.ToLower(c.Persistence.Backend)
	if backend != "" && !slices.Contains(storage.Backends(), backend) {
		return fmt.Errorf("unsupported persistence backend: %s", c.Persistence.Backend)
	}
	if backend == storage.BackendPostgres && strings.TrimSpace(c.Persistence.DSN) == "" {
		return fmt.Errorf("postgres backend requires a dsn")
	}
	if c.Persistence.SnapshotIntervalMS < 0 {
		return fmt.Errorf("snapshot interval cannot be negative: %dms", c.Persistence.SnapshotIntervalMS)
	}
	if c.Persistence.WALBatchSize < 0 || c.Persistence.WALBatchTimeoutMS < 0 || c.Persistence.WALFileSize < 0 {
		return fmt.Errorf("WAL settings cannot be negative")
	}

	// Validate telemetry configuration
	if c.Telemetry.MetricsEnabled && c.Telemetry.MetricsAddress == "" {
		return fmt.Errorf("metrics address required when metrics are enabled")
	}

	// Validate log configuration
	if !slices.Contains(logLevels, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("invalid log level: %s", c.Log.Level)
	}

	return c.validateEntities()
}

func (c *Config) validateEntities() error {
	seen := make(map[string]bool)
	check := func(kind, name string, settings interfaces.EntitySettings) error {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("%s name cannot be empty", kind)
		}
		key := strings.ToLower(name)
		if seen[key] {
			return fmt.Errorf("duplicate %s: %s", kind, name)
		}
		seen[key] = true
		if err := settings.EntityConfig().WithDefaults().Validate(); err != nil {
			return fmt.Errorf("%s %s: %w", kind, name, err)
		}
		return nil
	}

	for _, q := range c.Entities.Queues {
		if err := check("queue", q.Name, q.Settings); err != nil {
			return err
		}
	}
	for _, t := range c.Entities.Topics {
		if err := check("topic", t.Name, t.Settings); err != nil {
			return err
		}
		for _, s := range t.Subscriptions {
			if err := check("subscription", t.Name+"/Subscriptions/"+s.Name, s.Settings); err != nil {
				return err
			}
			for _, r := range s.Rules {
				if strings.TrimSpace(r.Name) == "" {
					return fmt.Errorf("subscription %s/%s: rule name cannot be empty", t.Name, s.Name)
				}
				if r.SQL != "" && r.Correlation != nil {
					return fmt.Errorf("rule %s: set either sql or correlation, not both", r.Name)
				}
			}
		}
	}
	return nil
}

// Load loads configuration from a YAML or JSON file, then applies SBEMU_*
// environment overrides. An empty source applies the environment only.
func (c *Config) Load(source string) error {
	k := koanf.New(".")

	if source != "" {
		switch ext := strings.ToLower(filepath.Ext(source)); ext {
		case ".yaml", ".yml", ".json":
		default:
			return fmt.Errorf("unsupported configuration format: %s", ext)
		}
		// JSON is a subset of YAML, so one parser serves both
		if err := k.Load(file.Provider(source), yaml.Parser()); err != nil {
			return fmt.Errorf("failed to read configuration file: %w", err)
		}
	}

	if err := k.Load(env.Provider(".", env.Opt{
		Prefix: EnvPrefix,
		TransformFunc: func(key, value string) (string, any) {
			key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
			return strings.ReplaceAll(key, "_", "."), value
		},
	}), nil); err != nil {
		return fmt.Errorf("failed to read environment: %w", err)
	}

	if err := k.Unmarshal("", c); err != nil {
		return fmt.Errorf("failed to parse configuration: %w", err)
	}
	return c.Validate()
}

// Save saves configuration to a YAML file
func (c *Config) Save(destination string) error {
	// Ensure destination directory exists
	dir := filepath.Dir(destination)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create configuration directory: %w", err)
	}

	data, err := yamlv3.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(destination, data, 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	return nil
}

// LoadFile returns the defaults overlaid with source and the environment.
func LoadFile(source string) (*Config, error) {
	cfg := DefaultConfig()
	if err := cfg.Load(source); err != nil {
		return nil, err
	}
	return cfg, nil
}
