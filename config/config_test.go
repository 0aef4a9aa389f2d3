package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maxpert/servicebus-go/interfaces"
	"github.com/maxpert/servicebus-go/model"
)

var modelCorrelation = model.CorrelationFilter{Label: "red"}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	// Test default values
	assert.Equal(t, "servicebus-emulator", config.Broker.Name)
	assert.Equal(t, 1000, config.Broker.MaxEntities)
	assert.Equal(t, time.Second, config.Broker.SweepInterval())
	assert.Equal(t, 256*1024, config.Broker.MaxSessionStateBytes)
	assert.Equal(t, "none", config.Persistence.Backend)
	assert.Equal(t, "./data", config.Persistence.Path)
	assert.Equal(t, time.Minute, config.Persistence.SnapshotInterval())
	assert.False(t, config.Telemetry.MetricsEnabled)
	assert.Equal(t, "info", config.Log.Level)

	// Test validation passes
	err := config.Validate()
	assert.NoError(t, err)
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name: "valid config",
			modify: func(c *Config) {
				// Default config should be valid
			},
			wantErr: false,
		},
		{
			name: "zero max entities",
			modify: func(c *Config) {
				c.Broker.MaxEntities = 0
			},
			wantErr: true,
		},
		{
			name: "zero sweep interval",
			modify: func(c *Config) {
				c.Broker.SweepIntervalMS = 0
			},
			wantErr: true,
		},
		{
			name: "unknown backend",
			modify: func(c *Config) {
				c.Persistence.Backend = "tape"
			},
			wantErr: true,
		},
		{
			name: "postgres without dsn",
			modify: func(c *Config) {
				c.Persistence.Backend = "postgres"
			},
			wantErr: true,
		},
		{
			name: "negative snapshot interval",
			modify: func(c *Config) {
				c.Persistence.SnapshotIntervalMS = -1
			},
			wantErr: true,
		},
		{
			name: "metrics without address",
			modify: func(c *Config) {
				c.Telemetry.MetricsEnabled = true
				c.Telemetry.MetricsAddress = ""
			},
			wantErr: true,
		},
		{
			name: "bad log level",
			modify: func(c *Config) {
				c.Log.Level = "chatty"
			},
			wantErr: true,
		},
		{
			name: "lock duration above bound",
			modify: func(c *Config) {
				c.Entities.Queues = []interfaces.QueueDefinition{{
					Name:     "orders",
					Settings: interfaces.EntitySettings{LockDurationMS: (10 * time.Minute).Milliseconds()},
				}}
			},
			wantErr: true,
		},
		{
			name: "duplicate queue names differ by case",
			modify: func(c *Config) {
				c.Entities.Queues = []interfaces.QueueDefinition{{Name: "orders"}, {Name: "Orders"}}
			},
			wantErr: true,
		},
		{
			name: "rule with both filters",
			modify: func(c *Config) {
				c.Entities.Topics = []interfaces.TopicDefinition{{
					Name: "events",
					Subscriptions: []interfaces.SubscriptionDefinition{{
						Name:  "all",
						Rules: []interfaces.RuleDefinition{{Name: "r", SQL: "a = 1", Correlation: &modelCorrelation}},
					}},
				}}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(config)

			err := config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigSaveLoad(t *testing.T) {
	// Create a temporary file
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "test-config.yaml")

	// Create a config with custom values
	originalConfig := DefaultConfig()
	originalConfig.Broker.MaxEntities = 50
	originalConfig.Persistence.Backend = "file"
	originalConfig.Persistence.Path = "/tmp/sb-data"
	originalConfig.Persistence.Required = true
	originalConfig.Log.Level = "debug"
	originalConfig.Entities.Topics = []interfaces.TopicDefinition{{
		Name: "events",
		Subscriptions: []interfaces.SubscriptionDefinition{{
			Name:     "audit",
			Settings: interfaces.EntitySettings{MaxDeliveryCount: 3},
			Rules: []interfaces.RuleDefinition{
				{Name: "eu", SQL: "region = 'eu'"},
				{Name: "red", Correlation: &modelCorrelation},
			},
		}},
	}}

	// Save the config
	err := originalConfig.Save(configFile)
	require.NoError(t, err)

	// Verify file was created
	assert.FileExists(t, configFile)

	// Load the config
	loadedConfig := DefaultConfig()
	err = loadedConfig.Load(configFile)
	require.NoError(t, err)

	// Verify values were preserved
	assert.Equal(t, 50, loadedConfig.Broker.MaxEntities)
	assert.Equal(t, "file", loadedConfig.Persistence.Backend)
	assert.Equal(t, "/tmp/sb-data", loadedConfig.Persistence.Path)
	assert.True(t, loadedConfig.Persistence.Required)
	assert.Equal(t, "debug", loadedConfig.Log.Level)
	require.Len(t, loadedConfig.Entities.Topics, 1)
	sub := loadedConfig.Entities.Topics[0].Subscriptions[0]
	assert.Equal(t, int32(3), sub.Settings.MaxDeliveryCount)
	require.Len(t, sub.Rules, 2)
	assert.Equal(t, "region = 'eu'", sub.Rules[0].SQL)
	require.NotNil(t, sub.Rules[1].Correlation)
	assert.Equal(t, "red", sub.Rules[1].Correlation.Label)
}

func TestConfigLoadNonexistent(t *testing.T) {
	config := DefaultConfig()
	err := config.Load("/nonexistent/path.yaml")
	assert.Error(t, err)
}

func TestConfigLoadUnsupportedFormat(t *testing.T) {
	config := DefaultConfig()
	err := config.Load("settings.toml")
	assert.Error(t, err)
}

func TestConfigLoadInvalidYAML(t *testing.T) {
	// Create a temporary file with invalid content
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "invalid.yaml")

	err := os.WriteFile(configFile, []byte("broker: [unclosed"), 0644)
	require.NoError(t, err)

	config := DefaultConfig()
	err = config.Load(configFile)
	assert.Error(t, err)
}

func TestConfigLoadYAML(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "test.yaml")

	yamlContent := `
broker:
  name: dev
  maxentities: 200
  sweepintervalms: 250
persistence:
  backend: sqlite
  path: ./test-data
  snapshotintervalms: 5000
  autocompact: true
log:
  level: debug
entities:
  queues:
    - name: orders
      settings:
        lockdurationms: 30000
        maxdeliverycount: 5
        requiressession: true
`
	err := os.WriteFile(configFile, []byte(yamlContent), 0644)
	require.NoError(t, err)

	config := DefaultConfig()
	err = config.Load(configFile)
	require.NoError(t, err)
	assert.Equal(t, "dev", config.Broker.Name)
	assert.Equal(t, 200, config.Broker.MaxEntities)
	assert.Equal(t, 250*time.Millisecond, config.Broker.SweepInterval())
	assert.Equal(t, "sqlite", config.Persistence.Backend)
	assert.True(t, config.Persistence.AutoCompact)
	// Unset fields keep their defaults
	assert.Equal(t, 256*1024, config.Broker.MaxSessionStateBytes)

	require.Len(t, config.Entities.Queues, 1)
	ec := config.Entities.Queues[0].Settings.EntityConfig()
	assert.Equal(t, 30*time.Second, ec.LockDuration)
	assert.Equal(t, int32(5), ec.MaxDeliveryCount)
	assert.True(t, ec.RequiresSession)
}

func TestConfigLoadJSON(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "test.json")
	err := os.WriteFile(configFile, []byte(`{"persistence": {"backend": "badger", "syncwrites": false}}`), 0644)
	require.NoError(t, err)

	config := DefaultConfig()
	require.NoError(t, config.Load(configFile))
	assert.Equal(t, "badger", config.Persistence.Backend)
	assert.False(t, config.Persistence.SyncWrites)
}

func TestConfigEnvOverrides(t *testing.T) {
	tmpDir := t.TempDir()
	configFile := filepath.Join(tmpDir, "test.yaml")
	err := os.WriteFile(configFile, []byte("persistence:\n  backend: file\n"), 0644)
	require.NoError(t, err)

	t.Setenv("SBEMU_PERSISTENCE_BACKEND", "pebble")
	t.Setenv("SBEMU_BROKER_MAXENTITIES", "42")
	t.Setenv("SBEMU_LOG_LEVEL", "warn")

	config, err := LoadFile(configFile)
	require.NoError(t, err)
	assert.Equal(t, "pebble", config.Persistence.Backend)
	assert.Equal(t, 42, config.Broker.MaxEntities)
	assert.Equal(t, "warn", config.Log.Level)
}

func TestConfigBuilder(t *testing.T) {
	config, err := NewConfigBuilder().
		WithName("test-broker").
		WithMaxEntities(10).
		WithSweepInterval(200 * time.Millisecond).
		WithFileStorage("/tmp/test-storage").
		WithSnapshotInterval(30 * time.Second).
		WithPersistenceRequired(true).
		WithLogging("debug", "/var/log/sb.log").
		WithMetrics(":9191").
		WithQueue("orders", interfaces.EntitySettings{MaxDeliveryCount: 2}).
		Build()

	require.NoError(t, err)

	assert.Equal(t, "test-broker", config.Broker.Name)
	assert.Equal(t, 10, config.Broker.MaxEntities)
	assert.Equal(t, int64(200), config.Broker.SweepIntervalMS)
	assert.Equal(t, "file", config.Persistence.Backend)
	assert.Equal(t, "/tmp/test-storage", config.Persistence.Path)
	assert.Equal(t, int64(30000), config.Persistence.SnapshotIntervalMS)
	assert.True(t, config.Persistence.Required)
	assert.Equal(t, "debug", config.Log.Level)
	assert.Equal(t, "/var/log/sb.log", config.Log.File)
	assert.True(t, config.Telemetry.MetricsEnabled)
	require.Len(t, config.Entities.Queues, 1)
}

func TestConfigBuilderFromExisting(t *testing.T) {
	originalConfig := DefaultConfig()
	originalConfig.Broker.Name = "original"

	newConfig, err := FromConfig(originalConfig).
		WithMaxEntities(5).
		Build()

	require.NoError(t, err)

	// Should preserve original name
	assert.Equal(t, "original", newConfig.Broker.Name)
	// Should have new limit
	assert.Equal(t, 5, newConfig.Broker.MaxEntities)
	// Original untouched
	assert.Equal(t, 1000, originalConfig.Broker.MaxEntities)
}

func TestConfigBuilderValidationError(t *testing.T) {
	_, err := NewConfigBuilder().
		WithMaxEntities(0). // Invalid limit
		Build()

	assert.Error(t, err)
}

func TestConfigBuilderBuildUnsafe(t *testing.T) {
	config := NewConfigBuilder().
		WithPostgresStorage(""). // Missing DSN
		BuildUnsafe()

	// Should return config without validation
	assert.Equal(t, "postgres", config.Persistence.Backend)

	// But validation should fail
	err := config.Validate()
	assert.Error(t, err)
}
