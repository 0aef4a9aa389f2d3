package config

import (
	"time"

	"github.com/maxpert/servicebus-go/interfaces"
	"github.com/maxpert/servicebus-go/storage"
)

// ConfigBuilder provides a fluent API for building configuration
type ConfigBuilder struct {
	config *Config
}

// NewConfigBuilder creates a new configuration builder with defaults
func NewConfigBuilder() *ConfigBuilder {
	return &ConfigBuilder{
		config: DefaultConfig(),
	}
}

// FromConfig creates a builder from an existing configuration
func FromConfig(config *Config) *ConfigBuilder {
	builder := NewConfigBuilder()
	*builder.config = *config
	builder.config.Entities.Queues = append([]interfaces.QueueDefinition(nil), config.Entities.Queues...)
	builder.config.Entities.Topics = append([]interfaces.TopicDefinition(nil), config.Entities.Topics...)
	return builder
}

// Broker Configuration

// WithName sets the broker name
func (b *ConfigBuilder) WithName(name string) *ConfigBuilder {
	b.config.Broker.Name = name
	return b
}

// WithMaxEntities sets the entity limit
func (b *ConfigBuilder) WithMaxEntities(max int) *ConfigBuilder {
	b.config.Broker.MaxEntities = max
	return b
}

// WithSweepInterval sets the expiry sweep interval
func (b *ConfigBuilder) WithSweepInterval(interval time.Duration) *ConfigBuilder {
	b.config.Broker.SweepIntervalMS = interval.Milliseconds()
	return b
}

// WithMaxSessionStateBytes caps session state blobs
func (b *ConfigBuilder) WithMaxSessionStateBytes(n int) *ConfigBuilder {
	b.config.Broker.MaxSessionStateBytes = n
	return b
}

// WithMaxReceiveBatch caps batch receives
func (b *ConfigBuilder) WithMaxReceiveBatch(n int) *ConfigBuilder {
	b.config.Broker.MaxReceiveBatch = n
	return b
}

// Persistence Configuration

// WithNoPersistence disables durability
func (b *ConfigBuilder) WithNoPersistence() *ConfigBuilder {
	b.config.Persistence.Backend = storage.BackendNone
	return b
}

// WithMemoryPersistence keeps the journal in process
func (b *ConfigBuilder) WithMemoryPersistence() *ConfigBuilder {
	b.config.Persistence.Backend = storage.BackendMemory
	return b
}

// WithPersistence selects a path based backend
func (b *ConfigBuilder) WithPersistence(backend, path string) *ConfigBuilder {
	b.config.Persistence.Backend = backend
	b.config.Persistence.Path = path
	return b
}

// WithFileStorage configures the file WAL backend
func (b *ConfigBuilder) WithFileStorage(path string) *ConfigBuilder {
	return b.WithPersistence(storage.BackendFile, path)
}

// WithBadgerStorage configures Badger storage
func (b *ConfigBuilder) WithBadgerStorage(path string) *ConfigBuilder {
	return b.WithPersistence(storage.BackendBadger, path)
}

// WithPebbleStorage configures Pebble storage
func (b *ConfigBuilder) WithPebbleStorage(path string) *ConfigBuilder {
	return b.WithPersistence(storage.BackendPebble, path)
}

// WithSQLiteStorage configures sqlite storage
func (b *ConfigBuilder) WithSQLiteStorage(path string) *ConfigBuilder {
	return b.WithPersistence(storage.BackendSQLite, path)
}

// WithPostgresStorage configures postgres storage
func (b *ConfigBuilder) WithPostgresStorage(dsn string) *ConfigBuilder {
	b.config.Persistence.Backend = storage.BackendPostgres
	b.config.Persistence.DSN = dsn
	return b
}

// WithPersistenceRequired fails startup and writes instead of degrading
func (b *ConfigBuilder) WithPersistenceRequired(required bool) *ConfigBuilder {
	b.config.Persistence.Required = required
	return b
}

// WithSnapshotInterval sets the snapshot period; 0 disables it
func (b *ConfigBuilder) WithSnapshotInterval(interval time.Duration) *ConfigBuilder {
	b.config.Persistence.SnapshotIntervalMS = interval.Milliseconds()
	return b
}

// WithAutoCompact compacts the backend on clean shutdown
func (b *ConfigBuilder) WithAutoCompact(enabled bool) *ConfigBuilder {
	b.config.Persistence.AutoCompact = enabled
	return b
}

// WithSyncWrites enables/disables synchronous writes
func (b *ConfigBuilder) WithSyncWrites(enabled bool) *ConfigBuilder {
	b.config.Persistence.SyncWrites = enabled
	return b
}

// WithWALBatching tunes file backend group commit
func (b *ConfigBuilder) WithWALBatching(size int, timeout time.Duration) *ConfigBuilder {
	b.config.Persistence.WALBatchSize = size
	b.config.Persistence.WALBatchTimeoutMS = timeout.Milliseconds()
	return b
}

// Telemetry Configuration

// WithMetrics enables the metrics endpoint
func (b *ConfigBuilder) WithMetrics(address string) *ConfigBuilder {
	b.config.Telemetry.MetricsEnabled = true
	b.config.Telemetry.MetricsAddress = address
	return b
}

// WithLogging configures logging settings
func (b *ConfigBuilder) WithLogging(level, logFile string) *ConfigBuilder {
	b.config.Log.Level = level
	b.config.Log.File = logFile
	return b
}

// Entity provisioning

// WithQueue provisions a queue at startup
func (b *ConfigBuilder) WithQueue(name string, settings interfaces.EntitySettings) *ConfigBuilder {
	b.config.Entities.Queues = append(b.config.Entities.Queues, interfaces.QueueDefinition{Name: name, Settings: settings})
	return b
}

// WithTopic provisions a topic and its subscriptions at startup
func (b *ConfigBuilder) WithTopic(topic interfaces.TopicDefinition) *ConfigBuilder {
	b.config.Entities.Topics = append(b.config.Entities.Topics, topic)
	return b
}

// Build returns the configured Config
func (b *ConfigBuilder) Build() (*Config, error) {
	if err := b.config.Validate(); err != nil {
		return nil, err
	}
	return b.config, nil
}

// BuildUnsafe returns the configured Config without validation
func (b *ConfigBuilder) BuildUnsafe() *Config {
	return b.config
}
