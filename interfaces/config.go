package interfaces

import (
	"time"

	"github.com/maxpert/servicebus-go/model"
)

// Config defines the interface for broker configuration
type Config interface {
	// GetBroker returns engine configuration
	GetBroker() BrokerConfig

	// GetPersistence returns persistence configuration
	GetPersistence() PersistenceConfig

	// GetTelemetry returns metrics configuration
	GetTelemetry() TelemetryConfig

	// GetLog returns logging configuration
	GetLog() LogConfig

	// Validate validates the configuration
	Validate() error

	// Load loads configuration from a source
	Load(source string) error

	// Save saves configuration to a destination
	Save(destination string) error
}

// BrokerConfig holds engine limits and intervals
type BrokerConfig struct {
	// Name shown in health output and logs
	Name string `koanf:"name" json:"name" yaml:"name"`

	// Maximum number of queues, topics and subscriptions combined
	MaxEntities int `koanf:"maxentities" json:"maxentities" yaml:"maxentities"`

	// Interval of the lock, session and TTL expiry sweep
	SweepIntervalMS int64 `koanf:"sweepintervalms" json:"sweepintervalms" yaml:"sweepintervalms"`

	// Upper bound for a session state blob
	MaxSessionStateBytes int `koanf:"maxsessionstatebytes" json:"maxsessionstatebytes" yaml:"maxsessionstatebytes"`

	// Largest batch a single receive may return
	MaxReceiveBatch int `koanf:"maxreceivebatch" json:"maxreceivebatch" yaml:"maxreceivebatch"`
}

// SweepInterval returns the sweep interval as a duration
func (c BrokerConfig) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMS) * time.Millisecond
}

// PersistenceConfig holds journal and snapshot configuration
type PersistenceConfig struct {
	// Backend type ("none", "memory", "file", "badger", "pebble", "sqlite", "postgres")
	Backend string `koanf:"backend" json:"backend" yaml:"backend"`

	// Data directory for file and embedded database backends
	Path string `koanf:"path" json:"path" yaml:"path"`

	// Connection string for the postgres backend
	DSN string `koanf:"dsn" json:"dsn" yaml:"dsn"`

	// Fail startup and writes instead of degrading to in-memory operation
	Required bool `koanf:"required" json:"required" yaml:"required"`

	// Snapshot period; 0 disables periodic snapshots
	SnapshotIntervalMS int64 `koanf:"snapshotintervalms" json:"snapshotintervalms" yaml:"snapshotintervalms"`

	// Reclaim backend space on clean shutdown
	AutoCompact bool `koanf:"autocompact" json:"autocompact" yaml:"autocompact"`

	// Fsync every journal batch
	SyncWrites bool `koanf:"syncwrites" json:"syncwrites" yaml:"syncwrites"`

	// Group commit tuning of the file backend
	WALBatchSize      int   `koanf:"walbatchsize" json:"walbatchsize" yaml:"walbatchsize"`
	WALBatchTimeoutMS int64 `koanf:"walbatchtimeoutms" json:"walbatchtimeoutms" yaml:"walbatchtimeoutms"`
	WALFileSize       int64 `koanf:"walfilesize" json:"walfilesize" yaml:"walfilesize"`
}

// SnapshotInterval returns the snapshot period as a duration
func (c PersistenceConfig) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalMS) * time.Millisecond
}

// WALBatchTimeout returns the group commit linger as a duration
func (c PersistenceConfig) WALBatchTimeout() time.Duration {
	return time.Duration(c.WALBatchTimeoutMS) * time.Millisecond
}

// TelemetryConfig holds the metrics endpoint configuration
type TelemetryConfig struct {
	MetricsEnabled bool   `koanf:"metricsenabled" json:"metricsenabled" yaml:"metricsenabled"`
	MetricsAddress string `koanf:"metricsaddress" json:"metricsaddress" yaml:"metricsaddress"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level string `koanf:"level" json:"level" yaml:"level"`
	File  string `koanf:"file" json:"file" yaml:"file"`
}

// EntitiesConfig lists entities provisioned at startup
type EntitiesConfig struct {
	Queues []QueueDefinition `koanf:"queues" json:"queues" yaml:"queues"`
	Topics []TopicDefinition `koanf:"topics" json:"topics" yaml:"topics"`
}

// EntitySettings mirrors model.EntityConfig with millisecond durations
type EntitySettings struct {
	LockDurationMS                   int64 `koanf:"lockdurationms" json:"lockdurationms,omitempty" yaml:"lockdurationms,omitempty"`
	MaxDeliveryCount                 int32 `koanf:"maxdeliverycount" json:"maxdeliverycount,omitempty" yaml:"maxdeliverycount,omitempty"`
	DefaultMessageTTLMS              int64 `koanf:"defaultmessagettlms" json:"defaultmessagettlms,omitempty" yaml:"defaultmessagettlms,omitempty"`
	RequiresSession                  bool  `koanf:"requiressession" json:"requiressession,omitempty" yaml:"requiressession,omitempty"`
	DeadLetteringOnMessageExpiration bool  `koanf:"deadletteringonmessageexpiration" json:"deadletteringonmessageexpiration,omitempty" yaml:"deadletteringonmessageexpiration,omitempty"`
	MaxSizeInMegabytes               int64 `koanf:"maxsizeinmegabytes" json:"maxsizeinmegabytes,omitempty" yaml:"maxsizeinmegabytes,omitempty"`
	MaxMessageCount                  int64 `koanf:"maxmessagecount" json:"maxmessagecount,omitempty" yaml:"maxmessagecount,omitempty"`
	MaxMessageSizeBytes              int64 `koanf:"maxmessagesizebytes" json:"maxmessagesizebytes,omitempty" yaml:"maxmessagesizebytes,omitempty"`
}

// EntityConfig converts the settings; zero fields keep their defaults.
func (s EntitySettings) EntityConfig() model.EntityConfig {
	return model.EntityConfig{
		LockDuration:                     time.Duration(s.LockDurationMS) * time.Millisecond,
		MaxDeliveryCount:                 s.MaxDeliveryCount,
		DefaultMessageTimeToLive:         time.Duration(s.DefaultMessageTTLMS) * time.Millisecond,
		RequiresSession:                  s.RequiresSession,
		DeadLetteringOnMessageExpiration: s.DeadLetteringOnMessageExpiration,
		MaxSizeInMegabytes:               s.MaxSizeInMegabytes,
		MaxMessageCount:                  s.MaxMessageCount,
		MaxMessageSizeBytes:              s.MaxMessageSizeBytes,
	}
}

// QueueDefinition provisions one queue
type QueueDefinition struct {
	Name     string         `koanf:"name" json:"name" yaml:"name"`
	Settings EntitySettings `koanf:"settings" json:"settings" yaml:"settings"`
}

// TopicDefinition provisions a topic with its subscriptions
type TopicDefinition struct {
	Name          string                   `koanf:"name" json:"name" yaml:"name"`
	Settings      EntitySettings           `koanf:"settings" json:"settings" yaml:"settings"`
	Subscriptions []SubscriptionDefinition `koanf:"subscriptions" json:"subscriptions" yaml:"subscriptions"`
}

// SubscriptionDefinition provisions a subscription and its rules
type SubscriptionDefinition struct {
	Name     string           `koanf:"name" json:"name" yaml:"name"`
	Settings EntitySettings   `koanf:"settings" json:"settings" yaml:"settings"`
	Rules    []RuleDefinition `koanf:"rules" json:"rules" yaml:"rules"`
}

// RuleDefinition is a rule in config files. Exactly one of SQL or
// Correlation is set.
type RuleDefinition struct {
	Name        string                   `koanf:"name" json:"name" yaml:"name"`
	SQL         string                   `koanf:"sql" json:"sql,omitempty" yaml:"sql,omitempty"`
	Correlation *model.CorrelationFilter `koanf:"correlation" json:"correlation,omitempty" yaml:"correlation,omitempty"`
}

// Rule converts the definition into a model rule.
func (d RuleDefinition) Rule() model.Rule {
	var filter model.FilterSpec
	switch {
	case d.Correlation != nil:
		filter = model.Correlation(*d.Correlation)
	case d.SQL != "":
		filter = model.SQLFilter(d.SQL)
	default:
		filter = model.TrueFilter()
	}
	return model.Rule{Name: d.Name, Filter: filter}
}
