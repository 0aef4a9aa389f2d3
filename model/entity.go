package model

import (
	"fmt"
	"strings"
	"time"
)

// EntityKind identifies a queue, topic or subscription.
type EntityKind uint8

const (
	KindQueue EntityKind = iota + 1
	KindTopic
	KindSubscription
)

func (k EntityKind) String() string {
	switch k {
	case KindQueue:
		return "queue"
	case KindTopic:
		return "topic"
	case KindSubscription:
		return "subscription"
	default:
		return "unknown"
	}
}

// ParseEntityKind accepts the lowercase kind names used in config files.
func ParseEntityKind(s string) (EntityKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "queue":
		return KindQueue, nil
	case "topic":
		return KindTopic, nil
	case "subscription":
		return KindSubscription, nil
	default:
		return 0, fmt.Errorf("unknown entity kind %q", s)
	}
}

// Entity defaults and bounds.
const (
	DefaultLockDuration        = 60 * time.Second
	MaxLockDuration            = 5 * time.Minute
	DefaultMaxDeliveryCount    = 10
	DefaultMessageTimeToLive   = 14 * 24 * time.Hour
	DefaultMaxSizeInMegabytes  = 1024
	DefaultMaxMessageCount     = 100000
	DefaultMaxMessageSizeBytes = 256 * 1024
)

// EntityConfig holds the tunables of an entity. Zero fields take defaults.
type EntityConfig struct {
	LockDuration                     time.Duration `json:"lockDuration,omitempty"`
	MaxDeliveryCount                 int32         `json:"maxDeliveryCount,omitempty"`
	DefaultMessageTimeToLive         time.Duration `json:"defaultMessageTimeToLive,omitempty"`
	RequiresSession                  bool          `json:"requiresSession,omitempty"`
	DeadLetteringOnMessageExpiration bool          `json:"deadLetteringOnMessageExpiration,omitempty"`
	MaxSizeInMegabytes               int64         `json:"maxSizeInMegabytes,omitempty"`
	MaxMessageCount                  int64         `json:"maxMessageCount,omitempty"`
	MaxMessageSizeBytes              int64         `json:"maxMessageSizeBytes,omitempty"`
}

// WithDefaults returns a copy with every zero field set to its default.
func (c EntityConfig) WithDefaults() EntityConfig {
	if c.LockDuration == 0 {
		c.LockDuration = DefaultLockDuration
	}
	if c.MaxDeliveryCount == 0 {
		c.MaxDeliveryCount = DefaultMaxDeliveryCount
	}
	if c.DefaultMessageTimeToLive == 0 {
		c.DefaultMessageTimeToLive = DefaultMessageTimeToLive
	}
	if c.MaxSizeInMegabytes == 0 {
		c.MaxSizeInMegabytes = DefaultMaxSizeInMegabytes
	}
	if c.MaxMessageCount == 0 {
		c.MaxMessageCount = DefaultMaxMessageCount
	}
	if c.MaxMessageSizeBytes == 0 {
		c.MaxMessageSizeBytes = DefaultMaxMessageSizeBytes
	}
	return c
}

// Validate checks bounds on a defaulted config.
func (c EntityConfig) Validate() error {
	if c.LockDuration <= 0 || c.LockDuration > MaxLockDuration {
		return fmt.Errorf("lock duration must be in (0, %s]: %s", MaxLockDuration, c.LockDuration)
	}
	if c.MaxDeliveryCount < 1 {
		return fmt.Errorf("max delivery count must be at least 1: %d", c.MaxDeliveryCount)
	}
	if c.DefaultMessageTimeToLive <= 0 {
		return fmt.Errorf("default message time to live must be positive: %s", c.DefaultMessageTimeToLive)
	}
	if c.MaxSizeInMegabytes < 1 {
		return fmt.Errorf("max size in megabytes must be at least 1: %d", c.MaxSizeInMegabytes)
	}
	if c.MaxMessageCount < 1 {
		return fmt.Errorf("max message count must be at least 1: %d", c.MaxMessageCount)
	}
	if c.MaxMessageSizeBytes < 1 {
		return fmt.Errorf("max message size must be at least 1: %d", c.MaxMessageSizeBytes)
	}
	return nil
}

// MaxSizeBytes is MaxSizeInMegabytes expressed in bytes.
func (c EntityConfig) MaxSizeBytes() int64 {
	return c.MaxSizeInMegabytes * 1024 * 1024
}

// Path helpers. A subscription lives at <topic>/Subscriptions/<name> and
// every entity's dead-letter sub-store at <path>/$DeadLetterQueue.
const (
	SubscriptionsSegment = "Subscriptions"
	RulesSegment         = "Rules"
	DeadLetterSegment    = "$DeadLetterQueue"
)

// SubscriptionPath joins a topic and subscription name.
func SubscriptionPath(topic, subscription string) string {
	return topic + "/" + SubscriptionsSegment + "/" + subscription
}

// DeadLetterPath names the dead-letter sub-store of an entity.
func DeadLetterPath(path string) string {
	return path + "/" + DeadLetterSegment
}

// SplitSubscriptionPath returns the topic and subscription of a
// subscription path.
func SplitSubscriptionPath(path string) (topic, subscription string, ok bool) {
	marker := "/" + strings.ToLower(SubscriptionsSegment) + "/"
	idx := strings.LastIndex(strings.ToLower(path), marker)
	if idx <= 0 {
		return "", "", false
	}
	topic = path[:idx]
	subscription = path[idx+len(marker):]
	if subscription == "" || strings.Contains(subscription, "/") {
		return "", "", false
	}
	return topic, subscription, true
}

// SplitDeadLetterPath strips a trailing dead-letter segment.
func SplitDeadLetterPath(path string) (string, bool) {
	suffix := "/" + strings.ToLower(DeadLetterSegment)
	if strings.HasSuffix(strings.ToLower(path), suffix) {
		return path[:len(path)-len(suffix)], true
	}
	return path, false
}

// Key normalises a path for registry lookups; names compare
// case-insensitively.
func Key(path string) string {
	return strings.ToLower(path)
}

// EntityCounts reports message counts of an entity.
type EntityCounts struct {
	Active     int64 `json:"active"`
	Scheduled  int64 `json:"scheduled"`
	Deferred   int64 `json:"deferred"`
	Locked     int64 `json:"locked"`
	DeadLetter int64 `json:"deadLetter"`
	SizeBytes  int64 `json:"sizeBytes"`
}

// EntityProperties is the runtime description of an entity.
type EntityProperties struct {
	Kind              EntityKind   `json:"kind"`
	Path              string       `json:"path"`
	Topic             string       `json:"topic,omitempty"`
	Config            EntityConfig `json:"config"`
	CreatedAt         time.Time    `json:"createdAt"`
	UpdatedAt         time.Time    `json:"updatedAt"`
	Counts            EntityCounts `json:"counts"`
	SubscriptionCount int          `json:"subscriptionCount,omitempty"`
	RuleCount         int          `json:"ruleCount,omitempty"`
	SessionCount      int          `json:"sessionCount,omitempty"`
}
