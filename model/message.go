package model

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"time"
)

// ReceiveMode selects between exclusive locking and destructive reads.
type ReceiveMode uint8

const (
	PeekLock ReceiveMode = iota
	ReceiveAndDelete
)

func (m ReceiveMode) String() string {
	if m == ReceiveAndDelete {
		return "receive_and_delete"
	}
	return "peek_lock"
}

// MessageState is the visibility state reported on peeked messages.
type MessageState uint8

const (
	StateActive MessageState = iota
	StateScheduled
	StateDeferred
	StateDeadLettered
)

func (s MessageState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateScheduled:
		return "scheduled"
	case StateDeferred:
		return "deferred"
	case StateDeadLettered:
		return "deadlettered"
	default:
		return "unknown"
	}
}

// SubQueue addresses the main ordering or the dead-letter store of an entity.
type SubQueue uint8

const (
	SubQueueMain SubQueue = iota
	SubQueueDeadLetter
)

func (q SubQueue) String() string {
	if q == SubQueueDeadLetter {
		return "deadletter"
	}
	return "main"
}

// Dead-letter reasons set by the broker itself.
const (
	ReasonMaxDeliveryCountExceeded = "MaxDeliveryCountExceeded"
	ReasonMaxTTLExceeded           = "MaxTTLExceeded"
)

// Message is the broker envelope. Body is immutable once admitted; callers
// must not modify a returned body.
type Message struct {
	MessageID            string         `json:"messageId,omitempty"`
	Body                 []byte         `json:"body,omitempty"`
	ContentType          string         `json:"contentType,omitempty"`
	CorrelationID        string         `json:"correlationId,omitempty"`
	SessionID            string         `json:"sessionId,omitempty"`
	ReplyTo              string         `json:"replyTo,omitempty"`
	ReplyToSessionID     string         `json:"replyToSessionId,omitempty"`
	To                   string         `json:"to,omitempty"`
	Label                string         `json:"label,omitempty"`
	TimeToLive           time.Duration  `json:"timeToLive,omitempty"`
	ScheduledEnqueueTime time.Time      `json:"scheduledEnqueueTime,omitempty"`
	Properties           map[string]any `json:"properties,omitempty"`

	// Assigned by the broker.
	SequenceNumber             int64        `json:"sequenceNumber,omitempty"`
	EnqueuedTime               time.Time    `json:"enqueuedTime,omitempty"`
	ExpiresAt                  time.Time    `json:"expiresAt,omitempty"`
	DeliveryCount              int32        `json:"deliveryCount,omitempty"`
	LockToken                  string       `json:"lockToken,omitempty"`
	LockedUntil                time.Time    `json:"lockedUntil,omitempty"`
	DeadLetterReason           string       `json:"deadLetterReason,omitempty"`
	DeadLetterErrorDescription string       `json:"deadLetterErrorDescription,omitempty"`
	DeadLetterSource           string       `json:"deadLetterSource,omitempty"`
	// DeadLetterSequenceNumber orders the dead-letter store, which numbers
	// its arrivals independently of SequenceNumber.
	DeadLetterSequenceNumber   int64        `json:"deadLetterSequenceNumber,omitempty"`
	State                      MessageState `json:"state,omitempty"`
}

// Clone copies the envelope and its property map. The body is shared.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.Properties != nil {
		c.Properties = maps.Clone(m.Properties)
	}
	return &c
}

// Size estimates the stored footprint used for size limits.
func (m *Message) Size() int64 {
	n := len(m.Body) + len(m.MessageID) + len(m.ContentType) + len(m.CorrelationID) +
		len(m.SessionID) + len(m.ReplyTo) + len(m.ReplyToSessionID) + len(m.To) + len(m.Label)
	for k, v := range m.Properties {
		n += len(k)
		switch tv := v.(type) {
		case string:
			n += len(tv)
		default:
			n += 8
		}
	}
	return int64(n)
}

// Expired reports whether the message TTL has elapsed at now.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Scheduled reports whether the message is not yet due at now.
func (m *Message) Scheduled(now time.Time) bool {
	return !m.ScheduledEnqueueTime.IsZero() && m.ScheduledEnqueueTime.After(now)
}

// NormalizeProperties converts user property values to the scalar set the
// filter engine understands: string, bool, int64, float64. Times become
// RFC 3339 strings.
func NormalizeProperties(props map[string]any) (map[string]any, error) {
	if len(props) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(props))
	for k, v := range props {
		if k == "" {
			return nil, fmt.Errorf("property name cannot be empty")
		}
		nv, err := NormalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

// NormalizeValue converts one property value; see NormalizeProperties.
func NormalizeValue(v any) (any, error) {
	switch tv := v.(type) {
	case nil:
		return nil, nil
	case string, bool, int64, float64:
		return tv, nil
	case int:
		return int64(tv), nil
	case int8:
		return int64(tv), nil
	case int16:
		return int64(tv), nil
	case int32:
		return int64(tv), nil
	case uint8:
		return int64(tv), nil
	case uint16:
		return int64(tv), nil
	case uint32:
		return int64(tv), nil
	case uint:
		if uint64(tv) > math.MaxInt64 {
			return nil, fmt.Errorf("unsigned value %d overflows int64", tv)
		}
		return int64(tv), nil
	case uint64:
		if tv > math.MaxInt64 {
			return nil, fmt.Errorf("unsigned value %d overflows int64", tv)
		}
		return int64(tv), nil
	case float32:
		return float64(tv), nil
	case json.Number:
		if i, err := tv.Int64(); err == nil {
			return i, nil
		}
		f, err := tv.Float64()
		if err != nil {
			return nil, err
		}
		return f, nil
	case time.Time:
		return tv.UTC().Format(time.RFC3339Nano), nil
	default:
		return nil, fmt.Errorf("unsupported property type %T", v)
	}
}
