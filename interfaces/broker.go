package interfaces

import (
	"context"
	"time"

	"github.com/maxpert/servicebus-go/model"
)

// Broker is the in-process contract of the engine. Paths address queues,
// topics and subscriptions (<topic>/Subscriptions/<name>); a trailing
// /$DeadLetterQueue addresses an entity's dead-letter sub-store where noted.
type Broker interface {
	Service

	// Entity operations
	CreateEntity(ctx context.Context, kind model.EntityKind, path string, cfg model.EntityConfig) (*model.EntityProperties, error)
	CreateQueue(ctx context.Context, name string, cfg model.EntityConfig) (*model.EntityProperties, error)
	CreateTopic(ctx context.Context, name string, cfg model.EntityConfig) (*model.EntityProperties, error)
	CreateSubscription(ctx context.Context, topic, name string, opts model.SubscriptionOptions) (*model.EntityProperties, error)
	UpdateEntity(ctx context.Context, path string, cfg model.EntityConfig) (*model.EntityProperties, error)
	DeleteEntity(ctx context.Context, path string) error
	GetEntityProperties(ctx context.Context, path string) (*model.EntityProperties, error)
	ListEntities(ctx context.Context, kind model.EntityKind) ([]*model.EntityProperties, error)
	PurgeEntity(ctx context.Context, path string) (int, error)

	// Rule operations
	AddRule(ctx context.Context, topic, subscription string, rule model.Rule) error
	RemoveRule(ctx context.Context, topic, subscription, name string) error
	ListRules(ctx context.Context, topic, subscription string) ([]model.Rule, error)

	// Send operations
	Send(ctx context.Context, path string, msg *model.Message) (int64, error)
	SendBatch(ctx context.Context, path string, msgs []*model.Message) ([]int64, error)
	Schedule(ctx context.Context, path string, msg *model.Message, at time.Time) (int64, error)
	CancelScheduled(ctx context.Context, path string, seq int64) error

	// Receive operations
	Receive(ctx context.Context, path string, opts model.ReceiveOptions) (*model.Message, error)
	ReceiveBatch(ctx context.Context, path string, opts model.ReceiveOptions) ([]*model.Message, error)
	ReceiveDeferred(ctx context.Context, path string, seqs []int64, opts model.ReceiveOptions) ([]*model.Message, error)
	ReceiveDeadLetter(ctx context.Context, path string, opts model.ReceiveOptions) ([]*model.Message, error)
	Peek(ctx context.Context, path string, fromSequence int64, count int) ([]*model.Message, error)
	PeekDeadLetter(ctx context.Context, path string, fromSequence int64, count int) ([]*model.Message, error)

	// Settlement operations
	Complete(ctx context.Context, path, lockToken string) error
	Abandon(ctx context.Context, path, lockToken string, props map[string]any) error
	Defer(ctx context.Context, path, lockToken string, props map[string]any) error
	DeadLetter(ctx context.Context, path, lockToken, reason, description string) error
	RenewLock(ctx context.Context, path, lockToken string) (time.Time, error)

	// Session operations
	AcceptSession(ctx context.Context, path, sessionID string, opts model.AcceptOptions) (*model.SessionLock, error)
	RenewSessionLock(ctx context.Context, path, sessionToken string) (time.Time, error)
	CloseSession(ctx context.Context, path, sessionToken string) error
	GetSessionState(ctx context.Context, path, sessionID string) ([]byte, error)
	SetSessionState(ctx context.Context, path, sessionToken string, state []byte) error

	// State operations
	ExportState(ctx context.Context) (*model.Snapshot, error)
	ImportState(ctx context.Context, snap *model.Snapshot) error
	SnapshotNow(ctx context.Context) error
	CompactNow(ctx context.Context) error
	SweepNow(ctx context.Context) (model.SweepStats, error)
}

// Recorder receives broker events for metrics. Implementations must be
// safe for concurrent use and cheap; they are called under entity locks.
type Recorder interface {
	RecordSent(path string, count int)
	RecordReceived(path string, mode model.ReceiveMode, count int)
	RecordSettled(path string, outcome string)
	RecordDeadLettered(path, reason string, count int)
	RecordExpired(path string, count int)
	RecordJournalAppend(op model.OpKind, duration time.Duration, err error)
	RecordSnapshot(duration time.Duration, err error)
	SetEntityCount(kind model.EntityKind, count int)
	SetMessageCounts(path string, counts model.EntityCounts)
	ForgetEntity(path string)
}
