package interfaces

import (
	"context"

	"github.com/maxpert/servicebus-go/model"
)

// Backend is the persistence contract of the broker: an ordered journal of
// mutations plus a full-state snapshot.
//
// Append calls for one entity never overlap, but appends for different
// entities may run concurrently. WriteSnapshot and Compact are only called
// while no Append is in flight.
type Backend interface {
	// Name returns the backend identifier used in config and logs
	Name() string

	// Append durably stores one journal record
	Append(ctx context.Context, rec *model.Record) error

	// WriteSnapshot replaces the stored snapshot and drops journal records
	// with LSN <= snap.LSN
	WriteSnapshot(ctx context.Context, snap *model.Snapshot) error

	// LoadSnapshot returns the stored snapshot, or nil when none exists
	LoadSnapshot(ctx context.Context) (*model.Snapshot, error)

	// Replay calls fn for every stored record in journal order. An
	// unreadable final record is discarded; an unreadable record followed
	// by valid ones fails with a CorruptLog error.
	Replay(ctx context.Context, fn func(*model.Record) error) error

	// Compact reclaims space held by deleted records
	Compact(ctx context.Context) error

	// Close releases the backend
	Close() error
}
