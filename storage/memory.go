package storage

import (
	"context"
	"sync"

	"github.com/maxpert/servicebus-go/model"
)

// NoneBackend discards everything. It backs brokers without durability.
type NoneBackend struct{}

// NewNone returns the no-op backend.
func NewNone() *NoneBackend {
	return &NoneBackend{}
}

func (NoneBackend) Name() string                                           { return BackendNone }
func (NoneBackend) Append(context.Context, *model.Record) error            { return nil }
func (NoneBackend) WriteSnapshot(context.Context, *model.Snapshot) error   { return nil }
func (NoneBackend) LoadSnapshot(context.Context) (*model.Snapshot, error)  { return nil, nil }
func (NoneBackend) Replay(context.Context, func(*model.Record) error) error { return nil }
func (NoneBackend) Compact(context.Context) error                          { return nil }
func (NoneBackend) Close() error                                           { return nil }

// MemoryBackend keeps the encoded journal and snapshot in process. It
// survives broker restarts that reuse the same instance, which makes it the
// backend of choice for recovery tests.
type MemoryBackend struct {
	mu       sync.Mutex
	records  [][]byte
	snapshot []byte
}

// NewMemory returns an empty in-process backend.
func NewMemory() *MemoryBackend {
	return &MemoryBackend{}
}

// Name implements interfaces.Backend.
func (mb *MemoryBackend) Name() string {
	return BackendMemory
}

// Append implements interfaces.Backend.
func (mb *MemoryBackend) Append(ctx context.Context, rec *model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	mb.mu.Lock()
	mb.records = append(mb.records, data)
	mb.mu.Unlock()
	return nil
}

// WriteSnapshot implements interfaces.Backend.
func (mb *MemoryBackend) WriteSnapshot(ctx context.Context, snap *model.Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.snapshot = data
	kept := mb.records[:0]
	for _, raw := range mb.records {
		rec, err := DecodeRecord(raw)
		if err != nil || rec.LSN > snap.LSN {
			kept = append(kept, raw)
		}
	}
	mb.records = kept
	return nil
}

// LoadSnapshot implements interfaces.Backend.
func (mb *MemoryBackend) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	mb.mu.Lock()
	data := mb.snapshot
	mb.mu.Unlock()
	if data == nil {
		return nil, nil
	}
	return DecodeSnapshot(data)
}

// Replay implements interfaces.Backend.
func (mb *MemoryBackend) Replay(ctx context.Context, fn func(*model.Record) error) error {
	mb.mu.Lock()
	records := append([][]byte(nil), mb.records...)
	mb.mu.Unlock()

	for _, raw := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec, err := DecodeRecord(raw)
		if err != nil {
			return err
		}
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Len returns the number of journal records held.
func (mb *MemoryBackend) Len() int {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	return len(mb.records)
}

// Compact implements interfaces.Backend.
func (mb *MemoryBackend) Compact(ctx context.Context) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.records = append([][]byte(nil), mb.records...)
	return nil
}

// Close keeps the data so a later broker can recover from it.
func (mb *MemoryBackend) Close() error {
	return nil
}
