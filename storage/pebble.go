package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/model"
)

// PebbleBackend journals records as individual keys in a Pebble database.
type PebbleBackend struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	logger    *zap.Logger
}

// OpenPebble opens or creates a Pebble backend in dir. Without syncWrites
// Pebble coalesces WAL syncs over a short interval.
func OpenPebble(dir string, syncWrites bool, logger *zap.Logger) (*PebbleBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := &pebble.Options{}
	writeOpts := pebble.Sync
	if !syncWrites {
		opts.WALMinSyncInterval = func() time.Duration { return 5 * time.Millisecond }
		writeOpts = pebble.NoSync
	}
	db, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	return &PebbleBackend{db: db, writeOpts: writeOpts, logger: logger}, nil
}

// Name implements interfaces.Backend.
func (p *PebbleBackend) Name() string {
	return BackendPebble
}

// Append implements interfaces.Backend.
func (p *PebbleBackend) Append(ctx context.Context, rec *model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	if err := p.db.Set(logKey(rec.LSN), data, p.writeOpts); err != nil {
		return fmt.Errorf("failed to append record %d: %w", rec.LSN, err)
	}
	return nil
}

// WriteSnapshot stores the snapshot and removes the covered journal range
// in one batch.
func (p *PebbleBackend) WriteSnapshot(ctx context.Context, snap *model.Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	batch := p.db.NewBatch()
	defer batch.Close()

	if err := batch.Set(snapshotKey, data, nil); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}
	if snap.LSN > 0 {
		if err := batch.DeleteRange(logKey(0), logKey(snap.LSN+1), nil); err != nil {
			return fmt.Errorf("failed to truncate journal: %w", err)
		}
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot implements interfaces.Backend.
func (p *PebbleBackend) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	val, closer, err := p.db.Get(snapshotKey)
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	data := append([]byte(nil), val...)
	closer.Close()

	snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil, sberrors.NewCorruptLog(BackendPebble, "snapshot", err)
	}
	return snap, nil
}

// Replay implements interfaces.Backend.
func (p *PebbleBackend) Replay(ctx context.Context, fn func(*model.Record) error) error {
	it, err := p.db.NewIter(&pebble.IterOptions{LowerBound: logPrefix, UpperBound: logUpperBound()})
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	var entries []kvEntry
	for it.First(); it.Valid(); it.Next() {
		if err := ctx.Err(); err != nil {
			it.Close()
			return err
		}
		entries = append(entries, kvEntry{
			key:   append([]byte(nil), it.Key()...),
			value: append([]byte(nil), it.Value()...),
		})
	}
	if err := it.Close(); err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}

	return replayEntries(BackendPebble, entries, fn, func(key []byte) error {
		p.logger.Warn("Dropping torn journal tail", zap.Binary("key", key))
		return p.db.Delete(key, pebble.Sync)
	})
}

// Compact compacts the whole journal key space.
func (p *PebbleBackend) Compact(ctx context.Context) error {
	if err := p.db.Compact(logPrefix, []byte("snap0"), true); err != nil {
		return fmt.Errorf("failed to compact: %w", err)
	}
	return nil
}

// Close implements interfaces.Backend.
func (p *PebbleBackend) Close() error {
	return p.db.Close()
}
