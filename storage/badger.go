package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/model"
)

// BadgerBackend journals records as individual keys in a Badger database.
type BadgerBackend struct {
	db     *badger.DB
	logger *zap.Logger
}

// OpenBadger opens or creates a Badger backend in dir.
func OpenBadger(dir string, syncWrites bool, logger *zap.Logger) (*BadgerBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // Disable badger's default logging to avoid noise
	opts.SyncWrites = syncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerBackend{db: db, logger: logger}, nil
}

// Name implements interfaces.Backend.
func (b *BadgerBackend) Name() string {
	return BackendBadger
}

// Append implements interfaces.Backend.
func (b *BadgerBackend) Append(ctx context.Context, rec *model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(logKey(rec.LSN), data)
	})
	if err != nil {
		return fmt.Errorf("failed to append record %d: %w", rec.LSN, err)
	}
	return nil
}

// WriteSnapshot stores the snapshot, then drops the journal entries it
// covers.
func (b *BadgerBackend) WriteSnapshot(ctx context.Context, snap *model.Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey, data)
	}); err != nil {
		return fmt.Errorf("failed to store snapshot: %w", err)
	}

	var covered [][]byte
	err = b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(logPrefix); it.ValidForPrefix(logPrefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			lsn, ok := lsnFromKey(key)
			if !ok || lsn > snap.LSN {
				break
			}
			covered = append(covered, key)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to scan journal: %w", err)
	}
	if len(covered) == 0 {
		return nil
	}

	wb := b.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range covered {
		if err := wb.Delete(key); err != nil {
			return fmt.Errorf("failed to truncate journal: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to truncate journal: %w", err)
	}
	b.logger.Debug("Journal truncated", zap.Uint64("lsn", snap.LSN), zap.Int("records", len(covered)))
	return nil
}

// LoadSnapshot implements interfaces.Backend.
func (b *BadgerBackend) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil, sberrors.NewCorruptLog(BackendBadger, "snapshot", err)
	}
	return snap, nil
}

// Replay implements interfaces.Backend.
func (b *BadgerBackend) Replay(ctx context.Context, fn func(*model.Record) error) error {
	var entries []kvEntry
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(logPrefix); it.ValidForPrefix(logPrefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			entries = append(entries, kvEntry{key: item.KeyCopy(nil), value: val})
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}

	return replayEntries(BackendBadger, entries, fn, func(key []byte) error {
		b.logger.Warn("Dropping torn journal tail", zap.Binary("key", key))
		return b.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(key)
		})
	})
}

// Compact flattens the LSM tree and collects value log garbage.
func (b *BadgerBackend) Compact(ctx context.Context) error {
	if err := b.db.Flatten(1); err != nil {
		return fmt.Errorf("failed to flatten: %w", err)
	}
	for ctx.Err() == nil {
		if err := b.db.RunValueLogGC(0.5); err != nil {
			// ErrNoRewrite means there was nothing left to collect.
			break
		}
	}
	return nil
}

// Close implements interfaces.Backend.
func (b *BadgerBackend) Close() error {
	return b.db.Close()
}
