package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/model"
)

// sqlQueries holds the dialect specific statements of a SQL backend.
type sqlQueries struct {
	insertRecord   string
	deleteRecord   string
	deleteCovered  string
	selectRecords  string
	upsertSnapshot string
	selectSnapshot string
	compact        string
}

// SQLBackend journals records into a relational table. The sqlite and
// postgres backends share it and differ only in schema and placeholders.
type SQLBackend struct {
	db     *sql.DB
	name   string
	q      sqlQueries
	logger *zap.Logger
}

func newSQLBackend(db *sql.DB, name string, q sqlQueries, logger *zap.Logger) *SQLBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLBackend{db: db, name: name, q: q, logger: logger}
}

// Name implements interfaces.Backend.
func (s *SQLBackend) Name() string {
	return s.name
}

// Append implements interfaces.Backend.
func (s *SQLBackend) Append(ctx context.Context, rec *model.Record) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}
	createdAt := rec.Time.UTC().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(ctx, s.q.insertRecord, int64(rec.LSN), int(rec.Op), data, createdAt); err != nil {
		return fmt.Errorf("%s: append record %d: %w", s.name, rec.LSN, err)
	}
	return nil
}

// WriteSnapshot replaces the snapshot row and deletes covered journal rows
// in one transaction.
func (s *SQLBackend) WriteSnapshot(ctx context.Context, snap *model.Snapshot) error {
	data, err := EncodeSnapshot(snap)
	if err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: begin snapshot: %w", s.name, err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	takenAt := snap.TakenAt.UTC().Format(time.RFC3339Nano)
	if _, err := tx.ExecContext(ctx, s.q.upsertSnapshot, int64(snap.LSN), data, takenAt); err != nil {
		return fmt.Errorf("%s: write snapshot: %w", s.name, err)
	}
	if _, err := tx.ExecContext(ctx, s.q.deleteCovered, int64(snap.LSN)); err != nil {
		return fmt.Errorf("%s: truncate journal: %w", s.name, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: commit snapshot: %w", s.name, err)
	}
	committed = true
	return nil
}

// LoadSnapshot implements interfaces.Backend.
func (s *SQLBackend) LoadSnapshot(ctx context.Context) (*model.Snapshot, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, s.q.selectSnapshot).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%s: load snapshot: %w", s.name, err)
	}
	snap, err := DecodeSnapshot(data)
	if err != nil {
		return nil, sberrors.NewCorruptLog(s.name, "snapshot", err)
	}
	return snap, nil
}

// Replay implements interfaces.Backend.
func (s *SQLBackend) Replay(ctx context.Context, fn func(*model.Record) error) error {
	rows, err := s.db.QueryContext(ctx, s.q.selectRecords)
	if err != nil {
		return fmt.Errorf("%s: read journal: %w", s.name, err)
	}
	var entries []kvEntry
	for rows.Next() {
		var (
			lsn  int64
			data []byte
		)
		if err := rows.Scan(&lsn, &data); err != nil {
			rows.Close()
			return fmt.Errorf("%s: read journal: %w", s.name, err)
		}
		entries = append(entries, kvEntry{key: logKey(uint64(lsn)), value: data})
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("%s: read journal: %w", s.name, err)
	}
	rows.Close()

	return replayEntries(s.name, entries, fn, func(key []byte) error {
		lsn, _ := lsnFromKey(key)
		s.logger.Warn("Dropping torn journal tail", zap.Uint64("lsn", lsn))
		_, err := s.db.ExecContext(ctx, s.q.deleteRecord, int64(lsn))
		return err
	})
}

// Compact reclaims space left by truncated journal rows.
func (s *SQLBackend) Compact(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, s.q.compact); err != nil {
		return fmt.Errorf("%s: compact: %w", s.name, err)
	}
	return nil
}

// Close implements interfaces.Backend.
func (s *SQLBackend) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
