package broker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/model"
)

// RecoveryStats describes what startup recovery restored.
type RecoveryStats struct {
	Backend          string        `json:"backend"`
	SnapshotLSN      uint64        `json:"snapshotLsn"`
	SnapshotEntities int           `json:"snapshotEntities"`
	RecordsReplayed  int           `json:"recordsReplayed"`
	RecordsSkipped   int           `json:"recordsSkipped"`
	LastLSN          uint64        `json:"lastLsn"`
	Duration         time.Duration `json:"duration"`
	Errors           []string      `json:"errors,omitempty"`
}

// recover loads the snapshot and replays the journal after it. A corrupt
// journal always fails startup; other read errors fail it only when
// persistence is required, and otherwise leave the broker running on what
// was recovered so far.
func (b *Broker) recover(ctx context.Context) error {
	start := time.Now()
	backend := b.journal.current()
	stats := RecoveryStats{Backend: backend.Name()}

	b.logger.Info("Starting recovery", zap.String("backend", backend.Name()))

	err := b.recoverFrom(ctx, &stats)
	stats.Duration = time.Since(start)
	stats.LastLSN = b.journal.lsn.Load()

	b.statsMu.Lock()
	b.recovery = stats
	b.statsMu.Unlock()

	if err != nil {
		if sberrors.IsCorruptLog(err) || b.pcfg.Required || ctx.Err() != nil {
			b.logger.Error("Recovery failed",
				zap.String("backend", backend.Name()),
				zap.Error(err))
			return err
		}
		b.logger.Warn("Recovery incomplete, continuing with recovered state",
			zap.String("backend", backend.Name()),
			zap.Error(err))
		b.journal.fail(backend, err)
	}

	b.logger.Info("Recovery completed",
		zap.Duration("duration", stats.Duration),
		zap.Uint64("snapshot_lsn", stats.SnapshotLSN),
		zap.Int("snapshot_entities", stats.SnapshotEntities),
		zap.Int("records_replayed", stats.RecordsReplayed),
		zap.Int("records_skipped", stats.RecordsSkipped),
		zap.Uint64("last_lsn", stats.LastLSN),
		zap.Strings("errors", stats.Errors))
	return nil
}

func (b *Broker) recoverFrom(ctx context.Context, stats *RecoveryStats) error {
	backend := b.journal.current()

	snap, err := backend.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	if snap != nil {
		if snap.Version != model.SnapshotVersion {
			return sberrors.NewCorruptLog(backend.Name(), "snapshot",
				fmt.Errorf("unsupported snapshot version %d", snap.Version))
		}
		entities, err := b.restoreEntities(snap)
		if err != nil {
			return sberrors.NewCorruptLog(backend.Name(), "snapshot", err)
		}
		b.entities = entities
		b.journal.lsn.Store(snap.LSN)
		stats.SnapshotLSN = snap.LSN
		stats.SnapshotEntities = len(entities)

		b.statsMu.Lock()
		b.lastSnapshot = snap.TakenAt
		b.statsMu.Unlock()
	}

	return backend.Replay(ctx, func(rec *model.Record) error {
		if rec.LSN > b.journal.lsn.Load() {
			b.journal.lsn.Store(rec.LSN)
		}
		if snap != nil && rec.LSN <= snap.LSN {
			stats.RecordsSkipped++
			return nil
		}
		if err := b.apply(rec); err != nil {
			b.logger.Warn("Skipping journal record that does not apply",
				zap.Uint64("lsn", rec.LSN),
				zap.String("op", rec.Op.String()),
				zap.String("path", rec.Path),
				zap.Error(err))
			stats.RecordsSkipped++
			stats.Errors = append(stats.Errors, fmt.Sprintf("lsn %d: %v", rec.LSN, err))
			return nil
		}
		stats.RecordsReplayed++
		return nil
	})
}
