package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/interfaces"
	"github.com/maxpert/servicebus-go/model"
	"github.com/maxpert/servicebus-go/storage"
)

// journal assigns LSNs and writes records to the backend. When the backend
// fails and persistence is optional it switches to the none backend and the
// broker keeps running in memory.
type journal struct {
	mu       sync.RWMutex
	backend  interfaces.Backend
	retired  []interfaces.Backend
	name     string
	required bool
	reason   string

	lsn      atomic.Uint64
	degraded atomic.Bool

	logger   *zap.Logger
	recorder interfaces.Recorder
}

func newJournal(backend interfaces.Backend, required bool, logger *zap.Logger, recorder interfaces.Recorder) *journal {
	return &journal{
		backend:  backend,
		name:     backend.Name(),
		required: required,
		logger:   logger,
		recorder: recorder,
	}
}

func (j *journal) current() interfaces.Backend {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.backend
}

// durable reports whether records reach a backend that keeps them.
func (j *journal) durable() bool {
	return j.current().Name() != storage.BackendNone
}

// append stamps rec with the next LSN and stores it. A cancelled context is
// returned as is; a backend failure becomes PersistenceUnavailable.
func (j *journal) append(ctx context.Context, rec *model.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	backend := j.current()
	rec.LSN = j.lsn.Add(1)

	start := time.Now()
	err := backend.Append(ctx, rec)
	j.recorder.RecordJournalAppend(rec.Op, time.Since(start), err)
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	j.logger.Error("Journal append failed",
		zap.String("backend", backend.Name()),
		zap.String("op", rec.Op.String()),
		zap.Uint64("lsn", rec.LSN),
		zap.String("path", rec.Path),
		zap.Error(err))
	j.fail(backend, err)
	return sberrors.NewPersistenceUnavailable(backend.Name(), rec.Op.String(), err)
}

// fail degrades to in-memory operation unless persistence is required.
func (j *journal) fail(backend interfaces.Backend, cause error) {
	if j.required {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.backend != backend {
		return
	}
	j.retired = append(j.retired, j.backend)
	j.backend = storage.NewNone()
	j.reason = cause.Error()
	j.degraded.Store(true)
	j.logger.Warn("Persistence degraded, continuing in memory",
		zap.String("backend", backend.Name()),
		zap.Error(cause))
}

// degrade records a startup fallback.
func (j *journal) degrade(reason string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.reason = reason
	j.degraded.Store(true)
}

func (j *journal) warning() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.reason
}

// writeSnapshot stores snap. Callers hold the snapshot barrier.
func (j *journal) writeSnapshot(ctx context.Context, snap *model.Snapshot) error {
	backend := j.current()
	if err := backend.WriteSnapshot(ctx, snap); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		j.fail(backend, err)
		return sberrors.NewPersistenceUnavailable(backend.Name(), "snapshot", err)
	}
	return nil
}

func (j *journal) compact(ctx context.Context) error {
	backend := j.current()
	if err := backend.Compact(ctx); err != nil {
		return sberrors.NewPersistenceUnavailable(backend.Name(), "compact", err)
	}
	return nil
}

func (j *journal) close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	var firstErr error
	for _, b := range append(j.retired, j.backend) {
		if err := b.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	j.retired = nil
	return firstErr
}
