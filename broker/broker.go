// Package broker is the engine facade: it owns the entity registry, journals
// every mutation before applying it, and runs the expiry sweeper and the
// snapshotter in the background.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/maxpert/servicebus-go/config"
	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/interfaces"
	"github.com/maxpert/servicebus-go/model"
	"github.com/maxpert/servicebus-go/storage"
)

var _ interfaces.Broker = (*Broker)(nil)

// Broker implements interfaces.Broker.
//
// Lock order: barrier, registry, entity mutexes in path order. The journal
// append happens under the entity mutex so per-entity log order equals the
// order changes become visible.
type Broker struct {
	cfg      interfaces.BrokerConfig
	pcfg     interfaces.PersistenceConfig
	logger   *zap.Logger
	clock    func() time.Time
	tracer   trace.Tracer
	recorder interfaces.Recorder

	// barrier is held shared by mutations and exclusively by snapshot,
	// import and compaction.
	barrier sync.RWMutex

	regMu    sync.RWMutex
	entities map[string]*entity

	journal  *journal
	snapshot *semaphore.Weighted

	statsMu      sync.Mutex
	lastSnapshot time.Time
	recovery     RecoveryStats

	startedAt time.Time
	runMu     sync.Mutex
	cancel    context.CancelFunc
	group     *errgroup.Group
	closed    atomic.Bool
}

// New opens the configured backend, recovers state from it and returns a
// broker ready for use. Background work starts with Start.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Broker, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	b := &Broker{
		cfg:       cfg.Broker,
		pcfg:      cfg.Persistence,
		logger:    o.logger,
		clock:     o.clock,
		tracer:    o.tracer,
		recorder:  o.recorder,
		entities:  make(map[string]*entity),
		snapshot:  semaphore.NewWeighted(1),
		startedAt: time.Now(),
	}

	backend, degradedReason, err := b.openBackend(o.backend)
	if err != nil {
		return nil, err
	}
	b.journal = newJournal(backend, cfg.Persistence.Required, b.logger, b.recorder)
	if degradedReason != "" {
		b.journal.degrade(degradedReason)
	}

	if err := b.recover(ctx); err != nil {
		if closeErr := b.journal.close(); closeErr != nil {
			b.logger.Warn("Failed to close backend after recovery failure", zap.Error(closeErr))
		}
		return nil, err
	}

	b.regMu.RLock()
	b.publishEntityCountsLocked()
	b.regMu.RUnlock()
	return b, nil
}

func (b *Broker) openBackend(given interfaces.Backend) (interfaces.Backend, string, error) {
	if given != nil {
		return given, "", nil
	}
	backend, err := storage.Open(b.pcfg, b.logger)
	if err == nil {
		b.logger.Info("Persistence backend opened",
			zap.String("backend", backend.Name()),
			zap.String("path", b.pcfg.Path))
		return backend, "", nil
	}
	if b.pcfg.Required {
		return nil, "", sberrors.NewPersistenceUnavailable(b.pcfg.Backend, "open", err)
	}
	b.logger.Warn("Persistence backend unavailable, running in memory",
		zap.String("backend", b.pcfg.Backend),
		zap.Error(err))
	return storage.NewNone(), fmt.Sprintf("backend %s unavailable: %v", b.pcfg.Backend, err), nil
}

// Start runs the sweeper and, when persistence is enabled, the snapshotter.
func (b *Broker) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if b.closed.Load() {
		return sberrors.NewInvalidOperation("", "broker is closed")
	}
	if b.group != nil {
		return sberrors.NewInvalidOperation("", "broker already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, gctx := errgroup.WithContext(runCtx)
	b.cancel = cancel
	b.group = group

	group.Go(func() error { return b.sweepLoop(gctx) })
	if b.pcfg.SnapshotInterval() > 0 && b.journal.durable() {
		group.Go(func() error { return b.snapshotLoop(gctx) })
	}
	b.logger.Info("Broker started",
		zap.String("name", b.cfg.Name),
		zap.String("backend", b.journal.current().Name()),
		zap.Duration("sweep_interval", b.cfg.SweepInterval()),
		zap.Duration("snapshot_interval", b.pcfg.SnapshotInterval()))
	return nil
}

// Close stops background work, writes a final snapshot, compacts when
// configured and releases the backend.
func (b *Broker) Close(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	if b.cancel != nil {
		b.cancel()
		if err := b.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn("Background task stopped with error", zap.Error(err))
		}
	}

	var firstErr error
	if b.journal.durable() {
		if err := b.takeSnapshot(ctx); err != nil {
			b.logger.Error("Final snapshot failed", zap.Error(err))
			firstErr = err
		} else if b.pcfg.AutoCompact {
			if err := b.compact(ctx); err != nil {
				b.logger.Warn("Compaction on shutdown failed", zap.Error(err))
			}
		}
	}
	if err := b.journal.close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("failed to close backend: %w", err)
	}
	b.logger.Info("Broker closed", zap.Uint64("lsn", b.journal.lsn.Load()))
	return firstErr
}

// Health reports persistence state and entity counts.
func (b *Broker) Health() interfaces.HealthStatus {
	b.regMu.RLock()
	count := len(b.entities)
	b.regMu.RUnlock()

	b.statsMu.Lock()
	last := b.lastSnapshot
	b.statsMu.Unlock()

	status := interfaces.HealthStatus{
		Status:       interfaces.HealthHealthy,
		Backend:      b.journal.current().Name(),
		Degraded:     b.journal.degraded.Load(),
		Uptime:       time.Since(b.startedAt),
		Entities:     count,
		LastLSN:      b.journal.lsn.Load(),
		LastSnapshot: last,
		Timestamp:    time.Now(),
	}
	if status.Degraded {
		status.Status = interfaces.HealthDegraded
		if reason := b.journal.warning(); reason != "" {
			status.Warnings = append(status.Warnings, reason)
		}
	}
	if b.closed.Load() {
		status.Status = interfaces.HealthStopped
	}
	return status
}

// Recovery returns what startup recovery restored.
func (b *Broker) Recovery() RecoveryStats {
	b.statsMu.Lock()
	defer b.statsMu.Unlock()
	return b.recovery
}

func (b *Broker) now() time.Time {
	return b.clock().UTC()
}

func (b *Broker) checkOpen(path string) error {
	if b.closed.Load() {
		return sberrors.NewInvalidOperation(path, "broker is closed")
	}
	return nil
}

func (b *Broker) startSpan(ctx context.Context, op, path string) (context.Context, trace.Span) {
	return b.tracer.Start(ctx, "broker."+op, trace.WithAttributes(
		attribute.String("servicebus.path", path),
	))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// mutate runs fn with the barrier held shared and the entity at path
// locked. The path may name a dead-letter queue.
func (b *Broker) mutate(ctx context.Context, path string, fn func(e *entity, q model.SubQueue, now time.Time) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.checkOpen(path); err != nil {
		return err
	}
	b.barrier.RLock()
	defer b.barrier.RUnlock()

	e, q, err := b.resolve(path)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return sberrors.NewEntityNotFound(path)
	}
	return fn(e, q, b.now())
}

// commit journals rec and applies it to e. A nil e marks a registry change
// and requires b.regMu held exclusively.
func (b *Broker) commit(ctx context.Context, e *entity, rec *model.Record) error {
	if err := b.journal.append(ctx, rec); err != nil {
		return err
	}
	var err error
	if e == nil {
		err = b.apply(rec)
	} else {
		err = b.applyEntity(e, rec)
	}
	if err != nil {
		b.logger.Error("Applying journaled record failed",
			zap.String("op", rec.Op.String()),
			zap.String("path", rec.Path),
			zap.Uint64("lsn", rec.LSN),
			zap.Error(err))
		return fmt.Errorf("apply %s: %w", rec.Op, err)
	}
	return nil
}
