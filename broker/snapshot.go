package broker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/model"
)

// SnapshotNow writes a snapshot of the current state. Without a durable
// backend it does nothing.
func (b *Broker) SnapshotNow(ctx context.Context) (err error) {
	ctx, span := b.startSpan(ctx, "SnapshotNow", "")
	defer func() { endSpan(span, err) }()

	if !b.journal.durable() {
		return nil
	}
	return b.takeSnapshot(ctx)
}

// takeSnapshot captures every entity under the exclusive barrier and hands
// the result to the backend, which drops the journal records it covers.
func (b *Broker) takeSnapshot(ctx context.Context) error {
	if err := b.snapshot.Acquire(ctx, 1); err != nil {
		return err
	}
	defer b.snapshot.Release(1)

	b.barrier.Lock()
	defer b.barrier.Unlock()

	start := time.Now()
	snap := b.captureLocked()
	err := b.journal.writeSnapshot(ctx, snap)
	b.recorder.RecordSnapshot(time.Since(start), err)
	if err != nil {
		return err
	}

	b.statsMu.Lock()
	b.lastSnapshot = snap.TakenAt
	b.statsMu.Unlock()

	b.logger.Info("Snapshot written",
		zap.Uint64("lsn", snap.LSN),
		zap.Int("entities", len(snap.Entities)),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// captureLocked builds a snapshot. Callers hold the barrier exclusively, so
// no mutation is in flight and entity mutexes are free.
func (b *Broker) captureLocked() *model.Snapshot {
	snap := &model.Snapshot{
		Version: model.SnapshotVersion,
		LSN:     b.journal.lsn.Load(),
		TakenAt: b.now(),
	}
	for _, e := range b.snapshotEntities() {
		snap.Entities = append(snap.Entities, captureEntity(e))
	}
	return snap
}

func captureEntity(e *entity) model.EntitySnapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	es := model.EntitySnapshot{
		Kind:      e.kind,
		Path:      e.path,
		Topic:     e.topicPath,
		Config:    e.cfg,
		CreatedAt: e.createdAt,
		UpdatedAt: e.updatedAt,
		Rules:     e.ruleList(),
	}
	if e.kind == model.KindTopic {
		es.LastSequence = e.topicSeq
		return es
	}
	es.LastSequence = e.store.LastSequence()
	es.LastDeadLetterSequence = e.store.DeadLetter().LastPosition()
	for _, m := range e.store.Main().Messages() {
		es.Messages = append(es.Messages, m.Clone())
	}
	for _, m := range e.store.DeadLetter().Messages() {
		es.DeadLetters = append(es.DeadLetters, m.Clone())
	}
	es.Locks = e.locks.All()
	es.Sessions = e.sessions.All()
	return es
}

// CompactNow asks the backend to reclaim space.
func (b *Broker) CompactNow(ctx context.Context) (err error) {
	ctx, span := b.startSpan(ctx, "CompactNow", "")
	defer func() { endSpan(span, err) }()
	return b.compact(ctx)
}

func (b *Broker) compact(ctx context.Context) error {
	b.barrier.Lock()
	defer b.barrier.Unlock()

	start := time.Now()
	if err := b.journal.compact(ctx); err != nil {
		return err
	}
	b.logger.Info("Backend compacted",
		zap.String("backend", b.journal.current().Name()),
		zap.Duration("duration", time.Since(start)))
	return nil
}

// ExportState returns the full broker state in snapshot form.
func (b *Broker) ExportState(ctx context.Context) (snap *model.Snapshot, err error) {
	ctx, span := b.startSpan(ctx, "ExportState", "")
	defer func() { endSpan(span, err) }()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.barrier.Lock()
	defer b.barrier.Unlock()
	return b.captureLocked(), nil
}

// ImportState replaces all broker state with snap. The imported state is
// persisted as a snapshot before it becomes visible; on failure the current
// state is kept.
func (b *Broker) ImportState(ctx context.Context, snap *model.Snapshot) (err error) {
	ctx, span := b.startSpan(ctx, "ImportState", "")
	defer func() { endSpan(span, err) }()

	if snap == nil {
		return sberrors.NewInvalidArgument("snapshot", "snapshot cannot be nil")
	}
	if snap.Version != model.SnapshotVersion {
		return sberrors.NewInvalidArgument("snapshot", fmt.Sprintf("unsupported snapshot version %d", snap.Version))
	}
	if err := b.checkOpen(""); err != nil {
		return err
	}
	if err := b.snapshot.Acquire(ctx, 1); err != nil {
		return err
	}
	defer b.snapshot.Release(1)

	b.barrier.Lock()
	defer b.barrier.Unlock()

	entities, err := b.restoreEntities(snap)
	if err != nil {
		return sberrors.NewInvalidArgument("snapshot", err.Error())
	}

	stored := *snap
	stored.LSN = b.journal.lsn.Load()
	stored.TakenAt = b.now()
	if b.journal.durable() {
		start := time.Now()
		err := b.journal.writeSnapshot(ctx, &stored)
		b.recorder.RecordSnapshot(time.Since(start), err)
		if err != nil {
			return err
		}
	}

	b.regMu.Lock()
	old := b.entities
	b.entities = entities
	b.publishEntityCountsLocked()
	b.regMu.Unlock()

	for _, e := range old {
		e.mu.Lock()
		e.deleted = true
		e.signal()
		e.mu.Unlock()
		if _, ok := entities[e.key]; !ok {
			b.recorder.ForgetEntity(e.path)
		}
	}

	b.statsMu.Lock()
	b.lastSnapshot = stored.TakenAt
	b.statsMu.Unlock()

	b.logger.Info("State imported",
		zap.Int("entities", len(entities)),
		zap.Uint64("lsn", stored.LSN))
	return nil
}

// restoreEntities builds a registry from a snapshot. Topics are restored
// before subscriptions so every subscription can attach to its topic.
func (b *Broker) restoreEntities(snap *model.Snapshot) (map[string]*entity, error) {
	entities := make(map[string]*entity, len(snap.Entities))
	for pass := 0; pass < 2; pass++ {
		for i := range snap.Entities {
			es := &snap.Entities[i]
			isSub := es.Kind == model.KindSubscription
			if isSub != (pass == 1) {
				continue
			}
			key := model.Key(es.Path)
			if _, dup := entities[key]; dup {
				return nil, fmt.Errorf("duplicate entity %s", es.Path)
			}
			e, err := b.restoreEntity(es)
			if err != nil {
				return nil, err
			}
			if isSub {
				topic, ok := entities[model.Key(e.topicPath)]
				if !ok || topic.kind != model.KindTopic {
					return nil, fmt.Errorf("subscription %s has no topic", es.Path)
				}
				topic.subs[key] = e
			}
			entities[key] = e
		}
	}
	return entities, nil
}

func (b *Broker) restoreEntity(es *model.EntitySnapshot) (*entity, error) {
	switch es.Kind {
	case model.KindQueue, model.KindTopic, model.KindSubscription:
	default:
		return nil, fmt.Errorf("entity %s has unknown kind %d", es.Path, es.Kind)
	}
	e := newEntity(es.Kind, es.Path, es.Config, es.CreatedAt, b.cfg.MaxSessionStateBytes)
	e.updatedAt = es.UpdatedAt
	if e.kind == model.KindTopic {
		e.topicSeq = es.LastSequence
		return e, nil
	}
	if e.kind == model.KindSubscription {
		e.setRules(es.Rules, b.logger)
	}

	for _, m := range es.Messages {
		e.store.Admit(m.Clone())
	}
	for _, m := range es.DeadLetters {
		e.store.RestoreDeadLetter(m.Clone())
	}
	e.store.SetLastSequence(es.LastSequence)
	e.store.DeadLetter().SetLastPosition(es.LastDeadLetterSequence)

	for _, l := range es.Locks {
		q := e.store.Queue(l.SubQueue)
		if !q.Lock(l.Sequence) {
			b.logger.Warn("Dropping snapshot lock on missing message",
				zap.String("path", e.path),
				zap.Int64("sequence", l.Sequence))
			continue
		}
		l.Path = e.path
		e.locks.Grant(l)
	}
	for _, s := range es.Sessions {
		e.sessions.Restore(s)
	}
	return e, nil
}
