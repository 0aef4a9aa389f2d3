package broker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/maxpert/servicebus-go/model"
)

func (b *Broker) sweepLoop(ctx context.Context) error {
	interval := b.cfg.SweepInterval()
	if interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			stats, err := b.SweepNow(ctx)
			if err != nil {
				b.logger.Debug("Expiry sweep stopped early", zap.Error(err))
				continue
			}
			if stats.LocksExpired+stats.SessionsExpired+stats.MessagesExpired > 0 {
				b.logger.Debug("Expiry sweep",
					zap.Int("locks_expired", stats.LocksExpired),
					zap.Int("sessions_expired", stats.SessionsExpired),
					zap.Int("messages_expired", stats.MessagesExpired),
					zap.Int("dead_lettered", stats.MessagesDeadLettered))
			}
		}
	}
}

func (b *Broker) snapshotLoop(ctx context.Context) error {
	ticker := time.NewTicker(b.pcfg.SnapshotInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if !b.journal.durable() {
				continue
			}
			if err := b.takeSnapshot(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn("Periodic snapshot failed", zap.Error(err))
			}
		}
	}
}

// SweepNow runs one expiry pass over every queue and subscription: lapsed
// message locks and session locks are released, messages past their TTL
// are removed or dead-lettered, and idle sessions are forgotten.
func (b *Broker) SweepNow(ctx context.Context) (stats model.SweepStats, err error) {
	ctx, span := b.startSpan(ctx, "SweepNow", "")
	defer func() { endSpan(span, err) }()

	if err := b.checkOpen(""); err != nil {
		return stats, err
	}
	for _, e := range b.snapshotEntities() {
		if e.kind == model.KindTopic {
			continue
		}
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if err := b.sweepEntity(ctx, e, &stats); err != nil {
			return stats, err
		}
		stats.Entities++
	}
	return stats, nil
}

func (b *Broker) sweepEntity(ctx context.Context, e *entity, stats *model.SweepStats) error {
	b.barrier.RLock()
	defer b.barrier.RUnlock()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil
	}
	now := b.now()

	if expired := e.locks.Expired(now); len(expired) > 0 {
		n, err := b.expireLocks(ctx, e, expired, now)
		if err != nil {
			return err
		}
		stats.LocksExpired += len(expired)
		stats.MessagesDeadLettered += n
	}

	for _, token := range e.sessions.Expired(now) {
		rec := &model.Record{Op: model.OpSessionClose, Time: now, Path: e.path, Token: token}
		if err := b.commit(ctx, e, rec); err != nil {
			return err
		}
		stats.SessionsExpired++
	}

	if seqs := e.store.Main().ExpiredUnlocked(now); len(seqs) > 0 {
		dlq := e.cfg.DeadLetteringOnMessageExpiration
		rec := &model.Record{Op: model.OpExpireMessages, Time: now, Path: e.path, Sequences: seqs, DeadLetter: dlq}
		if err := b.commit(ctx, e, rec); err != nil {
			return err
		}
		stats.MessagesExpired += len(seqs)
		b.recorder.RecordExpired(e.path, len(seqs))
		if dlq {
			stats.MessagesDeadLettered += len(seqs)
			b.recorder.RecordDeadLettered(e.path, model.ReasonMaxTTLExceeded, len(seqs))
		}
	}

	if e.cfg.RequiresSession && e.sessions.Len() > 0 {
		present := make(map[string]bool)
		for _, m := range e.store.Main().Messages() {
			present[m.SessionID] = true
		}
		idle := e.sessions.Idle(now, func(id string) bool { return present[id] })
		if len(idle) > 0 {
			rec := &model.Record{Op: model.OpSessionForget, Time: now, Path: e.path, SessionIDs: idle}
			if err := b.commit(ctx, e, rec); err != nil {
				return err
			}
			stats.SessionsPruned += len(idle)
		}
	}

	b.recorder.SetMessageCounts(e.path, e.store.Counts(now))
	return nil
}

// expireLocks releases lapsed locks. Main-queue messages that used up their
// delivery attempts go to the dead-letter queue; the count of those is
// returned.
func (b *Broker) expireLocks(ctx context.Context, e *entity, expired []*model.Lock, now time.Time) (int, error) {
	rec := &model.Record{Op: model.OpExpireLocks, Time: now, Path: e.path}
	deadLettered := 0
	for _, l := range expired {
		x := model.LockExpiry{Token: l.Token}
		if l.SubQueue == model.SubQueueMain {
			if m, ok := e.store.Main().Get(l.Sequence); ok && m.DeliveryCount >= e.cfg.MaxDeliveryCount {
				x.DeadLetter = true
				deadLettered++
			}
		}
		rec.Expirations = append(rec.Expirations, x)
	}
	if err := b.commit(ctx, e, rec); err != nil {
		return 0, err
	}
	if deadLettered > 0 {
		b.recorder.RecordDeadLettered(e.path, model.ReasonMaxDeliveryCountExceeded, deadLettered)
	}
	return deadLettered, nil
}
