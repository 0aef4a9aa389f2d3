package broker

import (
	"context"
	"time"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/model"
)

// Settlement outcomes reported to the recorder.
const (
	OutcomeComplete   = "complete"
	OutcomeAbandon    = "abandon"
	OutcomeDefer      = "defer"
	OutcomeDeadLetter = "deadletter"
)

// settle validates token against the entity at path and runs fn with the
// live lock. Locks granted under a session additionally need that session
// lock to still be held.
func (b *Broker) settle(ctx context.Context, op, path, token string, fn func(e *entity, l *model.Lock, now time.Time) error) (err error) {
	ctx, span := b.startSpan(ctx, op, path)
	defer func() { endSpan(span, err) }()

	return b.mutate(ctx, path, func(e *entity, _ model.SubQueue, now time.Time) error {
		if e.kind == model.KindTopic {
			return sberrors.NewInvalidOperation(e.path, "topics hold no messages")
		}
		l, err := e.locks.Validate(token, now)
		if err != nil {
			return err
		}
		if l.SessionToken != "" {
			if _, err := e.sessions.Holder(l.SessionToken, now); err != nil {
				return sberrors.NewLockLost(e.path, token, "session lock for this message is no longer held")
			}
		}
		return fn(e, l, now)
	})
}

// Complete removes a locked message.
func (b *Broker) Complete(ctx context.Context, path, lockToken string) error {
	return b.settle(ctx, "Complete", path, lockToken, func(e *entity, l *model.Lock, now time.Time) error {
		if err := b.commit(ctx, e, &model.Record{Op: model.OpComplete, Time: now, Path: e.path, Token: l.Token}); err != nil {
			return err
		}
		b.recorder.RecordSettled(e.path, OutcomeComplete)
		return nil
	})
}

// Abandon releases the lock so the message is delivered again, optionally
// overlaying props on its user properties. A message that used up its
// delivery attempts is dead-lettered instead.
func (b *Broker) Abandon(ctx context.Context, path, lockToken string, props map[string]any) error {
	normalized, err := model.NormalizeProperties(props)
	if err != nil {
		return sberrors.NewInvalidArgument("properties", err.Error())
	}
	return b.settle(ctx, "Abandon", path, lockToken, func(e *entity, l *model.Lock, now time.Time) error {
		m, ok := e.store.Queue(l.SubQueue).Get(l.Sequence)
		if !ok {
			return sberrors.NewLockLost(e.path, lockToken, "message no longer exists")
		}
		rec := &model.Record{Op: model.OpAbandon, Time: now, Path: e.path, Token: l.Token, Properties: normalized}
		if l.SubQueue == model.SubQueueMain && m.DeliveryCount >= e.cfg.MaxDeliveryCount {
			rec.DeadLetter = true
			rec.Description = exhaustedDescription(e.cfg.MaxDeliveryCount)
		}
		if err := b.commit(ctx, e, rec); err != nil {
			return err
		}
		b.recorder.RecordSettled(e.path, OutcomeAbandon)
		if rec.DeadLetter {
			b.recorder.RecordDeadLettered(e.path, model.ReasonMaxDeliveryCountExceeded, 1)
		}
		return nil
	})
}

// Defer moves a locked message to the deferred set, from where only
// ReceiveDeferred can fetch it.
func (b *Broker) Defer(ctx context.Context, path, lockToken string, props map[string]any) error {
	normalized, err := model.NormalizeProperties(props)
	if err != nil {
		return sberrors.NewInvalidArgument("properties", err.Error())
	}
	return b.settle(ctx, "Defer", path, lockToken, func(e *entity, l *model.Lock, now time.Time) error {
		if l.SubQueue != model.SubQueueMain {
			return sberrors.NewInvalidOperation(e.path, "dead-lettered messages cannot be deferred")
		}
		if err := b.commit(ctx, e, &model.Record{Op: model.OpDefer, Time: now, Path: e.path, Token: l.Token, Properties: normalized}); err != nil {
			return err
		}
		b.recorder.RecordSettled(e.path, OutcomeDefer)
		return nil
	})
}

// DeadLetter moves a locked message to the dead-letter queue.
func (b *Broker) DeadLetter(ctx context.Context, path, lockToken, reason, description string) error {
	return b.settle(ctx, "DeadLetter", path, lockToken, func(e *entity, l *model.Lock, now time.Time) error {
		if l.SubQueue != model.SubQueueMain {
			return sberrors.NewInvalidOperation(e.path, "message is already dead-lettered")
		}
		rec := &model.Record{
			Op:          model.OpDeadLetter,
			Time:        now,
			Path:        e.path,
			Token:       l.Token,
			Reason:      reason,
			Description: description,
		}
		if err := b.commit(ctx, e, rec); err != nil {
			return err
		}
		b.recorder.RecordSettled(e.path, OutcomeDeadLetter)
		b.recorder.RecordDeadLettered(e.path, reason, 1)
		return nil
	})
}

// RenewLock extends a lock by the entity lock duration and returns the new
// expiry.
func (b *Broker) RenewLock(ctx context.Context, path, lockToken string) (until time.Time, err error) {
	err = b.settle(ctx, "RenewLock", path, lockToken, func(e *entity, l *model.Lock, now time.Time) error {
		until = now.Add(e.cfg.LockDuration)
		return b.commit(ctx, e, &model.Record{Op: model.OpRenewLock, Time: now, Path: e.path, Token: l.Token, LockedUntil: until})
	})
	if err != nil {
		return time.Time{}, err
	}
	return until, nil
}
