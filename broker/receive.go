package broker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/lock"
	"github.com/maxpert/servicebus-go/model"
)

// Receive returns the next eligible message, or nil when none arrived
// within opts.MaxWait.
func (b *Broker) Receive(ctx context.Context, path string, opts model.ReceiveOptions) (*model.Message, error) {
	opts.MaxMessages = 1
	msgs, err := b.ReceiveBatch(ctx, path, opts)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return msgs[0], nil
}

// ReceiveDeadLetter receives from the dead-letter queue of path.
func (b *Broker) ReceiveDeadLetter(ctx context.Context, path string, opts model.ReceiveOptions) ([]*model.Message, error) {
	if _, dlq := model.SplitDeadLetterPath(path); !dlq {
		path = model.DeadLetterPath(path)
	}
	return b.ReceiveBatch(ctx, path, opts)
}

// ReceiveBatch returns up to opts.MaxMessages messages in sequence order.
// It waits up to opts.MaxWait for the first one; a cancelled context ends
// the wait with ctx.Err() and no messages.
func (b *Broker) ReceiveBatch(ctx context.Context, path string, opts model.ReceiveOptions) (msgs []*model.Message, err error) {
	ctx, span := b.startSpan(ctx, "ReceiveBatch", path)
	span.SetAttributes(attribute.String("servicebus.mode", opts.Mode.String()))
	defer func() {
		span.SetAttributes(attribute.Int("servicebus.count", len(msgs)))
		endSpan(span, err)
	}()

	max, err := b.batchSize(opts.MaxMessages)
	if err != nil {
		return nil, err
	}
	if opts.MaxWait < 0 {
		return nil, sberrors.NewInvalidArgument("maxWait", "wait cannot be negative")
	}
	deadline := time.Now().Add(opts.MaxWait)

	for {
		var (
			notify <-chan struct{}
			wake   time.Duration
		)
		err := b.mutate(ctx, path, func(e *entity, q model.SubQueue, now time.Time) error {
			var err error
			msgs, err = b.receiveLocked(ctx, e, q, opts, max, now)
			notify = e.notify
			wake = b.nextWake(e, now)
			return err
		})
		if err != nil || len(msgs) > 0 {
			return msgs, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		if wake > 0 && wake < remaining {
			remaining = wake
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (b *Broker) batchSize(n int) (int, error) {
	switch {
	case n < 0:
		return 0, sberrors.NewInvalidArgument("maxMessages", "count cannot be negative")
	case n == 0:
		return 1, nil
	case n > b.cfg.MaxReceiveBatch:
		return b.cfg.MaxReceiveBatch, nil
	default:
		return n, nil
	}
}

// nextWake is how long until a scheduled message becomes due or a lock
// expires, whichever is first; zero when neither is pending.
func (b *Broker) nextWake(e *entity, now time.Time) time.Duration {
	if e.store == nil {
		return 0
	}
	next := e.store.Main().NextDue(now)
	if exp := e.locks.NextExpiry(); !exp.IsZero() && (next.IsZero() || exp.Before(next)) {
		next = exp
	}
	if next.IsZero() {
		return 0
	}
	if d := next.Sub(now); d > 0 {
		return d
	}
	return time.Millisecond
}

// sessionFilter resolves the session a receive is bound to. It returns the
// session id to filter on, or "" for entities without sessions.
func sessionFilter(e *entity, q model.SubQueue, token string, now time.Time) (string, error) {
	if q != model.SubQueueMain || !e.cfg.RequiresSession {
		if token != "" && q == model.SubQueueMain {
			return "", sberrors.NewInvalidOperation(e.path, "entity is not session-enabled")
		}
		return "", nil
	}
	if token == "" {
		return "", sberrors.NewInvalidOperation(e.path, "session-enabled entity requires an accepted session")
	}
	s, err := e.sessions.Holder(token, now)
	if err != nil {
		return "", err
	}
	return s.ID, nil
}

func (b *Broker) receiveLocked(ctx context.Context, e *entity, q model.SubQueue, opts model.ReceiveOptions, max int, now time.Time) ([]*model.Message, error) {
	if e.kind == model.KindTopic {
		return nil, sberrors.NewInvalidOperation(e.path, "cannot receive from a topic")
	}
	sessionID, err := sessionFilter(e, q, opts.SessionToken, now)
	if err != nil {
		return nil, err
	}

	// Expired locks are released before picking so their messages are
	// eligible again.
	if expired := e.locks.Expired(now); len(expired) > 0 {
		if _, err := b.expireLocks(ctx, e, expired, now); err != nil {
			return nil, err
		}
	}

	var picked, exhausted []*model.Message
	e.store.Queue(q).Scan(now, func(m *model.Message) bool {
		if sessionID != "" && m.SessionID != sessionID {
			return true
		}
		if q == model.SubQueueMain && opts.Mode == model.PeekLock && m.DeliveryCount >= e.cfg.MaxDeliveryCount {
			exhausted = append(exhausted, m)
			return true
		}
		picked = append(picked, m)
		return len(picked) < max
	})

	if len(exhausted) > 0 {
		seqs := make([]int64, len(exhausted))
		for i, m := range exhausted {
			seqs[i] = m.SequenceNumber
		}
		rec := &model.Record{
			Op:          model.OpDeadLetter,
			Time:        now,
			Path:        e.path,
			Sequences:   seqs,
			Reason:      model.ReasonMaxDeliveryCountExceeded,
			Description: exhaustedDescription(e.cfg.MaxDeliveryCount),
		}
		if err := b.commit(ctx, e, rec); err != nil {
			return nil, err
		}
		b.recorder.RecordDeadLettered(e.path, model.ReasonMaxDeliveryCountExceeded, len(seqs))
	}
	if len(picked) == 0 {
		return nil, nil
	}
	return b.deliver(ctx, e, q, picked, opts, now, false)
}

// deliver locks or removes picked messages and returns copies as the
// receiver sees them.
func (b *Broker) deliver(ctx context.Context, e *entity, q model.SubQueue, picked []*model.Message, opts model.ReceiveOptions, now time.Time, deferred bool) ([]*model.Message, error) {
	if opts.Mode == model.ReceiveAndDelete {
		seqs := make([]int64, len(picked))
		out := make([]*model.Message, len(picked))
		for i, m := range picked {
			seqs[i] = m.SequenceNumber
			c := m.Clone()
			c.DeliveryCount++
			c.State = deliveredState(q)
			out[i] = c
		}
		rec := &model.Record{Op: model.OpReceiveAndDelete, Time: now, Path: e.path, SubQueue: q, Sequences: seqs}
		if err := b.commit(ctx, e, rec); err != nil {
			return nil, err
		}
		b.recorder.RecordReceived(e.path, opts.Mode, len(out))
		return out, nil
	}

	until := now.Add(e.cfg.LockDuration)
	locks := make([]model.Lock, len(picked))
	for i, m := range picked {
		locks[i] = model.Lock{
			Token:        lock.NewToken(),
			Path:         e.path,
			SubQueue:     q,
			Sequence:     m.SequenceNumber,
			MessageID:    m.MessageID,
			LockedUntil:  until,
			SessionToken: opts.SessionToken,
			Deferred:     deferred,
		}
	}
	rec := &model.Record{Op: model.OpLock, Time: now, Path: e.path, SubQueue: q, Locks: locks}
	if err := b.commit(ctx, e, rec); err != nil {
		return nil, err
	}

	queue := e.store.Queue(q)
	out := make([]*model.Message, 0, len(picked))
	for _, l := range locks {
		if m, ok := queue.Get(l.Sequence); ok {
			c := m.Clone()
			c.State = deliveredState(q)
			out = append(out, c)
		}
	}
	b.recorder.RecordReceived(e.path, opts.Mode, len(out))
	return out, nil
}

func deliveredState(q model.SubQueue) model.MessageState {
	if q == model.SubQueueDeadLetter {
		return model.StateDeadLettered
	}
	return model.StateActive
}

// ReceiveDeferred receives deferred messages by sequence number. Every
// number must name a deferred message of the entity, otherwise NotFound.
func (b *Broker) ReceiveDeferred(ctx context.Context, path string, seqs []int64, opts model.ReceiveOptions) (msgs []*model.Message, err error) {
	ctx, span := b.startSpan(ctx, "ReceiveDeferred", path)
	defer func() { endSpan(span, err) }()

	if len(seqs) == 0 {
		return nil, sberrors.NewInvalidArgument("sequenceNumbers", "at least one sequence number is required")
	}
	err = b.mutate(ctx, path, func(e *entity, q model.SubQueue, now time.Time) error {
		if e.kind == model.KindTopic {
			return sberrors.NewInvalidOperation(e.path, "cannot receive from a topic")
		}
		if q != model.SubQueueMain {
			return sberrors.NewInvalidOperation(path, "dead-lettered messages cannot be deferred")
		}
		sessionID, err := sessionFilter(e, q, opts.SessionToken, now)
		if err != nil {
			return err
		}
		main := e.store.Main()
		picked := make([]*model.Message, 0, len(seqs))
		seen := make(map[int64]bool, len(seqs))
		for _, seq := range seqs {
			m, ok := main.Get(seq)
			if !ok || seen[seq] || !main.IsDeferred(seq) || m.Expired(now) {
				return sberrors.NewNotFound(e.path, "deferred message")
			}
			if sessionID != "" && m.SessionID != sessionID {
				return sberrors.NewNotFound(e.path, "deferred message in session "+sessionID)
			}
			seen[seq] = true
			picked = append(picked, m)
		}
		out, err := b.deliver(ctx, e, q, picked, opts, now, true)
		if err != nil {
			return err
		}
		for _, m := range out {
			if opts.Mode == model.PeekLock {
				m.State = model.StateDeferred
			}
		}
		msgs = out
		return nil
	})
	return msgs, err
}

// Peek returns up to count messages from sequence fromSequence on without
// locking them or changing delivery counts.
func (b *Broker) Peek(ctx context.Context, path string, fromSequence int64, count int) (msgs []*model.Message, err error) {
	ctx, span := b.startSpan(ctx, "Peek", path)
	defer func() { endSpan(span, err) }()

	if count < 0 {
		return nil, sberrors.NewInvalidArgument("count", "count cannot be negative")
	}
	if count == 0 {
		count = 1
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e, q, err := b.resolve(path)
	if err != nil {
		return nil, err
	}
	if e.kind == model.KindTopic {
		return nil, sberrors.NewInvalidOperation(e.path, "cannot peek a topic")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, sberrors.NewEntityNotFound(path)
	}
	msgs = e.store.Queue(q).Peek(b.now(), fromSequence, count)
	for _, m := range msgs {
		m.LockToken = ""
	}
	return msgs, nil
}

// PeekDeadLetter peeks the dead-letter queue of path. fromSequence is a
// dead-letter sequence number; pass the last seen DeadLetterSequenceNumber
// plus one to page.
func (b *Broker) PeekDeadLetter(ctx context.Context, path string, fromSequence int64, count int) ([]*model.Message, error) {
	if _, dlq := model.SplitDeadLetterPath(path); !dlq {
		path = model.DeadLetterPath(path)
	}
	return b.Peek(ctx, path, fromSequence, count)
}
