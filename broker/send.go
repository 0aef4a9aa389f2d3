package broker

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/model"
	"github.com/maxpert/servicebus-go/store"
)

// Send enqueues one message and returns its sequence number.
func (b *Broker) Send(ctx context.Context, path string, msg *model.Message) (int64, error) {
	seqs, err := b.SendBatch(ctx, path, []*model.Message{msg})
	if err != nil {
		return 0, err
	}
	return seqs[0], nil
}

// Schedule enqueues msg to become visible at the given instant. An instant
// that already passed makes the message visible immediately.
func (b *Broker) Schedule(ctx context.Context, path string, msg *model.Message, at time.Time) (int64, error) {
	if msg == nil {
		return 0, sberrors.NewInvalidArgument("message", "message cannot be nil")
	}
	if at.IsZero() {
		return 0, sberrors.NewInvalidArgument("scheduledEnqueueTime", "schedule time is required")
	}
	scheduled := msg.Clone()
	scheduled.ScheduledEnqueueTime = at.UTC()
	return b.Send(ctx, path, scheduled)
}

// SendBatch enqueues messages atomically: either all are admitted with
// consecutive sequence numbers or none is. On a topic each message is
// copied to every subscription with a matching rule and the returned
// numbers are topic sequence numbers.
func (b *Broker) SendBatch(ctx context.Context, path string, msgs []*model.Message) (seqs []int64, err error) {
	ctx, span := b.startSpan(ctx, "SendBatch", path)
	span.SetAttributes(attribute.Int("servicebus.count", len(msgs)))
	defer func() { endSpan(span, err) }()

	if len(msgs) == 0 {
		return nil, sberrors.NewInvalidArgument("messages", "batch cannot be empty")
	}
	batch := make([]*model.Message, len(msgs))
	for i, m := range msgs {
		if m == nil {
			return nil, sberrors.NewInvalidArgument("messages", "batch contains a nil message")
		}
		batch[i] = m.Clone()
		if batch[i].MessageID == "" {
			batch[i].MessageID = uuid.NewString()
		}
	}

	if _, dlq := model.SplitDeadLetterPath(path); dlq {
		return nil, sberrors.NewInvalidOperation(path, "cannot send to a dead-letter queue")
	}
	if err := b.checkOpen(path); err != nil {
		return nil, err
	}

	b.barrier.RLock()
	defer b.barrier.RUnlock()

	e, err := b.lookup(path)
	if err != nil {
		return nil, err
	}
	switch e.kind {
	case model.KindTopic:
		return b.publish(ctx, e, batch)
	case model.KindSubscription:
		return nil, sberrors.NewInvalidOperation(path, "cannot send to a subscription")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return nil, sberrors.NewEntityNotFound(path)
	}
	if e.cfg.RequiresSession {
		for _, m := range batch {
			if m.SessionID == "" {
				return nil, sberrors.NewInvalidOperation(e.path, "session-enabled entity requires a session id on every message")
			}
		}
	}

	now := b.now()
	stamped, err := e.store.Stamp(batch, now, e.cfg)
	if err != nil {
		return nil, err
	}
	rec := &model.Record{Op: model.OpSend, Time: now, Path: e.path, Messages: stamped}
	if err := b.commit(ctx, e, rec); err != nil {
		return nil, err
	}

	seqs = make([]int64, len(stamped))
	for i, m := range stamped {
		seqs[i] = m.SequenceNumber
	}
	b.recorder.RecordSent(e.path, len(stamped))
	return seqs, nil
}

// publish fans a batch out to the subscriptions of a topic. The topic and
// every subscription are locked for the duration so the fan-out is one
// journal record and becomes visible at once.
func (b *Broker) publish(ctx context.Context, topic *entity, batch []*model.Message) ([]int64, error) {
	topic.mu.Lock()
	defer topic.mu.Unlock()
	if topic.deleted {
		return nil, sberrors.NewEntityNotFound(topic.path)
	}

	subs := topic.sortedSubs()
	for _, sub := range subs {
		sub.mu.Lock()
		defer sub.mu.Unlock()
	}

	if err := store.CheckSize(topic.path, batch, topic.cfg); err != nil {
		return nil, err
	}
	// Rules see the topic's view of the system properties; each
	// subscription stamps its own sequence number and expiry afterwards.
	now := b.now()
	seqs := make([]int64, len(batch))
	for i, m := range batch {
		props, err := model.NormalizeProperties(m.Properties)
		if err != nil {
			return nil, sberrors.NewInvalidArgument("message properties", err.Error())
		}
		m.Properties = props
		if m.TimeToLive <= 0 || m.TimeToLive > topic.cfg.DefaultMessageTimeToLive {
			m.TimeToLive = topic.cfg.DefaultMessageTimeToLive
		}
		seqs[i] = topic.topicSeq + int64(i) + 1
		m.SequenceNumber = seqs[i]
		m.EnqueuedTime = now
		base := now
		if m.ScheduledEnqueueTime.After(base) {
			base = m.ScheduledEnqueueTime
		}
		m.ExpiresAt = base.Add(m.TimeToLive)
	}

	var copies []model.FanoutCopy
	for _, sub := range subs {
		var matched []*model.Message
		for _, m := range batch {
			if !sub.matches(m) {
				continue
			}
			if sub.cfg.RequiresSession && m.SessionID == "" {
				return nil, sberrors.NewInvalidOperation(sub.path, "session-enabled subscription requires a session id on every matching message")
			}
			matched = append(matched, m)
		}
		if len(matched) == 0 {
			continue
		}
		stamped, err := sub.store.Stamp(matched, now, sub.cfg)
		if err != nil {
			return nil, err
		}
		for _, m := range stamped {
			copies = append(copies, model.FanoutCopy{Path: sub.path, Message: m})
		}
	}

	rec := &model.Record{
		Op:            model.OpPublish,
		Time:          now,
		Path:          topic.path,
		Copies:        copies,
		TopicSequence: seqs[len(seqs)-1],
	}
	if err := b.commit(ctx, topic, rec); err != nil {
		return nil, err
	}

	b.recorder.RecordSent(topic.path, len(batch))
	perSub := make(map[string]int)
	for _, c := range copies {
		perSub[c.Path]++
	}
	for p, n := range perSub {
		b.recorder.RecordSent(p, n)
	}
	return seqs, nil
}

// CancelScheduled removes a message that has not yet become due. Topics
// only hand out topic sequence numbers, so cancellation addresses a queue
// or a subscription.
func (b *Broker) CancelScheduled(ctx context.Context, path string, seq int64) (err error) {
	ctx, span := b.startSpan(ctx, "CancelScheduled", path)
	defer func() { endSpan(span, err) }()

	return b.mutate(ctx, path, func(e *entity, q model.SubQueue, now time.Time) error {
		if e.kind == model.KindTopic {
			return sberrors.NewInvalidOperation(path, "scheduled messages are cancelled on the queue or subscription holding them")
		}
		if q != model.SubQueueMain {
			return sberrors.NewInvalidOperation(path, "dead-lettered messages are not scheduled")
		}
		main := e.store.Main()
		m, ok := main.Get(seq)
		if !ok || !m.Scheduled(now) || main.IsLocked(seq) || main.IsDeferred(seq) {
			return sberrors.NewNotFound(e.path, "scheduled message")
		}
		return b.commit(ctx, e, &model.Record{Op: model.OpCancelScheduled, Time: now, Path: e.path, Sequence: seq})
	})
}
