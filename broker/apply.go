package broker

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/maxpert/servicebus-go/model"
)

// apply performs a journaled mutation on in-memory state. Every value it
// needs is on the record, so the clock is never read here. Registry ops
// need b.regMu held exclusively; replay runs before the broker is shared.
func (b *Broker) apply(rec *model.Record) error {
	switch rec.Op {
	case model.OpCreateEntity:
		return b.applyCreate(rec)
	case model.OpDeleteEntity:
		return b.applyDelete(rec)
	}
	e, ok := b.lookupLocked(rec.Path)
	if !ok {
		return fmt.Errorf("%s: entity %s does not exist", rec.Op, rec.Path)
	}
	return b.applyEntity(e, rec)
}

// applyEntity applies rec to e. Callers hold e.mu, and for a publish the
// mutexes of every subscription of e.
func (b *Broker) applyEntity(e *entity, rec *model.Record) error {
	switch rec.Op {
	case model.OpUpdateEntity:
		if rec.Config == nil {
			return fmt.Errorf("%s: missing config", rec.Op)
		}
		e.cfg = *rec.Config
		e.updatedAt = rec.Time

	case model.OpAddRule:
		for _, r := range rec.Rules {
			e.addRule(r, b.logger)
		}
		e.updatedAt = rec.Time

	case model.OpRemoveRule:
		if i := e.ruleIndex(rec.RuleName); i >= 0 {
			e.rules = append(e.rules[:i], e.rules[i+1:]...)
		}
		e.updatedAt = rec.Time

	case model.OpSend:
		for _, m := range rec.Messages {
			e.store.Admit(m.Clone())
		}
		e.signal()

	case model.OpPublish:
		if rec.TopicSequence > e.topicSeq {
			e.topicSeq = rec.TopicSequence
		}
		touched := make(map[*entity]bool)
		for _, c := range rec.Copies {
			sub, ok := e.subs[model.Key(c.Path)]
			if !ok {
				b.logger.Warn("Dropping fan-out copy for missing subscription",
					zap.String("path", c.Path),
					zap.Uint64("lsn", rec.LSN))
				continue
			}
			sub.store.Admit(c.Message.Clone())
			touched[sub] = true
		}
		for sub := range touched {
			sub.signal()
		}

	case model.OpCancelScheduled:
		e.store.Main().Remove(rec.Sequence)

	case model.OpLock:
		for _, l := range rec.Locks {
			q := e.store.Queue(l.SubQueue)
			m, ok := q.Get(l.Sequence)
			if !ok || !q.Lock(l.Sequence) {
				return fmt.Errorf("%s: message %d on %s is not lockable", rec.Op, l.Sequence, e.path)
			}
			m.DeliveryCount++
			m.LockToken = l.Token
			m.LockedUntil = l.LockedUntil
			e.locks.Grant(l)
		}

	case model.OpReceiveAndDelete:
		q := e.store.Queue(rec.SubQueue)
		for _, seq := range rec.Sequences {
			q.Remove(seq)
		}

	case model.OpComplete:
		l, ok := e.locks.Release(rec.Token)
		if !ok {
			return fmt.Errorf("%s: lock %s not held", rec.Op, rec.Token)
		}
		e.store.Queue(l.SubQueue).Remove(l.Sequence)

	case model.OpAbandon:
		l, ok := e.locks.Release(rec.Token)
		if !ok {
			return fmt.Errorf("%s: lock %s not held", rec.Op, rec.Token)
		}
		e.store.Queue(l.SubQueue).MergeProperties(l.Sequence, rec.Properties)
		if rec.DeadLetter {
			e.store.DeadLetterMessage(l.Sequence, model.ReasonMaxDeliveryCountExceeded, rec.Description)
		} else {
			unlockMessage(e, l)
		}
		e.signal()

	case model.OpDefer:
		l, ok := e.locks.Release(rec.Token)
		if !ok {
			return fmt.Errorf("%s: lock %s not held", rec.Op, rec.Token)
		}
		e.store.Queue(l.SubQueue).MergeProperties(l.Sequence, rec.Properties)
		l.Deferred = true
		unlockMessage(e, l)

	case model.OpDeadLetter:
		if rec.Token != "" {
			l, ok := e.locks.Release(rec.Token)
			if !ok {
				return fmt.Errorf("%s: lock %s not held", rec.Op, rec.Token)
			}
			e.store.Main().MergeProperties(l.Sequence, rec.Properties)
			e.store.DeadLetterMessage(l.Sequence, rec.Reason, rec.Description)
		}
		for _, seq := range rec.Sequences {
			e.store.DeadLetterMessage(seq, rec.Reason, rec.Description)
		}

	case model.OpRenewLock:
		l, ok := e.locks.Get(rec.Token)
		if !ok {
			return fmt.Errorf("%s: lock %s not held", rec.Op, rec.Token)
		}
		e.locks.Renew(rec.Token, rec.LockedUntil)
		if m, ok := e.store.Queue(l.SubQueue).Get(l.Sequence); ok {
			m.LockedUntil = rec.LockedUntil
		}

	case model.OpExpireLocks:
		for _, x := range rec.Expirations {
			l, ok := e.locks.Release(x.Token)
			if !ok {
				continue
			}
			if x.DeadLetter {
				e.store.DeadLetterMessage(l.Sequence, model.ReasonMaxDeliveryCountExceeded, exhaustedDescription(e.cfg.MaxDeliveryCount))
			} else {
				unlockMessage(e, l)
			}
		}
		e.signal()

	case model.OpExpireMessages:
		for _, seq := range rec.Sequences {
			if rec.DeadLetter {
				e.store.DeadLetterMessage(seq, model.ReasonMaxTTLExceeded, "Message expired before it was received.")
			} else {
				e.store.Main().Remove(seq)
			}
		}

	case model.OpPurge:
		e.locks.Clear(rec.SubQueue)
		e.store.Queue(rec.SubQueue).Clear()

	case model.OpSessionAccept:
		if rec.Session == nil {
			return fmt.Errorf("%s: missing session", rec.Op)
		}
		if _, err := e.sessions.Acquire(rec.Session.ID, rec.Session.LockToken, rec.Session.LockedUntil, rec.Time); err != nil {
			return fmt.Errorf("%s: %w", rec.Op, err)
		}

	case model.OpSessionRenew:
		e.sessions.Renew(rec.Token, rec.LockedUntil)

	case model.OpSessionClose:
		for _, l := range e.locks.BySession(rec.Token) {
			e.locks.Release(l.Token)
			unlockMessage(e, l)
		}
		e.sessions.Release(rec.Token)
		e.signal()

	case model.OpSessionState:
		if err := e.sessions.SetState(rec.SessionID, rec.State); err != nil {
			return fmt.Errorf("%s: %w", rec.Op, err)
		}

	case model.OpSessionForget:
		for _, id := range rec.SessionIDs {
			e.sessions.Forget(id)
		}

	default:
		return fmt.Errorf("unknown journal op %d", rec.Op)
	}
	return nil
}

func (b *Broker) applyCreate(rec *model.Record) error {
	if rec.Config == nil {
		return fmt.Errorf("%s: missing config", rec.Op)
	}
	if _, exists := b.lookupLocked(rec.Path); exists {
		return fmt.Errorf("%s: entity %s already exists", rec.Op, rec.Path)
	}
	e := newEntity(rec.Kind, rec.Path, *rec.Config, rec.Time, b.cfg.MaxSessionStateBytes)
	if rec.Kind == model.KindSubscription {
		topic, ok := b.lookupLocked(e.topicPath)
		if !ok || topic.kind != model.KindTopic {
			return fmt.Errorf("%s: topic %s does not exist", rec.Op, e.topicPath)
		}
		e.setRules(rec.Rules, b.logger)
		topic.subs[e.key] = e
	}
	b.entities[e.key] = e
	return nil
}

func (b *Broker) applyDelete(rec *model.Record) error {
	e, ok := b.lookupLocked(rec.Path)
	if !ok {
		return fmt.Errorf("%s: entity %s does not exist", rec.Op, rec.Path)
	}
	remove := func(x *entity) {
		x.deleted = true
		x.signal()
		delete(b.entities, x.key)
	}
	switch e.kind {
	case model.KindTopic:
		for _, sub := range e.subs {
			remove(sub)
		}
	case model.KindSubscription:
		if topic, ok := b.lookupLocked(e.topicPath); ok {
			delete(topic.subs, e.key)
		}
	}
	remove(e)
	return nil
}

// unlockMessage returns a released message to the available or deferred
// set.
func unlockMessage(e *entity, l *model.Lock) {
	q := e.store.Queue(l.SubQueue)
	if m, ok := q.Get(l.Sequence); ok {
		m.LockToken = ""
		m.LockedUntil = time.Time{}
	}
	q.Release(l.Sequence, l.Deferred)
}

func exhaustedDescription(max int32) string {
	return fmt.Sprintf("Message could not be consumed after %d delivery attempts.", max)
}
