package broker

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/lock"
	"github.com/maxpert/servicebus-go/model"
)

func requireSessions(e *entity, q model.SubQueue) error {
	if e.kind == model.KindTopic || q != model.SubQueueMain || !e.cfg.RequiresSession {
		return sberrors.NewInvalidOperation(e.path, "entity is not session-enabled")
	}
	return nil
}

// AcceptSession locks a session for the caller. With an empty sessionID it
// picks the unlocked session owning the earliest available message. It
// waits up to opts.MaxWait; afterwards a held session yields SessionLocked
// and a wildcard accept that found no session with messages NotFound.
func (b *Broker) AcceptSession(ctx context.Context, path, sessionID string, opts model.AcceptOptions) (lk *model.SessionLock, err error) {
	ctx, span := b.startSpan(ctx, "AcceptSession", path)
	span.SetAttributes(attribute.String("servicebus.session_id", sessionID))
	defer func() { endSpan(span, err) }()

	if opts.MaxWait < 0 {
		return nil, sberrors.NewInvalidArgument("maxWait", "wait cannot be negative")
	}
	deadline := time.Now().Add(opts.MaxWait)

	for {
		var (
			notify <-chan struct{}
			wake   time.Duration
			failed error
		)
		err := b.mutate(ctx, path, func(e *entity, q model.SubQueue, now time.Time) error {
			if err := requireSessions(e, q); err != nil {
				return err
			}
			notify = e.notify
			wake = b.nextWake(e, now)

			id, busy := sessionID, error(nil)
			if id == "" {
				id, busy = pickSession(e, now)
			} else {
				busy = e.sessions.CheckAvailable(id, now)
			}
			if busy != nil || id == "" {
				failed = busy
				return nil
			}
			var err error
			lk, err = b.acceptLocked(ctx, e, id, now)
			return err
		})
		if err != nil || lk != nil {
			return lk, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if failed != nil {
				return nil, failed
			}
			return nil, sberrors.NewNotFound(path, "session with available messages")
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

// pickSession returns the first unlocked session in message order. When
// every session with messages is held it returns a SessionLocked error.
func pickSession(e *entity, now time.Time) (string, error) {
	var busy string
	m := e.store.Main().Next(now, func(m *model.Message) bool {
		if m.SessionID == "" {
			return false
		}
		if e.sessions.IsLocked(m.SessionID, now) {
			if busy == "" {
				busy = m.SessionID
			}
			return false
		}
		return true
	})
	if m != nil {
		return m.SessionID, nil
	}
	if busy != "" {
		return "", e.sessions.CheckAvailable(busy, now)
	}
	return "", nil
}

func (b *Broker) acceptLocked(ctx context.Context, e *entity, id string, now time.Time) (*model.SessionLock, error) {
	// A lapsed lock still owns message locks; release them before the
	// session changes hands.
	if s, ok := e.sessions.Get(id); ok && s.LockToken != "" {
		if err := b.commit(ctx, e, &model.Record{Op: model.OpSessionClose, Time: now, Path: e.path, Token: s.LockToken}); err != nil {
			return nil, err
		}
	}

	token := lock.NewToken()
	until := now.Add(e.cfg.LockDuration)
	rec := &model.Record{
		Op:      model.OpSessionAccept,
		Time:    now,
		Path:    e.path,
		Session: &model.Session{ID: id, LockToken: token, LockedUntil: until},
	}
	if err := b.commit(ctx, e, rec); err != nil {
		return nil, err
	}
	return &model.SessionLock{Path: e.path, SessionID: id, Token: token, LockedUntil: until}, nil
}

// RenewSessionLock extends a session lock by the entity lock duration.
func (b *Broker) RenewSessionLock(ctx context.Context, path, sessionToken string) (until time.Time, err error) {
	ctx, span := b.startSpan(ctx, "RenewSessionLock", path)
	defer func() { endSpan(span, err) }()

	err = b.mutate(ctx, path, func(e *entity, q model.SubQueue, now time.Time) error {
		if err := requireSessions(e, q); err != nil {
			return err
		}
		if _, err := e.sessions.Holder(sessionToken, now); err != nil {
			return err
		}
		until = now.Add(e.cfg.LockDuration)
		return b.commit(ctx, e, &model.Record{Op: model.OpSessionRenew, Time: now, Path: e.path, Token: sessionToken, LockedUntil: until})
	})
	if err != nil {
		return time.Time{}, err
	}
	return until, nil
}

// CloseSession releases a session lock. Messages locked under it become
// visible again and their lock tokens stop working.
func (b *Broker) CloseSession(ctx context.Context, path, sessionToken string) (err error) {
	ctx, span := b.startSpan(ctx, "CloseSession", path)
	defer func() { endSpan(span, err) }()

	return b.mutate(ctx, path, func(e *entity, q model.SubQueue, now time.Time) error {
		if err := requireSessions(e, q); err != nil {
			return err
		}
		if _, err := e.sessions.Holder(sessionToken, now); err != nil {
			return err
		}
		return b.commit(ctx, e, &model.Record{Op: model.OpSessionClose, Time: now, Path: e.path, Token: sessionToken})
	})
}

// GetSessionState returns the state blob of a session, nil when unset or
// the session is unknown.
func (b *Broker) GetSessionState(ctx context.Context, path, sessionID string) (state []byte, err error) {
	ctx, span := b.startSpan(ctx, "GetSessionState", path)
	defer func() { endSpan(span, err) }()

	if sessionID == "" {
		return nil, sberrors.NewInvalidArgument("sessionId", "session id is required")
	}
	err = b.mutate(ctx, path, func(e *entity, q model.SubQueue, _ time.Time) error {
		if err := requireSessions(e, q); err != nil {
			return err
		}
		state = e.sessions.State(sessionID)
		return nil
	})
	return state, err
}

// SetSessionState replaces the state of the session held by sessionToken.
// Nil or empty state clears it.
func (b *Broker) SetSessionState(ctx context.Context, path, sessionToken string, state []byte) (err error) {
	ctx, span := b.startSpan(ctx, "SetSessionState", path)
	span.SetAttributes(attribute.Int("servicebus.state_bytes", len(state)))
	defer func() { endSpan(span, err) }()

	return b.mutate(ctx, path, func(e *entity, q model.SubQueue, now time.Time) error {
		if err := requireSessions(e, q); err != nil {
			return err
		}
		s, err := e.sessions.Holder(sessionToken, now)
		if err != nil {
			return err
		}
		if err := e.sessions.CheckState(state); err != nil {
			return err
		}
		return b.commit(ctx, e, &model.Record{Op: model.OpSessionState, Time: now, Path: e.path, SessionID: s.ID, State: state})
	})
}
