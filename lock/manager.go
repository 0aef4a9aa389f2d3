// Package lock tracks PeekLock grants of one entity. The Manager is not
// synchronised; callers hold the owning entity's mutex.
package lock

import (
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/model"
)

type messageKey struct {
	queue model.SubQueue
	seq   int64
}

// Manager holds the active locks of one entity, indexed by token and by
// message.
type Manager struct {
	path      string
	locks     map[string]*model.Lock
	byMessage map[messageKey]string
}

// New creates an empty lock table for the entity at path.
func New(path string) *Manager {
	return &Manager{
		path:      path,
		locks:     make(map[string]*model.Lock),
		byMessage: make(map[messageKey]string),
	}
}

// NewToken returns a fresh lock token.
func NewToken() string {
	return uuid.NewString()
}

// Len returns the number of held locks, expired ones included until swept.
func (m *Manager) Len() int {
	return len(m.locks)
}

// Grant records a lock. A previous lock on the same message is replaced.
func (m *Manager) Grant(l model.Lock) *model.Lock {
	key := messageKey{l.SubQueue, l.Sequence}
	if old, ok := m.byMessage[key]; ok {
		delete(m.locks, old)
	}
	stored := l
	m.locks[l.Token] = &stored
	m.byMessage[key] = l.Token
	return &stored
}

// Get returns a lock by token regardless of expiry.
func (m *Manager) Get(token string) (*model.Lock, bool) {
	l, ok := m.locks[token]
	return l, ok
}

// Validate returns the lock for token when it exists and has not expired at
// now. Every other case is LockLost.
func (m *Manager) Validate(token string, now time.Time) (*model.Lock, error) {
	if token == "" {
		return nil, sberrors.NewLockLost(m.path, token, "lock token is empty")
	}
	l, ok := m.locks[token]
	if !ok {
		return nil, sberrors.NewLockLost(m.path, token, "lock token not found")
	}
	if l.Expired(now) {
		return nil, sberrors.NewLockLost(m.path, token, "lock expired at "+l.LockedUntil.UTC().Format(time.RFC3339Nano))
	}
	return l, nil
}

// Release drops a lock and returns it.
func (m *Manager) Release(token string) (*model.Lock, bool) {
	l, ok := m.locks[token]
	if !ok {
		return nil, false
	}
	delete(m.locks, token)
	key := messageKey{l.SubQueue, l.Sequence}
	if m.byMessage[key] == token {
		delete(m.byMessage, key)
	}
	return l, true
}

// Renew moves the expiry of a lock.
func (m *Manager) Renew(token string, until time.Time) bool {
	l, ok := m.locks[token]
	if !ok {
		return false
	}
	l.LockedUntil = until
	return true
}

// Expired returns locks past expiry at now in message order.
func (m *Manager) Expired(now time.Time) []*model.Lock {
	var out []*model.Lock
	for _, l := range m.locks {
		if l.Expired(now) {
			out = append(out, l)
		}
	}
	sortLocks(out)
	return out
}

// BySession returns the locks granted under a session lock token.
func (m *Manager) BySession(sessionToken string) []*model.Lock {
	if sessionToken == "" {
		return nil
	}
	var out []*model.Lock
	for _, l := range m.locks {
		if l.SessionToken == sessionToken {
			out = append(out, l)
		}
	}
	sortLocks(out)
	return out
}

// NextExpiry returns the earliest lock expiry, or zero when none is held.
func (m *Manager) NextExpiry() time.Time {
	var next time.Time
	for _, l := range m.locks {
		if next.IsZero() || l.LockedUntil.Before(next) {
			next = l.LockedUntil
		}
	}
	return next
}

// All returns copies of every lock in message order.
func (m *Manager) All() []model.Lock {
	locks := make([]*model.Lock, 0, len(m.locks))
	for _, l := range m.locks {
		locks = append(locks, l)
	}
	sortLocks(locks)
	out := make([]model.Lock, len(locks))
	for i, l := range locks {
		out[i] = *l
	}
	return out
}

// Clear drops every lock on the given sub-queue.
func (m *Manager) Clear(queue model.SubQueue) int {
	n := 0
	for token, l := range m.locks {
		if l.SubQueue == queue {
			m.Release(token)
			n++
		}
	}
	return n
}

func sortLocks(locks []*model.Lock) {
	slices.SortFunc(locks, func(a, b *model.Lock) int {
		if a.SubQueue != b.SubQueue {
			return int(a.SubQueue) - int(b.SubQueue)
		}
		if a.Sequence != b.Sequence {
			if a.Sequence < b.Sequence {
				return -1
			}
			return 1
		}
		return strings.Compare(a.Token, b.Token)
	})
}
