// Package session implements session locks and state for session-enabled
// entities. Like the lock manager, a Manager belongs to one entity and is
// guarded by that entity's mutex.
package session

import (
	"fmt"
	"slices"
	"strings"
	"time"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/model"
)

// DefaultMaxStateBytes caps a session state blob.
const DefaultMaxStateBytes = 256 * 1024

// Manager holds the sessions of one entity.
type Manager struct {
	path          string
	maxStateBytes int
	sessions      map[string]*model.Session
	byToken       map[string]string
}

// New creates a session table for the entity at path.
func New(path string, maxStateBytes int) *Manager {
	if maxStateBytes <= 0 {
		maxStateBytes = DefaultMaxStateBytes
	}
	return &Manager{
		path:          path,
		maxStateBytes: maxStateBytes,
		sessions:      make(map[string]*model.Session),
		byToken:       make(map[string]string),
	}
}

// Len returns the number of known sessions.
func (m *Manager) Len() int {
	return len(m.sessions)
}

// Get returns a session by id.
func (m *Manager) Get(id string) (*model.Session, bool) {
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) ensure(id string) *model.Session {
	s, ok := m.sessions[id]
	if !ok {
		s = &model.Session{ID: id}
		m.sessions[id] = s
	}
	return s
}

// IsLocked reports whether a session has an unexpired lock at now.
func (m *Manager) IsLocked(id string, now time.Time) bool {
	s, ok := m.sessions[id]
	return ok && locked(s, now)
}

func locked(s *model.Session, now time.Time) bool {
	return s.LockToken != "" && now.Before(s.LockedUntil)
}

// CheckAvailable fails with SessionLocked when another receiver holds id.
func (m *Manager) CheckAvailable(id string, now time.Time) error {
	if s, ok := m.sessions[id]; ok && locked(s, now) {
		return sberrors.NewSessionLocked(m.path, id, s.LockedUntil)
	}
	return nil
}

// Acquire locks a session with token until the given instant. A stale
// expired lock on the session is replaced.
func (m *Manager) Acquire(id, token string, until, now time.Time) (*model.Session, error) {
	if err := m.CheckAvailable(id, now); err != nil {
		return nil, err
	}
	s := m.ensure(id)
	if s.LockToken != "" {
		delete(m.byToken, s.LockToken)
	}
	s.LockToken = token
	s.LockedUntil = until
	m.byToken[token] = id
	return s, nil
}

// Holder returns the session a valid, unexpired lock token refers to.
func (m *Manager) Holder(token string, now time.Time) (*model.Session, error) {
	id, ok := m.byToken[token]
	if !ok || token == "" {
		return nil, sberrors.NewLockLost(m.path, token, "session lock not found")
	}
	s := m.sessions[id]
	if !locked(s, now) {
		return nil, sberrors.NewLockLost(m.path, token, fmt.Sprintf("session lock on '%s' expired", id))
	}
	return s, nil
}

// Lookup resolves a token to its session without checking expiry.
func (m *Manager) Lookup(token string) (*model.Session, bool) {
	id, ok := m.byToken[token]
	if !ok {
		return nil, false
	}
	return m.sessions[id], true
}

// Renew moves the expiry of a session lock.
func (m *Manager) Renew(token string, until time.Time) bool {
	s, ok := m.Lookup(token)
	if !ok {
		return false
	}
	s.LockedUntil = until
	return true
}

// Release drops a session lock. State is kept.
func (m *Manager) Release(token string) (*model.Session, bool) {
	s, ok := m.Lookup(token)
	if !ok {
		return nil, false
	}
	delete(m.byToken, token)
	s.LockToken = ""
	s.LockedUntil = time.Time{}
	return s, true
}

// Expired returns the tokens of session locks past expiry, sorted by
// session id.
func (m *Manager) Expired(now time.Time) []string {
	var ids []string
	for _, id := range m.byToken {
		if !locked(m.sessions[id], now) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = m.sessions[id].LockToken
	}
	return out
}

// State returns a copy of the session state, nil when unset.
func (m *Manager) State(id string) []byte {
	s, ok := m.sessions[id]
	if !ok || s.State == nil {
		return nil
	}
	return slices.Clone(s.State)
}

// CheckState validates a state blob against the size cap.
func (m *Manager) CheckState(state []byte) error {
	if len(state) > m.maxStateBytes {
		return sberrors.NewLimitExceeded("session state bytes", int64(m.maxStateBytes))
	}
	return nil
}

// SetState replaces the state blob; nil or empty clears it.
func (m *Manager) SetState(id string, state []byte) error {
	if err := m.CheckState(state); err != nil {
		return err
	}
	s := m.ensure(id)
	if len(state) == 0 {
		s.State = nil
		return nil
	}
	s.State = slices.Clone(state)
	return nil
}

// Idle lists sessions with no lock and no state for which hasMessages
// reports false.
func (m *Manager) Idle(now time.Time, hasMessages func(id string) bool) []string {
	var out []string
	for id, s := range m.sessions {
		if s.LockToken == "" && len(s.State) == 0 && !hasMessages(id) {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out
}

// Forget removes a session entirely.
func (m *Manager) Forget(id string) {
	s, ok := m.sessions[id]
	if !ok {
		return
	}
	if s.LockToken != "" {
		delete(m.byToken, s.LockToken)
	}
	delete(m.sessions, id)
}

// Restore installs a session from a snapshot.
func (m *Manager) Restore(s model.Session) {
	m.Forget(s.ID)
	stored := s
	stored.State = slices.Clone(s.State)
	m.sessions[s.ID] = &stored
	if stored.LockToken != "" {
		m.byToken[stored.LockToken] = stored.ID
	}
}

// All returns copies of every session sorted by id.
func (m *Manager) All() []model.Session {
	out := make([]model.Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		c := *s
		c.State = slices.Clone(s.State)
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b model.Session) int { return strings.Compare(a.ID, b.ID) })
	return out
}
