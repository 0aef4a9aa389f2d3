package model

import "time"

// Lock is a PeekLock grant on one message.
type Lock struct {
	Token       string    `json:"token"`
	Path        string    `json:"path"`
	SubQueue    SubQueue  `json:"subQueue,omitempty"`
	Sequence    int64     `json:"sequence"`
	MessageID   string    `json:"messageId,omitempty"`
	LockedUntil time.Time `json:"lockedUntil"`

	// SessionToken is set when the lock was granted under a session lock.
	SessionToken string `json:"sessionToken,omitempty"`

	// Deferred locks return to the deferred set when released.
	Deferred bool `json:"deferred,omitempty"`
}

// Expired reports whether the lock is past its expiry at now.
func (l *Lock) Expired(now time.Time) bool {
	return !now.Before(l.LockedUntil)
}

// SessionLock is returned by AcceptSession.
type SessionLock struct {
	Path        string    `json:"path"`
	SessionID   string    `json:"sessionId"`
	Token       string    `json:"token"`
	LockedUntil time.Time `json:"lockedUntil"`
}

// Session is the persisted view of one session.
type Session struct {
	ID          string    `json:"id"`
	LockToken   string    `json:"lockToken,omitempty"`
	LockedUntil time.Time `json:"lockedUntil,omitempty"`
	State       []byte    `json:"state,omitempty"`
}

// SnapshotVersion is bumped when the snapshot layout changes.
const SnapshotVersion = 1

// Snapshot is the full broker state at an LSN. It doubles as the
// export/import format.
type Snapshot struct {
	Version  int              `json:"version"`
	LSN      uint64           `json:"lsn"`
	TakenAt  time.Time        `json:"takenAt"`
	Entities []EntitySnapshot `json:"entities"`
}

// EntitySnapshot captures one entity with its messages, locks and sessions.
// Messages are in sequence order; DeadLetters in dead-letter order.
type EntitySnapshot struct {
	Kind         EntityKind   `json:"kind"`
	Path         string       `json:"path"`
	Topic        string       `json:"topic,omitempty"`
	Config       EntityConfig `json:"config"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
	Rules        []Rule       `json:"rules,omitempty"`
	LastSequence int64        `json:"lastSequence"`
	Messages     []*Message   `json:"messages,omitempty"`
	DeadLetters  []*Message   `json:"deadLetters,omitempty"`
	Locks        []Lock       `json:"locks,omitempty"`
	Sessions     []Session    `json:"sessions,omitempty"`

	// LastDeadLetterSequence is the highest dead-letter sequence number
	// handed out, kept even when those messages are gone.
	LastDeadLetterSequence int64 `json:"lastDeadLetterSequence,omitempty"`
}
