// Package store holds the per-entity message collections. A Store is not
// safe for concurrent use; the broker serialises access per entity.
package store

import (
	"fmt"
	"time"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/model"
)

// Store is the message store of one queue or subscription: the main queue
// with its active, scheduled and deferred messages, plus the dead-letter
// store.
type Store struct {
	path    string
	lastSeq int64
	main    *Queue
	dead    *Queue
}

// New creates an empty store for the entity at path.
func New(path string) *Store {
	return &Store{
		path: path,
		main: newQueue(model.SubQueueMain),
		dead: newQueue(model.SubQueueDeadLetter),
	}
}

// Main returns the main queue.
func (s *Store) Main() *Queue {
	return s.main
}

// DeadLetter returns the dead-letter store.
func (s *Store) DeadLetter() *Queue {
	return s.dead
}

// Queue selects a sub-queue.
func (s *Store) Queue(q model.SubQueue) *Queue {
	if q == model.SubQueueDeadLetter {
		return s.dead
	}
	return s.main
}

// LastSequence returns the highest sequence number assigned so far.
func (s *Store) LastSequence() int64 {
	return s.lastSeq
}

// SetLastSequence restores the counter from a snapshot.
func (s *Store) SetLastSequence(seq int64) {
	if seq > s.lastSeq {
		s.lastSeq = seq
	}
}

// Stamp validates a batch against the entity limits and returns admitted
// copies with sequence numbers, enqueue time and expiry assigned. Nothing is
// stored until Admit is called, so a failed journal append leaves the store
// untouched.
func (s *Store) Stamp(batch []*model.Message, now time.Time, cfg model.EntityConfig) ([]*model.Message, error) {
	count := int64(s.main.Len())
	size := s.main.SizeBytes()
	out := make([]*model.Message, 0, len(batch))
	for i, in := range batch {
		m, err := stampOne(in, now, cfg)
		if err != nil {
			return nil, err
		}
		msgSize := m.Size()
		if msgSize > cfg.MaxMessageSizeBytes {
			return nil, sberrors.NewMessageTooLarge(s.path, msgSize, cfg.MaxMessageSizeBytes)
		}
		count++
		size += msgSize
		if count > cfg.MaxMessageCount {
			return nil, sberrors.NewEntityFull(s.path, fmt.Sprintf("message count limit %d reached", cfg.MaxMessageCount))
		}
		if size > cfg.MaxSizeBytes() {
			return nil, sberrors.NewEntityFull(s.path, fmt.Sprintf("size limit of %d MB reached", cfg.MaxSizeInMegabytes))
		}
		m.SequenceNumber = s.lastSeq + int64(i) + 1
		out = append(out, m)
	}
	return out, nil
}

// CheckSize validates message sizes only; topics use it before fan-out.
func CheckSize(path string, batch []*model.Message, cfg model.EntityConfig) error {
	for _, m := range batch {
		if size := m.Size(); size > cfg.MaxMessageSizeBytes {
			return sberrors.NewMessageTooLarge(path, size, cfg.MaxMessageSizeBytes)
		}
	}
	return nil
}

func stampOne(in *model.Message, now time.Time, cfg model.EntityConfig) (*model.Message, error) {
	props, err := model.NormalizeProperties(in.Properties)
	if err != nil {
		return nil, sberrors.NewInvalidArgument("message properties", err.Error())
	}
	m := in.Clone()
	m.Properties = props
	m.EnqueuedTime = now
	m.DeliveryCount = 0
	m.LockToken = ""
	m.LockedUntil = time.Time{}
	m.DeadLetterReason = ""
	m.DeadLetterErrorDescription = ""
	m.DeadLetterSource = ""
	m.DeadLetterSequenceNumber = 0
	m.State = model.StateActive
	if !m.ScheduledEnqueueTime.IsZero() && !m.ScheduledEnqueueTime.After(now) {
		m.ScheduledEnqueueTime = time.Time{}
	}

	ttl := cfg.DefaultMessageTimeToLive
	if m.TimeToLive > 0 && m.TimeToLive < ttl {
		ttl = m.TimeToLive
	}
	m.TimeToLive = ttl
	base := m.EnqueuedTime
	if m.ScheduledEnqueueTime.After(base) {
		base = m.ScheduledEnqueueTime
	}
	m.ExpiresAt = base.Add(ttl)
	return m, nil
}

// Admit stores stamped messages on the main queue.
func (s *Store) Admit(msgs ...*model.Message) {
	for _, m := range msgs {
		s.main.insert(m)
		if m.SequenceNumber > s.lastSeq {
			s.lastSeq = m.SequenceNumber
		}
	}
}

// DeadLetterMessage moves a main-queue message, whatever its state, to the
// dead-letter store. The sequence number and enqueue time are kept.
func (s *Store) DeadLetterMessage(seq int64, reason, description string) (*model.Message, bool) {
	m, ok := s.main.Remove(seq)
	if !ok {
		return nil, false
	}
	m.DeadLetterReason = reason
	m.DeadLetterErrorDescription = description
	m.DeadLetterSource = s.path
	m.LockToken = ""
	m.LockedUntil = time.Time{}
	m.DeadLetterSequenceNumber = 0
	m.State = model.StateDeadLettered
	s.dead.insert(m)
	return m, true
}

// RestoreDeadLetter places a message straight into the dead-letter store,
// keeping its dead-letter sequence number when it has one.
func (s *Store) RestoreDeadLetter(m *model.Message) {
	m.State = model.StateDeadLettered
	s.dead.insert(m)
}

// Counts reports message counts across both sub-queues.
func (s *Store) Counts(now time.Time) model.EntityCounts {
	active, scheduled, deferred, locked := s.main.Counts(now)
	_, _, _, deadLocked := s.dead.Counts(now)
	return model.EntityCounts{
		Active:     active,
		Scheduled:  scheduled,
		Deferred:   deferred,
		Locked:     locked + deadLocked,
		DeadLetter: int64(s.dead.Len()),
		SizeBytes:  s.main.SizeBytes() + s.dead.SizeBytes(),
	}
}
