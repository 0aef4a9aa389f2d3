package store

import (
	"slices"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/maxpert/servicebus-go/model"
)

// Queue is one ordering of messages: an entity's main queue or its
// dead-letter store. Positions are sequence numbers on the main queue and
// dead-letter sequence numbers on the dead-letter store, so both iterate
// FIFO.
//
// A message is in exactly one of: available, deferred, or neither (locked).
type Queue struct {
	kind      model.SubQueue
	messages  map[int64]*model.Message
	slots     map[int64]uint64
	bySlot    map[uint64]int64
	all       *roaring64.Bitmap
	available *roaring64.Bitmap
	deferred  *roaring64.Bitmap
	nextSlot  uint64
	sizeBytes int64
}

func newQueue(kind model.SubQueue) *Queue {
	return &Queue{
		kind:      kind,
		messages:  make(map[int64]*model.Message),
		slots:     make(map[int64]uint64),
		bySlot:    make(map[uint64]int64),
		all:       roaring64.New(),
		available: roaring64.New(),
		deferred:  roaring64.New(),
	}
}

// Kind reports which sub-queue this is.
func (q *Queue) Kind() model.SubQueue {
	return q.kind
}

// Len returns the number of messages held, locked ones included.
func (q *Queue) Len() int {
	return len(q.messages)
}

// SizeBytes returns the summed message size estimate.
func (q *Queue) SizeBytes() int64 {
	return q.sizeBytes
}

// Get returns the stored message for a sequence number.
func (q *Queue) Get(seq int64) (*model.Message, bool) {
	m, ok := q.messages[seq]
	return m, ok
}

// slotFor returns the position of m. On the dead-letter store a message
// without a dead-letter sequence number is given the next one.
func (q *Queue) slotFor(m *model.Message) uint64 {
	if q.kind == model.SubQueueMain {
		return uint64(m.SequenceNumber)
	}
	if m.DeadLetterSequenceNumber <= 0 {
		q.nextSlot++
		m.DeadLetterSequenceNumber = int64(q.nextSlot)
	} else if uint64(m.DeadLetterSequenceNumber) > q.nextSlot {
		q.nextSlot = uint64(m.DeadLetterSequenceNumber)
	}
	return uint64(m.DeadLetterSequenceNumber)
}

// position is the ordering key Peek compares against.
func (q *Queue) position(m *model.Message) int64 {
	if q.kind == model.SubQueueMain {
		return m.SequenceNumber
	}
	return m.DeadLetterSequenceNumber
}

// LastPosition returns the highest dead-letter sequence number handed out.
// It is zero on the main queue.
func (q *Queue) LastPosition() int64 {
	return int64(q.nextSlot)
}

// SetLastPosition restores the dead-letter counter from a snapshot.
func (q *Queue) SetLastPosition(n int64) {
	if q.kind != model.SubQueueMain && n > 0 && uint64(n) > q.nextSlot {
		q.nextSlot = uint64(n)
	}
}

// insert adds a message as available, or deferred when the message state
// says so.
func (q *Queue) insert(m *model.Message) {
	if old, ok := q.messages[m.SequenceNumber]; ok {
		q.sizeBytes -= old.Size()
		q.detach(m.SequenceNumber)
	}
	slot := q.slotFor(m)
	q.messages[m.SequenceNumber] = m
	q.slots[m.SequenceNumber] = slot
	q.bySlot[slot] = m.SequenceNumber
	q.all.Add(slot)
	if m.State == model.StateDeferred {
		q.deferred.Add(slot)
	} else {
		q.available.Add(slot)
	}
	q.sizeBytes += m.Size()
}

func (q *Queue) detach(seq int64) {
	slot, ok := q.slots[seq]
	if !ok {
		return
	}
	q.all.Remove(slot)
	q.available.Remove(slot)
	q.deferred.Remove(slot)
	delete(q.bySlot, slot)
	delete(q.slots, seq)
}

// Remove deletes a message in any state and returns it.
func (q *Queue) Remove(seq int64) (*model.Message, bool) {
	m, ok := q.messages[seq]
	if !ok {
		return nil, false
	}
	q.detach(seq)
	delete(q.messages, seq)
	q.sizeBytes -= m.Size()
	return m, true
}

// Lock takes an available or deferred message out of both sets. It returns
// false when the message is absent or already locked.
func (q *Queue) Lock(seq int64) bool {
	slot, ok := q.slots[seq]
	if !ok {
		return false
	}
	switch {
	case q.available.Contains(slot):
		q.available.Remove(slot)
	case q.deferred.Contains(slot):
		q.deferred.Remove(slot)
	default:
		return false
	}
	return true
}

// Release returns a locked message to its original position, or to the
// deferred set.
func (q *Queue) Release(seq int64, deferred bool) bool {
	slot, ok := q.slots[seq]
	if !ok {
		return false
	}
	m := q.messages[seq]
	if deferred {
		m.State = model.StateDeferred
		q.deferred.Add(slot)
	} else {
		m.State = model.StateActive
		q.available.Add(slot)
	}
	return true
}

// IsLocked reports whether a stored message is held by a lock.
func (q *Queue) IsLocked(seq int64) bool {
	slot, ok := q.slots[seq]
	if !ok {
		return false
	}
	return !q.available.Contains(slot) && !q.deferred.Contains(slot)
}

// IsDeferred reports whether a message sits in the deferred set.
func (q *Queue) IsDeferred(seq int64) bool {
	slot, ok := q.slots[seq]
	return ok && q.deferred.Contains(slot)
}

// visible reports whether an available message may be handed out now.
// Scheduled and expiry rules only apply to the main queue.
func (q *Queue) visible(m *model.Message, now time.Time) bool {
	if q.kind != model.SubQueueMain {
		return true
	}
	return !m.Scheduled(now) && !m.Expired(now)
}

// Next returns the earliest visible available message accepted by the
// predicate, or nil. accept may be nil.
func (q *Queue) Next(now time.Time, accept func(*model.Message) bool) *model.Message {
	it := q.available.Iterator()
	for it.HasNext() {
		m := q.messages[q.bySlot[it.Next()]]
		if !q.visible(m, now) {
			continue
		}
		if accept == nil || accept(m) {
			return m
		}
	}
	return nil
}

// Scan walks visible available messages in order until fn returns false.
func (q *Queue) Scan(now time.Time, fn func(*model.Message) bool) {
	it := q.available.Iterator()
	for it.HasNext() {
		m := q.messages[q.bySlot[it.Next()]]
		if !q.visible(m, now) {
			continue
		}
		if !fn(m) {
			return
		}
	}
}

// NextDue returns the earliest scheduled enqueue time after now, or zero.
func (q *Queue) NextDue(now time.Time) time.Time {
	var due time.Time
	if q.kind != model.SubQueueMain {
		return due
	}
	it := q.available.Iterator()
	for it.HasNext() {
		m := q.messages[q.bySlot[it.Next()]]
		if m.Scheduled(now) && (due.IsZero() || m.ScheduledEnqueueTime.Before(due)) {
			due = m.ScheduledEnqueueTime
		}
	}
	return due
}

// Peek returns up to count messages whose position is >= from, in queue
// order, without changing any state. The position is the sequence number on
// the main queue and the dead-letter sequence number on the dead-letter
// store. Expired main-queue messages are skipped.
// Returned messages are copies with State filled in.
func (q *Queue) Peek(now time.Time, from int64, count int) []*model.Message {
	var out []*model.Message
	it := q.all.Iterator()
	for it.HasNext() && len(out) < count {
		slot := it.Next()
		m := q.messages[q.bySlot[slot]]
		if q.position(m) < from {
			continue
		}
		if q.kind == model.SubQueueMain && m.Expired(now) && !q.IsLocked(m.SequenceNumber) {
			continue
		}
		c := m.Clone()
		switch {
		case q.kind == model.SubQueueDeadLetter:
			c.State = model.StateDeadLettered
		case q.deferred.Contains(slot):
			c.State = model.StateDeferred
		case m.Scheduled(now):
			c.State = model.StateScheduled
		default:
			c.State = model.StateActive
		}
		out = append(out, c)
	}
	return out
}

// ExpiredUnlocked lists sequence numbers whose TTL elapsed and that are not
// currently locked.
func (q *Queue) ExpiredUnlocked(now time.Time) []int64 {
	if q.kind != model.SubQueueMain {
		return nil
	}
	var out []int64
	collect := func(bm *roaring64.Bitmap) {
		it := bm.Iterator()
		for it.HasNext() {
			seq := q.bySlot[it.Next()]
			if q.messages[seq].Expired(now) {
				out = append(out, seq)
			}
		}
	}
	collect(q.available)
	collect(q.deferred)
	slices.Sort(out)
	return out
}

// Messages returns stored messages in queue order. The slice holds the
// stored pointers; callers snapshotting must clone.
func (q *Queue) Messages() []*model.Message {
	out := make([]*model.Message, 0, len(q.messages))
	it := q.all.Iterator()
	for it.HasNext() {
		out = append(out, q.messages[q.bySlot[it.Next()]])
	}
	return out
}

// Counts fills the message counters of this queue.
func (q *Queue) Counts(now time.Time) (active, scheduled, deferred, locked int64) {
	for seq, m := range q.messages {
		slot := q.slots[seq]
		switch {
		case q.deferred.Contains(slot):
			deferred++
		case !q.available.Contains(slot):
			locked++
		case q.kind == model.SubQueueMain && m.Scheduled(now):
			scheduled++
		default:
			active++
		}
	}
	return active, scheduled, deferred, locked
}

// Clear drops every message and returns how many were removed.
func (q *Queue) Clear() int {
	n := len(q.messages)
	q.messages = make(map[int64]*model.Message)
	q.slots = make(map[int64]uint64)
	q.bySlot = make(map[uint64]int64)
	q.all.Clear()
	q.available.Clear()
	q.deferred.Clear()
	q.sizeBytes = 0
	return n
}

// MergeProperties overlays props onto a stored message and keeps the size
// accounting in step.
func (q *Queue) MergeProperties(seq int64, props map[string]any) bool {
	m, ok := q.messages[seq]
	if !ok {
		return false
	}
	if len(props) == 0 {
		return true
	}
	q.sizeBytes -= m.Size()
	merged := make(map[string]any, len(m.Properties)+len(props))
	for k, v := range m.Properties {
		merged[k] = v
	}
	for k, v := range props {
		merged[k] = v
	}
	m.Properties = merged
	q.sizeBytes += m.Size()
	return true
}
