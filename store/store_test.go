package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func defaults() model.EntityConfig {
	return model.EntityConfig{}.WithDefaults()
}

func admit(t *testing.T, s *Store, now time.Time, msgs ...*model.Message) []*model.Message {
	t.Helper()
	stamped, err := s.Stamp(msgs, now, defaults())
	require.NoError(t, err)
	s.Admit(stamped...)
	return stamped
}

func TestStampAssignsSequenceAndExpiry(t *testing.T) {
	s := New("orders")
	cfg := defaults()

	in := []*model.Message{
		{MessageID: "a", Body: []byte("1")},
		{MessageID: "b", Body: []byte("2"), TimeToLive: time.Minute},
		{MessageID: "c", TimeToLive: 365 * 24 * time.Hour},
	}
	out, err := s.Stamp(in, t0, cfg)
	require.NoError(t, err)
	require.Len(t, out, 3)

	assert.Equal(t, int64(1), out[0].SequenceNumber)
	assert.Equal(t, int64(2), out[1].SequenceNumber)
	assert.Equal(t, int64(3), out[2].SequenceNumber)
	assert.Equal(t, t0, out[0].EnqueuedTime)
	assert.Equal(t, t0.Add(cfg.DefaultMessageTimeToLive), out[0].ExpiresAt)
	assert.Equal(t, t0.Add(time.Minute), out[1].ExpiresAt)
	assert.Equal(t, cfg.DefaultMessageTimeToLive, out[2].TimeToLive, "ttl is capped by the entity default")

	// Stamping does not store anything or move the counter.
	assert.Equal(t, 0, s.Main().Len())
	assert.Equal(t, int64(0), s.LastSequence())
	assert.Zero(t, in[0].SequenceNumber, "input is not modified")

	s.Admit(out...)
	assert.Equal(t, 3, s.Main().Len())
	assert.Equal(t, int64(3), s.LastSequence())
}

func TestStampScheduledExpiry(t *testing.T) {
	s := New("q")
	due := t0.Add(time.Hour)
	out, err := s.Stamp([]*model.Message{{ScheduledEnqueueTime: due, TimeToLive: time.Minute}}, t0, defaults())
	require.NoError(t, err)
	assert.Equal(t, due.Add(time.Minute), out[0].ExpiresAt)

	past, err := s.Stamp([]*model.Message{{ScheduledEnqueueTime: t0.Add(-time.Hour)}}, t0, defaults())
	require.NoError(t, err)
	assert.True(t, past[0].ScheduledEnqueueTime.IsZero())
}

func TestStampLimits(t *testing.T) {
	s := New("small")
	cfg := defaults()
	cfg.MaxMessageCount = 2
	cfg.MaxMessageSizeBytes = 10

	_, err := s.Stamp([]*model.Message{{Body: make([]byte, 11)}}, t0, cfg)
	assert.ErrorIs(t, err, sberrors.ErrMessageTooLarge)

	out, err := s.Stamp([]*model.Message{{Body: []byte("a")}, {Body: []byte("b")}}, t0, cfg)
	require.NoError(t, err)
	s.Admit(out...)

	_, err = s.Stamp([]*model.Message{{Body: []byte("c")}}, t0, cfg)
	assert.ErrorIs(t, err, sberrors.ErrEntityFull)
	assert.Equal(t, 2, s.Main().Len())
}

func TestStampRejectsBadProperties(t *testing.T) {
	s := New("q")
	_, err := s.Stamp([]*model.Message{{Properties: map[string]any{"x": []int{1}}}}, t0, defaults())
	assert.ErrorIs(t, err, sberrors.ErrInvalidArgument)
}

func TestQueueFIFOAndLocking(t *testing.T) {
	s := New("q")
	admit(t, s, t0, &model.Message{MessageID: "1"}, &model.Message{MessageID: "2"}, &model.Message{MessageID: "3"})
	q := s.Main()

	first := q.Next(t0, nil)
	require.NotNil(t, first)
	assert.Equal(t, "1", first.MessageID)

	require.True(t, q.Lock(first.SequenceNumber))
	assert.False(t, q.Lock(first.SequenceNumber), "already locked")
	assert.True(t, q.IsLocked(first.SequenceNumber))

	next := q.Next(t0, nil)
	require.NotNil(t, next)
	assert.Equal(t, "2", next.MessageID)

	// Abandon puts it back at its original position.
	require.True(t, q.Release(first.SequenceNumber, false))
	assert.Equal(t, "1", q.Next(t0, nil).MessageID)

	counts := s.Counts(t0)
	assert.Equal(t, int64(3), counts.Active)
	assert.Equal(t, int64(0), counts.Locked)
}

func TestQueueDeferred(t *testing.T) {
	s := New("q")
	msgs := admit(t, s, t0, &model.Message{MessageID: "1"}, &model.Message{MessageID: "2"})
	q := s.Main()
	seq := msgs[0].SequenceNumber

	require.True(t, q.Lock(seq))
	require.True(t, q.Release(seq, true))
	assert.True(t, q.IsDeferred(seq))
	assert.Equal(t, "2", q.Next(t0, nil).MessageID, "deferred messages are not received")

	peeked := q.Peek(t0, 0, 10)
	require.Len(t, peeked, 2)
	assert.Equal(t, model.StateDeferred, peeked[0].State)
	assert.Equal(t, model.StateActive, peeked[1].State)

	require.True(t, q.Lock(seq), "deferred messages can be locked by sequence")
	assert.False(t, q.IsDeferred(seq))
}

func TestQueueScheduledVisibility(t *testing.T) {
	s := New("q")
	due := t0.Add(10 * time.Second)
	admit(t, s, t0, &model.Message{MessageID: "later", ScheduledEnqueueTime: due}, &model.Message{MessageID: "now"})
	q := s.Main()

	assert.Equal(t, "now", q.Next(t0, nil).MessageID)
	assert.Equal(t, due, q.NextDue(t0))
	assert.Equal(t, int64(1), s.Counts(t0).Scheduled)
	assert.Equal(t, "later", q.Next(due, nil).MessageID, "due messages keep their sequence position")
	assert.True(t, q.NextDue(due).IsZero())
}

func TestQueueExpiredUnlocked(t *testing.T) {
	s := New("q")
	msgs := admit(t, s, t0,
		&model.Message{MessageID: "short", TimeToLive: time.Second},
		&model.Message{MessageID: "locked", TimeToLive: time.Second},
		&model.Message{MessageID: "long"},
	)
	q := s.Main()
	require.True(t, q.Lock(msgs[1].SequenceNumber))

	later := t0.Add(2 * time.Second)
	assert.Equal(t, []int64{msgs[0].SequenceNumber}, q.ExpiredUnlocked(later))
	assert.Equal(t, "long", q.Next(later, nil).MessageID)

	peeked := q.Peek(later, 0, 10)
	require.Len(t, peeked, 2, "expired unlocked messages are not peeked")
	assert.Equal(t, "locked", peeked[0].MessageID)
}

func TestDeadLetterKeepsSequenceAndOrder(t *testing.T) {
	s := New("q")
	msgs := admit(t, s, t0, &model.Message{MessageID: "1"}, &model.Message{MessageID: "2"}, &model.Message{MessageID: "3"})

	dl, ok := s.DeadLetterMessage(msgs[2].SequenceNumber, "bad", "desc")
	require.True(t, ok)
	assert.Equal(t, "bad", dl.DeadLetterReason)
	assert.Equal(t, "q", dl.DeadLetterSource)
	_, ok = s.DeadLetterMessage(msgs[0].SequenceNumber, model.ReasonMaxTTLExceeded, "")
	require.True(t, ok)

	_, ok = s.DeadLetterMessage(99, "x", "")
	assert.False(t, ok)

	dead := s.DeadLetter().Messages()
	require.Len(t, dead, 2)
	assert.Equal(t, "3", dead[0].MessageID, "dead-letter store is ordered by arrival")
	assert.Equal(t, msgs[2].SequenceNumber, dead[0].SequenceNumber)
	assert.Equal(t, int64(1), dead[0].DeadLetterSequenceNumber)
	assert.Equal(t, "1", dead[1].MessageID)
	assert.Equal(t, int64(2), dead[1].DeadLetterSequenceNumber)

	assert.Equal(t, "3", s.DeadLetter().Next(t0, nil).MessageID)
	assert.Equal(t, 1, s.Main().Len())
	assert.Equal(t, int64(2), s.Counts(t0).DeadLetter)
}

func TestDeadLetterPeekPagesByDeadLetterSequence(t *testing.T) {
	s := New("q")
	msgs := admit(t, s, t0, &model.Message{MessageID: "1"}, &model.Message{MessageID: "2"}, &model.Message{MessageID: "3"})
	for i := len(msgs) - 1; i >= 0; i-- {
		_, ok := s.DeadLetterMessage(msgs[i].SequenceNumber, "bad", "")
		require.True(t, ok)
	}

	var seen []string
	from := int64(0)
	for {
		page := s.DeadLetter().Peek(t0, from, 1)
		if len(page) == 0 {
			break
		}
		seen = append(seen, page[0].MessageID)
		from = page[0].DeadLetterSequenceNumber + 1
	}
	assert.Equal(t, []string{"3", "2", "1"}, seen)

	// Removing the newest entry does not rewind the counter.
	_, ok := s.DeadLetter().Remove(msgs[0].SequenceNumber)
	require.True(t, ok)
	assert.Equal(t, int64(3), s.DeadLetter().LastPosition())

	restored := New("q")
	for _, m := range s.DeadLetter().Messages() {
		restored.RestoreDeadLetter(m.Clone())
	}
	restored.DeadLetter().SetLastPosition(s.DeadLetter().LastPosition())
	next := admit(t, restored, t0, &model.Message{MessageID: "4"})
	dl, ok := restored.DeadLetterMessage(next[0].SequenceNumber, "bad", "")
	require.True(t, ok)
	assert.Equal(t, int64(4), dl.DeadLetterSequenceNumber)

	page := restored.DeadLetter().Peek(t0, 2, 10)
	require.Len(t, page, 2)
	assert.Equal(t, "2", page[0].MessageID)
	assert.Equal(t, "4", page[1].MessageID)
}

func TestQueueClear(t *testing.T) {
	s := New("q")
	admit(t, s, t0, &model.Message{Body: []byte("abc")}, &model.Message{})
	assert.Equal(t, 2, s.Main().Clear())
	assert.Equal(t, 0, s.Main().Len())
	assert.Equal(t, int64(0), s.Main().SizeBytes())
	assert.Nil(t, s.Main().Next(t0, nil))
	assert.Equal(t, int64(2), s.LastSequence(), "sequence numbers are never reused")
}

func TestQueueNextWithPredicate(t *testing.T) {
	s := New("q")
	admit(t, s, t0,
		&model.Message{MessageID: "a", SessionID: "s1"},
		&model.Message{MessageID: "b", SessionID: "s2"},
	)
	m := s.Main().Next(t0, func(m *model.Message) bool { return m.SessionID == "s2" })
	require.NotNil(t, m)
	assert.Equal(t, "b", m.MessageID)

	var seen []string
	s.Main().Scan(t0, func(m *model.Message) bool {
		seen = append(seen, m.MessageID)
		return true
	})
	assert.Equal(t, []string{"a", "b"}, seen)
}

func TestQueueMergePropertiesTracksSize(t *testing.T) {
	s := New("orders")
	msgs := admit(t, s, t0, &model.Message{MessageID: "a", Properties: map[string]any{"k": "v"}})
	before := s.Main().SizeBytes()

	require.True(t, s.Main().MergeProperties(msgs[0].SequenceNumber, map[string]any{"extra": "value"}))
	m, ok := s.Main().Get(msgs[0].SequenceNumber)
	require.True(t, ok)
	assert.Equal(t, "v", m.Properties["k"])
	assert.Equal(t, "value", m.Properties["extra"])
	assert.Equal(t, before+int64(len("extra")+len("value")), s.Main().SizeBytes())

	assert.False(t, s.Main().MergeProperties(99, map[string]any{"x": "y"}))
}
