package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestAcquireExclusive(t *testing.T) {
	m := New("q", 0)

	s, err := m.Acquire("s1", "tok-1", t0.Add(time.Minute), t0)
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)
	assert.True(t, m.IsLocked("s1", t0))

	_, err = m.Acquire("s1", "tok-2", t0.Add(time.Minute), t0.Add(time.Second))
	require.Error(t, err)
	assert.ErrorIs(t, err, sberrors.ErrSessionLocked)
	var se *sberrors.SessionError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "s1", se.SessionID)

	// After expiry another receiver may take it.
	_, err = m.Acquire("s1", "tok-2", t0.Add(3*time.Minute), t0.Add(2*time.Minute))
	require.NoError(t, err)
	_, ok := m.Lookup("tok-1")
	assert.False(t, ok, "stale token is dropped")
}

func TestHolderAndRelease(t *testing.T) {
	m := New("q", 0)
	_, err := m.Acquire("s1", "tok", t0.Add(time.Minute), t0)
	require.NoError(t, err)

	s, err := m.Holder("tok", t0)
	require.NoError(t, err)
	assert.Equal(t, "s1", s.ID)

	_, err = m.Holder("tok", t0.Add(time.Minute))
	assert.ErrorIs(t, err, sberrors.ErrLockLost)
	_, err = m.Holder("nope", t0)
	assert.ErrorIs(t, err, sberrors.ErrLockLost)

	require.True(t, m.Renew("tok", t0.Add(time.Hour)))
	_, err = m.Holder("tok", t0.Add(time.Minute))
	assert.NoError(t, err)

	_, ok := m.Release("tok")
	require.True(t, ok)
	assert.False(t, m.IsLocked("s1", t0))
	assert.NoError(t, m.CheckAvailable("s1", t0))
	_, err = m.Holder("tok", t0)
	assert.ErrorIs(t, err, sberrors.ErrLockLost)
}

func TestStateSurvivesRelease(t *testing.T) {
	m := New("q", 8)
	_, err := m.Acquire("s1", "tok", t0.Add(time.Minute), t0)
	require.NoError(t, err)

	require.NoError(t, m.SetState("s1", []byte("progress")))
	m.Release("tok")
	assert.Equal(t, []byte("progress"), m.State("s1"))

	err = m.SetState("s1", []byte("too large!"))
	assert.ErrorIs(t, err, sberrors.ErrLimitExceeded)
	assert.Equal(t, []byte("progress"), m.State("s1"))

	require.NoError(t, m.SetState("s1", nil))
	assert.Nil(t, m.State("s1"))
	assert.Nil(t, m.State("unknown"))
}

func TestExpiredAndIdle(t *testing.T) {
	m := New("q", 0)
	_, err := m.Acquire("b", "tok-b", t0.Add(time.Second), t0)
	require.NoError(t, err)
	_, err = m.Acquire("a", "tok-a", t0.Add(time.Second), t0)
	require.NoError(t, err)
	_, err = m.Acquire("c", "tok-c", t0.Add(time.Hour), t0)
	require.NoError(t, err)
	require.NoError(t, m.SetState("d", []byte("x")))

	assert.Equal(t, []string{"tok-a", "tok-b"}, m.Expired(t0.Add(time.Minute)))

	m.Release("tok-a")
	m.Release("tok-b")
	idle := m.Idle(t0, func(id string) bool { return id == "b" })
	assert.Equal(t, []string{"a"}, idle)

	m.Forget("a")
	assert.Equal(t, 3, m.Len())
}

func TestRestoreAndAll(t *testing.T) {
	m := New("q", 0)
	m.Restore(model.Session{ID: "z", State: []byte("1")})
	m.Restore(model.Session{ID: "y", LockToken: "tok", LockedUntil: t0.Add(time.Minute)})

	all := m.All()
	require.Len(t, all, 2)
	assert.Equal(t, "y", all[0].ID)
	assert.Equal(t, "z", all[1].ID)

	s, err := m.Holder("tok", t0)
	require.NoError(t, err)
	assert.Equal(t, "y", s.ID)
}
