package errors

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerError(t *testing.T) {
	err := &BrokerError{
		Code:    NotFound,
		Message: "entity not found",
		Path:    "orders",
	}

	assert.Equal(t, "NotFound (404) on orders: entity not found", err.Error())
	assert.Nil(t, err.Unwrap())
}

func TestBrokerErrorWithoutPath(t *testing.T) {
	err := NewLimitExceeded("entity count", 10)

	assert.Equal(t, "LimitExceeded (429): entity count limit of 10 exceeded", err.Error())
}

func TestBrokerErrorWithCause(t *testing.T) {
	cause := errors.New("disk full")
	err := NewPersistenceUnavailable("file", "append", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "file", err.Backend)
	assert.Equal(t, "append", err.Operation)
}

func TestSentinelMatching(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
	}{
		{"not found", NewEntityNotFound("q1"), ErrNotFound},
		{"already exists", NewAlreadyExists("q1", "queue"), ErrAlreadyExists},
		{"invalid name", NewInvalidName("-bad", "must start with a letter or digit"), ErrInvalidName},
		{"filter syntax", NewInvalidFilterSyntax("a = ", 4, "unexpected end of expression"), ErrInvalidFilterSyntax},
		{"lock lost", NewLockLost("q1", "tok", "lock expired"), ErrLockLost},
		{"session locked", NewSessionLocked("q1", "s1", time.Now()), ErrSessionLocked},
		{"entity full", NewEntityFull("q1", "message count"), ErrEntityFull},
		{"too large", NewMessageTooLarge("q1", 10, 5), ErrMessageTooLarge},
		{"corrupt log", NewCorruptLog("file", "offset 10", nil), ErrCorruptLog},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, tt.err, tt.sentinel)

			wrapped := fmt.Errorf("outer: %w", tt.err)
			assert.ErrorIs(t, wrapped, tt.sentinel)
			assert.NotErrorIs(t, wrapped, ErrInvalidArgument)
		})
	}
}

func TestTypedErrorsUnwrapToBrokerError(t *testing.T) {
	err := fmt.Errorf("complete: %w", NewLockLost("q1", "tok-1", "token not recognised"))

	var brokerErr *BrokerError
	require.True(t, errors.As(err, &brokerErr))
	assert.Equal(t, LockLost, brokerErr.Code)
	assert.Equal(t, "q1", brokerErr.Path)

	var lockErr *LockError
	require.True(t, errors.As(err, &lockErr))
	assert.Equal(t, "tok-1", lockErr.LockToken)
}

func TestFilterSyntaxError(t *testing.T) {
	err := NewInvalidFilterSyntax("(a = 1", 6, "missing closing parenthesis")

	assert.Equal(t, InvalidFilterSyntax, err.Code)
	assert.Equal(t, 6, err.Position)
	assert.Equal(t, "(a = 1", err.Expression)
	assert.Contains(t, err.Error(), "missing closing parenthesis at position 6")
}

func TestSessionLockedMessage(t *testing.T) {
	named := NewSessionLocked("q1", "s1", time.Time{})
	assert.Contains(t, named.Error(), "session 's1' is locked")

	wildcard := NewSessionLocked("q1", "", time.Time{})
	assert.Contains(t, wildcard.Error(), "no unlocked session available")
}

func TestHelpers(t *testing.T) {
	assert.True(t, IsNotFound(NewNotFound("q1", "message")))
	assert.True(t, IsAlreadyExists(NewAlreadyExists("q1", "queue")))
	assert.True(t, IsLockLost(NewLockLost("q1", "t", "expired")))
	assert.True(t, IsSessionLocked(NewSessionLocked("q1", "s", time.Time{})))
	assert.True(t, IsPersistenceUnavailable(NewPersistenceUnavailable("badger", "open", nil)))
	assert.True(t, IsCorruptLog(NewCorruptLog("file", "offset 0", nil)))

	assert.False(t, IsNotFound(errors.New("plain")))
	assert.False(t, IsNotFound(nil))
	assert.Equal(t, 0, Code(errors.New("plain")))
	assert.Equal(t, EntityFull, Code(NewEntityFull("q1", "size")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, IsRetryable(NewLockLost("q1", "t", "expired")))
	assert.True(t, IsRetryable(NewSessionLocked("q1", "s", time.Time{})))
	assert.True(t, IsRetryable(NewEntityFull("q1", "count")))
	assert.False(t, IsRetryable(NewEntityNotFound("q1")))
	assert.False(t, IsRetryable(NewInvalidName("x", "y")))
}

func TestCodeName(t *testing.T) {
	assert.Equal(t, "CorruptLog", CodeName(CorruptLog))
	assert.Equal(t, "Unknown", CodeName(999))
}
