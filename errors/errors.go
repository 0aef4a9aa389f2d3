package errors

import (
	"errors"
	"fmt"
	"time"
)

// BrokerError represents a typed failure returned by the broker core.
type BrokerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Path    string `json:"path,omitempty"`
	Cause   error  `json:"cause,omitempty"`
}

func (e *BrokerError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s (%d) on %s: %s", CodeName(e.Code), e.Code, e.Path, e.Message)
	}
	return fmt.Sprintf("%s (%d): %s", CodeName(e.Code), e.Code, e.Message)
}

func (e *BrokerError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a BrokerError carrying the same code, so the
// Err* sentinels below work with errors.Is.
func (e *BrokerError) Is(target error) bool {
	var other *BrokerError
	if !errors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// Error codes. Values follow the HTTP status the management front end
// reports for each failure.
const (
	// Caller input
	InvalidName         = 400
	InvalidOperation    = 405
	InvalidArgument     = 421
	InvalidFilterSyntax = 422

	// Entity state
	NotFound      = 404
	AlreadyExists = 409

	// Resource exhaustion
	MessageTooLarge = 413
	LimitExceeded   = 429
	EntityFull      = 507

	// Contention, retryable by the caller
	LockLost      = 410
	SessionLocked = 423

	// Persistence
	InternalError          = 500
	PersistenceUnavailable = 503
	CorruptLog             = 520
)

var codeNames = map[int]string{
	InvalidName:            "InvalidName",
	InvalidOperation:       "InvalidOperation",
	InvalidArgument:        "InvalidArgument",
	InvalidFilterSyntax:    "InvalidFilterSyntax",
	NotFound:               "NotFound",
	AlreadyExists:          "AlreadyExists",
	MessageTooLarge:        "MessageTooLarge",
	LimitExceeded:          "LimitExceeded",
	EntityFull:             "EntityFull",
	LockLost:               "LockLost",
	SessionLocked:          "SessionLocked",
	InternalError:          "InternalError",
	PersistenceUnavailable: "PersistenceUnavailable",
	CorruptLog:             "CorruptLog",
}

// CodeName returns the taxonomy name of an error code.
func CodeName(code int) string {
	if name, ok := codeNames[code]; ok {
		return name
	}
	return "Unknown"
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound               = &BrokerError{Code: NotFound}
	ErrAlreadyExists          = &BrokerError{Code: AlreadyExists}
	ErrInvalidName            = &BrokerError{Code: InvalidName}
	ErrInvalidFilterSyntax    = &BrokerError{Code: InvalidFilterSyntax}
	ErrInvalidOperation       = &BrokerError{Code: InvalidOperation}
	ErrInvalidArgument        = &BrokerError{Code: InvalidArgument}
	ErrLimitExceeded          = &BrokerError{Code: LimitExceeded}
	ErrEntityFull             = &BrokerError{Code: EntityFull}
	ErrMessageTooLarge        = &BrokerError{Code: MessageTooLarge}
	ErrLockLost               = &BrokerError{Code: LockLost}
	ErrSessionLocked          = &BrokerError{Code: SessionLocked}
	ErrPersistenceUnavailable = &BrokerError{Code: PersistenceUnavailable}
	ErrCorruptLog             = &BrokerError{Code: CorruptLog}
)

func newError(code int, path, message string) *BrokerError {
	return &BrokerError{Code: code, Path: path, Message: message}
}

// Entity Errors

func NewNotFound(path, what string) *BrokerError {
	return newError(NotFound, path, fmt.Sprintf("%s not found", what))
}

func NewEntityNotFound(path string) *BrokerError {
	return NewNotFound(path, "entity")
}

func NewAlreadyExists(path, what string) *BrokerError {
	return newError(AlreadyExists, path, fmt.Sprintf("%s already exists", what))
}

func NewInvalidName(name, reason string) *BrokerError {
	return newError(InvalidName, name, fmt.Sprintf("invalid name '%s': %s", name, reason))
}

func NewInvalidOperation(path, reason string) *BrokerError {
	return newError(InvalidOperation, path, reason)
}

func NewInvalidArgument(field, reason string) *BrokerError {
	return newError(InvalidArgument, "", fmt.Sprintf("invalid %s: %s", field, reason))
}

// Resource Errors

func NewLimitExceeded(what string, limit int64) *BrokerError {
	return newError(LimitExceeded, "", fmt.Sprintf("%s limit of %d exceeded", what, limit))
}

func NewEntityFull(path, reason string) *BrokerError {
	return newError(EntityFull, path, fmt.Sprintf("entity is full: %s", reason))
}

func NewMessageTooLarge(path string, size, maxSize int64) *BrokerError {
	return newError(MessageTooLarge, path, fmt.Sprintf("message size %d exceeds maximum %d", size, maxSize))
}

// Lock Errors

// LockError carries the token that failed to settle.
type LockError struct {
	BrokerError
	LockToken string `json:"lock_token,omitempty"`
}

func NewLockLost(path, lockToken, reason string) *LockError {
	return &LockError{
		BrokerError: BrokerError{
			Code:    LockLost,
			Path:    path,
			Message: fmt.Sprintf("lock lost: %s", reason),
		},
		LockToken: lockToken,
	}
}

func (e *LockError) As(target interface{}) bool {
	if brokerErr, ok := target.(**BrokerError); ok {
		*brokerErr = &e.BrokerError
		return true
	}
	return false
}

// SessionError carries the contended session id.
type SessionError struct {
	BrokerError
	SessionID   string    `json:"session_id,omitempty"`
	LockedUntil time.Time `json:"locked_until,omitempty"`
}

func NewSessionLocked(path, sessionID string, lockedUntil time.Time) *SessionError {
	msg := "no unlocked session available"
	if sessionID != "" {
		msg = fmt.Sprintf("session '%s' is locked by another receiver", sessionID)
	}
	return &SessionError{
		BrokerError: BrokerError{
			Code:    SessionLocked,
			Path:    path,
			Message: msg,
		},
		SessionID:   sessionID,
		LockedUntil: lockedUntil,
	}
}

func (e *SessionError) As(target interface{}) bool {
	if brokerErr, ok := target.(**BrokerError); ok {
		*brokerErr = &e.BrokerError
		return true
	}
	return false
}

// Filter Errors

// FilterSyntaxError reports where an expression failed to parse.
type FilterSyntaxError struct {
	BrokerError
	Expression string `json:"expression"`
	Position   int    `json:"position"`
}

func NewInvalidFilterSyntax(expression string, position int, reason string) *FilterSyntaxError {
	return &FilterSyntaxError{
		BrokerError: BrokerError{
			Code:    InvalidFilterSyntax,
			Message: fmt.Sprintf("%s at position %d", reason, position),
		},
		Expression: expression,
		Position:   position,
	}
}

func (e *FilterSyntaxError) As(target interface{}) bool {
	if brokerErr, ok := target.(**BrokerError); ok {
		*brokerErr = &e.BrokerError
		return true
	}
	return false
}

// Persistence Errors

// PersistenceError represents a backend failure.
type PersistenceError struct {
	BrokerError
	Backend   string `json:"backend"`
	Operation string `json:"operation"`
}

func NewPersistenceUnavailable(backend, operation string, cause error) *PersistenceError {
	return &PersistenceError{
		BrokerError: BrokerError{
			Code:    PersistenceUnavailable,
			Message: fmt.Sprintf("persistence backend '%s' unavailable during %s", backend, operation),
			Cause:   cause,
		},
		Backend:   backend,
		Operation: operation,
	}
}

// NewCorruptLog reports an unreadable record that is not the final one.
func NewCorruptLog(backend, location string, cause error) *PersistenceError {
	return &PersistenceError{
		BrokerError: BrokerError{
			Code:    CorruptLog,
			Message: fmt.Sprintf("journal record at %s is unreadable; restore from the last snapshot", location),
			Cause:   cause,
		},
		Backend:   backend,
		Operation: "replay",
	}
}

func (e *PersistenceError) As(target interface{}) bool {
	if brokerErr, ok := target.(**BrokerError); ok {
		*brokerErr = &e.BrokerError
		return true
	}
	return false
}

// Helper functions for common error checking

// Code returns the broker error code, or 0 for foreign errors.
func Code(err error) int {
	var brokerErr *BrokerError
	if errors.As(err, &brokerErr) {
		return brokerErr.Code
	}
	return 0
}

func IsNotFound(err error) bool {
	return Code(err) == NotFound
}

func IsAlreadyExists(err error) bool {
	return Code(err) == AlreadyExists
}

func IsLockLost(err error) bool {
	return Code(err) == LockLost
}

func IsSessionLocked(err error) bool {
	return Code(err) == SessionLocked
}

func IsPersistenceUnavailable(err error) bool {
	return Code(err) == PersistenceUnavailable
}

func IsCorruptLog(err error) bool {
	return Code(err) == CorruptLog
}

// IsRetryable reports contention failures a caller may retry.
func IsRetryable(err error) bool {
	switch Code(err) {
	case LockLost, SessionLocked, EntityFull:
		return true
	default:
		return false
	}
}
