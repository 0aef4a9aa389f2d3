package model

import "time"

// SubscriptionOptions configures a new subscription. Without Rules a
// $Default rule matching every message is added unless NoDefaultRule is
// set.
type SubscriptionOptions struct {
	Config        EntityConfig
	Rules         []Rule
	NoDefaultRule bool
}

// ReceiveOptions controls a receive call.
type ReceiveOptions struct {
	Mode ReceiveMode

	// MaxMessages bounds a batch receive; zero means one.
	MaxMessages int

	// MaxWait is how long to wait for an eligible message. Zero returns
	// immediately.
	MaxWait time.Duration

	// SessionToken is required on session-enabled entities.
	SessionToken string
}

// AcceptOptions controls AcceptSession.
type AcceptOptions struct {
	// MaxWait is how long to wait for an available session.
	MaxWait time.Duration
}

// SweepStats reports what one expiry sweep did.
type SweepStats struct {
	Entities             int `json:"entities"`
	LocksExpired         int `json:"locksExpired"`
	SessionsExpired      int `json:"sessionsExpired"`
	SessionsPruned       int `json:"sessionsPruned"`
	MessagesExpired      int `json:"messagesExpired"`
	MessagesDeadLettered int `json:"messagesDeadLettered"`
}
