package model

import "time"

// OpKind identifies a journaled mutation.
type OpKind uint8

const (
	OpCreateEntity OpKind = iota + 1
	OpUpdateEntity
	OpDeleteEntity
	OpAddRule
	OpRemoveRule
	OpSend
	OpPublish
	OpCancelScheduled
	OpLock
	OpReceiveAndDelete
	OpComplete
	OpAbandon
	OpDefer
	OpDeadLetter
	OpRenewLock
	OpExpireLocks
	OpExpireMessages
	OpPurge
	OpSessionAccept
	OpSessionRenew
	OpSessionClose
	OpSessionState
	OpSessionForget
)

var opNames = map[OpKind]string{
	OpCreateEntity:     "create_entity",
	OpUpdateEntity:     "update_entity",
	OpDeleteEntity:     "delete_entity",
	OpAddRule:          "add_rule",
	OpRemoveRule:       "remove_rule",
	OpSend:             "send",
	OpPublish:          "publish",
	OpCancelScheduled:  "cancel_scheduled",
	OpLock:             "lock",
	OpReceiveAndDelete: "receive_and_delete",
	OpComplete:         "complete",
	OpAbandon:          "abandon",
	OpDefer:            "defer",
	OpDeadLetter:       "dead_letter",
	OpRenewLock:        "renew_lock",
	OpExpireLocks:      "expire_locks",
	OpExpireMessages:   "expire_messages",
	OpPurge:            "purge",
	OpSessionAccept:    "session_accept",
	OpSessionRenew:     "session_renew",
	OpSessionClose:     "session_close",
	OpSessionState:     "session_state",
	OpSessionForget:    "session_forget",
}

func (o OpKind) String() string {
	if name, ok := opNames[o]; ok {
		return name
	}
	return "unknown"
}

// FanoutCopy is one subscription's copy of a published message.
type FanoutCopy struct {
	Path    string   `json:"path"`
	Message *Message `json:"message"`
}

// LockExpiry records the outcome of one expired lock.
type LockExpiry struct {
	Token      string `json:"token"`
	DeadLetter bool   `json:"deadLetter,omitempty"`
}

// Record is one write-ahead log entry. Every value the mutation derived from
// the clock or a random source is captured so replay is deterministic.
type Record struct {
	LSN  uint64    `json:"lsn"`
	Op   OpKind    `json:"op"`
	Time time.Time `json:"time"`
	Path string    `json:"path,omitempty"`

	Kind     EntityKind    `json:"kind,omitempty"`
	Config   *EntityConfig `json:"config,omitempty"`
	Rules    []Rule        `json:"rules,omitempty"`
	RuleName string        `json:"ruleName,omitempty"`

	Messages      []*Message   `json:"messages,omitempty"`
	Copies        []FanoutCopy `json:"copies,omitempty"`
	TopicSequence int64        `json:"topicSequence,omitempty"`

	SubQueue    SubQueue     `json:"subQueue,omitempty"`
	Sequence    int64        `json:"sequence,omitempty"`
	Sequences   []int64      `json:"sequences,omitempty"`
	Locks       []Lock       `json:"locks,omitempty"`
	Token       string       `json:"token,omitempty"`
	LockedUntil time.Time    `json:"lockedUntil,omitempty"`
	Expirations []LockExpiry `json:"expirations,omitempty"`
	DeadLetter  bool         `json:"deadLetter,omitempty"`

	Reason      string         `json:"reason,omitempty"`
	Description string         `json:"description,omitempty"`
	Properties  map[string]any `json:"properties,omitempty"`

	Session    *Session `json:"session,omitempty"`
	SessionID  string   `json:"sessionId,omitempty"`
	SessionIDs []string `json:"sessionIds,omitempty"`
	State      []byte   `json:"state,omitempty"`
}
