package model

import "time"

// FilterKind tags the variant carried by a FilterSpec.
type FilterKind uint8

const (
	FilterSQL FilterKind = iota + 1
	FilterCorrelation
	FilterTrue
	FilterFalse
)

func (k FilterKind) String() string {
	switch k {
	case FilterSQL:
		return "sql"
	case FilterCorrelation:
		return "correlation"
	case FilterTrue:
		return "true"
	case FilterFalse:
		return "false"
	default:
		return "unknown"
	}
}

// DefaultRuleName is the pass-all rule added to new subscriptions.
const DefaultRuleName = "$Default"

// CorrelationFilter matches when every non-empty field equals the message
// value exactly.
type CorrelationFilter struct {
	CorrelationID    string         `json:"correlationId,omitempty"`
	MessageID        string         `json:"messageId,omitempty"`
	To               string         `json:"to,omitempty"`
	ReplyTo          string         `json:"replyTo,omitempty"`
	Label            string         `json:"label,omitempty"`
	SessionID        string         `json:"sessionId,omitempty"`
	ReplyToSessionID string         `json:"replyToSessionId,omitempty"`
	ContentType      string         `json:"contentType,omitempty"`
	Properties       map[string]any `json:"properties,omitempty"`
}

// FilterSpec is the serialisable description of a rule filter.
type FilterSpec struct {
	Kind          FilterKind         `json:"kind"`
	SQLExpression string             `json:"sqlExpression,omitempty"`
	Correlation   *CorrelationFilter `json:"correlation,omitempty"`
}

// SQLFilter builds a SQL-like filter spec.
func SQLFilter(expression string) FilterSpec {
	return FilterSpec{Kind: FilterSQL, SQLExpression: expression}
}

// TrueFilter matches every message.
func TrueFilter() FilterSpec {
	return FilterSpec{Kind: FilterTrue}
}

// FalseFilter matches nothing.
func FalseFilter() FilterSpec {
	return FilterSpec{Kind: FilterFalse}
}

// Correlation builds a correlation filter spec.
func Correlation(f CorrelationFilter) FilterSpec {
	return FilterSpec{Kind: FilterCorrelation, Correlation: &f}
}

// Rule is a named filter attached to a subscription.
type Rule struct {
	Name      string     `json:"name"`
	Filter    FilterSpec `json:"filter"`
	CreatedAt time.Time  `json:"createdAt"`
}
