// Package filter compiles subscription rule filters. A Filter is compiled
// once when a rule is created and evaluated for every published message.
//
// During routing sys.SequenceNumber is the topic sequence number and
// sys.EnqueuedTimeUtc and sys.ExpiresAtUtc are the topic's enqueue time and
// expiry.
package filter

import (
	"fmt"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/model"
)

// Filter is the compiled, immutable form of a model.FilterSpec.
type Filter struct {
	kind        model.FilterKind
	expression  *Expression
	correlation *Correlation
}

// Compile validates and compiles a filter spec.
func Compile(spec model.FilterSpec) (*Filter, error) {
	switch spec.Kind {
	case model.FilterTrue, model.FilterFalse:
		return &Filter{kind: spec.Kind}, nil
	case model.FilterSQL:
		expr, err := Parse(spec.SQLExpression)
		if err != nil {
			return nil, err
		}
		return &Filter{kind: spec.Kind, expression: expr}, nil
	case model.FilterCorrelation:
		if spec.Correlation == nil {
			return nil, sberrors.NewInvalidArgument("correlation filter", "missing correlation fields")
		}
		c, err := CompileCorrelation(*spec.Correlation)
		if err != nil {
			return nil, err
		}
		return &Filter{kind: spec.Kind, correlation: c}, nil
	default:
		return nil, sberrors.NewInvalidArgument("filter", fmt.Sprintf("unknown filter kind %d", spec.Kind))
	}
}

// Kind returns the filter variant.
func (f *Filter) Kind() model.FilterKind {
	return f.kind
}

// Match evaluates the filter against a message.
func (f *Filter) Match(m *model.Message) bool {
	switch f.kind {
	case model.FilterTrue:
		return true
	case model.FilterSQL:
		return f.expression.Eval(m)
	case model.FilterCorrelation:
		return f.correlation.Match(m)
	default:
		return false
	}
}
