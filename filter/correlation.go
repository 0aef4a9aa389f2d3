package filter

import (
	"fmt"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/model"
)

// Correlation is a compiled correlation filter: a flat list of expected
// values checked by exact string equality.
type Correlation struct {
	system []systemMatch
	user   map[string]string
}

type systemMatch struct {
	get  func(m *model.Message) string
	want string
}

// CompileCorrelation flattens a correlation filter. An empty filter matches
// every message.
func CompileCorrelation(f model.CorrelationFilter) (*Correlation, error) {
	c := &Correlation{}
	add := func(want string, get func(m *model.Message) string) {
		if want != "" {
			c.system = append(c.system, systemMatch{get: get, want: want})
		}
	}
	add(f.CorrelationID, func(m *model.Message) string { return m.CorrelationID })
	add(f.MessageID, func(m *model.Message) string { return m.MessageID })
	add(f.To, func(m *model.Message) string { return m.To })
	add(f.ReplyTo, func(m *model.Message) string { return m.ReplyTo })
	add(f.Label, func(m *model.Message) string { return m.Label })
	add(f.SessionID, func(m *model.Message) string { return m.SessionID })
	add(f.ReplyToSessionID, func(m *model.Message) string { return m.ReplyToSessionID })
	add(f.ContentType, func(m *model.Message) string { return m.ContentType })

	if len(f.Properties) > 0 {
		c.user = make(map[string]string, len(f.Properties))
		for k, v := range f.Properties {
			s, ok := canonical(v)
			if !ok {
				return nil, sberrors.NewInvalidArgument("correlation filter",
					fmt.Sprintf("property %q has unsupported type %T", k, v))
			}
			c.user[k] = s
		}
	}
	return c, nil
}

// Match reports whether every configured field equals the message value.
func (c *Correlation) Match(m *model.Message) bool {
	for _, sm := range c.system {
		if sm.get(m) != sm.want {
			return false
		}
	}
	for k, want := range c.user {
		v, ok := m.Properties[k]
		if !ok {
			return false
		}
		got, ok := canonical(v)
		if !ok || got != want {
			return false
		}
	}
	return true
}
