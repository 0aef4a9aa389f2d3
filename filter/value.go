package filter

import (
	"strconv"
	"strings"
	"time"

	"github.com/maxpert/servicebus-go/model"
)

type valueKind uint8

const (
	kindNull valueKind = iota
	kindString
	kindInt
	kindFloat
	kindBool
)

// value is a scalar operand. Comparisons between mismatched kinds are false.
type value struct {
	kind valueKind
	s    string
	i    int64
	f    float64
	b    bool
}

var nullValue = value{}

func stringValue(s string) value { return value{kind: kindString, s: s} }
func intValue(i int64) value     { return value{kind: kindInt, i: i} }
func floatValue(f float64) value { return value{kind: kindFloat, f: f} }
func boolValue(b bool) value     { return value{kind: kindBool, b: b} }

// optionalString maps an unset system property to null.
func optionalString(s string) value {
	if s == "" {
		return nullValue
	}
	return stringValue(s)
}

func optionalTime(t time.Time) value {
	if t.IsZero() {
		return nullValue
	}
	return stringValue(t.UTC().Format(time.RFC3339Nano))
}

// fromProperty converts a normalised user property value.
func fromProperty(v any) value {
	switch tv := v.(type) {
	case string:
		return stringValue(tv)
	case bool:
		return boolValue(tv)
	case int64:
		return intValue(tv)
	case float64:
		return floatValue(tv)
	case int:
		return intValue(int64(tv))
	case int32:
		return intValue(int64(tv))
	case float32:
		return floatValue(float64(tv))
	default:
		return nullValue
	}
}

func (v value) isNull() bool {
	return v.kind == kindNull
}

func (v value) numeric() bool {
	return v.kind == kindInt || v.kind == kindFloat
}

func (v value) asFloat() float64 {
	if v.kind == kindInt {
		return float64(v.i)
	}
	return v.f
}

// compare returns -1, 0 or 1 and false when the pair is not comparable.
func compare(a, b value) (int, bool) {
	switch {
	case a.isNull() || b.isNull():
		return 0, false
	case a.kind == kindInt && b.kind == kindInt:
		return cmpOrdered(a.i, b.i), true
	case a.numeric() && b.numeric():
		return cmpOrdered(a.asFloat(), b.asFloat()), true
	case a.kind == kindString && b.kind == kindString:
		return strings.Compare(a.s, b.s), true
	case a.kind == kindBool && b.kind == kindBool:
		if a.b == b.b {
			return 0, true
		}
		return 1, true
	default:
		return 0, false
	}
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// canonical renders a value for correlation matching.
func canonical(v any) (string, bool) {
	switch tv := v.(type) {
	case string:
		return tv, true
	case bool:
		return strconv.FormatBool(tv), true
	case int64:
		return strconv.FormatInt(tv, 10), true
	case int:
		return strconv.Itoa(tv), true
	case int32:
		return strconv.FormatInt(int64(tv), 10), true
	case float64:
		return strconv.FormatFloat(tv, 'g', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(tv), 'g', -1, 32), true
	default:
		return "", false
	}
}

// systemProperty resolves a sys.<Name> reference. Names missing from
// systemProperties evaluate to null.
type systemProperty func(m *model.Message) value

var systemProperties = map[string]systemProperty{
	"messageid":               func(m *model.Message) value { return optionalString(m.MessageID) },
	"correlationid":           func(m *model.Message) value { return optionalString(m.CorrelationID) },
	"contenttype":             func(m *model.Message) value { return optionalString(m.ContentType) },
	"label":                   func(m *model.Message) value { return optionalString(m.Label) },
	"subject":                 func(m *model.Message) value { return optionalString(m.Label) },
	"to":                      func(m *model.Message) value { return optionalString(m.To) },
	"replyto":                 func(m *model.Message) value { return optionalString(m.ReplyTo) },
	"replytosessionid":        func(m *model.Message) value { return optionalString(m.ReplyToSessionID) },
	"sessionid":               func(m *model.Message) value { return optionalString(m.SessionID) },
	"sequencenumber":          func(m *model.Message) value { return intValue(m.SequenceNumber) },
	"deliverycount":           func(m *model.Message) value { return intValue(int64(m.DeliveryCount)) },
	"enqueuedtimeutc":         func(m *model.Message) value { return optionalTime(m.EnqueuedTime) },
	"scheduledenqueuetimeutc": func(m *model.Message) value { return optionalTime(m.ScheduledEnqueueTime) },
	"expiresatutc":            func(m *model.Message) value { return optionalTime(m.ExpiresAt) },
	"size":                    func(m *model.Message) value { return intValue(m.Size()) },
}
