package broker

import (
	"strings"

	sberrors "github.com/maxpert/servicebus-go/errors"
	"github.com/maxpert/servicebus-go/model"
)

const (
	maxEntityNameLength = 260
	maxShortNameLength  = 50
)

var reservedSegments = []string{
	strings.ToLower(model.SubscriptionsSegment),
	strings.ToLower(model.RulesSegment),
	strings.ToLower(model.DeadLetterSegment),
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

func validName(name string, maxLen int, allowSlash bool) string {
	if name == "" {
		return "name cannot be empty"
	}
	if len(name) > maxLen {
		return "name exceeds maximum length"
	}
	if !isAlnum(name[0]) || !isAlnum(name[len(name)-1]) {
		return "name must start and end with a letter or digit"
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case isAlnum(c), c == '.', c == '_', c == '-':
		case c == '/' && allowSlash:
		default:
			return "name contains invalid character " + string(rune(c))
		}
	}
	return ""
}

// validateEntityName checks a queue or topic name.
func validateEntityName(name string) error {
	if reason := validName(name, maxEntityNameLength, true); reason != "" {
		return sberrors.NewInvalidName(name, reason)
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == "" {
			return sberrors.NewInvalidName(name, "name contains an empty segment")
		}
		for _, reserved := range reservedSegments {
			if strings.ToLower(seg) == reserved {
				return sberrors.NewInvalidName(name, "segment '"+seg+"' is reserved")
			}
		}
	}
	return nil
}

// validateSubscriptionName checks a subscription name.
func validateSubscriptionName(name string) error {
	if reason := validName(name, maxShortNameLength, false); reason != "" {
		return sberrors.NewInvalidName(name, reason)
	}
	return nil
}

// validateRuleName checks a rule name; $Default is the one name allowed
// outside the usual character set.
func validateRuleName(name string) error {
	if strings.EqualFold(name, model.DefaultRuleName) {
		return nil
	}
	if reason := validName(name, maxShortNameLength, false); reason != "" {
		return sberrors.NewInvalidName(name, reason)
	}
	return nil
}
