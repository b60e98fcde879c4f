package channel

import (
	"regexp"

	"github.com/cockroachdb/errors"
)

// ErrPolicyViolation is returned when outbound content is suppressed because
// it would share off-platform contact details.
var ErrPolicyViolation = errors.New("content violates contact policy")

// nine or more digits, optionally led by +, loosely separated by spaces,
// dashes, dots or parentheses
var phonePattern = regexp.MustCompile(`\+?\(?\d(?:[\s\-.()]{0,2}\d){8,}`)

// Guard screens free text before it leaves the device.
type Guard struct {
	pattern *regexp.Regexp
}

func NewGuard() *Guard { return &Guard{pattern: phonePattern} }

// ContainsPhoneNumber reports whether text holds something that looks like a
// phone number.
func (g *Guard) ContainsPhoneNumber(text string) bool {
	return g.pattern.MatchString(text)
}

// Check returns ErrPolicyViolation (with a user facing hint) if any text
// contains a phone number.
func (g *Guard) Check(texts ...string) error {
	for _, t := range texts {
		if g.ContainsPhoneNumber(t) {
			return errors.WithHint(ErrPolicyViolation, "Sharing phone numbers is not allowed. Keep all communication on the platform.")
		}
	}
	return nil
}
