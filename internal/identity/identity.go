package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	ErrInvalidContactMethod = errors.New("invalid contact method")
	ErrInvalidContactValue  = errors.New("invalid contact value")
)

// ContactMethod is how a voter proves control of an identity.
type ContactMethod string

const (
	MethodEmail ContactMethod = "email"
	MethodPhone ContactMethod = "phone"
)

// Identity is a normalized (method, value) pair. The plaintext value must
// never be logged or persisted unencrypted; use Hasher.DedupHash for any
// lookup key.
type Identity struct {
	Method ContactMethod
	Value  string
}

var (
	emailPattern = regexp.MustCompile(`^[a-z0-9._%+\-]+@[a-z0-9.\-]+\.[a-z]{2,}$`)
	phonePattern = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)
	phoneStrip   = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
)

// Normalize validates and canonicalizes a raw contact value for the given
// method. Emails are lowercased; phone numbers are stripped of separators
// and must already carry a country prefix.
func Normalize(method ContactMethod, raw string) (Identity, error) {
	switch method {
	case MethodEmail:
		value := strings.ToLower(strings.TrimSpace(raw))
		if !emailPattern.MatchString(value) {
			return Identity{}, fmt.Errorf("%w: malformed email", ErrInvalidContactValue)
		}
		return Identity{Method: MethodEmail, Value: value}, nil

	case MethodPhone:
		value := phoneStrip.Replace(strings.TrimSpace(raw))
		if strings.HasPrefix(value, "00") {
			value = "+" + value[2:]
		}
		if !phonePattern.MatchString(value) {
			return Identity{}, fmt.Errorf("%w: malformed phone number", ErrInvalidContactValue)
		}
		return Identity{Method: MethodPhone, Value: value}, nil

	default:
		return Identity{}, fmt.Errorf("%w: %q", ErrInvalidContactMethod, method)
	}
}

// Domain returns the mail domain for email identities, "" otherwise.
func (i Identity) Domain() string {
	if i.Method != MethodEmail {
		return ""
	}
	at := strings.LastIndex(i.Value, "@")
	if at < 0 {
		return ""
	}
	return i.Value[at+1:]
}

// NumericValue returns the digits of a phone identity as an integer, used by
// the remediation pipeline to spot sequentially generated numbers. The
// second return is false for non-phone identities or overflow-length values.
func (i Identity) NumericValue() (int64, bool) {
	if i.Method != MethodPhone {
		return 0, false
	}
	digits := strings.TrimPrefix(i.Value, "+")
	if len(digits) > 18 {
		return 0, false
	}
	var n int64
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int64(r-'0')
	}
	return n, true
}
