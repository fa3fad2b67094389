// Package auth detects a signed-in Teams web session by scanning the page's
// local storage for the MSAL access-token cache entry.
package auth

import (
	"fmt"
	"strings"
)

const redacted = "[REDACTED]"

// Token is an opaque bearer credential. It never renders its value through
// fmt, logging or JSON; callers that must hand it on use Value.
type Token struct {
	value string
}

// NewToken wraps a raw secret.
func NewToken(secret string) Token {
	return Token{value: secret}
}

// Value returns the raw bearer string.
func (t Token) Value() string { return t.value }

// Valid reports whether the token carries a non-empty secret.
func (t Token) Valid() bool { return strings.TrimSpace(t.value) != "" }

func (t Token) String() string {
	if !t.Valid() {
		return ""
	}
	return redacted
}

// GoString keeps %#v from printing the struct field.
func (t Token) GoString() string { return "auth.Token{" + t.String() + "}" }

// Format implements fmt.Formatter so every verb, including %x and %q, is redacted.
func (t Token) Format(f fmt.State, verb rune) {
	if verb == 'v' && f.Flag('#') {
		_, _ = f.Write([]byte(t.GoString()))
		return
	}
	_, _ = f.Write([]byte(t.String()))
}

// MarshalJSON emits the redacted form.
func (t Token) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}
