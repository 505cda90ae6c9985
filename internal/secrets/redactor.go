// Package secrets scrubs credentials out of text before it is logged or
// returned to a caller.
package secrets

import (
	"regexp"
	"strings"
)

// Placeholder replaces every redacted value.
const Placeholder = "[REDACTED]"

// minSecretLength guards against redacting trivially short strings that would
// mangle unrelated text.
const minSecretLength = 4

// Redactor handles detection and redaction of secrets.
type Redactor struct {
	knownSecrets []string
	patterns     []*regexp.Regexp
}

var defaultPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(Bearer\s+)([a-zA-Z0-9\-\._~+/]+=*)`),
	regexp.MustCompile(`(?i)("?(?:apikey|api_key|access_token|refresh_token)"?\s*[:=]\s*"?)([^"&\s,}]+)`),
}

// NewRedactor creates a redactor that knows the provided secrets. Empty and
// very short values are ignored.
func NewRedactor(secrets ...string) *Redactor {
	r := &Redactor{patterns: defaultPatterns}
	for _, s := range secrets {
		if len(s) >= minSecretLength {
			r.knownSecrets = append(r.knownSecrets, s)
		}
	}
	return r
}

// Redact replaces secrets in the input string.
func (r *Redactor) Redact(input string) string {
	if r == nil || input == "" {
		return input
	}

	res := input
	for _, secret := range r.knownSecrets {
		res = strings.ReplaceAll(res, secret, Placeholder)
	}
	for _, re := range r.patterns {
		res = re.ReplaceAllString(res, "${1}"+Placeholder)
	}
	return res
}
