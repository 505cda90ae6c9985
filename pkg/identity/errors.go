package identity

import (
	"errors"
	"fmt"
)

var (
	// ErrIdentityUnreachable indicates the token request produced no HTTP response.
	ErrIdentityUnreachable = errors.New("identity service unreachable")

	// ErrMalformedTokenResponse indicates the identity service answered with a body that is not JSON.
	ErrMalformedTokenResponse = errors.New("identity service returned a malformed token response")

	// ErrTokenMissing indicates the identity service answered with JSON that carries no access_token.
	ErrTokenMissing = errors.New("identity service response has no access_token")
)

// TokenMissingError carries the details of a reachable identity service that
// did not issue a token.
type TokenMissingError struct {
	StatusCode int
	// Message is the service's own error description, when it sent one.
	Message string
}

func (e *TokenMissingError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s (status %d: %s)", ErrTokenMissing, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s (status %d)", ErrTokenMissing, e.StatusCode)
}

func (e *TokenMissingError) Is(target error) bool {
	return target == ErrTokenMissing
}

// IsUnreachable reports whether err means the identity service could not be contacted.
func IsUnreachable(err error) bool {
	return errors.Is(err, ErrIdentityUnreachable)
}

// IsTokenMissing reports whether err means the service was reached but issued no token.
func IsTokenMissing(err error) bool {
	return errors.Is(err, ErrTokenMissing)
}
