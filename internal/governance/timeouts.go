package governance

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrRequestTimeout is returned when an outbound call exceeds its deadline.
var ErrRequestTimeout = errors.New("request timeout exceeded")

// Call identifies an outbound leg of a relayed request.
type Call string

const (
	// CallIdentity is the token exchange with the identity service.
	CallIdentity Call = "identity"
	// CallPrediction is the downstream scoring request.
	CallPrediction Call = "prediction"
)

// TimeoutConfig defines per-call deadlines. A zero value disables the
// deadline for that call, leaving only cancellation of the parent context.
type TimeoutConfig struct {
	Identity   time.Duration
	Prediction time.Duration
}

// DefaultTimeoutConfig returns sensible timeout defaults.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Identity:   15 * time.Second,
		Prediction: 30 * time.Second,
	}
}

// TimeoutManager enforces timeout policies on outbound calls.
type TimeoutManager struct {
	config TimeoutConfig
}

// NewTimeoutManager creates a timeout manager with the given configuration.
// Negative durations are treated as zero.
func NewTimeoutManager(config TimeoutConfig) *TimeoutManager {
	if config.Identity < 0 {
		config.Identity = 0
	}
	if config.Prediction < 0 {
		config.Prediction = 0
	}
	return &TimeoutManager{config: config}
}

// Config returns a copy of the current timeout configuration.
func (tm *TimeoutManager) Config() TimeoutConfig {
	return tm.config
}

// Timeout reports the deadline configured for call.
func (tm *TimeoutManager) Timeout(call Call) time.Duration {
	if tm == nil {
		return 0
	}
	switch call {
	case CallIdentity:
		return tm.config.Identity
	case CallPrediction:
		return tm.config.Prediction
	default:
		return 0
	}
}

// WithTimeout derives a context bounded by the deadline configured for call.
func (tm *TimeoutManager) WithTimeout(ctx context.Context, call Call) (context.Context, context.CancelFunc) {
	timeout := tm.Timeout(call)
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, timeout, fmt.Errorf("%w: %s call exceeded %s", ErrRequestTimeout, call, timeout))
}

// IsTimeout reports whether err was caused by a deadline.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrRequestTimeout) || errors.Is(err, context.DeadlineExceeded)
}
