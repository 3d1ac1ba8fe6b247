package llm

import (
	"context"
	"errors"

	"github.com/ent0n29/aura/internal/protocol"
)

var (
	// ErrOverloaded is an upstream overload or unavailability signal.
	ErrOverloaded = errors.New("model upstream overloaded")
	// ErrStream is a malformed or interrupted response stream.
	ErrStream = errors.New("model response stream malformed")
	// ErrAuth is an authentication or permission failure. Never retried.
	ErrAuth = errors.New("model authentication failed")
)

// DefaultRetryable is the retry predicate injected into the gateway policy.
// Overload, stream, timeout, and single malformed-output failures are worth
// another attempt; auth failures are not. The two-consecutive-malformed cap
// is enforced by the gateway loop, not here.
func DefaultRetryable(err error) bool {
	switch {
	case errors.Is(err, ErrAuth):
		return false
	case errors.Is(err, ErrOverloaded),
		errors.Is(err, ErrStream),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, protocol.ErrMalformedSynthesis):
		return true
	default:
		return false
	}
}
