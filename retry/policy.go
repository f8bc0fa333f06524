// Package retry implements per-node retry policy: error classification,
// exponential backoff with jitter, and the decision of when an attempt moves
// to the dead-letter queue.
package retry

import (
	"math/rand/v2"
	"time"

	"github.com/weftworks/weft/workflow"
)

// Jitter modes.
const (
	JitterFull  = "full"
	JitterEqual = "equal"
	JitterNone  = "none"
)

// Policy controls retry behavior for one node.
type Policy struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	Jitter            string
	RetryOn           workflow.RetryOn
}

// DefaultPolicy returns the platform retry defaults.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            JitterEqual,
		RetryOn: workflow.RetryOn{
			Transient:    true,
			RateLimited:  true,
			NetworkError: true,
		},
	}
}

// FromNode merges a node's policy over the defaults. Zero fields keep the
// default value.
func FromNode(defaults Policy, node *workflow.RetryPolicy) Policy {
	p := defaults
	if node == nil {
		return p
	}
	if node.MaxAttempts > 0 {
		p.MaxAttempts = node.MaxAttempts
	}
	if node.InitialBackoffMs > 0 {
		p.InitialBackoff = time.Duration(node.InitialBackoffMs) * time.Millisecond
	}
	if node.MaxBackoffMs > 0 {
		p.MaxBackoff = time.Duration(node.MaxBackoffMs) * time.Millisecond
	}
	if node.BackoffMultiplier > 0 {
		p.BackoffMultiplier = node.BackoffMultiplier
	}
	if node.Jitter != "" {
		p.Jitter = node.Jitter
	}
	if node.RetryOn != nil {
		p.RetryOn = *node.RetryOn
	}
	return p
}

// Backoff returns the delay before the given attempt's retry:
// min(initial * multiplier^(attempt-1), max) with jitter applied.
// attempt is 1-based (the attempt that just failed).
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	backoff := float64(p.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= p.BackoffMultiplier
		if backoff >= float64(p.MaxBackoff) {
			break
		}
	}
	if backoff > float64(p.MaxBackoff) {
		backoff = float64(p.MaxBackoff)
	}

	switch p.Jitter {
	case JitterFull:
		// Anywhere in [0, backoff).
		return time.Duration(rand.Float64() * backoff)
	case JitterNone:
		return time.Duration(backoff)
	default:
		// Equal jitter: half fixed, half random.
		half := backoff / 2
		return time.Duration(half + rand.Float64()*half)
	}
}

// Decision is the outcome of consulting the policy after a failure.
type Decision struct {
	// Retry is true when another attempt should be scheduled.
	Retry bool
	// Delay is how long to wait before the next attempt.
	Delay time.Duration
	// DLQ is true when the failure should move to the dead-letter queue.
	DLQ bool
}

// Decide consults the policy after attempt (1-based) failed with err.
// A 429 carrying Retry-After uses the header value directly, ignoring
// backoff.
func (p Policy) Decide(attempt int, err error) Decision {
	class := Classify(err)
	if !p.allows(class) {
		return Decision{DLQ: false}
	}
	if attempt >= p.MaxAttempts {
		return Decision{DLQ: true}
	}
	if class.Kind == workflow.KindRateLimited {
		if after := workflow.RetryableAfter(err); after > 0 {
			return Decision{Retry: true, Delay: time.Duration(after) * time.Second}
		}
	}
	return Decision{Retry: true, Delay: p.Backoff(attempt)}
}

// allows reports whether the policy retries this error class at all.
func (p Policy) allows(class Classification) bool {
	if !class.Retryable {
		return p.allowsStatus(class.HTTPStatus)
	}
	switch class.Kind {
	case workflow.KindRateLimited:
		return p.RetryOn.RateLimited
	case workflow.KindTimeout:
		return p.RetryOn.Transient || p.RetryOn.NetworkError
	case workflow.KindTransient:
		if class.Network {
			return p.RetryOn.NetworkError || p.RetryOn.Transient
		}
		return p.RetryOn.Transient
	default:
		return p.allowsStatus(class.HTTPStatus)
	}
}

// allowsStatus honors an explicit per-node httpStatuses widening, which can
// make an otherwise-terminal status retryable.
func (p Policy) allowsStatus(status int) bool {
	if status == 0 {
		return false
	}
	for _, s := range p.RetryOn.HTTPStatuses {
		if s == status {
			return true
		}
	}
	return false
}
