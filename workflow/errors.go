package workflow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures across component boundaries. The runtime is
// the sole authority that turns kinds into node state transitions.
type ErrorKind string

const (
	// KindValidation covers malformed graphs, unknown node types, and
	// invalid param refs. Terminal.
	KindValidation ErrorKind = "ValidationError"
	// KindCredential covers missing or expired connector credentials.
	KindCredential ErrorKind = "CredentialError"
	// KindSignature covers webhook signature verification failures.
	KindSignature ErrorKind = "SignatureError"
	// KindRateLimited covers upstream 429s and empty local buckets. Retryable.
	KindRateLimited ErrorKind = "RateLimited"
	// KindTransient covers network, DNS, and 5xx failures. Retryable.
	KindTransient ErrorKind = "TransientTransportError"
	// KindTimeout covers deadline expiry. Retryable.
	KindTimeout ErrorKind = "TimeoutError"
	// KindSchemaValidation covers LLM JSON that failed schema validation
	// after the repair round. Non-retryable by default.
	KindSchemaValidation ErrorKind = "SchemaValidationFailed"
	// KindBudgetExceeded covers LLM budget gate denials. Non-retryable.
	KindBudgetExceeded ErrorKind = "BudgetExceeded"
	// KindCancelled covers execution cancellation. Terminal.
	KindCancelled ErrorKind = "Cancelled"
	// KindInternal covers programmer errors and assertion violations.
	KindInternal ErrorKind = "Internal"
)

// KindedError attaches an ErrorKind to an underlying error.
type KindedError struct {
	Kind ErrorKind
	// RetryableAfter carries an explicit upstream delay (Retry-After).
	RetryableAfterSec int
	err               error
}

func (e *KindedError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.err)
}

func (e *KindedError) Unwrap() error {
	return e.err
}

// NewKindedError wraps err with a kind. A nil err yields a bare kinded error.
func NewKindedError(kind ErrorKind, err error) *KindedError {
	if err == nil {
		err = errors.New(string(kind))
	}
	return &KindedError{Kind: kind, err: err}
}

// Errorf builds a kinded error from a format string.
func Errorf(kind ErrorKind, format string, a ...any) *KindedError {
	return &KindedError{Kind: kind, err: fmt.Errorf(format, a...)}
}

// KindOf extracts the ErrorKind from err, or empty when none is attached.
func KindOf(err error) ErrorKind {
	var kinded *KindedError
	if errors.As(err, &kinded) {
		return kinded.Kind
	}
	return ""
}

// RetryableAfter extracts an explicit upstream retry delay in seconds, or 0.
func RetryableAfter(err error) int {
	var kinded *KindedError
	if errors.As(err, &kinded) {
		return kinded.RetryableAfterSec
	}
	return 0
}
