package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/weftworks/weft/workflow"
)

// HTTPError carries an upstream HTTP failure with enough context to
// classify it. Connector clients and the LLM providers return this for
// non-2xx responses.
type HTTPError struct {
	StatusCode int
	Status     string
	// RetryAfterSec is the parsed Retry-After header, 0 when absent.
	RetryAfterSec int
	Body          string
}

func (e *HTTPError) Error() string {
	if e.Status != "" {
		return fmt.Sprintf("upstream returned %s", e.Status)
	}
	return fmt.Sprintf("upstream returned status %d", e.StatusCode)
}

// NewHTTPError builds an HTTPError from a response status and headers.
func NewHTTPError(statusCode int, status string, header http.Header, body string) *HTTPError {
	e := &HTTPError{StatusCode: statusCode, Status: status, Body: body}
	if raw := header.Get("Retry-After"); raw != "" {
		if sec, err := strconv.Atoi(raw); err == nil && sec > 0 {
			e.RetryAfterSec = sec
		} else if at, err := http.ParseTime(raw); err == nil {
			if d := time.Until(at); d > 0 {
				e.RetryAfterSec = int(d.Seconds() + 0.5)
			}
		}
	}
	return e
}

// Classification is the result of classifying an error.
type Classification struct {
	Retryable  bool
	Kind       workflow.ErrorKind
	Network    bool
	HTTPStatus int
}

// Classify maps an error to its retry class. An explicit ErrorKind attached
// via workflow.KindedError wins; otherwise transport-level heuristics apply.
// Network, timeout, 5xx, 408, 425, and 429 are retryable; other 4xx, schema
// validation, signature failures, and budget denials are terminal.
func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}

	if kind := workflow.KindOf(err); kind != "" {
		switch kind {
		case workflow.KindRateLimited:
			return Classification{Retryable: true, Kind: kind}
		case workflow.KindTransient:
			return Classification{Retryable: true, Kind: kind}
		case workflow.KindTimeout:
			return Classification{Retryable: true, Kind: kind}
		default:
			return Classification{Kind: kind, HTTPStatus: httpStatusOf(err)}
		}
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusTooManyRequests:
			return Classification{Retryable: true, Kind: workflow.KindRateLimited, HTTPStatus: httpErr.StatusCode}
		case httpErr.StatusCode == http.StatusRequestTimeout,
			httpErr.StatusCode == http.StatusTooEarly:
			return Classification{Retryable: true, Kind: workflow.KindTransient, HTTPStatus: httpErr.StatusCode}
		case httpErr.StatusCode >= 500:
			return Classification{Retryable: true, Kind: workflow.KindTransient, HTTPStatus: httpErr.StatusCode}
		case httpErr.StatusCode == http.StatusUnauthorized,
			httpErr.StatusCode == http.StatusForbidden:
			return Classification{Kind: workflow.KindCredential, HTTPStatus: httpErr.StatusCode}
		default:
			return Classification{Kind: workflow.KindValidation, HTTPStatus: httpErr.StatusCode}
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Classification{Retryable: true, Kind: workflow.KindTimeout}
	}
	if errors.Is(err, context.Canceled) {
		return Classification{Kind: workflow.KindCancelled}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Classification{Retryable: true, Kind: workflow.KindTimeout, Network: true}
		}
		return Classification{Retryable: true, Kind: workflow.KindTransient, Network: true}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return Classification{Retryable: true, Kind: workflow.KindTransient, Network: true}
	}

	return Classification{Kind: workflow.KindInternal}
}

func httpStatusOf(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}

// WrapHTTP attaches the right ErrorKind to an HTTPError so downstream
// consumers see a consistent taxonomy. The Retry-After delay travels with
// the kinded wrapper.
func WrapHTTP(httpErr *HTTPError) error {
	class := Classify(httpErr)
	kinded := workflow.NewKindedError(class.Kind, httpErr)
	kinded.RetryableAfterSec = httpErr.RetryAfterSec
	return kinded
}
