package forge

import (
	"errors"
	"fmt"
)

var (
	ErrRejected    = errors.New("provider: request rejected")
	ErrUpstream    = errors.New("provider: unexpected response")
	ErrUnavailable = errors.New("provider: transport failure")
	ErrBadResponse = errors.New("provider: malformed response")
)

// ProviderError wraps one of the sentinels with the failing operation and
// whatever the provider sent back.
type ProviderError struct {
	Sentinel  error
	Operation string
	Status    int
	Body      string
	Err       error
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("forge: %s: %v", e.Operation, e.Sentinel)
	if e.Status > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.Status)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap exposes both the sentinel and the transport cause, so callers can
// match context.DeadlineExceeded as well as ErrUnavailable.
func (e *ProviderError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Err}
}

// result is the metrics label for err.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrBadResponse):
		return "bad_response"
	default:
		return "upstream"
	}
}
