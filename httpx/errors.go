package httpx

import (
	"fmt"
	"time"
)

// TimeoutError reports an outbound call that exceeded its deadline. Callers
// distinguish it from other transport failures with errors.As.
type TimeoutError struct {
	Op      string
	Timeout time.Duration
	Err     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s: timed out after %s: %v", e.Op, e.Timeout, e.Err)
}

func (e *TimeoutError) Unwrap() error { return e.Err }

// ProviderError reports a non-2xx answer from a remote API. Provider and
// Code are filled in by the caller when the API returns structured errors.
type ProviderError struct {
	Provider   string
	StatusCode int
	Code       int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Provider != "" && e.Code != 0 {
		return fmt.Sprintf("%s error #%d %s", e.Provider, e.Code, e.Message)
	}
	if e.Provider != "" {
		return fmt.Sprintf("%s error: %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Message)
}
