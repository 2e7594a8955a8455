package bitable

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a failed call to the external store, covering both HTTP-level
// failures and application error codes embedded in a 200 response.
type APIError struct {
	StatusCode int
	Code       int
	Message    string

	// Transient marks failures that carry no retryable status or message but
	// are still worth retrying, such as a success response missing the
	// record id it should contain.
	Transient bool
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("bitable: status=%d code=%d message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("bitable: status=%d message=%s", e.StatusCode, e.Message)
}

var retryablePhrases = []string{"rate limit", "too many", "timeout", "temporarily"}

// Retryable classifies the failure. Status 429/502/503/504 and anything
// >= 500 is retryable, as is any upstream message containing a known
// transient phrase regardless of status.
func (e *APIError) Retryable() bool {
	if e.Transient {
		return true
	}
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	if e.StatusCode >= 500 {
		return true
	}
	message := strings.ToLower(e.Message)
	for _, phrase := range retryablePhrases {
		if strings.Contains(message, phrase) {
			return true
		}
	}
	return false
}

// IsRetryable reports whether err is worth another attempt. Classified API
// errors decide for themselves; anything else (transport errors, token or
// metadata fetch failures) is treated as transient.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}
