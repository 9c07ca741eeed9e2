package httputil

import (
	"time"

	"github.com/go-resty/resty/v2"
)

// UserAgent is sent on every outbound request.
const UserAgent = "teamsbridge/1.0"

// DefaultTimeout is the per-request deadline used when none is configured.
const DefaultTimeout = 30 * time.Second

// NewDefaultRestyClient builds the shared Resty client configuration.
// Retries are left disabled: callers decide which failures may be repeated.
func NewDefaultRestyClient(timeout time.Duration) *resty.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return resty.New().
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("User-Agent", UserAgent).
		SetHeader("Accept", "application/json")
}
