// Package httputil provides shared HTTP client utilities.
package httputil

import (
	"time"

	"github.com/go-resty/resty/v2"
)

// DefaultTimeout applies when NewClient is given a zero timeout.
const DefaultTimeout = 10 * time.Second

// NewClient returns a resty client with the shared defaults: JSON content
// type, a request timeout and the given static headers. Resty's own retry
// is left off; callers wrap requests in retry.Do so every outbound call
// follows one policy.
func NewClient(baseURL string, timeout time.Duration, headers map[string]string) *resty.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	for k, v := range headers {
		client.SetHeader(k, v)
	}
	return client
}
