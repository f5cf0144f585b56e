package httpclient

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// DefaultTimeout applies when the caller passes a zero timeout.
const DefaultTimeout = 30 * time.Second

// NewDefaultHTTPClient creates a simple HTTP client with a timeout
func NewDefaultHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{
		Timeout: timeout,
	}
}

// NewBrowsingClient creates an HTTP client with a cookie jar, so image
// CDNs that set session cookies on the first request behave normally.
func NewBrowsingClient(timeout time.Duration) (*http.Client, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookie jar: %w", err)
	}

	return &http.Client{
		Jar:     jar,
		Timeout: timeout,
	}, nil
}
