package reliability

import (
	"context"
	"errors"
	"net"
	"os"
	"strings"
	"time"
)

// Category labels a normalized upstream failure cause.
type Category string

const (
	CategoryAuthFailed   Category = "auth_failed"
	CategoryAccessDenied Category = "access_denied"
	CategoryRateLimited  Category = "rate_limited"
	CategoryUnavailable  Category = "service_unavailable"
	CategoryTimeout      Category = "network_timeout"
	CategoryUnknown      Category = "unknown"
)

// ClassifyTransportError maps low-level dial and socket failures onto a
// category with a human-readable message, replacing raw library errors.
func ClassifyTransportError(err error) (Category, string) {
	if err == nil {
		return CategoryUnknown, ""
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return CategoryTimeout, "connection timeout - check network connectivity"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return CategoryTimeout, "connection timeout - check network connectivity"
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "401"):
		return CategoryAuthFailed, "invalid API key or authentication failed"
	case strings.Contains(msg, "403"):
		return CategoryAccessDenied, "access denied - check API key permissions"
	case strings.Contains(msg, "429"):
		return CategoryRateLimited, "rate limit exceeded"
	case strings.Contains(msg, "500"), strings.Contains(msg, "502"), strings.Contains(msg, "503"):
		return CategoryUnavailable, "speech service temporarily unavailable"
	case strings.Contains(msg, "timeout"):
		return CategoryTimeout, "connection timeout - check network connectivity"
	default:
		return CategoryUnknown, err.Error()
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}
