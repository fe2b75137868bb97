package reliability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestClassifyTransportError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Category
	}{
		{"auth", errors.New("websocket: bad handshake: HTTP 401 Unauthorized"), CategoryAuthFailed},
		{"forbidden", errors.New("unexpected status 403"), CategoryAccessDenied},
		{"rate limited", errors.New("server returned 429 Too Many Requests"), CategoryRateLimited},
		{"bad gateway", errors.New("HTTP 502 Bad Gateway"), CategoryUnavailable},
		{"deadline", context.DeadlineExceeded, CategoryTimeout},
		{"timeout text", errors.New("dial tcp: i/o timeout"), CategoryTimeout},
		{"other", errors.New("connection refused"), CategoryUnknown},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, msg := ClassifyTransportError(tc.err)
			if got != tc.want {
				t.Fatalf("ClassifyTransportError(%v) = %q, want %q", tc.err, got, tc.want)
			}
			if msg == "" {
				t.Fatalf("message should not be empty for %v", tc.err)
			}
		})
	}
}

func TestClassifyTransportErrorWrapped(t *testing.T) {
	err := fmt.Errorf("dial realtime: %w", context.DeadlineExceeded)
	got, _ := ClassifyTransportError(err)
	if got != CategoryTimeout {
		t.Fatalf("wrapped deadline = %q, want %q", got, CategoryTimeout)
	}
}

func TestExponentialBackoffCaps(t *testing.T) {
	base := 100 * time.Millisecond
	cap := time.Second
	if got := ExponentialBackoff(0, base, cap); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(10, base, cap); got != cap {
		t.Fatalf("attempt 10 = %v, want cap %v", got, cap)
	}
}

func TestIsRetryableHTTPStatus(t *testing.T) {
	for _, code := range []int{429, 500, 502, 503, 504} {
		if !IsRetryableHTTPStatus(code) {
			t.Fatalf("status %d should be retryable", code)
		}
	}
	for _, code := range []int{200, 400, 401, 403, 404} {
		if IsRetryableHTTPStatus(code) {
			t.Fatalf("status %d should not be retryable", code)
		}
	}
}
