// File: internal/stack/retry.go
// Brief: Retry classification and backoff.

package stack

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"strings"
	"time"

	"github.com/aws/smithy-go"
)

func classifyError(err error) string {
	if err == nil {
		return ""
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "Throttling", "ThrottlingException", "RequestLimitExceeded", "TooManyRequestsException":
			return "RATE_LIMIT"
		case "RequestTimeout", "RequestTimeoutException":
			return "TIMEOUT"
		case "ServiceUnavailable", "ServiceUnavailableException", "InternalFailure", "InternalServiceError":
			return "UNAVAILABLE"
		case "OperationInProgressException", "ConditionalCheckFailedException":
			return "CONFLICT"
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return "SERVER_5XX"
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "TIMEOUT"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "TIMEOUT"
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return "RATE_LIMIT"
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "context deadline exceeded"):
		return "TIMEOUT"
	case strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") || strings.Contains(msg, "eof"):
		return "TRANSPORT"
	case strings.Contains(msg, "temporarily unavailable"):
		return "UNAVAILABLE"
	case strings.Contains(msg, "_in_progress state"):
		// Another operation holds the stack; it clears on its own.
		return "CONFLICT"
	default:
		return "OTHER"
	}
}

func isRetryableClass(class string) bool {
	switch class {
	case "RATE_LIMIT", "TIMEOUT", "TRANSPORT", "UNAVAILABLE", "SERVER_5XX", "CONFLICT":
		return true
	default:
		return false
	}
}

func retryBackoff(attempt int) time.Duration {
	// attempt is 1-based.
	base := 800 * time.Millisecond
	if attempt <= 1 {
		return jitter(base)
	}
	d := base * time.Duration(1<<uint(min(attempt-1, 6)))
	if d > 20*time.Second {
		d = 20 * time.Second
	}
	return jitter(d)
}

func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	// +/- 20%
	f := 0.8 + rand.Float64()*0.4
	return time.Duration(float64(d) * f)
}
