package pipeline

import (
	"context"
	"errors"
	"strings"
)

// ErrorClass categorizes stage failures for the TASK_ERROR payload.
type ErrorClass string

const (
	ErrorClassRateLimit ErrorClass = "RATE_LIMIT"
	ErrorClassTimeout   ErrorClass = "TIMEOUT"
	ErrorClassCancelled ErrorClass = "CANCELLED"
	ErrorClassExecution ErrorClass = "EXECUTION"
	ErrorClassUnknown   ErrorClass = "UNKNOWN"
)

// ClassifyError inspects an error for known patterns and returns the most
// specific class that matches.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassUnknown
	}
	if errors.Is(err, context.Canceled) {
		return ErrorClassCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	msg := strings.ToLower(err.Error())

	// Rate limit: 429, rate limit, quota exceeded, too many requests.
	if strings.Contains(msg, "429") ||
		strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "rate_limit") ||
		strings.Contains(msg, "quota") ||
		strings.Contains(msg, "too many requests") {
		return ErrorClassRateLimit
	}

	// Timeout: deadline exceeded, timeout, timed out.
	if strings.Contains(msg, "deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "timed out") {
		return ErrorClassTimeout
	}

	if strings.Contains(msg, "stopped by user") ||
		strings.Contains(msg, "cancelled") ||
		strings.Contains(msg, "canceled") {
		return ErrorClassCancelled
	}

	// Execution: the generated program failed to run cleanly.
	if strings.Contains(msg, "exit ") ||
		strings.Contains(msg, "execution failed") ||
		strings.Contains(msg, "traceback") {
		return ErrorClassExecution
	}

	return ErrorClassUnknown
}
