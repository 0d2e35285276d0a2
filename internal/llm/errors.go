package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrTimeout means the call exceeded its deadline.
	ErrTimeout = errors.New("ai request timed out")
	// ErrMalformed means the service answered with something unusable.
	ErrMalformed = errors.New("ai response malformed")
	// ErrUnreachable covers transport failures and error statuses.
	ErrUnreachable = errors.New("ai service unreachable")
)

// ErrorType categorizes provider errors from their message text.
type ErrorType string

const (
	ErrorTypeUnknown    ErrorType = "unknown"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeOverloaded ErrorType = "overloaded"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeFormat     ErrorType = "format"
)

// ClassifyError determines the error type from an error message.
// Returns ErrorTypeUnknown if the error doesn't match any known pattern.
func ClassifyError(msg string) ErrorType {
	if msg == "" {
		return ErrorTypeUnknown
	}
	// Check in order of specificity
	if IsRateLimitMessage(msg) {
		return ErrorTypeRateLimit
	}
	if IsOverloadedMessage(msg) {
		return ErrorTypeOverloaded
	}
	if IsAuthMessage(msg) {
		return ErrorTypeAuth
	}
	if IsTimeoutMessage(msg) {
		return ErrorTypeTimeout
	}
	if IsFormatMessage(msg) {
		return ErrorTypeFormat
	}
	return ErrorTypeUnknown
}

// classify wraps a provider error in one of the package sentinels.
func classify(provider string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrMalformed) || errors.Is(err, ErrUnreachable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", provider, ErrTimeout)
	}
	switch ClassifyError(err.Error()) {
	case ErrorTypeTimeout:
		return fmt.Errorf("%s: %w: %v", provider, ErrTimeout, err)
	case ErrorTypeFormat:
		return fmt.Errorf("%s: %w: %v", provider, ErrMalformed, err)
	default:
		return fmt.Errorf("%s: %w: %v", provider, ErrUnreachable, err)
	}
}

// IsRateLimitMessage checks if a message indicates rate limiting.
func IsRateLimitMessage(msg string) bool {
	lower := strings.ToLower(msg)

	// HTTP 429
	if strings.Contains(lower, "429") {
		return true
	}

	return strings.Contains(lower, "rate_limit") ||
		strings.Contains(lower, "rate limit") ||
		strings.Contains(lower, "too many requests") ||
		strings.Contains(lower, "quota exceeded") ||
		strings.Contains(lower, "requests per minute")
}

// IsOverloadedMessage checks if a message indicates the service is overloaded.
func IsOverloadedMessage(msg string) bool {
	lower := strings.ToLower(msg)

	// HTTP 503
	if strings.Contains(lower, "503") && (strings.Contains(lower, "service") || strings.Contains(lower, "unavailable")) {
		return true
	}

	return strings.Contains(lower, "overloaded") ||
		strings.Contains(lower, "server is busy") ||
		strings.Contains(lower, "temporarily unavailable")
}

// IsAuthMessage checks if a message indicates authentication failure.
func IsAuthMessage(msg string) bool {
	lower := strings.ToLower(msg)

	// HTTP 401, 403
	if strings.Contains(lower, "401") || strings.Contains(lower, "403") {
		return true
	}

	return strings.Contains(lower, "invalid api key") ||
		strings.Contains(lower, "invalid_api_key") ||
		strings.Contains(lower, "unauthorized") ||
		strings.Contains(lower, "forbidden")
}

// IsTimeoutMessage checks if a message indicates a timeout.
func IsTimeoutMessage(msg string) bool {
	lower := strings.ToLower(msg)

	// HTTP 408, 504
	if strings.Contains(lower, "408") || strings.Contains(lower, "504") {
		return true
	}

	return strings.Contains(lower, "timeout") ||
		strings.Contains(lower, "timed out") ||
		strings.Contains(lower, "deadline exceeded")
}

// IsFormatMessage checks if a message indicates an unusable response body.
func IsFormatMessage(msg string) bool {
	lower := strings.ToLower(msg)

	return strings.Contains(lower, "malformed") ||
		strings.Contains(lower, "invalid character") ||
		strings.Contains(lower, "unexpected end of json input") ||
		strings.Contains(lower, "cannot unmarshal")
}
