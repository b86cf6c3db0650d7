// Package guard provides validation, sanitization, and limits for the leaseq package.
package guard

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/cmeadows/leaseq/pkg/core"
)

// Limits enforced on producer input.
const (
	// MaxHandlerNameLength is the maximum length for handler names
	MaxHandlerNameLength = 255

	// MaxPayloadSize is the maximum size in bytes for task payloads (1MB)
	MaxPayloadSize = 1 << 20

	// MaxAttemptsCeiling is the hard limit for attempt counts
	MaxAttemptsCeiling = 100

	// MaxConcurrency is the hard limit for worker concurrency
	MaxConcurrency = 1000

	// MaxFailureReasonLength is the maximum length for stored failure reasons
	MaxFailureReasonLength = 4096

	// MaxQueueNameLength is the maximum length for queue names
	MaxQueueNameLength = 255
)

// validName matches alphanumeric, hyphens, underscores, and dots
var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateHandlerName validates a handler type name
func ValidateHandlerName(name string) error {
	if name == "" {
		return core.ErrInvalidHandlerName
	}
	if len(name) > MaxHandlerNameLength {
		return core.ErrHandlerNameTooLong
	}
	if !validName.MatchString(name) {
		return core.ErrInvalidHandlerName
	}
	return nil
}

// ValidateQueueName validates a queue name
func ValidateQueueName(name string) error {
	if name == "" {
		return core.ErrInvalidQueueName
	}
	if len(name) > MaxQueueNameLength {
		return core.ErrQueueNameTooLong
	}
	if !validName.MatchString(name) {
		return core.ErrInvalidQueueName
	}
	return nil
}

// SanitizeFailureReason truncates and sanitizes failure reasons before they
// are persisted to the dead-letter store.
func SanitizeFailureReason(msg string) string {
	if msg == "" {
		return ""
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	// Truncate if too long
	if utf8.RuneCountInString(result) > MaxFailureReasonLength {
		runes := []rune(result)
		result = string(runes[:MaxFailureReasonLength-3]) + "..."
	}

	return result
}

// ClampAttempts ensures a max-attempts setting is within limits
func ClampAttempts(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxAttemptsCeiling {
		return MaxAttemptsCeiling
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}
