package guard

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cmeadows/leaseq/pkg/core"
)

func TestValidateHandlerName(t *testing.T) {
	assert.NoError(t, ValidateHandlerName("send_email"))
	assert.NoError(t, ValidateHandlerName("resize-image.v2"))

	assert.ErrorIs(t, ValidateHandlerName(""), core.ErrInvalidHandlerName)
	assert.ErrorIs(t, ValidateHandlerName("9starts-with-digit"), core.ErrInvalidHandlerName)
	assert.ErrorIs(t, ValidateHandlerName("has space"), core.ErrInvalidHandlerName)
	assert.ErrorIs(t, ValidateHandlerName("semi;colon"), core.ErrInvalidHandlerName)
	assert.ErrorIs(t, ValidateHandlerName(strings.Repeat("a", 256)), core.ErrHandlerNameTooLong)
}

func TestValidateQueueName(t *testing.T) {
	assert.NoError(t, ValidateQueueName("default"))
	assert.NoError(t, ValidateQueueName("critical-emails"))

	assert.ErrorIs(t, ValidateQueueName(""), core.ErrInvalidQueueName)
	assert.ErrorIs(t, ValidateQueueName("drop table"), core.ErrInvalidQueueName)
	assert.ErrorIs(t, ValidateQueueName(strings.Repeat("q", 256)), core.ErrQueueNameTooLong)
}

func TestSanitizeFailureReason(t *testing.T) {
	assert.Equal(t, "", SanitizeFailureReason(""))
	assert.Equal(t, "plain message", SanitizeFailureReason("plain message"))
	assert.Equal(t, "line1\nline2", SanitizeFailureReason("line1\nline2"))

	// Control characters are stripped, not escaped.
	assert.Equal(t, "ab", SanitizeFailureReason("a\x00b"))

	long := strings.Repeat("x", MaxFailureReasonLength+100)
	got := SanitizeFailureReason(long)
	assert.Len(t, got, MaxFailureReasonLength)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestClampAttempts(t *testing.T) {
	assert.Equal(t, 0, ClampAttempts(-5))
	assert.Equal(t, 0, ClampAttempts(0))
	assert.Equal(t, 7, ClampAttempts(7))
	assert.Equal(t, MaxAttemptsCeiling, ClampAttempts(10_000))
}

func TestClampConcurrency(t *testing.T) {
	assert.Equal(t, 1, ClampConcurrency(0))
	assert.Equal(t, 1, ClampConcurrency(-1))
	assert.Equal(t, 64, ClampConcurrency(64))
	assert.Equal(t, MaxConcurrency, ClampConcurrency(99_999))
}
