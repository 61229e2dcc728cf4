package websocket

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

// P4: an out-of-range application close code is clamped to NoStatusReceived
// and the reason is dropped entirely, never partially encoded.
func TestClampCloseRejectsOutOfRangeCode(t *testing.T) {
	code, reason := clampClose(500, "whatever")
	assert.Equal(t, NoStatusReceived, code)
	assert.Empty(t, reason)

	code, reason = clampClose(5000, "whatever")
	assert.Equal(t, NoStatusReceived, code)
	assert.Empty(t, reason)
}

func TestClampCloseAcceptsInRangeCode(t *testing.T) {
	code, reason := clampClose(1000, "bye")
	assert.Equal(t, NormalClosure, code)
	assert.Equal(t, "bye", reason)
}

// P5: a reason longer than the 123-byte wire budget is truncated without
// splitting a multi-byte UTF-8 rune.
func TestClampCloseTruncatesReasonOnUTF8Boundary(t *testing.T) {
	reason := strings.Repeat("a", maxCloseReasonBytes-1) + "é" // 2-byte rune
	_, got := clampClose(1000, reason)
	assert.LessOrEqual(t, len(got), maxCloseReasonBytes)
	assert.Equal(t, strings.Repeat("a", maxCloseReasonBytes-1), got)
}

func TestTruncateUTF8NoopWhenShortEnough(t *testing.T) {
	assert.Equal(t, "short", truncateUTF8("short", 100))
}

func TestValidCloseRangeBounds(t *testing.T) {
	assert.False(t, validCloseRange(999))
	assert.True(t, validCloseRange(1000))
	assert.True(t, validCloseRange(4999))
	assert.False(t, validCloseRange(5000))
}
