package logx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRingBufferCapture(t *testing.T) {
	logger := NewLogger("ringtest")
	logger.Info("phase %s started", "phase_1")
	logger.Warn("guardrail tripped")

	entries := RecentEntries("ringtest", time.Time{})
	assert.GreaterOrEqual(t, len(entries), 2)

	last := entries[len(entries)-1]
	assert.Equal(t, "ringtest", last.Component)
	assert.Equal(t, "WARN", last.Level)
	assert.Equal(t, "guardrail tripped", last.Message)
}

func TestDebugSuppressedByDefault(t *testing.T) {
	SetDebug(false)
	logger := NewLogger("debugtest")
	logger.Debug("should not appear")

	entries := RecentEntries("debugtest", time.Time{})
	assert.Empty(t, entries)

	SetDebug(true)
	logger.Debug("now visible")
	entries = RecentEntries("debugtest", time.Time{})
	assert.Len(t, entries, 1)
	SetDebug(false)
}

func TestWrapNil(t *testing.T) {
	assert.NoError(t, Wrap(nil, "ignored"))
}

func TestWrapError(t *testing.T) {
	err := Wrap(assert.AnError, "db connect")
	assert.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "db connect")
}
