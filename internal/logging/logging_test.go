package logging

import (
	"log/slog"
	"testing"

	"gotest.tools/v3/assert"
)

func TestParseLevelKnownNames(t *testing.T) {
	cases := map[string]slog.Level{
		"trace":    LevelTrace,
		"debug":    slog.LevelDebug,
		"info":     slog.LevelInfo,
		"notice":   LevelNotice,
		"warning":  slog.LevelWarn,
		"error":    slog.LevelError,
		"critical": LevelCritical,
	}
	for name, want := range cases {
		assert.Equal(t, ParseLevel(name), want)
	}
}

func TestParseLevelUnknownFallsBackToInfo(t *testing.T) {
	assert.Equal(t, ParseLevel("bogus"), slog.LevelInfo)
	assert.Equal(t, ParseLevel(""), slog.LevelInfo)
}

func TestLevelOrderingTraceBelowDebugBelowNoticeBelowCritical(t *testing.T) {
	assert.Assert(t, LevelTrace < slog.LevelDebug)
	assert.Assert(t, slog.LevelInfo < LevelNotice)
	assert.Assert(t, LevelNotice < slog.LevelWarn)
	assert.Assert(t, slog.LevelError < LevelCritical)
}
