package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want Level
	}{
		{"debug", DebugLevel},
		{"INFO", InfoLevel},
		{"warn", WarnLevel},
		{"error", ErrorLevel},
		{"verbose", InfoLevel},
		{"", InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLevel(tt.in), tt.in)
	}
}

func TestLevelFiltering(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	SetCore(core)
	t.Cleanup(func() { Init("error", "json") })

	Debug("hidden %d", 1)
	Info("hidden %d", 2)
	Warn("agent %s rejected", "pv1")
	Error("cycle at %s", "c1")

	entries := logs.All()
	require.Len(t, entries, 2)
	assert.Equal(t, "agent pv1 rejected", entries[0].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, "cycle at c1", entries[1].Message)
}
