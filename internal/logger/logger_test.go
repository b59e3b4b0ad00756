package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestParseLogLevel verifies mapping from strings to zapcore.Level and handling of unknown values.
func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	cases := map[string]zapcore.Level{
		"debug": zapcore.DebugLevel,
		"info":  zapcore.InfoLevel,
		"warn":  zapcore.WarnLevel,
		"error": zapcore.ErrorLevel,
		"panic": zapcore.PanicLevel,
		"fatal": zapcore.FatalLevel,
	}
	for s, lvl := range cases {
		got, ok := ParseLogLevel(s)
		require.True(t, ok)
		require.Equal(t, lvl, got)
	}

	_, ok := ParseLogLevel("unknown")
	require.False(t, ok)
}

// TestContextLogger checks that loggers stored in a context pick up names and fields.
func TestContextLogger(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	ctx := ToContext(context.Background(), zap.New(core).Sugar())

	ctx = WithName(ctx, "coordinator")
	ctx = WithKV(ctx, "package", "com.example.app")

	InfoKV(ctx, "Install requested", "session_id", 7)

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, "coordinator", entries[0].LoggerName)
	require.Equal(t, "com.example.app", entries[0].ContextMap()["package"])
	require.EqualValues(t, 7, entries[0].ContextMap()["session_id"])
}

// TestFromContext_FallsBackToGlobal ensures a bare context yields the global logger.
func TestFromContext_FallsBackToGlobal(t *testing.T) {
	t.Parallel()

	require.Same(t, global, FromContext(context.Background()))
}

// TestConfigure rejects unknown levels and accepts empty input as a no-op.
func TestConfigure(t *testing.T) {
	t.Parallel()

	require.NoError(t, Configure(""))
	require.Error(t, Configure("verbose"))
}
