package logging

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"pathfinder/internal/config"
)

func TestNewAppliesConfiguredLevel(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "debug", Console: true})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.z.Core().Enabled(zapcore.DebugLevel))
	assert.NoError(t, logger.Sync())
}

func TestNewFallsBackToInfoOnInvalidLevel(t *testing.T) {
	logger, err := New(config.LoggingConfig{Level: "not-a-level"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.z.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, logger.z.Core().Enabled(zapcore.DebugLevel))
}

func TestContextRoundTripsLoggerAndTraceID(t *testing.T) {
	base := NewTestLogger()
	ctx, derived, traceID := WithTrace(context.Background(), base, "")
	assert.NotEmpty(t, traceID)
	assert.Equal(t, traceID, TraceIDFromContext(ctx))
	assert.Same(t, derived, LoggerFromContext(ctx))
}

func TestWithTracePreservesSuppliedTraceID(t *testing.T) {
	ctx, _, traceID := WithTrace(context.Background(), NewTestLogger(), "fixed-trace")
	assert.Equal(t, "fixed-trace", traceID)
	assert.Equal(t, "fixed-trace", TraceIDFromContext(ctx))
}

func TestLoggerFromContextFallsBackToGlobal(t *testing.T) {
	logger := LoggerFromContext(context.Background())
	assert.NotNil(t, logger)
	assert.Same(t, L(), logger)
}
