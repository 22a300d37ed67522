package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger_Levels(t *testing.T) {
	prod, err := NewLogger("prod")
	require.NoError(t, err)
	assert.False(t, prod.Core().Enabled(zapcore.DebugLevel))

	dev, err := NewLogger("dev")
	require.NoError(t, err)
	assert.True(t, dev.Core().Enabled(zapcore.DebugLevel))
}

func TestKVLogFunc(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	logFn := KVLogFunc(zap.New(core).Sugar())

	logFn("Failing over to fallback store", "reason", "primary_unavailable")

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "Failing over to fallback store", entries[0].Message)
	assert.Equal(t, "kv", entries[0].LoggerName)
	assert.Equal(t, "primary_unavailable", entries[0].ContextMap()["reason"])
}
