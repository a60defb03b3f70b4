package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitialize_SilentWithoutLevel(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "")
	require.NoError(t, Initialize(""))

	assert.False(t, GetLogger().Core().Enabled(zapcore.ErrorLevel))
}

func TestInitialize_FromEnv(t *testing.T) {
	t.Setenv(LogLevelEnvVar, "warn")
	require.NoError(t, InitializeFromEnv())
	t.Cleanup(func() { SetLogger(nil) })

	l := GetLogger()
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("warning"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("verbose"))
}

func TestLogTransition(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	LogTransition(zap.New(core), "hob-1", "ONLINE", "RECONNECTING", "timeout")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "hob-1", fields["device"])
	assert.Equal(t, "ONLINE", fields["from"])
	assert.Equal(t, "RECONNECTING", fields["to"])
}

func TestLogRawBytes(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetLogger(zap.New(core))
	t.Cleanup(func() { SetLogger(nil) })

	LogRawBytes("payload", []byte{'o', 'k', 0x00})

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "6f6b00", fields["hex"])
	assert.Equal(t, "ok.", fields["ascii"])
}

func TestDumps_Truncate(t *testing.T) {
	data := make([]byte, maxDumpBytes+10)
	assert.Len(t, hexDump(data), maxDumpBytes*2+3)
	assert.Len(t, asciiDump(data), maxDumpBytes)
	assert.Empty(t, hexDump(nil))
}
