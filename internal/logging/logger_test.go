package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLoggerWritesKeyValues(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	SetBase(zap.New(core))
	t.Cleanup(func() { SetBase(zap.NewNop()) })

	log := NewLogger("Processor")
	log.Info("Job completed", "jobId", "j-1", "created", 3)
	log.With("jobId", "j-2").Warn("Skipping voter", "epic", "AB1")
	log.Debug("noise")

	entries := logs.All()
	require.Len(t, entries, 3)

	assert.Equal(t, "Processor", entries[0].LoggerName)
	assert.Equal(t, "Job completed", entries[0].Message)
	assert.Equal(t, zapcore.InfoLevel, entries[0].Level)
	assert.Equal(t, "j-1", entries[0].ContextMap()["jobId"])
	assert.EqualValues(t, 3, entries[0].ContextMap()["created"])

	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "j-2", entries[1].ContextMap()["jobId"])
	assert.Equal(t, "AB1", entries[1].ContextMap()["epic"])
}

func TestInit(t *testing.T) {
	t.Cleanup(func() { SetBase(zap.NewNop()) })

	l, err := Init("debug", "console")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = Init("warn", "json")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))

	_, err = Init("loud", "json")
	assert.Error(t, err)

	_, err = Init("info", "xml")
	assert.Error(t, err)
}
