package logger

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observed(level zapcore.Level) (Logger, *observer.ObservedLogs) {
	core, logs := observer.New(level)
	return NewZapAdapter(zap.New(core)), logs
}

func TestFields_AreStructured(t *testing.T) {
	log, logs := observed(zapcore.InfoLevel)

	log.WithFields(map[string]interface{}{"component": "gateway"}).
		Info("download resolved", map[string]interface{}{"fileKey": "P1/a.zip", "error": errors.New("slow")})

	require.Equal(t, 1, logs.Len())
	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, "gateway", ctx["component"])
	assert.Equal(t, "P1/a.zip", ctx["fileKey"])
	assert.Equal(t, "slow", ctx["error"])
}

func TestFields_RedactCredentials(t *testing.T) {
	log, logs := observed(zapcore.DebugLevel)

	log.Debug("issued", map[string]interface{}{
		"token":         "dl_abc123",
		"Authorization": "Bearer eyJ",
		"tokenId":       "digest",
	})

	ctx := logs.All()[0].ContextMap()
	assert.Equal(t, redacted, ctx["token"])
	assert.Equal(t, redacted, ctx["Authorization"])
	assert.Equal(t, "digest", ctx["tokenId"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("warn"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestLevelFiltering(t *testing.T) {
	log, logs := observed(zapcore.WarnLevel)
	log.Info("dropped", nil)
	log.Warn("kept", nil)
	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "kept", logs.All()[0].Message)
}
