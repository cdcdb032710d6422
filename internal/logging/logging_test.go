package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestInit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = zapcore.DebugLevel

	log, level, err := Init(&cfg)
	require.NoError(t, err)
	require.NotNil(t, log)
	require.Equal(t, zapcore.DebugLevel, level.Level())

	level.SetLevel(zapcore.WarnLevel)
	require.False(t, log.Desugar().Core().Enabled(zapcore.InfoLevel))
}

func TestInitJSON(t *testing.T) {
	cfg := Config{Level: zapcore.InfoLevel, Encoding: "json"}

	_, _, err := Init(&cfg)
	require.NoError(t, err)
}

func TestInitUnknownEncoding(t *testing.T) {
	cfg := Config{Level: zapcore.InfoLevel, Encoding: "xml"}

	_, _, err := Init(&cfg)
	require.Error(t, err)
}
