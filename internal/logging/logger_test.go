package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDefaultConfigIsValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	logger, err := New(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Format = "xml"
	assert.Error(t, cfg.Validate())

	cfg = NewDefaultConfig()
	cfg.Output = OutputConfig{}
	assert.Error(t, cfg.Validate())
}

func TestNewSkipsOTELWithoutProvider(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output = OutputConfig{Stdout: true, OTEL: true}

	logger, err := New(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestNewFailsWhenOnlyOTELAndNoProvider(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Output = OutputConfig{OTEL: true}

	_, err := New(cfg, nil)
	assert.Error(t, err)
}

func TestNewAddsConstantFields(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Fields = map[string]string{"service": "crucible"}

	logger, err := New(cfg, nil)
	require.NoError(t, err)
	assert.NotNil(t, logger)
}

func TestLevelFromString(t *testing.T) {
	l, err := LevelFromString("debug")
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, l)

	_, err = LevelFromString("shout")
	assert.Error(t, err)
}
