package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]zerolog.Level{
		"trace":    zerolog.TraceLevel,
		" DEBUG ":  zerolog.DebugLevel,
		"info":     zerolog.InfoLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"off":      zerolog.Disabled,
		"disabled": zerolog.Disabled,
	}
	for raw, expected := range cases {
		lvl, ok := ParseLevel(raw)
		assert.True(t, ok, raw)
		assert.Equal(t, expected, lvl, raw)
	}
	for _, raw := range []string{"", "loud"} {
		_, ok := ParseLevel(raw)
		assert.False(t, ok, raw)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvLogLevel, "debug")
	t.Setenv(EnvLogJSON, "true")
	t.Setenv(EnvLogNoColor, "bogus")

	cfg := DefaultConfig()
	ApplyEnv(&cfg)
	assert.Equal(t, zerolog.DebugLevel, cfg.Level)
	assert.True(t, cfg.JSON)
	assert.False(t, cfg.NoColor)
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: zerolog.WarnLevel, JSON: true, Out: &buf}, 3)
	logger.Info().Msg("hidden")
	logger.Warn().Str("peer", "2").Msg("slow neighbor")

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "slow neighbor", entry["message"])
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, float64(3), entry["rank"])
	assert.Equal(t, "ringtrain", entry["app"])
}

func TestNewConsole(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: zerolog.InfoLevel, NoColor: true, Out: &buf}, 0)
	logger.Info().Msg("joining ring")
	assert.Contains(t, buf.String(), "joining ring")
	assert.Contains(t, buf.String(), "rank=0")
}
