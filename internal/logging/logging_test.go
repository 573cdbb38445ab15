package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProductionLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "warn", "production", "ctmeter")

	logger.Info().Msg("dropped")
	logger.Warn().Str("request_id", "r1").Msg("kept")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "kept", line["message"])
	assert.Equal(t, "ctmeter", line["service"])
	assert.Equal(t, "production", line["environment"])
	assert.Equal(t, "r1", line["request_id"])
}

func TestUnknownLevelFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "loud", "production", "ctmeter")
	assert.Equal(t, zerolog.InfoLevel, logger.GetLevel())
}

func TestDevelopmentLoggerIsHumanReadable(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter(&buf, "debug", "development", "ctmeter")
	logger.Debug().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}
