package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/John-Progr/MAITRE-DTs/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"INFO":    zerolog.InfoLevel,
		"warning": zerolog.WarnLevel,
		"error":   zerolog.ErrorLevel,
		"":        zerolog.InfoLevel,
		"verbose": zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}

func TestWriter_JSONToStderrOnly(t *testing.T) {
	var buf bytes.Buffer
	w := writer(config.LoggingConfig{Format: "json"}, &buf)

	l := zerolog.New(w)
	l.Info().Msg("hello")
	assert.Contains(t, buf.String(), `"message":"hello"`)
}

func TestWriter_AlsoWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.log")
	var buf bytes.Buffer
	w := writer(config.LoggingConfig{Format: "json", File: path}, &buf)

	l := zerolog.New(w)
	l.Info().Str("device_id", "pi04").Msg("online")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"device_id":"pi04"`)
	assert.Contains(t, buf.String(), `"device_id":"pi04"`)
}
