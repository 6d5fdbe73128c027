package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := newLogger(AppConfig{LogLevel: "warn"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	log.Info().Msg("hidden")
	log.Warn().Str("game_id", "g1").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "g1", entry["game_id"])
	assert.Contains(t, entry, "time")
}

func TestLoggerDebugFlagWins(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := newLogger(AppConfig{LogLevel: "error", LogDebug: true}, &buf)
	require.NoError(t, err)
	log.Debug().Msg("visible")
	assert.Contains(t, buf.String(), "visible")
}

func TestLoggerFallsBackToInfo(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := newLogger(AppConfig{LogLevel: "loud"}, &buf)
	require.NoError(t, err)
	log.Debug().Msg("debug")
	log.Info().Msg("info")
	assert.NotContains(t, buf.String(), `"debug"`)
	assert.Contains(t, buf.String(), `"info"`)
}

func TestLoggerFileSink(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var buf bytes.Buffer
	log, closer, err := newLogger(AppConfig{LogLevel: "info", LogOutputDir: dir}, &buf)
	require.NoError(t, err)

	log.Info().Msg("to both")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(filepath.Join(dir, logFileName))
	require.NoError(t, err)
	assert.Contains(t, string(b), "to both")
	assert.Contains(t, buf.String(), "to both")
}

func TestLoggerDevConsole(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := newLogger(AppConfig{Dev: true}, &buf)
	require.NoError(t, err)
	log.Info().Msg("pretty")
	assert.Contains(t, buf.String(), "pretty")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())), "dev output is not JSON")
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := newLogger(AppConfig{LogLevel: "debug"}, &buf)
	require.NoError(t, err)

	h := middleware.RequestID(requestLogger(log)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		w.Write([]byte("short"))
	})))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/games/abc", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry))
	assert.Equal(t, "http request", entry["message"])
	assert.Equal(t, "/games/abc", entry["path"])
	assert.Equal(t, float64(http.StatusTeapot), entry["status"])
	assert.Equal(t, float64(5), entry["bytes"])
	assert.NotEmpty(t, entry["request_id"])
}
