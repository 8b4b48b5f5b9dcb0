package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogger(t *testing.T, component string) (*Logger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	sl := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(component, WithSlog(sl)), &buf
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestLogger_AttachesComponent(t *testing.T) {
	logger, buf := captureLogger(t, "rest")

	logger.Info("server listening", "port", 8080)

	entry := lastLine(t, buf)
	assert.Equal(t, "server listening", entry["msg"])
	assert.Equal(t, "rest", entry["component"])
	assert.Equal(t, float64(8080), entry["port"])
}

func TestLogger_ErrorAttachesCause(t *testing.T) {
	logger, buf := captureLogger(t, "natsx")

	logger.Error("publish failed", assert.AnError, "subject", "service.echo.request")

	entry := lastLine(t, buf)
	assert.Equal(t, "ERROR", entry["level"])
	assert.Contains(t, entry["error"], "assert.AnError")
	assert.Equal(t, "service.echo.request", entry["subject"])
}

func TestLogger_ErrorWithoutCause(t *testing.T) {
	logger, buf := captureLogger(t, "mcp")

	logger.Error("stream closed", nil)

	entry := lastLine(t, buf)
	assert.Equal(t, "stream closed", entry["msg"])
	_, hasErr := entry["error"]
	assert.False(t, hasErr)
}

func TestLogger_With_SharesSinks(t *testing.T) {
	logger, buf := captureLogger(t, "server")

	sub := logger.With("server.websocket")
	sub.Debug("frame received")

	entry := lastLine(t, buf)
	assert.Equal(t, "server.websocket", entry["component"])
}

func TestNop_DiscardsEverything(t *testing.T) {
	// Must not panic and must not publish anywhere.
	logger := Nop()
	logger.Debug("dropped")
	logger.Info("dropped")
	logger.Warn("dropped")
	logger.Error("dropped", assert.AnError)
}

func TestEntry_WireShape(t *testing.T) {
	entry := Entry{
		Timestamp: "2026-01-02T15:04:05.999999999Z",
		Level:     LevelWarn,
		Component: "natsclient",
		Message:   "reconnecting",
	}
	data, err := json.Marshal(entry)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"timestamp": "2026-01-02T15:04:05.999999999Z",
		"level": "WARN",
		"component": "natsclient",
		"message": "reconnecting"
	}`, string(data))
}
