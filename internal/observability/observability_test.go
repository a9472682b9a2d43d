package observability

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_JSON(t *testing.T) {
	var buf bytes.Buffer
	lg := newLogger(&buf, "info", false)
	lg.Debug("hidden")
	lg.Info("handshake", "imei", "123456789012345")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "handshake", entry["msg"])
	assert.Equal(t, "123456789012345", entry["imei"])
	assert.Equal(t, "avl-svr", entry["app"])
	assert.Contains(t, entry, "ts")
}

func TestNewLogger_Console(t *testing.T) {
	var buf bytes.Buffer
	lg := newLogger(&buf, "debug", true)
	lg.Debug("frame", "bytes", 12)
	assert.Contains(t, buf.String(), "frame")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel(" error "))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestMetricsHandler(t *testing.T) {
	RecordsAck.Add(3)
	srv := httptest.NewServer(NewMetricsHandler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))

	resp, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "avl_records_ack_total")
}
