package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "avl-svr.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := writeConfig(t, `
tcp_port = "5027"
redis_addr = "redis:6379"
max_frame_len = 1280
idle_timeout = "90s"
allow_unknown_imei = false
proxy_addr = "proxy:7000"
`)
	t.Setenv("TCP_PORT", "6000")
	t.Setenv("MAX_CONSECUTIVE_FAILURES", "3")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "6000", cfg.TCPPort)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, uint32(1280), cfg.MaxFrameLen)
	assert.Equal(t, 90*time.Second, cfg.IdleTimeout)
	assert.False(t, cfg.AllowUnknownIMEI)
	assert.Equal(t, "proxy:7000", cfg.ProxyAddr)
	assert.Equal(t, 3, cfg.MaxConsecutiveFailures)
	assert.Equal(t, "9000", cfg.MetricsPort)
}

func TestLoad_EmptyEnvDisablesSinks(t *testing.T) {
	t.Setenv("GRPC_SERVER", "")
	t.Setenv("REDIS_ADDR", "")
	t.Setenv("TCP_PORT", "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.GRPCServer)
	assert.Empty(t, cfg.RedisAddr)
	assert.Equal(t, "8001", cfg.TCPPort, "empty non-sink vars keep the default")
}

func TestLoad_BadEnv(t *testing.T) {
	t.Setenv("MAX_FRAME_LEN", "big")
	t.Setenv("IDLE_TIMEOUT", "soon")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_FRAME_LEN")
	assert.Contains(t, err.Error(), "IDLE_TIMEOUT")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.MaxFrameLen = 2
	cfg.MaxConsecutiveFailures = -1
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_frame_len")
	assert.Contains(t, err.Error(), "max_consecutive_failures")

	cfg = Defaults()
	cfg.RedisAddr = ""
	cfg.AllowUnknownIMEI = false
	require.Error(t, cfg.Validate())
}
