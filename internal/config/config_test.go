package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultAddr, cfg.Server.Addr)
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "modelserver.toml", `
[server]
addr = "127.0.0.1:9000"
shutdown_timeout = "3s"
cors_origins = ["http://localhost:3000"]

[engine]
name = "onnx"
onnx_library = "/usr/lib/libonnxruntime.so"
onnx_allow_paths = true

[log]
level = "debug"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 3*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 10*time.Second, cfg.Server.ReadHeaderTimeout)
	assert.Equal(t, []string{"http://localhost:3000"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "onnx", cfg.Engine.Name)
	assert.Equal(t, "/usr/lib/libonnxruntime.so", cfg.Engine.ONNXLibrary)
	assert.True(t, cfg.Engine.ONNXAllowPaths)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "modelserver.yaml", `
server:
  addr: ":4675"
  read_header_timeout: 2s
log:
  format: text
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":4675", cfg.Server.Addr)
	assert.Equal(t, 2*time.Second, cfg.Server.ReadHeaderTimeout)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, DefaultEngine, cfg.Engine.Name)
	assert.False(t, cfg.Engine.ONNXAllowPaths)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeFile(t, "modelserver.yml", "engine:\n  name: onnx\n")
	t.Setenv("MODELSERVER_ENGINE", "keras")
	t.Setenv("MODELSERVER_ADDR", "0.0.0.0:8080")
	t.Setenv("MODELSERVER_LOG_LEVEL", " warn ")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "keras", cfg.Engine.Name)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(writeFile(t, "modelserver.json", `{}`))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)

	_, err = Load(writeFile(t, "bad.toml", "[server\naddr = 1"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "log:\n  level: loud\n  format: xml\n"))
	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.Len(t, verrs, 2)
	assert.Contains(t, err.Error(), `unsupported log level "loud"`)
}
