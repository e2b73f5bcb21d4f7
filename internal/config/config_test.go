package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "fileq.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
	assert.Equal(t, time.Second, cfg.Queue.ProcessingTimeout)
	assert.Equal(t, 3, cfg.Queue.MaxRetries)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
dir: /var/lib/fileq
queue:
  capacity: 1048576
  processing_timeout: 250ms
  max_retries: 5
watchdog:
  interval: 10s
  requeue: true
logger:
  level: debug
  format: json
metrics:
  addr: ":9102"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/fileq", cfg.Dir)
	assert.Equal(t, uint64(1048576), cfg.Queue.Capacity)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.ProcessingTimeout)
	assert.Equal(t, 5, cfg.Queue.MaxRetries)
	assert.True(t, cfg.Queue.Register, "unset fields keep their defaults")
	assert.Equal(t, 10*time.Second, cfg.Watchdog.Interval)
	assert.True(t, cfg.Watchdog.Requeue)
	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, ":9102", cfg.Metrics.Addr)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"malformed yaml", "queue: [unclosed"},
		{"zero timeout", "queue:\n  processing_timeout: 0s\n"},
		{"zero retries", "queue:\n  max_retries: 0\n"},
		{"bad level", "logger:\n  level: loud\n"},
		{"bad format", "logger:\n  format: xml\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestResolve_Precedence(t *testing.T) {
	path := writeConfig(t, `
queue:
  max_retries: 5
  processing_timeout: 2s
logger:
  level: warn
`)
	t.Setenv("FILEQ_MAX_RETRIES", "7")
	t.Setenv("FILEQ_LOG_LEVEL", "error")

	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)
	require.NoError(t, fs.Parse([]string{"--log-level=debug", "-d", "/tmp/q"}))

	require.NoError(t, cfg.Resolve(fs, path))

	assert.Equal(t, 7, cfg.Queue.MaxRetries, "env beats file")
	assert.Equal(t, 2*time.Second, cfg.Queue.ProcessingTimeout, "file beats default")
	assert.Equal(t, "debug", cfg.Logger.Level, "flag beats env")
	assert.Equal(t, "/tmp/q", cfg.Dir)
}

func TestApplyEnvOverrides_InvalidValue(t *testing.T) {
	t.Setenv("FILEQ_MAX_RETRIES", "many")

	cfg := Default()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	cfg.BindFlags(fs)

	err := ApplyEnvOverrides(fs, EnvPrefix)
	assert.ErrorContains(t, err, "FILEQ_MAX_RETRIES")
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "FILEQ_PROCESSING_TIMEOUT", EnvKey("fileq", "processing-timeout"))
	assert.Equal(t, "DIR", EnvKey(" ", "dir"))
}

func TestNewLogger(t *testing.T) {
	cfg := Default()
	cfg.Logger.Format = "json"

	var buf bytes.Buffer
	logger, err := cfg.NewLogger(&buf)
	require.NoError(t, err)

	logger.Info("hello")
	assert.Contains(t, buf.String(), `"msg":"hello"`)
}
