// ABOUTME: Tests for config parsing, env var expansion, duration handling,
// ABOUTME: defaulting, and validation.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfig = `
server:
  http_addr: ":8080"
database:
  path: "/tmp/dex.db"
auth:
  jwt_secret: "test-secret"
`

func TestParseMinimalConfigAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "/tmp/dex.db", cfg.Database.Path)
	assert.Equal(t, DefaultLivenessWindow, cfg.Agents.LivenessWindow)
	assert.Equal(t, DefaultSweepInterval, cfg.Agents.SweepInterval)
	assert.Equal(t, DefaultMaxRetries, cfg.Jobs.MaxRetries)
	assert.Equal(t, DefaultDownloadTimeout, cfg.Jobs.DownloadTimeout)
	assert.Equal(t, DefaultInstallTimeout, cfg.Jobs.InstallTimeout)
	assert.Equal(t, DefaultHoldPollInterval, cfg.Jobs.HoldPollInterval)
	assert.Equal(t, DefaultScheduleSweep, cfg.Scheduler.SweepInterval)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
}

func TestParseDurationStrings(t *testing.T) {
	cfg, err := Parse([]byte(`
server:
  http_addr: ":8080"
database:
  path: "/tmp/dex.db"
auth:
  jwt_secret: "test-secret"
agents:
  liveness_window: "45s"
  sweep_interval: "10s"
jobs:
  max_retries: 5
  download_timeout: "3m"
  install_timeout: "10m"
  verify_timeout: "1m"
  hold_poll_interval: "2s"
scheduler:
  sweep_interval: "30s"
  dispatch_timeout: "1m"
`))
	require.NoError(t, err)

	assert.Equal(t, 45*time.Second, cfg.Agents.LivenessWindow)
	assert.Equal(t, 10*time.Second, cfg.Agents.SweepInterval)
	assert.Equal(t, 5, cfg.Jobs.MaxRetries)
	assert.Equal(t, 3*time.Minute, cfg.Jobs.DownloadTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Jobs.InstallTimeout)
	assert.Equal(t, time.Minute, cfg.Jobs.VerifyTimeout)
	assert.Equal(t, 2*time.Second, cfg.Jobs.HoldPollInterval)
	assert.Equal(t, 30*time.Second, cfg.Scheduler.SweepInterval)
	assert.Equal(t, time.Minute, cfg.Scheduler.DispatchTimeout)
}

func TestParseInvalidDuration(t *testing.T) {
	_, err := Parse([]byte(`
server:
  http_addr: ":8080"
database:
  path: "/tmp/dex.db"
auth:
  jwt_secret: "test-secret"
agents:
  liveness_window: "fifteen seconds"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "liveness_window")
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("DEX_TEST_SECRET", "from-the-environment")

	cfg, err := Parse([]byte(`
server:
  http_addr: ":8080"
database:
  path: "/tmp/dex.db"
auth:
  jwt_secret: "${DEX_TEST_SECRET}"
`))
	require.NoError(t, err)
	assert.Equal(t, "from-the-environment", cfg.Auth.JWTSecret)
}

func TestUnsetEnvVarFailsValidation(t *testing.T) {
	// ${UNSET} expands to empty, and jwt_secret is required.
	os.Unsetenv("DEX_DEFINITELY_UNSET")
	_, err := Parse([]byte(`
server:
  http_addr: ":8080"
database:
  path: "/tmp/dex.db"
auth:
  jwt_secret: "${DEX_DEFINITELY_UNSET}"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "jwt_secret")
}

func TestValidateMissingFields(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "missing http_addr",
			yaml: "database:\n  path: x\nauth:\n  jwt_secret: s\n",
			want: "http_addr",
		},
		{
			name: "missing database path",
			yaml: "server:\n  http_addr: ':8080'\nauth:\n  jwt_secret: s\n",
			want: "database.path",
		},
		{
			name: "missing jwt_secret",
			yaml: "server:\n  http_addr: ':8080'\ndatabase:\n  path: x\n",
			want: "jwt_secret",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestValidateLivenessWindowMustExceedSweep(t *testing.T) {
	_, err := Parse([]byte(`
server:
  http_addr: ":8080"
database:
  path: "/tmp/dex.db"
auth:
  jwt_secret: "test-secret"
agents:
  liveness_window: "5s"
  sweep_interval: "5s"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "liveness_window")
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalConfig), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.HTTPAddr)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
