package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "capability-server", cfg.Directory.ServiceName)
	assert.Equal(t, 10*time.Second, cfg.Directory.HeartbeatInterval)
	assert.Equal(t, 3, cfg.Directory.FailuresToUnhealthy)
	assert.Equal(t, 1536, cfg.Embedding.Dimensions)
	assert.Equal(t, 30*time.Second, cfg.Dispatcher.DefaultTimeout)
	assert.Equal(t, 1500*time.Millisecond, cfg.Selector.Timeout)
	assert.Equal(t, 4, cfg.Discovery.IndexWorkers)
	assert.Equal(t, "info", cfg.Telemetry.LogLevel)
}

func TestFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9100
selector:
  min_results: 3
discovery:
  module_scan:
    roots: ["./capabilities"]
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Selector.MinResults)
	require.NotNil(t, cfg.Discovery.ModuleScan)
	assert.Equal(t, []string{"./capabilities"}, cfg.Discovery.ModuleScan.Roots)
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9100\n"), 0o644))
	t.Setenv("SERVICE_PORT", "9200")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9200, cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Telemetry.LogLevel)
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Server.Port = 70000 }},
		{"deregister below heartbeat", func(c *Config) {
			c.Directory.DeregisterAfter = c.Directory.HeartbeatInterval
		}},
		{"zero dimensions", func(c *Config) { c.Embedding.Dimensions = 0 }},
		{"module scan without roots", func(c *Config) {
			c.Discovery.ModuleScan = &ModuleScanConfig{}
		}},
		{"remote manifest without url", func(c *Config) {
			c.Discovery.RemoteManifest = &RemoteManifestConfig{}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load("")
			require.NoError(t, err)
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestMissingConfigFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.Server.Port)
}
