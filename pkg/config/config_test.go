package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("FLEET_MANAGED_ENABLED", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.APIHost)
	assert.Equal(t, 8090, cfg.APIPort)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, "java", cfg.Managed.JavaPath)
	assert.Equal(t, "2048M", cfg.Managed.MaxHeap)
	assert.Equal(t, 2154, cfg.Managed.Port)
	assert.Equal(t, 0, cfg.Managed.MaxRestarts)
	assert.True(t, cfg.Managed.AutoUpdate)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("FLEET_MANAGED_ENABLED", "true")
	t.Setenv("FLEET_API_PORT", "9000")
	t.Setenv("FLEET_MANAGED_START_TIMEOUT", "45s")
	t.Setenv("FLEET_MANAGED_MAX_RESTARTS", "5")
	t.Setenv("FLEET_LOG_JSON", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.APIPort)
	assert.Equal(t, 45*time.Second, cfg.Managed.StartTimeout)
	assert.Equal(t, 5, cfg.Managed.MaxRestarts)
	assert.False(t, cfg.LogJSON)
}

func TestLoadInvalidValuesFallBack(t *testing.T) {
	t.Setenv("FLEET_MANAGED_ENABLED", "true")
	t.Setenv("FLEET_API_PORT", "not-a-port")
	t.Setenv("FLEET_SHUTDOWN_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8090, cfg.APIPort)
	assert.Equal(t, 30*time.Second, cfg.ShutdownTimeout)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:    "no nodes at all",
			mutate:  func(c *Config) {},
			wantErr: true,
		},
		{
			name:   "managed only",
			mutate: func(c *Config) { c.Managed.Enabled = true },
		},
		{
			name: "external with password",
			mutate: func(c *Config) {
				c.External.Host = "lava.example.com"
				c.External.Password = "secret"
			},
		},
		{
			name: "external without password",
			mutate: func(c *Config) {
				c.External.Host = "lava.example.com"
			},
			wantErr: true,
		},
		{
			name: "managed with empty password",
			mutate: func(c *Config) {
				c.Managed.Enabled = true
				c.Managed.Password = ""
			},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{Managed: ManagedConfig{Password: "pw"}}
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManagedPaths(t *testing.T) {
	m := ManagedConfig{DownloadDir: "/var/lib/soundmesh"}
	assert.Equal(t, filepath.Join("/var/lib/soundmesh", "Lavalink.jar"), m.ArtifactPath())
	assert.Equal(t, filepath.Join("/var/lib/soundmesh", "application.yml"), m.AppConfigPath())
}

func TestBootstrapPathOverride(t *testing.T) {
	t.Setenv("FLEET_YAML_CONFIG", "/etc/soundmesh/fleet.yaml")
	assert.Equal(t, "/etc/soundmesh/fleet.yaml", BootstrapPath())
}

func TestWriteBootstrapFile(t *testing.T) {
	t.Setenv("FLEET_MANAGED_ENABLED", "true")
	t.Setenv("FLEET_EXTERNAL_HOST", "lava.example.com")
	t.Setenv("FLEET_EXTERNAL_PASSWORD", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "conf", "soundmesh.yaml")
	require.NoError(t, cfg.WriteBootstrapFile(path))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(raw, &doc))
	assert.Equal(t, true, doc["FLEET_MANAGED_ENABLED"])
	assert.Equal(t, "lava.example.com", doc["FLEET_EXTERNAL_HOST"])
	assert.Equal(t, "secret", doc["FLEET_EXTERNAL_PASSWORD"])
	// Unset optional values stay out of the rendered file.
	assert.NotContains(t, doc, "FLEET_DATABASE_URL")
	assert.NotContains(t, doc, "FLEET_TELEMETRY_DSN")

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}
