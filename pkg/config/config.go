// Package config provides environment-based configuration for the fleet daemon.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the fleet daemon.
type Config struct {
	// Admin API
	APIHost string
	APIPort int

	// Logging
	LogLevel string
	LogJSON  bool

	// ClientID identifies this client to the nodes during the handshake.
	ClientID string

	// Store configuration
	DatabaseDSN string

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration

	// Registry configuration
	Registry RegistryConfig

	// Managed node supervisor configuration
	Managed ManagedConfig

	// External (unmanaged) node to register at startup, if any.
	External ExternalNodeConfig
}

// RegistryConfig holds node-registry specific configuration.
type RegistryConfig struct {
	// ConnectTimeout bounds the initial websocket handshake per node.
	ConnectTimeout time.Duration
	// ReadyTimeout bounds WaitUntilReady at startup.
	ReadyTimeout time.Duration
	// RequestTimeout is the default timeout for node REST calls.
	RequestTimeout time.Duration
}

// ManagedConfig holds configuration for the locally supervised node process.
type ManagedConfig struct {
	Enabled bool
	// JavaPath is the runtime executable used to launch the node artifact.
	JavaPath string
	// DownloadDir is where the artifact and its rendered config live.
	DownloadDir string
	// UpdateURL is the base URL of the artifact update service.
	UpdateURL string
	// AutoUpdate controls whether stale artifacts are re-downloaded.
	AutoUpdate bool
	// MaxHeap is the requested -Xmx value, e.g. "2048M" or "4G".
	MaxHeap string
	// StartTimeout bounds the wait for the process readiness line.
	StartTimeout time.Duration
	// HealthInterval is the delay between health probes once ready.
	HealthInterval time.Duration
	// MaxRestarts caps supervise-loop retries for recoverable failures.
	// Zero means retry forever.
	MaxRestarts int
	// TelemetryDSN, when set, is injected into the rendered node config
	// together with identifying tags.
	TelemetryDSN string
	// Password for the locally rendered node config.
	Password string
	// Port the managed node listens on.
	Port int
}

// ExternalNodeConfig describes a remote node registered from the environment.
type ExternalNodeConfig struct {
	Host     string
	Port     int
	Password string
	Name     string
	UseTLS   bool
}

// ArtifactPath returns the on-disk location of the runnable artifact.
func (m ManagedConfig) ArtifactPath() string {
	return filepath.Join(m.DownloadDir, "Lavalink.jar")
}

// AppConfigPath returns the on-disk location of the rendered node config file.
func (m ManagedConfig) AppConfigPath() string {
	return filepath.Join(m.DownloadDir, "application.yml")
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	home, _ := os.UserHomeDir()
	cfg := &Config{
		APIHost:         getEnv("FLEET_API_HOST", "127.0.0.1"),
		APIPort:         getIntEnv("FLEET_API_PORT", 8090),
		LogLevel:        getEnv("FLEET_LOG_LEVEL", "info"),
		LogJSON:         getBoolEnv("FLEET_LOG_JSON", true),
		ClientID:        getEnv("FLEET_CLIENT_ID", "0"),
		DatabaseDSN:     getEnv("FLEET_DATABASE_URL", ""),
		ShutdownTimeout: getDurationEnv("FLEET_SHUTDOWN_TIMEOUT", 30*time.Second),
		Registry: RegistryConfig{
			ConnectTimeout: getDurationEnv("FLEET_CONNECT_TIMEOUT", 30*time.Second),
			ReadyTimeout:   getDurationEnv("FLEET_READY_TIMEOUT", 60*time.Second),
			RequestTimeout: getDurationEnv("FLEET_REQUEST_TIMEOUT", 30*time.Second),
		},
		Managed: ManagedConfig{
			Enabled:        getBoolEnv("FLEET_MANAGED_ENABLED", false),
			JavaPath:       getEnv("FLEET_JAVA_EXECUTABLE", "java"),
			DownloadDir:    getEnv("FLEET_MANAGED_DIR", filepath.Join(home, ".soundmesh", "node")),
			UpdateURL:      getEnv("FLEET_UPDATE_URL", "https://ci.fredboat.com"),
			AutoUpdate:     getBoolEnv("FLEET_MANAGED_AUTO_UPDATE", true),
			MaxHeap:        getEnv("FLEET_MANAGED_MAX_HEAP", "2048M"),
			StartTimeout:   getDurationEnv("FLEET_MANAGED_START_TIMEOUT", 120*time.Second),
			HealthInterval: getDurationEnv("FLEET_MANAGED_HEALTH_INTERVAL", 1*time.Second),
			MaxRestarts:    getIntEnv("FLEET_MANAGED_MAX_RESTARTS", 0),
			TelemetryDSN:   getEnv("FLEET_TELEMETRY_DSN", ""),
			Password:       getEnv("FLEET_MANAGED_PASSWORD", "youshallnotpass"),
			Port:           getIntEnv("FLEET_MANAGED_PORT", 2154),
		},
		External: ExternalNodeConfig{
			Host:     getEnv("FLEET_EXTERNAL_HOST", ""),
			Port:     getIntEnv("FLEET_EXTERNAL_PORT", 0),
			Password: getEnv("FLEET_EXTERNAL_PASSWORD", ""),
			Name:     getEnv("FLEET_EXTERNAL_NAME", ""),
			UseTLS:   getBoolEnv("FLEET_EXTERNAL_SSL", false),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the loaded configuration is internally consistent.
func (c *Config) Validate() error {
	if !c.Managed.Enabled && c.External.Host == "" {
		return fmt.Errorf("no nodes configured: set FLEET_MANAGED_ENABLED or FLEET_EXTERNAL_HOST")
	}
	if c.External.Host != "" && c.External.Password == "" {
		return fmt.Errorf("FLEET_EXTERNAL_PASSWORD is required when FLEET_EXTERNAL_HOST is set")
	}
	if c.Managed.Enabled && c.Managed.Password == "" {
		return fmt.Errorf("FLEET_MANAGED_PASSWORD must not be empty")
	}
	return nil
}

// BootstrapPath returns the location of the YAML bootstrap file, honoring
// the FLEET_YAML_CONFIG override.
func BootstrapPath() string {
	if p := os.Getenv("FLEET_YAML_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "soundmesh.yaml")
}

// WriteBootstrapFile renders the current environment-derived settings to a
// YAML document so operators can inspect and re-use them. Unset optional
// values are omitted.
func (c *Config) WriteBootstrapFile(path string) error {
	doc := map[string]any{
		"FLEET_API_HOST":            c.APIHost,
		"FLEET_API_PORT":            c.APIPort,
		"FLEET_MANAGED_ENABLED":     c.Managed.Enabled,
		"FLEET_JAVA_EXECUTABLE":     c.Managed.JavaPath,
		"FLEET_MANAGED_DIR":         c.Managed.DownloadDir,
		"FLEET_MANAGED_AUTO_UPDATE": c.Managed.AutoUpdate,
		"FLEET_MANAGED_MAX_HEAP":    c.Managed.MaxHeap,
		"FLEET_MANAGED_PORT":        c.Managed.Port,
	}
	if c.DatabaseDSN != "" {
		doc["FLEET_DATABASE_URL"] = c.DatabaseDSN
	}
	if c.Managed.TelemetryDSN != "" {
		doc["FLEET_TELEMETRY_DSN"] = c.Managed.TelemetryDSN
	}
	if c.External.Host != "" {
		doc["FLEET_EXTERNAL_HOST"] = c.External.Host
		doc["FLEET_EXTERNAL_PORT"] = c.External.Port
		doc["FLEET_EXTERNAL_PASSWORD"] = c.External.Password
		doc["FLEET_EXTERNAL_SSL"] = c.External.UseTLS
		if c.External.Name != "" {
			doc["FLEET_EXTERNAL_NAME"] = c.External.Name
		}
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("rendering bootstrap file: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating bootstrap directory: %w", err)
	}
	return os.WriteFile(path, out, 0o600)
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getIntEnv returns the environment variable as an int or a default.
func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getBoolEnv returns the environment variable as a bool or a default.
func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getDurationEnv returns the environment variable as a duration or a default.
func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
