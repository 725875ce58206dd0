package supervisor

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/soundmesh/fleet/internal/store"
)

// RenderAppConfig produces the node's config file contents from the stored
// document. Optional blocks left at their zero defaults are stripped so the
// node does not try to activate features with empty credentials. The stored
// document is never mutated.
func RenderAppConfig(cfg *store.NodeConfig, telemetryDSN string) ([]byte, error) {
	doc := cloneSection(cfg.Document)

	if server, ok := section(doc, "lavalink", "server"); ok {
		if yt, ok := section(server, "youtubeConfig"); ok {
			if str(yt["PAPISID"]) == "" || str(yt["PSID"]) == "" {
				delete(server, "youtubeConfig")
			}
		}
		if rl, ok := section(server, "ratelimit"); ok {
			if blocks, _ := rl["ipBlocks"].([]any); len(blocks) == 0 {
				delete(server, "ratelimit")
			}
		}
		if hc, ok := section(server, "httpConfig"); ok {
			if str(hc["proxyHost"]) == "" {
				delete(server, "httpConfig")
			}
		}
	}

	if sentry, ok := section(doc, "sentry"); ok {
		if telemetryDSN != "" {
			sentry["dsn"] = telemetryDSN
			tags, ok := section(sentry, "tags")
			if !ok {
				tags = map[string]any{}
				sentry["tags"] = tags
			}
			tags["managed_by"] = "fleet"
		} else if str(sentry["dsn"]) == "" {
			delete(doc, "sentry")
		}
	}

	return yaml.Marshal(doc)
}

// WriteAppConfig renders the document and writes it next to the artifact.
func WriteAppConfig(cfg *store.NodeConfig, telemetryDSN, path string) error {
	data, err := RenderAppConfig(cfg, telemetryDSN)
	if err != nil {
		return fmt.Errorf("render node config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create node config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write node config: %w", err)
	}
	return nil
}

// ExternalConfig is the connection info extracted from an external node's
// own config file.
type ExternalConfig struct {
	Host     string
	Port     int
	Password string
}

// ParseExternalConfig reads an external node's config file and extracts
// the fields needed to connect to it. All three of address, port and
// password must be present for adoption to proceed.
func ParseExternalConfig(path string) (*ExternalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read external node config: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse external node config: %w", err)
	}

	ext := &ExternalConfig{}
	if server, ok := section(doc, "server"); ok {
		ext.Host = str(server["address"])
		ext.Port = intVal(server["port"])
	}
	if server, ok := section(doc, "lavalink", "server"); ok {
		ext.Password = str(server["password"])
	}
	if ext.Host == "" || ext.Port == 0 || ext.Password == "" {
		return nil, fmt.Errorf("external node config %s is missing address, port or password", path)
	}
	return ext, nil
}

// section walks nested maps by key, returning the innermost map.
func section(doc map[string]any, keys ...string) (map[string]any, bool) {
	cur := doc
	for _, k := range keys {
		next, ok := cur[k].(map[string]any)
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}

func cloneSection(doc map[string]any) map[string]any {
	out := make(map[string]any, len(doc))
	for k, v := range doc {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneSection(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

func intVal(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}
