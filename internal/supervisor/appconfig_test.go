package supervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/soundmesh/fleet/internal/store"
)

func renderToMap(t *testing.T, cfg *store.NodeConfig, dsn string) map[string]any {
	t.Helper()
	data, err := RenderAppConfig(cfg, dsn)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(data, &doc))
	return doc
}

func TestRenderStripsEmptyOptionalBlocks(t *testing.T) {
	cfg := store.DefaultBundledConfig()
	doc := renderToMap(t, cfg, "")

	server, ok := section(doc, "lavalink", "server")
	require.True(t, ok)
	assert.NotContains(t, server, "youtubeConfig")
	assert.NotContains(t, server, "ratelimit")
	assert.NotContains(t, server, "httpConfig")
	assert.NotContains(t, doc, "sentry")
	assert.Equal(t, "youshallnotpass", server["password"])
}

func TestRenderKeepsPopulatedBlocks(t *testing.T) {
	cfg := store.DefaultBundledConfig()
	server, ok := section(cfg.Document, "lavalink", "server")
	require.True(t, ok)
	yt := server["youtubeConfig"].(map[string]any)
	yt["PAPISID"] = "aaa"
	yt["PSID"] = "bbb"
	rl := server["ratelimit"].(map[string]any)
	rl["ipBlocks"] = []any{"10.0.0.0/8"}
	hc := server["httpConfig"].(map[string]any)
	hc["proxyHost"] = "proxy.internal"

	doc := renderToMap(t, cfg, "")
	got, ok := section(doc, "lavalink", "server")
	require.True(t, ok)
	assert.Contains(t, got, "youtubeConfig")
	assert.Contains(t, got, "ratelimit")
	assert.Contains(t, got, "httpConfig")
}

func TestRenderPartialCredentialsStripped(t *testing.T) {
	cfg := store.DefaultBundledConfig()
	server, _ := section(cfg.Document, "lavalink", "server")
	server["youtubeConfig"].(map[string]any)["PAPISID"] = "only-one-half"

	doc := renderToMap(t, cfg, "")
	got, _ := section(doc, "lavalink", "server")
	assert.NotContains(t, got, "youtubeConfig", "both credential halves are required")
}

func TestRenderInjectsTelemetry(t *testing.T) {
	cfg := store.DefaultBundledConfig()
	doc := renderToMap(t, cfg, "https://key@sentry.example.com/1")

	sentry, ok := section(doc, "sentry")
	require.True(t, ok)
	assert.Equal(t, "https://key@sentry.example.com/1", sentry["dsn"])
	tags, ok := section(sentry, "tags")
	require.True(t, ok)
	assert.Equal(t, "fleet", tags["managed_by"])
}

func TestRenderDoesNotMutateStoredDocument(t *testing.T) {
	cfg := store.DefaultBundledConfig()
	_ = renderToMap(t, cfg, "https://dsn")

	server, _ := section(cfg.Document, "lavalink", "server")
	assert.Contains(t, server, "youtubeConfig", "stored document keeps its optional blocks")
	sentry, _ := section(cfg.Document, "sentry")
	assert.Equal(t, "", sentry["dsn"])
}

func TestWriteAppConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf", "application.yml")

	require.NoError(t, WriteAppConfig(store.DefaultBundledConfig(), "", path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestParseExternalConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "application.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  address: 0.0.0.0
  port: 2333
lavalink:
  server:
    password: hunter2
`), 0o600))

	ext, err := ParseExternalConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", ext.Host)
	assert.Equal(t, 2333, ext.Port)
	assert.Equal(t, "hunter2", ext.Password)
}

func TestParseExternalConfigMissingFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "application.yml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 2333
`), 0o600))

	_, err := ParseExternalConfig(path)
	assert.Error(t, err)

	_, err = ParseExternalConfig(filepath.Join(dir, "missing.yml"))
	assert.Error(t, err)
}
