package supervisor

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestBuildResolvesArtifactURL(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/guestAuth/app/rest/builds", func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.RawQuery, "status:SUCCESS")
		fmt.Fprint(w, `{"build":[{"number":"1820","branchName":"refs/heads/dev","finishOnAgentDate":"20240902T101541+0000","href":"/builds/id:42"}]}`)
	})
	mux.HandleFunc("/builds/id:42", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"artifacts":{"href":"/builds/id:42/artifacts"}}`)
	})
	mux.HandleFunc("/builds/id:42/artifacts", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"file":[{"name":"Lavalink.jar","content":{"href":"/builds/id:42/artifacts/content/Lavalink.jar"}},{"name":"plugin-api.jar","content":{"href":"/other"}}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewArtifactClient(srv.URL, discardLogger())
	info, err := client.LatestBuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1820, info.Number)
	assert.Equal(t, "refs/heads/dev", info.Branch)
	assert.Equal(t, "/builds/id:42/artifacts/content/Lavalink.jar", info.ArtifactURL)
	assert.False(t, info.FinishedAt.IsZero())
}

func TestLatestBuildUnreachableService(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	client := NewArtifactClient(srv.URL, discardLogger())
	info, err := client.LatestBuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -1, info.Number)
	assert.Empty(t, info.ArtifactURL)
}

func TestLatestBuildPartialMetadata(t *testing.T) {
	// The build entry resolves but the artifact listing does not. The
	// build number is still usable for up-to-date checks.
	mux := http.NewServeMux()
	mux.HandleFunc("/guestAuth/app/rest/builds", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"build":[{"number":"1500","branchName":"refs/heads/dev","href":"/builds/id:7"}]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := NewArtifactClient(srv.URL, discardLogger())
	info, err := client.LatestBuild(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1500, info.Number)
	assert.Empty(t, info.ArtifactURL)
}

func TestDownloadWritesAtomically(t *testing.T) {
	payload := []byte("jar-bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/builds/id:42/artifacts/content/Lavalink.jar", r.URL.Path)
		w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "lavalink", "Lavalink.jar")
	client := NewArtifactClient(srv.URL, discardLogger())
	n, err := client.Download(context.Background(), "/builds/id:42/artifacts/content/Lavalink.jar", dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), n)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestDownloadFallbackPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Write([]byte("jar"))
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "Lavalink.jar")
	client := NewArtifactClient(srv.URL, discardLogger())
	_, err := client.Download(context.Background(), "", dest)
	require.NoError(t, err)
	assert.Equal(t, fallbackArtifactPath, gotPath)
}

func TestDownloadServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "Lavalink.jar")
	client := NewArtifactClient(srv.URL, discardLogger())
	_, err := client.Download(context.Background(), "", dest)
	require.Error(t, err)

	var dlErr *DownloadError
	require.ErrorAs(t, err, &dlErr)
	assert.Equal(t, http.StatusBadGateway, dlErr.Status)
	assert.True(t, dlErr.Retryable)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}
