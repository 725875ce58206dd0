package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/avast/retry-go/v4"
)

// buildInfoPath queries the update service for the newest successful build.
const buildInfoPath = "/guestAuth/app/rest/builds?locator=branch:refs/heads/dev,buildType:Lavalink_Build,status:SUCCESS,count:1"

// fallbackArtifactPath serves the last successful artifact directly when the
// metadata chain cannot resolve a download URL.
const fallbackArtifactPath = "/guestAuth/repository/download/Lavalink_Build/.lastSuccessful/Lavalink.jar"

// artifactFileName is the runnable artifact's name in listings.
const artifactFileName = "Lavalink.jar"

// BuildInfo is the latest build metadata published by the update service.
type BuildInfo struct {
	Number     int
	Branch     string
	FinishedAt time.Time
	// ArtifactURL is the resolved download path for the runnable
	// artifact, relative to the service base URL. Empty when the
	// metadata chain could not be followed.
	ArtifactURL string
}

// ArtifactClient talks to the artifact update service.
type ArtifactClient struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

// NewArtifactClient creates a client for the update service at baseURL.
func NewArtifactClient(baseURL string, logger *slog.Logger) *ArtifactClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArtifactClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logger,
	}
}

func (c *ArtifactClient) getJSON(ctx context.Context, path string, out any) error {
	return retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
			if err != nil {
				return retry.Unrecoverable(err)
			}
			req.Header.Set("Accept", "application/json")
			resp, err := c.http.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("update service returned status %d for %s", resp.StatusCode, path)
			}
			return json.NewDecoder(resp.Body).Decode(out)
		},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(500*time.Millisecond),
		retry.DelayType(retry.BackOffDelay),
	)
}

// LatestBuild resolves the newest build: one call for the build entry, a
// second following its href for the artifacts listing, a third resolving
// the runnable artifact's download URL. A service that cannot be queried
// yields build number -1 so callers treat the local artifact as
// unverifiable.
func (c *ArtifactClient) LatestBuild(ctx context.Context) (*BuildInfo, error) {
	var builds struct {
		Build []struct {
			Number            string `json:"number"`
			BranchName        string `json:"branchName"`
			FinishOnAgentDate string `json:"finishOnAgentDate"`
			Href              string `json:"href"`
		} `json:"build"`
	}
	if err := c.getJSON(ctx, buildInfoPath, &builds); err != nil || len(builds.Build) == 0 {
		c.logger.Warn("could not fetch latest build metadata", "error", err)
		return &BuildInfo{Number: -1}, nil
	}

	entry := builds.Build[0]
	info := &BuildInfo{Branch: entry.BranchName}
	fmt.Sscanf(entry.Number, "%d", &info.Number)
	if t, err := time.Parse("20060102T150405-0700", entry.FinishOnAgentDate); err == nil {
		info.FinishedAt = t
	}

	var buildDetail struct {
		Artifacts struct {
			Href string `json:"href"`
		} `json:"artifacts"`
	}
	if err := c.getJSON(ctx, entry.Href, &buildDetail); err != nil {
		return info, nil
	}

	var listing struct {
		File []struct {
			Name    string `json:"name"`
			Content struct {
				Href string `json:"href"`
			} `json:"content"`
		} `json:"file"`
	}
	if err := c.getJSON(ctx, buildDetail.Artifacts.Href, &listing); err != nil {
		return info, nil
	}
	for _, f := range listing.File {
		if f.Name == artifactFileName {
			info.ArtifactURL = f.Content.Href
			break
		}
	}
	return info, nil
}

// Download fetches the runnable artifact to dest, writing to a temp file
// and moving it into place atomically. 4xx/5xx responses are flagged
// retryable; the caller's backoff policy decides what to do with that.
func (c *ArtifactClient) Download(ctx context.Context, artifactURL, dest string) (int64, error) {
	url := c.baseURL + fallbackArtifactPath
	if artifactURL != "" {
		url = c.baseURL + artifactURL
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, &DownloadError{URL: url, Retryable: false, Err: err}
	}

	// Artifact downloads are large; use a client without the metadata
	// timeout.
	resp, err := (&http.Client{Timeout: 10 * time.Minute}).Do(req)
	if err != nil {
		return 0, &DownloadError{URL: url, Retryable: true, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return 0, &DownloadError{URL: url, Status: resp.StatusCode, Retryable: true}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, &DownloadError{URL: url, Retryable: false, Err: err}
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".artifact-*")
	if err != nil {
		return 0, &DownloadError{URL: url, Retryable: false, Err: err}
	}
	defer os.Remove(tmp.Name())

	written, err := io.Copy(tmp, resp.Body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return written, &DownloadError{URL: url, Retryable: true, Err: err}
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return written, &DownloadError{URL: url, Retryable: false, Err: err}
	}

	c.logger.Info("artifact downloaded", "bytes", written, "dest", dest)
	return written, nil
}
