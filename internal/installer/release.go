package installer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// defaultFetchTimeout bounds a single release-metadata or asset
// request.
const defaultFetchTimeout = 5 * time.Minute

// Release is the slice of the upstream "release by tag" response we
// consume.
type Release struct {
	Assets []Asset `json:"assets"`
}

// Asset is one downloadable artifact attached to a release.
type Asset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

// ReleaseClient fetches release metadata and downloads assets from a
// fixed upstream location.
type ReleaseClient struct {
	httpClient *http.Client
}

// NewReleaseClient creates a client with a bounded request timeout.
func NewReleaseClient() *ReleaseClient {
	return &ReleaseClient{
		httpClient: &http.Client{Timeout: defaultFetchTimeout},
	}
}

// GetRelease fetches the release metadata document at url.  A non-200
// status is an HTTPError; a transport failure is a RequestError.
func (c *ReleaseClient) GetRelease(ctx context.Context, url string) (Release, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Release{}, &RequestError{URL: url, Err: err}
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Release{}, &RequestError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Release{}, &HTTPError{URL: url, StatusCode: resp.StatusCode}
	}

	var release Release
	if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
		return Release{}, fmt.Errorf("decoding release metadata from %s: %w", url, err)
	}
	return release, nil
}

// Download streams the asset at url to dest, creating parent
// directories as needed.  The response is consumed to completion
// before returning.
func (c *ReleaseClient) Download(ctx context.Context, url, dest string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &RequestError{URL: url, Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &RequestError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return &HTTPError{URL: url, StatusCode: resp.StatusCode}
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("creating download directory for %s: %w", dest, err)
	}

	f, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("creating %s: %w", dest, err)
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		return fmt.Errorf("writing %s: %w", dest, err)
	}
	return nil
}

// selectAsset picks the asset whose name contains both the OS token
// and one of the architecture tokens.  No match is a NoAssetError
// naming the tokens searched -- never a silent wrong pick.
func selectAsset(release Release, tool, version, osToken string, archTokens []string) (Asset, error) {
	for _, asset := range release.Assets {
		name := strings.ToLower(asset.Name)
		if !strings.Contains(name, osToken) {
			continue
		}
		for _, arch := range archTokens {
			if strings.Contains(name, arch) {
				return asset, nil
			}
		}
	}
	return Asset{}, &NoAssetError{Tool: tool, Version: version, OSToken: osToken, ArchTokens: archTokens}
}
