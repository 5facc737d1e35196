package installer

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-ci/nimbus/internal/machine"
	"github.com/nimbus-ci/nimbus/internal/telemetry"
)

// ---------------------------------------------------------------------------
// Shared test harness
// ---------------------------------------------------------------------------

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMachine(t *testing.T, os machine.OS, arch machine.Arch) machine.Machine {
	t.Helper()
	m, err := machine.New("machine-1", "tenant-1", "provider-1", os, arch, machine.StateProvisioning)
	require.NoError(t, err)
	m.ProviderMetadata["type"] = "local"
	return m
}

// xdgDirs points the XDG environment at per-test temp dirs and returns
// the nimbus data and cache roots.
func xdgDirs(t *testing.T) (dataHome, cacheHome string) {
	t.Helper()
	data := t.TempDir()
	cache := t.TempDir()
	t.Setenv("XDG_DATA_HOME", data)
	t.Setenv("XDG_CACHE_HOME", cache)
	return data + "/nimbus", cache + "/nimbus"
}

// eventRecorder captures telemetry events in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []telemetry.Event
}

var _ telemetry.Emitter = (*eventRecorder)(nil)

func (r *eventRecorder) Emit(_ context.Context, ev telemetry.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, len(r.events))
	for i, ev := range r.events {
		names[i] = ev.Name
	}
	return names
}

func (r *eventRecorder) last() telemetry.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

// releaseServer serves a "release by tag" document plus its assets and
// counts requests.
type releaseServer struct {
	*httptest.Server
	mu       sync.Mutex
	requests int
}

// newReleaseServer serves assets (name -> raw content) with a release
// document listing each one.
func newReleaseServer(t *testing.T, assets map[string][]byte) *releaseServer {
	t.Helper()
	rs := &releaseServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/release", func(w http.ResponseWriter, r *http.Request) {
		rs.count()
		if r.Header.Get("Accept") != "application/vnd.github.v3+json" {
			http.Error(w, "missing accept header", http.StatusBadRequest)
			return
		}
		var release Release
		for name := range assets {
			release.Assets = append(release.Assets, Asset{
				Name:               name,
				BrowserDownloadURL: rs.URL + "/assets/" + name,
			})
		}
		_ = json.NewEncoder(w).Encode(release)
	})
	mux.HandleFunc("/assets/", func(w http.ResponseWriter, r *http.Request) {
		rs.count()
		name := r.URL.Path[len("/assets/"):]
		content, ok := assets[name]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(content)
	})

	rs.Server = httptest.NewServer(mux)
	t.Cleanup(rs.Close)
	return rs
}

func (rs *releaseServer) count() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.requests++
}

func (rs *releaseServer) requestCount() int {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return rs.requests
}

// makeTarball builds a gzip-compressed tarball from name -> content,
// marking every file executable.
func makeTarball(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o755,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

const okScript = "#!/bin/sh\nexit 0\n"
const failScript = "#!/bin/sh\nexit 1\n"

// ---------------------------------------------------------------------------
// Asset selection
// ---------------------------------------------------------------------------

func TestSelectAsset(t *testing.T) {
	release := Release{Assets: []Asset{
		{Name: "tool-darwin-arm64.tar.gz"},
		{Name: "tool-linux-amd64.tar.gz"},
	}}

	asset, err := selectAsset(release, "tool", "1.0.0", "linux", []string{"x86_64", "amd64"})
	require.NoError(t, err)
	assert.Equal(t, "tool-linux-amd64.tar.gz", asset.Name)

	asset, err = selectAsset(release, "tool", "1.0.0", "darwin", []string{"arm64"})
	require.NoError(t, err)
	assert.Equal(t, "tool-darwin-arm64.tar.gz", asset.Name)
}

func TestSelectAsset_NoMatchNamesTokens(t *testing.T) {
	release := Release{Assets: []Asset{
		{Name: "tool-darwin-arm64.tar.gz"},
	}}

	_, err := selectAsset(release, "tool", "1.0.0", "darwin", []string{"x86_64", "amd64"})
	require.Error(t, err)

	var noAsset *NoAssetError
	require.ErrorAs(t, err, &noAsset)
	assert.Equal(t, []string{"x86_64", "amd64"}, noAsset.ArchTokens)
	assert.Contains(t, err.Error(), "x86_64")
}

func TestArchTokens(t *testing.T) {
	assert.Equal(t, []string{"arm64"}, archTokens(machine.ArchARM64))
	assert.Equal(t, []string{"x86_64", "amd64"}, archTokens(machine.ArchX8664))
}
