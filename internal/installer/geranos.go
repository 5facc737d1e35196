package installer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nimbus-ci/nimbus/internal/connection"
	"github.com/nimbus-ci/nimbus/internal/machine"
	"github.com/nimbus-ci/nimbus/internal/telemetry"
)

// DefaultGeranosVersion is the pinned image puller release.
const DefaultGeranosVersion = "0.11.0"

const geranosTool = "geranos"

// GeranosConfig configures the image puller installer.
type GeranosConfig struct {
	// Version is the pinned release tag.  Default: DefaultGeranosVersion.
	Version string

	// ReleaseURL overrides the upstream "release by tag" endpoint.
	ReleaseURL string
}

// Geranos installs the geranos VM image puller, which ships as a raw
// binary placed at {data}/geranos/bin/geranos.  macOS only.
//
// Unlike the archive-based installers, the idempotency skip elides
// only the download: chmod and self-verification run on every
// invocation, re-checking that an already-installed binary is still
// runnable.
type Geranos struct {
	version    string
	releaseURL string
	client     *ReleaseClient
	emitter    telemetry.Emitter
	logger     *slog.Logger
}

var _ Installer = (*Geranos)(nil)

// NewGeranos creates the image puller installer.
func NewGeranos(cfg GeranosConfig, emitter telemetry.Emitter, logger *slog.Logger) *Geranos {
	if cfg.Version == "" {
		cfg.Version = DefaultGeranosVersion
	}
	if cfg.ReleaseURL == "" {
		cfg.ReleaseURL = fmt.Sprintf("https://api.github.com/repos/cirruslabs/geranos/releases/tags/%s", cfg.Version)
	}
	return &Geranos{
		version:    cfg.Version,
		releaseURL: cfg.ReleaseURL,
		client:     NewReleaseClient(),
		emitter:    emitter,
		logger:     logger,
	}
}

func (i *Geranos) Name() string { return geranosTool }

// Install runs the full idempotent sequence and returns the path to
// the geranos binary.
func (i *Geranos) Install(ctx context.Context, conn *connection.Connection, m machine.Machine) (string, error) {
	return instrument(ctx, i.emitter, "install_geranos", m, func(ctx context.Context) (string, error) {
		return i.install(ctx, conn, m)
	})
}

func (i *Geranos) install(ctx context.Context, conn *connection.Connection, m machine.Machine) (string, error) {
	if m.OS != machine.OSMacOS {
		return "", &NotApplicableError{Tool: geranosTool, OS: m.OS}
	}

	_, binDir, err := toolDirs(ctx, conn, m, geranosTool, true)
	if err != nil {
		return "", err
	}
	binPath := binDir + "/" + geranosTool

	present, err := conn.FileExists(ctx, m, binPath)
	if err != nil {
		return "", err
	}
	if present {
		logSkip(i.logger, m, binPath)
	} else {
		if err := i.download(ctx, conn, m, binPath); err != nil {
			return "", err
		}
	}

	if err := markExecutable(ctx, conn, m, binPath); err != nil {
		return "", err
	}
	if err := verify(ctx, conn, m, geranosTool, binPath, "--help"); err != nil {
		return "", err
	}
	return binPath, nil
}

func (i *Geranos) download(ctx context.Context, conn *connection.Connection, m machine.Machine, binPath string) error {
	release, err := i.client.GetRelease(ctx, i.releaseURL)
	if err != nil {
		return err
	}

	asset, err := selectAsset(release, geranosTool, i.version, "darwin", archTokens(m.Arch))
	if err != nil {
		return err
	}

	cacheDir, err := conn.XDGCacheHome(ctx, m, "downloads")
	if err != nil {
		return err
	}
	cached := filepath.Join(cacheDir, asset.Name)

	i.logger.Info("downloading geranos binary",
		slog.String("machineID", m.ID),
		slog.String("asset", asset.Name),
	)
	if err := i.client.Download(ctx, asset.BrowserDownloadURL, cached); err != nil {
		return err
	}
	defer os.Remove(cached)

	if _, err := conn.Exec(ctx, m,
		"cp "+connection.Quote(cached)+" "+connection.Quote(binPath),
		connection.ExecOptions{}); err != nil {
		return fmt.Errorf("installing geranos binary: %w", err)
	}
	return nil
}
