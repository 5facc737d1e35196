package installer

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/nimbus-ci/nimbus/internal/connection"
	"github.com/nimbus-ci/nimbus/internal/machine"
	"github.com/nimbus-ci/nimbus/internal/telemetry"
)

// DefaultCurieVersion is the pinned VM manager release.
const DefaultCurieVersion = "0.10.1"

const curieTool = "curie"

// CurieConfig configures the VM manager installer.
type CurieConfig struct {
	// Version is the pinned release tag.  Default: DefaultCurieVersion.
	Version string

	// ReleaseURL overrides the upstream "release by tag" endpoint.
	ReleaseURL string
}

// Curie installs the curie VM manager, which ships as a signed macOS
// .pkg.  The package payload is expanded with tar and cpio tooling on
// the target into a scratch directory, the curie binary is located
// inside and copied to {data}/curie/bin/curie, and the scratch
// directory and package are removed whether or not extraction
// succeeded.  macOS only.
type Curie struct {
	version    string
	releaseURL string
	client     *ReleaseClient
	emitter    telemetry.Emitter
	logger     *slog.Logger
}

var _ Installer = (*Curie)(nil)

// NewCurie creates the VM manager installer.
func NewCurie(cfg CurieConfig, emitter telemetry.Emitter, logger *slog.Logger) *Curie {
	if cfg.Version == "" {
		cfg.Version = DefaultCurieVersion
	}
	if cfg.ReleaseURL == "" {
		cfg.ReleaseURL = fmt.Sprintf("https://api.github.com/repos/cirruslabs/curie/releases/tags/%s", cfg.Version)
	}
	return &Curie{
		version:    cfg.Version,
		releaseURL: cfg.ReleaseURL,
		client:     NewReleaseClient(),
		emitter:    emitter,
		logger:     logger,
	}
}

func (i *Curie) Name() string { return curieTool }

// Install runs the full idempotent sequence and returns the path to
// the curie binary.
func (i *Curie) Install(ctx context.Context, conn *connection.Connection, m machine.Machine) (string, error) {
	return instrument(ctx, i.emitter, "install_curie", m, func(ctx context.Context) (string, error) {
		return i.install(ctx, conn, m)
	})
}

func (i *Curie) install(ctx context.Context, conn *connection.Connection, m machine.Machine) (string, error) {
	if m.OS != machine.OSMacOS {
		return "", &NotApplicableError{Tool: curieTool, OS: m.OS}
	}

	_, binDir, err := toolDirs(ctx, conn, m, curieTool, true)
	if err != nil {
		return "", err
	}
	binPath := binDir + "/" + curieTool

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
	if err := verify(ctx, conn, m, curieTool, binPath, "--version"); err != nil {
		return "", err
	}
	return binPath, nil
}

func (i *Curie) download(ctx context.Context, conn *connection.Connection, m machine.Machine, binPath string) error {
	release, err := i.client.GetRelease(ctx, i.releaseURL)
	if err != nil {
		return err
	}

	asset, err := selectAsset(release, curieTool, i.version, "darwin", archTokens(m.Arch))
	if err != nil {
		return err
	}

	cacheDir, err := conn.XDGCacheHome(ctx, m, "downloads")
	if err != nil {
		return err
	}
	pkgPath := filepath.Join(cacheDir, asset.Name)
	scratch := filepath.Join(cacheDir, curieTool+"-pkg")

	i.logger.Info("downloading curie package",
		slog.String("machineID", m.ID),
		slog.String("asset", asset.Name),
	)
	if err := i.client.Download(ctx, asset.BrowserDownloadURL, pkgPath); err != nil {
		return err
	}

	// Scratch directory and package are removed unconditionally,
	// regardless of the extraction outcome.
	defer func() {
		_, _ = conn.Exec(ctx, m, "rm -rf "+connection.Quote(scratch), connection.ExecOptions{})
		_, _ = conn.Exec(ctx, m, "rm -f "+connection.Quote(pkgPath), connection.ExecOptions{})
	}()

	if err := conn.MkdirAll(ctx, m, scratch); err != nil {
		return err
	}

	// Expand the outer package, then the gzipped cpio payload inside.
	if _, err := conn.Exec(ctx, m,
		"tar -xf "+connection.Quote(pkgPath)+" -C "+connection.Quote(scratch),
		connection.ExecOptions{}); err != nil {
		return fmt.Errorf("expanding package %s: %w", asset.Name, err)
	}
	if _, err := conn.Exec(ctx, m,
		fmt.Sprintf("cd %s; gzip -dc \"$(find . -name Payload | head -n 1)\" | cpio -id", connection.Quote(scratch)),
		connection.ExecOptions{}); err != nil {
		return fmt.Errorf("expanding package payload of %s: %w", asset.Name, err)
	}

	out, err := conn.Exec(ctx, m,
		"find "+connection.Quote(scratch)+" -type f -name "+curieTool,
		connection.ExecOptions{})
	if err != nil {
		return fmt.Errorf("locating curie binary: %w", err)
	}
	found := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	if found == "" {
		return fmt.Errorf("package %s contains no curie binary", asset.Name)
	}

	if _, err := conn.Exec(ctx, m,
		"cp "+connection.Quote(found)+" "+connection.Quote(binPath),
		connection.ExecOptions{}); err != nil {
		return fmt.Errorf("installing curie binary: %w", err)
	}
	return nil
}
