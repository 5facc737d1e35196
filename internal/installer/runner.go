package installer

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"

	"github.com/nimbus-ci/nimbus/internal/connection"
	"github.com/nimbus-ci/nimbus/internal/machine"
	"github.com/nimbus-ci/nimbus/internal/telemetry"
)

// DefaultRunnerVersion is the pinned runner agent release.
const DefaultRunnerVersion = "2.323.0"

const runnerTool = "github-runner"

// GitHubRunnerConfig configures the runner agent installer.
type GitHubRunnerConfig struct {
	// Version is the pinned release tag (without leading "v").
	// Default: DefaultRunnerVersion.
	Version string

	// ReleaseURL overrides the upstream "release by tag" endpoint.
	// Default: the GitHub API endpoint for actions/runner at Version.
	ReleaseURL string
}

// GitHubRunner installs the GitHub Actions runner agent.  The agent
// ships as a tarball which is extracted in full into the tool's
// install directory ({data}/github-runner/{run.sh,config.sh,...});
// run.sh is the entry binary.  Applicable on every supported OS.
type GitHubRunner struct {
	version    string
	releaseURL string
	client     *ReleaseClient
	emitter    telemetry.Emitter
	logger     *slog.Logger
}

var _ Installer = (*GitHubRunner)(nil)

// NewGitHubRunner creates the runner agent installer.
func NewGitHubRunner(cfg GitHubRunnerConfig, emitter telemetry.Emitter, logger *slog.Logger) *GitHubRunner {
	if cfg.Version == "" {
		cfg.Version = DefaultRunnerVersion
	}
	if cfg.ReleaseURL == "" {
		cfg.ReleaseURL = fmt.Sprintf("https://api.github.com/repos/actions/runner/releases/tags/v%s", cfg.Version)
	}
	return &GitHubRunner{
		version:    cfg.Version,
		releaseURL: cfg.ReleaseURL,
		client:     NewReleaseClient(),
		emitter:    emitter,
		logger:     logger,
	}
}

func (i *GitHubRunner) Name() string { return runnerTool }

// Install runs the full idempotent sequence and returns the path to
// run.sh.
func (i *GitHubRunner) Install(ctx context.Context, conn *connection.Connection, m machine.Machine) (string, error) {
	return instrument(ctx, i.emitter, "install_github_runner", m, func(ctx context.Context) (string, error) {
		return i.install(ctx, conn, m)
	})
}

func (i *GitHubRunner) install(ctx context.Context, conn *connection.Connection, m machine.Machine) (string, error) {
	installDir, _, err := toolDirs(ctx, conn, m, runnerTool, false)
	if err != nil {
		return "", err
	}
	binPath := installDir + "/run.sh"

	present, err := conn.FileExists(ctx, m, binPath)
	if err != nil {
		return "", err
	}

	// The idempotency probe runs before any network call so an
	// already-installed agent stays available when upstream is
	// unreachable.
	if present {
		logSkip(i.logger, m, binPath)
	} else {
		if err := i.download(ctx, conn, m, installDir); err != nil {
			return "", err
		}
	}

	if err := markExecutable(ctx, conn, m, binPath); err != nil {
		return "", err
	}
	if err := verify(ctx, conn, m, runnerTool, binPath, "--help"); err != nil {
		return "", err
	}
	return binPath, nil
}

func (i *GitHubRunner) download(ctx context.Context, conn *connection.Connection, m machine.Machine, installDir string) error {
	release, err := i.client.GetRelease(ctx, i.releaseURL)
	if err != nil {
		return err
	}

	asset, err := selectAsset(release, runnerTool, i.version, runnerOSToken(m.OS), archTokens(m.Arch))
	if err != nil {
		return err
	}

	cacheDir, err := conn.XDGCacheHome(ctx, m, "downloads")
	if err != nil {
		return err
	}
	archivePath := filepath.Join(cacheDir, asset.Name)

	i.logger.Info("downloading runner agent",
		slog.String("machineID", m.ID),
		slog.String("asset", asset.Name),
	)
	if err := i.client.Download(ctx, asset.BrowserDownloadURL, archivePath); err != nil {
		return err
	}

	// The archive is removed whether or not extraction succeeded.
	extractErr := extractTarball(archivePath, installDir)
	if rmErr := os.Remove(archivePath); rmErr != nil && extractErr == nil {
		return fmt.Errorf("removing archive %s: %w", archivePath, rmErr)
	}
	if extractErr != nil {
		return fmt.Errorf("extracting %s: %w", asset.Name, extractErr)
	}
	return nil
}

// runnerOSToken maps the machine OS to the token the runner release
// assets use.
func runnerOSToken(os machine.OS) string {
	if os == machine.OSMacOS {
		return "osx"
	}
	return "linux"
}

// extractTarball unpacks a gzip-compressed tarball into destDir,
// preserving file modes and rejecting entries that escape destDir.
func extractTarball(archivePath, destDir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target := filepath.Join(destDir, hdr.Name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("tar entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil && !os.IsExist(err) {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			if err := out.Close(); err != nil {
				return err
			}
		}
	}
}
