package installer

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbus-ci/nimbus/internal/connection"
	"github.com/nimbus-ci/nimbus/internal/machine"
	"github.com/nimbus-ci/nimbus/internal/telemetry"
)

func newCurieInstaller(releaseURL string, emitter telemetry.Emitter) *Curie {
	return NewCurie(CurieConfig{
		Version:    "1.0.0",
		ReleaseURL: releaseURL,
	}, emitter, testLogger())
}

func TestCurie_NotApplicableOnLinux(t *testing.T) {
	xdgDirs(t)
	conn := connection.New(testLogger())
	m := testMachine(t, machine.OSLinux, machine.ArchX8664)
	rec := &eventRecorder{}

	inst := newCurieInstaller("http://unused.invalid/release", rec)
	_, err := inst.Install(context.Background(), conn, m)

	var notApplicable *NotApplicableError
	require.ErrorAs(t, err, &notApplicable)
	assert.Equal(t, machine.OSLinux, notApplicable.OS)

	// The gate is cheap: no directories were created.
	assert.Equal(t, []string{"install_curie_start", "install_curie_failure"}, rec.names())
}

func TestCurie_ScratchAndPackageRemovedOnExtractionFailure(t *testing.T) {
	_, cacheHome := xdgDirs(t)
	conn := connection.New(testLogger())
	m := testMachine(t, machine.OSMacOS, machine.ArchARM64)

	srv := newReleaseServer(t, map[string][]byte{
		"curie-darwin-arm64.pkg": []byte("definitely not a package"),
	})

	inst := newCurieInstaller(srv.URL+"/release", telemetry.Nop{})
	_, err := inst.Install(context.Background(), conn, m)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(cacheHome, "downloads", "curie-pkg"))
	assert.True(t, os.IsNotExist(statErr), "scratch directory must be removed on failure")

	_, statErr = os.Stat(filepath.Join(cacheHome, "downloads", "curie-darwin-arm64.pkg"))
	assert.True(t, os.IsNotExist(statErr), "package must be removed on failure")
}

func TestCurie_InstallFromPackage(t *testing.T) {
	if _, err := exec.LookPath("cpio"); err != nil {
		t.Skip("cpio not available")
	}

	dataHome, cacheHome := xdgDirs(t)
	conn := connection.New(testLogger())
	m := testMachine(t, machine.OSMacOS, machine.ArchARM64)
	rec := &eventRecorder{}

	pkg := makePkg(t, "curie", okScript)
	srv := newReleaseServer(t, map[string][]byte{
		"curie-darwin-arm64.pkg": pkg,
	})

	inst := newCurieInstaller(srv.URL+"/release", rec)
	path, err := inst.Install(context.Background(), conn, m)
	require.NoError(t, err)
	assert.Equal(t, dataHome+"/curie/bin/curie", path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o100)

	// Scratch directory and package are gone after a successful run too.
	_, statErr := os.Stat(filepath.Join(cacheHome, "downloads", "curie-pkg"))
	assert.True(t, os.IsNotExist(statErr))
	entries, err := os.ReadDir(filepath.Join(cacheHome, "downloads"))
	require.NoError(t, err)
	assert.Empty(t, entries)

	assert.Equal(t, []string{"install_curie_start", "install_curie_success"}, rec.names())
}

// makePkg fabricates a minimal installer package the way the extractor
// consumes it: a tar archive containing a gzipped cpio Payload with
// the tool binary inside.
func makePkg(t *testing.T, tool, script string) []byte {
	t.Helper()
	work := t.TempDir()

	payloadRoot := filepath.Join(work, "root", "usr", "local", "bin")
	require.NoError(t, os.MkdirAll(payloadRoot, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(payloadRoot, tool), []byte(script), 0o755))

	// root -> Payload (gzipped cpio)
	cpioCmd := "cd " + connection.Quote(filepath.Join(work, "root")) +
		"; find . | cpio -o | gzip > " + connection.Quote(filepath.Join(work, "Payload"))
	require.NoError(t, exec.Command("sh", "-c", cpioCmd).Run())

	// Payload -> outer archive
	pkgPath := filepath.Join(work, "tool.pkg")
	tarCmd := "tar -cf " + connection.Quote(pkgPath) +
		" -C " + connection.Quote(work) + " Payload"
	require.NoError(t, exec.Command("sh", "-c", tarCmd).Run())

	data, err := os.ReadFile(pkgPath)
	require.NoError(t, err)
	return data
}
