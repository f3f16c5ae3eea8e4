package runfiles

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/runstage/runstage/internal/lib/testutils"
	"github.com/runstage/runstage/lib/fsext"
)

func stageString(t *testing.T, manifest, outDir string, opts Options) error {
	t.Helper()
	input := filepath.Join(t.TempDir(), "input_manifest")
	require.NoError(t, os.WriteFile(input, []byte(manifest), 0o644))
	return Stage(fsext.NewOsFs(), testutils.NewLogger(t), input, outDir, opts)
}

// listTree returns every path below root, slash-separated and sorted.
func listTree(t *testing.T, root string) []string {
	t.Helper()
	var paths []string
	err := filepath.Walk(root, func(p string, _ fs.FileInfo, err error) error {
		if err != nil || p == root {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	require.NoError(t, err)
	sort.Strings(paths)
	return paths
}

func TestStageEmptyManifest(t *testing.T) {
	t.Parallel()

	outDir := filepath.Join(t.TempDir(), "runfiles")
	require.NoError(t, stageString(t, "", outDir, Options{}))

	assert.Equal(t, []string{"MANIFEST"}, listTree(t, outDir))
	content, err := os.ReadFile(filepath.Join(outDir, "MANIFEST"))
	require.NoError(t, err)
	assert.Empty(t, content)
}

func TestStageSingleSymlink(t *testing.T) {
	t.Parallel()

	outDir := filepath.Join(t.TempDir(), "runfiles")
	require.NoError(t, stageString(t, "foo/bar /etc/hosts\n", outDir, Options{}))

	assert.Equal(t, []string{"MANIFEST", "foo", "foo/bar"}, listTree(t, outDir))

	target, err := os.Readlink(filepath.Join(outDir, "foo", "bar"))
	require.NoError(t, err)
	assert.Equal(t, "/etc/hosts", target, "the link text must be the manifest target, verbatim")

	content, err := os.ReadFile(filepath.Join(outDir, "MANIFEST"))
	require.NoError(t, err)
	assert.Equal(t, "foo/bar /etc/hosts\n", string(content))
}

func TestStageEmptyFile(t *testing.T) {
	t.Parallel()

	outDir := filepath.Join(t.TempDir(), "runfiles")
	require.NoError(t, stageString(t, "touched \n", outDir, Options{}))

	fi, err := os.Lstat(filepath.Join(outDir, "touched"))
	require.NoError(t, err)
	assert.True(t, fi.Mode().IsRegular())
	assert.Zero(t, fi.Size())
	assert.Zero(t, fi.Mode().Perm()&0o222, "staged files are read-only")
}

func TestStagePruneExtraneous(t *testing.T) {
	t.Parallel()

	outDir := filepath.Join(t.TempDir(), "runfiles")
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "stale", "deeper"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "stale", "file"), []byte("x"), 0o644))

	require.NoError(t, stageString(t, "", outDir, Options{}))
	assert.Equal(t, []string{"MANIFEST"}, listTree(t, outDir))
}

func TestStagePrunesReadOnlyDirectories(t *testing.T) {
	t.Parallel()

	outDir := filepath.Join(t.TempDir(), "runfiles")
	stale := filepath.Join(outDir, "stale")
	require.NoError(t, os.MkdirAll(stale, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(stale, "file"), nil, 0o444))
	require.NoError(t, os.Chmod(stale, 0o500))
	t.Cleanup(func() { _ = os.Chmod(stale, 0o755) }) // in case the prune fails

	require.NoError(t, stageString(t, "", outDir, Options{}))
	assert.Equal(t, []string{"MANIFEST"}, listTree(t, outDir))
}

func TestStageReconcileWrongTarget(t *testing.T) {
	t.Parallel()

	outDir := filepath.Join(t.TempDir(), "runfiles")
	require.NoError(t, os.MkdirAll(outDir, 0o755))
	require.NoError(t, os.Symlink("/old", filepath.Join(outDir, "link")))

	require.NoError(t, stageString(t, "link /new\n", outDir, Options{}))

	target, err := os.Readlink(filepath.Join(outDir, "link"))
	require.NoError(t, err)
	assert.Equal(t, "/new", target)
}

func TestStageReplacesMismatchedKinds(t *testing.T) {
	t.Parallel()

	outDir := filepath.Join(t.TempDir(), "runfiles")
	require.NoError(t, os.MkdirAll(filepath.Join(outDir, "entry"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outDir, "entry", "junk"), []byte("j"), 0o644))

	// the manifest wants a regular file where a populated directory sits
	require.NoError(t, stageString(t, "entry \n", outDir, Options{}))

	fi, err := os.Lstat(filepath.Join(outDir, "entry"))
	require.NoError(t, err)
	assert.True(t, fi.Mode().IsRegular())
}

func TestStageIdempotent(t *testing.T) {
	t.Parallel()

	manifest := "a/b/c /etc/hosts\ntouched \n"
	outDir := filepath.Join(t.TempDir(), "runfiles")

	require.NoError(t, stageString(t, manifest, outDir, Options{}))
	first := listTree(t, outDir)

	// mutate a kept file's content; a second run must keep, not recreate, it
	touched := filepath.Join(outDir, "touched")
	require.NoError(t, os.Chmod(touched, 0o644))
	require.NoError(t, os.WriteFile(touched, []byte("payload"), 0o644))

	require.NoError(t, stageString(t, manifest, outDir, Options{}))
	assert.Equal(t, first, listTree(t, outDir))

	content, err := os.ReadFile(touched)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content), "contents are not validated, so the file must survive")
}

func TestStageParentSynthesis(t *testing.T) {
	t.Parallel()

	outDir := filepath.Join(t.TempDir(), "runfiles")
	require.NoError(t, stageString(t, "a/b/c /etc/hosts\n", outDir, Options{}))

	for _, dir := range []string{"a", filepath.Join("a", "b")} {
		fi, err := os.Lstat(filepath.Join(outDir, dir))
		require.NoError(t, err)
		assert.True(t, fi.IsDir(), "%s should be a directory", dir)
	}
}

func TestStageMetadataRoundTrip(t *testing.T) {
	t.Parallel()

	manifest := "foo /etc/hosts\nbuild metadata with spaces\nbar \nchecksum 1234 deadbeef\n"
	outDir := filepath.Join(t.TempDir(), "runfiles")
	require.NoError(t, stageString(t, manifest, outDir, Options{UseMetadata: true}))

	content, err := os.ReadFile(filepath.Join(outDir, "MANIFEST"))
	require.NoError(t, err)
	assert.Equal(t, manifest, string(content))
	assert.Equal(t, []string{"MANIFEST", "bar", "foo"}, listTree(t, outDir))
}

func TestStageParseFailureKeepsOldManifest(t *testing.T) {
	t.Parallel()

	outDir := filepath.Join(t.TempDir(), "runfiles")
	require.NoError(t, stageString(t, "foo \n", outDir, Options{}))

	err := stageString(t, "malformed\n", outDir, Options{})
	require.ErrorContains(t, err, "missing field delimiter at line 1")

	// the parse failed before the commit point, so the archive is untouched
	content, rerr := os.ReadFile(filepath.Join(outDir, "MANIFEST"))
	require.NoError(t, rerr)
	assert.Equal(t, "foo \n", string(content))
}

func TestStageMissingInput(t *testing.T) {
	t.Parallel()

	err := Stage(fsext.NewOsFs(), testutils.NewLogger(t),
		filepath.Join(t.TempDir(), "does_not_exist"), filepath.Join(t.TempDir(), "runfiles"), Options{})
	require.ErrorContains(t, err, "cannot open manifest")
}

func windowsStage(t *testing.T, mfs *fsext.FakeWindowsFs, manifest string, opts Options) error {
	t.Helper()
	opts.WindowsCompatible = true
	if opts.HardlinkCheck == "" {
		opts.HardlinkCheck = fsext.HardlinkCheckStrict
	}
	require.NoError(t, afero.WriteFile(mfs, "/test/input_manifest", []byte(manifest), 0o644))
	return Stage(mfs, testutils.NewLogger(t), "/test/input_manifest", "/test/out", opts)
}

func TestStageWindowsJunctionForDirectoryTarget(t *testing.T) {
	t.Parallel()

	mfs := fsext.NewFakeWindowsFs()
	require.NoError(t, mfs.MkdirAll("/test/tools", 0o755))

	require.NoError(t, windowsStage(t, mfs, "dlink /test/tools\n", Options{}))

	fi, _, err := mfs.LstatIfPossible("/test/out/dlink")
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeSymlink, "directory targets become junctions")
	assert.True(t, fi.IsDir())

	target, err := mfs.Readlink("/test/out/dlink")
	require.NoError(t, err)
	assert.Equal(t, "/test/tools", target)

	// a second run finds the junction equivalent and keeps it
	require.NoError(t, windowsStage(t, mfs, "dlink /test/tools\n", Options{}))
}

func TestStageWindowsHardlinkForFileTarget(t *testing.T) {
	t.Parallel()

	mfs := fsext.NewFakeWindowsFs()
	require.NoError(t, afero.WriteFile(mfs, "/test/tool.exe", []byte("bin"), 0o755))

	require.NoError(t, windowsStage(t, mfs, "flink /test/tool.exe\n", Options{}))

	ok, err := mfs.EquivalentLink("/test/out/flink", "/test/tool.exe", fsext.HardlinkCheckStrict)
	require.NoError(t, err)
	assert.True(t, ok, "file targets become hardlinks of the target")

	content, err := afero.ReadFile(mfs, "/test/out/flink")
	require.NoError(t, err)
	assert.Equal(t, "bin", string(content))
}

func TestStageWindowsMissingLinkTargetIsFatal(t *testing.T) {
	t.Parallel()

	mfs := fsext.NewFakeWindowsFs()
	err := windowsStage(t, mfs, "flink /test/nope\n", Options{})
	require.ErrorContains(t, err, "cannot stat link target")
}

func TestStageWindowsTrashFallback(t *testing.T) {
	t.Parallel()

	mfs := fsext.NewFakeWindowsFs()
	require.NoError(t, afero.WriteFile(mfs, "/test/out/stale.dll", []byte("locked"), 0o644))
	mfs.SetBusy("/test/out/stale.dll")

	require.NoError(t, windowsStage(t, mfs, "", Options{}))

	_, _, err := mfs.LstatIfPossible("/test/out/stale.dll")
	require.True(t, os.IsNotExist(err), "the busy file must be out of the tree")

	trashed, err := mfs.TrashedNames("/test/out")
	require.NoError(t, err)
	assert.Len(t, trashed, 1)
}

func TestStageWindowsHardlinkCheckModes(t *testing.T) {
	t.Parallel()

	setup := func(t *testing.T) *fsext.FakeWindowsFs {
		mfs := fsext.NewFakeWindowsFs()
		require.NoError(t, afero.WriteFile(mfs, "/test/tool.exe", []byte("bin"), 0o755))
		require.NoError(t, mfs.MkdirAll("/test/out", 0o777))
		require.NoError(t, mfs.Hardlink("/test/tool.exe", "/test/out/flink"))
		// the target identity stays, but its name can no longer be enumerated
		mfs.ForgetName("/test/tool.exe")
		return mfs
	}

	t.Run("strict recreates", func(t *testing.T) {
		t.Parallel()
		mfs := setup(t)
		require.NoError(t, windowsStage(t, mfs, "flink /test/tool.exe\n",
			Options{HardlinkCheck: fsext.HardlinkCheckStrict}))
		ok, err := mfs.EquivalentLink("/test/out/flink", "/test/tool.exe", fsext.HardlinkCheckStrict)
		require.NoError(t, err)
		assert.True(t, ok, "the link was pruned and recreated with an enumerable name")
	})

	t.Run("weak keeps", func(t *testing.T) {
		t.Parallel()
		mfs := setup(t)
		require.NoError(t, windowsStage(t, mfs, "flink /test/tool.exe\n",
			Options{HardlinkCheck: fsext.HardlinkCheckWeak}))
		ok, err := mfs.EquivalentLink("/test/out/flink", "/test/tool.exe", fsext.HardlinkCheckStrict)
		require.NoError(t, err)
		assert.False(t, ok, "the existing link satisfied the weak check and was kept")
	})
}

func TestStageWindowsSeparatorNormalization(t *testing.T) {
	t.Parallel()

	mfs := fsext.NewFakeWindowsFs()
	require.NoError(t, mfs.MkdirAll("/test/tools", 0o755))
	require.NoError(t, windowsStage(t, mfs, "dlink /test/tools\n", Options{}))

	// the junction target and the manifest target differ only in separators
	ok, err := mfs.EquivalentLink("/test/out/dlink", `\test\tools`, fsext.HardlinkCheckStrict)
	require.NoError(t, err)
	assert.True(t, ok)
}
