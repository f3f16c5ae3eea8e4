package runfiles

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/runstage/runstage/lib/fsext"
)

// Stage reconciles the runfiles directory at outDir to exactly match the
// manifest at input, archiving a byte-identical copy of the manifest as
// outDir/MANIFEST. The rename of that copy is the commit point: observers
// never read a partial write. Once parsing succeeds the previous manifest is
// removed, so until the rename there is no MANIFEST at all.
//
// There is no rollback. Any filesystem failure aborts and leaves the tree
// partially reconciled; re-running with the same manifest recovers, because
// the scan phase converges from any starting state.
func Stage(fs fsext.Fs, logger logrus.FieldLogger, input, outDir string, opts Options) error {
	if err := prepareOutDir(fs, outDir); err != nil {
		return err
	}

	in, err := fs.Open(input)
	if err != nil {
		return fmt.Errorf("cannot open manifest: %w", err)
	}

	state := make(DesiredState)
	tmpPath := filepath.Join(outDir, ManifestTmpName)
	tmp, err := fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		in.Close() //nolint:errcheck
		return fmt.Errorf("cannot create manifest copy: %w", err)
	}

	parseErr := ParseManifest(in, tmp, ParseOptions{
		AllowRelative: opts.AllowRelative,
		UseMetadata:   opts.UseMetadata,
	}, state)
	in.Close() //nolint:errcheck
	if closeErr := tmp.Close(); parseErr == nil && closeErr != nil {
		parseErr = fmt.Errorf("cannot write manifest copy: %w", closeErr)
	}
	if parseErr != nil {
		return parseErr
	}

	// the in-progress copy must survive the prune pass
	state[ManifestTmpName] = Entry{Kind: FileRegular}

	if err := fs.Remove(filepath.Join(outDir, ManifestName)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("cannot remove old manifest: %w", err)
	}

	if err := reconcile(fs, logger, outDir, state, opts); err != nil {
		return err
	}
	if len(state) != 0 {
		return fmt.Errorf("internal error: %d entries were never materialized", len(state))
	}

	if err := fs.Rename(tmpPath, filepath.Join(outDir, ManifestName)); err != nil {
		return fmt.Errorf("cannot install manifest: %w", err)
	}
	return nil
}

// prepareOutDir creates the output base if needed, or makes sure an existing
// one is traversable and writable by us.
func prepareOutDir(fs fsext.Fs, outDir string) error {
	fi, err := fs.Stat(outDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("cannot stat output directory: %w", err)
		}
		if err := fs.MkdirAll(outDir, 0o777); err != nil {
			return fmt.Errorf("cannot create output directory: %w", err)
		}
		return nil
	}
	if !fi.IsDir() {
		return fmt.Errorf("output path %s is not a directory", outDir)
	}
	if perm := fi.Mode().Perm(); perm&0o700 != 0o700 {
		if err := fs.Chmod(outDir, perm|0o700); err != nil {
			return fmt.Errorf("cannot chmod output directory: %w", err)
		}
	}
	return nil
}
