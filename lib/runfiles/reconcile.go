package runfiles

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/runstage/runstage/lib/fsext"
)

// Options selects the reconciliation mode.
type Options struct {
	// AllowRelative permits relative link targets in the manifest.
	AllowRelative bool
	// UseMetadata skips every even manifest line as opaque metadata.
	UseMetadata bool
	// WindowsCompatible realizes manifest links as hardlinks (file targets)
	// and directory junctions (directory targets) instead of POSIX symlinks,
	// and checks existing links by file identity instead of link text.
	WindowsCompatible bool
	// HardlinkCheck selects strict or weak hardlink equivalence; see
	// fsext.HardlinkCheck. Only consulted when WindowsCompatible is set.
	HardlinkCheck fsext.HardlinkCheck
}

type reconciler struct {
	fs     fsext.Fs
	logger logrus.FieldLogger
	base   string
	state  DesiredState
	opts   Options

	kept, pruned, created int
}

// reconcile drives both phases against the output base: scan the tree rooted
// at base keeping what already matches state and deleting the rest, then
// create whatever state still holds.
func reconcile(fs fsext.Fs, logger logrus.FieldLogger, base string, state DesiredState, opts Options) error {
	r := &reconciler{fs: fs, logger: logger, base: base, state: state, opts: opts}
	if err := r.scanAndPrune("."); err != nil {
		return err
	}
	r.logger.Debugf("scan done: kept %d entries, pruned %d", r.kept, r.pruned)
	if err := r.createFiles(); err != nil {
		return err
	}
	r.logger.Debugf("created %d entries", r.created)
	return nil
}

// abs turns a slash-separated relative path into a host path under the
// output base.
func (r *reconciler) abs(rel string) string {
	if rel == "." {
		return r.base
	}
	return filepath.Join(r.base, filepath.FromSlash(rel))
}

func classify(mode os.FileMode) FileKind {
	switch {
	case mode&os.ModeSymlink != 0:
		return FileSymlink
	case mode.IsDir():
		return FileDirectory
	default:
		return FileRegular
	}
}

// scanAndPrune is phase A: a depth-first walk that keeps matching entries
// (removing them from the desired state) and deletes everything else.
func (r *reconciler) scanAndPrune(dir string) error {
	if err := r.ensureMode(r.abs(dir)); err != nil {
		return err
	}

	infos, err := afero.ReadDir(r.fs, r.abs(dir))
	if err != nil {
		return fmt.Errorf("cannot list %s: %w", r.abs(dir), err)
	}

	for _, fi := range infos {
		rel := fi.Name()
		if dir != "." {
			rel = dir + "/" + fi.Name()
		} else if fi.Name() == fsext.TrashDirName {
			// our own trash directory is not part of the tree
			continue
		}

		lfi, _, err := r.fs.LstatIfPossible(r.abs(rel))
		if err != nil {
			return fmt.Errorf("cannot lstat %s: %w", r.abs(rel), err)
		}
		actual := classify(lfi.Mode())

		desired, wanted := r.state[rel]
		if wanted {
			correct, err := r.alreadyCorrect(rel, actual, desired)
			if err != nil {
				return err
			}
			if correct {
				delete(r.state, rel)
				r.kept++
				if desired.Kind == FileDirectory {
					if err := r.scanAndPrune(rel); err != nil {
						return err
					}
				}
				continue
			}
		}

		r.logger.WithField("path", rel).Debug("pruning")
		if err := r.delTree(rel, actual); err != nil {
			return err
		}
		r.pruned++
	}
	return nil
}

// alreadyCorrect decides whether the existing object at rel satisfies the
// desired entry. On POSIX both the kind and, for symlinks, the literal link
// text must match. Under Windows-family semantics a desired link matches by
// file identity: a junction to the target directory or a hardlink of the
// target file.
func (r *reconciler) alreadyCorrect(rel string, actual FileKind, desired Entry) (bool, error) {
	if r.opts.WindowsCompatible {
		if desired.Kind == FileSymlink {
			ok, err := r.fs.EquivalentLink(r.abs(rel), r.resolveTarget(desired.Target), r.opts.HardlinkCheck)
			if err != nil {
				return false, fmt.Errorf("cannot check link %s: %w", r.abs(rel), err)
			}
			return ok, nil
		}
		return actual == desired.Kind, nil
	}

	if actual != desired.Kind {
		return false, nil
	}
	if desired.Kind == FileSymlink {
		target, err := r.fs.Readlink(r.abs(rel))
		if err != nil {
			return false, fmt.Errorf("cannot read link %s: %w", r.abs(rel), err)
		}
		return target == desired.Target, nil
	}
	return true, nil
}

// delTree removes the object at rel; directories recursively. Junctions and
// symlinks are removed as single entries, never followed.
func (r *reconciler) delTree(rel string, kind FileKind) error {
	if kind == FileDirectory {
		if err := r.ensureMode(r.abs(rel)); err != nil {
			return err
		}
		infos, err := afero.ReadDir(r.fs, r.abs(rel))
		if err != nil {
			return fmt.Errorf("cannot list %s: %w", r.abs(rel), err)
		}
		for _, fi := range infos {
			childRel := rel + "/" + fi.Name()
			lfi, _, err := r.fs.LstatIfPossible(r.abs(childRel))
			if err != nil {
				return fmt.Errorf("cannot lstat %s: %w", r.abs(childRel), err)
			}
			if err := r.delTree(childRel, classify(lfi.Mode())); err != nil {
				return err
			}
		}
	}
	return r.remove(r.abs(rel))
}

// remove deletes a single object, falling back to trashing it when the
// platform supports that and the kernel refuses the removal.
func (r *reconciler) remove(name string) error {
	err := r.fs.Remove(name)
	if err == nil {
		return nil
	}
	terr := r.fs.Trash(r.base, name)
	if terr == nil {
		r.logger.WithField("path", name).Debug("removal denied, trashed instead")
		return nil
	}
	if errors.Is(terr, errors.ErrUnsupported) {
		return fmt.Errorf("cannot remove %s: %w", name, err)
	}
	return fmt.Errorf("cannot remove %s (%v) or trash it: %w", name, err, terr)
}

// ensureMode gives a directory the owner bits the walk needs, preserving the
// other permission bits.
func (r *reconciler) ensureMode(name string) error {
	fi, _, err := r.fs.LstatIfPossible(name)
	if err != nil {
		return fmt.Errorf("cannot lstat %s: %w", name, err)
	}
	perm := fi.Mode().Perm()
	if perm&0o700 == 0o700 {
		return nil
	}
	if err := r.fs.Chmod(name, perm|0o700); err != nil {
		return fmt.Errorf("cannot chmod %s: %w", name, err)
	}
	return nil
}

// createFiles is phase B: everything still in the desired state is missing
// from disk and gets created. Lexicographic order guarantees parents before
// children, because every ancestor was synthesized as a directory entry and
// a parent path sorts before any path it prefixes.
func (r *reconciler) createFiles() error {
	paths := make([]string, 0, len(r.state))
	for p := range r.state {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, rel := range paths {
		entry := r.state[rel]
		switch entry.Kind {
		case FileDirectory:
			if err := r.fs.Mkdir(r.abs(rel), 0o777); err != nil {
				return fmt.Errorf("cannot create directory %s: %w", r.abs(rel), err)
			}
		case FileRegular:
			// must not exist: pruning already removed any mismatched object
			f, err := r.fs.OpenFile(r.abs(rel), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o555)
			if err != nil {
				return fmt.Errorf("cannot create file %s: %w", r.abs(rel), err)
			}
			if err := f.Close(); err != nil {
				return fmt.Errorf("cannot close %s: %w", r.abs(rel), err)
			}
		case FileSymlink:
			if err := r.createLink(rel, entry.Target); err != nil {
				return err
			}
		default:
			return fmt.Errorf("unexpected file kind %d for %s", entry.Kind, rel)
		}
		delete(r.state, rel)
		r.created++
	}
	return nil
}

// createLink realizes a manifest link. In Windows-compatible mode the
// physical flavor depends on what the target is right now: a junction for a
// directory, a hardlink otherwise. On POSIX the link text is stored verbatim.
func (r *reconciler) createLink(rel, target string) error {
	if !r.opts.WindowsCompatible {
		if err := r.fs.Symlink(target, r.abs(rel)); err != nil {
			return fmt.Errorf("cannot create symlink %s: %w", r.abs(rel), err)
		}
		return nil
	}

	resolved := r.resolveTarget(target)
	fi, err := r.fs.Stat(resolved)
	if err != nil {
		return fmt.Errorf("cannot stat link target %s: %w", resolved, err)
	}
	if fi.IsDir() {
		if err := r.fs.Junction(resolved, r.abs(rel)); err != nil {
			return fmt.Errorf("cannot create junction %s: %w", r.abs(rel), err)
		}
		return nil
	}
	if err := r.fs.Hardlink(resolved, r.abs(rel)); err != nil {
		return fmt.Errorf("cannot create hardlink %s: %w", r.abs(rel), err)
	}
	return nil
}

// resolveTarget anchors relative targets at the output base, which is where
// the process working directory pointed in the original staging step.
// Absolute targets pass through verbatim.
func (r *reconciler) resolveTarget(target string) string {
	if fsext.IsAbsolutePath(target) {
		return target
	}
	return filepath.Join(r.base, target)
}
