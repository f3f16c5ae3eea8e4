// Package fsext provides the filesystem capability used by the rest of the
// codebase. It extends the afero.Fs surface with the link-related operations
// that staging a runfiles tree needs: lstat, readlink, symlinks, hardlinks,
// NTFS directory junctions, and the Windows-only "trash" fallback for busy
// files. The reconciler only ever talks to this interface, so both the POSIX
// and the Windows-family code paths can be exercised on any host.
package fsext

import (
	"fmt"
	"strings"

	"github.com/spf13/afero"
)

// Fs is the filesystem interface consumed by the staging core.
type Fs interface {
	afero.Fs
	afero.Lstater
	LinkOps
}

// LinkOps are the link-flavored operations that plain afero does not cover.
type LinkOps interface {
	// Readlink returns the stored target of the symlink at name, verbatim.
	Readlink(name string) (string, error)

	// Symlink creates a POSIX symlink at name pointing to target. The target
	// string is stored as given, without any normalization.
	Symlink(target, name string) error

	// Hardlink creates an additional name for the file at target.
	Hardlink(target, name string) error

	// Junction creates an NTFS directory junction at name redirecting to the
	// directory at target. On platforms without junctions it returns an error
	// wrapping errors.ErrUnsupported.
	Junction(target, name string) error

	// EquivalentLink reports whether the object at name already realizes a
	// manifest link to target under Windows-family semantics, i.e. whether it
	// is a junction to the target directory or a hardlink of the target file.
	// The check parameter selects how hardlink identity is established.
	EquivalentLink(name, target string, check HardlinkCheck) (bool, error)

	// Trash moves name into the trash directory under base, for use when a
	// removal is denied because the kernel still holds the object open. On
	// platforms without this fallback it returns an error wrapping
	// errors.ErrUnsupported and the caller must treat the original removal
	// failure as fatal.
	Trash(base, name string) error
}

// TrashDirName is the output-base-local directory busy files are moved into
// on Windows-family platforms. The reconciler never prunes it.
const TrashDirName = "bazel-trash"

// HardlinkCheck selects how hardlink equivalence is established when deciding
// whether an existing file already realizes a manifest link.
type HardlinkCheck string

const (
	// HardlinkCheckStrict requires the desired absolute target to be among
	// the hardlink names of the existing file.
	HardlinkCheckStrict HardlinkCheck = "strict"
	// HardlinkCheckWeak only requires the existing file and the desired
	// target to be the same file identity, even if the target path cannot be
	// enumerated among the file's names.
	HardlinkCheckWeak HardlinkCheck = "weak"
)

// ParseHardlinkCheck validates a --hardlink_check flag value.
func ParseHardlinkCheck(s string) (HardlinkCheck, error) {
	switch HardlinkCheck(s) {
	case HardlinkCheckStrict, HardlinkCheckWeak:
		return HardlinkCheck(s), nil
	}
	return "", fmt.Errorf("invalid hardlink check mode '%s', expected 'strict' or 'weak'", s)
}

// NormalizeWindowsPath rewrites a path to the canonical Windows-family form
// used for equivalence checks: forward slashes become backslashes and a drive
// letter prefix is upper-cased. The input string itself is never rewritten on
// disk; this is confined to comparisons.
func NormalizeWindowsPath(path string) string {
	p := strings.ReplaceAll(path, "/", `\`)
	if len(p) >= 2 && p[1] == ':' && p[0] >= 'a' && p[0] <= 'z' {
		p = string(p[0]-'a'+'A') + p[1:]
	}
	return p
}

// EqualWindowsPaths compares two paths under Windows-family semantics:
// separators are normalized and the drive-letter prefix is case-insensitive.
func EqualWindowsPaths(a, b string) bool {
	return NormalizeWindowsPath(a) == NormalizeWindowsPath(b)
}

// IsAbsolutePath reports whether path is absolute in either the POSIX or the
// Windows drive-letter sense. Manifest targets may use either form regardless
// of the host platform.
func IsAbsolutePath(path string) bool {
	if strings.HasPrefix(path, "/") {
		return true
	}
	if len(path) >= 3 && path[1] == ':' && (path[2] == '\\' || path[2] == '/') {
		return true
	}
	return false
}
