// Package runfiles implements the staging core: parsing a runfiles manifest
// into the desired state of an output directory and reconciling the directory
// to match it exactly. The reconciliation is a two-phase protocol - scan the
// existing tree and prune everything that does not match, then create what is
// still missing - so an interrupted run is always recoverable by re-running.
package runfiles

// FileKind is the logical kind of a staged entry. A Symlink is the logical
// category; depending on the mode it is realized as a POSIX symlink, a
// hardlink or an NTFS directory junction.
type FileKind int

const (
	// FileRegular is a regular file. The staging core only guarantees its
	// presence, never its content.
	FileRegular FileKind = iota
	// FileDirectory is a directory.
	FileDirectory
	// FileSymlink is a link to a target path outside or inside the tree.
	FileSymlink
)

func (k FileKind) String() string {
	switch k {
	case FileRegular:
		return "regular file"
	case FileDirectory:
		return "directory"
	case FileSymlink:
		return "symlink"
	}
	return "unknown"
}

// Entry is the desired shape of a single relative path in the tree. Target is
// only meaningful for FileSymlink and holds the manifest's target string
// verbatim; no normalization happens before the equivalence checks in the
// reconciler.
type Entry struct {
	Kind   FileKind
	Target string
}

// DesiredState maps slash-separated relative paths to the entries the output
// directory should contain. The parser populates it, including synthesized
// ancestor directories, and the reconciler drains it as it verifies or
// creates each entry. After a successful run it is empty.
type DesiredState map[string]Entry

// The archived manifest copy inside the output base and the temporary name it
// is streamed to before the final atomic rename.
const (
	ManifestName    = "MANIFEST"
	ManifestTmpName = "MANIFEST.tmp"
)
