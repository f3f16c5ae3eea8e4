package runfiles

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/runstage/runstage/lib/fsext"
)

// ParseOptions controls how manifest lines are interpreted.
type ParseOptions struct {
	// AllowRelative permits link targets that are not absolute paths.
	AllowRelative bool
	// UseMetadata marks every even-numbered line (1-indexed) as opaque
	// metadata: it is copied to the archive but creates no entry.
	UseMetadata bool
}

// ParseManifest reads newline-terminated manifest lines from r and inserts
// the entries they describe into state, synthesizing ancestor directories for
// every path. Every input line, metadata included, is simultaneously copied
// verbatim to archive so the archived manifest stays byte-identical to the
// input.
//
// The format is one entry per line: a relative path, a single space, and
// either a link target or nothing (an empty regular file). A line that does
// not contain exactly one space, an absolute path, a disallowed relative
// target, a duplicate path or a path demoting a known directory are all
// rejected with the 1-based line number and the offending text.
func ParseManifest(r io.Reader, archive io.Writer, opts ParseOptions, state DesiredState) error {
	br := bufio.NewReader(r)
	lineno := 0
	for {
		line, err := br.ReadString('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("cannot read manifest: %w", err)
		}
		if line == "" {
			break
		}
		lineno++

		if _, werr := io.WriteString(archive, line); werr != nil {
			return fmt.Errorf("cannot write manifest copy: %w", werr)
		}

		if !strings.HasSuffix(line, "\n") {
			return fmt.Errorf("missing line terminator at line %d: '%s'", lineno, line)
		}
		content := strings.TrimSuffix(line, "\n")

		if opts.UseMetadata && lineno%2 == 0 {
			continue
		}

		if perr := parseLine(content, lineno, opts, state); perr != nil {
			return perr
		}

		if err == io.EOF {
			break
		}
	}
	return nil
}

func parseLine(content string, lineno int, opts ParseOptions, state DesiredState) error {
	// exactly one space separates the path from the (possibly empty) target
	sep := strings.IndexByte(content, ' ')
	if sep < 0 || strings.IndexByte(content[sep+1:], ' ') >= 0 {
		return fmt.Errorf("missing field delimiter at line %d: '%s'", lineno, content)
	}
	relpath, target := content[:sep], content[sep+1:]

	if relpath == "" {
		return fmt.Errorf("empty path at line %d: '%s'", lineno, content)
	}
	if strings.HasPrefix(relpath, "/") {
		return fmt.Errorf("paths must not be absolute: line %d: '%s'", lineno, content)
	}

	entry := Entry{Kind: FileRegular}
	if target != "" {
		if !opts.AllowRelative && !fsext.IsAbsolutePath(target) {
			return fmt.Errorf("expected absolute path at line %d: '%s'", lineno, content)
		}
		entry = Entry{Kind: FileSymlink, Target: target}
	}

	if old, present := state[relpath]; present {
		if old.Kind == FileDirectory {
			return fmt.Errorf("path is used as both a directory and a %s at line %d: '%s'",
				entry.Kind, lineno, content)
		}
		return fmt.Errorf("duplicate path at line %d: '%s'", lineno, content)
	}
	state[relpath] = entry

	// Synthesize ancestors, stopping at the first one already present: if an
	// ancestor is known, all further ancestors are too. An ancestor known as
	// anything but a directory makes the manifest ill-formed.
	for dir := path.Dir(relpath); dir != "."; dir = path.Dir(dir) {
		if old, present := state[dir]; present {
			if old.Kind != FileDirectory {
				return fmt.Errorf("path is used as both a %s and a directory at line %d: '%s'",
					old.Kind, lineno, content)
			}
			break
		}
		state[dir] = Entry{Kind: FileDirectory}
	}
	return nil
}
