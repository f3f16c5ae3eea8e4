package fsext

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/afero"
)

type fakeLinkKind int

const (
	fakeSymlink fakeLinkKind = iota
	fakeJunction
)

type fakeLink struct {
	kind   fakeLinkKind
	target string
}

// FakeWindowsFs is an in-memory Fs with Windows-family link semantics:
// symlinks and junctions are tracked as reparse-like entries, hardlinks share
// a synthetic file identity whose names can be enumerated, removals can be
// made to fail like a sharing violation, and Trash moves objects aside the
// way the real implementation does. It lets the reconciler's Windows code
// path run on any host.
type FakeWindowsFs struct {
	afero.Fs

	mu       sync.Mutex
	links    map[string]fakeLink
	inodeOf  map[string]int
	names    map[int][]string
	nextIno  int
	busy     map[string]bool
	trashSeq int
}

// NewFakeWindowsFs returns an empty FakeWindowsFs.
func NewFakeWindowsFs() *FakeWindowsFs {
	return &FakeWindowsFs{
		Fs:      afero.NewMemMapFs(),
		links:   make(map[string]fakeLink),
		inodeOf: make(map[string]int),
		names:   make(map[int][]string),
		busy:    make(map[string]bool),
	}
}

var _ Fs = (*FakeWindowsFs)(nil)

// Name returns the name of the filesystem.
func (m *FakeWindowsFs) Name() string { return "FakeWindowsFs" }

func fakeKey(name string) string {
	return filepath.ToSlash(filepath.Clean(name))
}

// SetBusy marks name so that Remove fails the way Windows does when the
// kernel still holds the object open. Trash still succeeds on it.
func (m *FakeWindowsFs) SetBusy(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.busy[fakeKey(name)] = true
}

// ForgetName drops name from the enumerable names of its file identity while
// keeping the identity itself, mimicking a hardlink name the enumeration
// cannot see. It lets tests tell the strict and weak checks apart.
func (m *FakeWindowsFs) ForgetName(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := fakeKey(name)
	ino, ok := m.inodeOf[key]
	if !ok {
		return
	}
	kept := m.names[ino][:0]
	for _, n := range m.names[ino] {
		if fakeKey(n) != key {
			kept = append(kept, n)
		}
	}
	m.names[ino] = kept
}

// TrashedNames returns the names objects were trashed under, sorted by name.
func (m *FakeWindowsFs) TrashedNames(base string) ([]string, error) {
	infos, err := afero.ReadDir(m, filepath.Join(base, TrashDirName))
	if err != nil {
		return nil, err
	}
	names := make([]string, len(infos))
	for i, fi := range infos {
		names[i] = fi.Name()
	}
	return names, nil
}

// LstatIfPossible reports reparse-like entries as symlinks and everything
// else as the backing memory filesystem sees it.
func (m *FakeWindowsFs) LstatIfPossible(name string) (os.FileInfo, bool, error) {
	m.mu.Lock()
	link, isLink := m.links[fakeKey(name)]
	m.mu.Unlock()
	if isLink {
		mode := os.ModeSymlink | 0o777
		if link.kind == fakeJunction {
			mode |= os.ModeDir
		}
		return fakeFileInfo{name: filepath.Base(name), mode: mode}, true, nil
	}
	fi, err := m.Fs.Stat(name)
	return fi, true, err
}

// Readlink returns the recorded target of a symlink or junction, verbatim.
func (m *FakeWindowsFs) Readlink(name string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if link, ok := m.links[fakeKey(name)]; ok {
		return link.target, nil
	}
	return "", &os.PathError{Op: "readlink", Path: name, Err: syscall.EINVAL}
}

// Symlink records a symlink entry backed by an empty file.
func (m *FakeWindowsFs) Symlink(target, name string) error {
	if err := afero.WriteFile(m.Fs, name, nil, 0o777); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[fakeKey(name)] = fakeLink{kind: fakeSymlink, target: target}
	return nil
}

// Hardlink adds name as another name of the file at target.
func (m *FakeWindowsFs) Hardlink(target, name string) error {
	content, err := afero.ReadFile(m.Fs, target)
	if err != nil {
		return &os.PathError{Op: "link", Path: target, Err: err}
	}
	if err := afero.WriteFile(m.Fs, name, content, 0o666); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	ino, ok := m.inodeOf[fakeKey(target)]
	if !ok {
		m.nextIno++
		ino = m.nextIno
		m.inodeOf[fakeKey(target)] = ino
	}
	m.inodeOf[fakeKey(name)] = ino
	for _, n := range []string{target, name} {
		known := false
		for _, existing := range m.names[ino] {
			if fakeKey(existing) == fakeKey(n) {
				known = true
				break
			}
		}
		if !known {
			m.names[ino] = append(m.names[ino], n)
		}
	}
	return nil
}

// Junction records a directory junction backed by a directory entry.
func (m *FakeWindowsFs) Junction(target, name string) error {
	if err := m.Fs.MkdirAll(name, 0o777); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.links[fakeKey(name)] = fakeLink{kind: fakeJunction, target: target}
	return nil
}

// EquivalentLink mirrors the real Windows check: junctions compare their
// reparse target, hardlinks compare names (strict) or identity (weak).
func (m *FakeWindowsFs) EquivalentLink(name, target string, check HardlinkCheck) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if link, ok := m.links[fakeKey(name)]; ok {
		return EqualWindowsPaths(link.target, target), nil
	}

	ino, ok := m.inodeOf[fakeKey(name)]
	if !ok {
		return false, nil
	}
	if check == HardlinkCheckWeak {
		return m.inodeOf[fakeKey(target)] == ino, nil
	}
	for _, n := range m.names[ino] {
		if EqualWindowsPaths(n, target) {
			return true, nil
		}
	}
	return false, nil
}

// Remove fails with an access error for busy objects, like a kernel that
// still has the file open.
func (m *FakeWindowsFs) Remove(name string) error {
	m.mu.Lock()
	if m.busy[fakeKey(name)] {
		m.mu.Unlock()
		return &os.PathError{Op: "remove", Path: name, Err: syscall.EACCES}
	}
	m.forget(name)
	m.mu.Unlock()
	return m.Fs.Remove(name)
}

// Trash moves name into the trash directory under base; it succeeds even for
// busy objects, which is the whole point of the fallback.
func (m *FakeWindowsFs) Trash(base, name string) error {
	trashDir := filepath.Join(base, TrashDirName)
	if err := m.Fs.MkdirAll(trashDir, 0o777); err != nil {
		return err
	}

	m.mu.Lock()
	m.trashSeq++
	dest := filepath.Join(trashDir, fmt.Sprintf("%d-%016x", m.trashSeq, m.trashSeq))
	delete(m.busy, fakeKey(name))
	m.forget(name)
	m.mu.Unlock()

	return m.Fs.Rename(name, dest)
}

// forget drops link and identity bookkeeping for name. Callers hold mu.
func (m *FakeWindowsFs) forget(name string) {
	key := fakeKey(name)
	delete(m.links, key)
	if ino, ok := m.inodeOf[key]; ok {
		delete(m.inodeOf, key)
		kept := m.names[ino][:0]
		for _, n := range m.names[ino] {
			if fakeKey(n) != key {
				kept = append(kept, n)
			}
		}
		m.names[ino] = kept
	}
}

type fakeFileInfo struct {
	name string
	mode os.FileMode
}

func (fi fakeFileInfo) Name() string       { return fi.name }
func (fi fakeFileInfo) Size() int64        { return 0 }
func (fi fakeFileInfo) Mode() os.FileMode  { return fi.mode }
func (fi fakeFileInfo) ModTime() time.Time { return time.Time{} }
func (fi fakeFileInfo) IsDir() bool        { return fi.mode.IsDir() }
func (fi fakeFileInfo) Sys() interface{}   { return nil }
