package fsext

import (
	"os"

	"github.com/spf13/afero"
)

type osFs struct {
	afero.Fs
}

// NewOsFs returns the real, os-package-backed filesystem.
func NewOsFs() Fs {
	return &osFs{Fs: afero.NewOsFs()}
}

func (*osFs) Name() string { return "OsFs" }

func (*osFs) LstatIfPossible(name string) (os.FileInfo, bool, error) {
	fi, err := os.Lstat(name)
	return fi, true, err
}

func (*osFs) Readlink(name string) (string, error) {
	return os.Readlink(name)
}

func (*osFs) Symlink(target, name string) error {
	return os.Symlink(target, name)
}

func (*osFs) Hardlink(target, name string) error {
	return os.Link(target, name)
}

func (*osFs) Junction(target, name string) error {
	return makeJunction(target, name)
}

func (*osFs) EquivalentLink(name, target string, check HardlinkCheck) (bool, error) {
	return equivalentLink(name, target, check)
}

func (*osFs) Trash(base, name string) error {
	return trashFile(base, name)
}
