//go:build !windows

package fsext

import (
	"errors"
	"fmt"
	"os"
)

func makeJunction(target, name string) error {
	return fmt.Errorf("cannot create junction %s -> %s: %w", name, target, errors.ErrUnsupported)
}

// equivalentLink is only reachable on POSIX hosts when --windows_compatible
// was requested anyway, e.g. when reconciling a tree shared with a Windows
// consumer. There are no reparse points here, and hardlink names cannot be
// enumerated, so both check modes collapse to a file identity comparison.
func equivalentLink(name, target string, _ HardlinkCheck) (bool, error) {
	actual, err := os.Lstat(name)
	if err != nil {
		return false, err
	}
	wanted, err := os.Stat(target)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return os.SameFile(actual, wanted), nil
}

func trashFile(base, name string) error {
	return fmt.Errorf("cannot trash %s: %w", name, errors.ErrUnsupported)
}
