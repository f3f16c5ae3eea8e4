//go:build windows

package fsext

import (
	"bytes"
	crand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf16"
	"unsafe"

	"golang.org/x/sys/windows"
)

var (
	kernel32              = windows.NewLazySystemDLL("kernel32.dll")
	procFindFirstFileName = kernel32.NewProc("FindFirstFileNameW")
	procFindNextFileName  = kernel32.NewProc("FindNextFileNameW")
)

// makeJunction creates a directory at name and turns it into a mount point
// reparse point redirecting to target. Junctions, unlike symlinks, do not
// need an elevated token.
func makeJunction(target, name string) error {
	if err := os.Mkdir(name, 0o777); err != nil {
		return err
	}

	h, err := openReparseHandle(name, windows.GENERIC_WRITE)
	if err != nil {
		return fmt.Errorf("cannot open junction %s: %w", name, err)
	}
	defer windows.CloseHandle(h) //nolint:errcheck

	data := encodeMountPoint(NormalizeWindowsPath(target))
	var returned uint32
	err = windows.DeviceIoControl(h, windows.FSCTL_SET_REPARSE_POINT,
		&data[0], uint32(len(data)), nil, 0, &returned, nil)
	if err != nil {
		return fmt.Errorf("cannot set junction %s -> %s: %w", name, target, err)
	}
	return nil
}

func openReparseHandle(name string, access uint32) (windows.Handle, error) {
	p, err := windows.UTF16PtrFromString(name)
	if err != nil {
		return windows.InvalidHandle, err
	}
	return windows.CreateFile(p, access,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil, windows.OPEN_EXISTING,
		windows.FILE_FLAG_OPEN_REPARSE_POINT|windows.FILE_FLAG_BACKUP_SEMANTICS, 0)
}

// encodeMountPoint serializes a REPARSE_DATA_BUFFER with a mount point
// payload. The substitute name carries the NT namespace prefix, the print
// name the plain path.
func encodeMountPoint(target string) []byte {
	substitute := utf16.Encode([]rune(`\??\` + target))
	print := utf16.Encode([]rune(target))

	subBytes := uint16(len(substitute) * 2)
	printBytes := uint16(len(print) * 2)
	// path data header + both strings, each with a UTF-16 NUL
	dataLen := uint16(8) + subBytes + 2 + printBytes + 2

	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, uint32(windows.IO_REPARSE_TAG_MOUNT_POINT)) //nolint:errcheck
	binary.Write(buf, binary.LittleEndian, dataLen)                                    //nolint:errcheck
	binary.Write(buf, binary.LittleEndian, uint16(0))                                  // Reserved
	binary.Write(buf, binary.LittleEndian, uint16(0))                                  // SubstituteNameOffset
	binary.Write(buf, binary.LittleEndian, subBytes)                                   // SubstituteNameLength
	binary.Write(buf, binary.LittleEndian, subBytes+2)                                 // PrintNameOffset
	binary.Write(buf, binary.LittleEndian, printBytes)                                 // PrintNameLength
	binary.Write(buf, binary.LittleEndian, substitute)                                 //nolint:errcheck
	binary.Write(buf, binary.LittleEndian, uint16(0))                                  //nolint:errcheck
	binary.Write(buf, binary.LittleEndian, print)                                      //nolint:errcheck
	binary.Write(buf, binary.LittleEndian, uint16(0))                                  //nolint:errcheck
	return buf.Bytes()
}

// readReparseTarget returns the substitute name of the reparse point at name,
// with the NT namespace prefix stripped.
func readReparseTarget(name string) (string, error) {
	h, err := openReparseHandle(name, windows.GENERIC_READ)
	if err != nil {
		return "", err
	}
	defer windows.CloseHandle(h) //nolint:errcheck

	buf := make([]byte, windows.MAXIMUM_REPARSE_DATA_BUFFER_SIZE)
	var returned uint32
	err = windows.DeviceIoControl(h, windows.FSCTL_GET_REPARSE_POINT,
		nil, 0, &buf[0], uint32(len(buf)), &returned, nil)
	if err != nil {
		return "", err
	}

	tag := binary.LittleEndian.Uint32(buf[0:4])
	if tag != windows.IO_REPARSE_TAG_MOUNT_POINT && tag != windows.IO_REPARSE_TAG_SYMLINK {
		return "", fmt.Errorf("%s: unexpected reparse tag 0x%x", name, tag)
	}
	// symlink payloads carry an extra Flags field before the path buffer
	subOff := int(binary.LittleEndian.Uint16(buf[8:10]))
	subLen := int(binary.LittleEndian.Uint16(buf[10:12]))
	pathOff := 16
	if tag == windows.IO_REPARSE_TAG_SYMLINK {
		pathOff = 20
	}

	raw := buf[pathOff+subOff : pathOff+subOff+subLen]
	u16 := make([]uint16, subLen/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(raw[2*i:])
	}
	return strings.TrimPrefix(string(utf16.Decode(u16)), `\??\`), nil
}

// hardlinkNames enumerates every name of the file at name, drive-qualified
// with the drive of the queried path.
func hardlinkNames(name string) ([]string, error) {
	abs, err := filepath.Abs(name)
	if err != nil {
		return nil, err
	}
	drive := ""
	if len(abs) >= 2 && abs[1] == ':' {
		drive = abs[:2]
	}

	p, err := windows.UTF16PtrFromString(abs)
	if err != nil {
		return nil, err
	}

	var names []string
	size := uint32(windows.MAX_PATH)
	linkName := make([]uint16, size)
	h, _, callErr := procFindFirstFileName.Call(
		uintptr(unsafe.Pointer(p)), 0,
		uintptr(unsafe.Pointer(&size)), uintptr(unsafe.Pointer(&linkName[0])))
	if windows.Handle(h) == windows.InvalidHandle {
		return nil, callErr
	}
	defer windows.FindClose(windows.Handle(h)) //nolint:errcheck

	for {
		names = append(names, drive+windows.UTF16ToString(linkName))
		size = uint32(len(linkName))
		ok, _, callErr := procFindNextFileName.Call(h,
			uintptr(unsafe.Pointer(&size)), uintptr(unsafe.Pointer(&linkName[0])))
		if ok == 0 {
			if callErr == windows.ERROR_HANDLE_EOF {
				break
			}
			return nil, callErr
		}
	}
	return names, nil
}

func equivalentLink(name, target string, check HardlinkCheck) (bool, error) {
	fi, err := os.Lstat(name)
	if err != nil {
		return false, err
	}

	if fi.Mode()&os.ModeSymlink != 0 {
		// junction or native symlink: compare the stored reparse target
		actual, err := readReparseTarget(name)
		if err != nil {
			return false, err
		}
		return EqualWindowsPaths(actual, target), nil
	}
	if fi.IsDir() {
		return false, nil
	}

	switch check {
	case HardlinkCheckWeak:
		wanted, err := os.Stat(target)
		if err != nil {
			if os.IsNotExist(err) {
				return false, nil
			}
			return false, err
		}
		return os.SameFile(fi, wanted), nil
	default:
		names, err := hardlinkNames(name)
		if err != nil {
			return false, err
		}
		for _, n := range names {
			if EqualWindowsPaths(n, target) {
				return true, nil
			}
		}
		return false, nil
	}
}

// trashFile moves name into the trash directory under base, under a unique
// tickcount-random name, retrying on collision. MoveFileEx succeeds for many
// objects the kernel refuses to delete outright.
func trashFile(base, name string) error {
	trashDir := filepath.Join(base, TrashDirName)
	if err := os.MkdirAll(trashDir, 0o777); err != nil {
		return err
	}

	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		var rnd [8]byte
		if _, err := crand.Read(rnd[:]); err != nil {
			return err
		}
		dest := filepath.Join(trashDir,
			fmt.Sprintf("%d-%s", windows.GetTickCount64(), hex.EncodeToString(rnd[:])))
		if err := os.Rename(name, dest); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}
