//go:build windows

package preflight

import (
	"errors"

	"golang.org/x/sys/windows"
)

// checkAccess rejects read-only files, then opens path for read/write with
// full sharing so a handle held elsewhere is not disturbed.
func checkAccess(path string) error {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	attrs, err := windows.GetFileAttributes(p)
	if err != nil {
		return err
	}
	if attrs&windows.FILE_ATTRIBUTE_READONLY != 0 {
		return errors.New("file is marked read-only")
	}

	h, err := windows.CreateFile(p,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE|windows.FILE_SHARE_DELETE,
		nil,
		windows.OPEN_EXISTING,
		windows.FILE_ATTRIBUTE_NORMAL,
		0)
	if err != nil {
		return err
	}
	return windows.CloseHandle(h)
}
