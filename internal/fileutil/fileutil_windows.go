//go:build windows

package fileutil

import (
	"fmt"
	"path/filepath"
	"syscall"
	"unsafe"
)

var procSHFileOperationW = syscall.NewLazyDLL("shell32.dll").NewProc("SHFileOperationW")

// SHFILEOPSTRUCTW, see
// https://learn.microsoft.com/en-us/windows/win32/api/shellapi/ns-shellapi-shfileopstructw
type shFileOp struct {
	hwnd                 uintptr
	wFunc                uint32
	from                 *uint16
	to                   *uint16
	flags                uint16
	anyOperationsAborted int32
	nameMappings         uintptr
	progressTitle        *uint16
}

const (
	foDelete = 0x3

	fofSilent         = 0x4
	fofNoConfirmation = 0x10
	fofAllowUndo      = 0x40
	fofNoErrorUI      = 0x400
)

// moveToWindowsTrash sends path to the Recycle Bin.
func moveToWindowsTrash(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	// pFrom is a list of paths terminated by an empty string.
	from, err := syscall.UTF16FromString(abs)
	if err != nil {
		return err
	}
	from = append(from, 0)

	op := shFileOp{
		wFunc: foDelete,
		from:  &from[0],
		flags: fofAllowUndo | fofNoConfirmation | fofSilent | fofNoErrorUI,
	}
	if ret, _, _ := procSHFileOperationW.Call(uintptr(unsafe.Pointer(&op))); ret != 0 {
		return fmt.Errorf("recycle %s: SHFileOperationW returned %#x", abs, ret)
	}
	if op.anyOperationsAborted != 0 {
		return fmt.Errorf("recycle %s: operation aborted", abs)
	}
	return nil
}
