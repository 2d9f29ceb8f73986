// Package fileutil removes image files from disk: to the system trash, to a
// holding directory, or permanently.
package fileutil

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
	"time"
)

// Mode selects how Remove disposes of a file.
type Mode string

const (
	ModeTrash     Mode = "trash"
	ModePermanent Mode = "permanent"
	ModeMove      Mode = "move"
)

// ParseMode validates a configured delete mode. The empty string means trash.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeTrash:
		return ModeTrash, nil
	case ModePermanent:
		return ModePermanent, nil
	case ModeMove:
		return ModeMove, nil
	}
	return "", fmt.Errorf("unknown delete mode %q (want trash, permanent or move)", s)
}

// Remove disposes of path according to mode. moveTo is only used by ModeMove.
// A missing path yields an error satisfying os.IsNotExist.
func Remove(path string, mode Mode, moveTo string) error {
	if _, err := os.Lstat(path); err != nil {
		return err
	}
	switch mode {
	case ModePermanent:
		return os.Remove(path)
	case ModeMove:
		if moveTo == "" {
			return errors.New("move mode needs a destination directory")
		}
		_, err := MoveFile(path, moveTo)
		return err
	default:
		return MoveToTrash(path)
	}
}

// MoveFile moves a file into destDir and returns its new path.
// If the name is taken, a counter is appended (e.g., file_1.jpg).
func MoveFile(src, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", err
	}

	destName := uniqueName(filepath.Base(src), func(name string) bool {
		_, err := os.Lstat(filepath.Join(destDir, name))
		return os.IsNotExist(err)
	})

	dest := filepath.Join(destDir, destName)
	return dest, rename(src, dest)
}

// uniqueName returns filename, or filename with the lowest free counter.
func uniqueName(filename string, free func(string) bool) string {
	if free(filename) {
		return filename
	}

	ext := filepath.Ext(filename)
	stem := strings.TrimSuffix(filename, ext)
	for n := 1; ; n++ {
		candidate := fmt.Sprintf("%s_%d%s", stem, n, ext)
		if free(candidate) {
			return candidate
		}
	}
}

// rename moves src to dest, copying when they sit on different filesystems.
func rename(src, dest string) error {
	err := os.Rename(src, dest)
	if err == nil {
		return nil
	}

	var linkErr *os.LinkError
	if errors.As(err, &linkErr) && errors.Is(linkErr.Err, syscall.EXDEV) {
		if err := copyFile(src, dest); err != nil {
			return err
		}
		return os.Remove(src)
	}

	return err
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_EXCL, info.Mode())
	if err != nil {
		return err
	}

	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dest)
		return err
	}
	if err := out.Close(); err != nil {
		os.Remove(dest)
		return err
	}
	return os.Chtimes(dest, info.ModTime(), info.ModTime())
}

// MoveToTrash moves a file to the system trash:
// the Recycle Bin on Windows, the freedesktop.org trash on Linux and
// ~/.Trash elsewhere.
func MoveToTrash(path string) error {
	if runtime.GOOS == "windows" {
		return moveToWindowsTrash(path)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	if runtime.GOOS == "linux" {
		return moveToFreedesktopTrash(path, filepath.Join(home, ".local", "share", "Trash"))
	}
	_, err = MoveFile(path, filepath.Join(home, ".Trash"))
	return err
}

// moveToFreedesktopTrash moves path into trashDir/files and records its
// origin in trashDir/info so desktop environments can restore it.
func moveToFreedesktopTrash(path, trashDir string) error {
	filesDir := filepath.Join(trashDir, "files")
	infoDir := filepath.Join(trashDir, "info")
	for _, dir := range []string{filesDir, infoDir} {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return err
		}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	// The name must be free in both directories.
	name := uniqueName(filepath.Base(abs), func(n string) bool {
		_, errFile := os.Lstat(filepath.Join(filesDir, n))
		_, errInfo := os.Lstat(filepath.Join(infoDir, n+".trashinfo"))
		return os.IsNotExist(errFile) && os.IsNotExist(errInfo)
	})

	infoPath := filepath.Join(infoDir, name+".trashinfo")
	info := fmt.Sprintf("[Trash Info]\nPath=%s\nDeletionDate=%s\n",
		trashInfoPath(abs),
		time.Now().Format("2006-01-02T15:04:05"))
	if err := os.WriteFile(infoPath, []byte(info), 0600); err != nil {
		return err
	}

	if err := rename(abs, filepath.Join(filesDir, name)); err != nil {
		os.Remove(infoPath)
		return err
	}
	return nil
}

// trashInfoPath percent-encodes each segment of an absolute path.
func trashInfoPath(abs string) string {
	segments := strings.Split(filepath.ToSlash(abs), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
