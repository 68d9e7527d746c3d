//go:build windows

package rollback

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// updateCurrentPointer repoints currentPath at a copy of targetPath's
// contents. Windows symlinks require elevated privileges by default,
// so the "current" pointer is a file copy instead, made atomic by
// writing to a sibling temp file and renaming it over currentPath.
func updateCurrentPointer(currentPath, targetPath string) error {
	dir := filepath.Dir(currentPath)

	src, err := os.Open(targetPath)
	if err != nil {
		return fmt.Errorf("rollback: open target %q: %w", targetPath, err)
	}
	defer src.Close()

	tmp, err := os.CreateTemp(dir, ".pointer-*")
	if err != nil {
		return fmt.Errorf("rollback: create temp pointer: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, src); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rollback: copy into temp pointer: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rollback: close temp pointer: %w", err)
	}
	if err := os.Rename(tmpPath, currentPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rollback: rename pointer into place: %w", err)
	}
	return nil
}
