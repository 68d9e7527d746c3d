//go:build !windows

package rollback

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// updateCurrentPointer atomically repoints currentPath at targetPath
// using a symlink: create a sibling temp symlink, then rename it over
// currentPath (POSIX rename is atomic within the same directory). An
// advisory flock on a sentinel file serializes concurrent pointer
// updates for the same skill, the way the teacher reaches for
// golang.org/x/sys for a capability syscall the stdlib lacks.
func updateCurrentPointer(currentPath, targetPath string) error {
	dir := filepath.Dir(currentPath)
	lockPath := currentPath + ".lock"

	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("rollback: open lock file %q: %w", lockPath, err)
	}
	defer lockFile.Close()

	if err := unix.Flock(int(lockFile.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("rollback: flock %q: %w", lockPath, err)
	}
	defer unix.Flock(int(lockFile.Fd()), unix.LOCK_UN)

	tmp, err := os.CreateTemp(dir, ".pointer-*")
	if err != nil {
		return fmt.Errorf("rollback: create temp pointer: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	if err := os.Remove(tmpPath); err != nil {
		return fmt.Errorf("rollback: clear temp pointer placeholder: %w", err)
	}

	relTarget, err := filepath.Rel(dir, targetPath)
	if err != nil {
		relTarget = targetPath
	}
	if err := os.Symlink(relTarget, tmpPath); err != nil {
		return fmt.Errorf("rollback: symlink %q -> %q: %w", tmpPath, relTarget, err)
	}
	if err := os.Rename(tmpPath, currentPath); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rollback: rename pointer into place: %w", err)
	}
	return nil
}
