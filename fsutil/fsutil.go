// Package fsutil holds the handful of filesystem primitives several
// packages need: fsyncing a directory after a rename so the rename
// itself survives a crash.
package fsutil

import (
	"fmt"
	"os"
)

// SyncDir opens dir and calls Sync on it, forcing the directory entry
// changes (renames, creates) made within it to stable storage.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("fsutil: open dir %s: %w", dir, err)
	}
	defer d.Close()

	if err := d.Sync(); err != nil {
		return fmt.Errorf("fsutil: fsync dir %s: %w", dir, err)
	}
	return nil
}
