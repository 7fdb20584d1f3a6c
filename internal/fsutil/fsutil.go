// Package fsutil holds the durable file primitives shared by the queue and the directory store.
package fsutil

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
)

// TempPrefix marks in-flight files. Readers of a spool directory skip names starting with it.
const TempPrefix = "."

// WriteFileAtomic writes data to a hidden temp file next to path, syncs it and renames it into place.
// Readers either see the previous content or all of data, never a prefix.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	return CopyAtomic(path, bytes.NewReader(data), perm)
}

// CopyAtomic streams r into path with the same guarantees as WriteFileAtomic.
func CopyAtomic(path string, r io.Reader, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, TempPrefix+filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		_ = tmp.Close()
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return SyncDir(dir)
}

// SyncDir flushes a directory entry so a completed rename survives power loss.
func SyncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}
