// Package queue is the durable spool of captured artifacts awaiting delivery.
//
// The queue is a plain directory. An artifact appears in it only once it is complete, so a
// crash at any point leaves either the whole file or nothing visible to List.
package queue

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"fieldcam/go-capture-node/internal/fsutil"
	"fieldcam/go-capture-node/internal/model"
)

// Artifact is one pending file.
type Artifact struct {
	Name       string    `json:"name"`
	Path       string    `json:"path"`
	CapturedAt time.Time `json:"captured_at"`
	Size       int64     `json:"size"`
}

// Queue is a spool directory of artifacts awaiting delivery, plus a scratch directory for captures in progress.
type Queue struct {
	dir     string
	scratch string
}

// New creates the queue and scratch directories if needed.
func New(dir, scratchDir string) (*Queue, error) {
	if dir == "" || scratchDir == "" {
		return nil, fmt.Errorf("%w: queue and scratch directories are required", model.ErrValidation)
	}
	for _, d := range []string{dir, scratchDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("%w: create %s: %v", model.ErrIO, d, err)
		}
	}
	return &Queue{dir: dir, scratch: scratchDir}, nil
}

// Dir returns the queue directory.
func (q *Queue) Dir() string { return q.dir }

// ScratchPath returns a fresh path in the scratch directory for an item captured at t.
func (q *Queue) ScratchPath(t time.Time, ext string) string {
	return filepath.Join(q.scratch, NewName(t, ext))
}

// Enqueue moves a finished file into the queue. The source must already be complete; once
// Enqueue returns, the artifact survives a restart.
func (q *Queue) Enqueue(src string) (Artifact, error) {
	info, err := os.Stat(src)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: enqueue %s: %v", model.ErrIO, src, err)
	}
	if info.IsDir() {
		return Artifact{}, fmt.Errorf("%w: enqueue %s: is a directory", model.ErrIO, src)
	}

	name := filepath.Base(src)
	if _, ok := parseName(name); !ok {
		name = NewName(info.ModTime(), filepath.Ext(name))
	}
	dst := filepath.Join(q.dir, name)

	if err := os.Rename(src, dst); err != nil {
		if !errors.Is(err, syscall.EXDEV) {
			return Artifact{}, fmt.Errorf("%w: enqueue %s: %v", model.ErrIO, src, err)
		}
		if err := q.copyIn(src, dst, info.Mode().Perm()); err != nil {
			return Artifact{}, fmt.Errorf("%w: enqueue %s across devices: %v", model.ErrIO, src, err)
		}
	} else if err := fsutil.SyncDir(q.dir); err != nil {
		return Artifact{}, fmt.Errorf("%w: sync %s: %v", model.ErrIO, q.dir, err)
	}

	stat, err := os.Stat(dst)
	if err != nil {
		return Artifact{}, fmt.Errorf("%w: stat %s: %v", model.ErrIO, dst, err)
	}
	return q.artifact(name, stat), nil
}

func (q *Queue) copyIn(src, dst string, perm fs.FileMode) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := fsutil.CopyAtomic(dst, f, perm); err != nil {
		return err
	}
	return os.Remove(src)
}

// List returns the pending artifacts, oldest first. Every call reads the directory afresh.
func (q *Queue) List() ([]Artifact, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %v", model.ErrIO, q.dir, err)
	}

	items := make([]Artifact, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), fsutil.TempPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%w: stat %s: %v", model.ErrIO, e.Name(), err)
		}
		items = append(items, q.artifact(e.Name(), info))
	}

	sort.Slice(items, func(i, j int) bool {
		if !items[i].CapturedAt.Equal(items[j].CapturedAt) {
			return items[i].CapturedAt.Before(items[j].CapturedAt)
		}
		return items[i].Name < items[j].Name
	})
	return items, nil
}

// Remove deletes a delivered artifact. An artifact that is already gone is not an error.
func (q *Queue) Remove(a Artifact) error {
	path := filepath.Join(q.dir, filepath.Base(a.Name))
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: remove %s: %v", model.ErrIO, a.Name, err)
	}
	return nil
}

// Depth returns the number of pending artifacts.
func (q *Queue) Depth() (int, error) {
	items, err := q.List()
	if err != nil {
		return 0, err
	}
	return len(items), nil
}

func (q *Queue) artifact(name string, info fs.FileInfo) Artifact {
	captured, ok := parseName(name)
	if !ok {
		captured = info.ModTime().UTC()
	}
	return Artifact{
		Name:       name,
		Path:       filepath.Join(q.dir, name),
		CapturedAt: captured,
		Size:       info.Size(),
	}
}
