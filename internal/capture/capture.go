// Package capture produces images: from the Pi camera, from a synthetic source for the bench, and
// re-encoded at a smaller size for upload.
package capture

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"fieldcam/go-capture-node/internal/fsutil"
	"fieldcam/go-capture-node/internal/model"
	"fieldcam/go-capture-node/internal/sysexec"
)

// Capturer writes one complete image to path.
type Capturer interface {
	Capture(ctx context.Context, path string) error
}

// Libcamera drives libcamera-still.
type Libcamera struct {
	Binary  string
	Width   int
	Height  int
	Quality int
	Runner  sysexec.Runner
}

func (c Libcamera) Capture(ctx context.Context, path string) error {
	binary := c.Binary
	if binary == "" {
		binary = "libcamera-still"
	}
	runner := c.Runner
	if runner == nil {
		runner = sysexec.Exec{}
	}

	args := []string{
		"--nopreview",
		"--width", strconv.Itoa(c.Width),
		"--height", strconv.Itoa(c.Height),
		"--quality", strconv.Itoa(c.Quality),
		"-o", path,
	}
	if _, err := runner.Run(ctx, binary, args...); err != nil {
		return fmt.Errorf("capture %s: %w", path, err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("%w: camera produced no file at %s: %v", model.ErrIO, path, err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("%w: camera produced an empty file at %s", model.ErrIO, path)
	}
	return nil
}

// Synthetic writes a generated test card, for benches without a camera.
type Synthetic struct {
	Width  int
	Height int
	Now    func() time.Time
}

func (s Synthetic) Capture(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	w, h := s.Width, s.Height
	if w <= 0 || h <= 0 {
		w, h = 640, 480
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}

	// The tint moves with the clock so consecutive frames differ.
	shift := uint8(now().Second() * 4)
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{
				R: uint8(x * 255 / w),
				G: uint8(y * 255 / h),
				B: shift,
				A: 0xff,
			})
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", model.ErrIO, path, err)
	}
	if err := jpeg.Encode(f, img, &jpeg.Options{Quality: 90}); err != nil {
		_ = f.Close()
		return fmt.Errorf("encode test card: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("%w: sync %s: %v", model.ErrIO, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", model.ErrIO, path, err)
	}
	return fsutil.SyncDir(filepath.Dir(path))
}
