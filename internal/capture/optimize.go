package capture

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/image/draw"

	"fieldcam/go-capture-node/internal/fsutil"
	"fieldcam/go-capture-node/internal/model"
)

// Options controls re-encoding. Zero MaxWidth or MaxHeight leaves that dimension unbounded.
type Options struct {
	MaxWidth  int
	MaxHeight int
	Quality   int
	OutputDir string
}

// Optimizer shrinks an image for upload and returns the path of the result.
type Optimizer interface {
	Optimize(input string, opts Options) (string, error)
}

// JPEGOptimizer scales an image down to fit the bounds, preserving aspect ratio, and re-encodes
// it as JPEG. The input is never modified or removed.
type JPEGOptimizer struct{}

func (JPEGOptimizer) Optimize(input string, opts Options) (string, error) {
	if opts.OutputDir == "" {
		return "", fmt.Errorf("%w: optimizer output directory is required", model.ErrValidation)
	}
	quality := opts.Quality
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}

	f, err := os.Open(input)
	if err != nil {
		return "", fmt.Errorf("%w: open %s: %v", model.ErrIO, input, err)
	}
	src, _, err := image.Decode(f)
	_ = f.Close()
	if err != nil {
		return "", fmt.Errorf("decode %s: %w", input, err)
	}

	b := src.Bounds()
	w, h := fit(b.Dx(), b.Dy(), opts.MaxWidth, opts.MaxHeight)
	img := src
	if w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
		img = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return "", fmt.Errorf("encode %s: %w", input, err)
	}

	name := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input)) + ".jpg"
	out := filepath.Join(opts.OutputDir, name)
	if filepath.Clean(out) == filepath.Clean(input) {
		return "", fmt.Errorf("%w: optimizer would overwrite its input %s", model.ErrValidation, input)
	}
	if err := fsutil.WriteFileAtomic(out, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", model.ErrIO, out, err)
	}
	return out, nil
}

// fit returns the largest size within maxW x maxH with the aspect ratio of w x h. Images that
// already fit are left alone.
func fit(w, h, maxW, maxH int) (int, int) {
	scale := 1.0
	if maxW > 0 && w > maxW {
		scale = math.Min(scale, float64(maxW)/float64(w))
	}
	if maxH > 0 && h > maxH {
		scale = math.Min(scale, float64(maxH)/float64(h))
	}
	if scale == 1.0 {
		return w, h
	}
	nw := int(math.Round(float64(w) * scale))
	nh := int(math.Round(float64(h) * scale))
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}
