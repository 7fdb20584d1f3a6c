package capture

import (
	"context"
	"errors"
	"image"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldcam/go-capture-node/internal/model"
	"fieldcam/go-capture-node/internal/sysexec"
)

func decodeSize(t *testing.T, path string) (int, int) {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	require.NoError(t, err)
	return cfg.Width, cfg.Height
}

func TestLibcamera_Capture(t *testing.T) {
	var gotName string
	var gotArgs []string
	cam := Libcamera{
		Width: 1024, Height: 768, Quality: 85,
		Runner: sysexec.RunnerFunc(func(_ context.Context, name string, args ...string) ([]byte, error) {
			gotName, gotArgs = name, args
			return nil, os.WriteFile(args[len(args)-1], []byte("jpeg"), 0o644)
		}),
	}

	path := filepath.Join(t.TempDir(), "frame.jpg")
	require.NoError(t, cam.Capture(context.Background(), path))

	assert.Equal(t, "libcamera-still", gotName)
	assert.Equal(t, []string{"--nopreview", "--width", "1024", "--height", "768", "--quality", "85", "-o", path}, gotArgs)
}

func TestLibcamera_Failures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frame.jpg")

	failing := Libcamera{Runner: sysexec.RunnerFunc(func(context.Context, string, ...string) ([]byte, error) {
		return []byte("no cameras available"), errors.New("exit status 255")
	})}
	assert.Error(t, failing.Capture(context.Background(), path))

	silent := Libcamera{Runner: sysexec.RunnerFunc(func(context.Context, string, ...string) ([]byte, error) {
		return nil, nil
	})}
	assert.ErrorIs(t, silent.Capture(context.Background(), path), model.ErrIO)
}

func TestSynthetic_Capture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "card.jpg")
	cam := Synthetic{Width: 320, Height: 240, Now: func() time.Time { return time.Unix(42, 0) }}

	require.NoError(t, cam.Capture(context.Background(), path))
	w, h := decodeSize(t, path)
	assert.Equal(t, 320, w)
	assert.Equal(t, 240, h)
}

func TestJPEGOptimizer_ScalesDown(t *testing.T) {
	dir := t.TempDir()
	raw := filepath.Join(dir, "raw", "20240621_120000.000000_deadbeef.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(raw), 0o755))
	require.NoError(t, Synthetic{Width: 2048, Height: 1024}.Capture(context.Background(), raw))

	out, err := JPEGOptimizer{}.Optimize(raw, Options{MaxWidth: 1024, MaxHeight: 768, Quality: 85, OutputDir: dir})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "20240621_120000.000000_deadbeef.jpg"), out)
	w, h := decodeSize(t, out)
	assert.Equal(t, 1024, w)
	assert.Equal(t, 512, h)
	assert.FileExists(t, raw)
}

func TestJPEGOptimizer_KeepsSmallImages(t *testing.T) {
	dir := t.TempDir()
	raw := filepath.Join(dir, "raw", "small.jpg")
	require.NoError(t, os.MkdirAll(filepath.Dir(raw), 0o755))
	require.NoError(t, Synthetic{Width: 200, Height: 100}.Capture(context.Background(), raw))

	out, err := JPEGOptimizer{}.Optimize(raw, Options{MaxWidth: 1024, MaxHeight: 768, OutputDir: dir})
	require.NoError(t, err)
	w, h := decodeSize(t, out)
	assert.Equal(t, 200, w)
	assert.Equal(t, 100, h)
}

func TestJPEGOptimizer_RejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	raw := filepath.Join(dir, "raw.jpg")
	require.NoError(t, os.WriteFile(raw, []byte("not an image"), 0o644))

	_, err := JPEGOptimizer{}.Optimize(raw, Options{OutputDir: filepath.Join(dir, "out")})
	assert.Error(t, err)

	_, err = JPEGOptimizer{}.Optimize(raw, Options{})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestFit(t *testing.T) {
	cases := []struct {
		w, h, maxW, maxH int
		wantW, wantH     int
	}{
		{4056, 3040, 1024, 768, 1024, 767},
		{3040, 4056, 1024, 768, 576, 768},
		{800, 600, 1024, 768, 800, 600},
		{5000, 10, 1000, 0, 1000, 2},
	}
	for _, tc := range cases {
		w, h := fit(tc.w, tc.h, tc.maxW, tc.maxH)
		assert.Equal(t, tc.wantW, w, "%dx%d", tc.w, tc.h)
		assert.Equal(t, tc.wantH, h, "%dx%d", tc.w, tc.h)
	}
}
