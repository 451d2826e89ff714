package pipeline

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"

	"github.com/disintegration/imaging"
	_ "golang.org/x/image/webp"
)

type imagingEditor struct {
	quality int
}

func (e imagingEditor) Open(ctx context.Context, path string) (Handle, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	storedW, storedH, err := storedSize(path)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	return &imagingHandle{img: img, storedW: storedW, storedH: storedH, quality: e.quality}, nil
}

// storedSize reads the encoded dimensions from the file header.
func storedSize(path string) (int, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

type imagingHandle struct {
	img              image.Image
	storedW, storedH int
	quality          int
}

func (h *imagingHandle) Size() (int, int) {
	b := h.img.Bounds()
	return b.Dx(), b.Dy()
}

func (h *imagingHandle) StoredSize() (int, int) {
	return h.storedW, h.storedH
}

func (h *imagingHandle) CropResize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("crop-resize requires positive size, got %dx%d", width, height)
	}
	if w, hh := h.Size(); w == 0 || hh == 0 {
		return errors.New("source image has invalid dimensions")
	}
	h.img = imaging.Fill(h.img, width, height, imaging.Center, imaging.Lanczos)
	return nil
}

func (h *imagingHandle) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("resize requires positive size, got %dx%d", width, height)
	}
	h.img = imaging.Resize(h.img, width, height, imaging.Lanczos)
	return nil
}

func (h *imagingHandle) Save(path string) error {
	if _, err := imaging.FormatFromFilename(path); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}

	quality := h.quality
	if quality <= 0 || quality > 100 {
		quality = 82
	}
	if err := imaging.Save(h.img, path, imaging.JPEGQuality(quality)); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (h *imagingHandle) Close() {
	h.img = nil
}
