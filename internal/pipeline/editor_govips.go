//go:build govips && cgo

package pipeline

import (
	"context"
	"fmt"
	"os"

	"github.com/davidbyttow/govips/v2/vips"
)

type govipsEditor struct {
	quality int
}

func (e govipsEditor) Open(ctx context.Context, path string) (Handle, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	ref, err := vips.NewImageFromFile(path)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	storedW, storedH := ref.Width(), ref.Height()
	if err := ref.AutoRotate(); err != nil {
		ref.Close()
		return nil, fmt.Errorf("auto-rotate %s: %w", path, err)
	}
	return &govipsHandle{ref: ref, storedW: storedW, storedH: storedH, quality: e.quality}, nil
}

type govipsHandle struct {
	ref              *vips.ImageRef
	storedW, storedH int
	quality          int
}

func (h *govipsHandle) Size() (int, int) {
	return h.ref.Width(), h.ref.Height()
}

func (h *govipsHandle) StoredSize() (int, int) {
	return h.storedW, h.storedH
}

func (h *govipsHandle) CropResize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("crop-resize requires positive size, got %dx%d", width, height)
	}
	if err := h.ref.Thumbnail(width, height, vips.InterestingCentre); err != nil {
		return fmt.Errorf("crop-resize image: %w", err)
	}
	return nil
}

func (h *govipsHandle) Resize(width, height int) error {
	if width <= 0 || height <= 0 {
		return fmt.Errorf("resize requires positive size, got %dx%d", width, height)
	}
	if h.ref.Width() <= 0 || h.ref.Height() <= 0 {
		return fmt.Errorf("source image has invalid dimensions")
	}

	hScale := float64(width) / float64(h.ref.Width())
	vScale := float64(height) / float64(h.ref.Height())
	if err := h.ref.ResizeWithVScale(hScale, vScale, vips.KernelLanczos3); err != nil {
		return fmt.Errorf("resize image: %w", err)
	}
	return nil
}

func (h *govipsHandle) Save(path string) error {
	data, err := h.export(formatFromPath(path))
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

func (h *govipsHandle) export(format string) ([]byte, error) {
	quality := h.quality
	switch format {
	case "jpeg":
		params := vips.NewJpegExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := h.ref.ExportJpeg(params)
		if err != nil {
			return nil, fmt.Errorf("encode jpeg: %w", err)
		}
		return data, nil
	case "png":
		data, _, err := h.ref.ExportPng(vips.NewPngExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		return data, nil
	case "webp":
		params := vips.NewWebpExportParams()
		if quality > 0 && quality <= 100 {
			params.Quality = quality
		}
		data, _, err := h.ref.ExportWebp(params)
		if err != nil {
			return nil, fmt.Errorf("encode webp: %w", err)
		}
		return data, nil
	case "gif":
		data, _, err := h.ref.ExportGIF(vips.NewGifExportParams())
		if err != nil {
			return nil, fmt.Errorf("encode gif: %w", err)
		}
		return data, nil
	default:
		return nil, fmt.Errorf("unsupported output format for %q", format)
	}
}

func (h *govipsHandle) Close() {
	h.ref.Close()
}
