package pipeline

import (
	"context"
	"path/filepath"
	"strings"
)

// Editor opens image files for in-place editing.
type Editor interface {
	Open(ctx context.Context, path string) (Handle, error)
}

// Handle is an open image. Size is the upright size after EXIF orientation;
// StoredSize is the pixel size as encoded in the file. CropResize scales and
// crops to exactly the given size; Resize scales to exactly the given size
// without cropping. Save always writes upright pixels.
type Handle interface {
	Size() (width, height int)
	StoredSize() (width, height int)
	CropResize(width, height int) error
	Resize(width, height int) error
	Save(path string) error
	Close()
}

func formatFromPath(path string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "jpg", "jpeg":
		return "jpeg"
	case "png":
		return "png"
	case "webp":
		return "webp"
	case "gif":
		return "gif"
	default:
		return ""
	}
}

func mimeTypeForPath(path string) string {
	switch formatFromPath(path) {
	case "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "webp":
		return "image/webp"
	case "gif":
		return "image/gif"
	default:
		return "application/octet-stream"
	}
}
