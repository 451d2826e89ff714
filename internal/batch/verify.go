package batch

import (
	"context"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"

	_ "golang.org/x/image/webp"

	"github.com/dunamismax/catalogfit/internal/domain"
	"github.com/dunamismax/catalogfit/internal/store"
)

// VerifyDimensions reads the on-disk size of an image's primary file. It
// returns nil when the asset has no readable file.
func VerifyDimensions(ctx context.Context, assets store.AssetStore, imageID string) (*domain.Verification, error) {
	path, err := assets.BackingFilePath(ctx, imageID)
	if err != nil {
		return nil, fmt.Errorf("resolve path of image %s: %w", imageID, err)
	}
	if path == "" {
		return nil, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, nil
	}
	defer f.Close()

	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return nil, nil
	}
	return &domain.Verification{
		ImageID:  imageID,
		Width:    cfg.Width,
		Height:   cfg.Height,
		Filename: filepath.Base(path),
	}, nil
}
