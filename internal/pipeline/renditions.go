package pipeline

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/dunamismax/catalogfit/internal/config"
	"github.com/dunamismax/catalogfit/internal/domain"
)

// RenditionGenerator rebuilds every derived size of an asset from its primary
// file. A nil result with a nil error means nothing could be described.
type RenditionGenerator interface {
	Generate(ctx context.Context, imageID, path string) (*domain.AttachmentMetadata, error)
}

// SizeGenerator writes one file per configured size beside the primary file,
// named <stem>-<w>x<h><ext>. It never upscales and skips sizes that would
// reproduce the primary file's dimensions.
type SizeGenerator struct {
	editor     Editor
	sizes      []config.RenditionSize
	uploadsDir string
	log        *logrus.Entry
}

func NewSizeGenerator(editor Editor, sizes []config.RenditionSize, uploadsDir string, logger *logrus.Entry) *SizeGenerator {
	return &SizeGenerator{
		editor:     editor,
		sizes:      sizes,
		uploadsDir: uploadsDir,
		log:        logger,
	}
}

func (g *SizeGenerator) Generate(ctx context.Context, imageID, path string) (*domain.AttachmentMetadata, error) {
	src, err := g.editor.Open(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("open primary file: %w", err)
	}
	srcW, srcH := src.Size()
	src.Close()

	meta := &domain.AttachmentMetadata{
		Width:     srcW,
		Height:    srcH,
		File:      RelativePath(g.uploadsDir, path),
		Sizes:     make(map[string]domain.Rendition, len(g.sizes)),
		ImageMeta: map[string]any{},
	}

	dir := filepath.Dir(path)
	written := make(map[string]domain.Rendition)
	for _, size := range g.sizes {
		if err := ctx.Err(); err != nil {
			g.discard(dir, written, imageID)
			return nil, err
		}

		w, h, crop, ok := renditionDimensions(srcW, srcH, size)
		if !ok {
			continue
		}

		name := renditionFilename(path, w, h)
		if r, done := written[name]; done {
			meta.Sizes[size.Name] = r
			continue
		}

		r, err := g.writeRendition(ctx, path, filepath.Join(dir, name), w, h, crop)
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				written[name] = r
			}
			g.discard(dir, written, imageID)
			return nil, ctxErr
		}
		if err != nil {
			g.log.WithFields(logrus.Fields{
				"image_id": imageID,
				"size":     size.Name,
			}).Warnf("rendition skipped: %v", err)
			continue
		}
		written[name] = r
		meta.Sizes[size.Name] = r
	}

	return meta, nil
}

// discard removes renditions written by an aborted Generate.
func (g *SizeGenerator) discard(dir string, written map[string]domain.Rendition, imageID string) {
	for name := range written {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !os.IsNotExist(err) {
			g.log.WithField("image_id", imageID).Debugf("remove partial rendition %s: %v", name, err)
		}
	}
}

func (g *SizeGenerator) writeRendition(ctx context.Context, src, dest string, w, h int, crop bool) (domain.Rendition, error) {
	handle, err := g.editor.Open(ctx, src)
	if err != nil {
		return domain.Rendition{}, err
	}
	defer handle.Close()

	if crop {
		err = handle.CropResize(w, h)
	} else {
		err = handle.Resize(w, h)
	}
	if err != nil {
		return domain.Rendition{}, err
	}
	if err := handle.Save(dest); err != nil {
		return domain.Rendition{}, err
	}

	r := domain.Rendition{
		File:     filepath.Base(dest),
		Width:    w,
		Height:   h,
		MimeType: mimeTypeForPath(dest),
	}
	if info, err := os.Stat(dest); err == nil {
		r.FileSize = info.Size()
	}
	return r, nil
}

// renditionDimensions computes the output size for one configured size.
// ok is false when the rendition would not differ from the source.
func renditionDimensions(srcW, srcH int, size config.RenditionSize) (w, h int, crop bool, ok bool) {
	if srcW <= 0 || srcH <= 0 {
		return 0, 0, false, false
	}

	if size.Crop && size.Width > 0 && size.Height > 0 {
		w = min(size.Width, srcW)
		h = min(size.Height, srcH)
		if w == srcW && h == srcH {
			return 0, 0, false, false
		}
		return w, h, true, true
	}

	scale := math.Inf(1)
	if size.Width > 0 {
		scale = math.Min(scale, float64(size.Width)/float64(srcW))
	}
	if size.Height > 0 {
		scale = math.Min(scale, float64(size.Height)/float64(srcH))
	}
	if math.IsInf(scale, 1) || scale >= 1 {
		return 0, 0, false, false
	}

	w = max(1, int(math.Round(float64(srcW)*scale)))
	h = max(1, int(math.Round(float64(srcH)*scale)))
	return w, h, false, true
}

func renditionFilename(path string, w, h int) string {
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	return fmt.Sprintf("%s-%dx%d%s", stem, w, h, ext)
}

// RelativePath expresses path relative to the uploads directory using forward
// slashes. Paths outside the uploads directory are returned unchanged.
func RelativePath(uploadsDir, path string) string {
	if strings.TrimSpace(uploadsDir) == "" {
		return filepath.ToSlash(path)
	}
	base, err := filepath.Abs(uploadsDir)
	if err != nil {
		return filepath.ToSlash(path)
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return filepath.ToSlash(path)
	}
	rel, err := filepath.Rel(base, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.ToSlash(path)
	}
	return filepath.ToSlash(rel)
}
