package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dunamismax/catalogfit/internal/domain"
	"github.com/dunamismax/catalogfit/internal/store"
)

// Per-image failure kinds. None of them stop a batch.
var (
	ErrMissingFile   = errors.New("backing file missing")
	ErrCodecOpen     = errors.New("codec cannot open image")
	ErrResize        = errors.New("crop-resize failed")
	ErrSave          = errors.New("save failed")
	ErrMetadataWrite = errors.New("metadata write failed")
)

// FailureKind maps a Normalize error to a short label for logs and metrics.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrMissingFile):
		return "missing_file"
	case errors.Is(err, ErrCodecOpen):
		return "codec_open"
	case errors.Is(err, ErrResize):
		return "resize"
	case errors.Is(err, ErrSave):
		return "save"
	case errors.Is(err, ErrMetadataWrite):
		return "metadata_write"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "unknown"
	}
}

// CacheInvalidator drops a cached entry. Errors are reported but never fail
// the caller.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, key, namespace string) error
}

// Publisher receives an asset after successful normalisation. Errors are
// logged and dropped.
type Publisher interface {
	Publish(ctx context.Context, imageID, path string, meta domain.AttachmentMetadata) error
}

// Outcome describes what Normalize did to one image.
type Outcome struct {
	ImageID    string
	Path       string
	Resized    bool
	Removed    int
	Renditions int
}

type Normalizer struct {
	assets     store.AssetStore
	editor     Editor
	generator  RenditionGenerator
	cache      CacheInvalidator
	publisher  Publisher
	geometry   domain.Geometry
	uploadsDir string
	log        *logrus.Entry
	tracer     trace.Tracer
}

type NormalizerOption func(*Normalizer)

func WithCacheInvalidator(c CacheInvalidator) NormalizerOption {
	return func(n *Normalizer) { n.cache = c }
}

func WithPublisher(p Publisher) NormalizerOption {
	return func(n *Normalizer) { n.publisher = p }
}

func NewNormalizer(
	assets store.AssetStore,
	editor Editor,
	generator RenditionGenerator,
	geometry domain.Geometry,
	uploadsDir string,
	logger *logrus.Entry,
	opts ...NormalizerOption,
) *Normalizer {
	n := &Normalizer{
		assets:     assets,
		editor:     editor,
		generator:  generator,
		geometry:   geometry,
		uploadsDir: uploadsDir,
		log:        logger,
		tracer:     otel.Tracer("catalogfit/pipeline"),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Geometry returns the target size this normalizer enforces.
func (n *Normalizer) Geometry() domain.Geometry {
	return n.geometry
}

// WithGeometry returns a copy of n enforcing g.
func (n *Normalizer) WithGeometry(g domain.Geometry) *Normalizer {
	cp := *n
	cp.geometry = g
	return &cp
}

// Normalize forces one image to the target geometry, rebuilds its renditions
// and rewrites its metadata. The crop-resize is skipped when the file already
// has the target size; everything after it always runs. A failure before the
// metadata write leaves the store untouched, and so does cancellation during
// rendition generation.
func (n *Normalizer) Normalize(ctx context.Context, imageID string) (Outcome, error) {
	ctx, span := n.tracer.Start(ctx, "pipeline.normalize")
	span.SetAttributes(attribute.String("image.id", imageID))
	defer span.End()

	out, err := n.normalize(ctx, imageID)
	span.SetAttributes(
		attribute.Bool("image.resized", out.Resized),
		attribute.Int("image.renditions", out.Renditions),
		attribute.String("image.outcome", FailureKind(err)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, FailureKind(err))
	}
	return out, err
}

func (n *Normalizer) normalize(ctx context.Context, imageID string) (Outcome, error) {
	out := Outcome{ImageID: imageID}
	log := n.log.WithField("image_id", imageID)

	path, err := n.assets.BackingFilePath(ctx, imageID)
	if err != nil {
		return out, fmt.Errorf("%w: resolve path: %v", ErrMissingFile, err)
	}
	if path == "" {
		return out, fmt.Errorf("%w: asset has no file", ErrMissingFile)
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		return out, fmt.Errorf("%w: %s", ErrMissingFile, path)
	}
	out.Path = path

	handle, err := n.editor.Open(ctx, path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		return out, fmt.Errorf("%w: %v", ErrCodecOpen, err)
	}
	// An EXIF-rotated file can look right while its stored pixels are not;
	// re-encoding writes them upright.
	width, height := handle.Size()
	storedW, storedH := handle.StoredSize()
	if !n.geometry.Matches(width, height) || !n.geometry.Matches(storedW, storedH) {
		if err := handle.CropResize(n.geometry.Width, n.geometry.Height); err != nil {
			handle.Close()
			return out, fmt.Errorf("%w: %dx%d -> %dx%d: %v", ErrResize, width, height, n.geometry.Width, n.geometry.Height, err)
		}
		if err := handle.Save(path); err != nil {
			handle.Close()
			return out, fmt.Errorf("%w: %v", ErrSave, err)
		}
		out.Resized = true
		log.Debugf("resized %dx%d -> %dx%d", width, height, n.geometry.Width, n.geometry.Height)
	}
	handle.Close()

	out.Removed = n.removeStaleRenditions(ctx, imageID, path, log)

	generated, err := n.generator.Generate(ctx, imageID, path)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return out, ctxErr
		}
		log.Warnf("rendition generation failed, keeping forced metadata only: %v", err)
		generated = nil
	}

	meta := mergeMetadata(n.geometry, RelativePath(n.uploadsDir, path), generated)
	out.Renditions = len(meta.Sizes)

	if err := n.assets.SetMetadata(ctx, imageID, meta); err != nil {
		return out, fmt.Errorf("%w: %v", ErrMetadataWrite, err)
	}

	if n.cache != nil {
		if err := n.cache.Invalidate(ctx, imageID, domain.CacheNamespaceRecords); err != nil {
			log.Debugf("cache invalidation failed: %v", err)
		}
	}
	if n.publisher != nil {
		if err := n.publisher.Publish(ctx, imageID, path, meta); err != nil {
			log.Warnf("mirror publish failed: %v", err)
		}
	}

	return out, nil
}

// removeStaleRenditions deletes every rendition file recorded in the current
// metadata. Failures are ignored.
func (n *Normalizer) removeStaleRenditions(ctx context.Context, imageID, path string, log *logrus.Entry) int {
	previous, err := n.assets.Metadata(ctx, imageID)
	if err != nil {
		log.Debugf("read previous metadata: %v", err)
		return 0
	}
	if previous == nil || len(previous.Sizes) == 0 {
		return 0
	}

	dir := filepath.Dir(path)
	primary := filepath.Clean(path)
	removed := 0
	for _, r := range previous.Sizes {
		if r.File == "" {
			continue
		}
		stale := filepath.Join(dir, filepath.Base(r.File))
		if stale == primary {
			continue
		}
		if _, err := os.Stat(stale); err != nil {
			continue
		}
		if err := os.Remove(stale); err != nil {
			log.Debugf("remove stale rendition %s: %v", stale, err)
			continue
		}
		removed++
	}
	return removed
}

// mergeMetadata overlays the generated description on the forced base. The
// generated sizes win, but width and height always come from the geometry.
func mergeMetadata(g domain.Geometry, relPath string, generated *domain.AttachmentMetadata) domain.AttachmentMetadata {
	meta := domain.AttachmentMetadata{
		Width:     g.Width,
		Height:    g.Height,
		File:      relPath,
		Sizes:     map[string]domain.Rendition{},
		ImageMeta: map[string]any{},
	}
	if generated == nil {
		return meta
	}

	if generated.File != "" {
		meta.File = generated.File
	}
	if generated.Sizes != nil {
		meta.Sizes = generated.Sizes
	}
	if generated.ImageMeta != nil {
		meta.ImageMeta = generated.ImageMeta
	}
	meta.Width = g.Width
	meta.Height = g.Height
	return meta
}
