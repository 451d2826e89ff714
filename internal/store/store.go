package store

import (
	"context"
	"errors"
	"iter"
	"path/filepath"
	"strings"
	"time"

	"github.com/dunamismax/catalogfit/internal/domain"
)

var ErrNotFound = errors.New("not found")

// RecordQuery selects catalog records. A nil PublishedAfter means no time
// bound; otherwise only records published strictly after it match. Records
// come oldest first unless NewestFirst is set.
type RecordQuery struct {
	Type           string
	Status         string
	PublishedAfter *time.Time
	NewestFirst    bool
}

type RecordStore interface {
	// QueryRecords yields matching record ids lazily in publish order. A
	// non-nil error ends the sequence.
	QueryRecords(ctx context.Context, q RecordQuery) iter.Seq2[string, error]
	PrimaryImageID(ctx context.Context, recordID string) (string, error)
	// GalleryImageIDs returns the raw delimited gallery list, or "".
	GalleryImageIDs(ctx context.Context, recordID string) (string, error)
}

type AssetStore interface {
	// BackingFilePath returns the absolute path of an asset's file, or "" when
	// the asset has none.
	BackingFilePath(ctx context.Context, imageID string) (string, error)
	// Metadata returns nil when the asset carries no metadata.
	Metadata(ctx context.Context, imageID string) (*domain.AttachmentMetadata, error)
	SetMetadata(ctx context.Context, imageID string, meta domain.AttachmentMetadata) error
}

type SettingsStore interface {
	Get(ctx context.Context, key, fallback string) (string, error)
	Set(ctx context.Context, key, value string) error
}

type RunStore interface {
	CreateRun(ctx context.Context, run domain.Run) error
	FinishRun(ctx context.Context, run domain.Run) error
	GetRun(ctx context.Context, id string) (domain.Run, bool, error)
	ListRuns(ctx context.Context, limit int) ([]domain.Run, error)
}

func resolvePath(uploadsDir, file string) string {
	file = strings.TrimSpace(file)
	if file == "" {
		return ""
	}
	if filepath.IsAbs(file) {
		return filepath.Clean(file)
	}
	return filepath.Join(uploadsDir, filepath.FromSlash(file))
}
