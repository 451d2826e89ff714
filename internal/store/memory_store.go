package store

import (
	"context"
	"fmt"
	"iter"
	"slices"
	"sort"
	"sync"

	"github.com/dunamismax/catalogfit/internal/domain"
)

// MemoryStore keeps records, assets, settings and run history in process.
// Records are enumerated in insertion order.
type MemoryStore struct {
	mu         sync.RWMutex
	uploadsDir string
	records    map[string]domain.CatalogRecord
	order      []string
	assets     map[string]domain.ImageAsset
	settings   map[string]string
	runs       map[string]domain.Run
	writes     map[string]int
}

func NewMemoryStore(uploadsDir string) *MemoryStore {
	return &MemoryStore{
		uploadsDir: uploadsDir,
		records:    make(map[string]domain.CatalogRecord),
		assets:     make(map[string]domain.ImageAsset),
		settings:   make(map[string]string),
		runs:       make(map[string]domain.Run),
		writes:     make(map[string]int),
	}
}

func (s *MemoryStore) PutRecord(rec domain.CatalogRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; !ok {
		s.order = append(s.order, rec.ID)
	}
	s.records[rec.ID] = rec
}

func (s *MemoryStore) PutAsset(asset domain.ImageAsset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assets[asset.ID] = asset
}

func (s *MemoryStore) QueryRecords(ctx context.Context, q RecordQuery) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		s.mu.RLock()
		matched := make([]domain.CatalogRecord, 0, len(s.order))
		for _, id := range s.order {
			rec := s.records[id]
			if q.Type != "" && rec.Type != q.Type {
				continue
			}
			if q.Status != "" && rec.Status != q.Status {
				continue
			}
			if q.PublishedAfter != nil && !rec.PublishedAt.After(*q.PublishedAfter) {
				continue
			}
			matched = append(matched, rec)
		}
		s.mu.RUnlock()

		slices.SortStableFunc(matched, func(a, b domain.CatalogRecord) int {
			if q.NewestFirst {
				return b.PublishedAt.Compare(a.PublishedAt)
			}
			return a.PublishedAt.Compare(b.PublishedAt)
		})
		ids := make([]string, len(matched))
		for i, rec := range matched {
			ids[i] = rec.ID
		}

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if !yield(id, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) PrimaryImageID(_ context.Context, recordID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordID]
	if !ok {
		return "", fmt.Errorf("record %s: %w", recordID, ErrNotFound)
	}
	return rec.PrimaryImageID, nil
}

func (s *MemoryStore) GalleryImageIDs(_ context.Context, recordID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[recordID]
	if !ok {
		return "", fmt.Errorf("record %s: %w", recordID, ErrNotFound)
	}
	return rec.GalleryImageIDs, nil
}

func (s *MemoryStore) BackingFilePath(_ context.Context, imageID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.assets[imageID]
	if !ok {
		return "", nil
	}
	return resolvePath(s.uploadsDir, asset.File), nil
}

func (s *MemoryStore) Metadata(_ context.Context, imageID string) (*domain.AttachmentMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	asset, ok := s.assets[imageID]
	if !ok || asset.Metadata == nil {
		return nil, nil
	}
	meta := cloneMetadata(*asset.Metadata)
	return &meta, nil
}

func (s *MemoryStore) SetMetadata(_ context.Context, imageID string, meta domain.AttachmentMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	asset, ok := s.assets[imageID]
	if !ok {
		return fmt.Errorf("asset %s: %w", imageID, ErrNotFound)
	}
	stored := cloneMetadata(meta)
	asset.Metadata = &stored
	s.assets[imageID] = asset
	s.writes[imageID]++
	return nil
}

// MetadataWrites reports how many times SetMetadata succeeded for an asset.
func (s *MemoryStore) MetadataWrites(imageID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes[imageID]
}

func (s *MemoryStore) Get(_ context.Context, key, fallback string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.settings[key]
	if !ok {
		return fallback, nil
	}
	return value, nil
}

func (s *MemoryStore) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.settings[key] = value
	return nil
}

func (s *MemoryStore) CreateRun(_ context.Context, run domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) FinishRun(_ context.Context, run domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("run %s: %w", run.ID, ErrNotFound)
	}
	s.runs[run.ID] = run
	return nil
}

func (s *MemoryStore) GetRun(_ context.Context, id string) (domain.Run, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	return run, ok, nil
}

func (s *MemoryStore) ListRuns(_ context.Context, limit int) ([]domain.Run, error) {
	s.mu.RLock()
	runs := make([]domain.Run, 0, len(s.runs))
	for _, run := range s.runs {
		runs = append(runs, run)
	}
	s.mu.RUnlock()

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func cloneMetadata(meta domain.AttachmentMetadata) domain.AttachmentMetadata {
	out := meta
	if meta.Sizes != nil {
		out.Sizes = make(map[string]domain.Rendition, len(meta.Sizes))
		for name, r := range meta.Sizes {
			out.Sizes[name] = r
		}
	}
	if meta.ImageMeta != nil {
		out.ImageMeta = make(map[string]any, len(meta.ImageMeta))
		for k, v := range meta.ImageMeta {
			out.ImageMeta[k] = v
		}
	}
	return out
}
