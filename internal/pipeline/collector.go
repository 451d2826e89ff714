package pipeline

import (
	"context"
	"fmt"

	"github.com/dunamismax/catalogfit/internal/domain"
	"github.com/dunamismax/catalogfit/internal/store"
)

// Collector lists the images attached to a catalog record: the primary image
// first, then the gallery in stored order. Duplicates are kept.
type Collector struct {
	records store.RecordStore
}

func NewCollector(records store.RecordStore) *Collector {
	return &Collector{records: records}
}

func (c *Collector) Collect(ctx context.Context, recordID string) ([]string, error) {
	primary, err := c.records.PrimaryImageID(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("primary image of record %s: %w", recordID, err)
	}
	gallery, err := c.records.GalleryImageIDs(ctx, recordID)
	if err != nil {
		return nil, fmt.Errorf("gallery of record %s: %w", recordID, err)
	}

	galleryIDs := domain.SplitGallery(gallery)
	ids := make([]string, 0, len(galleryIDs)+1)
	if domain.IsImageID(primary) {
		ids = append(ids, primary)
	}
	return append(ids, galleryIDs...), nil
}
