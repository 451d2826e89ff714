package batch

import (
	"context"
	"iter"
	"time"

	"github.com/dunamismax/catalogfit/internal/domain"
	"github.com/dunamismax/catalogfit/internal/store"
)

// Selector decides which catalog records a run visits.
type Selector struct {
	records    store.RecordStore
	recordType string
}

func NewSelector(records store.RecordStore, recordType string) *Selector {
	return &Selector{records: records, recordType: recordType}
}

// Select returns published records lazily. Full mode has no time bound;
// incremental mode keeps only records published strictly after watermark. A
// zero watermark selects everything.
func (s *Selector) Select(ctx context.Context, mode domain.RunMode, watermark time.Time) (iter.Seq2[string, error], error) {
	q := store.RecordQuery{
		Type:   s.recordType,
		Status: domain.RecordStatusPublished,
	}
	switch mode {
	case domain.RunModeFull:
	case domain.RunModeIncremental:
		if !watermark.IsZero() {
			bound := watermark
			q.PublishedAfter = &bound
		}
	default:
		return nil, domain.ErrInvalidMode
	}
	return s.records.QueryRecords(ctx, q), nil
}

// Newest returns the most recently published record, or "" when there is
// none.
func (s *Selector) Newest(ctx context.Context) (string, error) {
	seq := s.records.QueryRecords(ctx, store.RecordQuery{
		Type:        s.recordType,
		Status:      domain.RecordStatusPublished,
		NewestFirst: true,
	})
	for id, err := range seq {
		return id, err
	}
	return "", nil
}
