package batch

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/catalogfit/internal/domain"
	"github.com/dunamismax/catalogfit/internal/pipeline"
	"github.com/dunamismax/catalogfit/internal/store"
)

type heldLock struct{}

func (heldLock) Acquire(context.Context, string, time.Duration) (bool, error) { return false, nil }
func (heldLock) Release(context.Context, string) error                        { return nil }

type countingLock struct {
	mu       sync.Mutex
	owner    string
	acquired int
	released int
}

func (l *countingLock) Acquire(_ context.Context, owner string, _ time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner != "" {
		return false, nil
	}
	l.owner = owner
	l.acquired++
	return true, nil
}

func (l *countingLock) Release(_ context.Context, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.owner == owner {
		l.owner = ""
		l.released++
	}
	return nil
}

type sentEvent struct {
	endpoint string
	event    string
	payload  map[string]any
}

type recordingNotifier struct {
	events []sentEvent
}

func (n *recordingNotifier) Send(_ context.Context, endpoint, event string, payload any) error {
	n.events = append(n.events, sentEvent{endpoint: endpoint, event: event, payload: payload.(map[string]any)})
	return nil
}

func (h *harness) service(opts ...ServiceOption) *Service {
	return NewService(h.runner(), NewSelector(h.store, "product"), h.store, h.store, h.store, testLogger(), opts...)
}

func TestServiceRunRecordsHistoryAndVerifies(t *testing.T) {
	h := newHarness(t)
	h.image(t, "P1", 900, 700)
	h.record("R1", h.now.Add(-time.Hour), "P1", "")
	lock := &countingLock{}
	notifier := &recordingNotifier{}
	metrics := NewMetrics()
	svc := h.service(WithRunLock(lock), WithNotifier(notifier, "https://hooks.example.test/run"), WithServiceMetrics(metrics))

	out, err := svc.Run(context.Background(), "all", SourceCLI)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Processed)
	assert.Equal(t, " (Sample verification: 550x500)", out.Debug)
	require.NotNil(t, out.Verification)
	assert.Equal(t, "P1.png", out.Verification.Filename)

	assert.Equal(t, 1, lock.acquired)
	assert.Equal(t, 1, lock.released)

	runs, err := svc.ListRuns(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, out.Run.ID, runs[0].ID)
	assert.Equal(t, domain.RunModeFull, runs[0].Mode)
	assert.Equal(t, domain.RunStatusSucceeded, runs[0].Status)
	assert.Equal(t, SourceCLI, runs[0].Source)
	assert.Equal(t, 1, runs[0].Processed)
	assert.NotNil(t, runs[0].FinishedAt)

	require.Len(t, notifier.events, 1)
	assert.Equal(t, EventRunCompleted, notifier.events[0].event)
	assert.Equal(t, "https://hooks.example.test/run", notifier.events[0].endpoint)
	assert.Equal(t, 1, notifier.events[0].payload["processed"])
	assert.Equal(t, out.Run.ID, notifier.events[0].payload["run_id"])
}

func TestServiceRunWithoutProcessedImagesHasNoDebug(t *testing.T) {
	h := newHarness(t)
	h.store.PutAsset(domain.ImageAsset{ID: "gone", File: "gone.png"})
	h.record("R1", h.now, "gone", "")

	out, err := h.service().RunIncremental(context.Background())
	require.NoError(t, err)
	assert.Zero(t, out.Processed)
	assert.Empty(t, out.Debug)
	assert.Nil(t, out.Verification)
	assert.Equal(t, 1, out.Run.Failed)
}

func TestServiceRejectsUnknownSelector(t *testing.T) {
	h := newHarness(t)
	lock := &countingLock{}
	svc := h.service(WithRunLock(lock))

	_, err := svc.Run(context.Background(), "everything", SourceAPI)
	assert.True(t, errors.Is(err, domain.ErrInvalidMode))
	assert.Zero(t, lock.acquired)

	runs, err := svc.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, runs)
}

func TestServiceRefusesOverlappingRuns(t *testing.T) {
	h := newHarness(t)
	svc := h.service(WithRunLock(heldLock{}))

	_, err := svc.RunFull(context.Background())
	assert.True(t, errors.Is(err, ErrRunInProgress))
	assert.Empty(t, h.watermark(t))
}

// brokenRecords fails every record query.
type brokenRecords struct {
	*store.MemoryStore
}

func (brokenRecords) QueryRecords(context.Context, store.RecordQuery) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		yield("", errors.New("connection reset"))
	}
}

func TestServiceRecordsFailedRun(t *testing.T) {
	h := newHarness(t)
	records := brokenRecords{h.store}
	selector := NewSelector(records, "product")
	editor := pipeline.NewEditor(85)
	norm := pipeline.NewNormalizer(h.store, editor, pipeline.NewSizeGenerator(editor, nil, h.uploads, testLogger()), target, h.uploads, testLogger())
	runner := NewRunner(selector, pipeline.NewCollector(h.store), norm, h.store, testLogger())
	svc := NewService(runner, selector, records, h.store, h.store, testLogger())

	out, err := svc.Run(context.Background(), "new", SourceQueue)
	require.Error(t, err)
	assert.Equal(t, domain.RunStatusFailed, out.Run.Status)

	run, ok, err := svc.GetRun(context.Background(), out.Run.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.RunStatusFailed, run.Status)
	assert.NotEmpty(t, run.Error)
}

func TestSampleVerificationUsesNewestRecord(t *testing.T) {
	h := newHarness(t)
	h.image(t, "old", 640, 480)
	h.image(t, "new", 320, 240)
	h.record("R-new", h.now.Add(-time.Minute), "new", "")
	h.record("R-old", h.now.Add(-48*time.Hour), "old", "")
	h.store.PutRecord(domain.CatalogRecord{ID: "R-draft", Type: "product", Status: domain.RecordStatusDraft, PublishedAt: h.now, PrimaryImageID: "old"})

	v, err := h.service().SampleVerification(context.Background())
	require.NoError(t, err)
	require.NotNil(t, v)
	assert.Equal(t, "new", v.ImageID)
	assert.Equal(t, 320, v.Width)
}

func TestServiceVerifyDimensions(t *testing.T) {
	h := newHarness(t)
	h.image(t, "P", 640, 480)
	h.store.PutAsset(domain.ImageAsset{ID: "none"})
	svc := h.service()

	v, err := svc.VerifyDimensions(context.Background(), "P")
	require.NoError(t, err)
	assert.Equal(t, &domain.Verification{ImageID: "P", Width: 640, Height: 480, Filename: "P.png"}, v)

	v, err = svc.VerifyDimensions(context.Background(), "none")
	require.NoError(t, err)
	assert.Nil(t, v)
}
