package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Lllllllleong/bucketvision/internal/models"
	"github.com/Lllllllleong/bucketvision/internal/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDescriber describes an image by echoing its contents. Images whose
// contents start with "bad" fail.
type fakeDescriber struct {
	mu      sync.Mutex
	calls   int
	prompts []string
	empty   bool
}

func (d *fakeDescriber) DescribeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	d.prompts = append(d.prompts, prompt)
	if bytes.HasPrefix(image, []byte("bad")) {
		return "", errors.New("model overloaded")
	}
	if d.empty {
		return "", nil
	}
	return "description of " + string(image), nil
}

type recordingLedger struct {
	statuses []string
	last     models.AnalysisRun
}

func (r *recordingLedger) RecordRun(ctx context.Context, run *models.AnalysisRun) error {
	r.statuses = append(r.statuses, run.Status)
	r.last = *run
	return nil
}

// flakyStore fails the first failPuts writes.
type flakyStore struct {
	*objectstore.MemoryStore
	failPuts int
}

func (s *flakyStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	if s.failPuts > 0 {
		s.failPuts--
		return errors.New("write quota exceeded")
	}
	return s.MemoryStore.Put(ctx, key, data, contentType)
}

func newTestAnalysis(t *testing.T, scheme string, store objectstore.Store, d ImageDescriber) *AnalysisFunction {
	t.Helper()
	f, err := NewAnalysisWithDeps(AnalysisConfig{Bucket: "images", Scheme: scheme, PageSize: 2}, store, d, nil)
	require.NoError(t, err)
	return f
}

func put(t *testing.T, s objectstore.Store, key, content string) {
	t.Helper()
	require.NoError(t, s.Put(context.Background(), key, []byte(content), "application/octet-stream"))
}

func read(t *testing.T, s objectstore.Store, key string) string {
	t.Helper()
	data, err := s.Get(context.Background(), key)
	require.NoError(t, err, "reading %s", key)
	return string(data)
}

func TestNewAnalysisWithDeps_RequiresScheme(t *testing.T) {
	_, err := NewAnalysisWithDeps(AnalysisConfig{Bucket: "images"}, objectstore.NewMemoryStore(), &fakeDescriber{}, nil)
	assert.Error(t, err)

	_, err = NewAnalysisWithDeps(AnalysisConfig{Bucket: "images", Scheme: "simple"}, nil, &fakeDescriber{}, nil)
	assert.Error(t, err)
}

func TestProcessImage_Described(t *testing.T) {
	store := objectstore.NewMemoryStore()
	d := &fakeDescriber{}
	f := newTestAnalysis(t, "simple", store, d)
	put(t, store, "cat.jpg", "cat")

	outcome, err := f.ProcessImage(context.Background(), "cat.jpg", "analysis:cat.txt")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDescribed, outcome)
	assert.Equal(t, "description of cat", read(t, store, "analysis:cat.txt"))
	assert.Equal(t, []string{"Describe this image"}, d.prompts)

	ct, _ := store.ContentType("analysis:cat.txt")
	assert.Equal(t, "text/plain", ct)
}

func TestProcessImage_MissingIsNoop(t *testing.T) {
	store := objectstore.NewMemoryStore()
	d := &fakeDescriber{}
	f := newTestAnalysis(t, "simple", store, d)

	outcome, err := f.ProcessImage(context.Background(), "gone.jpg", "analysis:gone.txt")
	require.NoError(t, err)
	assert.Equal(t, OutcomeMissing, outcome)
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, 0, d.calls)
}

func TestProcessImage_TooLargeIsSkipped(t *testing.T) {
	store := objectstore.NewMemoryStore()
	d := &fakeDescriber{}
	f := newTestAnalysis(t, "simple", store, d)
	put(t, store, "photo.jpg", strings.Repeat("x", 5*1000*1000))

	outcome, err := f.ProcessImage(context.Background(), "photo.jpg", "analysis:photo.txt")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, 0, d.calls)

	text := read(t, store, "analysis:photo.txt")
	assert.True(t, strings.HasPrefix(text, "[Skipped: image too large"), text)
	assert.Equal(t, "[Skipped: image too large (4883KB). Max 3MB.]", text)
}

func TestProcessImage_SkipNoticeRoundsHalfUp(t *testing.T) {
	tests := []struct {
		size int
		want string
	}{
		{MaxImageBytes + 1, "[Skipped: image too large (3072KB). Max 3MB.]"},
		{MaxImageBytes + 511, "[Skipped: image too large (3072KB). Max 3MB.]"},
		{MaxImageBytes + 512, "[Skipped: image too large (3073KB). Max 3MB.]"},
		{MaxImageBytes + 1024 + 512, "[Skipped: image too large (3074KB). Max 3MB.]"},
	}

	for _, tt := range tests {
		t.Run(strconv.Itoa(tt.size), func(t *testing.T) {
			store := objectstore.NewMemoryStore()
			f := newTestAnalysis(t, "simple", store, &fakeDescriber{})
			put(t, store, "big.jpg", strings.Repeat("x", tt.size))

			outcome, err := f.ProcessImage(context.Background(), "big.jpg", "analysis:big.txt")
			require.NoError(t, err)
			assert.Equal(t, OutcomeSkipped, outcome)
			assert.Equal(t, tt.want, read(t, store, "analysis:big.txt"))
		})
	}
}

func TestProcessImage_SizeCapBoundary(t *testing.T) {
	store := objectstore.NewMemoryStore()
	d := &fakeDescriber{}
	f := newTestAnalysis(t, "simple", store, d)
	put(t, store, "at-cap.png", strings.Repeat("a", MaxImageBytes))
	put(t, store, "over-cap.png", strings.Repeat("a", MaxImageBytes+1))

	outcome, err := f.ProcessImage(context.Background(), "at-cap.png", "analysis:at-cap.txt")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDescribed, outcome)

	outcome, err = f.ProcessImage(context.Background(), "over-cap.png", "analysis:over-cap.txt")
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, outcome)
	assert.Equal(t, 1, d.calls)
}

func TestProcessImage_ModelFailureIsPersisted(t *testing.T) {
	store := objectstore.NewMemoryStore()
	f := newTestAnalysis(t, "simple", store, &fakeDescriber{})
	put(t, store, "broken.png", "bad bytes")

	outcome, err := f.ProcessImage(context.Background(), "broken.png", "analysis:broken.txt")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, "[Analysis failed: model overloaded]", read(t, store, "analysis:broken.txt"))
}

func TestProcessImage_EmptyDescriptionFallback(t *testing.T) {
	store := objectstore.NewMemoryStore()
	f := newTestAnalysis(t, "simple", store, &fakeDescriber{empty: true})
	put(t, store, "blank.gif", "blank")

	_, err := f.ProcessImage(context.Background(), "blank.gif", "analysis:blank.txt")
	require.NoError(t, err)
	assert.Equal(t, "No description", read(t, store, "analysis:blank.txt"))
}

func TestProcessImage_SaveFailureBecomesNotice(t *testing.T) {
	store := &flakyStore{MemoryStore: objectstore.NewMemoryStore()}
	f := newTestAnalysis(t, "simple", store, &fakeDescriber{})
	put(t, store.MemoryStore, "cat.jpg", "cat")
	store.failPuts = 1

	outcome, err := f.ProcessImage(context.Background(), "cat.jpg", "analysis:cat.txt")
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, outcome)
	assert.Equal(t, "[Analysis failed: write quota exceeded]", read(t, store, "analysis:cat.txt"))

	store.failPuts = 2
	_, err = f.ProcessImage(context.Background(), "cat.jpg", "analysis:cat.txt")
	assert.Error(t, err)
}

func TestTriggerAnalysis_EmptyBucket(t *testing.T) {
	d := &fakeDescriber{}
	f := newTestAnalysis(t, "grouped", objectstore.NewMemoryStore(), d)

	processed, err := f.TriggerAnalysis(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	assert.Equal(t, 0, d.calls)
}

func TestTriggerAnalysis_GroupedScheme(t *testing.T) {
	store := objectstore.NewMemoryStore()
	d := &fakeDescriber{}
	f := newTestAnalysis(t, "grouped", store, d)
	put(t, store, "reddit/a.jpg", "a")
	put(t, store, "x/b.png", "b")
	put(t, store, "notes.txt", "keep me")

	processed, err := f.TriggerAnalysis(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Equal(t, "description of a", read(t, store, "Reddit analysis 1.txt"))
	assert.Equal(t, "description of b", read(t, store, "X analysis 1.txt"))
	assert.Equal(t, "keep me", read(t, store, "notes.txt"))
	assert.Equal(t, 5, store.Len())

	// grouped runs always reprocess
	processed, err = f.TriggerAnalysis(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Equal(t, 4, d.calls)
}

func TestTriggerAnalysis_SimpleSchemeSkipsAnalysed(t *testing.T) {
	store := objectstore.NewMemoryStore()
	d := &fakeDescriber{}
	f := newTestAnalysis(t, "simple", store, d)
	put(t, store, "a.jpg", "a")
	put(t, store, "b.jpg", "b")
	put(t, store, "c.jpg", "c")
	put(t, store, "analysis:b.txt", "already done")

	processed, err := f.TriggerAnalysis(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, processed)
	assert.Equal(t, "already done", read(t, store, "analysis:b.txt"))
	assert.Equal(t, "description of c", read(t, store, "analysis:c.txt"))

	processed, err = f.TriggerAnalysis(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, processed)
	assert.Equal(t, 2, d.calls)
}

func TestTriggerAnalysis_ContinuesAfterFailure(t *testing.T) {
	store := objectstore.NewMemoryStore()
	f := newTestAnalysis(t, "simple", store, &fakeDescriber{})
	put(t, store, "1.jpg", "bad one")
	put(t, store, "2.jpg", "good")
	put(t, store, "3.jpg", strings.Repeat("z", MaxImageBytes+10))

	processed, err := f.TriggerAnalysis(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, processed)
	assert.Equal(t, "[Analysis failed: model overloaded]", read(t, store, "analysis:1.txt"))
	assert.Equal(t, "description of good", read(t, store, "analysis:2.txt"))
	assert.True(t, strings.HasPrefix(read(t, store, "analysis:3.txt"), "[Skipped: image too large"))
}

func TestTriggerAnalysis_RecordsRun(t *testing.T) {
	store := objectstore.NewMemoryStore()
	ledger := &recordingLedger{}
	f, err := NewAnalysisWithDeps(AnalysisConfig{Bucket: "images", Scheme: "simple"}, store, &fakeDescriber{}, ledger)
	require.NoError(t, err)
	put(t, store, "a.jpg", "a")
	put(t, store, "b.jpg", "bad")

	_, err = f.TriggerAnalysis(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{models.RunStatusRunning, models.RunStatusCompleted}, ledger.statuses)
	assert.NotEmpty(t, ledger.last.RunID)
	assert.Equal(t, "simple", ledger.last.Scheme)
	assert.Equal(t, 2, ledger.last.Processed)
	assert.Equal(t, 1, ledger.last.Described)
	assert.Equal(t, 1, ledger.last.Failed)
	assert.False(t, ledger.last.FinishedAt.IsZero())
}

type brokenListStore struct{ *objectstore.MemoryStore }

func (brokenListStore) List(ctx context.Context, opts objectstore.ListOptions) (*objectstore.Page, error) {
	return nil, errors.New("bucket unreachable")
}

func TestTriggerAnalysis_ListingFailure(t *testing.T) {
	ledger := &recordingLedger{}
	f, err := NewAnalysisWithDeps(AnalysisConfig{Bucket: "images", Scheme: "grouped"}, brokenListStore{objectstore.NewMemoryStore()}, &fakeDescriber{}, ledger)
	require.NoError(t, err)

	_, err = f.TriggerAnalysis(context.Background())
	require.Error(t, err)
	assert.Equal(t, models.RunStatusFailed, ledger.last.Status)
	assert.Contains(t, ledger.last.ErrorDetails, "bucket unreachable")
}

func TestTestSingleImage(t *testing.T) {
	store := objectstore.NewMemoryStore()
	f := newTestAnalysis(t, "grouped", store, &fakeDescriber{})

	_, err := f.TestSingleImage(context.Background())
	assert.ErrorIs(t, err, ErrNoImages)

	put(t, store, "a-readme.txt", "text")
	put(t, store, "reddit/b.jpg", "b")
	put(t, store, "reddit/a.jpg", "a")

	res, err := f.TestSingleImage(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "reddit/a.jpg", res.ImageKey)
	assert.Equal(t, "Reddit analysis 1.txt", res.OutputKey)
	assert.Equal(t, "description of a", read(t, store, "Reddit analysis 1.txt"))
}

func TestTestSingleImage_SimpleScheme(t *testing.T) {
	store := objectstore.NewMemoryStore()
	f := newTestAnalysis(t, "simple", store, &fakeDescriber{})
	put(t, store, "pics/dog.webp", "dog")

	res, err := f.TestSingleImage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "analysis:pics/dog.txt", res.OutputKey)
}

func TestAnalyzeObject(t *testing.T) {
	store := objectstore.NewMemoryStore()
	d := &fakeDescriber{}
	f := newTestAnalysis(t, "grouped", store, d)
	put(t, store, "x/1.jpg", "one")
	put(t, store, "x/2.jpg", "two")
	put(t, store, "readme.md", "hello")

	require.NoError(t, f.AnalyzeObject(context.Background(), "other-bucket", "x/2.jpg"))
	require.NoError(t, f.AnalyzeObject(context.Background(), "images", "readme.md"))
	assert.Equal(t, 0, d.calls)

	require.NoError(t, f.AnalyzeObject(context.Background(), "images", "x/2.jpg"))
	assert.Equal(t, "description of two", read(t, store, "X analysis 2.txt"))
	assert.Equal(t, 1, d.calls)
}

func TestBucketStatus(t *testing.T) {
	tests := []struct {
		scheme       string
		keys         []string
		wantImages   []string
		wantAnalyses []string
	}{
		{
			scheme:       "simple",
			keys:         []string{"a.jpg", "b.PNG", "analysis:a.txt", "Reddit analysis 1.txt", "notes.txt"},
			wantImages:   []string{"a.jpg", "b.PNG"},
			wantAnalyses: []string{"analysis:a.txt"},
		},
		{
			scheme:       "grouped",
			keys:         []string{"reddit/a.jpg", "analysis:a.txt", "Reddit analysis 1.txt", "notes.txt"},
			wantImages:   []string{"reddit/a.jpg"},
			wantAnalyses: []string{"Reddit analysis 1.txt"},
		},
		{
			scheme:       "grouped",
			keys:         nil,
			wantImages:   []string{},
			wantAnalyses: []string{},
		},
	}

	for i, tt := range tests {
		t.Run(fmt.Sprintf("%s-%d", tt.scheme, i), func(t *testing.T) {
			store := objectstore.NewMemoryStore()
			for _, k := range tt.keys {
				put(t, store, k, "x")
			}
			f := newTestAnalysis(t, tt.scheme, store, &fakeDescriber{})

			status, err := f.BucketStatus(context.Background())
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.wantImages, status.ImageKeys)
			assert.ElementsMatch(t, tt.wantAnalyses, status.AnalysisKeys)
			assert.Equal(t, len(status.ImageKeys), status.ImageCount)
			assert.Equal(t, len(status.AnalysisKeys), status.AnalysisCount)
			assert.NotNil(t, status.ImageKeys)
			assert.NotNil(t, status.AnalysisKeys)
		})
	}
}

func TestFetchAnalyses(t *testing.T) {
	store := objectstore.NewMemoryStore()
	f := newTestAnalysis(t, "simple", store, &fakeDescriber{})
	put(t, store, "analysis:a.txt", "a cat")
	put(t, store, "analysis:b.txt", "a dog")
	put(t, store, "analysis:c.json", "{}")
	put(t, store, "c.jpg", "c")

	analyses, err := f.FetchAnalyses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []models.Analysis{
		{Key: "analysis:a.txt", Text: "a cat"},
		{Key: "analysis:b.txt", Text: "a dog"},
	}, analyses)
}

func TestListImages_WalksAllPages(t *testing.T) {
	store := objectstore.NewMemoryStore()
	f := newTestAnalysis(t, "simple", store, &fakeDescriber{})
	var want []string
	for i := 0; i < 7; i++ {
		key := fmt.Sprintf("img-%d.jpg", i)
		want = append(want, key)
		put(t, store, key, "x")
		put(t, store, fmt.Sprintf("img-%d.meta", i), "x")
	}

	images, err := f.ListImages(context.Background())
	require.NoError(t, err)
	assert.Equal(t, want, images)
}

// gatedDescriber holds every call until release is closed and signals entered
// on the first call.
type gatedDescriber struct {
	fakeDescriber
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGatedDescriber() *gatedDescriber {
	return &gatedDescriber{entered: make(chan struct{}), release: make(chan struct{})}
}

func (d *gatedDescriber) DescribeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	d.once.Do(func() { close(d.entered) })
	<-d.release
	return d.fakeDescriber.DescribeImage(ctx, image, prompt)
}

type triggerResult struct {
	processed int
	err       error
}

func TestTriggerAnalysis_ConcurrentCallersShareRun(t *testing.T) {
	store := objectstore.NewMemoryStore()
	d := newGatedDescriber()
	f := newTestAnalysis(t, "simple", store, d)
	put(t, store, "a.jpg", "a")
	put(t, store, "b.jpg", "b")
	put(t, store, "c.jpg", "c")

	const callers = 4
	results := make(chan triggerResult, callers)
	trigger := func() {
		n, err := f.TriggerAnalysis(context.Background())
		results <- triggerResult{n, err}
	}

	go trigger()
	<-d.entered
	for i := 1; i < callers; i++ {
		go trigger()
	}
	// Give the other callers time to join the in-flight run.
	time.Sleep(50 * time.Millisecond)
	close(d.release)

	for i := 0; i < callers; i++ {
		res := <-results
		require.NoError(t, res.err)
		assert.Equal(t, 3, res.processed)
	}
	assert.Equal(t, 3, d.calls)
}

func TestTriggerAnalysis_JoinedCallerSurvivesLeaderCancel(t *testing.T) {
	store := objectstore.NewMemoryStore()
	d := newGatedDescriber()
	f := newTestAnalysis(t, "simple", store, d)
	put(t, store, "a.jpg", "a")
	put(t, store, "b.jpg", "b")
	put(t, store, "c.jpg", "c")

	leaderCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	leader := make(chan triggerResult, 1)
	go func() {
		n, err := f.TriggerAnalysis(leaderCtx)
		leader <- triggerResult{n, err}
	}()
	<-d.entered

	joined := make(chan triggerResult, 1)
	go func() {
		n, err := f.TriggerAnalysis(context.Background())
		joined <- triggerResult{n, err}
	}()
	time.Sleep(50 * time.Millisecond)

	cancel()
	res := <-leader
	assert.ErrorIs(t, res.err, context.Canceled)

	close(d.release)
	res = <-joined
	require.NoError(t, res.err)
	assert.Equal(t, 3, res.processed)

	assert.Equal(t, "description of a", read(t, store, "analysis:a.txt"))
	assert.Equal(t, "description of b", read(t, store, "analysis:b.txt"))
	assert.Equal(t, "description of c", read(t, store, "analysis:c.txt"))
	assert.Equal(t, 3, d.calls)
}

// cancellingDescriber cancels the run context on its first call.
type cancellingDescriber struct {
	cancel context.CancelFunc
	calls  int
}

func (d *cancellingDescriber) DescribeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	d.calls++
	d.cancel()
	return "described", nil
}

func TestRunAll_StopsWhenContextEnds(t *testing.T) {
	store := objectstore.NewMemoryStore()
	put(t, store, "a.jpg", "a")
	put(t, store, "b.jpg", "b")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d := &cancellingDescriber{cancel: cancel}
	ledger := &recordingLedger{}
	f, err := NewAnalysisWithDeps(AnalysisConfig{Bucket: "images", Scheme: "simple"}, store, d, ledger)
	require.NoError(t, err)

	processed, err := f.runAll(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, processed)
	assert.Equal(t, 1, d.calls)
	assert.Equal(t, []string{models.RunStatusRunning, models.RunStatusFailed}, ledger.statuses)
	assert.Contains(t, ledger.last.ErrorDetails, "context canceled")
	assert.Equal(t, 2, store.Len())
}

type closingDescriber struct {
	fakeDescriber
	closed bool
}

func (d *closingDescriber) Close() error {
	d.closed = true
	return nil
}

type closingLedger struct {
	recordingLedger
	err error
}

func (l *closingLedger) Close() error { return l.err }

func TestClose_ReleasesClosableDeps(t *testing.T) {
	d := &closingDescriber{}
	f, err := NewAnalysisWithDeps(AnalysisConfig{Bucket: "images", Scheme: "simple"}, objectstore.NewMemoryStore(), d, &closingLedger{err: errors.New("firestore already closed")})
	require.NoError(t, err)

	err = f.Close()
	assert.True(t, d.closed)
	assert.EqualError(t, err, "firestore already closed")

	f = newTestAnalysis(t, "simple", objectstore.NewMemoryStore(), &fakeDescriber{})
	assert.NoError(t, f.Close())
}
