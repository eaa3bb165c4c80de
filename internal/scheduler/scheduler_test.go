package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/placegrid/harvester/internal/coverage"
	"github.com/placegrid/harvester/internal/dedup"
	"github.com/placegrid/harvester/internal/harvest"
	"github.com/placegrid/harvester/internal/metrics"
	queuemem "github.com/placegrid/harvester/internal/queue/memory"
	storemem "github.com/placegrid/harvester/internal/store/memory"
)

func TestMain(m *testing.M) {
	metrics.Init()
	os.Exit(m.Run())
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type fakeAdapter struct {
	mu      sync.Mutex
	results map[string][]harvest.FetchResult
	errs    map[string][]error
	calls   map[string]int
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{
		results: make(map[string][]harvest.FetchResult),
		errs:    make(map[string][]error),
		calls:   make(map[string]int),
	}
}

func (a *fakeAdapter) script(itemID string, result harvest.FetchResult, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[itemID] = append(a.results[itemID], result)
	a.errs[itemID] = append(a.errs[itemID], err)
}

func (a *fakeAdapter) Execute(_ context.Context, item harvest.WorkItem) (harvest.FetchResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	i := a.calls[item.ID]
	a.calls[item.ID]++
	results, errs := a.results[item.ID], a.errs[item.ID]
	if i >= len(results) {
		if len(results) == 0 {
			return harvest.FetchResult{}, nil
		}
		i = len(results) - 1
	}
	return results[i], errs[i]
}

func (a *fakeAdapter) callCount(itemID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[itemID]
}

type fakeBlobStore struct {
	mu    sync.Mutex
	paths []string
}

func (b *fakeBlobStore) PutObject(_ context.Context, path, _ string, _ []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paths = append(b.paths, path)
	return "mem://" + path, nil
}

type fakePublisher struct {
	mu       sync.Mutex
	payloads []any
}

func (p *fakePublisher) Publish(_ context.Context, _ string, payload any) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.payloads = append(p.payloads, payload)
	return "msg-1", nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.payloads)
}

type sha256Hasher struct{}

func (sha256Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

type fakeGrid struct{}

func (fakeGrid) Children(cell harvest.Cell, finerResolution int) ([]harvest.Cell, error) {
	children := make([]harvest.Cell, 7)
	for i := range children {
		children[i] = harvest.Cell{
			Token:      cell.Token + string(rune('a'+i)),
			Resolution: finerResolution,
		}
	}
	return children, nil
}

// flakyPlaceStore fails the first n upserts with a transient store error.
type flakyPlaceStore struct {
	*storemem.PlaceStore
	mu        sync.Mutex
	remaining int
}

func (s *flakyPlaceStore) Upsert(ctx context.Context, place harvest.Place) (harvest.UpsertOutcome, error) {
	s.mu.Lock()
	fail := s.remaining > 0
	if fail {
		s.remaining--
	}
	s.mu.Unlock()
	if fail {
		return "", harvest.ErrStoreUnavailable
	}
	return s.PlaceStore.Upsert(ctx, place)
}

type env struct {
	queue     *queuemem.Queue
	adapter   *fakeAdapter
	places    *storemem.PlaceStore
	coverage  *storemem.CoverageStore
	runs      *storemem.RunStore
	blobs     *fakeBlobStore
	publisher *fakePublisher
	clock     *fakeClock
	worker    *Worker
}

func newEnv(t *testing.T, cfg Config) *env {
	t.Helper()
	clock := newFakeClock()
	queue := queuemem.New(time.Minute, clock)
	adapter := newFakeAdapter()
	places := storemem.NewPlaceStore()
	cov := storemem.NewCoverageStore()
	runs := storemem.NewRunStore()
	blobs := &fakeBlobStore{}
	publisher := &fakePublisher{}

	engine := dedup.New(places, clock, zap.NewNop(), dedup.Config{})
	tracker := coverage.New(cov, clock, zap.NewNop())
	policy := NewRetryPolicy(3, 2, 10*time.Millisecond, 100*time.Millisecond)

	cfg.StoreRetryDelay = time.Millisecond
	worker := New(
		queue, adapter, engine, tracker, fakeGrid{}, runs,
		blobs, publisher, sha256Hasher{}, clock, policy, nil, cfg, zap.NewNop(),
	)
	return &env{
		queue:     queue,
		adapter:   adapter,
		places:    places,
		coverage:  cov,
		runs:      runs,
		blobs:     blobs,
		publisher: publisher,
		clock:     clock,
		worker:    worker,
	}
}

func mustEnqueue(t *testing.T, q *queuemem.Queue, it harvest.WorkItem) {
	t.Helper()
	inserted, err := q.Enqueue(context.Background(), it)
	require.NoError(t, err)
	require.True(t, inserted)
}

func testItem(runID string) harvest.WorkItem {
	return harvest.WorkItem{
		ID:       harvest.WorkItemID(runID, "8928308280fffff", "cafe"),
		RunID:    runID,
		Cell:     harvest.Cell{Token: "8928308280fffff", Resolution: 9},
		Category: harvest.Category{Name: "cafe", Query: "cafe"},
		Status:   harvest.StatusPending,
	}
}

func candidate(name, cell string) harvest.CandidatePlace {
	return harvest.CandidatePlace{
		ProviderID: "ChIJ-" + name,
		Name:       name,
		Lat:        52.52,
		Lng:        13.405,
		Category:   "cafe",
		SourceCell: cell,
	}
}

func TestProcessItemSuccessPath(t *testing.T) {
	t.Parallel()

	e := newEnv(t, Config{Topic: "discoveries", BlobPrefix: "payloads"})
	item := testItem("run-1")
	e.adapter.script(item.ID, harvest.FetchResult{
		Candidates: []harvest.CandidatePlace{candidate("aroma", item.Cell.Token)},
		Payload:    []byte("<html>results</html>"),
	}, nil)

	mustEnqueue(t, e.queue, item)
	leased, err := e.queue.Dequeue(context.Background())
	require.NoError(t, err)
	e.worker.processItem(context.Background(), leased)

	// Item acked, place stored, coverage recorded, payload archived, event out.
	stored, ok := e.queue.Item(item.ID)
	require.True(t, ok)
	require.Equal(t, harvest.StatusSucceeded, stored.Status)
	require.Equal(t, 1, e.places.Len())
	rec, found, err := e.coverage.Get(context.Background(), item.Cell.Token, "cafe")
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 1, rec.FoundCount)
	require.False(t, rec.NeedsSubdivision)
	require.Len(t, e.blobs.paths, 1)
	require.Contains(t, e.blobs.paths[0], "payloads/run-1/"+item.Cell.Token)
	require.Equal(t, 1, e.publisher.count())
}

func TestTransientFailureSchedulesRetry(t *testing.T) {
	t.Parallel()

	e := newEnv(t, Config{})
	item := testItem("run-1")
	e.adapter.script(item.ID, harvest.FetchResult{}, harvest.NewFetchError(harvest.FetchRateLimited, errors.New("429")))

	mustEnqueue(t, e.queue, item)
	leased, err := e.queue.Dequeue(context.Background())
	require.NoError(t, err)
	e.worker.processItem(context.Background(), leased)

	stored, ok := e.queue.Item(item.ID)
	require.True(t, ok)
	require.Equal(t, harvest.StatusPending, stored.Status)
	require.Equal(t, 1, stored.Attempt)
	require.True(t, stored.NextEligible.After(e.clock.Now()))
	require.Equal(t, harvest.FetchRateLimited, stored.LastErrorKind)
}

func TestStructuralFailureDeadLettersSooner(t *testing.T) {
	t.Parallel()

	e := newEnv(t, Config{})
	item := testItem("run-1")
	item.Attempt = 2
	e.adapter.script(item.ID, harvest.FetchResult{}, harvest.NewFetchError(harvest.FetchBlocked, errors.New("captcha wall")))

	mustEnqueue(t, e.queue, item)
	leased, err := e.queue.Dequeue(context.Background())
	require.NoError(t, err)
	e.worker.processItem(context.Background(), leased)

	stored, ok := e.queue.Item(item.ID)
	require.True(t, ok)
	require.Equal(t, harvest.StatusDeadLettered, stored.Status)
	require.Equal(t, harvest.FetchBlocked, stored.LastErrorKind)
}

func TestSaturatedCellSubdivides(t *testing.T) {
	t.Parallel()

	e := newEnv(t, Config{ProviderResultCap: 3})
	item := testItem("run-1")
	e.adapter.script(item.ID, harvest.FetchResult{
		Candidates: []harvest.CandidatePlace{
			candidate("a", item.Cell.Token),
			candidate("b", item.Cell.Token),
			candidate("c", item.Cell.Token),
		},
	}, nil)

	mustEnqueue(t, e.queue, item)
	leased, err := e.queue.Dequeue(context.Background())
	require.NoError(t, err)
	e.worker.processItem(context.Background(), leased)

	// Truncated page's candidates are kept, the cell is flagged, and seven
	// finer child items are pending for the same category.
	require.Equal(t, 3, e.places.Len())
	rec, found, err := e.coverage.Get(context.Background(), item.Cell.Token, "cafe")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, rec.NeedsSubdivision)

	childID := harvest.WorkItemID("run-1", item.Cell.Token+"a", "cafe")
	child, ok := e.queue.Item(childID)
	require.True(t, ok)
	require.Equal(t, harvest.StatusPending, child.Status)
	require.Equal(t, 10, child.Cell.Resolution)
}

func TestSubdivisionGrowsRunItemCount(t *testing.T) {
	t.Parallel()

	e := newEnv(t, Config{ProviderResultCap: 3})
	require.NoError(t, e.runs.CreateRun(context.Background(), harvest.Run{
		ID:        "run-1",
		Status:    harvest.RunStatusActive,
		CellCount: 1,
		ItemCount: 1,
	}))
	item := testItem("run-1")
	e.adapter.script(item.ID, harvest.FetchResult{
		Candidates: []harvest.CandidatePlace{
			candidate("a", item.Cell.Token),
			candidate("b", item.Cell.Token),
			candidate("c", item.Cell.Token),
		},
	}, nil)

	mustEnqueue(t, e.queue, item)
	leased, err := e.queue.Dequeue(context.Background())
	require.NoError(t, err)
	e.worker.processItem(context.Background(), leased)

	// Seven children joined the run, so the expected total grows before the
	// parent's coverage record can make the run look finished.
	run, err := e.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, 8, run.ItemCount)

	tracker := coverage.New(e.coverage, e.clock, zap.NewNop())
	progress, err := tracker.Progress(context.Background(), run)
	require.NoError(t, err)
	require.Equal(t, 8, progress.ItemsTotal)
	require.Equal(t, 1, progress.ItemsCovered)
	require.Less(t, progress.ItemsCovered, progress.ItemsTotal)
}

func TestResultCapErrorAlsoSubdivides(t *testing.T) {
	t.Parallel()

	e := newEnv(t, Config{ProviderResultCap: 100})
	item := testItem("run-1")
	e.adapter.script(item.ID,
		harvest.FetchResult{Candidates: []harvest.CandidatePlace{candidate("a", item.Cell.Token)}},
		harvest.NewFetchError(harvest.FetchResultCapExceeded, errors.New("page truncated")),
	)

	mustEnqueue(t, e.queue, item)
	leased, err := e.queue.Dequeue(context.Background())
	require.NoError(t, err)
	e.worker.processItem(context.Background(), leased)

	stored, ok := e.queue.Item(item.ID)
	require.True(t, ok)
	require.Equal(t, harvest.StatusSucceeded, stored.Status)
	_, ok = e.queue.Item(harvest.WorkItemID("run-1", item.Cell.Token+"a", "cafe"))
	require.True(t, ok)
}

func TestSaturatedCellAtResolutionFloorIsNotSubdivided(t *testing.T) {
	t.Parallel()

	e := newEnv(t, Config{ProviderResultCap: 1, MaxSubdivideResolution: 9})
	item := testItem("run-1")
	e.adapter.script(item.ID, harvest.FetchResult{
		Candidates: []harvest.CandidatePlace{candidate("a", item.Cell.Token)},
	}, nil)

	mustEnqueue(t, e.queue, item)
	leased, err := e.queue.Dequeue(context.Background())
	require.NoError(t, err)
	e.worker.processItem(context.Background(), leased)

	_, ok := e.queue.Item(harvest.WorkItemID("run-1", item.Cell.Token+"a", "cafe"))
	require.False(t, ok)
	rec, found, err := e.coverage.Get(context.Background(), item.Cell.Token, "cafe")
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, rec.NeedsSubdivision)
}

func TestStoreOutageReleasesItemAndPausesRun(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	queue := queuemem.New(time.Minute, clock)
	adapter := newFakeAdapter()
	flaky := &flakyPlaceStore{PlaceStore: storemem.NewPlaceStore(), remaining: 100}
	cov := storemem.NewCoverageStore()
	runs := storemem.NewRunStore()
	require.NoError(t, runs.CreateRun(context.Background(), harvest.Run{ID: "run-1", Status: harvest.RunStatusActive}))

	engine := dedup.New(flaky, clock, zap.NewNop(), dedup.Config{})
	tracker := coverage.New(cov, clock, zap.NewNop())
	worker := New(
		queue, adapter, engine, tracker, fakeGrid{}, runs,
		nil, nil, sha256Hasher{}, clock, NewRetryPolicy(0, 0, 0, 0), nil,
		Config{StoreRetries: 2, StoreRetryDelay: time.Millisecond}, zap.NewNop(),
	)

	item := testItem("run-1")
	adapter.script(item.ID, harvest.FetchResult{
		Candidates: []harvest.CandidatePlace{candidate("a", item.Cell.Token)},
	}, nil)

	mustEnqueue(t, queue, item)
	leased, err := queue.Dequeue(context.Background())
	require.NoError(t, err)
	worker.processItem(context.Background(), leased)

	// Released without burning an attempt, run paused.
	stored, ok := queue.Item(item.ID)
	require.True(t, ok)
	require.Equal(t, harvest.StatusPending, stored.Status)
	require.Equal(t, 0, stored.Attempt)
	run, err := runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusPaused, run.Status)
}

func TestUnpersistableCandidateFollowsRetryPolicy(t *testing.T) {
	t.Parallel()

	e := newEnv(t, Config{})
	require.NoError(t, e.runs.CreateRun(context.Background(), harvest.Run{ID: "run-1", Status: harvest.RunStatusActive}))

	item := testItem("run-1")
	bad := candidate("aroma", item.Cell.Token)
	bad.Lat = 95
	e.adapter.script(item.ID, harvest.FetchResult{
		Candidates: []harvest.CandidatePlace{bad},
	}, nil)

	mustEnqueue(t, e.queue, item)
	leased, err := e.queue.Dequeue(context.Background())
	require.NoError(t, err)
	e.worker.processItem(context.Background(), leased)

	// The bad data is the item's problem, not the store's: it retries on the
	// structural ceiling and the run keeps going.
	stored, ok := e.queue.Item(item.ID)
	require.True(t, ok)
	require.Equal(t, harvest.StatusPending, stored.Status)
	require.Equal(t, 1, stored.Attempt)
	require.Equal(t, harvest.FetchParseFailure, stored.LastErrorKind)

	run, err := e.runs.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	require.Equal(t, harvest.RunStatusActive, run.Status)

	// The second delivery exhausts the structural ceiling and dead-letters.
	e.clock.mu.Lock()
	e.clock.now = e.clock.now.Add(time.Second)
	e.clock.mu.Unlock()
	leased, err = e.queue.Dequeue(context.Background())
	require.NoError(t, err)
	e.worker.processItem(context.Background(), leased)

	stored, ok = e.queue.Item(item.ID)
	require.True(t, ok)
	require.Equal(t, harvest.StatusDeadLettered, stored.Status)
}

func TestFailedFetchPayloadIsArchived(t *testing.T) {
	t.Parallel()

	e := newEnv(t, Config{BlobPrefix: "payloads"})
	item := testItem("run-1")
	e.adapter.script(item.ID,
		harvest.FetchResult{Payload: []byte("<html>unexpected layout</html>")},
		harvest.NewFetchError(harvest.FetchParseFailure, errors.New("result selector missing")),
	)

	mustEnqueue(t, e.queue, item)
	leased, err := e.queue.Dequeue(context.Background())
	require.NoError(t, err)
	e.worker.processItem(context.Background(), leased)

	// The page that defeated the parser is kept for diagnosis even though
	// the item itself is scheduled for retry.
	require.Len(t, e.blobs.paths, 1)
	require.Contains(t, e.blobs.paths[0], "payloads/run-1/"+item.Cell.Token)

	stored, ok := e.queue.Item(item.ID)
	require.True(t, ok)
	require.Equal(t, harvest.StatusPending, stored.Status)
	require.Equal(t, 1, stored.Attempt)
}

func TestRedeliveredItemMergesInsteadOfDuplicating(t *testing.T) {
	t.Parallel()

	// A worker that archived and resolved but crashed before acking leaves
	// the item to be reaped and redelivered, possibly to another process.
	// The second resolution of the same candidates must merge, not
	// duplicate. Two workers share the place store to model this.
	clock := newFakeClock()
	places := storemem.NewPlaceStore()
	runs := storemem.NewRunStore()
	tracker := coverage.New(storemem.NewCoverageStore(), clock, zap.NewNop())
	policy := NewRetryPolicy(0, 0, 0, 0)

	item := testItem("run-1")
	result := harvest.FetchResult{
		Candidates: []harvest.CandidatePlace{candidate("aroma", item.Cell.Token)},
	}

	for i := 0; i < 2; i++ {
		queue := queuemem.New(time.Minute, clock)
		adapter := newFakeAdapter()
		adapter.script(item.ID, result, nil)
		engine := dedup.New(places, clock, zap.NewNop(), dedup.Config{})
		worker := New(
			queue, adapter, engine, tracker, fakeGrid{}, runs,
			nil, nil, sha256Hasher{}, clock, policy, nil, Config{}, zap.NewNop(),
		)
		mustEnqueue(t, queue, item)
		leased, err := queue.Dequeue(context.Background())
		require.NoError(t, err)
		worker.processItem(context.Background(), leased)
	}

	require.Equal(t, 1, places.Len())
}

func TestBackoffIsNonDecreasingBelowCeiling(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(10, 2, time.Second, time.Hour)
	for trial := 0; trial < 20; trial++ {
		prev := time.Duration(0)
		for attempt := 0; attempt < 8; attempt++ {
			d := policy.Backoff(attempt)
			require.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
			prev = d
		}
	}
}

func TestBackoffIsCapped(t *testing.T) {
	t.Parallel()

	policy := NewRetryPolicy(10, 2, time.Second, 4*time.Second)
	for attempt := 0; attempt < 12; attempt++ {
		require.LessOrEqual(t, policy.Backoff(attempt), 4*time.Second)
	}
}

func TestPoolReapsExpiredLeases(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	queue := queuemem.New(10*time.Millisecond, clock)
	item := testItem("run-1")
	mustEnqueue(t, queue, item)
	_, err := queue.Dequeue(context.Background())
	require.NoError(t, err)

	clock.mu.Lock()
	clock.now = clock.now.Add(time.Minute)
	clock.mu.Unlock()

	pool := NewPool(queue, nil, 5*time.Millisecond, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		pool.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		stored, ok := queue.Item(item.ID)
		return ok && stored.Status == harvest.StatusPending
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
