package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/dotsetgreg/tiermem/pkg/dispatch"
	"github.com/dotsetgreg/tiermem/pkg/vectors"
)

type fakeClock struct{ now atomic.Int64 }

func (c *fakeClock) Now() int64  { return c.now.Load() }
func (c *fakeClock) Set(v int64) { c.now.Store(v) }
func (c *fakeClock) Add(v int64) { c.now.Add(v) }

// scriptedSummarizer merges every snapshot into one record. When gate is set
// each call blocks until it is closed.
type scriptedSummarizer struct {
	mu       sync.Mutex
	calls    int
	requests []SummaryRequest
	gate     chan struct{}
	started  chan struct{}
	err      error
	empty    bool
}

func (s *scriptedSummarizer) Summarize(ctx context.Context, req SummaryRequest) ([]MergedRecord, error) {
	s.mu.Lock()
	s.calls++
	s.requests = append(s.requests, req)
	gate, started := s.gate, s.started
	err, empty := s.err, s.empty
	s.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	if empty {
		return []MergedRecord{}, nil
	}
	ids := make([]int, len(req.Snapshot))
	for i := range ids {
		ids[i] = i + 1
	}
	return []MergedRecord{{
		Summary:    fmt.Sprintf("merged %d records", len(req.Snapshot)),
		Keywords:   []string{"merged"},
		Importance: 3,
		SourceIDs:  ids,
	}}, nil
}

func (s *scriptedSummarizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type pipelineHarness struct {
	store      *TieredStore
	vectors    *vectors.Store
	pipeline   *Pipeline
	runner     *dispatch.Runner
	dispatcher *dispatch.Dispatcher
	lifetime   *dispatch.Lifetime
	clock      *fakeClock
	notices    *[]string
}

func newPipelineHarness(t *testing.T, params Params, sum Summarizer, attempts int) *pipelineHarness {
	t.Helper()
	vecs := vectors.NewStore()
	store := NewTieredStore(params, vecs)
	lt := dispatch.NewLifetime(context.Background())
	d := dispatch.NewDispatcher()
	notices := &[]string{}
	var mu sync.Mutex
	n := dispatch.NotifierFunc(func(key, _ string) {
		mu.Lock()
		*notices = append(*notices, key)
		mu.Unlock()
	})
	runner := dispatch.NewRunner(lt, d, n, dispatch.RetryPolicy{Attempts: attempts})
	clock := &fakeClock{}
	clock.Set(1_000_000)
	p := NewPipeline(PipelineDeps{Store: store, Summarizer: sum, Runner: runner, Clock: clock})
	t.Cleanup(func() {
		lt.Stop()
		runner.Wait()
		d.Close()
	})
	return &pipelineHarness{
		store: store, vectors: vecs, pipeline: p, runner: runner,
		dispatcher: d, lifetime: lt, clock: clock, notices: notices,
	}
}

// settle waits for background tasks and runs their callbacks.
func (h *pipelineHarness) settle() {
	h.runner.Wait()
	h.dispatcher.Drain()
}

func (h *pipelineHarness) appendN(entity EntityID, n int, prefix string) {
	for i := 0; i < n; i++ {
		rec := NewRecord(fmt.Sprintf("%s %d", prefix, i), nil, 2, h.clock.Now())
		h.store.Append(entity, rec)
		h.pipeline.MaybeConsolidate(entity)
	}
}

func smallParams() Params {
	p := DefaultParams()
	p.RecentThreshold = 4
	p.MidThreshold = 3
	p.TrimBuffer = 1
	p.LongCap = 2
	return p
}

func mustCounters(t *testing.T, s *TieredStore, entity EntityID) Counters {
	t.Helper()
	c, ok := s.Counters(entity)
	if !ok {
		t.Fatalf("entity %d not found", entity)
	}
	return c
}
