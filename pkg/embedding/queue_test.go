package embedding

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/tiermem/pkg/vectors"
)

type fakeLocal struct {
	mu       sync.Mutex
	calls    map[string]int
	zero     bool
	inits    int
	unloaded int
}

func newFakeLocal() *fakeLocal { return &fakeLocal{calls: make(map[string]int)} }

func (f *fakeLocal) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits++
	return nil
}

func (f *fakeLocal) Unload() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloaded++
}

func (f *fakeLocal) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]float32, len(texts))
	for i, text := range texts {
		f.calls[text]++
		if f.zero {
			out[i] = []float32{0, 0}
			continue
		}
		out[i] = Normalize([]float32{float32(len(text)), 1})
	}
	return out, nil
}

func (f *fakeLocal) callCounts() map[string]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]int, len(f.calls))
	for k, v := range f.calls {
		out[k] = v
	}
	return out
}

type fakeRemote struct {
	mu      sync.Mutex
	batches [][]string
	fn      func(ctx context.Context, texts []string) ([][]float32, error)
}

func (f *fakeRemote) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	f.batches = append(f.batches, append([]string(nil), texts...))
	f.mu.Unlock()
	return f.fn(ctx, texts)
}

func (f *fakeRemote) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

type keyRecorder struct {
	mu   sync.Mutex
	keys []string
}

func (r *keyRecorder) Notify(key, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
}

func (r *keyRecorder) seen() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.keys...)
}

func testQueueConfig() QueueConfig {
	return QueueConfig{
		BatchWindow:   20 * time.Millisecond,
		MaxBatch:      16,
		RetryAttempts: 2,
		RetryBackoff:  time.Millisecond,
		Cooldown:      time.Hour,
	}
}

func memReq(text string) Request {
	return Request{Kind: KindMemory, MemoryID: uuid.New(), Text: text}
}

func TestQueue_EnqueueDeduplicates(t *testing.T) {
	store := vectors.NewStore()
	q := NewQueue(testQueueConfig(), QueueDeps{Store: store})
	defer q.Close()

	req := memReq("a walk in the rain")
	assert.True(t, q.Enqueue(req))
	assert.False(t, q.Enqueue(req))
	assert.Equal(t, 1, q.Pending())

	assert.False(t, q.Enqueue(Request{Kind: KindMemory, MemoryID: uuid.New(), Text: "  "}))
	assert.False(t, q.Enqueue(Request{Kind: KindMemory, Text: "no id"}))

	existing := uuid.New()
	store.Put(existing, []float32{1})
	assert.False(t, q.Enqueue(Request{Kind: KindMemory, MemoryID: existing, Text: "x"}))

	tag := Request{Kind: KindTag, TagSpace: vectors.TextSpace, TagKey: 9, Text: "tag"}
	assert.True(t, q.Enqueue(tag))
	assert.False(t, q.Enqueue(tag))
	assert.Equal(t, 2, q.Pending())
}

func TestQueue_LocalProcessorWritesCopyTargets(t *testing.T) {
	store := vectors.NewStore()
	cache := vectors.NewSemanticCache()
	local := newFakeLocal()
	q := NewQueue(testQueueConfig(), QueueDeps{Store: store, Cache: cache, Local: local})
	defer q.Close()

	req := memReq("shared summary")
	copyID := uuid.New()
	req.CopyTargets = []uuid.UUID{copyID}
	require.True(t, q.Enqueue(req))
	require.True(t, q.Enqueue(Request{Kind: KindTag, TagSpace: vectors.DefinitionSpace, TagKey: 3, Text: "brave"}))

	require.NoError(t, q.Start(context.Background(), ModeLocal))
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, 5*time.Millisecond)

	orig, ok := store.Get(req.MemoryID)
	require.True(t, ok)
	copied, ok := store.Get(copyID)
	require.True(t, ok)
	assert.Equal(t, orig, copied)
	assert.True(t, cache.Has(vectors.DefinitionSpace, 3))
	assert.Equal(t, 1, local.callCounts()["shared summary"])
}

func TestQueue_LocalZeroVectorIsNotStored(t *testing.T) {
	store := vectors.NewStore()
	local := newFakeLocal()
	local.zero = true
	q := NewQueue(testQueueConfig(), QueueDeps{Store: store, Local: local})
	defer q.Close()

	require.True(t, q.Enqueue(memReq("text")))
	require.NoError(t, q.Start(context.Background(), ModeLocal))
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, store.Len())
}

func TestQueue_RemoteBatchesWithinWindow(t *testing.T) {
	store := vectors.NewStore()
	remote := &fakeRemote{fn: func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			out[i] = []float32{1, float32(i)}
		}
		return out, nil
	}}
	q := NewQueue(testQueueConfig(), QueueDeps{Store: store, Local: newFakeLocal(), Remote: remote})
	defer q.Close()

	for _, text := range []string{"a", "b", "c"} {
		require.True(t, q.Enqueue(memReq(text)))
	}
	require.NoError(t, q.Start(context.Background(), ModeRemote))
	require.Eventually(t, func() bool { return store.Len() == 3 }, time.Second, 5*time.Millisecond)

	assert.Equal(t, 1, remote.calls())
	assert.Equal(t, 0, q.Pending())
}

func TestQueue_RemoteExhaustionCoolsDownAndRequeues(t *testing.T) {
	store := vectors.NewStore()
	notices := &keyRecorder{}
	remote := &fakeRemote{fn: func(context.Context, []string) ([][]float32, error) {
		return nil, errors.New("service unavailable")
	}}
	q := NewQueue(testQueueConfig(), QueueDeps{Store: store, Local: newFakeLocal(), Remote: remote, Notifier: notices})
	defer q.Close()

	first, second := memReq("one"), memReq("two")
	require.True(t, q.Enqueue(first))
	require.True(t, q.Enqueue(second))
	require.NoError(t, q.Start(context.Background(), ModeRemote))

	require.Eventually(t, func() bool { return q.Queued() == 2 && remote.calls() == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, q.Pending())
	assert.False(t, q.Enqueue(first), "dedup marker must survive the requeue")
	assert.Equal(t, []string{"embedding.remote"}, notices.seen())

	// Still cooling down: no further remote calls.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, remote.calls())
	assert.Equal(t, 0, store.Len())
}

func TestQueue_ModeSwitchRequeuesInFlightBatch(t *testing.T) {
	store := vectors.NewStore()
	local := newFakeLocal()
	started := make(chan int, 1)
	remote := &fakeRemote{fn: func(ctx context.Context, texts []string) ([][]float32, error) {
		started <- len(texts)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	q := NewQueue(testQueueConfig(), QueueDeps{Store: store, Local: local, Remote: remote})
	defer q.Close()

	texts := []string{"t1", "t2", "t3", "t4", "t5"}
	reqs := make([]Request, len(texts))
	for i, text := range texts {
		reqs[i] = memReq(text)
		require.True(t, q.Enqueue(reqs[i]))
	}
	require.NoError(t, q.Start(context.Background(), ModeRemote))

	select {
	case n := <-started:
		require.Equal(t, 5, n)
	case <-time.After(time.Second):
		t.Fatal("remote batch never started")
	}
	assert.Equal(t, 0, q.Queued())
	assert.Equal(t, 5, q.Pending())
	for _, req := range reqs {
		assert.False(t, q.Enqueue(req))
	}

	require.NoError(t, q.SetMode(context.Background(), ModeLocal))
	require.Eventually(t, func() bool { return store.Len() == 5 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return q.Pending() == 0 }, time.Second, 5*time.Millisecond)

	counts := local.callCounts()
	for _, text := range texts {
		assert.Equal(t, 1, counts[text], "text %s", text)
	}
	assert.Equal(t, 1, remote.calls())
	assert.Equal(t, ModeLocal, q.Mode())
}

func TestQueue_SetModeSameModeIsNoop(t *testing.T) {
	local := newFakeLocal()
	q := NewQueue(testQueueConfig(), QueueDeps{Local: local})
	defer q.Close()

	require.NoError(t, q.SetMode(context.Background(), ModeLocal))
	require.NoError(t, q.SetMode(context.Background(), ModeLocal))
	assert.Equal(t, 1, local.inits)
}

func TestQueue_RemoteModeNeedsClient(t *testing.T) {
	store := vectors.NewStore()
	q := NewQueue(testQueueConfig(), QueueDeps{Store: store, Local: newFakeLocal()})
	defer q.Close()

	assert.ErrorIs(t, q.CanUse(ModeRemote), ErrRemoteNotConfigured)
	assert.NoError(t, q.CanUse(ModeLocal))

	require.NoError(t, q.Start(context.Background(), ModeLocal))
	assert.ErrorIs(t, q.SetMode(context.Background(), ModeRemote), ErrRemoteNotConfigured)
	assert.Equal(t, ModeLocal, q.Mode())

	require.True(t, q.Enqueue(memReq("still local")))
	require.Eventually(t, func() bool { return store.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestQueue_RestartDropsWorkAndKeepsMode(t *testing.T) {
	store := vectors.NewStore()
	started := make(chan int, 4)
	remote := &fakeRemote{fn: func(ctx context.Context, texts []string) ([][]float32, error) {
		started <- len(texts)
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	q := NewQueue(testQueueConfig(), QueueDeps{Store: store, Local: newFakeLocal(), Remote: remote})
	defer q.Close()

	req := memReq("held")
	require.True(t, q.Enqueue(req))
	require.NoError(t, q.Start(context.Background(), ModeRemote))
	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("remote batch never started")
	}

	require.NoError(t, q.Restart(context.Background()))
	assert.Equal(t, 0, q.Pending())
	assert.Equal(t, ModeRemote, q.Mode())

	require.True(t, q.Enqueue(req), "dropped request should be accepted again")
	select {
	case n := <-started:
		assert.Equal(t, 1, n)
	case <-time.After(time.Second):
		t.Fatal("restarted processor did not pick up new work")
	}
	assert.Equal(t, 0, store.Len())
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("Remote")
	require.NoError(t, err)
	assert.Equal(t, ModeRemote, m)
	_, err = ParseMode("gpu")
	assert.Error(t, err)
}
