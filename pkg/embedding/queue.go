package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/tiermem/pkg/dispatch"
	"github.com/dotsetgreg/tiermem/pkg/logger"
	"github.com/dotsetgreg/tiermem/pkg/metrics"
	"github.com/dotsetgreg/tiermem/pkg/vectors"
)

type Kind int

const (
	KindMemory Kind = iota
	KindTag
)

type Mode int

const (
	ModeLocal Mode = iota
	ModeRemote
)

func (m Mode) String() string {
	if m == ModeRemote {
		return "remote"
	}
	return "local"
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "local":
		return ModeLocal, nil
	case "remote":
		return ModeRemote, nil
	}
	return ModeLocal, fmt.Errorf("unknown embedding mode %q", s)
}

// Request asks for one vector. Memory requests target the vector store by
// record id; tag requests target the semantic cache by space and key.
type Request struct {
	Kind     Kind
	MemoryID uuid.UUID
	TagSpace vectors.Space
	TagKey   int32
	Text     string
	// CopyTargets receive the same vector as MemoryID.
	CopyTargets []uuid.UUID
}

func (r Request) key() string {
	if r.Kind == KindTag {
		return fmt.Sprintf("t:%d:%d", r.TagSpace, r.TagKey)
	}
	return "m:" + r.MemoryID.String()
}

// LocalBackend is satisfied by *Engine.
type LocalBackend interface {
	Initialize(ctx context.Context) error
	Unload()
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// RemoteBackend is satisfied by *RemoteClient.
type RemoteBackend interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

type QueueConfig struct {
	BatchWindow   time.Duration
	MaxBatch      int
	RetryAttempts int
	RetryBackoff  time.Duration
	Cooldown      time.Duration
}

func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		BatchWindow:   2 * time.Second,
		MaxBatch:      64,
		RetryAttempts: 3,
		RetryBackoff:  2 * time.Second,
		Cooldown:      60 * time.Second,
	}
}

// Queue is a deduplicating FIFO of vector requests served by exactly one
// processor goroutine, local or remote depending on the active mode.
type Queue struct {
	cfg      QueueConfig
	store    *vectors.Store
	cache    *vectors.SemanticCache
	local    LocalBackend
	remote   RemoteBackend
	notifier dispatch.Notifier
	metrics  *metrics.Metrics

	mu            sync.Mutex
	items         []Request
	pending       map[string]struct{}
	cooldownUntil time.Time
	closed        bool
	wake          chan struct{}

	switchMu   sync.Mutex
	mode       Mode
	running    bool
	procCancel context.CancelFunc
	procDone   chan struct{}
}

type QueueDeps struct {
	Store    *vectors.Store
	Cache    *vectors.SemanticCache
	Local    LocalBackend
	Remote   RemoteBackend
	Notifier dispatch.Notifier
	Metrics  *metrics.Metrics
}

func NewQueue(cfg QueueConfig, deps QueueDeps) *Queue {
	def := DefaultQueueConfig()
	if cfg.BatchWindow <= 0 {
		cfg.BatchWindow = def.BatchWindow
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.RetryBackoff < 0 {
		cfg.RetryBackoff = 0
	}
	if cfg.Cooldown < 0 {
		cfg.Cooldown = 0
	}
	if deps.Store == nil {
		deps.Store = vectors.NewStore()
	}
	if deps.Cache == nil {
		deps.Cache = vectors.NewSemanticCache()
	}
	if deps.Notifier == nil {
		deps.Notifier = dispatch.LogNotifier{}
	}
	return &Queue{
		cfg:      cfg,
		store:    deps.Store,
		cache:    deps.Cache,
		local:    deps.Local,
		remote:   deps.Remote,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		pending:  make(map[string]struct{}),
		wake:     make(chan struct{}, 1),
	}
}

// Enqueue adds req unless its target already has a vector, it is already
// pending, or its text is empty. It reports whether req was queued.
func (q *Queue) Enqueue(req Request) bool {
	if strings.TrimSpace(req.Text) == "" {
		return false
	}
	if req.Kind == KindMemory && req.MemoryID == uuid.Nil {
		return false
	}
	if q.hasVector(req) {
		return false
	}

	key := req.key()
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	if _, dup := q.pending[key]; dup {
		q.mu.Unlock()
		return false
	}
	q.pending[key] = struct{}{}
	q.items = append(q.items, req)
	depth := len(q.pending)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	q.signal()
	return true
}

// Pending counts requests that are queued or in flight.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Queued counts requests waiting to be picked up.
func (q *Queue) Queued() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Mode() Mode {
	q.switchMu.Lock()
	defer q.switchMu.Unlock()
	return q.mode
}

// Start launches the processor for mode. Calling Start on a running queue
// behaves like SetMode.
func (q *Queue) Start(ctx context.Context, mode Mode) error {
	return q.SetMode(ctx, mode)
}

// CanUse reports why SetMode(mode) would fail, or nil when it would not.
func (q *Queue) CanUse(mode Mode) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrQueueClosed
	}
	if mode == ModeRemote && q.remote == nil {
		return ErrRemoteNotConfigured
	}
	return nil
}

// SetMode stops the active processor, waits for it to hand back any batch it
// held, swaps the local model in or out, and starts the processor for mode.
// On error the active processor is left untouched.
func (q *Queue) SetMode(ctx context.Context, mode Mode) error {
	q.switchMu.Lock()
	defer q.switchMu.Unlock()

	if err := q.CanUse(mode); err != nil {
		return err
	}
	if q.running && q.mode == mode {
		return nil
	}

	previous := q.mode
	q.stopLocked()
	q.startLocked(ctx, mode, previous)
	return nil
}

// Restart cancels the running processor, drops every queued request and
// starts a fresh processor in the same mode. A queue that was never started
// stays stopped.
func (q *Queue) Restart(ctx context.Context) error {
	q.switchMu.Lock()
	defer q.switchMu.Unlock()

	if err := q.CanUse(q.mode); err != nil {
		return err
	}
	wasRunning := q.running
	q.stopLocked()
	q.Clear()
	if wasRunning {
		q.startLocked(ctx, q.mode, q.mode)
	}
	return nil
}

func (q *Queue) startLocked(ctx context.Context, mode, previous Mode) {
	switch mode {
	case ModeLocal:
		if q.local != nil {
			if err := q.local.Initialize(ctx); err != nil {
				logger.WarnCF("queue", "Local embedding unavailable; vectors will stay pending", map[string]interface{}{
					"error": err.Error(),
				})
			}
		}
	case ModeRemote:
		if q.local != nil {
			q.local.Unload()
		}
	}

	procCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	q.mode = mode
	q.running = true
	q.procCancel = cancel
	q.procDone = done

	if mode == ModeRemote {
		go q.runRemote(procCtx, done)
	} else {
		go q.runLocal(procCtx, done)
	}

	logger.InfoCF("queue", "Vector processor started", map[string]interface{}{
		"mode":     mode.String(),
		"previous": previous.String(),
		"pending":  q.Pending(),
	})
	q.signal()
}

func (q *Queue) stopLocked() {
	if !q.running {
		return
	}
	q.procCancel()
	<-q.procDone
	q.running = false
	q.procCancel = nil
	q.procDone = nil
}

// Stop halts the processor but keeps queued requests.
func (q *Queue) Stop() {
	q.switchMu.Lock()
	defer q.switchMu.Unlock()
	q.stopLocked()
}

// Clear drops every queued request. In-flight work finishes normally.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, req := range q.items {
		delete(q.pending, req.key())
	}
	q.items = nil
}

func (q *Queue) Close() {
	q.Stop()
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.pending = make(map[string]struct{})
	q.mu.Unlock()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) hasVector(req Request) bool {
	if req.Kind == KindTag {
		return q.cache.Has(req.TagSpace, req.TagKey)
	}
	return q.store.Has(req.MemoryID)
}

func (q *Queue) tryNext() (Request, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Request{}, false
	}
	req := q.items[0]
	q.items[0] = Request{}
	q.items = q.items[1:]
	return req, true
}

func (q *Queue) next(ctx context.Context) (Request, bool) {
	for {
		if req, ok := q.tryNext(); ok {
			return req, true
		}
		select {
		case <-ctx.Done():
			return Request{}, false
		case <-q.wake:
		}
	}
}

// requeue puts reqs back at the head of the queue in their original order.
// Their dedup markers stay set so no duplicate can slip in meanwhile.
func (q *Queue) requeue(reqs []Request) {
	if len(reqs) == 0 {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	head := make([]Request, 0, len(reqs)+len(q.items))
	for _, req := range reqs {
		q.pending[req.key()] = struct{}{}
		head = append(head, req)
	}
	q.items = append(head, q.items...)
	q.mu.Unlock()
	q.signal()
}

func (q *Queue) release(req Request) {
	q.mu.Lock()
	delete(q.pending, req.key())
	depth := len(q.pending)
	q.mu.Unlock()
	q.metrics.SetQueueDepth(depth)
}

// apply writes vec for req without overwriting existing vectors.
func (q *Queue) apply(req Request, vec []float32) {
	if req.Kind == KindTag {
		q.cache.Set(req.TagSpace, req.TagKey, vec)
		return
	}
	q.store.Set(req.MemoryID, vec)
	for _, id := range req.CopyTargets {
		if id != uuid.Nil && id != req.MemoryID {
			q.store.Set(id, vec)
		}
	}
}

func (q *Queue) runLocal(ctx context.Context, done chan struct{}) {
	var inflight []Request
	defer func() {
		q.requeue(inflight)
		close(done)
	}()

	if q.local == nil {
		<-ctx.Done()
		return
	}

	for {
		req, ok := q.next(ctx)
		if !ok {
			return
		}
		inflight = []Request{req}

		vecs, err := q.local.EmbedBatch(ctx, []string{req.Text})
		if ctx.Err() != nil {
			return
		}
		inflight = nil

		if err != nil || len(vecs) != 1 || IsZero(vecs[0]) {
			// A disabled engine yields zero vectors; leave the target
			// empty so it is requested again once the engine works.
			if err != nil {
				logger.WarnCF("queue", "Local embedding failed", map[string]interface{}{
					"error": err.Error(),
				})
			}
			q.release(req)
			continue
		}

		q.apply(req, vecs[0])
		q.release(req)
		q.metrics.AddEmbeddings("local", 1)
	}
}

func (q *Queue) runRemote(ctx context.Context, done chan struct{}) {
	var inflight []Request
	defer func() {
		q.requeue(inflight)
		close(done)
	}()

	for {
		if !q.waitCooldown(ctx) {
			return
		}

		first, ok := q.next(ctx)
		if !ok {
			return
		}
		inflight = append(inflight[:0:0], first)
		if !q.collect(ctx, &inflight) {
			return
		}

		texts := make([]string, len(inflight))
		for i, req := range inflight {
			texts[i] = req.Text
		}

		vecs, err := q.embedRemote(ctx, texts)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			q.enterCooldown(err)
			batch := inflight
			inflight = nil
			q.requeue(batch)
			continue
		}

		for i, req := range inflight {
			q.apply(req, vecs[i])
			q.release(req)
		}
		q.metrics.AddEmbeddings("remote", len(inflight))
		inflight = nil
	}
}

// collect fills batch until the window closes or it reaches MaxBatch. It
// returns false if ctx was cancelled.
func (q *Queue) collect(ctx context.Context, batch *[]Request) bool {
	timer := time.NewTimer(q.cfg.BatchWindow)
	defer timer.Stop()
	for len(*batch) < q.cfg.MaxBatch {
		if req, ok := q.tryNext(); ok {
			*batch = append(*batch, req)
			continue
		}
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return true
		case <-q.wake:
		}
	}
	return true
}

func (q *Queue) embedRemote(ctx context.Context, texts []string) ([][]float32, error) {
	var lastErr error
	backoff := q.cfg.RetryBackoff
	for attempt := 1; attempt <= q.cfg.RetryAttempts; attempt++ {
		vecs, err := q.remote.EmbedBatch(ctx, texts)
		if err == nil && len(vecs) == len(texts) {
			return vecs, nil
		}
		if err == nil {
			err = fmt.Errorf("%w: got %d vectors for %d texts", ErrEmptyEmbedding, len(vecs), len(texts))
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		q.metrics.RemoteFailure(failureReason(err))
		logger.WarnCF("queue", "Remote embedding attempt failed", map[string]interface{}{
			"attempt": attempt,
			"batch":   len(texts),
			"error":   err.Error(),
		})
		if errors.Is(err, ErrQuotaExceeded) {
			break
		}
		if attempt < q.cfg.RetryAttempts {
			if !sleepCtx(ctx, backoff) {
				return nil, ctx.Err()
			}
			backoff *= 2
		}
	}
	return nil, lastErr
}

func (q *Queue) enterCooldown(err error) {
	q.mu.Lock()
	q.cooldownUntil = time.Now().Add(q.cfg.Cooldown)
	q.mu.Unlock()
	q.metrics.RemoteCooldown()

	logger.WarnCF("queue", "Remote embedding cooling down", map[string]interface{}{
		"cooldown_s": q.cfg.Cooldown.Seconds(),
		"error":      err.Error(),
	})
	if errors.Is(err, ErrQuotaExceeded) {
		q.notifier.Notify("embedding.quota", "Remote embedding quota exceeded. Memory vectors will be computed once the quota recovers.")
		return
	}
	q.notifier.Notify("embedding.remote", "Remote embedding service is unavailable. Retrying after a cooldown.")
}

func (q *Queue) waitCooldown(ctx context.Context) bool {
	q.mu.Lock()
	until := q.cooldownUntil
	q.mu.Unlock()
	wait := time.Until(until)
	if wait <= 0 {
		return ctx.Err() == nil
	}
	return sleepCtx(ctx, wait)
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return "quota"
	case errors.Is(err, ErrEmptyEmbedding):
		return "invalid_response"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	}
	return "error"
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
