package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dotsetgreg/tiermem/pkg/dispatch"
	"github.com/dotsetgreg/tiermem/pkg/embedding"
	"github.com/dotsetgreg/tiermem/pkg/logger"
	"github.com/dotsetgreg/tiermem/pkg/metrics"
	"github.com/dotsetgreg/tiermem/pkg/vectors"
)

const (
	databaseFile      = "memory.db"
	vectorFile        = "memory_vectors.bin"
	semanticCacheFile = "semantic_cache.bin"
)

// Config configures the memory subsystem.
type Config struct {
	DataDir      string
	Params       Params
	Retry        dispatch.RetryPolicy
	Queue        embedding.QueueConfig
	Mode         embedding.Mode
	AutosaveCron string
}

type Deps struct {
	Summarizer Summarizer
	Clock      Clock
	Local      embedding.LocalBackend
	Remote     embedding.RemoteBackend
	Notifier   dispatch.Notifier
	Metrics    *metrics.Metrics
}

// Service is the orchestrator for memory capture, consolidation, retrieval
// and persistence. Tick must be called from the host loop.
type Service struct {
	cfg Config

	store      *TieredStore
	knowledge  *KnowledgeStore
	vectors    *vectors.Store
	cache      *vectors.SemanticCache
	queue      *embedding.Queue
	pipeline   *Pipeline
	retriever  *Retriever
	db         *SQLiteStore
	lifetime   *dispatch.Lifetime
	dispatcher *dispatch.Dispatcher
	runner     *dispatch.Runner
	notifier   *dispatch.OnceNotifier
	metrics    *metrics.Metrics
	clock      Clock

	autosaveMu   sync.Mutex
	nextAutosave time.Time

	closeOnce sync.Once
	closeErr  error
}

func NewService(cfg Config, deps Deps) (*Service, error) {
	if strings.TrimSpace(cfg.DataDir) == "" {
		return nil, fmt.Errorf("memory data dir is required")
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = dispatch.DefaultRetryPolicy()
	}
	if cfg.AutosaveCron != "" && !gronx.New().IsValid(cfg.AutosaveCron) {
		return nil, fmt.Errorf("invalid autosave cron expression %q", cfg.AutosaveCron)
	}
	cfg.Params = cfg.Params.withDefaults()
	if deps.Clock == nil {
		deps.Clock = ClockFunc(func() int64 { return time.Now().Unix() })
	}

	db, err := NewSQLiteStore(filepath.Join(cfg.DataDir, databaseFile))
	if err != nil {
		return nil, err
	}

	vecs := vectors.NewStore()
	cache := vectors.NewSemanticCache()
	notifier := dispatch.NewOnceNotifier(deps.Notifier)
	lifetime := dispatch.NewLifetime(context.Background())
	dispatcher := dispatch.NewDispatcher()

	svc := &Service{
		cfg:        cfg,
		store:      NewTieredStore(cfg.Params, vecs),
		knowledge:  NewKnowledgeStore(deps.Clock),
		vectors:    vecs,
		cache:      cache,
		db:         db,
		lifetime:   lifetime,
		dispatcher: dispatcher,
		runner:     dispatch.NewRunner(lifetime, dispatcher, notifier, cfg.Retry),
		notifier:   notifier,
		metrics:    deps.Metrics,
		clock:      deps.Clock,
	}
	svc.queue = embedding.NewQueue(cfg.Queue, embedding.QueueDeps{
		Store:    vecs,
		Cache:    cache,
		Local:    deps.Local,
		Remote:   deps.Remote,
		Notifier: notifier,
		Metrics:  deps.Metrics,
	})
	svc.pipeline = NewPipeline(PipelineDeps{
		Store:        svc.store,
		Summarizer:   deps.Summarizer,
		Runner:       svc.runner,
		Clock:        deps.Clock,
		Metrics:      deps.Metrics,
		OnNewRecords: svc.requestVectors,
	})
	svc.retriever = NewRetriever(svc.store, vecs, deps.Clock, deps.Metrics, func(rec *Record) {
		svc.requestVector(rec)
	})
	return svc, nil
}

// Start launches the vector processor for the configured mode.
func (s *Service) Start(ctx context.Context) error {
	return s.queue.Start(ctx, s.cfg.Mode)
}

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		s.lifetime.Stop()
		s.queue.Close()
		s.runner.Wait()
		s.dispatcher.Close()
		s.closeErr = s.db.Close()
	})
	return s.closeErr
}

func (s *Service) Store() *TieredStore                   { return s.store }
func (s *Service) Knowledge() *KnowledgeStore            { return s.knowledge }
func (s *Service) Vectors() *vectors.Store               { return s.vectors }
func (s *Service) SemanticCache() *vectors.SemanticCache { return s.cache }
func (s *Service) Queue() *embedding.Queue               { return s.queue }
func (s *Service) Runner() *dispatch.Runner              { return s.runner }

func (s *Service) SetEntityLabel(entity EntityID, label string) {
	s.store.SetLabel(entity, label)
}

// RecordTurn stores one completed conversation turn as a recent memory and
// starts any consolidation that has become due.
func (s *Service) RecordTurn(entity EntityID, summary string, keywords []string, importance int) (Record, bool) {
	rec := NewRecord(summary, keywords, importance, s.clock.Now())
	if rec.Summary == "" {
		return Record{}, false
	}
	s.store.Append(entity, rec)
	s.requestVector(rec)
	s.pipeline.MaybeConsolidate(entity)
	return rec.Clone(), true
}

// Tick runs queued background callbacks on the caller's goroutine and fires
// the autosave schedule. It returns the number of callbacks run.
func (s *Service) Tick(ctx context.Context, now time.Time) int {
	n := s.dispatcher.Drain()
	s.metrics.AddCallbacks(n)
	s.metrics.SetQueueDepth(s.queue.Pending())

	if s.autosaveDue(now) {
		if err := s.Save(ctx); err != nil {
			logger.ErrorCF("memory", "Autosave failed", map[string]interface{}{"error": err.Error()})
		}
	}
	return n
}

func (s *Service) autosaveDue(now time.Time) bool {
	if s.cfg.AutosaveCron == "" {
		return false
	}
	s.autosaveMu.Lock()
	defer s.autosaveMu.Unlock()

	if s.nextAutosave.IsZero() {
		next, err := gronx.NextTickAfter(s.cfg.AutosaveCron, now, false)
		if err != nil {
			return false
		}
		s.nextAutosave = next
		return false
	}
	if now.Before(s.nextAutosave) {
		return false
	}
	next, err := gronx.NextTickAfter(s.cfg.AutosaveCron, now, false)
	if err == nil {
		s.nextAutosave = next
	}
	return true
}

// RetrieveRequest describes a new conversational context. Facets are short
// independent descriptions (mood, place, recent events) each embedded on its
// own; Names are people or things mentioned; Text is matched against common
// knowledge and defaults to the facets joined.
type RetrieveRequest struct {
	Facets []string
	Names  []string
	Text   string
}

type RetrieveResult struct {
	Personal  []ScoredRecord
	Knowledge []KnowledgeMatch
	// MissingFacets counts facets whose vectors were queued instead of used.
	MissingFacets int
}

func (s *Service) Retrieve(entity EntityID, req RetrieveRequest) RetrieveResult {
	var res RetrieveResult
	contextVectors := make([][]float32, 0, len(req.Facets))
	for _, facet := range req.Facets {
		facet = strings.TrimSpace(facet)
		if facet == "" {
			continue
		}
		key := vectors.KeyForText(facet)
		if vec, ok := s.cache.Get(vectors.TextSpace, key); ok {
			contextVectors = append(contextVectors, vec)
			continue
		}
		res.MissingFacets++
		s.queue.Enqueue(embedding.Request{
			Kind:     embedding.KindTag,
			TagSpace: vectors.TextSpace,
			TagKey:   key,
			Text:     facet,
		})
	}

	res.Personal = s.retriever.RetrievePersonal(entity, contextVectors, req.Names)

	text := req.Text
	if strings.TrimSpace(text) == "" {
		text = strings.Join(req.Facets, " ")
	}
	res.Knowledge = s.knowledge.Retrieve(text, s.cfg.Params.Knowledge, s.metrics)
	return res
}

// DefinitionVector returns the cached vector for a fixed descriptive phrase,
// queuing it when absent.
func (s *Service) DefinitionVector(name, definition string) ([]float32, bool) {
	key := vectors.KeyForDefinition(name)
	if vec, ok := s.cache.Get(vectors.DefinitionSpace, key); ok {
		return vec, true
	}
	s.queue.Enqueue(embedding.Request{
		Kind:     embedding.KindTag,
		TagSpace: vectors.DefinitionSpace,
		TagKey:   key,
		Text:     definition,
	})
	return nil, false
}

func (s *Service) Records(entity EntityID, tier Tier) []Record {
	return s.store.Tier(entity, tier)
}

func (s *Service) Counters(entity EntityID) (Counters, bool) {
	return s.store.Counters(entity)
}

func (s *Service) Edit(entity EntityID, id uuid.UUID, summary string, keywords []string, importance int) error {
	if !s.store.Edit(entity, id, strings.TrimSpace(summary), keywords, importance) {
		return ErrRecordNotFound
	}
	if rec, _, ok := s.store.Find(entity, id); ok {
		s.requestVector(&rec)
	}
	return nil
}

func (s *Service) Delete(entity EntityID, id uuid.UUID) error {
	if !s.store.Delete(entity, id) {
		return ErrRecordNotFound
	}
	return nil
}

// SetEmbeddingMode switches backends. Vectors from different backends are
// not comparable, so both vector stores are emptied and every record is
// queued again under the new backend. A switch that cannot happen leaves
// the current backend and its vectors alone.
func (s *Service) SetEmbeddingMode(ctx context.Context, mode embedding.Mode) error {
	current := s.queue.Mode()
	if current == mode {
		return s.queue.SetMode(ctx, mode)
	}
	if err := s.queue.CanUse(mode); err != nil {
		return err
	}
	s.queue.Stop()
	s.queue.Clear()
	s.vectors.Clear()
	s.cache.Invalidate()
	if err := s.queue.SetMode(ctx, mode); err != nil {
		if restartErr := s.queue.SetMode(ctx, current); restartErr != nil {
			logger.ErrorCF("memory", "Vector processor could not be restarted", map[string]interface{}{
				"mode":  current.String(),
				"error": restartErr.Error(),
			})
		}
		s.requestAllVectors()
		return err
	}
	s.cfg.Mode = mode
	s.requestAllVectors()
	return nil
}

// Save writes the database, the memory vectors (reachable ids only) and the
// semantic cache concurrently.
func (s *Service) Save(ctx context.Context) error {
	snap := Snapshot{Entities: s.store.Export(), Knowledge: s.knowledge.All()}
	reachable := s.store.ReachableIDs()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.db.SaveSnapshot(ctx, snap)
	})
	g.Go(func() error {
		_, err := s.vectors.Save(filepath.Join(s.cfg.DataDir, vectorFile), func(id uuid.UUID) bool {
			_, ok := reachable[id]
			return ok
		})
		return err
	})
	g.Go(func() error {
		return s.cache.Save(filepath.Join(s.cfg.DataDir, semanticCacheFile))
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("save memory: %w", err)
	}

	logger.InfoCF("memory", "Memory saved", map[string]interface{}{
		"entities":  len(snap.Entities),
		"knowledge": len(snap.Knowledge),
		"vectors":   len(reachable),
	})
	return nil
}

// Load replaces in-memory state with the saved state and queues vectors for
// any record whose vector was not restored.
func (s *Service) Load(ctx context.Context) error {
	snap, err := s.db.LoadSnapshot(ctx)
	if err != nil {
		return fmt.Errorf("load memory: %w", err)
	}
	s.store.Import(snap.Entities)
	s.knowledge.Replace(snap.Knowledge)

	if err := s.vectors.Load(filepath.Join(s.cfg.DataDir, vectorFile)); err != nil {
		return fmt.Errorf("load vectors: %w", err)
	}
	if err := s.cache.Load(filepath.Join(s.cfg.DataDir, semanticCacheFile)); err != nil {
		return fmt.Errorf("load semantic cache: %w", err)
	}
	s.requestAllVectors()

	logger.InfoCF("memory", "Memory loaded", map[string]interface{}{
		"entities":  len(snap.Entities),
		"knowledge": len(snap.Knowledge),
		"vectors":   s.vectors.Len(),
	})
	return nil
}

// Reset tears down the current session: in-flight consolidations are
// cancelled without firing callbacks, pending callbacks are dropped and the
// vector processor restarts empty. With preserve the tiers survive with their
// flags cleared.
func (s *Service) Reset(preserve bool) {
	s.lifetime.Reset()
	s.runner.Wait()
	s.dispatcher.Discard()
	s.notifier.Reset()
	if err := s.queue.Restart(s.lifetime.Context()); err != nil {
		logger.WarnCF("memory", "Vector processor restart failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
	s.store.ClearAll(preserve)
	if preserve {
		s.requestAllVectors()
	}
}

func (s *Service) requestVector(rec *Record) {
	if rec == nil || s.vectors.Has(rec.ID) {
		return
	}
	s.queue.Enqueue(embedding.Request{
		Kind:     embedding.KindMemory,
		MemoryID: rec.ID,
		Text:     rec.Summary,
	})
}

// requestVectors queues new records, sharing one computation between records
// with identical summaries.
func (s *Service) requestVectors(records []*Record) {
	bySummary := make(map[string]*embedding.Request)
	var order []string
	for _, rec := range records {
		if rec == nil || s.vectors.Has(rec.ID) {
			continue
		}
		if req, ok := bySummary[rec.Summary]; ok {
			req.CopyTargets = append(req.CopyTargets, rec.ID)
			continue
		}
		bySummary[rec.Summary] = &embedding.Request{
			Kind:     embedding.KindMemory,
			MemoryID: rec.ID,
			Text:     rec.Summary,
		}
		order = append(order, rec.Summary)
	}
	for _, summary := range order {
		s.queue.Enqueue(*bySummary[summary])
	}
}

func (s *Service) requestAllVectors() {
	for _, entity := range s.store.Entities() {
		var all []*Record
		for _, t := range []Tier{TierRecent, TierMid, TierLong} {
			for _, rec := range s.store.Tier(entity, t) {
				rec := rec
				all = append(all, &rec)
			}
		}
		s.requestVectors(all)
	}
}
