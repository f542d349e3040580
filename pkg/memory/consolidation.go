package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/tiermem/pkg/dispatch"
	"github.com/dotsetgreg/tiermem/pkg/logger"
	"github.com/dotsetgreg/tiermem/pkg/metrics"
)

// Summarizer merges a tier snapshot into fewer, more abstract records. An
// error and an empty result are handled the same way.
type Summarizer interface {
	Summarize(ctx context.Context, req SummaryRequest) ([]MergedRecord, error)
}

type SummaryRequest struct {
	Entity     EntityID
	Label      string
	Transition Transition
	// Snapshot is numbered from 1 in SourceIDs.
	Snapshot     []Record
	FallbackTick int64
}

// unavailableSummarizer stands in when no chat provider is configured, so
// every consolidation settles through the normal failure path.
type unavailableSummarizer struct{}

func (unavailableSummarizer) Summarize(context.Context, SummaryRequest) ([]MergedRecord, error) {
	return nil, ErrSummarizerUnavailable
}

// Pipeline runs the recent→mid and mid→long consolidation state machines.
type Pipeline struct {
	store      *TieredStore
	summarizer Summarizer
	runner     *dispatch.Runner
	clock      Clock
	metrics    *metrics.Metrics
	// onNewRecords receives records appended by a successful consolidation.
	onNewRecords func([]*Record)
}

type PipelineDeps struct {
	Store        *TieredStore
	Summarizer   Summarizer
	Runner       *dispatch.Runner
	Clock        Clock
	Metrics      *metrics.Metrics
	OnNewRecords func([]*Record)
}

func NewPipeline(deps PipelineDeps) *Pipeline {
	if deps.Clock == nil {
		deps.Clock = ClockFunc(func() int64 { return time.Now().Unix() })
	}
	if deps.Summarizer == nil {
		deps.Summarizer = unavailableSummarizer{}
	}
	return &Pipeline{
		store:        deps.Store,
		summarizer:   deps.Summarizer,
		runner:       deps.Runner,
		clock:        deps.Clock,
		metrics:      deps.Metrics,
		onNewRecords: deps.OnNewRecords,
	}
}

// MaybeConsolidate starts whichever transitions of entity are due. It
// returns how many tasks were launched.
func (p *Pipeline) MaybeConsolidate(entity EntityID) int {
	started := 0
	for _, t := range []Transition{RecentToMid, MidToLong} {
		if p.trigger(entity, t) {
			started++
		}
	}
	return started
}

func (p *Pipeline) threshold(t Transition) int {
	if t == MidToLong {
		return p.store.params.MidThreshold
	}
	return p.store.params.RecentThreshold
}

type pendingConsolidation struct {
	entity     EntityID
	transition Transition
	snapshot   []Record
	count      int
	fallback   int64
}

// remaining counts the snapshot records still present in tier. Records
// deleted while the summarizer ran already left the counter.
func (j pendingConsolidation) remaining(tier []*Record) int {
	ids := make(map[uuid.UUID]struct{}, len(j.snapshot))
	for _, rec := range j.snapshot {
		ids[rec.ID] = struct{}{}
	}
	n := 0
	for _, rec := range tier {
		if _, ok := ids[rec.ID]; ok {
			n++
		}
	}
	return n
}

// trigger snapshots the unconsolidated backlog under the entity lock and
// launches the summarizer task once the lock is released.
func (p *Pipeline) trigger(entity EntityID, t Transition) bool {
	if p.summarizer == nil {
		return false
	}
	em, ok := p.store.lookup(entity)
	if !ok {
		return false
	}

	em.mu.Lock()
	flag := em.flag(t)
	counter := em.counter(t.source())
	if *flag || *counter < p.threshold(t) {
		em.mu.Unlock()
		return false
	}
	*flag = true
	tier := *em.tier(t.source())
	count := *counter
	if count > len(tier) {
		count = len(tier)
	}
	job := pendingConsolidation{
		entity:     entity,
		transition: t,
		snapshot:   cloneRecords(tier[len(tier)-count:]),
		count:      count,
		fallback:   p.clock.Now(),
	}
	label := em.Label
	em.mu.Unlock()

	logger.InfoCF("consolidation", "Consolidation started", map[string]interface{}{
		"entity":     int64(entity),
		"transition": t.String(),
		"snapshot":   count,
	})

	dispatch.Submit(p.runner, dispatch.Task[[]*Record]{
		Name: fmt.Sprintf("consolidate %s entity=%d", t, entity),
		Action: func(ctx context.Context) ([]*Record, error) {
			start := time.Now()
			merged, err := p.summarizer.Summarize(ctx, SummaryRequest{
				Entity:       entity,
				Label:        label,
				Transition:   t,
				Snapshot:     job.snapshot,
				FallbackTick: job.fallback,
			})
			p.metrics.ObserveSummarizer(time.Since(start))
			if err != nil {
				return nil, err
			}
			records := BuildMergedRecords(merged, job.snapshot, job.fallback)
			if len(records) == 0 {
				return nil, ErrNoMergedRecords
			}
			return records, nil
		},
		OnSuccess: func(records []*Record) { p.applySuccess(job, records) },
		OnFailure: func(err error) { p.applyFailure(job, err) },
		NoticeKey: "consolidation." + t.String(),
		Notice:    "Memory consolidation keeps failing; the backlog is kept and will be retried.",
	})
	return true
}

func (p *Pipeline) applySuccess(job pendingConsolidation, records []*Record) {
	em, ok := p.store.lookup(job.entity)
	if !ok {
		return
	}

	em.mu.Lock()
	src, dst := job.transition.source(), job.transition.target()
	*em.tier(dst) = append(*em.tier(dst), records...)
	if dst == TierMid {
		em.UnconsolidatedMid += len(records)
	}
	for _, rec := range records {
		rec.SourceIDs = nil
	}
	c := em.counter(src)
	*c -= job.remaining(*em.tier(src))
	if *c < 0 {
		*c = 0
	}
	*em.flag(job.transition) = false

	pruned := 0
	if job.transition == RecentToMid {
		p.store.trimRecentLocked(em)
	} else {
		pruned = p.store.pruneLongLocked(em, p.clock.Now())
		p.trimMidLocked(em)
	}
	em.mu.Unlock()

	p.metrics.Consolidation(job.transition.String(), "success")
	p.metrics.AddPruned(pruned)
	logger.InfoCF("consolidation", "Consolidation applied", map[string]interface{}{
		"entity":     int64(job.entity),
		"transition": job.transition.String(),
		"snapshot":   job.count,
		"merged":     len(records),
		"pruned":     pruned,
	})

	if p.onNewRecords != nil {
		p.onNewRecords(records)
	}
	p.MaybeConsolidate(job.entity)
}

// trimMidLocked drops consolidated mid records beyond threshold+buffer,
// mirroring the recent-tier trim.
func (p *Pipeline) trimMidLocked(em *EntityMemory) {
	limit := p.store.params.MidThreshold + p.store.params.TrimBuffer
	drop := len(em.Mid) - limit
	if consolidated := len(em.Mid) - em.UnconsolidatedMid; consolidated < drop {
		drop = consolidated
	}
	if drop <= 0 {
		return
	}
	for _, rec := range em.Mid[:drop] {
		p.store.vectors.Delete(rec.ID)
	}
	em.Mid = append([]*Record(nil), em.Mid[drop:]...)
}

func (p *Pipeline) applyFailure(job pendingConsolidation, err error) {
	if em, ok := p.store.lookup(job.entity); ok {
		em.mu.Lock()
		*em.flag(job.transition) = false
		em.mu.Unlock()
	}
	p.metrics.Consolidation(job.transition.String(), "failure")
	logger.WarnCF("consolidation", "Consolidation failed; backlog kept", map[string]interface{}{
		"entity":     int64(job.entity),
		"transition": job.transition.String(),
		"error":      err.Error(),
	})
}

// BuildMergedRecords converts summarizer output into records. CreatedAt and
// AccessCount average over the valid 1-based source indices of each merged
// record, falling back to fallbackTick and zero.
func BuildMergedRecords(merged []MergedRecord, snapshot []Record, fallbackTick int64) []*Record {
	out := make([]*Record, 0, len(merged))
	for _, m := range merged {
		summary := strings.TrimSpace(m.Summary)
		if summary == "" {
			continue
		}
		rec := &Record{
			ID:         uuid.New(),
			Summary:    summary,
			Keywords:   NormalizeKeywords(m.Keywords),
			Importance: ClampImportance(m.Importance),
			CreatedAt:  fallbackTick,
		}

		var createdSum float64
		var accessSum float64
		valid := 0
		for _, idx := range m.SourceIDs {
			if idx < 1 || idx > len(snapshot) {
				continue
			}
			src := snapshot[idx-1]
			createdSum += float64(src.CreatedAt)
			accessSum += float64(src.AccessCount)
			rec.SourceIDs = append(rec.SourceIDs, idx)
			valid++
		}
		if valid > 0 {
			rec.CreatedAt = int64(math.Round(createdSum / float64(valid)))
			rec.AccessCount = int(math.Round(accessSum / float64(valid)))
		}
		out = append(out, rec)
	}
	return out
}

// pruneLongLocked removes the lowest-retention long records until the tier
// fits LongCap. Records inside the grace period are never removed.
func (s *TieredStore) pruneLongLocked(em *EntityMemory, now int64) int {
	excess := len(em.Long) - s.params.LongCap
	if excess <= 0 {
		return 0
	}

	type scored struct {
		idx   int
		score float64
	}
	prune := s.params.Prune
	candidates := make([]scored, 0, len(em.Long))
	for i, rec := range em.Long {
		days := elapsedDays(now, rec.CreatedAt, s.params.TicksPerDay)
		if days < prune.Decay.GraceDays {
			continue
		}
		candidates = append(candidates, scored{idx: i, score: RetentionScore(rec, days, prune)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score < candidates[j].score
	})
	if excess > len(candidates) {
		excess = len(candidates)
	}

	remove := make(map[int]struct{}, excess)
	for _, c := range candidates[:excess] {
		remove[c.idx] = struct{}{}
	}
	kept := make([]*Record, 0, len(em.Long)-excess)
	for i, rec := range em.Long {
		if _, drop := remove[i]; drop {
			s.vectors.Delete(rec.ID)
			continue
		}
		kept = append(kept, rec)
	}
	em.Long = kept
	return excess
}

// RetentionScore ranks long-tier records for pruning; lower goes first.
func RetentionScore(rec *Record, elapsedDays float64, p PruneParams) float64 {
	raw := p.Decay.Raw(elapsedDays)
	decay := math.Max(raw, p.Decay.Floor(rec.Importance))
	return float64(rec.Importance)*p.ImportanceWeight*decay +
		float64(rec.AccessCount)*p.AccessWeight*raw
}
