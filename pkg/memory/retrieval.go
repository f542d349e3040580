package memory

import (
	"math"
	"sort"
	"strings"
	"time"

	"github.com/dotsetgreg/tiermem/pkg/embedding"
	"github.com/dotsetgreg/tiermem/pkg/metrics"
	"github.com/dotsetgreg/tiermem/pkg/vectors"
)

// excludedScore marks records with neither semantic nor name relevance.
const excludedScore = -math.MaxFloat64

// Retriever scores an entity's memories against a conversational context.
type Retriever struct {
	store   *TieredStore
	vectors *vectors.Store
	clock   Clock
	metrics *metrics.Metrics
	// onMissingVector is called for records that have no vector yet.
	onMissingVector func(*Record)
}

func NewRetriever(store *TieredStore, vecs *vectors.Store, clock Clock, m *metrics.Metrics, onMissing func(*Record)) *Retriever {
	if clock == nil {
		clock = ClockFunc(func() int64 { return time.Now().Unix() })
	}
	return &Retriever{store: store, vectors: vecs, clock: clock, metrics: m, onMissingVector: onMissing}
}

// ScoredRecord is a retrieval result with its score breakdown.
type ScoredRecord struct {
	Record   Record
	Tier     Tier
	Score    float64
	Semantic float64
	Names    float64
	Decay    float64
}

type candidate struct {
	rec  *Record
	tier Tier
	ScoredRecord
}

// RetrievePersonal returns up to MaxTotal records of entity ranked by
// semantic similarity, importance, time decay, name overlap and an access
// penalty. Selected records have their access count incremented.
func (r *Retriever) RetrievePersonal(entity EntityID, contextVectors [][]float32, contextNames []string) []ScoredRecord {
	start := time.Now()
	defer func() { r.metrics.ObserveRetrieval("personal", time.Since(start)) }()

	em, ok := r.store.lookup(entity)
	if !ok {
		return nil
	}
	names := nameSet(contextNames)
	params := r.store.params.Retrieval
	now := r.clock.Now()

	em.mu.Lock()
	defer em.mu.Unlock()

	var recent, mid, long []*candidate
	for _, t := range []Tier{TierRecent, TierMid, TierLong} {
		for _, rec := range *em.tier(t) {
			c := r.score(rec, t, contextVectors, names, params, now)
			if c.Score == excludedScore {
				continue
			}
			switch t {
			case TierRecent:
				recent = append(recent, c)
			case TierMid:
				mid = append(mid, c)
			default:
				long = append(long, c)
			}
		}
	}

	selected := selectCandidates(recent, mid, long, params)
	out := make([]ScoredRecord, len(selected))
	for i, c := range selected {
		c.rec.AccessCount++
		c.Record = c.rec.Clone()
		c.Tier = c.tier
		out[i] = c.ScoredRecord
	}
	return out
}

func (r *Retriever) score(rec *Record, t Tier, contextVectors [][]float32, names map[string]struct{}, p RetrievalParams, now int64) *candidate {
	c := &candidate{rec: rec, tier: t}

	if vec, ok := r.vectors.Get(rec.ID); ok {
		best := 0.0
		for _, cv := range contextVectors {
			if sim := embedding.CosineSimilarity(cv, vec); sim > best {
				best = sim
			}
		}
		if best >= p.SemanticThreshold {
			c.Semantic = best
		}
	} else if r.onMissingVector != nil {
		r.onMissingVector(rec)
	}

	matched := 0
	for _, kw := range rec.Keywords {
		if _, ok := names[strings.ToLower(kw)]; ok {
			matched++
		}
	}
	c.Names = float64(matched) * p.NameWeight

	if c.Semantic == 0 && c.Names == 0 {
		c.Score = excludedScore
		return c
	}

	days := elapsedDays(now, rec.CreatedAt, r.store.params.TicksPerDay)
	c.Decay = p.Decay.Decay(days, rec.Importance)
	c.Score = c.Semantic*p.SemanticWeight +
		float64(rec.Importance)*p.ImportanceWeight*c.Decay +
		c.Names -
		float64(rec.AccessCount)*p.AccessPenalty
	return c
}

// selectCandidates takes up to MaxRecent recent records near the best recent
// score, up to MaxLong long records, then fills to MaxTotal from the rest.
func selectCandidates(recent, mid, long []*candidate, p RetrievalParams) []*candidate {
	byScore := func(cs []*candidate) {
		sort.SliceStable(cs, func(i, j int) bool { return cs[i].Score > cs[j].Score })
	}
	byScore(recent)
	byScore(long)

	picked := make(map[*candidate]struct{})
	var out []*candidate
	take := func(c *candidate) {
		picked[c] = struct{}{}
		out = append(out, c)
	}

	if len(recent) > 0 {
		top := recent[0].Score
		for _, c := range recent {
			if len(out) >= p.MaxRecent || len(out) >= p.MaxTotal {
				break
			}
			if withinRelative(c.Score, top, p.RelativeThreshold) {
				take(c)
			}
		}
	}

	longTaken := 0
	for _, c := range long {
		if longTaken >= p.MaxLong || len(out) >= p.MaxTotal {
			break
		}
		take(c)
		longTaken++
	}

	rest := make([]*candidate, 0, len(recent)+len(mid)+len(long))
	for _, group := range [][]*candidate{recent, mid, long} {
		for _, c := range group {
			if _, ok := picked[c]; !ok {
				rest = append(rest, c)
			}
		}
	}
	byScore(rest)
	if len(rest) > 0 {
		top := rest[0].Score
		for _, c := range out {
			if c.Score > top {
				top = c.Score
			}
		}
		for _, c := range rest {
			if len(out) >= p.MaxTotal {
				break
			}
			if withinRelative(c.Score, top, p.RelativeThreshold) {
				take(c)
			}
		}
	}

	byScore(out)
	return out
}

// withinRelative reports whether score is within the fraction rel of top.
func withinRelative(score, top, rel float64) bool {
	if rel <= 0 {
		return true
	}
	return score >= top-math.Abs(top)*(1-rel)
}

func nameSet(names []string) map[string]struct{} {
	out := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" {
			out[n] = struct{}{}
		}
	}
	return out
}
