package memory

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotsetgreg/tiermem/pkg/metrics"
)

// KnowledgeStore is the shared pool of common-knowledge entries. Entries are
// matched by keyword only.
type KnowledgeStore struct {
	mu      sync.RWMutex
	entries []*Record
	clock   Clock
}

func NewKnowledgeStore(clock Clock) *KnowledgeStore {
	if clock == nil {
		clock = ClockFunc(func() int64 { return time.Now().Unix() })
	}
	return &KnowledgeStore{clock: clock}
}

func (k *KnowledgeStore) Add(summary string, keywords []string, importance int) (Record, bool) {
	rec := NewRecord(summary, keywords, importance, k.clock.Now())
	if rec.Summary == "" {
		return Record{}, false
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	k.entries = append(k.entries, rec)
	return rec.Clone(), true
}

func (k *KnowledgeStore) Update(id uuid.UUID, summary string, keywords []string, importance int) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, rec := range k.entries {
		if rec.ID != id {
			continue
		}
		if s := strings.TrimSpace(summary); s != "" {
			rec.Summary = s
		}
		rec.Keywords = NormalizeKeywords(keywords)
		rec.Importance = ClampImportance(importance)
		return true
	}
	return false
}

func (k *KnowledgeStore) Remove(id uuid.UUID) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	for i, rec := range k.entries {
		if rec.ID == id {
			k.entries = append(k.entries[:i:i], k.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (k *KnowledgeStore) All() []Record {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return cloneRecords(k.entries)
}

func (k *KnowledgeStore) Len() int {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return len(k.entries)
}

// Replace swaps in a full set of entries, as loaded from a save.
func (k *KnowledgeStore) Replace(records []Record) {
	entries := recordPointers(records)
	k.mu.Lock()
	k.entries = entries
	k.mu.Unlock()
}

type knowledgeJSON struct {
	Summary    string   `json:"summary"`
	Content    string   `json:"content"`
	Keywords   []string `json:"keywords"`
	Importance int      `json:"importance"`
}

// Import appends entries from a JSON array of
// {"summary"|"content", "keywords", "importance"} objects.
func (k *KnowledgeStore) Import(r io.Reader) (int, error) {
	var items []knowledgeJSON
	if err := json.NewDecoder(r).Decode(&items); err != nil {
		return 0, fmt.Errorf("decode knowledge: %w", err)
	}
	added := 0
	for _, it := range items {
		summary := it.Summary
		if summary == "" {
			summary = it.Content
		}
		importance := it.Importance
		if importance == 0 {
			importance = 3
		}
		if _, ok := k.Add(summary, it.Keywords, importance); ok {
			added++
		}
	}
	return added, nil
}

// Export writes all entries in the Import format.
func (k *KnowledgeStore) Export(w io.Writer) error {
	all := k.All()
	out := make([]knowledgeJSON, len(all))
	for i, rec := range all {
		out[i] = knowledgeJSON{Summary: rec.Summary, Keywords: rec.Keywords, Importance: rec.Importance}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

type KnowledgeMatch struct {
	Record  Record
	Score   float64
	Matched int
}

// Retrieve scores entries by keyword overlap with text. Entries with fewer
// keywords earn more per match. Keywords using | & ( ) are evaluated as
// keyword expressions. Returned entries have their access count incremented.
func (k *KnowledgeStore) Retrieve(text string, p KnowledgeParams, m *metrics.Metrics) []KnowledgeMatch {
	start := time.Now()
	defer func() { m.ObserveRetrieval("knowledge", time.Since(start)) }()

	if strings.TrimSpace(text) == "" {
		return nil
	}
	lower := strings.ToLower(text)

	k.mu.Lock()
	defer k.mu.Unlock()

	type hit struct {
		rec     *Record
		score   float64
		matched int
	}
	var hits []hit
	for _, rec := range k.entries {
		matched := matchKeywords(rec.Keywords, text, lower)
		if matched == 0 {
			continue
		}
		perMatch := p.StandardLength / math.Max(1, float64(len(rec.Keywords)))
		score := float64(matched)*perMatch*p.KeywordWeight + float64(rec.Importance)*p.ImportanceWeight
		hits = append(hits, hit{rec: rec, score: score, matched: matched})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].score > hits[j].score })
	if p.TopK > 0 && len(hits) > p.TopK {
		hits = hits[:p.TopK]
	}

	out := make([]KnowledgeMatch, len(hits))
	for i, h := range hits {
		h.rec.AccessCount++
		out[i] = KnowledgeMatch{Record: h.rec.Clone(), Score: h.score, Matched: h.matched}
	}
	return out
}

func matchKeywords(keywords []string, text, lower string) int {
	matched := 0
	for _, kw := range keywords {
		if IsKeywordExpression(kw) {
			if ok, n := MatchKeywordExpression(kw, text); ok {
				matched += n
			}
			continue
		}
		if kw != "" && strings.Contains(lower, strings.ToLower(kw)) {
			matched++
		}
	}
	return matched
}
