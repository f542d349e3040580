package memory

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// EntityID is the host's stable identity for a speaker. Memory structures
// hold only this key, never a reference to the host entity.
type EntityID int64

type Tier int

const (
	TierRecent Tier = iota
	TierMid
	TierLong
)

func (t Tier) String() string {
	switch t {
	case TierRecent:
		return "recent"
	case TierMid:
		return "mid"
	case TierLong:
		return "long"
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

func ParseTier(s string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "recent", "short":
		return TierRecent, nil
	case "mid", "medium":
		return TierMid, nil
	case "long":
		return TierLong, nil
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// Transition names a consolidation step between adjacent tiers.
type Transition int

const (
	RecentToMid Transition = iota
	MidToLong
)

func (t Transition) String() string {
	if t == MidToLong {
		return "mid_to_long"
	}
	return "recent_to_mid"
}

func (t Transition) source() Tier {
	if t == MidToLong {
		return TierMid
	}
	return TierRecent
}

func (t Transition) target() Tier {
	if t == MidToLong {
		return TierLong
	}
	return TierMid
}

const (
	MinImportance = 1
	MaxImportance = 5
)

// Record is one memory. Its vector lives in the vector store under ID.
type Record struct {
	ID          uuid.UUID `json:"id"`
	Summary     string    `json:"summary"`
	Keywords    []string  `json:"keywords"`
	Importance  int       `json:"importance"`
	AccessCount int       `json:"access_count"`
	CreatedAt   int64     `json:"created_at"`
	// SourceIDs holds the valid 1-based snapshot indices a merged record was
	// built from. It is cleared once the record enters its tier.
	SourceIDs []int `json:"-"`
}

func NewRecord(summary string, keywords []string, importance int, createdAt int64) *Record {
	return &Record{
		ID:         uuid.New(),
		Summary:    strings.TrimSpace(summary),
		Keywords:   NormalizeKeywords(keywords),
		Importance: ClampImportance(importance),
		CreatedAt:  createdAt,
	}
}

// Clone returns a deep copy.
func (r *Record) Clone() Record {
	out := *r
	out.Keywords = append([]string(nil), r.Keywords...)
	out.SourceIDs = nil
	return out
}

func ClampImportance(v int) int {
	if v < MinImportance {
		return MinImportance
	}
	if v > MaxImportance {
		return MaxImportance
	}
	return v
}

// NormalizeKeywords trims, drops empties and removes case-insensitive
// duplicates while keeping first-seen order.
func NormalizeKeywords(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, kw := range in {
		kw = strings.TrimSpace(kw)
		if kw == "" {
			continue
		}
		key := strings.ToLower(kw)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, kw)
	}
	return out
}

// MergedRecord is one summarizer output. SourceIDs are 1-based indices into
// the snapshot that was summarized.
type MergedRecord struct {
	Summary    string   `json:"summary"`
	Keywords   []string `json:"keywords"`
	Importance int      `json:"importance"`
	SourceIDs  []int    `json:"source_ids"`
}

// Clock supplies the host's current tick.
type Clock interface {
	Now() int64
}

type ClockFunc func() int64

func (f ClockFunc) Now() int64 { return f() }

// Counters is a point-in-time view of an entity's consolidation state.
type Counters struct {
	Recent               int
	Mid                  int
	Long                 int
	UnconsolidatedRecent int
	UnconsolidatedMid    int
	RecentConsolidating  bool
	MidConsolidating     bool
}
