package memory

import "math"

// DecayParams shapes the time-decay multiplier used by both long-tier
// pruning and retrieval scoring.
type DecayParams struct {
	GraceDays           float64
	HalfLifeDays        float64
	ImportanceFloor     float64
	HighImportanceFloor float64
}

// Raw is exp(-max(0, days-grace)/halfLife).
func (p DecayParams) Raw(elapsedDays float64) float64 {
	if p.HalfLifeDays <= 0 {
		return 1
	}
	over := elapsedDays - p.GraceDays
	if over <= 0 {
		return 1
	}
	return math.Exp(-over / p.HalfLifeDays)
}

// Floor is the minimum multiplier for a record of the given importance.
func (p DecayParams) Floor(importance int) float64 {
	if importance >= 4 {
		return p.HighImportanceFloor
	}
	return p.ImportanceFloor
}

// Decay is Raw clamped from below by the importance floor.
func (p DecayParams) Decay(elapsedDays float64, importance int) float64 {
	return math.Max(p.Raw(elapsedDays), p.Floor(importance))
}

type PruneParams struct {
	Decay            DecayParams
	ImportanceWeight float64
	AccessWeight     float64
}

type RetrievalParams struct {
	SemanticThreshold float64
	SemanticWeight    float64
	ImportanceWeight  float64
	AccessPenalty     float64
	NameWeight        float64
	Decay             DecayParams
	MaxRecent         int
	MaxLong           int
	MaxTotal          int
	// RelativeThreshold keeps candidates scoring within this fraction of
	// the best candidate.
	RelativeThreshold float64
}

type KnowledgeParams struct {
	StandardLength   float64
	KeywordWeight    float64
	ImportanceWeight float64
	TopK             int
}

// Params holds every tunable of the memory subsystem.
type Params struct {
	RecentThreshold int
	MidThreshold    int
	TrimBuffer      int
	LongCap         int
	TicksPerDay     int64
	Prune           PruneParams
	Retrieval       RetrievalParams
	Knowledge       KnowledgeParams
}

func DefaultParams() Params {
	return Params{
		RecentThreshold: 30,
		MidThreshold:    60,
		TrimBuffer:      5,
		LongCap:         120,
		TicksPerDay:     60000,
		Prune: PruneParams{
			Decay: DecayParams{
				GraceDays:           15,
				HalfLifeDays:        60,
				ImportanceFloor:     0.2,
				HighImportanceFloor: 0.5,
			},
			ImportanceWeight: 1.0,
			AccessWeight:     0.3,
		},
		Retrieval: RetrievalParams{
			SemanticThreshold: 0.3,
			SemanticWeight:    10,
			ImportanceWeight:  1,
			AccessPenalty:     0.1,
			NameWeight:        2,
			Decay: DecayParams{
				GraceDays:           15,
				HalfLifeDays:        60,
				ImportanceFloor:     0.2,
				HighImportanceFloor: 0.5,
			},
			MaxRecent:         3,
			MaxLong:           1,
			MaxTotal:          8,
			RelativeThreshold: 0.5,
		},
		Knowledge: KnowledgeParams{
			StandardLength:   5,
			KeywordWeight:    1,
			ImportanceWeight: 0.2,
			TopK:             10,
		},
	}
}

func (p Params) withDefaults() Params {
	def := DefaultParams()
	if p.RecentThreshold <= 0 {
		p.RecentThreshold = def.RecentThreshold
	}
	if p.MidThreshold <= 0 {
		p.MidThreshold = def.MidThreshold
	}
	if p.TrimBuffer < 0 {
		p.TrimBuffer = 0
	}
	if p.LongCap <= 0 {
		p.LongCap = def.LongCap
	}
	if p.TicksPerDay <= 0 {
		p.TicksPerDay = def.TicksPerDay
	}
	if p.Retrieval.MaxTotal <= 0 {
		p.Retrieval.MaxTotal = def.Retrieval.MaxTotal
	}
	if p.Knowledge.TopK <= 0 {
		p.Knowledge.TopK = def.Knowledge.TopK
	}
	if p.Knowledge.StandardLength <= 0 {
		p.Knowledge.StandardLength = def.Knowledge.StandardLength
	}
	return p
}

func elapsedDays(now, createdAt, ticksPerDay int64) float64 {
	if ticksPerDay <= 0 || now <= createdAt {
		return 0
	}
	return float64(now-createdAt) / float64(ticksPerDay)
}
