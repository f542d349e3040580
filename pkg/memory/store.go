package memory

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dotsetgreg/tiermem/pkg/vectors"
)

// EntityMemory is one entity's tiers and consolidation state. All fields are
// guarded by mu.
type EntityMemory struct {
	mu sync.Mutex

	Label  string
	Recent []*Record
	Mid    []*Record
	Long   []*Record

	UnconsolidatedRecent int
	UnconsolidatedMid    int
	RecentConsolidating  bool
	MidConsolidating     bool
}

func (em *EntityMemory) tier(t Tier) *[]*Record {
	switch t {
	case TierMid:
		return &em.Mid
	case TierLong:
		return &em.Long
	}
	return &em.Recent
}

func (em *EntityMemory) counter(t Tier) *int {
	if t == TierMid {
		return &em.UnconsolidatedMid
	}
	return &em.UnconsolidatedRecent
}

func (em *EntityMemory) flag(t Transition) *bool {
	if t == MidToLong {
		return &em.MidConsolidating
	}
	return &em.RecentConsolidating
}

func (em *EntityMemory) counters() Counters {
	return Counters{
		Recent:               len(em.Recent),
		Mid:                  len(em.Mid),
		Long:                 len(em.Long),
		UnconsolidatedRecent: em.UnconsolidatedRecent,
		UnconsolidatedMid:    em.UnconsolidatedMid,
		RecentConsolidating:  em.RecentConsolidating,
		MidConsolidating:     em.MidConsolidating,
	}
}

// TieredStore owns every entity's memory. The map lock covers only entry
// insertion and removal; each entry carries its own lock.
type TieredStore struct {
	params  Params
	vectors *vectors.Store

	mu       sync.RWMutex
	entities map[EntityID]*EntityMemory
}

func NewTieredStore(params Params, vecs *vectors.Store) *TieredStore {
	if vecs == nil {
		vecs = vectors.NewStore()
	}
	return &TieredStore{
		params:   params.withDefaults(),
		vectors:  vecs,
		entities: make(map[EntityID]*EntityMemory),
	}
}

func (s *TieredStore) Params() Params { return s.params }

func (s *TieredStore) lookup(id EntityID) (*EntityMemory, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	em, ok := s.entities[id]
	return em, ok
}

// entity returns the entry for id, creating it on first use.
func (s *TieredStore) entity(id EntityID) *EntityMemory {
	if em, ok := s.lookup(id); ok {
		return em
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if em, ok := s.entities[id]; ok {
		return em
	}
	em := &EntityMemory{}
	s.entities[id] = em
	return em
}

func (s *TieredStore) Entities() []EntityID {
	s.mu.RLock()
	ids := make([]EntityID, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	s.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *TieredStore) SetLabel(id EntityID, label string) {
	em := s.entity(id)
	em.mu.Lock()
	em.Label = label
	em.mu.Unlock()
}

func (s *TieredStore) Label(id EntityID) string {
	em, ok := s.lookup(id)
	if !ok {
		return ""
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.Label
}

// Append adds rec to the recent tier and reports whether the unconsolidated
// backlog has reached the recent threshold.
func (s *TieredStore) Append(id EntityID, rec *Record) bool {
	if rec == nil || rec.Summary == "" {
		return false
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	rec.Importance = ClampImportance(rec.Importance)
	rec.Keywords = NormalizeKeywords(rec.Keywords)

	em := s.entity(id)
	em.mu.Lock()
	defer em.mu.Unlock()

	em.Recent = append(em.Recent, rec)
	em.UnconsolidatedRecent++
	s.trimRecentLocked(em)
	return em.UnconsolidatedRecent >= s.params.RecentThreshold
}

// trimRecentLocked drops the oldest already-consolidated recent records
// while the tier exceeds threshold+buffer.
func (s *TieredStore) trimRecentLocked(em *EntityMemory) int {
	limit := s.params.RecentThreshold + s.params.TrimBuffer
	excess := len(em.Recent) - limit
	consolidated := len(em.Recent) - em.UnconsolidatedRecent
	drop := excess
	if consolidated < drop {
		drop = consolidated
	}
	if drop <= 0 {
		return 0
	}
	for _, rec := range em.Recent[:drop] {
		s.vectors.Delete(rec.ID)
	}
	em.Recent = append([]*Record(nil), em.Recent[drop:]...)
	return drop
}

// Edit updates a record in place. Keywords are normalized and importance is
// clamped.
func (s *TieredStore) Edit(id EntityID, recordID uuid.UUID, summary string, keywords []string, importance int) bool {
	em, ok := s.lookup(id)
	if !ok {
		return false
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	for _, t := range []Tier{TierRecent, TierMid, TierLong} {
		for _, rec := range *em.tier(t) {
			if rec.ID != recordID {
				continue
			}
			if summary != "" && summary != rec.Summary {
				rec.Summary = summary
				s.vectors.Delete(rec.ID)
			}
			rec.Keywords = NormalizeKeywords(keywords)
			rec.Importance = ClampImportance(importance)
			return true
		}
	}
	return false
}

// Delete removes the first record with recordID, searching recent, mid then
// long. The vector is removed only after the record was found and removed.
func (s *TieredStore) Delete(id EntityID, recordID uuid.UUID) bool {
	em, ok := s.lookup(id)
	if !ok {
		return false
	}
	em.mu.Lock()
	removed := false
	for _, t := range []Tier{TierRecent, TierMid, TierLong} {
		if removeFromTierLocked(em, t, recordID) {
			removed = true
			break
		}
	}
	em.mu.Unlock()

	if removed {
		s.vectors.Delete(recordID)
	}
	return removed
}

func removeFromTierLocked(em *EntityMemory, t Tier, recordID uuid.UUID) bool {
	tier := em.tier(t)
	for i, rec := range *tier {
		if rec.ID != recordID {
			continue
		}
		n := len(*tier)
		if t != TierLong {
			// Unconsolidated records are the newest suffix of the tier.
			c := em.counter(t)
			if i >= n-*c && *c > 0 {
				*c--
			}
		}
		*tier = append((*tier)[:i:i], (*tier)[i+1:]...)
		return true
	}
	return false
}

// Clear forgets one entity and its vectors.
func (s *TieredStore) Clear(id EntityID) {
	s.mu.Lock()
	em, ok := s.entities[id]
	delete(s.entities, id)
	s.mu.Unlock()
	if !ok {
		return
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	for _, t := range []Tier{TierRecent, TierMid, TierLong} {
		for _, rec := range *em.tier(t) {
			s.vectors.Delete(rec.ID)
		}
	}
}

// ClearAll forgets every entity. With preserve set the tiers are kept and
// only in-progress flags are reset.
func (s *TieredStore) ClearAll(preserve bool) {
	if preserve {
		s.ResetFlags()
		return
	}
	s.mu.Lock()
	s.entities = make(map[EntityID]*EntityMemory)
	s.mu.Unlock()
	s.vectors.Clear()
}

// ResetFlags clears every in-progress flag. Used after reload and on session
// teardown, when no consolidation can still be in flight.
func (s *TieredStore) ResetFlags() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, em := range s.entities {
		em.mu.Lock()
		em.RecentConsolidating = false
		em.MidConsolidating = false
		em.mu.Unlock()
	}
}

// Tier returns copies of one tier's records, oldest first.
func (s *TieredStore) Tier(id EntityID, t Tier) []Record {
	em, ok := s.lookup(id)
	if !ok {
		return nil
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	tier := *em.tier(t)
	out := make([]Record, len(tier))
	for i, rec := range tier {
		out[i] = rec.Clone()
	}
	return out
}

func (s *TieredStore) Find(id EntityID, recordID uuid.UUID) (Record, Tier, bool) {
	em, ok := s.lookup(id)
	if !ok {
		return Record{}, 0, false
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	for _, t := range []Tier{TierRecent, TierMid, TierLong} {
		for _, rec := range *em.tier(t) {
			if rec.ID == recordID {
				return rec.Clone(), t, true
			}
		}
	}
	return Record{}, 0, false
}

func (s *TieredStore) Counters(id EntityID) (Counters, bool) {
	em, ok := s.lookup(id)
	if !ok {
		return Counters{}, false
	}
	em.mu.Lock()
	defer em.mu.Unlock()
	return em.counters(), true
}

// ReachableIDs returns the id of every record held in any tier.
func (s *TieredStore) ReachableIDs() map[uuid.UUID]struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[uuid.UUID]struct{})
	for _, em := range s.entities {
		em.mu.Lock()
		for _, t := range []Tier{TierRecent, TierMid, TierLong} {
			for _, rec := range *em.tier(t) {
				out[rec.ID] = struct{}{}
			}
		}
		em.mu.Unlock()
	}
	return out
}

func (s *TieredStore) ContainsID(recordID uuid.UUID) bool {
	_, ok := s.ReachableIDs()[recordID]
	return ok
}

// EntitySnapshot is the persisted form of one entity. In-progress flags are
// never part of it.
type EntitySnapshot struct {
	Entity               EntityID
	Label                string
	Recent               []Record
	Mid                  []Record
	Long                 []Record
	UnconsolidatedRecent int
	UnconsolidatedMid    int
}

func (s *TieredStore) Export() []EntitySnapshot {
	ids := s.Entities()
	out := make([]EntitySnapshot, 0, len(ids))
	for _, id := range ids {
		em, ok := s.lookup(id)
		if !ok {
			continue
		}
		em.mu.Lock()
		snap := EntitySnapshot{
			Entity:               id,
			Label:                em.Label,
			Recent:               cloneRecords(em.Recent),
			Mid:                  cloneRecords(em.Mid),
			Long:                 cloneRecords(em.Long),
			UnconsolidatedRecent: em.UnconsolidatedRecent,
			UnconsolidatedMid:    em.UnconsolidatedMid,
		}
		em.mu.Unlock()
		out = append(out, snap)
	}
	return out
}

// Import replaces the store contents. Counters are clamped to tier sizes and
// flags start cleared.
func (s *TieredStore) Import(snaps []EntitySnapshot) {
	entities := make(map[EntityID]*EntityMemory, len(snaps))
	for _, snap := range snaps {
		em := &EntityMemory{
			Label:  snap.Label,
			Recent: recordPointers(snap.Recent),
			Mid:    recordPointers(snap.Mid),
			Long:   recordPointers(snap.Long),
		}
		em.UnconsolidatedRecent = clampInt(snap.UnconsolidatedRecent, 0, len(em.Recent))
		em.UnconsolidatedMid = clampInt(snap.UnconsolidatedMid, 0, len(em.Mid))
		entities[snap.Entity] = em
	}
	s.mu.Lock()
	s.entities = entities
	s.mu.Unlock()
}

func cloneRecords(in []*Record) []Record {
	out := make([]Record, len(in))
	for i, rec := range in {
		out[i] = rec.Clone()
	}
	return out
}

func recordPointers(in []Record) []*Record {
	out := make([]*Record, 0, len(in))
	for i := range in {
		rec := in[i].Clone()
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		rec.Importance = ClampImportance(rec.Importance)
		out = append(out, &rec)
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
