package memory

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/uuid"

	"github.com/dotsetgreg/tiermem/pkg/vectors"
)

func TestAppendReportsThresholdCrossing(t *testing.T) {
	s := NewTieredStore(smallParams(), nil)
	for i := 1; i <= 4; i++ {
		crossed := s.Append(1, NewRecord(fmt.Sprintf("turn %d", i), nil, 2, int64(i)))
		if want := i >= 4; crossed != want {
			t.Fatalf("append %d: crossed=%v want %v", i, crossed, want)
		}
	}
	if s.Append(1, NewRecord("   ", nil, 2, 0)) {
		t.Fatalf("empty summary should be a no-op")
	}
	if s.Append(1, nil) {
		t.Fatalf("nil record should be a no-op")
	}
	if c := mustCounters(t, s, 1); c.Recent != 4 || c.UnconsolidatedRecent != 4 {
		t.Fatalf("unexpected counters: %+v", c)
	}
}

func TestAppendNeverTrimsUnconsolidatedRecords(t *testing.T) {
	vecs := vectors.NewStore()
	s := NewTieredStore(smallParams(), vecs)
	for i := 0; i < 20; i++ {
		rec := NewRecord(fmt.Sprintf("turn %d", i), nil, 2, int64(i))
		vecs.Set(rec.ID, []float32{1})
		s.Append(1, rec)
	}
	if got := len(s.Tier(1, TierRecent)); got != 20 {
		t.Fatalf("unconsolidated records were trimmed: %d left", got)
	}

	// Pretend 16 of them were consolidated.
	em, _ := s.lookup(1)
	em.mu.Lock()
	em.UnconsolidatedRecent = 4
	em.mu.Unlock()

	s.Append(1, NewRecord("next", nil, 2, 21))
	recent := s.Tier(1, TierRecent)
	if len(recent) != 5 {
		t.Fatalf("expected trim to threshold+buffer, got %d", len(recent))
	}
	if recent[0].Summary != "turn 16" {
		t.Fatalf("expected oldest consolidated records dropped first, got %q", recent[0].Summary)
	}
	if vecs.Len() != 4 {
		t.Fatalf("expected dropped vectors removed, %d left", vecs.Len())
	}
}

func TestCounterStaysWithinTierBounds(t *testing.T) {
	s := NewTieredStore(smallParams(), nil)
	rng := rand.New(rand.NewSource(7))
	var ids []uuid.UUID
	for i := 0; i < 300; i++ {
		switch rng.Intn(3) {
		case 0, 1:
			rec := NewRecord(fmt.Sprintf("turn %d", i), nil, 2, int64(i))
			s.Append(1, rec)
			ids = append(ids, rec.ID)
		default:
			if len(ids) == 0 {
				continue
			}
			j := rng.Intn(len(ids))
			s.Delete(1, ids[j])
			ids = append(ids[:j], ids[j+1:]...)
		}
		c := mustCounters(t, s, 1)
		if c.UnconsolidatedRecent < 0 || c.UnconsolidatedRecent > c.Recent {
			t.Fatalf("step %d: counter out of bounds: %+v", i, c)
		}
	}
}

func TestDeleteRemovesVectorOnlyWhenFound(t *testing.T) {
	vecs := vectors.NewStore()
	s := NewTieredStore(smallParams(), vecs)
	rec := NewRecord("kept", nil, 3, 1)
	s.Append(1, rec)
	vecs.Set(rec.ID, []float32{1, 0})

	stray := uuid.New()
	vecs.Set(stray, []float32{0, 1})

	if s.Delete(1, stray) {
		t.Fatalf("deleting an unknown record should report false")
	}
	if s.Delete(42, rec.ID) {
		t.Fatalf("deleting from an unknown entity should report false")
	}
	if vecs.Len() != 2 {
		t.Fatalf("no-op delete changed vectors: %d", vecs.Len())
	}

	if !s.Delete(1, rec.ID) {
		t.Fatalf("expected delete to find the record")
	}
	if vecs.Has(rec.ID) || !vecs.Has(stray) {
		t.Fatalf("expected only the deleted record's vector to go")
	}
	if c := mustCounters(t, s, 1); c.Recent != 0 || c.UnconsolidatedRecent != 0 {
		t.Fatalf("unexpected counters after delete: %+v", c)
	}
}

func TestDeleteSearchesAllTiers(t *testing.T) {
	s := NewTieredStore(smallParams(), nil)
	mid := Record{ID: uuid.New(), Summary: "mid", Importance: 2}
	long := Record{ID: uuid.New(), Summary: "long", Importance: 2}
	s.Import([]EntitySnapshot{{Entity: 1, Mid: []Record{mid}, Long: []Record{long}, UnconsolidatedMid: 1}})

	if !s.Delete(1, long.ID) || !s.Delete(1, mid.ID) {
		t.Fatalf("expected deletes to find mid and long records")
	}
	c := mustCounters(t, s, 1)
	if c.Mid != 0 || c.Long != 0 || c.UnconsolidatedMid != 0 {
		t.Fatalf("unexpected counters: %+v", c)
	}
}

func TestEditUpdatesInPlace(t *testing.T) {
	vecs := vectors.NewStore()
	s := NewTieredStore(smallParams(), vecs)
	rec := NewRecord("old text", []string{"a"}, 2, 1)
	s.Append(1, rec)
	vecs.Set(rec.ID, []float32{1})

	if !s.Edit(1, rec.ID, "old text", []string{"b", "B", " "}, 9) {
		t.Fatalf("expected edit to succeed")
	}
	got, tier, ok := s.Find(1, rec.ID)
	if !ok || tier != TierRecent {
		t.Fatalf("record not found after edit")
	}
	if got.Importance != MaxImportance || len(got.Keywords) != 1 || got.Keywords[0] != "b" {
		t.Fatalf("unexpected edited record: %+v", got)
	}
	if !vecs.Has(rec.ID) {
		t.Fatalf("unchanged summary should keep its vector")
	}

	s.Edit(1, rec.ID, "new text", nil, 1)
	if vecs.Has(rec.ID) {
		t.Fatalf("changed summary should drop the stale vector")
	}
	if s.Edit(1, uuid.New(), "x", nil, 1) {
		t.Fatalf("editing an unknown record should fail")
	}
}

func TestImportClampsCounters(t *testing.T) {
	s := NewTieredStore(smallParams(), nil)
	s.Import([]EntitySnapshot{{
		Entity:               5,
		Label:                "Ada",
		Recent:               []Record{{Summary: "one", Importance: 0}},
		UnconsolidatedRecent: 9,
		UnconsolidatedMid:    -3,
	}})
	c := mustCounters(t, s, 5)
	if c.UnconsolidatedRecent != 1 || c.UnconsolidatedMid != 0 {
		t.Fatalf("counters not clamped: %+v", c)
	}
	recent := s.Tier(5, TierRecent)
	if recent[0].ID == uuid.Nil || recent[0].Importance != MinImportance {
		t.Fatalf("imported record not normalized: %+v", recent[0])
	}
	if s.Label(5) != "Ada" {
		t.Fatalf("label lost on import")
	}
}

func TestClearAll(t *testing.T) {
	vecs := vectors.NewStore()
	s := NewTieredStore(smallParams(), vecs)
	rec := NewRecord("x", nil, 2, 1)
	s.Append(1, rec)
	vecs.Set(rec.ID, []float32{1})

	em, _ := s.lookup(1)
	em.mu.Lock()
	em.RecentConsolidating = true
	em.mu.Unlock()

	s.ClearAll(true)
	c := mustCounters(t, s, 1)
	if c.RecentConsolidating || c.Recent != 1 {
		t.Fatalf("preserving clear should keep records and reset flags: %+v", c)
	}

	s.ClearAll(false)
	if _, ok := s.Counters(1); ok {
		t.Fatalf("expected entity to be gone")
	}
	if vecs.Len() != 0 {
		t.Fatalf("expected vectors cleared")
	}
}

func TestReachableIDs(t *testing.T) {
	s := NewTieredStore(smallParams(), nil)
	a := NewRecord("a", nil, 2, 1)
	b := NewRecord("b", nil, 2, 1)
	s.Append(1, a)
	s.Append(2, b)
	ids := s.ReachableIDs()
	if len(ids) != 2 || !s.ContainsID(a.ID) || !s.ContainsID(b.ID) {
		t.Fatalf("unexpected reachable ids: %v", ids)
	}
	if s.ContainsID(uuid.New()) {
		t.Fatalf("unknown id reported reachable")
	}
}
