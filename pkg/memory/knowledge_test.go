package memory

import (
	"bytes"
	"strings"
	"testing"
)

func TestKnowledgeRetrieveFavoursSpecificEntries(t *testing.T) {
	k := NewKnowledgeStore(ClockFunc(func() int64 { return 10 }))
	k.Add("Swords are forged in the north.", []string{"sword"}, 3)
	k.Add("Armour guide.", []string{"sword", "shield", "armor", "helmet", "boots"}, 3)
	k.Add("Bread recipe.", []string{"bread"}, 5)

	got := k.Retrieve("He drew his SWORD", DefaultParams().Knowledge, nil)
	if len(got) != 2 {
		t.Fatalf("expected 2 matches, got %d", len(got))
	}
	if got[0].Record.Summary != "Swords are forged in the north." {
		t.Fatalf("specific entry should rank first, got %q", got[0].Record.Summary)
	}
	// 1 match * (5/1) * 1 + 3*0.2
	if got[0].Score < 5.59 || got[0].Score > 5.61 {
		t.Fatalf("unexpected score %f", got[0].Score)
	}
	// 1 match * (5/5) * 1 + 3*0.2
	if got[1].Score < 1.59 || got[1].Score > 1.61 {
		t.Fatalf("unexpected score %f", got[1].Score)
	}
	for _, rec := range k.All() {
		if rec.Summary == "Bread recipe." && rec.AccessCount != 0 {
			t.Fatalf("unmatched entry access count changed")
		}
		if rec.Summary != "Bread recipe." && rec.AccessCount != 1 {
			t.Fatalf("matched entry access count not incremented: %+v", rec)
		}
	}
}

func TestKnowledgeExpressionKeywords(t *testing.T) {
	k := NewKnowledgeStore(nil)
	k.Add("Field medicine.", []string{"(战斗|受伤) & 紧急"}, 3)

	if got := k.Retrieve("他在战斗中紧急撤退", DefaultParams().Knowledge, nil); len(got) != 1 || got[0].Matched != 2 {
		t.Fatalf("expected expression match with 2 leaves, got %+v", got)
	}
	if got := k.Retrieve("他在吃饭", DefaultParams().Knowledge, nil); len(got) != 0 {
		t.Fatalf("expected no match, got %+v", got)
	}
}

func TestKnowledgeRetrieveTopK(t *testing.T) {
	k := NewKnowledgeStore(nil)
	for i := 0; i < 15; i++ {
		k.Add("fact", []string{"town"}, 1+i%5)
	}
	p := DefaultParams().Knowledge
	if got := k.Retrieve("the town", p, nil); len(got) != p.TopK {
		t.Fatalf("expected top %d, got %d", p.TopK, len(got))
	}
	if got := k.Retrieve("  ", p, nil); got != nil {
		t.Fatalf("blank context should match nothing")
	}
}

func TestKnowledgeImportExport(t *testing.T) {
	k := NewKnowledgeStore(nil)
	n, err := k.Import(strings.NewReader(`[
		{"summary": "The river floods in spring.", "keywords": ["river"], "importance": 4},
		{"content": "Wolves hunt at night.", "keywords": ["wolf"]},
		{"summary": ""}
	]`))
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != 2 || k.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d (len %d)", n, k.Len())
	}
	if all := k.All(); all[1].Importance != 3 {
		t.Fatalf("expected default importance 3, got %d", all[1].Importance)
	}

	var buf bytes.Buffer
	if err := k.Export(&buf); err != nil {
		t.Fatalf("export: %v", err)
	}
	other := NewKnowledgeStore(nil)
	if n, err := other.Import(&buf); err != nil || n != 2 {
		t.Fatalf("re-import: n=%d err=%v", n, err)
	}

	if _, err := k.Import(strings.NewReader("{")); err == nil {
		t.Fatalf("expected malformed JSON to fail")
	}
}

func TestKnowledgeUpdateRemove(t *testing.T) {
	k := NewKnowledgeStore(nil)
	rec, ok := k.Add("old", []string{"x"}, 2)
	if !ok {
		t.Fatalf("add failed")
	}
	if !k.Update(rec.ID, "new", []string{"y"}, 4) {
		t.Fatalf("update failed")
	}
	if all := k.All(); all[0].Summary != "new" || all[0].Importance != 4 {
		t.Fatalf("update not applied: %+v", all[0])
	}
	if !k.Remove(rec.ID) || k.Len() != 0 {
		t.Fatalf("remove failed")
	}
	if k.Remove(rec.ID) {
		t.Fatalf("second remove should fail")
	}
}
