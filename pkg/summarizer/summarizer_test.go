package summarizer

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/dotsetgreg/tiermem/pkg/memory"
	"github.com/dotsetgreg/tiermem/pkg/providers"
)

type fakeProvider struct {
	reply    string
	err      error
	messages []providers.Message
	model    string
	options  map[string]interface{}
}

func (f *fakeProvider) Chat(_ context.Context, messages []providers.Message, model string, options map[string]interface{}) (*providers.LLMResponse, error) {
	f.messages, f.model, f.options = messages, model, options
	if f.err != nil {
		return nil, f.err
	}
	return &providers.LLMResponse{Content: f.reply}, nil
}

func (f *fakeProvider) GetDefaultModel() string { return "fake" }

func snapshotRequest(t memory.Transition) memory.SummaryRequest {
	return memory.SummaryRequest{
		Entity:     4,
		Label:      "Mira",
		Transition: t,
		Snapshot: []memory.Record{
			{Summary: "Met Tom at the well", Keywords: []string{"Tom", "well"}, Importance: 2},
			{Summary: "Tom asked about the harvest", Importance: 3},
		},
	}
}

func TestSummarizeBuildsPromptAndParses(t *testing.T) {
	p := &fakeProvider{reply: "```json\n{\"memories\":[{\"summary\":\"Talked with Tom at the well about the harvest\",\"keywords\":[\"Tom\"],\"importance\":3,\"source_ids\":[1,2]}]}\n```"}
	s := New(p, Config{Model: "gpt-test", Language: "German"})

	got, err := s.Summarize(context.Background(), snapshotRequest(memory.RecentToMid))
	if err != nil {
		t.Fatalf("summarize: %v", err)
	}
	if len(got) != 1 || got[0].Importance != 3 || len(got[0].SourceIDs) != 2 {
		t.Fatalf("unexpected merged records: %+v", got)
	}
	if p.model != "gpt-test" || p.options["json"] != true {
		t.Fatalf("unexpected call: model=%q options=%v", p.model, p.options)
	}
	if len(p.messages) != 2 || !strings.Contains(p.messages[0].Content, "German") {
		t.Fatalf("system prompt missing language: %+v", p.messages)
	}
	user := p.messages[1].Content
	if !strings.Contains(user, "Character: Mira") || !strings.Contains(user, "1. [importance 2] Met Tom at the well (keywords: Tom, well)") || !strings.Contains(user, "2. [importance 3]") {
		t.Fatalf("unexpected user prompt:\n%s", user)
	}
}

func TestSummarizeTransitionsUseDifferentInstructions(t *testing.T) {
	if systemPrompt(memory.RecentToMid, "English") == systemPrompt(memory.MidToLong, "English") {
		t.Fatalf("expected distinct prompts per transition")
	}
}

func TestSummarizeErrors(t *testing.T) {
	boom := errors.New("boom")
	if _, err := New(&fakeProvider{err: boom}, Config{}).Summarize(context.Background(), snapshotRequest(memory.MidToLong)); !errors.Is(err, boom) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if _, err := New(&fakeProvider{reply: "  "}, Config{}).Summarize(context.Background(), snapshotRequest(memory.MidToLong)); !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
	if _, err := New(&fakeProvider{reply: "sorry, I cannot"}, Config{}).Summarize(context.Background(), snapshotRequest(memory.MidToLong)); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := New(nil, Config{}).Summarize(context.Background(), snapshotRequest(memory.MidToLong)); err == nil {
		t.Fatalf("expected missing provider error")
	}
	got, err := New(&fakeProvider{}, Config{}).Summarize(context.Background(), memory.SummaryRequest{})
	if err != nil || got != nil {
		t.Fatalf("empty snapshot should be a no-op, got %v %v", got, err)
	}
}

func TestParseMergedRecordsTolerantForms(t *testing.T) {
	cases := []struct {
		name    string
		content string
		want    memory.MergedRecord
	}{
		{
			name:    "bare array",
			content: `[{"summary":"a","keywords":["x"],"importance":4,"source_ids":[1,3]}]`,
			want:    memory.MergedRecord{Summary: "a", Keywords: []string{"x"}, Importance: 4, SourceIDs: []int{1, 3}},
		},
		{
			name:    "string numbers",
			content: `{"memories":[{"summary":"b","importance":"5","source_ids":["2","4"]}]}`,
			want:    memory.MergedRecord{Summary: "b", Importance: 5, SourceIDs: []int{2, 4}},
		},
		{
			name:    "single id and comma keywords",
			content: `Here you go: {"records":[{"content":"c","keywords":"Tom, well","source_ids":2}]} hope this helps`,
			want:    memory.MergedRecord{Summary: "c", Keywords: []string{"Tom", "well"}, SourceIDs: []int{2}},
		},
		{
			name:    "single object",
			content: `{"summary":"d","importance":2.0}`,
			want:    memory.MergedRecord{Summary: "d", Importance: 2},
		},
	}
	for _, tc := range cases {
		got, err := ParseMergedRecords(tc.content)
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		if len(got) != 1 {
			t.Fatalf("%s: expected one record, got %+v", tc.name, got)
		}
		g := got[0]
		if g.Summary != tc.want.Summary || g.Importance != tc.want.Importance ||
			strings.Join(g.Keywords, "|") != strings.Join(tc.want.Keywords, "|") ||
			len(g.SourceIDs) != len(tc.want.SourceIDs) {
			t.Fatalf("%s: got %+v want %+v", tc.name, g, tc.want)
		}
		for i := range g.SourceIDs {
			if g.SourceIDs[i] != tc.want.SourceIDs[i] {
				t.Fatalf("%s: source ids %v want %v", tc.name, g.SourceIDs, tc.want.SourceIDs)
			}
		}
	}
}

func TestParseMergedRecordsDropsBlankSummaries(t *testing.T) {
	got, err := ParseMergedRecords(`{"memories":[{"summary":"  "},{"summary":"kept"}]}`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 1 || got[0].Summary != "kept" {
		t.Fatalf("unexpected records: %+v", got)
	}
	if got, err := ParseMergedRecords(`{"memories":[]}`); err != nil || len(got) != 0 {
		t.Fatalf("empty list should parse to nothing: %v %v", got, err)
	}
	if _, err := ParseMergedRecords(`{"other":1}`); err == nil {
		t.Fatalf("expected object without memories to fail")
	}
}

func TestParseMergedRecordsRepairsTruncatedArray(t *testing.T) {
	content := "```json\n[{\"summary\":\"first [draft]\",\"source_ids\":[1]},{\"summary\":\"second\",\"source_ids\":[2]},{\"summary\":\"cut \\\"off"
	got, err := ParseMergedRecords(content)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(got) != 2 || got[0].Summary != "first [draft]" || got[1].Summary != "second" {
		t.Fatalf("unexpected records: %+v", got)
	}

	got, err = ParseMergedRecords(`[{"summary":"never closed`)
	if err != nil || len(got) != 0 {
		t.Fatalf("fully truncated output should parse to nothing: %+v %v", got, err)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```": `{"a":1}`,
		`note {"a":{"b":2}} end`:  `{"a":{"b":2}}`,
		`prefix [1,2] suffix ]`:   `[1,2]`,
		`no json here`:            "",
		`{"open": true`:           "",
	}
	for in, want := range cases {
		if got := extractJSON(in); got != want {
			t.Fatalf("extractJSON(%q) = %q, want %q", in, got, want)
		}
	}
}
