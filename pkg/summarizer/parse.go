package summarizer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dotsetgreg/tiermem/pkg/memory"
)

// ParseMergedRecords extracts merged records from model output. It accepts
// code-fenced JSON, a bare array, or an object holding the array under
// "memories", "records" or "items". Numbers given as strings are accepted.
func ParseMergedRecords(content string) ([]memory.MergedRecord, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON found in summarizer output")
	}

	var items []looseRecord
	if strings.HasPrefix(raw, "[") {
		if err := json.Unmarshal([]byte(raw), &items); err != nil {
			return nil, fmt.Errorf("decode summarizer array: %w", err)
		}
	} else {
		var wrapper map[string]json.RawMessage
		if err := json.Unmarshal([]byte(raw), &wrapper); err != nil {
			return nil, fmt.Errorf("decode summarizer object: %w", err)
		}
		found := false
		for _, key := range []string{"memories", "records", "items"} {
			if body, ok := wrapper[key]; ok {
				if err := json.Unmarshal(body, &items); err != nil {
					return nil, fmt.Errorf("decode %s: %w", key, err)
				}
				found = true
				break
			}
		}
		if !found {
			var single looseRecord
			if err := json.Unmarshal([]byte(raw), &single); err != nil || single.Summary == "" {
				return nil, fmt.Errorf("summarizer output has no memories array")
			}
			items = []looseRecord{single}
		}
	}

	out := make([]memory.MergedRecord, 0, len(items))
	for _, it := range items {
		summary := strings.TrimSpace(it.Summary)
		if summary == "" {
			summary = strings.TrimSpace(it.Content)
		}
		if summary == "" {
			continue
		}
		out = append(out, memory.MergedRecord{
			Summary:    summary,
			Keywords:   []string(it.Keywords),
			Importance: int(it.Importance),
			SourceIDs:  []int(it.SourceIDs),
		})
	}
	return out, nil
}

// truncatedArray returns the array that s starts with. Output cut off by the
// token limit is closed after its last complete element.
func truncatedArray(s string) string {
	depth := 0
	inString, escaped := false, false
	lastComplete := -1
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[', '{':
			depth++
		case ']', '}':
			depth--
			if depth == 0 {
				return s[:i+1]
			}
			if depth == 1 {
				lastComplete = i
			}
		}
	}
	if lastComplete < 0 {
		return "[]"
	}
	return s[:lastComplete+1] + "]"
}

type looseRecord struct {
	Summary    string      `json:"summary"`
	Content    string      `json:"content"`
	Keywords   looseString `json:"keywords"`
	Importance looseInt    `json:"importance"`
	SourceIDs  looseInts   `json:"source_ids"`
}

// extractJSON strips code fences and returns the outermost JSON value.
func extractJSON(content string) string {
	s := strings.TrimSpace(content)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	start := strings.IndexAny(s, "[{")
	if start < 0 {
		return ""
	}
	if s[start] == '[' {
		return truncatedArray(s[start:])
	}
	end := strings.LastIndexByte(s, '}')
	if end <= start {
		return ""
	}
	return s[start : end+1]
}

type looseInt int

func (v *looseInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		n, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return nil
		}
		*v = looseInt(n)
		return nil
	}
	var f float64
	if err := json.Unmarshal(b, &f); err != nil {
		return err
	}
	*v = looseInt(f)
	return nil
}

type looseInts []int

func (v *looseInts) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] != '[' {
		var one looseInt
		if err := one.UnmarshalJSON(b); err != nil {
			return err
		}
		*v = looseInts{int(one)}
		return nil
	}
	var items []looseInt
	if err := json.Unmarshal(b, &items); err != nil {
		return err
	}
	out := make(looseInts, len(items))
	for i, it := range items {
		out[i] = int(it)
	}
	*v = out
	return nil
}

// looseString accepts a string list or one comma-separated string.
type looseString []string

func (v *looseString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	if b[0] == '[' {
		var list []string
		if err := json.Unmarshal(b, &list); err != nil {
			return err
		}
		*v = list
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	for _, part := range strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '，' || r == ';' }) {
		if part = strings.TrimSpace(part); part != "" {
			*v = append(*v, part)
		}
	}
	return nil
}
