package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestInfoCF_WritesComponentAndFields(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, "json", DEBUG)
	defer Configure(nil, "text", INFO)

	InfoCF("queue", "batch sent", map[string]interface{}{"size": 5, "mode": "remote"})

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if entry["component"] != "queue" {
		t.Fatalf("expected component queue, got %v", entry["component"])
	}
	if entry["msg"] != "batch sent" {
		t.Fatalf("unexpected msg %v", entry["msg"])
	}
	if entry["size"] != float64(5) || entry["mode"] != "remote" {
		t.Fatalf("expected fields in entry, got %v", entry)
	}
}

func TestSetLevel_FiltersBelowMinimum(t *testing.T) {
	var buf bytes.Buffer
	Configure(&buf, "text", INFO)
	defer Configure(nil, "text", INFO)

	DebugC("memory", "hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug should be filtered at info level, got %q", buf.String())
	}

	SetLevel(DEBUG)
	DebugC("memory", "shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Fatalf("expected debug output after SetLevel, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DEBUG,
		"WARNING": WARN,
		"error":   ERROR,
		"":        INFO,
		"bogus":   INFO,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
