package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/chzyer/readline"
	"github.com/google/uuid"

	"github.com/dotsetgreg/tiermem/pkg/embedding"
	"github.com/dotsetgreg/tiermem/pkg/memory"
)

// chatSession feeds typed lines into one entity's memory and shows what
// retrieval would surface for each of them.
type chatSession struct {
	svc        *memory.Service
	entity     memory.EntityID
	importance int
	out        io.Writer
}

const chatHelp = `Commands:
  /recall <text>     show memories relevant to text without recording it
  /tiers             list every tier with its counters
  /forget <id>       delete one memory
  /mode local|remote switch embedding backend
  /save              write memory to disk
  /reset [keep]      cancel background work; keep preserves the tiers
  /quit              leave`

// handleLine processes one input line and reports whether the session ends.
func (c *chatSession) handleLine(ctx context.Context, line string) bool {
	c.svc.Tick(ctx, time.Now())

	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}
	if !strings.HasPrefix(input, "/") {
		c.record(input)
		return false
	}

	cmd, arg, _ := strings.Cut(input, " ")
	arg = strings.TrimSpace(arg)
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(c.out, chatHelp)
	case "/recall":
		if arg == "" {
			fmt.Fprintln(c.out, "Usage: /recall <text>")
			return false
		}
		c.printRetrieval(arg)
	case "/tiers":
		c.printTiers()
	case "/forget":
		id, err := uuid.Parse(arg)
		if err != nil {
			fmt.Fprintf(c.out, "Invalid id %q\n", arg)
			return false
		}
		if err := c.svc.Delete(c.entity, id); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return false
		}
		fmt.Fprintln(c.out, "Forgotten.")
	case "/mode":
		mode, err := embedding.ParseMode(arg)
		if err != nil || arg == "" {
			fmt.Fprintln(c.out, "Usage: /mode local|remote")
			return false
		}
		if err := c.svc.SetEmbeddingMode(ctx, mode); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return false
		}
		fmt.Fprintf(c.out, "Embedding mode: %s\n", mode)
	case "/save":
		if err := c.svc.Save(ctx); err != nil {
			fmt.Fprintf(c.out, "Error: %v\n", err)
			return false
		}
		fmt.Fprintln(c.out, "Saved.")
	case "/reset":
		keep := arg == "keep"
		c.svc.Reset(keep)
		if keep {
			fmt.Fprintln(c.out, "Background work cancelled; memories kept.")
		} else {
			fmt.Fprintln(c.out, "Memory cleared.")
		}
	default:
		fmt.Fprintf(c.out, "Unknown command %s\n", cmd)
		fmt.Fprintln(c.out, chatHelp)
	}
	return false
}

func (c *chatSession) record(input string) {
	c.printRetrieval(input)
	rec, ok := c.svc.RecordTurn(c.entity, input, extractKeywords(input), c.importance)
	if !ok {
		return
	}
	fmt.Fprintf(c.out, "Recorded %s\n", rec.ID)
	if counters, ok := c.svc.Counters(c.entity); ok && (counters.RecentConsolidating || counters.MidConsolidating) {
		fmt.Fprintln(c.out, "Consolidating in the background.")
	}
}

func (c *chatSession) printRetrieval(text string) {
	res := c.svc.Retrieve(c.entity, memory.RetrieveRequest{
		Facets: []string{text},
		Names:  extractNames(text),
		Text:   text,
	})
	if res.MissingFacets > 0 {
		fmt.Fprintln(c.out, "(context vector pending; only name and recency signals used)")
	}
	if len(res.Personal) == 0 && len(res.Knowledge) == 0 {
		fmt.Fprintln(c.out, "Nothing comes to mind.")
		return
	}
	for _, sr := range res.Personal {
		fmt.Fprintf(c.out, "  [%s %.2f] %s\n", sr.Tier, sr.Score, sr.Record.Summary)
	}
	for _, km := range res.Knowledge {
		fmt.Fprintf(c.out, "  [knowledge %.2f] %s\n", km.Score, km.Record.Summary)
	}
}

func (c *chatSession) printTiers() {
	counters, ok := c.svc.Counters(c.entity)
	if !ok {
		fmt.Fprintln(c.out, "No memories yet.")
		return
	}
	fmt.Fprintf(c.out, "recent=%d (unconsolidated %d, busy %t) mid=%d (unconsolidated %d, busy %t) long=%d\n",
		counters.Recent, counters.UnconsolidatedRecent, counters.RecentConsolidating,
		counters.Mid, counters.UnconsolidatedMid, counters.MidConsolidating,
		counters.Long)
	for _, tier := range []memory.Tier{memory.TierRecent, memory.TierMid, memory.TierLong} {
		for _, rec := range c.svc.Records(c.entity, tier) {
			fmt.Fprintf(c.out, "  %-6s %s imp=%d seen=%d %s\n", tier, rec.ID, rec.Importance, rec.AccessCount, rec.Summary)
		}
	}
}

func interactiveMode(ctx context.Context, session *chatSession) {
	prompt := fmt.Sprintf("%s> ", appName)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          prompt,
		HistoryFile:     filepath.Join(os.TempDir(), ".tiermem_history"),
		HistoryLimit:    100,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		fmt.Printf("Error initializing readline: %v\n", err)
		fmt.Println("Falling back to simple input mode...")
		simpleInteractiveMode(ctx, session, os.Stdin)
		return
	}
	defer rl.Close()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt || err == io.EOF {
				fmt.Fprintln(session.out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(session.out, "Error reading input: %v\n", err)
			continue
		}
		if session.handleLine(ctx, line) {
			fmt.Fprintln(session.out, "Goodbye!")
			return
		}
	}
}

func simpleInteractiveMode(ctx context.Context, session *chatSession, in io.Reader) {
	reader := bufio.NewReader(in)
	for {
		fmt.Fprintf(session.out, "%s> ", appName)
		line, err := reader.ReadString('\n')
		if err != nil && line == "" {
			if err == io.EOF {
				fmt.Fprintln(session.out, "\nGoodbye!")
				return
			}
			fmt.Fprintf(session.out, "Error reading input: %v\n", err)
			return
		}
		if session.handleLine(ctx, line) {
			fmt.Fprintln(session.out, "Goodbye!")
			return
		}
	}
}

// extractKeywords picks up to six distinct content words.
func extractKeywords(text string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, word := range splitWords(text) {
		w := strings.ToLower(word)
		if len([]rune(w)) < 4 {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
		if len(out) == 6 {
			break
		}
	}
	return out
}

// extractNames treats capitalized words after the first as names.
func extractNames(text string) []string {
	var out []string
	for i, word := range splitWords(text) {
		if i == 0 {
			continue
		}
		r := []rune(word)
		if unicode.IsUpper(r[0]) {
			out = append(out, word)
		}
	}
	return out
}

func splitWords(text string) []string {
	return strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
}
