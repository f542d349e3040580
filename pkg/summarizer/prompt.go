package summarizer

import (
	"fmt"
	"strings"

	"github.com/dotsetgreg/tiermem/pkg/memory"
)

const outputContract = `Respond with a JSON object only:
{"memories": [{"summary": "...", "keywords": ["..."], "importance": 1-5, "source_ids": [1, 2]}]}
source_ids are the numbers of the input memories each output memory was derived from.
keywords are names of people, places and things mentioned, not generic words.
importance: 1 trivial, 3 notable, 5 life-changing.`

func systemPrompt(t memory.Transition, language string) string {
	var task string
	if t == memory.MidToLong {
		task = `You condense a character's episodic memories into a few lasting impressions.
Fold related episodes into one memory, keep what would still matter months later,
and drop small talk entirely. Produce far fewer memories than you are given.`
	} else {
		task = `You turn a character's recent conversation notes into episodic memories.
Merge notes about the same event or topic, keep concrete details (who, what, where),
and drop greetings and filler. Produce fewer memories than you are given.`
	}
	return fmt.Sprintf("%s\nWrite every summary in %s, in the character's first person.\n\n%s", task, language, outputContract)
}

func userPrompt(req memory.SummaryRequest) string {
	var b strings.Builder
	if label := strings.TrimSpace(req.Label); label != "" {
		fmt.Fprintf(&b, "Character: %s\n\n", label)
	}
	b.WriteString("Memories:\n")
	for i, rec := range req.Snapshot {
		fmt.Fprintf(&b, "%d. [importance %d] %s", i+1, rec.Importance, rec.Summary)
		if len(rec.Keywords) > 0 {
			fmt.Fprintf(&b, " (keywords: %s)", strings.Join(rec.Keywords, ", "))
		}
		b.WriteByte('\n')
	}
	return b.String()
}
