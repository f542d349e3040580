package embedding

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

const (
	tokenUNK = "[UNK]"
	tokenCLS = "[CLS]"
	tokenSEP = "[SEP]"
	tokenPAD = "[PAD]"

	maxWordChars = 100
)

// Vocab is a WordPiece vocabulary with its special token ids.
type Vocab struct {
	ids map[string]int64
	unk int64
	cls int64
	sep int64
	pad int64
}

// NewVocab builds a vocabulary from token order; a token's id is its index.
func NewVocab(tokens []string) (*Vocab, error) {
	ids := make(map[string]int64, len(tokens))
	for i, tok := range tokens {
		if _, dup := ids[tok]; !dup {
			ids[tok] = int64(i)
		}
	}
	return newVocabFromMap(ids)
}

func newVocabFromMap(ids map[string]int64) (*Vocab, error) {
	v := &Vocab{ids: ids}
	var ok bool
	if v.unk, ok = ids[tokenUNK]; !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidVocab, tokenUNK)
	}
	if v.cls, ok = ids[tokenCLS]; !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidVocab, tokenCLS)
	}
	if v.sep, ok = ids[tokenSEP]; !ok {
		return nil, fmt.Errorf("%w: missing %s", ErrInvalidVocab, tokenSEP)
	}
	v.pad = ids[tokenPAD]
	return v, nil
}

// LoadVocab reads either a one-token-per-line vocab.txt or a HuggingFace
// tokenizer.json.
func LoadVocab(path string) (*Vocab, error) {
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return loadTokenizerJSON(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var tokens []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		tokens = append(tokens, strings.TrimRight(scanner.Text(), "\r"))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return NewVocab(tokens)
}

func loadTokenizerJSON(path string) (*Vocab, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Model struct {
			Vocab map[string]int64 `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVocab, err)
	}
	if len(parsed.Model.Vocab) == 0 {
		return nil, fmt.Errorf("%w: empty model.vocab", ErrInvalidVocab)
	}
	return newVocabFromMap(parsed.Model.Vocab)
}

func (v *Vocab) Size() int { return len(v.ids) }

func (v *Vocab) lookup(tok string) (int64, bool) {
	id, ok := v.ids[tok]
	return id, ok
}

// Tokenize lower-cases text, emits every CJK ideograph as its own token,
// splits punctuation off, and runs greedy longest-match-first WordPiece on
// the remaining words.
func (v *Vocab) Tokenize(text string) []int64 {
	var out []int64
	var word []rune

	flush := func() {
		if len(word) == 0 {
			return
		}
		out = append(out, v.wordPiece(word)...)
		word = word[:0]
	}

	for _, r := range strings.ToLower(text) {
		switch {
		case unicode.IsSpace(r) || unicode.IsControl(r):
			flush()
		case isCJK(r) || unicode.IsPunct(r) || unicode.IsSymbol(r):
			flush()
			if id, ok := v.lookup(string(r)); ok {
				out = append(out, id)
			} else {
				out = append(out, v.unk)
			}
		default:
			word = append(word, r)
		}
	}
	flush()
	return out
}

func (v *Vocab) wordPiece(word []rune) []int64 {
	if len(word) > maxWordChars {
		return []int64{v.unk}
	}

	var pieces []int64
	start := 0
	for start < len(word) {
		end := len(word)
		matched := false
		for end > start {
			sub := string(word[start:end])
			if start > 0 {
				sub = "##" + sub
			}
			if id, ok := v.lookup(sub); ok {
				pieces = append(pieces, id)
				matched = true
				break
			}
			end--
		}
		if !matched {
			return []int64{v.unk}
		}
		start = end
	}
	return pieces
}

// Batch is a padded, row-major batch of encoded sequences.
type Batch struct {
	InputIDs      []int64
	AttentionMask []int64
	TokenTypeIDs  []int64
	Size          int
	SeqLen        int
}

// Encode wraps each text in CLS/SEP and pads or truncates to seqLen.
func (v *Vocab) Encode(texts []string, seqLen int) Batch {
	if seqLen < 2 {
		seqLen = 2
	}
	b := Batch{
		InputIDs:      make([]int64, len(texts)*seqLen),
		AttentionMask: make([]int64, len(texts)*seqLen),
		TokenTypeIDs:  make([]int64, len(texts)*seqLen),
		Size:          len(texts),
		SeqLen:        seqLen,
	}
	for row, text := range texts {
		tokens := v.Tokenize(text)
		if len(tokens) > seqLen-2 {
			tokens = tokens[:seqLen-2]
		}
		ids := b.InputIDs[row*seqLen : (row+1)*seqLen]
		mask := b.AttentionMask[row*seqLen : (row+1)*seqLen]

		ids[0], mask[0] = v.cls, 1
		for i, tok := range tokens {
			ids[i+1], mask[i+1] = tok, 1
		}
		ids[len(tokens)+1], mask[len(tokens)+1] = v.sep, 1
		for i := len(tokens) + 2; i < seqLen; i++ {
			ids[i] = v.pad
		}
	}
	return b
}

func isCJK(r rune) bool {
	switch {
	case r >= 0x4E00 && r <= 0x9FFF,
		r >= 0x3400 && r <= 0x4DBF,
		r >= 0x20000 && r <= 0x2A6DF,
		r >= 0x2A700 && r <= 0x2B73F,
		r >= 0x2B740 && r <= 0x2B81F,
		r >= 0x2B820 && r <= 0x2CEAF,
		r >= 0xF900 && r <= 0xFAFF,
		r >= 0x2F800 && r <= 0x2FA1F:
		return true
	}
	return false
}
