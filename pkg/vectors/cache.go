package vectors

import (
	"errors"
	"hash/fnv"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/dotsetgreg/tiermem/pkg/logger"
)

// Space separates the two key domains held by a SemanticCache.
type Space int

const (
	// DefinitionSpace holds vectors for fixed descriptive phrases.
	DefinitionSpace Space = iota
	// TextSpace holds vectors for recurring free-form context text.
	TextSpace
)

func (s Space) String() string {
	if s == DefinitionSpace {
		return "definition"
	}
	return "text"
}

// KeyForText derives the TextSpace key for s.
func KeyForText(s string) int32 {
	return hashKey(strings.TrimSpace(s))
}

// KeyForDefinition derives the DefinitionSpace key for a definition name.
func KeyForDefinition(name string) int32 {
	return hashKey(strings.ToLower(strings.TrimSpace(name)))
}

func hashKey(s string) int32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return int32(h.Sum32())
}

// SemanticCache memoizes tag and context vectors. Everything in it can be
// discarded and recomputed.
type SemanticCache struct {
	mu          sync.RWMutex
	definitions map[int32][]float32
	texts       map[int32][]float32
}

func NewSemanticCache() *SemanticCache {
	return &SemanticCache{
		definitions: make(map[int32][]float32),
		texts:       make(map[int32][]float32),
	}
}

func (c *SemanticCache) space(s Space) map[int32][]float32 {
	if s == DefinitionSpace {
		return c.definitions
	}
	return c.texts
}

func (c *SemanticCache) Get(s Space, key int32) ([]float32, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	vec, ok := c.space(s)[key]
	return vec, ok
}

func (c *SemanticCache) Has(s Space, key int32) bool {
	_, ok := c.Get(s, key)
	return ok
}

// Set stores vec unless the key already has a vector.
func (c *SemanticCache) Set(s Space, key int32, vec []float32) bool {
	if len(vec) == 0 {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	m := c.space(s)
	if _, ok := m[key]; ok {
		return false
	}
	m[key] = cloneVector(vec)
	return true
}

func (c *SemanticCache) Len(s Space) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.space(s))
}

// Invalidate drops every cached vector in both spaces.
func (c *SemanticCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.definitions = make(map[int32][]float32)
	c.texts = make(map[int32][]float32)
}

func (c *SemanticCache) Save(path string) error {
	c.mu.RLock()
	defs := snapshotSpace(c.definitions)
	texts := snapshotSpace(c.texts)
	c.mu.RUnlock()

	return writeFileAtomic(path, func(w io.Writer) error {
		if err := writeInt32(w, FormatVersion); err != nil {
			return err
		}
		if err := writeSpace(w, defs); err != nil {
			return err
		}
		return writeSpace(w, texts)
	})
}

// Load replaces the cache with the file contents. Missing, mismatched or
// damaged files leave the cache empty.
func (c *SemanticCache) Load(path string) error {
	defs, texts, err := readCacheFile(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		defs, texts = nil, nil
	case errors.Is(err, ErrVersionMismatch), errors.Is(err, ErrCorrupt),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		logger.WarnCF("vectors", "Discarding semantic cache file", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
		defs, texts = nil, nil
	default:
		return err
	}

	if defs == nil {
		defs = make(map[int32][]float32)
	}
	if texts == nil {
		texts = make(map[int32][]float32)
	}
	c.mu.Lock()
	c.definitions = defs
	c.texts = texts
	c.mu.Unlock()
	return nil
}

type keyedVector struct {
	key int32
	vec []float32
}

func snapshotSpace(m map[int32][]float32) []keyedVector {
	out := make([]keyedVector, 0, len(m))
	for k, v := range m {
		out = append(out, keyedVector{key: k, vec: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

func writeSpace(w io.Writer, entries []keyedVector) error {
	if err := writeInt32(w, int32(len(entries))); err != nil {
		return err
	}
	for _, e := range entries {
		if err := writeInt32(w, e.key); err != nil {
			return err
		}
		if err := writeVector(w, e.vec); err != nil {
			return err
		}
	}
	return nil
}

func readSpace(r io.Reader) (map[int32][]float32, error) {
	count, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, ErrCorrupt
	}
	out := make(map[int32][]float32, countHint(count))
	for i := int32(0); i < count; i++ {
		key, err := readInt32(r)
		if err != nil {
			return nil, err
		}
		vec, err := readVector(r)
		if err != nil {
			return nil, err
		}
		out[key] = vec
	}
	return out, nil
}

func readCacheFile(path string) (map[int32][]float32, map[int32][]float32, error) {
	f, r, err := openForRead(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	if err := readHeader(r); err != nil {
		return nil, nil, err
	}
	defs, err := readSpace(r)
	if err != nil {
		return nil, nil, err
	}
	texts, err := readSpace(r)
	if err != nil {
		return nil, nil, err
	}
	return defs, texts, nil
}
