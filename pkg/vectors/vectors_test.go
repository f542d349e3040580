package vectors

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_SetDoesNotOverwrite(t *testing.T) {
	s := NewStore()
	id := uuid.New()

	require.True(t, s.Set(id, []float32{1, 0}))
	assert.False(t, s.Set(id, []float32{0, 1}))

	got, ok := s.Get(id)
	require.True(t, ok)
	assert.Equal(t, []float32{1, 0}, got)
}

func TestStore_RejectsEmptyInput(t *testing.T) {
	s := NewStore()
	assert.False(t, s.Set(uuid.Nil, []float32{1}))
	assert.False(t, s.Set(uuid.New(), nil))
	assert.Equal(t, 0, s.Len())
}

func TestStore_SaveLoadKeepsOnlyReachable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.vec")
	s := NewStore()
	kept := uuid.New()
	orphan := uuid.New()
	s.Put(kept, []float32{0.25, -0.5, 1})
	s.Put(orphan, []float32{9, 9, 9})

	n, err := s.Save(path, func(id uuid.UUID) bool { return id == kept })
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	loaded := NewStore()
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, 1, loaded.Len())
	vec, ok := loaded.Get(kept)
	require.True(t, ok)
	assert.Equal(t, []float32{0.25, -0.5, 1}, vec)
	assert.False(t, loaded.Has(orphan))
}

func TestStore_FileLayout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.vec")
	s := NewStore()
	id := uuid.MustParse("00112233-4455-6677-8899-aabbccddeeff")
	s.Put(id, []float32{1, 2})
	_, err := s.Save(path, nil)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Len(t, raw, 4+4+16+4+8)
	assert.Equal(t, uint32(FormatVersion), binary.LittleEndian.Uint32(raw[0:]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(raw[4:]))
	assert.Equal(t, id[:], raw[8:24])
	assert.Equal(t, uint32(2), binary.LittleEndian.Uint32(raw[24:]))
}

func TestStore_LoadVersionMismatchDiscards(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.vec")
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint32(buf[0:], uint32(FormatVersion+1))
	require.NoError(t, os.WriteFile(path, buf, 0o644))

	s := NewStore()
	s.Put(uuid.New(), []float32{1})
	require.NoError(t, s.Load(path))
	assert.Equal(t, 0, s.Len())
}

func TestStore_LoadTruncatedDiscards(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.vec")
	s := NewStore()
	s.Put(uuid.New(), []float32{1, 2, 3})
	_, err := s.Save(path, nil)
	require.NoError(t, err)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw[:len(raw)-3], 0o644))

	loaded := NewStore()
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, 0, loaded.Len())
}

func TestStore_LoadHugeCountDoesNotPreallocate(t *testing.T) {
	dir := t.TempDir()
	header := make([]byte, 8)
	binary.LittleEndian.PutUint32(header[0:], uint32(FormatVersion))
	binary.LittleEndian.PutUint32(header[4:], uint32(math.MaxInt32))
	storePath := filepath.Join(dir, "memory.vec")
	require.NoError(t, os.WriteFile(storePath, header, 0o644))

	cacheHeader := append(append([]byte(nil), header...), 0, 0, 0, 0)
	cachePath := filepath.Join(dir, "semantic.cache")
	require.NoError(t, os.WriteFile(cachePath, cacheHeader, 0o644))

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)

	s := NewStore()
	require.NoError(t, s.Load(storePath))
	assert.Equal(t, 0, s.Len())

	c := NewSemanticCache()
	require.NoError(t, c.Load(cachePath))
	assert.Equal(t, 0, c.Len(DefinitionSpace))

	runtime.ReadMemStats(&after)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(64<<20))
}

func TestStore_LoadMissingIsEmpty(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Load(filepath.Join(t.TempDir(), "absent.vec")))
	assert.Equal(t, 0, s.Len())
}

func TestSemanticCache_SpacesAreIndependent(t *testing.T) {
	c := NewSemanticCache()
	key := KeyForText("rainy evening")

	require.True(t, c.Set(TextSpace, key, []float32{1}))
	assert.False(t, c.Has(DefinitionSpace, key))
	assert.False(t, c.Set(TextSpace, key, []float32{2}))
	assert.Equal(t, 1, c.Len(TextSpace))
	assert.Equal(t, 0, c.Len(DefinitionSpace))
}

func TestSemanticCache_SaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "semantic.vec")
	c := NewSemanticCache()
	c.Set(DefinitionSpace, KeyForDefinition("Brave"), []float32{0.1, 0.2})
	c.Set(TextSpace, KeyForText("in the kitchen"), []float32{0.3})
	c.Set(TextSpace, KeyForText("at night"), []float32{0.4})
	require.NoError(t, c.Save(path))

	loaded := NewSemanticCache()
	require.NoError(t, loaded.Load(path))
	assert.Equal(t, 1, loaded.Len(DefinitionSpace))
	assert.Equal(t, 2, loaded.Len(TextSpace))
	vec, ok := loaded.Get(DefinitionSpace, KeyForDefinition(" brave "))
	require.True(t, ok)
	assert.Equal(t, []float32{0.1, 0.2}, vec)
}

func TestSemanticCache_Invalidate(t *testing.T) {
	c := NewSemanticCache()
	c.Set(TextSpace, 1, []float32{1})
	c.Set(DefinitionSpace, 1, []float32{1})
	c.Invalidate()
	assert.Equal(t, 0, c.Len(TextSpace)+c.Len(DefinitionSpace))
}

func TestKeyForText_Stable(t *testing.T) {
	assert.Equal(t, KeyForText("hello"), KeyForText(" hello "))
	assert.NotEqual(t, KeyForText("hello"), KeyForText("world"))
}
