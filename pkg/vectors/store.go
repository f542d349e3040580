package vectors

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/dotsetgreg/tiermem/pkg/logger"
)

// Store maps memory record ids to their embedding vectors. Stored slices are
// owned by the store; callers must not modify vectors returned by Get.
type Store struct {
	mu      sync.RWMutex
	vectors map[uuid.UUID][]float32
}

func NewStore() *Store {
	return &Store{vectors: make(map[uuid.UUID][]float32)}
}

func (s *Store) Get(id uuid.UUID) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vec, ok := s.vectors[id]
	return vec, ok
}

func (s *Store) Has(id uuid.UUID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.vectors[id]
	return ok
}

// Set stores vec under id unless a vector already exists. It reports whether
// the value was written.
func (s *Store) Set(id uuid.UUID, vec []float32) bool {
	if id == uuid.Nil || len(vec) == 0 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vectors[id]; ok {
		return false
	}
	s.vectors[id] = cloneVector(vec)
	return true
}

// Put stores vec under id, replacing any existing vector.
func (s *Store) Put(id uuid.UUID, vec []float32) {
	if id == uuid.Nil || len(vec) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors[id] = cloneVector(vec)
}

func (s *Store) Delete(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.vectors[id]; !ok {
		return false
	}
	delete(s.vectors, id)
	return true
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.vectors)
}

func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vectors = make(map[uuid.UUID][]float32)
}

// Save writes every vector whose id is reachable. A nil reachable keeps all.
func (s *Store) Save(path string, reachable func(uuid.UUID) bool) (int, error) {
	s.mu.RLock()
	ids := make([]uuid.UUID, 0, len(s.vectors))
	for id := range s.vectors {
		if reachable == nil || reachable(id) {
			ids = append(ids, id)
		}
	}
	snapshot := make(map[uuid.UUID][]float32, len(ids))
	for _, id := range ids {
		snapshot[id] = s.vectors[id]
	}
	total := len(s.vectors)
	s.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})

	err := writeFileAtomic(path, func(w io.Writer) error {
		if err := writeInt32(w, FormatVersion); err != nil {
			return err
		}
		if err := writeInt32(w, int32(len(ids))); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := w.Write(id[:]); err != nil {
				return err
			}
			if err := writeVector(w, snapshot[id]); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if dropped := total - len(ids); dropped > 0 {
		logger.DebugCF("vectors", "Dropped unreachable vectors on save", map[string]interface{}{
			"dropped": dropped,
			"kept":    len(ids),
		})
	}
	return len(ids), nil
}

// Load replaces the store contents with the file at path. A missing file,
// a version mismatch or a damaged file leaves the store empty so vectors are
// rebuilt on demand; only I/O errors other than absence are returned.
func (s *Store) Load(path string) error {
	loaded, err := ReadStoreFile(path)
	switch {
	case err == nil:
	case errors.Is(err, os.ErrNotExist):
		loaded = nil
	case errors.Is(err, ErrVersionMismatch), errors.Is(err, ErrCorrupt),
		errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		logger.WarnCF("vectors", "Discarding vector file", map[string]interface{}{
			"path":  path,
			"error": err.Error(),
		})
		loaded = nil
	default:
		return err
	}

	if loaded == nil {
		loaded = make(map[uuid.UUID][]float32)
	}
	s.mu.Lock()
	s.vectors = loaded
	s.mu.Unlock()
	return nil
}

// ReadStoreFile decodes a memory-vector file without touching any Store.
func ReadStoreFile(path string) (map[uuid.UUID][]float32, error) {
	f, r, err := openForRead(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := readHeader(r); err != nil {
		return nil, err
	}
	count, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	if count < 0 {
		return nil, ErrCorrupt
	}

	out := make(map[uuid.UUID][]float32, countHint(count))
	for i := int32(0); i < count; i++ {
		var id uuid.UUID
		if _, err := io.ReadFull(r, id[:]); err != nil {
			return nil, err
		}
		vec, err := readVector(r)
		if err != nil {
			return nil, err
		}
		out[id] = vec
	}
	return out, nil
}
