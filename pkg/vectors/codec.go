package vectors

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
)

// FormatVersion tags both persistence files. Bump it whenever the embedding
// model or layout changes; files with any other version are discarded.
const FormatVersion int32 = 3

// maxVectorLen guards against allocating garbage lengths from a corrupt file.
const maxVectorLen = 1 << 16

// maxCountHint caps map preallocation; the header count is not trusted until
// the entries have actually been read.
const maxCountHint = 1 << 12

func countHint(count int32) int {
	return min(int(count), maxCountHint)
}

var byteOrder = binary.LittleEndian

func writeInt32(w io.Writer, v int32) error {
	return binary.Write(w, byteOrder, v)
}

func readInt32(r io.Reader) (int32, error) {
	var v int32
	err := binary.Read(r, byteOrder, &v)
	return v, err
}

func writeVector(w io.Writer, vec []float32) error {
	if err := writeInt32(w, int32(len(vec))); err != nil {
		return err
	}
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		byteOrder.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	_, err := w.Write(buf)
	return err
}

func readVector(r io.Reader) ([]float32, error) {
	n, err := readInt32(r)
	if err != nil {
		return nil, err
	}
	if n < 0 || n > maxVectorLen {
		return nil, fmt.Errorf("%w: vector length %d", ErrCorrupt, n)
	}
	buf := make([]byte, 4*int(n))
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	vec := make([]float32, n)
	for i := range vec {
		vec[i] = math.Float32frombits(byteOrder.Uint32(buf[i*4:]))
	}
	return vec, nil
}

// writeFileAtomic writes through a temp file in the same directory and
// renames it over path.
func writeFileAtomic(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		tmp.Close()
		return err
	}
	if err := bw.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}

func openForRead(path string) (*os.File, *bufio.Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, bufio.NewReader(f), nil
}

func readHeader(r io.Reader) error {
	version, err := readInt32(r)
	if err != nil {
		return err
	}
	if version != FormatVersion {
		return fmt.Errorf("%w: got %d, want %d", ErrVersionMismatch, version, FormatVersion)
	}
	return nil
}

func cloneVector(vec []float32) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	return out
}
