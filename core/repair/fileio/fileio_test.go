package fileio

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/FocuswithJustin/repairkit/core/errors"
)

func writePattern(t *testing.T, size int) (string, []byte) {
	t.Helper()
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i*7 + i/251)
	}
	path := filepath.Join(t.TempDir(), "data.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path, data
}

func TestOpenMissingFile(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing"), DefaultConfig())
	if err == nil {
		t.Fatal("Open() should fail for a missing file")
	}
	if errors.CodeOf(err) != errors.CodeCantOpen {
		t.Errorf("CodeOf() = %v, want %v", errors.CodeOf(err), errors.CodeCantOpen)
	}
}

func TestMapWithinChunk(t *testing.T) {
	path, data := writePattern(t, 3*MinChunkSize)
	h, err := Open(path, Config{ChunkSize: MinChunkSize, CacheChunks: 4})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	if h.Size() != int64(len(data)) {
		t.Errorf("Size() = %d, want %d", h.Size(), len(data))
	}

	m, err := h.Map(4096, 4096)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if !bytes.Equal(m.Bytes(), data[4096:8192]) {
		t.Error("Map() returned wrong bytes")
	}
	m.Release()

	if h.CachedChunks() != 1 {
		t.Errorf("CachedChunks() = %d, want 1", h.CachedChunks())
	}
}

func TestMapStraddlingChunks(t *testing.T) {
	path, data := writePattern(t, 3*MinChunkSize)
	h, err := Open(path, Config{ChunkSize: MinChunkSize, CacheChunks: 4})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	off := int64(h.ChunkSize() - 100)
	m, err := h.Map(off, 200)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	defer m.Release()
	if !bytes.Equal(m.Bytes(), data[off:off+200]) {
		t.Error("Map() across chunks returned wrong bytes")
	}
}

func TestMapBeyondEOF(t *testing.T) {
	path, _ := writePattern(t, 8192)
	h, err := Open(path, DefaultConfig())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	_, err = h.Map(4096, 8192)
	if !errors.IsCorruption(err) {
		t.Errorf("Map() beyond EOF error = %v, want corruption", err)
	}
	if err := h.ReadAt(make([]byte, 10), 8190); !errors.IsCorruption(err) {
		t.Errorf("ReadAt() beyond EOF error = %v, want corruption", err)
	}
}

func TestEvictedChunkSurvivesUntilRelease(t *testing.T) {
	path, data := writePattern(t, 4*MinChunkSize)
	h, err := Open(path, Config{ChunkSize: MinChunkSize, CacheChunks: 1})
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	first, err := h.Map(0, 1024)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}

	// Mapping a second window evicts the first while it is still viewed.
	chunk := int64(h.ChunkSize())
	second, err := h.Map(chunk, 1024)
	if err != nil {
		t.Fatalf("Map() error = %v", err)
	}
	if h.CachedChunks() != 1 {
		t.Errorf("CachedChunks() = %d, want 1", h.CachedChunks())
	}

	if !bytes.Equal(first.Bytes(), data[:1024]) {
		t.Error("evicted view no longer readable")
	}
	if !bytes.Equal(second.Bytes(), data[chunk:chunk+1024]) {
		t.Error("second view returned wrong bytes")
	}
	first.Release()
	second.Release()

	if first.Bytes() != nil {
		t.Error("released view should be empty")
	}
}

func TestPurgeAndRead(t *testing.T) {
	path, data := writePattern(t, 2*MinChunkSize)
	h, err := Open(path, DefaultConfig())
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer h.Close()

	got, err := h.Read(100, 50)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	h.Purge()
	if h.CachedChunks() != 0 {
		t.Errorf("CachedChunks() after Purge = %d, want 0", h.CachedChunks())
	}
	if !bytes.Equal(got, data[100:150]) {
		t.Error("Read() returned wrong bytes")
	}
}

func TestConfigNormalized(t *testing.T) {
	cfg := Config{ChunkSize: 1000}.normalized()
	if cfg.ChunkSize < MinChunkSize {
		t.Errorf("ChunkSize = %d, want >= %d", cfg.ChunkSize, MinChunkSize)
	}
	if cfg.ChunkSize%osPageSize() != 0 {
		t.Errorf("ChunkSize = %d not a multiple of the OS page size", cfg.ChunkSize)
	}
	if cfg.CacheChunks != DefaultCacheChunks {
		t.Errorf("CacheChunks = %d, want %d", cfg.CacheChunks, DefaultCacheChunks)
	}
}
