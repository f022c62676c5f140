package fileio

import (
	"sync"

	lru "github.com/hashicorp/golang-lru"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/internal/logging"
)

// chunk is one mapping window.
type chunk struct {
	data    []byte
	refs    int
	evicted bool
	mapped  bool // false when data is an owned buffer
}

// Mapped is a view of file bytes. Release must be called once the view is
// no longer used.
type Mapped struct {
	data   []byte
	chunk  *chunk
	handle *PageBasedFileHandle
}

// Bytes returns the viewed bytes. They must not be modified.
func (m *Mapped) Bytes() []byte {
	if m == nil {
		return nil
	}
	return m.data
}

// Size returns the view length.
func (m *Mapped) Size() int {
	return len(m.data)
}

// Release drops the view's reference on its mapping window.
func (m *Mapped) Release() {
	if m == nil || m.chunk == nil {
		return
	}
	m.handle.release(m.chunk)
	m.chunk = nil
	m.data = nil
}

// PageBasedFileHandle is a FileHandle whose reads are served from cached,
// aligned memory mappings.
type PageBasedFileHandle struct {
	*FileHandle
	cfg   Config
	mu    sync.Mutex
	cache *lru.Cache
}

// Open opens path for mapped reads.
func Open(path string, cfg Config) (*PageBasedFileHandle, error) {
	cfg = cfg.normalized()
	fh, err := OpenFile(path, cfg.NoLock)
	if err != nil {
		return nil, err
	}

	h := &PageBasedFileHandle{FileHandle: fh, cfg: cfg}
	cache, err := lru.NewWithEvict(cfg.CacheChunks, h.onEvicted)
	if err != nil {
		fh.Close()
		return nil, errors.New(errors.CodeMisuse, err.Error())
	}
	h.cache = cache
	return h, nil
}

// ChunkSize returns the mapping window size in use.
func (h *PageBasedFileHandle) ChunkSize() int {
	return h.cfg.ChunkSize
}

// Map returns a view of size bytes at offset. Ranges inside one window
// share the cached mapping; a range straddling two windows is read into an
// owned buffer.
func (h *PageBasedFileHandle) Map(offset int64, size int) (*Mapped, error) {
	if size <= 0 || offset < 0 {
		return nil, errors.Newf(errors.CodeMisuse, "invalid range %d+%d", offset, size)
	}
	if offset+int64(size) > h.Size() {
		return nil, errors.Newf(errors.CodeCorrupt, "range %d+%d beyond file size %d",
			offset, size, h.Size()).WithPath(h.Path())
	}

	chunkSize := int64(h.cfg.ChunkSize)
	index := offset / chunkSize
	if (offset+int64(size)-1)/chunkSize != index {
		buf := make([]byte, size)
		if err := h.ReadAt(buf, offset); err != nil {
			return nil, err
		}
		return &Mapped{data: buf}, nil
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	c, err := h.acquireChunk(index)
	if err != nil {
		return nil, err
	}
	c.refs++
	start := offset - index*chunkSize
	return &Mapped{
		data:   c.data[start : start+int64(size)],
		chunk:  c,
		handle: h,
	}, nil
}

// Read returns a copy of size bytes at offset.
func (h *PageBasedFileHandle) Read(offset int64, size int) ([]byte, error) {
	m, err := h.Map(offset, size)
	if err != nil {
		return nil, err
	}
	defer m.Release()
	out := make([]byte, size)
	copy(out, m.Bytes())
	return out, nil
}

func (h *PageBasedFileHandle) acquireChunk(index int64) (*chunk, error) {
	if v, ok := h.cache.Get(index); ok {
		return v.(*chunk), nil
	}

	chunkSize := int64(h.cfg.ChunkSize)
	offset := index * chunkSize
	length := chunkSize
	if offset+length > h.Size() {
		length = h.Size() - offset
	}

	data, mapped, err := mapChunk(h.file, offset, int(length))
	if err != nil {
		// Treat a failed mapping as memory pressure: drop every cached
		// window and try once more.
		logging.Warn("mmap_retry", "path", h.Path(), "offset", offset, "error", err.Error())
		h.cache.Purge()
		data, mapped, err = mapChunk(h.file, offset, int(length))
		if err != nil {
			return nil, errors.NewIO("mmap", h.Path(), err)
		}
	}

	c := &chunk{data: data, mapped: mapped}
	h.cache.Add(index, c)
	return c, nil
}

func (h *PageBasedFileHandle) onEvicted(_ interface{}, value interface{}) {
	c := value.(*chunk)
	c.evicted = true
	if c.refs == 0 {
		h.unmap(c)
	}
}

func (h *PageBasedFileHandle) release(c *chunk) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c.refs--
	if c.refs == 0 && c.evicted {
		h.unmap(c)
	}
}

func (h *PageBasedFileHandle) unmap(c *chunk) {
	if c.data == nil {
		return
	}
	if c.mapped {
		if err := unmapChunk(c.data); err != nil {
			logging.Warn("munmap_failed", "path", h.Path(), "error", err.Error())
		}
	}
	c.data = nil
}

// CachedChunks returns the number of mapping windows currently cached.
func (h *PageBasedFileHandle) CachedChunks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cache.Len()
}

// Purge drops every cached window. Windows with live views are unmapped on
// their last release.
func (h *PageBasedFileHandle) Purge() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cache.Purge()
}

// Close purges the cache and closes the file.
func (h *PageBasedFileHandle) Close() error {
	h.Purge()
	return h.FileHandle.Close()
}
