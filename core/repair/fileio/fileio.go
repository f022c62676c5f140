// Package fileio provides positional, read-only access to database files.
//
// PageBasedFileHandle maps a file in aligned chunks and hands out views of
// the mapped bytes. Chunks live in an LRU cache; a chunk evicted while views
// of it are still in use is unmapped when the last view is released.
package fileio

import (
	"io"
	"os"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/internal/logging"
)

// Default values
const (
	// DefaultChunkSize is the size of one mapping window.
	DefaultChunkSize = 1 << 20

	// MinChunkSize keeps every database page inside a single window when
	// the window is aligned to a multiple of the page size.
	MinChunkSize = 64 << 10

	// DefaultCacheChunks is the number of mapping windows kept alive.
	DefaultCacheChunks = 64
)

// Config controls how a file is mapped.
type Config struct {
	ChunkSize   int  // Bytes per mapping window, rounded up to the OS page size
	CacheChunks int  // Windows kept in the LRU
	NoLock      bool // Skip the shared advisory lock
}

// DefaultConfig returns the default mapping configuration.
func DefaultConfig() Config {
	return Config{
		ChunkSize:   DefaultChunkSize,
		CacheChunks: DefaultCacheChunks,
	}
}

func (c Config) normalized() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.ChunkSize < MinChunkSize {
		c.ChunkSize = MinChunkSize
	}
	page := osPageSize()
	if rem := c.ChunkSize % page; rem != 0 {
		c.ChunkSize += page - rem
	}
	if c.CacheChunks <= 0 {
		c.CacheChunks = DefaultCacheChunks
	}
	return c
}

// FileHandle is a read-only file with positional reads.
type FileHandle struct {
	path   string
	file   *os.File
	size   int64
	locked bool
}

// OpenFile opens path read-only. Unless noLock is set, a shared advisory
// lock is taken; failing to get it is logged and ignored, since a crashed
// writer must not prevent salvage.
func OpenFile(path string, noLock bool) (*FileHandle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.NewIO("open", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.NewIO("stat", path, err)
	}

	h := &FileHandle{path: path, file: f, size: info.Size()}
	if !noLock {
		if err := lockShared(f); err != nil {
			logging.Warn("file_lock_unavailable", "path", path, "error", err.Error())
		} else {
			h.locked = true
		}
	}
	return h, nil
}

// Path returns the file path.
func (h *FileHandle) Path() string {
	return h.path
}

// Size returns the file size captured when the file was opened.
func (h *FileHandle) Size() int64 {
	return h.size
}

// ReadAt reads len(p) bytes at off. Reading past the end of the file is
// reported as corruption: the file is shorter than its metadata claims.
func (h *FileHandle) ReadAt(p []byte, off int64) error {
	if off < 0 || off+int64(len(p)) > h.size {
		return errors.Newf(errors.CodeCorrupt, "read of %d bytes at %d beyond file size %d",
			len(p), off, h.size).WithPath(h.path)
	}
	n, err := h.file.ReadAt(p, off)
	if err != nil && !(err == io.EOF && n == len(p)) {
		return errors.NewIO("read", h.path, err)
	}
	return nil
}

// Close releases the lock and closes the file.
func (h *FileHandle) Close() error {
	if h.file == nil {
		return nil
	}
	if h.locked {
		_ = unlock(h.file)
		h.locked = false
	}
	err := h.file.Close()
	h.file = nil
	if err != nil {
		return errors.NewIO("close", h.path, err)
	}
	return nil
}
