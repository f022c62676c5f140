package wal

import (
	"encoding/binary"
	"os"
	"strings"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/core/repair/fileio"
	"github.com/FocuswithJustin/repairkit/core/repair/format"
	"github.com/FocuswithJustin/repairkit/internal/logging"
)

// Header is the 32-byte WAL file header.
type Header struct {
	Magic      uint32
	Version    uint32
	PageSize   uint32
	Checkpoint uint32
	Salt       [2]uint32
	Checksum   [2]uint32
}

// Config configures a Wal.
type Config struct {
	// MaxAllowedFrame caps the frames considered; 0 means no cap.
	MaxAllowedFrame uint32

	// IgnoreShm skips the wal-index even when it is present and valid.
	IgnoreShm bool

	File fileio.Config
}

type frame struct {
	pgno   uint32
	commit uint32 // Database size after commit, 0 for non-commit frames
}

// Wal is a parsed write-ahead log.
type Wal struct {
	path string
	cfg  Config

	file        *fileio.PageBasedFileHandle
	header      Header
	shm         *Shm
	frames      []frame // Frames that passed salt and checksum checks
	initialized bool

	maxAllowed uint32
	pages      map[uint32]uint32 // page number -> authoritative frame
	frameCount uint32
	pageCount  uint32
}

// New creates a Wal for the log at path. Nothing is read until Initialize.
func New(path string, cfg Config) *Wal {
	return &Wal{path: path, cfg: cfg, maxAllowed: cfg.MaxAllowedFrame}
}

// Exists reports whether a non-empty WAL is present at path.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() >= format.WalHeaderSize
}

// Path returns the WAL file path.
func (w *Wal) Path() string {
	return w.path
}

// Initialize reads the header and walks the frames. It is idempotent.
func (w *Wal) Initialize() error {
	if w.initialized {
		return nil
	}

	file, err := fileio.Open(w.path, w.cfg.File)
	if err != nil {
		return err
	}
	if err := w.readHeader(file); err != nil {
		file.Close()
		return err
	}
	w.file = file

	if !w.cfg.IgnoreShm {
		w.loadShm()
	}
	if err := w.readFrames(); err != nil {
		w.Close()
		return err
	}
	w.initialized = true
	w.rebuild()
	return nil
}

func (w *Wal) readHeader(file *fileio.PageBasedFileHandle) error {
	if file.Size() < format.WalHeaderSize {
		return errors.New(errors.CodeCorrupt, "wal header truncated").WithPath(w.path)
	}
	buf, err := file.Read(0, format.WalHeaderSize)
	if err != nil {
		return err
	}

	be := binary.BigEndian
	h := Header{
		Magic:      be.Uint32(buf[format.WalOffsetMagic:]),
		Version:    be.Uint32(buf[format.WalOffsetVersion:]),
		PageSize:   be.Uint32(buf[format.WalOffsetPageSize:]),
		Checkpoint: be.Uint32(buf[format.WalOffsetCheckpoint:]),
	}
	h.Salt[0] = be.Uint32(buf[format.WalOffsetSalt1:])
	h.Salt[1] = be.Uint32(buf[format.WalOffsetSalt2:])
	h.Checksum[0] = be.Uint32(buf[format.WalOffsetChecksum1:])
	h.Checksum[1] = be.Uint32(buf[format.WalOffsetChecksum2:])

	if h.Magic != format.WalMagicLittleEndian && h.Magic != format.WalMagicBigEndian {
		return errors.Newf(errors.CodeCorrupt, "bad wal magic %#x", h.Magic).WithPath(w.path)
	}
	if h.Version != format.WalFormatVersion {
		return errors.Newf(errors.CodeCorrupt, "unsupported wal version %d", h.Version).WithPath(w.path)
	}
	if !format.IsValidPageSize(int(h.PageSize)) {
		return errors.Newf(errors.CodeCorrupt, "bad wal page size %d", h.PageSize).WithPath(w.path)
	}
	c0, c1 := Checksum(byteOrder(h.Magic), buf[:format.WalOffsetChecksum1], 0, 0)
	if c0 != h.Checksum[0] || c1 != h.Checksum[1] {
		return errors.New(errors.CodeCorrupt, "wal header checksum mismatch").WithPath(w.path)
	}
	w.header = h
	return nil
}

func (w *Wal) loadShm() {
	if !strings.HasSuffix(w.path, "-wal") {
		return
	}
	shmPath := strings.TrimSuffix(w.path, "-wal") + "-shm"
	if _, err := os.Stat(shmPath); err != nil {
		return
	}
	shm, err := ReadShm(shmPath)
	if err != nil {
		logging.Debug("shm_ignored", "path", shmPath, "error", err.Error())
		return
	}
	if shm.Salt != w.header.Salt {
		logging.Debug("shm_ignored", "path", shmPath, "reason", "salt mismatch")
		return
	}
	w.shm = shm
}

func (w *Wal) readFrames() error {
	pageSize := w.header.PageSize
	frameSize := int64(format.WalFrameHeaderSize) + int64(pageSize)
	order := byteOrder(w.header.Magic)
	s0, s1 := w.header.Checksum[0], w.header.Checksum[1]

	// Frames past the wal-index mxFrame were never made visible to readers.
	limit := uint32(0)
	if w.shm != nil {
		limit = w.shm.MaxFrame
	}

	w.frames = w.frames[:0]
	for n := uint32(1); ; n++ {
		if limit != 0 && n > limit {
			break
		}
		offset := format.FrameOffset(n, pageSize)
		if offset+frameSize > w.file.Size() {
			break
		}
		m, err := w.file.Map(offset, int(frameSize))
		if err != nil {
			if errors.IsCorruption(err) {
				break
			}
			return err
		}
		data := m.Bytes()

		be := binary.BigEndian
		pgno := be.Uint32(data[format.WalFrameOffsetPgno:])
		commit := be.Uint32(data[format.WalFrameOffsetCommit:])
		salt1 := be.Uint32(data[format.WalFrameOffsetSalt1:])
		salt2 := be.Uint32(data[format.WalFrameOffsetSalt2:])
		if pgno == 0 || salt1 != w.header.Salt[0] || salt2 != w.header.Salt[1] {
			m.Release()
			break
		}
		s0, s1 = Checksum(order, data[:format.WalFrameChecksumBytes], s0, s1)
		s0, s1 = Checksum(order, data[format.WalFrameHeaderSize:], s0, s1)
		ok := s0 == be.Uint32(data[format.WalFrameOffsetCksum1:]) &&
			s1 == be.Uint32(data[format.WalFrameOffsetCksum2:])
		m.Release()
		if !ok {
			logging.Debug("wal_checksum_mismatch", "path", w.path, "frame", n)
			break
		}
		w.frames = append(w.frames, frame{pgno: pgno, commit: commit})
	}
	return nil
}

// rebuild recomputes the page map from the valid frames under the current
// cap: only frames up to the last commit at or below the cap count.
func (w *Wal) rebuild() {
	w.pages = make(map[uint32]uint32)
	w.frameCount = 0
	w.pageCount = 0

	pending := make(map[uint32]uint32)
	for i, f := range w.frames {
		n := uint32(i + 1)
		if w.maxAllowed != 0 && n > w.maxAllowed {
			break
		}
		pending[f.pgno] = n
		if f.commit != 0 {
			for pgno, frame := range pending {
				w.pages[pgno] = frame
			}
			clear(pending)
			w.frameCount = n
			w.pageCount = f.commit
		}
	}
	// A commit may shrink the database; frames for truncated pages are void.
	for pgno := range w.pages {
		if pgno > w.pageCount {
			delete(w.pages, pgno)
		}
	}
}

// SetMaxAllowedFrame caps the frames considered; 0 removes the cap.
func (w *Wal) SetMaxAllowedFrame(n uint32) {
	w.maxAllowed = n
	if w.initialized {
		w.rebuild()
	}
}

// Dispose permanently drops every frame after threshold.
func (w *Wal) Dispose(threshold uint32) {
	if int(threshold) < len(w.frames) {
		w.frames = w.frames[:threshold]
	}
	if w.initialized {
		w.rebuild()
	}
}

// Header returns the WAL header.
func (w *Wal) Header() Header {
	return w.header
}

// PageSize returns the page size recorded in the WAL header.
func (w *Wal) PageSize() uint32 {
	return w.header.PageSize
}

// Salt returns the WAL salts.
func (w *Wal) Salt() [2]uint32 {
	return w.header.Salt
}

// FrameCount returns the number of authoritative frames.
func (w *Wal) FrameCount() uint32 {
	return w.frameCount
}

// ValidFrameCount returns the number of frames that passed validation,
// committed or not.
func (w *Wal) ValidFrameCount() uint32 {
	return uint32(len(w.frames))
}

// PageCount returns the database size after the last authoritative commit,
// or 0 when no frame committed.
func (w *Wal) PageCount() uint32 {
	return w.pageCount
}

// Backfill returns the number of frames already copied into the database,
// as recorded by the wal-index, or 0 when it is unavailable.
func (w *Wal) Backfill() uint32 {
	if w.shm == nil {
		return 0
	}
	return w.shm.Backfill
}

// Shm returns the wal-index header in use, or nil.
func (w *Wal) Shm() *Shm {
	return w.shm
}

// Contains reports whether pgno has an authoritative frame.
func (w *Wal) Contains(pgno uint32) bool {
	_, ok := w.pages[pgno]
	return ok
}

// FrameOf returns the authoritative frame for pgno, or 0.
func (w *Wal) FrameOf(pgno uint32) uint32 {
	return w.pages[pgno]
}

// AcquirePageData returns the page image of the authoritative frame for
// pgno. The caller releases the returned view.
func (w *Wal) AcquirePageData(pgno uint32) (*fileio.Mapped, error) {
	n, ok := w.pages[pgno]
	if !ok {
		return nil, errors.Newf(errors.CodeNotFound, "page %d not in wal", pgno).WithPath(w.path)
	}
	offset := format.FrameOffset(n, w.header.PageSize) + format.WalFrameHeaderSize
	m, err := w.file.Map(offset, int(w.header.PageSize))
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Close closes the WAL file.
func (w *Wal) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.initialized = false
	return err
}
