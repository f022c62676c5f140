package pager

import (
	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/core/repair/fileio"
	"github.com/FocuswithJustin/repairkit/core/repair/format"
	"github.com/FocuswithJustin/repairkit/core/repair/wal"
	"github.com/FocuswithJustin/repairkit/internal/logging"
)

// Config configures a Pager.
type Config struct {
	// PageSize is used when the header is unreadable. 0 means unknown.
	PageSize uint32

	// ReservedBytes is used when the header is unreadable.
	ReservedBytes uint32

	// WalImportance serves pages from the WAL when it has them.
	WalImportance bool

	// MaxWalFrame caps the WAL frames used; 0 means all committed frames.
	MaxWalFrame uint32

	File fileio.Config
}

// DefaultConfig returns a configuration that reads the WAL.
func DefaultConfig() Config {
	return Config{
		WalImportance: true,
		File:          fileio.DefaultConfig(),
	}
}

// Data is the image of one page. Release must be called when done.
type Data struct {
	*fileio.Mapped

	// Number is the page number.
	Number uint32

	// FromWal is true when the image came from a WAL frame.
	FromWal bool
}

// Pager serves page images of a database file and its WAL.
type Pager struct {
	// Database path
	path string

	// Configuration
	cfg Config

	// Database file
	file *fileio.PageBasedFileHandle

	// WAL, nil when absent, unusable or disposed
	wal *wal.Wal

	// Parsed header, nil when unreadable
	header *format.Header

	// Page size in bytes
	pageSize uint32

	// Reserved bytes at the end of each page
	reserved uint32

	// Text encoding of the database
	encoding uint32

	// Number of pages
	pageCount uint32

	initialized bool
	initErr     error
}

// New creates a pager for the database at path. Nothing is read until
// Initialize.
func New(path string, cfg Config) *Pager {
	return &Pager{path: path, cfg: cfg}
}

// Path returns the database path.
func (p *Pager) Path() string {
	return p.path
}

// SetPageSize sets the page size used when the header is unreadable. It has
// no effect after Initialize.
func (p *Pager) SetPageSize(n uint32) error {
	if !format.IsValidPageSize(int(n)) {
		return errors.Newf(errors.CodeMisuse, "invalid page size %d", n)
	}
	p.cfg.PageSize = n
	return nil
}

// SetReservedBytes sets the reserved bytes used when the header is
// unreadable. It has no effect after Initialize.
func (p *Pager) SetReservedBytes(n uint32) {
	p.cfg.ReservedBytes = n
}

// Initialize opens the database and its WAL. The result is memoized.
func (p *Pager) Initialize() error {
	if p.initialized {
		return p.initErr
	}
	p.initialized = true
	p.initErr = p.initialize()
	if p.initErr != nil {
		p.Close()
	}
	return p.initErr
}

func (p *Pager) initialize() error {
	file, err := fileio.Open(p.path, p.cfg.File)
	if err != nil {
		return err
	}
	p.file = file

	p.encoding = format.EncodingUTF8
	p.readHeader()

	if p.cfg.WalImportance {
		p.openWal()
	}

	if p.pageSize == 0 {
		if p.wal != nil {
			p.pageSize = p.wal.PageSize()
		} else {
			return errors.New(errors.CodeNotADatabase, "page size unknown").WithPath(p.path)
		}
	}
	if p.wal != nil && p.wal.PageSize() != p.pageSize {
		logging.Warn("wal_page_size_mismatch", "path", p.path,
			"page_size", p.pageSize, "wal_page_size", p.wal.PageSize())
		p.closeWal()
	}

	if p.reserved >= p.pageSize || p.pageSize-p.reserved < format.MinUsableSize {
		logging.Warn("reserved_bytes_ignored", "path", p.path, "reserved", p.reserved)
		p.reserved = 0
	}

	p.pageCount = uint32(p.file.Size() / int64(p.pageSize))
	if p.wal != nil && p.wal.PageCount() > 0 {
		p.pageCount = p.wal.PageCount()
	}
	return nil
}

func (p *Pager) readHeader() {
	p.pageSize = p.cfg.PageSize
	p.reserved = p.cfg.ReservedBytes

	if p.file.Size() < format.HeaderSize {
		return
	}
	buf, err := p.file.Read(0, format.HeaderSize)
	if err != nil {
		logging.Warn("header_unreadable", "path", p.path, "error", err.Error())
		return
	}
	var h format.Header
	if err := h.Parse(buf); err != nil {
		logging.Warn("header_invalid", "path", p.path, "error", err.Error())
		return
	}
	p.header = &h
	p.pageSize = h.PageSize
	p.reserved = uint32(h.ReservedSpace)
	switch h.TextEncoding {
	case format.EncodingUTF16LE, format.EncodingUTF16BE:
		p.encoding = h.TextEncoding
	}
}

func (p *Pager) openWal() {
	walPath := p.path + "-wal"
	if !wal.Exists(walPath) {
		return
	}
	w := wal.New(walPath, wal.Config{MaxAllowedFrame: p.cfg.MaxWalFrame, File: p.cfg.File})
	if err := w.Initialize(); err != nil {
		logging.Warn("wal_ignored", "path", walPath, "error", err.Error())
		return
	}
	p.wal = w
}

func (p *Pager) closeWal() {
	if p.wal != nil {
		p.wal.Close()
		p.wal = nil
	}
}

// Header returns the parsed database header, or nil when it was unreadable.
func (p *Pager) Header() *format.Header {
	return p.header
}

// PageSize returns the page size.
func (p *Pager) PageSize() uint32 {
	return p.pageSize
}

// ReservedBytes returns the reserved bytes at the end of each page.
func (p *Pager) ReservedBytes() uint32 {
	return p.reserved
}

// UsableSize returns the page size less the reserved bytes.
func (p *Pager) UsableSize() uint32 {
	return p.pageSize - p.reserved
}

// TextEncoding returns the database text encoding.
func (p *Pager) TextEncoding() uint32 {
	return p.encoding
}

// PageCount returns the number of pages.
func (p *Pager) PageCount() uint32 {
	return p.pageCount
}

// HasWal reports whether pages are being merged from a WAL.
func (p *Pager) HasWal() bool {
	return p.wal != nil
}

// WalSalt returns the WAL salts, or zeros without a WAL.
func (p *Pager) WalSalt() [2]uint32 {
	if p.wal == nil {
		return [2]uint32{}
	}
	return p.wal.Salt()
}

// WalFrameCount returns the number of authoritative WAL frames.
func (p *Pager) WalFrameCount() uint32 {
	if p.wal == nil {
		return 0
	}
	return p.wal.FrameCount()
}

// WalBackfill returns the wal-index backfill count.
func (p *Pager) WalBackfill() uint32 {
	if p.wal == nil {
		return 0
	}
	return p.wal.Backfill()
}

// SetMaxWalFrame caps the WAL frames used; 0 removes the cap.
func (p *Pager) SetMaxWalFrame(n uint32) {
	p.cfg.MaxWalFrame = n
	if p.wal != nil {
		p.wal.SetMaxAllowedFrame(n)
		p.refreshPageCount()
	}
}

// DisposeWalAfter permanently drops WAL frames after threshold.
func (p *Pager) DisposeWalAfter(threshold uint32) {
	if p.wal == nil {
		return
	}
	if threshold == 0 {
		p.closeWal()
	} else {
		p.wal.Dispose(threshold)
	}
	p.refreshPageCount()
}

// DisposeWal stops using the WAL altogether.
func (p *Pager) DisposeWal() {
	p.DisposeWalAfter(0)
}

func (p *Pager) refreshPageCount() {
	if p.file == nil || p.pageSize == 0 {
		return
	}
	p.pageCount = uint32(p.file.Size() / int64(p.pageSize))
	if p.wal != nil && p.wal.PageCount() > 0 {
		p.pageCount = p.wal.PageCount()
	}
}

// AcquirePageData returns the image of page pgno. Errors are per page:
// Corrupt for an out of range page or short file, IOError for a failed read.
func (p *Pager) AcquirePageData(pgno uint32) (*Data, error) {
	if p.file == nil {
		return nil, errors.New(errors.CodeMisuse, "pager not initialized").WithPath(p.path)
	}
	if pgno == 0 || pgno > p.pageCount {
		return nil, errors.Corrupt(pgno, "page out of range 1..%d", p.pageCount).WithPath(p.path)
	}

	if p.wal != nil && p.wal.Contains(pgno) {
		m, err := p.wal.AcquirePageData(pgno)
		if err == nil {
			return &Data{Mapped: m, Number: pgno, FromWal: true}, nil
		}
		logging.Debug("wal_frame_unreadable", "path", p.path, "page", pgno, "error", err.Error())
	}

	offset := int64(pgno-1) * int64(p.pageSize)
	m, err := p.file.Map(offset, int(p.pageSize))
	if err != nil {
		var e *errors.Error
		if errors.As(err, &e) {
			e.Page = pgno
		}
		return nil, err
	}
	return &Data{Mapped: m, Number: pgno}, nil
}

// Close closes the database file and the WAL.
func (p *Pager) Close() error {
	p.closeWal()
	if p.file == nil {
		return nil
	}
	err := p.file.Close()
	p.file = nil
	return err
}
