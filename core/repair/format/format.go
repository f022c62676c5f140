package format

import (
	"encoding/binary"
	"fmt"
)

// SQLite file format constants
const (
	// HeaderSize is the database header size in bytes (first 100 bytes of the database file).
	HeaderSize = 100

	// MagicString is the magic header string for SQLite 3 database files.
	MagicString = "SQLite format 3\000"

	// DefaultPageSize is the default page size for new databases (4096 bytes).
	DefaultPageSize = 4096

	// MinPageSize is the minimum allowed page size (512 bytes).
	MinPageSize = 512

	// MaxPageSize is the maximum allowed page size (65536 bytes).
	MaxPageSize = 65536

	// MinUsableSize is the smallest usable page size SQLite accepts.
	MinUsableSize = 480
)

// Header offsets - byte positions in the 100-byte database header
const (
	OffsetMagic             = 0
	OffsetPageSize          = 16 // 2 bytes, 1 means 65536
	OffsetWriteVersion      = 18
	OffsetReadVersion       = 19
	OffsetReservedSpace     = 20
	OffsetMaxPayloadFrac    = 21
	OffsetMinPayloadFrac    = 22
	OffsetLeafPayloadFrac   = 23
	OffsetFileChangeCounter = 24
	OffsetDatabaseSize      = 28
	OffsetFirstFreelist     = 32
	OffsetFreelistCount     = 36
	OffsetSchemaCookie      = 40
	OffsetSchemaFormat      = 44
	OffsetTextEncoding      = 56
	OffsetUserVersion       = 60
	OffsetVersionValidFor   = 92
	OffsetSQLiteVersion     = 96
)

// Text encodings - values for the OffsetTextEncoding field
const (
	EncodingUTF8    = 1
	EncodingUTF16LE = 2
	EncodingUTF16BE = 3
)

// Page types - first byte of B-tree page header
const (
	PageTypeInteriorIndex = 0x02
	PageTypeInteriorTable = 0x05
	PageTypeLeafIndex     = 0x0a
	PageTypeLeafTable     = 0x0d
)

// B-tree page header offsets, relative to the start of the page header
// (offset 100 on page 1, 0 elsewhere).
const (
	BtreePageType         = 0
	BtreeFirstFreeblock   = 1
	BtreeCellCount        = 3
	BtreeCellContentStart = 5
	BtreeFragmentedBytes  = 7
	BtreeRightmostPointer = 8

	BtreeHeaderSizeLeaf     = 8
	BtreeHeaderSizeInterior = 12
)

// Header is the subset of the 100-byte database header the repair engine
// reads.
type Header struct {
	Magic             [16]byte
	PageSize          uint32 // Decoded: 65536 instead of 1
	WriteVersion      uint8
	ReadVersion       uint8
	ReservedSpace     uint8
	MaxPayloadFrac    uint8
	MinPayloadFrac    uint8
	LeafPayloadFrac   uint8
	FileChangeCounter uint32
	DatabaseSize      uint32
	FirstFreelist     uint32
	FreelistCount     uint32
	SchemaCookie      uint32
	SchemaFormat      uint32
	TextEncoding      uint32
	UserVersion       uint32
	VersionValidFor   uint32
	SQLiteVersion     uint32
}

// Parse parses the 100-byte database header from raw bytes. It validates the
// magic string and the page size; other fields are decoded as found.
func (h *Header) Parse(data []byte) error {
	if len(data) < HeaderSize {
		return fmt.Errorf("invalid header size: got %d, want %d", len(data), HeaderSize)
	}

	copy(h.Magic[:], data[OffsetMagic:OffsetMagic+16])
	if string(h.Magic[:]) != MagicString {
		return fmt.Errorf("invalid magic header: %q", h.Magic[:])
	}

	h.PageSize = DecodePageSize(binary.BigEndian.Uint16(data[OffsetPageSize:]))
	if !IsValidPageSize(int(h.PageSize)) {
		return fmt.Errorf("invalid page size: %d", h.PageSize)
	}

	h.WriteVersion = data[OffsetWriteVersion]
	h.ReadVersion = data[OffsetReadVersion]
	h.ReservedSpace = data[OffsetReservedSpace]
	h.MaxPayloadFrac = data[OffsetMaxPayloadFrac]
	h.MinPayloadFrac = data[OffsetMinPayloadFrac]
	h.LeafPayloadFrac = data[OffsetLeafPayloadFrac]

	h.FileChangeCounter = binary.BigEndian.Uint32(data[OffsetFileChangeCounter:])
	h.DatabaseSize = binary.BigEndian.Uint32(data[OffsetDatabaseSize:])
	h.FirstFreelist = binary.BigEndian.Uint32(data[OffsetFirstFreelist:])
	h.FreelistCount = binary.BigEndian.Uint32(data[OffsetFreelistCount:])
	h.SchemaCookie = binary.BigEndian.Uint32(data[OffsetSchemaCookie:])
	h.SchemaFormat = binary.BigEndian.Uint32(data[OffsetSchemaFormat:])
	h.TextEncoding = binary.BigEndian.Uint32(data[OffsetTextEncoding:])
	h.UserVersion = binary.BigEndian.Uint32(data[OffsetUserVersion:])
	h.VersionValidFor = binary.BigEndian.Uint32(data[OffsetVersionValidFor:])
	h.SQLiteVersion = binary.BigEndian.Uint32(data[OffsetSQLiteVersion:])

	if int(h.PageSize)-int(h.ReservedSpace) < MinUsableSize {
		return fmt.Errorf("invalid reserved space: %d", h.ReservedSpace)
	}
	return nil
}

// InHeaderDatabaseSize returns the page count recorded in the header, or 0
// if it cannot be trusted. SQLite only trusts the field when the change
// counter matches version-valid-for.
func (h *Header) InHeaderDatabaseSize() uint32 {
	if h.DatabaseSize == 0 || h.FileChangeCounter != h.VersionValidFor {
		return 0
	}
	return h.DatabaseSize
}

// DecodePageSize converts the on-disk page size field to bytes.
func DecodePageSize(raw uint16) uint32 {
	if raw == 1 {
		return MaxPageSize
	}
	return uint32(raw)
}

// IsValidPageSize reports whether size is a power of two in [512, 65536].
func IsValidPageSize(size int) bool {
	return size >= MinPageSize && size <= MaxPageSize && size&(size-1) == 0
}

// IsValidPageType reports whether b is one of the four B-tree page types.
func IsValidPageType(b byte) bool {
	switch b {
	case PageTypeInteriorIndex, PageTypeInteriorTable, PageTypeLeafIndex, PageTypeLeafTable:
		return true
	}
	return false
}

// PageHeaderOffset returns where the B-tree page header starts on pgno.
func PageHeaderOffset(pgno uint32) int {
	if pgno == 1 {
		return HeaderSize
	}
	return 0
}

// MaxLocal returns the largest payload stored entirely on a B-tree page with
// the given usable size. Table leaves use U-35; index pages use
// ((U-12)*64/255)-23.
func MaxLocal(usableSize uint32, tableLeaf bool) uint32 {
	if tableLeaf {
		return usableSize - 35
	}
	return (usableSize-12)*64/255 - 23
}

// MinLocal returns the minimum local payload for a spilled cell:
// ((U-12)*32/255)-23.
func MinLocal(usableSize uint32) uint32 {
	return (usableSize-12)*32/255 - 23
}

// LocalPayload returns how many bytes of a payload of size p are stored on the
// B-tree page; the remainder lives on overflow pages.
func LocalPayload(p, usableSize uint32, tableLeaf bool) uint32 {
	maxLocal := MaxLocal(usableSize, tableLeaf)
	if p <= maxLocal {
		return p
	}
	minLocal := MinLocal(usableSize)
	k := minLocal + (p-minLocal)%(usableSize-4)
	if k <= maxLocal {
		return k
	}
	return minLocal
}
