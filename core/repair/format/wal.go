package format

// WAL file layout
const (
	// WalHeaderSize is the size of the WAL file header.
	WalHeaderSize = 32

	// WalFrameHeaderSize is the size of each frame header.
	WalFrameHeaderSize = 24

	// WalMagicLittleEndian selects little-endian checksum accumulation.
	WalMagicLittleEndian = 0x377f0682

	// WalMagicBigEndian selects big-endian checksum accumulation.
	WalMagicBigEndian = 0x377f0683

	// WalFormatVersion is the only WAL format version.
	WalFormatVersion = 3007000
)

// WAL header offsets (all fields 4-byte big-endian)
const (
	WalOffsetMagic        = 0
	WalOffsetVersion      = 4
	WalOffsetPageSize     = 8
	WalOffsetCheckpoint   = 12
	WalOffsetSalt1        = 16
	WalOffsetSalt2        = 20
	WalOffsetChecksum1    = 24
	WalOffsetChecksum2    = 28
	WalFrameOffsetPgno    = 0
	WalFrameOffsetCommit  = 4
	WalFrameOffsetSalt1   = 8
	WalFrameOffsetSalt2   = 12
	WalFrameOffsetCksum1  = 16
	WalFrameOffsetCksum2  = 20
	WalFrameChecksumBytes = 8 // frame header bytes covered by the checksum
)

// Wal-index (shm) header layout. Fields are in native byte order.
const (
	ShmIndexHeaderSize = 48
	ShmCkptInfoOffset  = 2 * ShmIndexHeaderSize
	ShmMinSize         = ShmCkptInfoOffset + 40

	ShmOffsetVersion     = 0
	ShmOffsetChange      = 8
	ShmOffsetIsInit      = 12
	ShmOffsetBigEndCksum = 13
	ShmOffsetPageSize    = 14
	ShmOffsetMaxFrame    = 16
	ShmOffsetPageCount   = 20
	ShmOffsetFrameCksum  = 24
	ShmOffsetSalt        = 32
	ShmOffsetCksum       = 40

	ShmIndexVersion = 3007000
)

// FrameOffset returns the file offset of frame n (1-based) in a WAL with the
// given page size.
func FrameOffset(frame uint32, pageSize uint32) int64 {
	return WalHeaderSize + int64(frame-1)*(WalFrameHeaderSize+int64(pageSize))
}
