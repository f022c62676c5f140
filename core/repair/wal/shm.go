package wal

import (
	"bytes"
	"encoding/binary"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/core/repair/fileio"
	"github.com/FocuswithJustin/repairkit/core/repair/format"
)

// Shm is the wal-index header of a "-shm" file.
type Shm struct {
	Version       uint32
	Change        uint32
	PageSize      uint32
	MaxFrame      uint32
	PageCount     uint32
	FrameChecksum [2]uint32
	Salt          [2]uint32 // Copied verbatim from the WAL header
	Checksum      [2]uint32
	Backfill      uint32
}

// ParseShm decodes and verifies a wal-index header. Both header copies
// must agree and the native-order checksum must match.
func ParseShm(data []byte) (*Shm, error) {
	if len(data) < format.ShmMinSize {
		return nil, errors.Newf(errors.CodeCorrupt, "shm too short: %d bytes", len(data))
	}
	first := data[:format.ShmIndexHeaderSize]
	second := data[format.ShmIndexHeaderSize:format.ShmCkptInfoOffset]
	if !bytes.Equal(first, second) {
		return nil, errors.New(errors.CodeCorrupt, "shm header copies differ")
	}

	ne := binary.NativeEndian
	if first[format.ShmOffsetIsInit] == 0 {
		return nil, errors.New(errors.CodeCorrupt, "shm not initialized")
	}
	s := &Shm{
		Version:   ne.Uint32(first[format.ShmOffsetVersion:]),
		Change:    ne.Uint32(first[format.ShmOffsetChange:]),
		PageSize:  format.DecodePageSize(ne.Uint16(first[format.ShmOffsetPageSize:])),
		MaxFrame:  ne.Uint32(first[format.ShmOffsetMaxFrame:]),
		PageCount: ne.Uint32(first[format.ShmOffsetPageCount:]),
		Backfill:  ne.Uint32(data[format.ShmCkptInfoOffset:]),
	}
	s.FrameChecksum[0] = ne.Uint32(first[format.ShmOffsetFrameCksum:])
	s.FrameChecksum[1] = ne.Uint32(first[format.ShmOffsetFrameCksum+4:])
	s.Salt[0] = binary.BigEndian.Uint32(first[format.ShmOffsetSalt:])
	s.Salt[1] = binary.BigEndian.Uint32(first[format.ShmOffsetSalt+4:])
	s.Checksum[0] = ne.Uint32(first[format.ShmOffsetCksum:])
	s.Checksum[1] = ne.Uint32(first[format.ShmOffsetCksum+4:])

	if s.Version != format.ShmIndexVersion {
		return nil, errors.Newf(errors.CodeCorrupt, "unsupported shm version %d", s.Version)
	}
	c0, c1 := Checksum(ne, first[:format.ShmOffsetCksum], 0, 0)
	if c0 != s.Checksum[0] || c1 != s.Checksum[1] {
		return nil, errors.New(errors.CodeCorrupt, "shm header checksum mismatch")
	}
	return s, nil
}

// ReadShm reads and verifies the wal-index header at path.
func ReadShm(path string) (*Shm, error) {
	fh, err := fileio.OpenFile(path, true)
	if err != nil {
		return nil, err
	}
	defer fh.Close()

	buf := make([]byte, format.ShmMinSize)
	if err := fh.ReadAt(buf, 0); err != nil {
		return nil, err
	}
	s, err := ParseShm(buf)
	if err != nil {
		var e *errors.Error
		if errors.As(err, &e) {
			e.Path = path
		}
		return nil, err
	}
	return s, nil
}
