// Package validation checks user-supplied paths and identifies the files
// found around a database.
package validation

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// Limits on user-supplied paths.
const (
	// MaxPathLength is the maximum allowed path length.
	MaxPathLength = 4096
	// sniffSize is how many leading bytes DetectFileType reads.
	sniffSize = 16
)

// Common validation errors.
var (
	ErrEmptyPath        = errors.New("path cannot be empty")
	ErrPathTooLong      = errors.New("path too long")
	ErrInvalidCharacter = errors.New("invalid character in path")
	ErrNotRegular       = errors.New("not a regular file")
)

// ValidatePath rejects empty, oversized and control-character paths.
func ValidatePath(path string) error {
	if path == "" {
		return ErrEmptyPath
	}
	if len(path) > MaxPathLength {
		return ErrPathTooLong
	}
	if strings.Contains(path, "\x00") {
		return fmt.Errorf("%w: null byte not allowed", ErrInvalidCharacter)
	}
	for _, r := range path {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: control character not allowed", ErrInvalidCharacter)
		}
	}
	return nil
}

// FileType is the kind of a file kept next to a database.
type FileType string

// File types
const (
	FileTypeUnknown  FileType = "unknown"
	FileTypeDatabase FileType = "database"
	FileTypeWal      FileType = "wal"
	FileTypeShm      FileType = "shm"
	FileTypeJournal  FileType = "journal"
	FileTypeMaterial FileType = "material"
)

var magicBytes = []struct {
	magic    []byte
	fileType FileType
}{
	{[]byte("SQLite format 3\x00"), FileTypeDatabase},
	{[]byte{0x37, 0x7f, 0x06, 0x82}, FileTypeWal},
	{[]byte{0x37, 0x7f, 0x06, 0x83}, FileTypeWal},
	{[]byte{0xd9, 0xd5, 0x05, 0xf9, 0x20, 0xa1, 0x63, 0xd7}, FileTypeJournal},
	{[]byte("RKMT"), FileTypeMaterial},
}

// DetectFileType identifies a file from its leading bytes, falling back on
// its name when they are unrecognised, as for a database whose header was
// overwritten.
func DetectFileType(r io.Reader, filename string) (FileType, error) {
	buf := make([]byte, sniffSize)
	n, err := io.ReadFull(r, buf)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return FileTypeUnknown, fmt.Errorf("failed to read header: %w", err)
	}
	if t := detectFileTypeFromMagic(buf[:n]); t != FileTypeUnknown {
		return t, nil
	}
	return detectFileTypeFromName(filename), nil
}

// DetectFile opens path and identifies it.
func DetectFile(path string) (FileType, error) {
	if err := ValidatePath(path); err != nil {
		return FileTypeUnknown, err
	}
	f, err := os.Open(path)
	if err != nil {
		return FileTypeUnknown, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return FileTypeUnknown, err
	}
	if !info.Mode().IsRegular() {
		return FileTypeUnknown, fmt.Errorf("%w: %s", ErrNotRegular, path)
	}
	return DetectFileType(f, path)
}

func detectFileTypeFromMagic(buf []byte) FileType {
	for _, sig := range magicBytes {
		if bytes.HasPrefix(buf, sig.magic) {
			return sig.fileType
		}
	}
	return FileTypeUnknown
}

func detectFileTypeFromName(filename string) FileType {
	lower := strings.ToLower(filepath.Base(filename))
	switch {
	case strings.HasSuffix(lower, "-wal"):
		return FileTypeWal
	case strings.HasSuffix(lower, "-shm"):
		return FileTypeShm
	case strings.HasSuffix(lower, "-journal"):
		return FileTypeJournal
	case strings.HasSuffix(lower, ".material"):
		return FileTypeMaterial
	}
	switch filepath.Ext(lower) {
	case ".sqlite", ".db", ".sqlite3":
		return FileTypeDatabase
	}
	return FileTypeUnknown
}
