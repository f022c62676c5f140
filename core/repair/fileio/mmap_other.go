//go:build !unix

package fileio

import (
	"os"
)

func osPageSize() int {
	return os.Getpagesize()
}

// Without mmap support a window is read into an owned buffer.
func mapChunk(f *os.File, offset int64, length int) ([]byte, bool, error) {
	buf := make([]byte, length)
	if _, err := f.ReadAt(buf, offset); err != nil {
		return nil, false, err
	}
	return buf, false, nil
}

func unmapChunk(data []byte) error {
	return nil
}

func lockShared(f *os.File) error {
	return nil
}

func unlock(f *os.File) error {
	return nil
}
