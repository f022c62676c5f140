package material

import (
	"bytes"
	"os"
	"path/filepath"

	"github.com/FocuswithJustin/repairkit/core/errors"
)

// Swappable for testing
var (
	osCreateTemp = os.CreateTemp
	osRename     = os.Rename
	osReadFile   = os.ReadFile
)

// WriteFile stores m at path atomically: the material is written to a
// temporary file in the same directory, synced, renamed over path, and the
// directory is synced.
func WriteFile(path string, m *Material, compress bool) error {
	data, err := Marshal(m, compress)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	tmp, err := osCreateTemp(dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return errors.NewIO("create temp material", dir, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.NewIO("write material", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.NewIO("sync material", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.NewIO("close material", tmpPath, err)
	}
	if err := osRename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return errors.NewIO("rename material", path, err)
	}
	return SyncDir(dir)
}

// SyncDir fsyncs a directory so that renames inside it are durable.
func SyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.NewIO("open directory", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.NewIO("sync directory", dir, err)
	}
	return nil
}

// ReadFile loads and verifies the material at path.
func ReadFile(path string) (*Material, error) {
	data, err := osReadFile(path)
	if err != nil {
		return nil, errors.NewIO("read material", path, err)
	}
	m, err := Decode(data)
	if err != nil {
		var e *errors.Error
		if errors.As(err, &e) {
			e.Path = path
		}
		return nil, err
	}
	return m, nil
}

// Equal reports whether a and b encode to the same bytes.
func Equal(a, b *Material) bool {
	return bytes.Equal(EncodeBody(a), EncodeBody(b))
}
