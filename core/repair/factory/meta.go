package factory

import (
	"context"
	"os"
	"path/filepath"
)

// Source is one database a retrieval repairs.
type Source struct {
	// Database is the database file.
	Database string

	// Workshop is the deposit holding the database, empty for the live one.
	Workshop string

	// Size is the size of the database and its WAL, used to weight scores.
	Size int64

	Slots Slots
}

// HasMaterial reports whether a backup of the source exists.
func (s Source) HasMaterial() bool {
	return s.Slots.Any()
}

// Inventory lists the sources of a retrieval.
type Inventory struct {
	Sources   []Source
	TotalSize int64
}

// Meta scans the live database and the deposits once in the background.
type Meta struct {
	factory *Factory
	future  *future[*Inventory]
}

func newMeta(f *Factory) *Meta {
	m := &Meta{factory: f}
	m.future = newFuture("meta", m.scan)
	return m
}

// Start begins the scan without waiting.
func (m *Meta) Start(ctx context.Context) {
	m.future.start(ctx)
}

// Work returns the sources.
func (m *Meta) Work(ctx context.Context) (*Inventory, error) {
	return m.future.get(ctx)
}

func (m *Meta) scan(ctx context.Context) (*Inventory, error) {
	inv := &Inventory{}
	add := func(database, workshop string) {
		size := fileSize(database)
		if size < 0 {
			return
		}
		if wal := fileSize(database + WalSuffix); wal > 0 {
			size += wal
		}
		inv.Sources = append(inv.Sources, Source{
			Database: database,
			Workshop: workshop,
			Size:     size,
			Slots:    slotsOf(database),
		})
		inv.TotalSize += size
	}

	add(m.factory.Database(), "")
	dirs, err := m.factory.WorkshopDirectories()
	if err != nil {
		return nil, err
	}
	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		add(filepath.Join(dir, m.factory.Name()), dir)
	}
	return inv, nil
}

// fileSize returns the size of path, or -1 when it does not exist.
func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return -1
	}
	return info.Size()
}
