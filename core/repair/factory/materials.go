package factory

import (
	"context"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/core/repair/material"
	"github.com/FocuswithJustin/repairkit/internal/logging"
)

// Slots are the two files a database's materials rotate through.
type Slots struct {
	First string
	Last  string
}

func slotsOf(database string) Slots {
	return Slots{
		First: database + FirstMaterialSuffix,
		Last:  database + LastMaterialSuffix,
	}
}

// Paths returns both slots.
func (s Slots) Paths() []string {
	return []string{s.First, s.Last}
}

// Any reports whether either slot exists.
func (s Slots) Any() bool {
	return exists(s.First) || exists(s.Last)
}

// Next returns the slot the next backup overwrites: a missing slot, else
// the older one. First wins a tie.
func (s Slots) Next() string {
	first, err := os.Stat(s.First)
	if err != nil {
		return s.First
	}
	last, err := os.Stat(s.Last)
	if err != nil {
		return s.Last
	}
	if last.ModTime().Before(first.ModTime()) {
		return s.Last
	}
	return s.First
}

// Loaded is a verified material and the slot it came from.
type Loaded struct {
	Material *material.Material
	Path     string
	ModTime  time.Time
}

// Materials loads the newest valid material of a pair of slots. The load
// runs once in the background.
type Materials struct {
	slots  Slots
	future *future[*Loaded]
}

// NewMaterials returns a loader for slots.
func NewMaterials(slots Slots) *Materials {
	m := &Materials{slots: slots}
	m.future = newFuture("materials", m.load)
	return m
}

// Start begins loading without waiting.
func (m *Materials) Start(ctx context.Context) {
	m.future.start(ctx)
}

// Work returns the newest valid material, or nil when neither slot holds
// one.
func (m *Materials) Work(ctx context.Context) (*Loaded, error) {
	return m.future.get(ctx)
}

type slotResult struct {
	loaded *Loaded
	err    error
}

func (m *Materials) load(ctx context.Context) (*Loaded, error) {
	paths := m.slots.Paths()
	results := make([]slotResult, len(paths))

	var g errgroup.Group
	for i, path := range paths {
		g.Go(func() error {
			results[i] = loadSlot(path)
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var newest *Loaded
	var failure error
	for _, r := range results {
		switch {
		case r.loaded != nil:
			if newest == nil || r.loaded.ModTime.After(newest.ModTime) {
				newest = r.loaded
			}
		case r.err != nil && failure == nil:
			failure = r.err
		}
	}
	if newest != nil {
		return newest, nil
	}
	return nil, failure
}

// loadSlot reads one slot. A missing or damaged slot yields neither a
// material nor an error; only a failed read is returned.
func loadSlot(path string) slotResult {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return slotResult{}
		}
		return slotResult{err: errors.NewIO("stat material", path, err)}
	}
	m, err := material.ReadFile(path)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeCorrupt {
			logging.Warn("material_invalid", "path", path, "error", err.Error())
			return slotResult{}
		}
		return slotResult{err: err}
	}
	return slotResult{loaded: &Loaded{Material: m, Path: path, ModTime: info.ModTime()}}
}
