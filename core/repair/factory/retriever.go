package factory

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/core/repair/assemble"
	"github.com/FocuswithJustin/repairkit/core/repair/material"
	"github.com/FocuswithJustin/repairkit/core/repair/repairman"
	"github.com/FocuswithJustin/repairkit/core/repair/score"
	"github.com/FocuswithJustin/repairkit/internal/logging"
)

// Report describes the repair of one source.
type Report struct {
	Source      Source
	Weight      float64
	Score       float64
	Material    string // Slot the material came from, empty when crawled blind
	Corruptions []repairman.Corruption
	Cells       int64
	Duration    time.Duration
	Err         error // Set when the source could not be read at all
}

// pass is what Retriever needs of a repair pass.
type pass interface {
	Work(ctx context.Context) error
	Score() float64
	Corruptions() []repairman.Corruption
	AssembledCells() int64
}

// Retriever repairs the live database and every deposit into one restored
// database and publishes it over the live path.
type Retriever struct {
	factory *Factory

	mu      sync.Mutex
	score   score.Scoreable
	reports []Report
}

// Score returns the weighted score of the retrieval.
func (r *Retriever) Score() float64 {
	return r.score.Score()
}

// Reports returns one report per repaired source.
func (r *Retriever) Reports() []Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Report(nil), r.reports...)
}

// Restored returns the path the database is assembled at before it is
// published.
func (r *Retriever) Restored() string {
	return filepath.Join(r.factory.RestoreDirectory(), r.factory.Name())
}

// Work runs the retrieval. The live database is only replaced once the
// restored one is complete and backed up.
func (r *Retriever) Work(ctx context.Context) error {
	f := r.factory
	if err := f.completeStaging(ctx); err != nil {
		return err
	}
	meta := f.Meta()
	meta.Start(ctx)
	inv, err := meta.Work(ctx)
	if err != nil {
		return err
	}
	if len(inv.Sources) == 0 {
		return errors.New(errors.CodeNotFound, "nothing to retrieve").WithPath(f.Database())
	}

	if err := resetDirectory(ctx, f.RestoreDirectory()); err != nil {
		return err
	}
	logging.FactoryEvent(ctx, "retrieve_started", f.RestoreDirectory(), "sources", len(inv.Sources))

	restored := r.Restored()
	a := assemble.NewSQLiteAssembler(restored)
	a.MarkAsDuplicated(len(inv.Sources) > 1)
	for _, src := range inv.Sources {
		weight := 1 / float64(len(inv.Sources))
		if inv.TotalSize > 0 {
			weight = float64(src.Size) / float64(inv.TotalSize)
		}
		if err := r.repair(ctx, src, weight, a); err != nil {
			return err
		}
	}

	backup := newBackup(restored, slotsOf(restored), f.cfg.Compress)
	if err := backup.Work(ctx); err != nil {
		return err
	}
	if err := r.publish(ctx, backup.Written()); err != nil {
		return err
	}
	logging.FactoryEvent(ctx, "retrieve_finished", f.Directory(), "score", r.Score())
	return nil
}

// repair runs one pass over src into a, with a Mechanic when a material of
// src exists and a FullCrawler otherwise.
func (r *Retriever) repair(ctx context.Context, src Source, weight float64, a assemble.Assembler) error {
	start := time.Now()
	cfg := r.factory.cfg.Repair

	loaded, err := NewMaterials(src.Slots).Work(ctx)
	if err != nil {
		logging.Warn("material_unavailable", "database", src.Database, "error", err.Error())
		loaded = nil
	}

	var p pass
	report := Report{Source: src, Weight: weight}
	if loaded != nil {
		report.Material = loaded.Path
		p = repairman.NewMechanic(src.Database, a, loaded.Material, cfg)
	} else {
		p = repairman.NewFullCrawler(src.Database, a, cfg)
	}
	if err := p.Work(ctx); err != nil {
		if ctx.Err() != nil || assemble.IsFatal(err) {
			return err
		}
		report.Err = err
		logging.Warn("source_skipped", "database", src.Database, "error", err.Error())
	}

	report.Score = p.Score()
	report.Corruptions = p.Corruptions()
	report.Cells = p.AssembledCells()
	report.Duration = time.Since(start)
	r.score.IncreaseScore(report.Score * weight)

	r.mu.Lock()
	r.reports = append(r.reports, report)
	r.mu.Unlock()
	logging.FactoryEvent(ctx, "source_repaired", src.Database,
		"score", report.Score, "corrupted_pages", len(report.Corruptions), "cells", report.Cells)
	return nil
}

// publish moves the restored database and its material over the live
// database, then removes what the retrieval consumed. The live files are
// deposited rather than deleted, so an interrupted publish leaves them
// retrievable.
func (r *Retriever) publish(ctx context.Context, slot string) error {
	f := r.factory
	live := f.Database()

	if _, err := f.deposit(ctx); err != nil {
		return err
	}
	if err := moveFile(r.Restored(), live); err != nil {
		return err
	}
	if err := moveFile(slot, f.Slots().First); err != nil {
		return err
	}
	if err := material.SyncDir(filepath.Dir(live)); err != nil {
		return err
	}
	logging.FactoryEvent(ctx, "retrieve_published", live)

	if err := f.RemoveDeposited(); err != nil {
		return err
	}
	if err := removeDirectory(f.RestoreDirectory()); err != nil {
		return err
	}
	return f.RemoveDirectoryIfEmpty()
}
