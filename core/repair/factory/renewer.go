package factory

import (
	"context"
	"path/filepath"
	"sort"

	"github.com/FocuswithJustin/repairkit/core/repair/assemble"
	"github.com/FocuswithJustin/repairkit/core/repair/crawl"
	"github.com/FocuswithJustin/repairkit/core/repair/material"
	"github.com/FocuswithJustin/repairkit/internal/logging"
)

// Renewer builds an empty database carrying the schema and sequences of
// the deposits.
type Renewer struct {
	factory  *Factory
	schema   *material.Material
	prepared bool
}

// Renewed returns the path the database is prepared at.
func (r *Renewer) Renewed() string {
	return filepath.Join(r.factory.RenewDirectory(), r.factory.Name())
}

// Schema returns the merged material of the deposits after Prepare.
func (r *Renewer) Schema() *material.Material {
	return r.schema
}

// Prepare assembles the renewed database in its workshop.
func (r *Renewer) Prepare(ctx context.Context) error {
	f := r.factory
	dirs, err := f.WorkshopDirectories()
	if err != nil {
		return err
	}
	merged := &material.Material{}
	for _, dir := range dirs {
		loaded, err := NewMaterials(slotsOf(filepath.Join(dir, f.Name()))).Work(ctx)
		if err != nil {
			return err
		}
		if loaded != nil {
			mergeSchema(merged, loaded.Material)
		}
	}
	merged.Sort()
	r.schema = merged

	if err := resetDirectory(ctx, f.RenewDirectory()); err != nil {
		return err
	}
	if err := r.assemble(ctx, merged); err != nil {
		return err
	}
	r.prepared = true
	logging.FactoryEvent(ctx, "renew_prepared", f.RenewDirectory(), "contents", len(merged.Contents))
	return nil
}

// mergeSchema folds src into dst: the first SQL seen for a name wins,
// sequences keep the maximum and associated SQL is united.
func mergeSchema(dst, src *material.Material) {
	for _, c := range src.Contents {
		d := dst.ContentFor(c.Name)
		if d.SQL == "" && c.HasTable() {
			d.SQL = c.SQL
			d.RootPage = c.RootPage
		}
		if c.Sequence > d.Sequence {
			d.Sequence = c.Sequence
		}
		for _, sql := range c.Associated {
			if !contains(d.Associated, sql) {
				d.Associated = append(d.Associated, sql)
			}
		}
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func (r *Renewer) assemble(ctx context.Context, m *material.Material) error {
	a := assemble.NewSQLiteAssembler(r.Renewed())
	if err := a.MarkAsAssembling(ctx); err != nil {
		return err
	}
	assoc := make(map[string][]string)
	for _, c := range m.Contents {
		if c.HasTable() {
			if _, err := a.AssembleTable(c.Name, c.SQL); err != nil {
				a.MarkAsAssembled()
				return err
			}
		}
		if len(c.Associated) > 0 {
			assoc[c.Name] = c.Associated
		}
	}
	seqs := m.Sequences()
	names := make([]string, 0, len(seqs))
	for name := range seqs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := a.AssembleSequence(name, seqs[name]); err != nil && assemble.IsFatal(err) {
			a.MarkAsAssembled()
			return err
		}
	}
	for _, name := range crawl.AssociatedNames(assoc) {
		for _, sql := range assoc[name] {
			if err := a.AssembleSQL(sql); err != nil && assemble.IsFatal(err) {
				a.MarkAsAssembled()
				return err
			}
		}
	}
	return a.MarkAsAssembled()
}

// Work publishes the prepared database when the live path is free, then
// removes the workshop.
func (r *Renewer) Work(ctx context.Context) error {
	f := r.factory
	if !r.prepared {
		if err := r.Prepare(ctx); err != nil {
			return err
		}
	}
	if exists(f.Database()) {
		logging.FactoryEvent(ctx, "renew_skipped", f.RenewDirectory(), "reason", "database exists")
	} else {
		if err := removeFiles(databaseFiles(f.Database())[1:]...); err != nil {
			return err
		}
		if err := moveFile(r.Renewed(), f.Database()); err != nil {
			return err
		}
		if err := material.SyncDir(filepath.Dir(f.Database())); err != nil {
			return err
		}
		logging.FactoryEvent(ctx, "renew_published", f.Database())
	}
	r.prepared = false
	return removeDirectory(f.RenewDirectory())
}
