package factory

import (
	"context"
	"database/sql"
	"time"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/core/repair/btree"
	"github.com/FocuswithJustin/repairkit/core/repair/crawl"
	"github.com/FocuswithJustin/repairkit/core/repair/material"
	"github.com/FocuswithJustin/repairkit/core/repair/pager"
	"github.com/FocuswithJustin/repairkit/internal/logging"
)

// Backup records the schema, sequences and page hashes of a database into
// a material slot.
type Backup struct {
	database string
	slots    Slots
	compress bool
	lock     *sql.DB

	material *material.Material
	written  string
}

func newBackup(database string, slots Slots, compress bool) *Backup {
	return &Backup{database: database, slots: slots, compress: compress}
}

// WithReadLock holds a read transaction on db while the backup runs, so
// that no writer changes pages under the crawl.
func (b *Backup) WithReadLock(db *sql.DB) *Backup {
	b.lock = db
	return b
}

// Material returns the material of the last successful Work.
func (b *Backup) Material() *material.Material {
	return b.material
}

// Written returns the slot the last successful Work wrote.
func (b *Backup) Written() string {
	return b.written
}

// Work builds a material and writes it to the next slot.
func (b *Backup) Work(ctx context.Context) error {
	start := time.Now()
	m, err := b.Build(ctx)
	if err != nil {
		return err
	}
	path := b.slots.Next()
	if err := material.WriteFile(path, m, b.compress); err != nil {
		return err
	}
	b.material = m
	b.written = path
	logging.FactoryEvent(ctx, "backup_written", path,
		"tables", len(m.Contents), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// Build crawls the database and returns its material without writing it.
// Any corruption fails the backup.
func (b *Backup) Build(ctx context.Context) (*material.Material, error) {
	if b.lock != nil {
		release, err := readLock(ctx, b.lock)
		if err != nil {
			return nil, err
		}
		defer release()
	}

	p := pager.New(b.database, pager.DefaultConfig())
	if err := p.Initialize(); err != nil {
		return nil, err
	}
	defer p.Close()

	c := crawl.NewCrawlable(p, true)
	master, err := crawl.NewMasterCrawler(c, nil).Work(ctx)
	if err != nil {
		return nil, err
	}
	var seqs map[string]int64
	if e, ok := master.Table(crawl.SequenceTable); ok {
		if seqs, err = crawl.NewSequenceCrawler(c, nil).Work(ctx, e.RootPage); err != nil {
			return nil, err
		}
	}

	m := &material.Material{Info: material.Info{
		PageSize:      p.PageSize(),
		ReservedBytes: p.ReservedBytes(),
		WalSalt:       p.WalSalt(),
		NBackfill:     p.WalBackfill(),
		WalFrame:      p.WalFrameCount(),
	}}

	c.SkipCells = true
	for _, e := range master.Tables() {
		if !e.Repairable() {
			continue
		}
		rec := &pageRecorder{}
		if err := c.Crawl(ctx, e.RootPage, rec); err != nil {
			return nil, err
		}
		content := m.ContentFor(e.Name)
		content.SQL = e.SQL
		content.RootPage = e.RootPage
		content.Sequence = seqs[e.Name]
		content.Pages = rec.pages
	}
	for name, sqls := range master.Associated() {
		m.ContentFor(name).Associated = sqls
	}
	m.Sort()
	return m, nil
}

// readLock starts a read transaction on db and returns its release.
func readLock(ctx context.Context, db *sql.DB) (func(), error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "read lock")
	}
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "read lock")
	}
	var n int
	if err := tx.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master").Scan(&n); err != nil {
		tx.Rollback()
		conn.Close()
		return nil, errors.Wrap(err, "read lock")
	}
	return func() {
		tx.Rollback()
		conn.Close()
	}, nil
}

// pageRecorder hashes every page of a crawl in order.
type pageRecorder struct {
	crawl.BaseVisitor
	pages []material.Page
}

func (r *pageRecorder) WillCrawlPage(page *btree.Page, height int) bool {
	r.pages = append(r.pages, material.Page{
		Number: page.Number,
		Hash:   material.PageHash(page.Data()),
	})
	return true
}
