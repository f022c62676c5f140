package repairman

import (
	"context"
	"fmt"
	"strings"

	"github.com/FocuswithJustin/repairkit/core/repair/assemble"
	"github.com/FocuswithJustin/repairkit/core/repair/btree"
	"github.com/FocuswithJustin/repairkit/core/repair/crawl"
	"github.com/FocuswithJustin/repairkit/internal/logging"
)

// LostAndFoundPrefix names the tables holding rows of pages no tree reaches.
const LostAndFoundPrefix = "lost_and_found_"

// FullCrawler rebuilds a database by walking every page, whatever the
// master still describes.
type FullCrawler struct {
	worker

	orphanPages int
	orphanCells int64

	// current lost and found table and its column count
	orphanTable string
	orphanCols  int
}

// NewFullCrawler returns a FullCrawler reading the database at path into a.
func NewFullCrawler(path string, a assemble.Assembler, cfg Config) *FullCrawler {
	f := &FullCrawler{}
	f.init(path, a, cfg)
	return f
}

// OrphanPages returns the number of table leaf pages found outside every
// known tree.
func (f *FullCrawler) OrphanPages() int {
	return f.orphanPages
}

// OrphanCells returns the number of rows saved into lost and found tables.
func (f *FullCrawler) OrphanCells() int64 {
	return f.orphanCells
}

// LostAndFoundTable returns the table name used for rows of n columns.
func LostAndFoundTable(n int) string {
	return fmt.Sprintf("%s%d", LostAndFoundPrefix, n)
}

func lostAndFoundSQL(n int) string {
	cols := make([]string, n)
	for i := range cols {
		cols[i] = fmt.Sprintf("c%d", i)
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q(%s)", LostAndFoundTable(n), strings.Join(cols, ","))
}

// Work runs the pass.
func (f *FullCrawler) Work(ctx context.Context) error {
	if err := f.begin(ctx); err != nil {
		return err
	}
	pageCount := f.pager.PageCount()
	if pageCount == 0 {
		return f.finish(ctx)
	}
	perPage := 1 / float64(pageCount)

	before := len(f.corruptions)
	master, err := crawl.NewMasterCrawler(f.crawler, &f.worker).Work(ctx)
	if err != nil {
		return f.abort(err)
	}
	f.scoreWalked(f.crawler.VisitedCount(), len(f.corruptions)-before, perPage)

	f.state = StateCrawlingTables
	roots := make(map[string]uint32)
	sqls := make(map[string]string)
	for _, e := range master.Tables() {
		if e.Repairable() {
			roots[e.Name] = e.RootPage
			sqls[e.Name] = e.SQL
		}
	}
	if err := f.crawlTables(ctx, roots, sqls, perPage, 0.5); err != nil {
		return f.abort(err)
	}

	var seqs map[string]int64
	if e, ok := master.Table(crawl.SequenceTable); ok {
		visited, corrupted := f.crawler.VisitedCount(), len(f.corruptions)
		seqs, err = crawl.NewSequenceCrawler(f.crawler, &f.worker).Work(ctx, e.RootPage)
		if err != nil {
			return f.abort(err)
		}
		f.scoreWalked(f.crawler.VisitedCount()-visited, len(f.corruptions)-corrupted, perPage)
	}

	if err := f.scan(ctx, pageCount, perPage); err != nil {
		return f.abort(err)
	}
	if err := f.assembleSequences(seqs); err != nil {
		return f.abort(err)
	}
	if err := f.assembleAssociated(master.Associated()); err != nil {
		return f.abort(err)
	}
	return f.finish(ctx)
}

// scoreWalked scores pages walked by a crawl that does not score itself.
func (f *FullCrawler) scoreWalked(walked, corrupted int, perPage float64) {
	if n := walked - corrupted; n > 0 {
		f.IncreaseScore(float64(n) * perPage)
	}
}

// scan classifies every page no crawl reached and saves the rows of table
// leaf pages.
func (f *FullCrawler) scan(ctx context.Context, pageCount uint32, perPage float64) error {
	step := 0.5 / float64(pageCount)
	for pgno := uint32(1); pgno <= pageCount; pgno++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !f.crawler.Visited(pgno) {
			f.crawler.MarkVisited(pgno)
			if err := f.scanPage(pgno, perPage); err != nil {
				return err
			}
		}
		if err := f.advance(step); err != nil {
			return err
		}
	}
	if f.orphanPages > 0 {
		logging.Info("orphan_pages_recovered", "path", f.path,
			"pages", f.orphanPages, "cells", f.orphanCells)
	}
	return nil
}

func (f *FullCrawler) scanPage(pgno uint32, perPage float64) error {
	page, err := btree.AcquirePage(f.pager, pgno)
	if err != nil {
		f.record(pgno, err)
		return nil
	}
	defer page.Release()

	typ, ok := page.AcquireType()
	if !ok {
		// overflow, freelist or pointer map page
		f.IncreaseScore(perPage)
		return nil
	}
	count, err := page.CellCount()
	if err != nil {
		return nil
	}
	f.IncreaseScore(perPage)
	if typ != btree.TypeLeafTable || count == 0 {
		return nil
	}

	f.orphanPages++
	for i := 0; i < count; i++ {
		cell, err := page.CellAt(i)
		if err == nil {
			err = cell.Prepare()
		}
		if err != nil || cell.ColumnCount() == 0 {
			continue
		}
		if err := f.assembleOrphan(cell); err != nil {
			return err
		}
	}
	return nil
}

// assembleOrphan inserts a row into the lost and found table matching its
// column count. A rowid already taken by another orphan skips the row.
func (f *FullCrawler) assembleOrphan(cell *btree.Cell) error {
	n := cell.ColumnCount()
	if n != f.orphanCols {
		name := LostAndFoundTable(n)
		ok, err := f.assembler.AssembleTable(name, lostAndFoundSQL(n))
		if err != nil {
			return err
		}
		f.orphanCols = n
		f.orphanTable = ""
		if ok {
			f.orphanTable = name
		}
	}
	if f.orphanTable == "" {
		return nil
	}
	if err := f.assembler.AssembleCell(cell); err != nil {
		if assemble.IsFatal(err) {
			return err
		}
		return nil
	}
	f.orphanCells++
	f.assembled++
	return nil
}
