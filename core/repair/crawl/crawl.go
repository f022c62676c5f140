// Package crawl walks table B-trees of a damaged database.
//
// Crawlable performs an iterative depth-first walk from a root page and
// hands every decoded cell to a Visitor. Pages are tracked in a visited
// bitmap shared by every crawl of the same Crawlable, so a page reached
// twice, whether through a cycle or through two trees, is reported as
// corrupted instead of being walked again.
package crawl

import (
	"context"
	"math/bits"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/core/repair/btree"
)

// CorruptionSink receives corruption found during a crawl.
type CorruptionSink interface {
	OnPageCorrupted(pgno uint32, err error)
	OnCellCorrupted(page *btree.Page, index int, err error)
}

// Visitor receives the pages and cells of a crawl.
type Visitor interface {
	CorruptionSink

	// WillCrawlPage is called for every valid page before it is walked.
	// Returning false skips the page and its subtree.
	WillCrawlPage(page *btree.Page, height int) bool

	// OnCellCrawled is called for each prepared leaf cell in stored order.
	// A non-nil error aborts the crawl.
	OnCellCrawled(cell *btree.Cell) error
}

// BaseVisitor is a Visitor that accepts every page and ignores the rest.
type BaseVisitor struct{}

func (BaseVisitor) OnPageCorrupted(uint32, error)           {}
func (BaseVisitor) OnCellCorrupted(*btree.Page, int, error) {}
func (BaseVisitor) WillCrawlPage(*btree.Page, int) bool     { return true }
func (BaseVisitor) OnCellCrawled(*btree.Cell) error         { return nil }

// Crawlable walks table B-trees of one database.
type Crawlable struct {
	Pager btree.Pager

	// Fatal aborts the crawl on the first corrupted page.
	Fatal bool

	// SkipCells walks leaf pages without decoding their cells.
	SkipCells bool

	visited []uint64
}

// NewCrawlable returns a Crawlable over p.
func NewCrawlable(p btree.Pager, fatal bool) *Crawlable {
	return &Crawlable{Pager: p, Fatal: fatal}
}

func (c *Crawlable) ensureBitmap() {
	words := int(c.Pager.PageCount())/64 + 1
	if len(c.visited) < words {
		grown := make([]uint64, words)
		copy(grown, c.visited)
		c.visited = grown
	}
}

// Visited reports whether pgno has been walked.
func (c *Crawlable) Visited(pgno uint32) bool {
	w := int(pgno / 64)
	return w < len(c.visited) && c.visited[w]&(1<<(pgno%64)) != 0
}

// MarkVisited records pgno as walked.
func (c *Crawlable) MarkVisited(pgno uint32) {
	c.ensureBitmap()
	w := int(pgno / 64)
	if w < len(c.visited) {
		c.visited[w] |= 1 << (pgno % 64)
	}
}

// VisitedCount returns the number of walked pages.
func (c *Crawlable) VisitedCount() int {
	n := 0
	for _, w := range c.visited {
		n += bits.OnesCount64(w)
	}
	return n
}

// ResetVisited forgets every walked page.
func (c *Crawlable) ResetVisited() {
	clear(c.visited)
}

type frame struct {
	pgno   uint32
	height int
}

// Crawl walks the table B-tree rooted at root. Interior pages are walked in
// stored order followed by the right-most child. It returns an error when
// the context is done, when the visitor aborts, or, with Fatal, on the
// first corrupted page.
func (c *Crawlable) Crawl(ctx context.Context, root uint32, v Visitor) error {
	c.ensureBitmap()
	pageCount := c.Pager.PageCount()
	stack := []frame{{pgno: root}}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.pgno == 0 || f.pgno > pageCount {
			if err := c.corrupted(v, f.pgno, errors.Corrupt(f.pgno, "page out of range 1..%d", pageCount)); err != nil {
				return err
			}
			continue
		}
		if c.Visited(f.pgno) {
			if err := c.corrupted(v, f.pgno, errors.Corrupt(f.pgno, "page reached twice")); err != nil {
				return err
			}
			continue
		}
		c.MarkVisited(f.pgno)

		children, err := c.walkPage(f, v)
		if err != nil {
			return err
		}
		for i := len(children) - 1; i >= 0; i-- {
			stack = append(stack, frame{pgno: children[i], height: f.height + 1})
		}
	}
	return nil
}

// walkPage visits one page and returns its children.
func (c *Crawlable) walkPage(f frame, v Visitor) ([]uint32, error) {
	page, err := btree.AcquirePage(c.Pager, f.pgno)
	if err != nil {
		return nil, c.corrupted(v, f.pgno, err)
	}
	defer page.Release()

	typ := page.Type()
	if !typ.IsTable() {
		return nil, c.corrupted(v, f.pgno, errors.Corrupt(f.pgno, "unexpected %s page in table tree", typ))
	}
	count, err := page.CellCount()
	if err != nil {
		return nil, c.corrupted(v, f.pgno, err)
	}
	var children []uint32
	if typ.IsInterior() {
		if children, err = page.SubPageNumbers(); err != nil {
			return nil, c.corrupted(v, f.pgno, err)
		}
	}

	if !v.WillCrawlPage(page, f.height) {
		return nil, nil
	}
	if typ.IsInterior() || c.SkipCells {
		return children, nil
	}

	for i := 0; i < count; i++ {
		cell, err := page.CellAt(i)
		if err == nil {
			err = cell.Prepare()
		}
		if err != nil {
			v.OnCellCorrupted(page, i, err)
			continue
		}
		if err := v.OnCellCrawled(cell); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

func (c *Crawlable) corrupted(v Visitor, pgno uint32, err error) error {
	v.OnPageCorrupted(pgno, err)
	if c.Fatal {
		return err
	}
	return nil
}
