package repairman

import (
	"context"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/core/repair/assemble"
	"github.com/FocuswithJustin/repairkit/core/repair/btree"
	"github.com/FocuswithJustin/repairkit/core/repair/crawl"
	"github.com/FocuswithJustin/repairkit/core/repair/material"
	"github.com/FocuswithJustin/repairkit/internal/logging"
)

// Mechanic rebuilds a database guided by a backup material.
type Mechanic struct {
	worker

	material *material.Material
	verified int
}

// NewMechanic returns a Mechanic reading the database at path into a. The
// page size and reserved bytes of m are used when the header is damaged.
func NewMechanic(path string, a assemble.Assembler, m *material.Material, cfg Config) *Mechanic {
	if cfg.Pager.PageSize == 0 {
		cfg.Pager.PageSize = m.Info.PageSize
		cfg.Pager.ReservedBytes = m.Info.ReservedBytes
	}
	mc := &Mechanic{material: m}
	mc.init(path, a, cfg)
	return mc
}

// VerifiedTables returns how many tables were read from their recorded
// pages.
func (m *Mechanic) VerifiedTables() int {
	return m.verified
}

// Work runs the pass.
func (m *Mechanic) Work(ctx context.Context) error {
	if err := m.begin(ctx); err != nil {
		return err
	}

	// The master is optional: the material already describes the schema.
	master, err := crawl.NewMasterCrawler(m.crawler, &m.worker).Work(ctx)
	if err != nil {
		return m.abort(err)
	}

	m.state = StateCrawlingTables
	roots := make(map[string]uint32)
	sqls := make(map[string]string)
	for _, c := range m.material.Contents {
		if c.HasTable() {
			roots[c.Name] = c.RootPage
			sqls[c.Name] = c.SQL
		}
	}
	for _, e := range master.Tables() {
		if e.Repairable() {
			roots[e.Name] = e.RootPage
			sqls[e.Name] = e.SQL
		}
	}

	weights := m.tableWeights(roots)
	names := sortedKeys(roots)
	v := newTableVisitor(&m.worker)
	for _, name := range names {
		v.weight = weights[name]
		content := m.material.Content(name)
		if content != nil && content.RootPage == roots[name] && m.unchanged(content) {
			err = m.assembleRecorded(ctx, content, sqls[name], v)
		} else {
			err = m.crawlTable(ctx, name, sqls[name], roots[name], v)
		}
		if err != nil {
			return m.abort(err)
		}
		if err := m.advance(1 / float64(len(names))); err != nil {
			return m.abort(err)
		}
	}

	seqs := m.material.Sequences()
	if e, ok := master.Table(crawl.SequenceTable); ok {
		crawled, err := crawl.NewSequenceCrawler(m.crawler, &m.worker).Work(ctx, e.RootPage)
		if err != nil {
			return m.abort(err)
		}
		seqs = crawl.MergeSequences(seqs, crawled)
	}
	if err := m.assembleSequences(seqs); err != nil {
		return m.abort(err)
	}
	if err := m.assembleAssociated(m.associated(master)); err != nil {
		return m.abort(err)
	}
	return m.finish(ctx)
}

// associated merges the associated SQL of the material and the master.
func (m *Mechanic) associated(master *crawl.Master) map[string][]string {
	out := make(map[string][]string)
	seen := make(map[string]bool)
	add := func(name, sql string) {
		if !seen[sql] {
			seen[sql] = true
			out[name] = append(out[name], sql)
		}
	}
	for _, c := range m.material.Contents {
		for _, sql := range c.Associated {
			add(c.Name, sql)
		}
	}
	for name, sqls := range master.Associated() {
		for _, sql := range sqls {
			add(name, sql)
		}
	}
	return out
}

// unchanged reports whether every recorded page still hashes the same.
func (m *Mechanic) unchanged(c *material.Content) bool {
	if len(c.Pages) == 0 {
		return false
	}
	for _, p := range c.Pages {
		if m.crawler.Visited(p.Number) {
			return false
		}
		data, err := m.pager.AcquirePageData(p.Number)
		if err != nil {
			return false
		}
		same := material.PageHash(data.Bytes()) == p.Hash
		data.Release()
		if !same {
			return false
		}
	}
	return true
}

// assembleRecorded reads a table from its recorded leaf pages.
func (m *Mechanic) assembleRecorded(ctx context.Context, c *material.Content, sql string, v *tableVisitor) error {
	ok, err := m.assembler.AssembleTable(c.Name, sql)
	if err != nil || !ok {
		return err
	}
	m.verified++
	logging.Debug("table_verified", "path", m.path, "table", c.Name, "pages", len(c.Pages))

	var leaves []uint32
	for _, p := range c.Pages {
		m.crawler.MarkVisited(p.Number)
		page, err := btree.AcquirePage(m.pager, p.Number)
		if err != nil {
			m.record(p.Number, err)
			continue
		}
		if page.Type() == btree.TypeLeafTable {
			leaves = append(leaves, p.Number)
		}
		page.Release()
	}
	if len(leaves) == 0 {
		m.IncreaseScore(v.weight)
		return nil
	}

	each := v.weight / float64(len(leaves))
	for _, pgno := range leaves {
		if err := ctx.Err(); err != nil {
			return err
		}
		page, err := btree.AcquirePage(m.pager, pgno)
		if err != nil {
			m.record(pgno, err)
			continue
		}
		err = m.assembleLeaf(page, each)
		page.Release()
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Mechanic) assembleLeaf(page *btree.Page, weight float64) error {
	count, err := page.CellCount()
	if err != nil {
		m.record(page.Number, err)
		return nil
	}
	if count == 0 {
		m.IncreaseScore(weight)
		return nil
	}
	for i := 0; i < count; i++ {
		cell, err := page.CellAt(i)
		if err == nil {
			err = cell.Prepare()
		}
		if err != nil {
			m.record(page.Number, errors.Wrapf(err, "cell %d", i))
			continue
		}
		ok, err := m.assembleCell(cell)
		if err != nil {
			return err
		}
		if ok {
			m.IncreaseScore(weight / float64(count))
		}
	}
	return nil
}
