package repairman

import (
	"context"

	"github.com/FocuswithJustin/repairkit/core/repair/assemble"
	"github.com/FocuswithJustin/repairkit/core/repair/crawl"
)

// Repairman rebuilds a database from what its sqlite_master describes.
type Repairman struct {
	worker
}

// New returns a Repairman reading the database at path into a.
func New(path string, a assemble.Assembler, cfg Config) *Repairman {
	r := &Repairman{}
	r.init(path, a, cfg)
	return r
}

// Work runs the pass. Corruption never fails the pass; only fatal
// assembler errors, an unreadable database and cancellation do.
func (r *Repairman) Work(ctx context.Context) error {
	if err := r.begin(ctx); err != nil {
		return err
	}

	master, err := crawl.NewMasterCrawler(r.crawler, &r.worker).Work(ctx)
	if err != nil {
		return r.abort(err)
	}

	r.state = StateCrawlingTables
	roots := make(map[string]uint32)
	sqls := make(map[string]string)
	for _, e := range master.Tables() {
		if e.Repairable() {
			roots[e.Name] = e.RootPage
			sqls[e.Name] = e.SQL
		}
	}

	if err := r.crawlTables(ctx, roots, sqls, 0, 1); err != nil {
		return r.abort(err)
	}

	var seqs map[string]int64
	if e, ok := master.Table(crawl.SequenceTable); ok {
		seqs, err = crawl.NewSequenceCrawler(r.crawler, &r.worker).Work(ctx, e.RootPage)
		if err != nil {
			return r.abort(err)
		}
	}
	if err := r.assembleSequences(seqs); err != nil {
		return r.abort(err)
	}
	if err := r.assembleAssociated(master.Associated()); err != nil {
		return r.abort(err)
	}
	return r.finish(ctx)
}

// crawlTables crawls every table with a score weight taken from its root
// fanout, or perPage for each walked page when set. The tables together
// advance the progress by span.
func (w *worker) crawlTables(ctx context.Context, roots map[string]uint32, sqls map[string]string, perPage, span float64) error {
	weights := w.tableWeights(roots)
	names := sortedKeys(roots)
	v := newTableVisitor(w)
	v.perPage = perPage
	for _, name := range names {
		v.weight = weights[name]
		if err := w.crawlTable(ctx, name, sqls[name], roots[name], v); err != nil {
			return err
		}
		if err := w.advance(span / float64(len(names))); err != nil {
			return err
		}
	}
	return nil
}
