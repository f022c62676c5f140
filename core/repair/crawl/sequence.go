package crawl

import (
	"context"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/core/repair/btree"
)

// SequenceTable is the name of SQLite's AUTOINCREMENT bookkeeping table.
const SequenceTable = "sqlite_sequence"

// SequenceCrawler reads sqlite_sequence into a name to sequence map.
type SequenceCrawler struct {
	BaseVisitor

	crawler   *Crawlable
	sink      CorruptionSink
	sequences map[string]int64
}

// NewSequenceCrawler returns a crawler that reports corruption to sink,
// which may be nil.
func NewSequenceCrawler(c *Crawlable, sink CorruptionSink) *SequenceCrawler {
	return &SequenceCrawler{crawler: c, sink: sink}
}

// Work crawls the sqlite_sequence tree rooted at root.
func (sc *SequenceCrawler) Work(ctx context.Context, root uint32) (map[string]int64, error) {
	sc.sequences = make(map[string]int64)
	err := sc.crawler.Crawl(ctx, root, sc)
	return sc.sequences, err
}

func (sc *SequenceCrawler) OnPageCorrupted(pgno uint32, err error) {
	if sc.sink != nil {
		sc.sink.OnPageCorrupted(pgno, err)
	}
}

func (sc *SequenceCrawler) OnCellCorrupted(page *btree.Page, index int, err error) {
	if sc.sink != nil {
		sc.sink.OnCellCorrupted(page, index, err)
	}
}

func (sc *SequenceCrawler) OnCellCrawled(cell *btree.Cell) error {
	if cell.ColumnCount() != 2 ||
		cell.ColumnType(0) != btree.ColumnText ||
		cell.ColumnType(1) != btree.ColumnInteger {
		sc.OnCellCorrupted(cell.Page(), cell.Index(),
			errors.Corrupt(cell.Page().Number, "malformed sqlite_sequence row"))
		return nil
	}
	name := cell.TextValue(0)
	seq := cell.IntegerValue(1)
	if cur, ok := sc.sequences[name]; !ok || seq > cur {
		sc.sequences[name] = seq
	}
	return nil
}

// MergeSequences returns the union of a and b keeping the larger value.
func MergeSequences(a, b map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(a)+len(b))
	for name, seq := range a {
		out[name] = seq
	}
	for name, seq := range b {
		if cur, ok := out[name]; !ok || seq > cur {
			out[name] = seq
		}
	}
	return out
}
