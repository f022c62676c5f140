package repairman

import (
	"context"
	"time"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/core/repair/assemble"
	"github.com/FocuswithJustin/repairkit/core/repair/btree"
	"github.com/FocuswithJustin/repairkit/core/repair/crawl"
	"github.com/FocuswithJustin/repairkit/core/repair/pager"
	"github.com/FocuswithJustin/repairkit/core/repair/score"
	"github.com/FocuswithJustin/repairkit/internal/logging"
)

// State is the stage a worker is in.
type State int

// Worker states
const (
	StateInitial State = iota
	StateAssemblingMaster
	StateCrawlingTables
	StateAssembled
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateAssemblingMaster:
		return "assembling-master"
	case StateCrawlingTables:
		return "crawling-tables"
	case StateAssembled:
		return "assembled"
	case StateError:
		return "error"
	}
	return "unknown"
}

// Default values
const (
	// DefaultMilestoneCells is the number of rows assembled between two
	// commits of the destination.
	DefaultMilestoneCells = 10000
)

// Config configures a worker.
type Config struct {
	Pager pager.Config

	// MilestoneCells is the number of rows between commits.
	MilestoneCells int

	// OnProgress is called as tables are completed. Returning false
	// cancels the pass.
	OnProgress score.ProgressFunc
}

// DefaultConfig returns the default worker configuration.
func DefaultConfig() Config {
	return Config{
		Pager:          pager.DefaultConfig(),
		MilestoneCells: DefaultMilestoneCells,
	}
}

// Corruption is a damaged page found during a pass.
type Corruption struct {
	Page uint32
	Err  error
}

// worker holds what Repairman, Mechanic and FullCrawler share.
type worker struct {
	errors.CriticalErrorOnly
	score.Scoreable

	path      string
	cfg       Config
	pager     *pager.Pager
	assembler assemble.Assembler
	crawler   *crawl.Crawlable
	progress  score.Progress

	state       State
	corrupted   map[uint32]bool
	corruptions []Corruption
	pending     int
	assembled   int64
	started     time.Time
}

func (w *worker) init(path string, a assemble.Assembler, cfg Config) {
	if cfg.MilestoneCells <= 0 {
		cfg.MilestoneCells = DefaultMilestoneCells
	}
	w.path = path
	w.cfg = cfg
	w.pager = pager.New(path, cfg.Pager)
	w.assembler = a
	w.corrupted = make(map[uint32]bool)
	w.progress.OnProgressUpdated = cfg.OnProgress
}

// Path returns the damaged database path.
func (w *worker) Path() string {
	return w.path
}

// State returns the current stage.
func (w *worker) State() State {
	return w.state
}

// Progress returns the completed fraction of the pass.
func (w *worker) Progress() float64 {
	return w.progress.Progress()
}

// Corruptions returns the damaged pages found, one entry per page.
func (w *worker) Corruptions() []Corruption {
	return w.corruptions
}

// AssembledCells returns the number of rows handed to the assembler.
func (w *worker) AssembledCells() int64 {
	return w.assembled
}

// Pager returns the pager of the damaged database.
func (w *worker) Pager() *pager.Pager {
	return w.pager
}

func (w *worker) fail(err error) error {
	w.state = StateError
	w.SetCriticalError(err)
	errors.Report(err)
	return err
}

// begin opens the damaged database and the destination.
func (w *worker) begin(ctx context.Context) error {
	w.started = time.Now()
	if err := w.pager.Initialize(); err != nil {
		return w.fail(err)
	}
	w.crawler = crawl.NewCrawlable(w.pager, false)
	if err := w.assembler.MarkAsAssembling(ctx); err != nil {
		return w.fail(err)
	}
	w.state = StateAssemblingMaster
	return nil
}

// finish closes the destination and the damaged database.
func (w *worker) finish(ctx context.Context) error {
	defer w.pager.Close()
	if err := w.assembler.MarkAsAssembled(); err != nil {
		return w.fail(err)
	}
	w.state = StateAssembled
	w.progress.Finish()
	logging.RepairFinished(ctx, w.path, w.Score(), time.Since(w.started),
		"corrupted_pages", len(w.corruptions), "cells", w.assembled)
	return nil
}

// abort closes what begin opened after a failure.
func (w *worker) abort(err error) error {
	w.assembler.MarkAsAssembled()
	w.pager.Close()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		w.state = StateError
		return err
	}
	return w.fail(err)
}

func (w *worker) record(pgno uint32, err error) {
	if w.corrupted[pgno] {
		return
	}
	w.corrupted[pgno] = true
	w.corruptions = append(w.corruptions, Corruption{Page: pgno, Err: err})
	w.SetCriticalError(err)
	logging.PageCorrupted(w.path, pgno, err)
}

func (w *worker) OnPageCorrupted(pgno uint32, err error) {
	w.record(pgno, err)
}

func (w *worker) OnCellCorrupted(page *btree.Page, index int, err error) {
	w.record(page.Number, err)
}

// advance moves the progress forward and reports cancellation.
func (w *worker) advance(delta float64) error {
	if !w.progress.IncreaseProgress(delta) {
		return context.Canceled
	}
	return nil
}

// assembleCell inserts one row. Fatal assembler errors are returned; any
// other failure marks the cell's page corrupted.
func (w *worker) assembleCell(cell *btree.Cell) (bool, error) {
	if err := w.assembler.AssembleCell(cell); err != nil {
		if assemble.IsFatal(err) {
			return false, err
		}
		w.record(cell.Page().Number, err)
		return false, nil
	}
	w.assembled++
	w.pending++
	if w.pending >= w.cfg.MilestoneCells {
		w.pending = 0
		if err := w.assembler.MarkAsMilestone(); err != nil {
			return true, err
		}
	}
	return true, nil
}

// rootFanout returns the number of children of an interior root, 1 for a
// leaf root or an unreadable one.
func (w *worker) rootFanout(root uint32) int {
	page, err := btree.AcquirePage(w.pager, root)
	if err != nil {
		return 1
	}
	defer page.Release()
	if !page.Type().IsInterior() {
		return 1
	}
	children, err := page.SubPageNumbers()
	if err != nil || len(children) == 0 {
		return 1
	}
	return len(children)
}

// tableWeights spreads the score over tables in proportion to the fanout
// of their roots.
func (w *worker) tableWeights(roots map[string]uint32) map[string]float64 {
	weights := make(map[string]float64, len(roots))
	total := 0.0
	for name, root := range roots {
		f := float64(w.rootFanout(root))
		weights[name] = f
		total += f
	}
	for name := range weights {
		weights[name] /= total
	}
	return weights
}

// crawlTable creates a table and crawls its rows from root.
func (w *worker) crawlTable(ctx context.Context, name, sql string, root uint32, v *tableVisitor) error {
	ok, err := w.assembler.AssembleTable(name, sql)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	v.weights[root] = v.weight
	return w.crawler.Crawl(ctx, root, v)
}

// assembleSequences writes sequences in name order.
func (w *worker) assembleSequences(seqs map[string]int64) error {
	for _, name := range sortedKeys(seqs) {
		if err := w.assembler.AssembleSequence(name, seqs[name]); err != nil && assemble.IsFatal(err) {
			return err
		}
	}
	return nil
}

// assembleAssociated executes index, view and trigger SQL after the tables.
func (w *worker) assembleAssociated(assoc map[string][]string) error {
	for _, name := range crawl.AssociatedNames(assoc) {
		for _, sql := range assoc[name] {
			if err := w.assembler.AssembleSQL(sql); err != nil && assemble.IsFatal(err) {
				return err
			}
		}
	}
	return nil
}

// tableVisitor feeds rows to the assembler and scores pages.
type tableVisitor struct {
	*worker

	// weight is the share of the score of the table being crawled.
	weight float64

	// weights maps pages to their share of the score.
	weights map[uint32]float64

	// share is the score of one row of the current leaf page.
	share float64

	// perPage, when set, scores each walked page instead of each row.
	perPage float64
}

func newTableVisitor(w *worker) *tableVisitor {
	return &tableVisitor{worker: w, weights: make(map[uint32]float64)}
}

func (v *tableVisitor) WillCrawlPage(page *btree.Page, height int) bool {
	if v.perPage > 0 {
		v.IncreaseScore(v.perPage)
		return true
	}
	weight := v.weights[page.Number]
	delete(v.weights, page.Number)
	if page.Type().IsInterior() {
		children, err := page.SubPageNumbers()
		if err == nil && len(children) > 0 {
			each := weight / float64(len(children))
			for _, child := range children {
				v.weights[child] = each
			}
		}
		return true
	}
	count, err := page.CellCount()
	if err != nil || count == 0 {
		v.IncreaseScore(weight)
		v.share = 0
		return true
	}
	v.share = weight / float64(count)
	return true
}

func (v *tableVisitor) OnCellCrawled(cell *btree.Cell) error {
	ok, err := v.assembleCell(cell)
	if err != nil {
		return err
	}
	if ok && v.perPage == 0 {
		v.IncreaseScore(v.share)
	}
	return nil
}
