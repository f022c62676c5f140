package crawl

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/core/repair/btree"
)

// MasterRoot is the root page of sqlite_master.
const MasterRoot = 1

// Schema object types
const (
	TypeTable   = "table"
	TypeIndex   = "index"
	TypeView    = "view"
	TypeTrigger = "trigger"
)

var (
	virtualTableRe = regexp.MustCompile(`(?is)^\s*create\s+virtual\s+table\b`)
	withoutRowidRe = regexp.MustCompile(`(?is)\bwithout\s+rowid\b`)
)

// Entry is one row of sqlite_master.
type Entry struct {
	Type      string
	Name      string
	TableName string
	RootPage  uint32
	SQL       string
}

// IsInternal reports whether the entry is one of SQLite's own objects.
func (e Entry) IsInternal() bool {
	return strings.HasPrefix(strings.ToLower(e.Name), "sqlite_")
}

// IsVirtual reports whether the entry is a virtual table.
func (e Entry) IsVirtual() bool {
	return virtualTableRe.MatchString(e.SQL)
}

// IsWithoutRowid reports whether the entry is a WITHOUT ROWID table. Only
// the table options after the column list are inspected.
func (e Entry) IsWithoutRowid() bool {
	i := strings.LastIndex(e.SQL, ")")
	if i < 0 {
		return false
	}
	return withoutRowidRe.MatchString(e.SQL[i+1:])
}

// Repairable reports whether rows of the entry can be rebuilt from its
// B-tree.
func (e Entry) Repairable() bool {
	return e.Type == TypeTable && e.RootPage != 0 &&
		!e.IsInternal() && !e.IsVirtual() && !e.IsWithoutRowid()
}

// Master is the decoded schema table.
type Master struct {
	Entries []Entry
}

// Tables returns the table rows, excluding every row whose name differs
// from its table name.
func (m *Master) Tables() []Entry {
	var out []Entry
	for _, e := range m.Entries {
		if e.Type == TypeTable && e.Name == e.TableName {
			out = append(out, e)
		}
	}
	return out
}

// Table returns the table row named name.
func (m *Master) Table(name string) (Entry, bool) {
	for _, e := range m.Tables() {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Associated returns the SQL of indexes, views and triggers grouped by
// table name, in that order. Implicit indexes have no SQL and are omitted.
func (m *Master) Associated() map[string][]string {
	out := make(map[string][]string)
	for _, typ := range []string{TypeIndex, TypeView, TypeTrigger} {
		for _, e := range m.Entries {
			if e.Type == typ && e.SQL != "" {
				out[e.TableName] = append(out[e.TableName], e.SQL)
			}
		}
	}
	return out
}

// AssociatedNames returns the keys of Associated in sorted order.
func AssociatedNames(assoc map[string][]string) []string {
	names := make([]string, 0, len(assoc))
	for name := range assoc {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// MasterCrawler decodes sqlite_master.
type MasterCrawler struct {
	BaseVisitor

	crawler *Crawlable
	sink    CorruptionSink
	master  *Master
	seen    map[string]bool
}

// NewMasterCrawler returns a crawler that reports corruption to sink, which
// may be nil.
func NewMasterCrawler(c *Crawlable, sink CorruptionSink) *MasterCrawler {
	return &MasterCrawler{crawler: c, sink: sink}
}

// Work crawls sqlite_master from page 1.
func (mc *MasterCrawler) Work(ctx context.Context) (*Master, error) {
	mc.master = &Master{}
	mc.seen = make(map[string]bool)
	if err := mc.crawler.Crawl(ctx, MasterRoot, mc); err != nil {
		return mc.master, err
	}
	return mc.master, nil
}

func (mc *MasterCrawler) OnPageCorrupted(pgno uint32, err error) {
	if mc.sink != nil {
		mc.sink.OnPageCorrupted(pgno, err)
	}
}

func (mc *MasterCrawler) OnCellCorrupted(page *btree.Page, index int, err error) {
	if mc.sink != nil {
		mc.sink.OnCellCorrupted(page, index, err)
	}
}

func (mc *MasterCrawler) OnCellCrawled(cell *btree.Cell) error {
	entry, err := decodeEntry(cell)
	if err != nil {
		mc.OnCellCorrupted(cell.Page(), cell.Index(), err)
		return nil
	}
	key := entry.Type + "\x00" + entry.Name
	if mc.seen[key] {
		return nil
	}
	mc.seen[key] = true
	mc.master.Entries = append(mc.master.Entries, entry)
	return nil
}

func decodeEntry(cell *btree.Cell) (Entry, error) {
	pgno := cell.Page().Number
	if cell.ColumnCount() != 5 {
		return Entry{}, errors.Corrupt(pgno, "master row has %d columns", cell.ColumnCount())
	}
	for i, want := range []btree.ColumnType{btree.ColumnText, btree.ColumnText, btree.ColumnText, btree.ColumnInteger} {
		if cell.ColumnType(i) != want {
			return Entry{}, errors.Corrupt(pgno, "master column %d is %s", i, cell.ColumnType(i))
		}
	}
	e := Entry{
		Type:      cell.TextValue(0),
		Name:      cell.TextValue(1),
		TableName: cell.TextValue(2),
	}
	root := cell.IntegerValue(3)
	if root < 0 || root > int64(^uint32(0)) {
		return Entry{}, errors.Corrupt(pgno, "master root page %d invalid", root)
	}
	e.RootPage = uint32(root)

	switch cell.ColumnType(4) {
	case btree.ColumnText:
		e.SQL = cell.TextValue(4)
	case btree.ColumnNull:
	default:
		return Entry{}, errors.Corrupt(pgno, "master sql column is %s", cell.ColumnType(4))
	}

	if e.Name == "" || e.TableName == "" {
		return Entry{}, errors.Corrupt(pgno, "master row without a name")
	}
	implicit := e.Type == TypeIndex && strings.HasPrefix(e.Name, "sqlite_autoindex_")
	if e.SQL == "" && !implicit {
		return Entry{}, errors.Corrupt(pgno, "master row %q without sql", e.Name)
	}
	return e, nil
}
