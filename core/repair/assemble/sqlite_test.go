package assemble

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/FocuswithJustin/repairkit/core/repair/btree"
	"github.com/FocuswithJustin/repairkit/core/repair/crawl"
	"github.com/FocuswithJustin/repairkit/core/repair/pager"
	"github.com/FocuswithJustin/repairkit/core/sqlite"
)

type cellFeeder struct {
	crawl.BaseVisitor
	a Assembler
}

func (f *cellFeeder) OnCellCrawled(cell *btree.Cell) error {
	return f.a.AssembleCell(cell)
}

func createDatabase(t *testing.T, stmts ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.db")
	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("Exec(%q) error = %v", stmt, err)
		}
	}
	return path
}

// feed crawls the table rooted at page 2 of src into a.
func feed(t *testing.T, src string, a Assembler) {
	t.Helper()
	p := pager.New(src, pager.DefaultConfig())
	if err := p.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer p.Close()
	c := crawl.NewCrawlable(p, true)
	if err := c.Crawl(context.Background(), 2, &cellFeeder{a: a}); err != nil {
		t.Fatalf("Crawl() error = %v", err)
	}
}

func queryPairs(t *testing.T, path, query string) map[int64]string {
	t.Helper()
	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()
	rows, err := db.Query(query)
	if err != nil {
		t.Fatalf("Query(%q) error = %v", query, err)
	}
	defer rows.Close()
	out := make(map[int64]string)
	for rows.Next() {
		var k int64
		var v sql.NullString
		if err := rows.Scan(&k, &v); err != nil {
			t.Fatalf("Scan() error = %v", err)
		}
		out[k] = v.String
	}
	return out
}

func TestAssembleIntegerPrimaryKey(t *testing.T) {
	const schema = "CREATE TABLE t(id INTEGER PRIMARY KEY, name TEXT)"
	src := createDatabase(t,
		"PRAGMA page_size=4096",
		schema,
		"INSERT INTO t VALUES (3, 'three'), (10, 'ten')",
	)
	dst := filepath.Join(t.TempDir(), "restored.db")

	a := NewSQLiteAssembler(dst)
	if err := a.MarkAsAssembling(context.Background()); err != nil {
		t.Fatalf("MarkAsAssembling() error = %v", err)
	}
	ok, err := a.AssembleTable("t", schema)
	if err != nil || !ok {
		t.Fatalf("AssembleTable() = %v, %v", ok, err)
	}
	feed(t, src, a)
	if err := a.MarkAsMilestone(); err != nil {
		t.Fatalf("MarkAsMilestone() error = %v", err)
	}
	if err := a.MarkAsAssembled(); err != nil {
		t.Fatalf("MarkAsAssembled() error = %v", err)
	}

	got := queryPairs(t, dst, "SELECT id, name FROM t")
	if len(got) != 2 || got[3] != "three" || got[10] != "ten" {
		t.Errorf("restored rows = %v", got)
	}
}

func TestAssembleKeepsRowids(t *testing.T) {
	const schema = "CREATE TABLE t(name TEXT)"
	src := createDatabase(t,
		"PRAGMA page_size=4096",
		schema,
		"INSERT INTO t(rowid, name) VALUES (5, 'five'), (7, 'seven')",
	)
	dst := filepath.Join(t.TempDir(), "restored.db")

	a := NewSQLiteAssembler(dst)
	if err := a.MarkAsAssembling(context.Background()); err != nil {
		t.Fatalf("MarkAsAssembling() error = %v", err)
	}
	if ok, err := a.AssembleTable("t", schema); err != nil || !ok {
		t.Fatalf("AssembleTable() = %v, %v", ok, err)
	}
	feed(t, src, a)

	// A second pass conflicts on every rowid and is skipped.
	feed(t, src, a)
	if err := a.MarkAsAssembled(); err != nil {
		t.Fatalf("MarkAsAssembled() error = %v", err)
	}

	got := queryPairs(t, dst, "SELECT rowid, name FROM t")
	if len(got) != 2 || got[5] != "five" || got[7] != "seven" {
		t.Errorf("restored rows = %v", got)
	}
}

func TestAssembleDuplicatedReplaces(t *testing.T) {
	const schema = "CREATE TABLE t(id INTEGER PRIMARY KEY, name TEXT)"
	first := createDatabase(t, schema, "INSERT INTO t VALUES (1, 'old'), (2, 'kept')")
	second := createDatabase(t, schema, "INSERT INTO t VALUES (1, 'new')")
	dst := filepath.Join(t.TempDir(), "restored.db")

	a := NewSQLiteAssembler(dst)
	if err := a.MarkAsAssembling(context.Background()); err != nil {
		t.Fatalf("MarkAsAssembling() error = %v", err)
	}
	a.MarkAsDuplicated(true)
	for _, src := range []string{first, second} {
		if ok, err := a.AssembleTable("t", schema); err != nil || !ok {
			t.Fatalf("AssembleTable() = %v, %v", ok, err)
		}
		feed(t, src, a)
	}
	if err := a.MarkAsAssembled(); err != nil {
		t.Fatalf("MarkAsAssembled() error = %v", err)
	}

	got := queryPairs(t, dst, "SELECT id, name FROM t")
	if len(got) != 2 || got[1] != "new" || got[2] != "kept" {
		t.Errorf("restored rows = %v", got)
	}
}

func TestAssembleSequenceAndSQL(t *testing.T) {
	dst := filepath.Join(t.TempDir(), "restored.db")
	a := NewSQLiteAssembler(dst)
	if err := a.MarkAsAssembling(context.Background()); err != nil {
		t.Fatalf("MarkAsAssembling() error = %v", err)
	}
	if ok, err := a.AssembleTable("t", "CREATE TABLE t(a, b)"); err != nil || !ok {
		t.Fatalf("AssembleTable() = %v, %v", ok, err)
	}
	if ok, err := a.AssembleTable("bad", "CREATE TABLE bad("); err != nil || ok {
		t.Errorf("AssembleTable(bad) = %v, %v, want false, nil", ok, err)
	}
	if err := a.AssembleSequence("t", 10); err != nil {
		t.Fatalf("AssembleSequence() error = %v", err)
	}
	if err := a.AssembleSequence("t", 4); err != nil {
		t.Fatalf("AssembleSequence() error = %v", err)
	}
	if err := a.AssembleSQL("CREATE INDEX t_a ON t(a)"); err != nil {
		t.Fatalf("AssembleSQL() error = %v", err)
	}
	if err := a.AssembleSQL("CREATE INDEX broken ON missing(a)"); err != nil {
		t.Errorf("AssembleSQL() with bad SQL error = %v, want nil", err)
	}
	if err := a.MarkAsAssembled(); err != nil {
		t.Fatalf("MarkAsAssembled() error = %v", err)
	}

	db, err := sqlite.Open(dst)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	var seq int64
	if err := db.QueryRow("SELECT seq FROM sqlite_sequence WHERE name='t'").Scan(&seq); err != nil {
		t.Fatalf("QueryRow() error = %v", err)
	}
	if seq != 10 {
		t.Errorf("seq = %d, want 10", seq)
	}
	var n int
	db.QueryRow("SELECT count(*) FROM sqlite_master WHERE name=?", DummySequenceTable).Scan(&n)
	if n != 0 {
		t.Error("placeholder sequence table was not dropped")
	}
	db.QueryRow("SELECT count(*) FROM sqlite_master WHERE type='index' AND name='t_a'").Scan(&n)
	if n != 1 {
		t.Error("index t_a missing")
	}
}

func TestSessionContext(t *testing.T) {
	a := NewSQLiteAssembler(filepath.Join(t.TempDir(), "restored.db"))
	ctx, cancel := context.WithCancel(context.Background())
	if err := a.MarkAsAssembling(ctx); err != nil {
		t.Fatalf("MarkAsAssembling() error = %v", err)
	}
	cancel()
	if ok, _ := a.AssembleTable("x", "CREATE TABLE x(a)"); ok {
		t.Error("AssembleTable() after the session context ended = true")
	}
	if a.Err() == nil {
		t.Error("Err() = nil after a canceled statement")
	}

	// Reopening an open session adopts the new context.
	if err := a.MarkAsAssembling(context.Background()); err != nil {
		t.Fatalf("MarkAsAssembling() error = %v", err)
	}
	if ok, err := a.AssembleTable("x", "CREATE TABLE x(a)"); err != nil || !ok {
		t.Errorf("AssembleTable() = %v, %v, want true", ok, err)
	}
	if err := a.MarkAsAssembled(); err != nil {
		t.Fatalf("MarkAsAssembled() error = %v", err)
	}
}

func TestIsFatal(t *testing.T) {
	a := NewSQLiteAssembler("unused")
	if err := a.AssembleSQL("SELECT 1"); err == nil {
		t.Error("AssembleSQL() before MarkAsAssembling should fail")
	}
	if IsFatal(nil) {
		t.Error("IsFatal(nil) = true")
	}
}
