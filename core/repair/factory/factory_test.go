package factory

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/core/repair/material"
	"github.com/FocuswithJustin/repairkit/core/sqlite"
)

const schema = "CREATE TABLE t(id INTEGER PRIMARY KEY AUTOINCREMENT, name TEXT)"

func createDatabase(t *testing.T, stmts ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.db")
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

func sampleDatabase(t *testing.T) string {
	t.Helper()
	return createDatabase(t,
		schema,
		"CREATE INDEX t_name ON t(name)",
		"CREATE TABLE u(v)",
		"WITH RECURSIVE n(i) AS (SELECT 1 UNION ALL SELECT i+1 FROM n WHERE i < 50) "+
			"INSERT INTO t(name) SELECT printf('name-%d', i) FROM n",
		"DELETE FROM t WHERE id > 40",
		"INSERT INTO u VALUES (1), (1), (x'00ff')",
	)
}

// dump returns the rows of query as sorted strings.
func dump(t *testing.T, path, query string) []string {
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
	cols, _ := rows.Columns()
	var out []string
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			t.Fatalf("Scan() error = %v", err)
		}
		out = append(out, fmt.Sprint(vals))
	}
	return out
}

func sequence(t *testing.T, path string) string {
	t.Helper()
	return strings.Join(dump(t, path, "SELECT name, seq FROM sqlite_sequence ORDER BY name"), ";")
}

func TestBackupThenRetrieveRoundTrip(t *testing.T) {
	path := sampleDatabase(t)
	wantT := dump(t, path, "SELECT id, name FROM t ORDER BY id")
	wantU := dump(t, path, "SELECT v FROM u ORDER BY v")
	wantSeq := sequence(t, path)

	f := New(path)
	if err := f.Backup().Work(context.Background()); err != nil {
		t.Fatalf("Backup.Work() error = %v", err)
	}
	r := f.Retriever()
	if err := r.Work(context.Background()); err != nil {
		t.Fatalf("Retriever.Work() error = %v", err)
	}

	if got := dump(t, path, "SELECT id, name FROM t ORDER BY id"); strings.Join(got, "|") != strings.Join(wantT, "|") {
		t.Errorf("rows of t = %v, want %v", got, wantT)
	}
	if got := dump(t, path, "SELECT v FROM u ORDER BY v"); strings.Join(got, "|") != strings.Join(wantU, "|") {
		t.Errorf("rows of u = %v, want %v", got, wantU)
	}
	if got := sequence(t, path); got != wantSeq {
		t.Errorf("sqlite_sequence = %q, want %q", got, wantSeq)
	}
	if got := dump(t, path, "SELECT name FROM sqlite_master WHERE type = 'index'"); len(got) != 1 || got[0] != "[t_name]" {
		t.Errorf("indexes = %v, want [t_name]", got)
	}

	reports := r.Reports()
	if len(reports) != 1 || reports[0].Material == "" {
		t.Fatalf("Reports() = %+v, want one material driven report", reports)
	}
	if r.Score() < 0.999 {
		t.Errorf("Score() = %v, want 1", r.Score())
	}
	if !exists(f.Slots().First) || exists(f.Slots().Last) {
		t.Errorf("slots after retrieve: first=%v last=%v, want first only", exists(f.Slots().First), exists(f.Slots().Last))
	}
	if exists(f.Directory()) {
		t.Errorf("factory directory %s left behind", f.Directory())
	}
}

func TestBackupIsDeterministic(t *testing.T) {
	path := sampleDatabase(t)
	f := New(path)
	for i := 0; i < 2; i++ {
		if err := f.Backup().Work(context.Background()); err != nil {
			t.Fatalf("Backup.Work() #%d error = %v", i, err)
		}
	}
	first, err := os.ReadFile(f.Slots().First)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	last, err := os.ReadFile(f.Slots().Last)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Equal(first, last) {
		t.Error("two backups of the same database differ")
	}
}

func TestBackupRecordsSchema(t *testing.T) {
	path := sampleDatabase(t)
	b := New(path).Backup()
	m, err := b.Build(context.Background())
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	c := m.Content("t")
	if c == nil || c.SQL != schema || c.Sequence != 50 {
		t.Fatalf("Content(t) = %+v, want schema and sequence 50", c)
	}
	if len(c.Pages) == 0 || c.Pages[0].Number != c.RootPage {
		t.Errorf("pages of t = %v, want root %d first", c.Pages, c.RootPage)
	}
	if len(c.Associated) != 1 || !strings.HasPrefix(c.Associated[0], "CREATE INDEX") {
		t.Errorf("associated of t = %v", c.Associated)
	}
	if m.Content("sqlite_sequence") != nil {
		t.Error("internal table recorded")
	}
	if m.Info.PageSize == 0 {
		t.Error("page size not recorded")
	}
}

func TestBackupWithReadLock(t *testing.T) {
	path := sampleDatabase(t)
	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()

	b := New(path).Backup().WithReadLock(db)
	if err := b.Work(context.Background()); err != nil {
		t.Fatalf("Work() error = %v", err)
	}
	if b.Material() == nil || b.Written() != New(path).Slots().First {
		t.Errorf("Written() = %q", b.Written())
	}
}

func TestBackupRejectsCorruption(t *testing.T) {
	path := sampleDatabase(t)
	fh, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	fh.WriteAt([]byte{0xFF}, 100)
	fh.Close()

	f := New(path)
	err = f.Backup().Work(context.Background())
	if !errors.IsCorruption(err) {
		t.Fatalf("Work() error = %v, want corruption", err)
	}
	if f.Slots().Any() {
		t.Error("a slot was written for a corrupt database")
	}
}

func TestSlotsNext(t *testing.T) {
	dir := t.TempDir()
	s := slotsOf(filepath.Join(dir, "app.db"))
	if s.Next() != s.First {
		t.Errorf("Next() with no slot = %q, want first", s.Next())
	}
	os.WriteFile(s.First, nil, 0o644)
	if s.Next() != s.Last {
		t.Errorf("Next() with first only = %q, want last", s.Next())
	}
	os.WriteFile(s.Last, nil, 0o644)

	now := time.Now()
	os.Chtimes(s.First, now, now)
	os.Chtimes(s.Last, now, now)
	if s.Next() != s.First {
		t.Errorf("Next() on a tie = %q, want first", s.Next())
	}
	os.Chtimes(s.Last, now.Add(-time.Hour), now.Add(-time.Hour))
	if s.Next() != s.Last {
		t.Errorf("Next() with older last = %q, want last", s.Next())
	}
}

func TestMaterialsPicksNewestValid(t *testing.T) {
	dir := t.TempDir()
	s := slotsOf(filepath.Join(dir, "app.db"))
	ctx := context.Background()

	loaded, err := NewMaterials(s).Work(ctx)
	if err != nil || loaded != nil {
		t.Fatalf("Work() with no slot = %v, %v, want nil, nil", loaded, err)
	}

	older := &material.Material{Info: material.Info{PageSize: 4096}}
	newer := &material.Material{Info: material.Info{PageSize: 8192}}
	if err := material.WriteFile(s.First, older, false); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := material.WriteFile(s.Last, newer, true); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	past := time.Now().Add(-time.Hour)
	os.Chtimes(s.First, past, past)

	loaded, err = NewMaterials(s).Work(ctx)
	if err != nil {
		t.Fatalf("Work() error = %v", err)
	}
	if loaded.Path != s.Last || loaded.Material.Info.PageSize != 8192 {
		t.Errorf("Work() = %s page size %d, want last slot", loaded.Path, loaded.Material.Info.PageSize)
	}

	// a damaged newer slot falls back to the older one
	os.WriteFile(s.Last, []byte("garbage"), 0o644)
	loaded, err = NewMaterials(s).Work(ctx)
	if err != nil {
		t.Fatalf("Work() error = %v", err)
	}
	if loaded == nil || loaded.Path != s.First {
		t.Errorf("Work() = %+v, want first slot", loaded)
	}
}

func TestFutureRetriesIOErrorsOnce(t *testing.T) {
	tests := []struct {
		name  string
		err   error
		calls int
	}{
		{"io error", errors.New(errors.CodeIOError, "read"), MaxAttempts},
		{"corruption", errors.Corrupt(1, "bad"), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			fut := newFuture("test", func(ctx context.Context) (int, error) {
				calls++
				return 0, tt.err
			})
			if _, err := fut.get(context.Background()); err == nil {
				t.Fatal("get() error = nil")
			}
			if _, err := fut.get(context.Background()); err == nil {
				t.Fatal("second get() error = nil")
			}
			if calls != tt.calls {
				t.Errorf("calls = %d, want %d", calls, tt.calls)
			}
		})
	}
}

func TestFutureRecoversOnRetry(t *testing.T) {
	calls := 0
	fut := newFuture("test", func(ctx context.Context) (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New(errors.CodeIOError, "read")
		}
		return "ok", nil
	})
	got, err := fut.get(context.Background())
	if err != nil || got != "ok" {
		t.Fatalf("get() = %q, %v, want ok", got, err)
	}
}

func TestFutureOutlivesCanceledCaller(t *testing.T) {
	fut := newFuture("test", func(ctx context.Context) (string, error) {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "ok", nil
	})
	canceled, cancel := context.WithCancel(context.Background())
	cancel()
	fut.get(canceled)

	got, err := fut.get(context.Background())
	if err != nil || got != "ok" {
		t.Fatalf("get() after a canceled caller = %q, %v, want ok", got, err)
	}
}

func TestWorkshopDirectories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.db")
	f := New(path)
	if f.ContainsDeposited() {
		t.Error("ContainsDeposited() = true without a factory directory")
	}
	for _, name := range []string{RestoreDirectory, "0b7e3c1a-4a43-4c55-9d5e-3f1f0f3c1d2e", "not-a-uuid"} {
		if err := os.MkdirAll(filepath.Join(f.Directory(), name), 0o755); err != nil {
			t.Fatalf("MkdirAll() error = %v", err)
		}
	}
	dirs, err := f.WorkshopDirectories()
	if err != nil {
		t.Fatalf("WorkshopDirectories() error = %v", err)
	}
	if len(dirs) != 1 || filepath.Base(dirs[0]) != "0b7e3c1a-4a43-4c55-9d5e-3f1f0f3c1d2e" {
		t.Errorf("WorkshopDirectories() = %v", dirs)
	}
	if err := f.RemoveDeposited(); err != nil {
		t.Fatalf("RemoveDeposited() error = %v", err)
	}
	if f.ContainsDeposited() {
		t.Error("ContainsDeposited() = true after RemoveDeposited")
	}

	if err := f.RemoveDirectoryIfEmpty(); err != nil {
		t.Fatalf("RemoveDirectoryIfEmpty() error = %v", err)
	}
	if !exists(f.Directory()) {
		t.Error("non-empty factory directory removed")
	}
	os.Remove(filepath.Join(f.Directory(), RestoreDirectory))
	os.Remove(filepath.Join(f.Directory(), "not-a-uuid"))
	if err := f.RemoveDirectoryIfEmpty(); err != nil {
		t.Fatalf("RemoveDirectoryIfEmpty() error = %v", err)
	}
	if exists(f.Directory()) {
		t.Error("empty factory directory kept")
	}
}

func TestDepositRenewsThenRetrieves(t *testing.T) {
	path := sampleDatabase(t)
	wantT := dump(t, path, "SELECT id, name FROM t ORDER BY id")
	ctx := context.Background()
	f := New(path)

	d := f.Depositor()
	if err := d.Work(ctx); err != nil {
		t.Fatalf("Depositor.Work() error = %v", err)
	}
	if !f.ContainsDeposited() {
		t.Fatal("ContainsDeposited() = false after deposit")
	}
	if !exists(filepath.Join(d.Workshop(), f.Name())) {
		t.Errorf("database not moved into %s", d.Workshop())
	}
	if !slotsOf(filepath.Join(d.Workshop(), f.Name())).Any() {
		t.Error("deposit has no material")
	}
	if got := dump(t, path, "SELECT count(*) FROM t"); got[0] != "[0]" {
		t.Errorf("renewed rows of t = %v, want 0", got)
	}
	if got := sequence(t, path); got != "[t 50]" {
		t.Errorf("renewed sqlite_sequence = %q, want [t 50]", got)
	}
	if exists(f.RenewDirectory()) || exists(f.StagingDirectory()) {
		t.Error("renew or staging workshop left behind")
	}

	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := db.Exec("INSERT INTO t(name) VALUES ('after')"); err != nil {
		t.Fatalf("Exec() error = %v", err)
	}
	db.Close()

	r := f.Retriever()
	if err := r.Work(ctx); err != nil {
		t.Fatalf("Retriever.Work() error = %v", err)
	}
	got := dump(t, path, "SELECT id, name FROM t ORDER BY id")
	want := append(wantT, "[51 after]")
	if strings.Join(got, "|") != strings.Join(want, "|") {
		t.Errorf("rows of t = %v, want %v", got, want)
	}
	if len(r.Reports()) != 2 {
		t.Errorf("Reports() = %d, want 2", len(r.Reports()))
	}
	if f.ContainsDeposited() {
		t.Error("deposits left after retrieve")
	}
}

func TestDepositCompletesStaleStaging(t *testing.T) {
	path := sampleDatabase(t)
	f := New(path)
	staging := f.StagingDirectory()
	if err := os.MkdirAll(staging, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	os.WriteFile(filepath.Join(staging, f.Name()), []byte("interrupted"), 0o644)

	if err := f.Depositor().Work(context.Background()); err != nil {
		t.Fatalf("Work() error = %v", err)
	}
	dirs, err := f.WorkshopDirectories()
	if err != nil {
		t.Fatalf("WorkshopDirectories() error = %v", err)
	}
	if len(dirs) != 2 {
		t.Errorf("WorkshopDirectories() = %v, want 2 workshops", dirs)
	}
}

func TestDepositWithoutDatabase(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "missing.db"))
	err := f.Depositor().Work(context.Background())
	if errors.CodeOf(err) != errors.CodeNotFound {
		t.Fatalf("Work() error = %v, want not found", err)
	}
}

func TestRetrieveAfterInterruptedPublish(t *testing.T) {
	ctx := context.Background()
	path := sampleDatabase(t)
	wantT := dump(t, path, "SELECT id, name FROM t ORDER BY id")
	f := New(path)
	if err := f.Backup().Work(ctx); err != nil {
		t.Fatalf("Backup.Work() error = %v", err)
	}

	// Publishing sets the live files aside first; stop right after that step
	// and leave a finished restore behind.
	workshop, err := f.deposit(ctx)
	if err != nil {
		t.Fatalf("deposit() error = %v", err)
	}
	if exists(path) || !exists(filepath.Join(workshop, f.Name())) {
		t.Fatalf("deposit() did not move the database into %s", workshop)
	}
	if !exists(slotsOf(filepath.Join(workshop, f.Name())).First) {
		t.Errorf("deposit() did not move the material into %s", workshop)
	}
	if err := os.MkdirAll(f.RestoreDirectory(), 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	os.WriteFile(filepath.Join(f.RestoreDirectory(), f.Name()), []byte("partial"), 0o644)

	r := f.Retriever()
	if err := r.Work(ctx); err != nil {
		t.Fatalf("Retriever.Work() error = %v", err)
	}
	if got := dump(t, path, "SELECT id, name FROM t ORDER BY id"); strings.Join(got, "|") != strings.Join(wantT, "|") {
		t.Errorf("rows of t = %v, want %v", got, wantT)
	}
	if reports := r.Reports(); len(reports) != 1 || reports[0].Source.Workshop == "" {
		t.Errorf("Reports() = %+v, want the deposited source", reports)
	}
	if f.ContainsDeposited() || exists(f.Directory()) {
		t.Error("factory left behind after retrieve")
	}
}

func TestDepositWithoutFiles(t *testing.T) {
	f := New(filepath.Join(t.TempDir(), "missing.db"))
	workshop, err := f.deposit(context.Background())
	if err != nil || workshop != "" {
		t.Fatalf("deposit() = %q, %v, want nothing published", workshop, err)
	}
	if exists(f.StagingDirectory()) {
		t.Error("staging directory left behind")
	}
}
