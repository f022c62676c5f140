package pager

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/core/repair/format"
	"github.com/FocuswithJustin/repairkit/core/sqlite"
)

func createDatabase(t *testing.T, dir string, stmts ...string) string {
	t.Helper()
	path := filepath.Join(dir, "test.db")
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

func copyFile(t *testing.T, src, dst string) {
	t.Helper()
	in, err := os.Open(src)
	if err != nil {
		t.Fatalf("Open(%s) error = %v", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		t.Fatalf("Create(%s) error = %v", dst, err)
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
}

func TestPagerReadsHeader(t *testing.T) {
	path := createDatabase(t, t.TempDir(),
		"PRAGMA page_size=4096",
		"CREATE TABLE t(a INTEGER PRIMARY KEY, b TEXT)",
		"INSERT INTO t(b) VALUES ('one'), ('two')",
	)

	p := New(path, DefaultConfig())
	if err := p.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer p.Close()

	if p.PageSize() != 4096 {
		t.Errorf("PageSize() = %d, want 4096", p.PageSize())
	}
	if p.UsableSize() != 4096 {
		t.Errorf("UsableSize() = %d, want 4096", p.UsableSize())
	}
	if p.TextEncoding() != format.EncodingUTF8 {
		t.Errorf("TextEncoding() = %d, want UTF-8", p.TextEncoding())
	}
	if p.PageCount() != 2 {
		t.Errorf("PageCount() = %d, want 2", p.PageCount())
	}
	if p.Header() == nil {
		t.Fatal("Header() = nil")
	}

	d, err := p.AcquirePageData(1)
	if err != nil {
		t.Fatalf("AcquirePageData(1) error = %v", err)
	}
	if string(d.Bytes()[:16]) != format.MagicString {
		t.Error("page 1 does not start with the magic string")
	}
	d.Release()

	for _, pgno := range []uint32{0, 3} {
		_, err := p.AcquirePageData(pgno)
		if !errors.IsCorruption(err) {
			t.Errorf("AcquirePageData(%d) error = %v, want corruption", pgno, err)
		}
	}
}

func TestPagerInitializeIsMemoized(t *testing.T) {
	p := New(filepath.Join(t.TempDir(), "missing.db"), DefaultConfig())
	first := p.Initialize()
	if first == nil {
		t.Fatal("Initialize() should fail for a missing file")
	}
	if second := p.Initialize(); second != first {
		t.Errorf("Initialize() = %v, want memoized %v", second, first)
	}
}

func TestPagerDamagedHeaderFallback(t *testing.T) {
	path := createDatabase(t, t.TempDir(),
		"PRAGMA page_size=4096",
		"CREATE TABLE t(a)",
	)
	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		t.Fatalf("OpenFile() error = %v", err)
	}
	if _, err := f.WriteAt(make([]byte, 32), 0); err != nil {
		t.Fatalf("WriteAt() error = %v", err)
	}
	f.Close()

	p := New(path, DefaultConfig())
	if err := p.Initialize(); errors.CodeOf(err) != errors.CodeNotADatabase {
		t.Fatalf("Initialize() error = %v, want not a database", err)
	}

	p = New(path, DefaultConfig())
	if err := p.SetPageSize(4096); err != nil {
		t.Fatalf("SetPageSize() error = %v", err)
	}
	if err := p.Initialize(); err != nil {
		t.Fatalf("Initialize() with fallback error = %v", err)
	}
	defer p.Close()
	if p.Header() != nil {
		t.Error("Header() should be nil for a damaged header")
	}
	if p.PageCount() != 2 {
		t.Errorf("PageCount() = %d, want 2", p.PageCount())
	}
}

func TestSetPageSizeRejectsInvalid(t *testing.T) {
	p := New("unused", DefaultConfig())
	if err := p.SetPageSize(1000); errors.CodeOf(err) != errors.CodeMisuse {
		t.Errorf("SetPageSize(1000) error = %v, want misuse", err)
	}
}

func TestPagerMergesWal(t *testing.T) {
	src := t.TempDir()
	path := filepath.Join(src, "test.db")
	db, err := sqlite.Open(path)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA page_size=4096",
		"CREATE TABLE base(a)",
		"PRAGMA journal_mode=WAL",
		"PRAGMA wal_autocheckpoint=0",
		"CREATE TABLE logged(a)",
		"INSERT INTO logged VALUES (1), (2), (3)",
	} {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("Exec(%q) error = %v", stmt, err)
		}
	}

	// Snapshot the files while the connection keeps the WAL alive.
	dst := t.TempDir()
	copyPath := filepath.Join(dst, "test.db")
	copyFile(t, path, copyPath)
	copyFile(t, path+"-wal", copyPath+"-wal")

	p := New(copyPath, DefaultConfig())
	if err := p.Initialize(); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	defer p.Close()

	if !p.HasWal() {
		t.Fatal("HasWal() = false, want true")
	}
	if p.WalFrameCount() == 0 {
		t.Error("WalFrameCount() = 0, want committed frames")
	}
	if p.PageCount() != 3 {
		t.Errorf("PageCount() = %d, want 3", p.PageCount())
	}

	d, err := p.AcquirePageData(3)
	if err != nil {
		t.Fatalf("AcquirePageData(3) error = %v", err)
	}
	if !d.FromWal {
		t.Error("page 3 should come from the WAL")
	}
	d.Release()

	p.DisposeWal()
	if p.HasWal() {
		t.Error("HasWal() after DisposeWal = true")
	}
	if p.PageCount() != 2 {
		t.Errorf("PageCount() after DisposeWal = %d, want 2", p.PageCount())
	}
	if _, err := p.AcquirePageData(3); !errors.IsCorruption(err) {
		t.Errorf("AcquirePageData(3) after DisposeWal error = %v, want corruption", err)
	}
}
