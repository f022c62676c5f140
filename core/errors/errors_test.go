package errors

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"testing"
)

func TestErrorMessage(t *testing.T) {
	tests := []struct {
		name    string
		err     *Error
		wantMsg string
	}{
		{
			name:    "page and path",
			err:     Corrupt(3, "invalid page type 0x%02x", 0xff).WithPath("/tmp/a.db"),
			wantMsg: "corrupt: page 3 of /tmp/a.db: invalid page type 0xff",
		},
		{
			name:    "path only",
			err:     New(CodeNotADatabase, "bad magic").WithPath("/tmp/a.db"),
			wantMsg: "not a database: /tmp/a.db: bad magic",
		},
		{
			name:    "with underlying",
			err:     &Error{Code: CodeIOError, Message: "failed to read", Err: fmt.Errorf("boom")},
			wantMsg: "io error: failed to read: boom",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantMsg {
				t.Errorf("Error() = %q, want %q", got, tt.wantMsg)
			}
		})
	}
}

func TestSentinelMatching(t *testing.T) {
	err := Wrap(Corrupt(2, "bad cell"), "crawl")
	if !errors.Is(err, ErrCorrupt) {
		t.Error("wrapped corrupt error should match ErrCorrupt")
	}
	if errors.Is(err, ErrIO) {
		t.Error("corrupt error should not match ErrIO")
	}
	if got := CodeOf(err); got != CodeCorrupt {
		t.Errorf("CodeOf() = %v, want %v", got, CodeCorrupt)
	}
	if got := LevelOf(err); got != LevelWarning {
		t.Errorf("LevelOf() = %v, want %v", got, LevelWarning)
	}
	if got := CodeOf(fmt.Errorf("plain")); got != CodeUnknown {
		t.Errorf("CodeOf(plain) = %v, want %v", got, CodeUnknown)
	}
	if got := CodeOf(nil); got != CodeOK {
		t.Errorf("CodeOf(nil) = %v, want %v", got, CodeOK)
	}
}

func TestNewIOClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"disk full", &os.PathError{Op: "write", Path: "x", Err: syscall.ENOSPC}, CodeFull},
		{"no memory", syscall.ENOMEM, CodeNoMemory},
		{"missing", &os.PathError{Op: "open", Path: "x", Err: syscall.ENOENT}, CodeCantOpen},
		{"generic", syscall.EIO, CodeIOError},
		{"not errno", fmt.Errorf("short read"), CodeIOError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewIO("write", "x", tt.err)
			if e.Code != tt.want {
				t.Errorf("Code = %v, want %v", e.Code, tt.want)
			}
		})
	}
}

func TestNewSQLiteClassification(t *testing.T) {
	tests := []struct {
		code int
		want Code
	}{
		{13, CodeFull},
		{11, CodeCorrupt},
		{26, CodeNotADatabase},
		{10 | (1 << 8), CodeIOError},
		{1, CodeError},
		{-1, CodeError},
	}
	for _, tt := range tests {
		if got := NewSQLite("exec", tt.code, nil).Code; got != tt.want {
			t.Errorf("NewSQLite(%d).Code = %v, want %v", tt.code, got, tt.want)
		}
	}
}

func TestCriticalErrorOnlyRanking(t *testing.T) {
	var c CriticalErrorOnly
	if c.CriticalError() != nil {
		t.Fatal("fresh CriticalErrorOnly should have no error")
	}

	c.SetCriticalError(New(CodeMisuse, "a"))
	c.SetCriticalError(New(CodeIOError, "b"))
	c.SetCriticalError(New(CodeCorrupt, "c"))
	c.SetCriticalError(New(CodeError, "d"))
	c.SetCriticalError(New(CodeIOError, "e"))
	if got := c.CriticalCode(); got != CodeCorrupt {
		t.Errorf("CriticalCode() = %v, want %v", got, CodeCorrupt)
	}

	c.SetCriticalError(New(CodeFull, "f"))
	c.SetCriticalError(New(CodeNotADatabase, "g"))
	if got := c.CriticalCode(); got != CodeFull {
		t.Errorf("CriticalCode() = %v, want %v", got, CodeFull)
	}
	if !c.IsCriticalErrorFatal() {
		t.Error("full disk should be fatal")
	}

	c.Reset()
	if c.TryUpgradeError(nil) {
		t.Error("nil should never upgrade")
	}
	c.TryUpgradeError(New(CodeCorrupt, "x"))
	if c.TryUpgradeError(New(CodeNotADatabase, "y")) {
		t.Error("equal severity should not upgrade")
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "ctx") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	base := New(CodeCorrupt, "x")
	err := Wrapf(base, "page %d", 4)
	if err.Error() != "page 4: corrupt: x" {
		t.Errorf("Wrapf() = %q", err.Error())
	}
	var target *Error
	if !As(err, &target) || target != base {
		t.Error("As() should find the wrapped *Error")
	}
	if !Is(err, ErrCorrupt) {
		t.Error("Is() should match ErrCorrupt")
	}
}

func TestReportDoesNotPanicOnFatal(t *testing.T) {
	if abortOnFatal {
		t.Skip("debug build aborts on fatal")
	}
	Report(&Error{Level: LevelFatal, Code: CodeFull, Message: "disk full"})
	Report(nil)
	Report(fmt.Errorf("plain"))
}
