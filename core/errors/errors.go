// Package errors provides the error taxonomy shared by the repair engine.
//
// Every failure surfaced by the engine is an *Error carrying a Code (what
// went wrong), a Level (how loudly to report it) and, when available, an
// extended code from SQLite or the operating system.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Code classifies an error.
type Code int

const (
	CodeOK Code = iota
	CodeError
	CodeCorrupt
	CodeNotADatabase
	CodeIOError
	CodeFull
	CodeNoMemory
	CodeCantOpen
	CodeMisuse
	CodeNotFound
	CodeUnknown
)

var codeNames = map[Code]string{
	CodeOK:           "ok",
	CodeError:        "error",
	CodeCorrupt:      "corrupt",
	CodeNotADatabase: "not a database",
	CodeIOError:      "io error",
	CodeFull:         "full",
	CodeNoMemory:     "no memory",
	CodeCantOpen:     "cant open",
	CodeMisuse:       "misuse",
	CodeNotFound:     "not found",
	CodeUnknown:      "unknown",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Severity ranks codes for CriticalErrorOnly. Higher is worse.
func (c Code) Severity() int {
	switch c {
	case CodeOK:
		return 0
	case CodeFull:
		return 4
	case CodeCorrupt, CodeNotADatabase:
		return 3
	case CodeIOError:
		return 2
	default:
		return 1
	}
}

// Level is the reporting level of an error.
type Level int

const (
	LevelIgnore Level = iota
	LevelDebug
	LevelWarning
	LevelError
	LevelFatal
)

func (l Level) String() string {
	switch l {
	case LevelIgnore:
		return "ignore"
	case LevelDebug:
		return "debug"
	case LevelWarning:
		return "warning"
	case LevelError:
		return "error"
	case LevelFatal:
		return "fatal"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// ExtendedType tells where ExtCode comes from.
type ExtendedType int

const (
	ExtendedNone ExtendedType = iota
	ExtendedSQLite
	ExtendedSystem
)

// Sentinel errors, one per code. An *Error matches the sentinel of its Code
// under errors.Is.
var (
	ErrGeneric      = errors.New("error")
	ErrCorrupt      = errors.New("database disk image is malformed")
	ErrNotADatabase = errors.New("file is not a database")
	ErrIO           = errors.New("disk I/O error")
	ErrFull         = errors.New("database or disk is full")
	ErrNoMemory     = errors.New("out of memory")
	ErrCantOpen     = errors.New("unable to open database file")
	ErrMisuse       = errors.New("misuse")
	ErrNotFound     = errors.New("not found")
	ErrUnknown      = errors.New("unknown error")
)

var sentinels = map[Code]error{
	CodeError:        ErrGeneric,
	CodeCorrupt:      ErrCorrupt,
	CodeNotADatabase: ErrNotADatabase,
	CodeIOError:      ErrIO,
	CodeFull:         ErrFull,
	CodeNoMemory:     ErrNoMemory,
	CodeCantOpen:     ErrCantOpen,
	CodeMisuse:       ErrMisuse,
	CodeNotFound:     ErrNotFound,
	CodeUnknown:      ErrUnknown,
}

// Error is the engine's error value.
type Error struct {
	Level   Level
	Code    Code
	ExtType ExtendedType
	ExtCode int
	Message string
	Path    string // File involved, if any
	Page    uint32 // Page number involved, 0 if none
	Err     error  // Underlying error, if any
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Code.String())
	if e.Page != 0 {
		fmt.Fprintf(&b, ": page %d", e.Page)
		if e.Path != "" {
			fmt.Fprintf(&b, " of %s", e.Path)
		}
	} else if e.Path != "" {
		fmt.Fprintf(&b, ": %s", e.Path)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the sentinel for e's Code.
func (e *Error) Is(target error) bool {
	s, ok := sentinels[e.Code]
	return ok && s == target
}

// WithPath returns e with its path set.
func (e *Error) WithPath(path string) *Error {
	e.Path = path
	return e
}

// WithPage returns e with its page number set.
func (e *Error) WithPage(pgno uint32) *Error {
	e.Page = pgno
	return e
}

// New creates an error with the given code. The level defaults to
// LevelError.
func New(code Code, message string) *Error {
	return &Error{Level: LevelError, Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// Corrupt creates a corruption error for a page. Corruption of a single page
// is recoverable, so it is reported as a warning.
func Corrupt(pgno uint32, format string, args ...interface{}) *Error {
	return &Error{
		Level:   LevelWarning,
		Code:    CodeCorrupt,
		Page:    pgno,
		Message: fmt.Sprintf(format, args...),
	}
}

// NewIO classifies an operating system error. ENOSPC becomes CodeFull and
// ENOMEM becomes CodeNoMemory; the errno is kept as the extended code.
func NewIO(operation, path string, err error) *Error {
	e := &Error{
		Level:   LevelError,
		Code:    CodeIOError,
		Message: "failed to " + operation,
		Path:    path,
		Err:     err,
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		e.ExtType = ExtendedSystem
		e.ExtCode = int(errno)
		switch errno {
		case syscall.ENOSPC:
			e.Code = CodeFull
		case syscall.ENOMEM:
			e.Code = CodeNoMemory
		case syscall.ENOENT:
			e.Code = CodeCantOpen
		}
	}
	return e
}

// NewSQLite wraps an error returned by the SQLite driver. code is the
// primary result code reported by the driver, or -1 when unknown.
func NewSQLite(message string, code int, err error) *Error {
	e := &Error{
		Level:   LevelError,
		Code:    CodeError,
		ExtType: ExtendedSQLite,
		ExtCode: code,
		Message: message,
		Err:     err,
	}
	switch code & 0xff {
	case 7:
		e.Code = CodeNoMemory
	case 10:
		e.Code = CodeIOError
	case 11:
		e.Code = CodeCorrupt
	case 13:
		e.Code = CodeFull
	case 14:
		e.Code = CodeCantOpen
	case 21:
		e.Code = CodeMisuse
	case 26:
		e.Code = CodeNotADatabase
	}
	if code < 0 {
		e.Code = CodeError
	}
	return e
}

// CodeOf returns the Code of err. Errors not created by this package map to
// CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return CodeOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// LevelOf returns the Level of err.
func LevelOf(err error) Level {
	if err == nil {
		return LevelIgnore
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Level
	}
	return LevelError
}

// IsCorruption reports whether err describes a structural violation.
func IsCorruption(err error) bool {
	code := CodeOf(err)
	return code == CodeCorrupt || code == CodeNotADatabase
}

// Wrap adds context to an error. If err is nil, returns nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf adds formatted context to an error. If err is nil, returns nil.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	message := fmt.Sprintf(format, args...)
	return fmt.Errorf("%s: %w", message, err)
}

// Is wraps errors.Is for convenience
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As wraps errors.As for convenience
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
