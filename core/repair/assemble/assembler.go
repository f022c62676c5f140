// Package assemble writes recovered schema and rows into a new database.
package assemble

import (
	"context"

	"github.com/FocuswithJustin/repairkit/core/errors"
	"github.com/FocuswithJustin/repairkit/core/repair/btree"
)

// Assembler receives the schema, rows and sequences recovered by a repair
// pass. Calls happen in this order: MarkAsAssembling, then any number of
// AssembleTable followed by AssembleCell calls for that table,
// AssembleSequence, AssembleSQL and MarkAsMilestone, then MarkAsAssembled.
type Assembler interface {
	// Path returns the destination database path.
	Path() string

	// MarkAsAssembling starts a session. ctx scopes every statement until
	// MarkAsAssembled.
	MarkAsAssembling(ctx context.Context) error
	MarkAsAssembled() error
	MarkAsMilestone() error

	// MarkAsDuplicated makes later rows replace rows with the same key,
	// for assembling several sources into one database.
	MarkAsDuplicated(duplicated bool)

	// AssembleSQL executes schema SQL such as CREATE INDEX.
	AssembleSQL(sql string) error

	// AssembleTable creates a table. It returns false when the table
	// cannot be created and its rows must be skipped.
	AssembleTable(name, sql string) (bool, error)

	// AssembleCell inserts one row into the last assembled table.
	AssembleCell(cell *btree.Cell) error

	// AssembleSequence records the AUTOINCREMENT sequence of a table.
	AssembleSequence(table string, seq int64) error

	// Err returns the most severe error seen.
	Err() error
}

// IsFatal reports whether err must stop assembling: the destination is
// full or no longer writable.
func IsFatal(err error) bool {
	switch errors.CodeOf(err) {
	case errors.CodeFull, errors.CodeIOError, errors.CodeNoMemory, errors.CodeCantOpen:
		return true
	}
	return errors.LevelOf(err) == errors.LevelFatal
}
