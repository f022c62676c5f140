// Package format defines the SQLite on-disk constants the repair engine
// depends on: the 100-byte database header, B-tree page header layout,
// the write-ahead log header and frame layout, and SQLite varints.
//
// Everything here follows the SQLite file format documentation bit for bit:
//
//   - SQLite File Format: https://www.sqlite.org/fileformat.html
//   - WAL Format: https://www.sqlite.org/walformat.html
//
// The package only decodes; nothing here writes a database.
package format
