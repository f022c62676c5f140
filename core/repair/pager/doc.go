// Package pager provides read-only page access to a possibly corrupted
// SQLite database.
//
// The pager merges the database file with its write-ahead log: a page that
// has an authoritative WAL frame is served from the log, every other page
// from the file. Page numbers are 1-based. Failures are reported per page,
// so a crawler can mark one page corrupted and keep going.
//
// When the 100-byte header is unreadable, the page size and reserved bytes
// come from Config, typically filled in from a backup material.
package pager
