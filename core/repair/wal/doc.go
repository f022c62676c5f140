// Package wal reads SQLite write-ahead logs without the SQLite library.
//
// A WAL is a 32-byte header followed by frames, each a 24-byte frame header
// and one page image. Frames carry a running checksum seeded by the header
// checksum; the first frame whose salt or checksum does not match ends the
// log. Only frames up to the last commit frame are authoritative, so a page
// lookup never returns data from a transaction that did not commit.
//
// The wal-index in the "-shm" file is optional. When its header is intact
// and its salts match the WAL, its mxFrame caps the frames used and its
// nBackfill is reported.
package wal
