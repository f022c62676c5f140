// Package material stores backup snapshots of a database's structure.
//
// A Material records, per table, the CREATE statement, the root page, the
// AUTOINCREMENT sequence, the SQL of associated indexes, views and triggers,
// and the number and hash of every interior and leaf page of the table's
// B-tree. With it a repair pass can rebuild the schema of a database whose
// sqlite_master is gone and read tables straight from their recorded pages.
//
// File layout (big-endian):
//
//	offset size
//	0      4    magic "RKMT"
//	4      4    version
//	8      4    flags, bit 0 set when the body is xz-compressed
//	12     4    raw body size
//	16     4    stored body size
//	20     32   blake3-256 digest of the raw body
//	52     ...  stored body
//
// The raw body uses the protobuf wire format. Contents are written sorted
// by name so equal materials encode to equal bytes.
package material
