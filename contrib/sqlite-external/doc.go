// Package sqliteexternal provides optional external SQLite drivers.
//
// # CGO SQLite Driver
//
// To use the CGO driver (github.com/mattn/go-sqlite3) for assembling restored
// databases, build with:
//
//	CGO_ENABLED=1 go build -tags cgo_sqlite
//
// # Default Pure Go Driver
//
// By default, repairkit uses modernc.org/sqlite, which requires no CGO. See
// github.com/FocuswithJustin/repairkit/core/sqlite for details.
//
// # When to Use
//
// Use this package when:
//   - Assembling very large databases where insert throughput matters
//   - You already have CGO in your build pipeline
//
// Use the default pure Go driver when:
//   - Portability is important
//   - Cross-compilation is required
package sqliteexternal
