//go:build !cgo_sqlite

package store

import _ "modernc.org/sqlite" // pure-Go SQLite driver

// driverName selects the database/sql driver. The default build uses the
// pure-Go driver so the SDK compiles without cgo on any target.
const driverName = "sqlite"
