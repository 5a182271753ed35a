//go:build cgo_sqlite

package store

import _ "github.com/mattn/go-sqlite3" // cgo SQLite driver

// driverName selects the database/sql driver. Build with -tags cgo_sqlite on
// targets where cgo is available; the C driver is noticeably faster on
// constrained devices.
const driverName = "sqlite3"
