//go:build !cgo

package sqlite

import _ "modernc.org/sqlite"

// CGOEnabled is false when go-sqlite3 is unavailable; the pure Go driver is
// used instead.
const CGOEnabled = false

const driverName = "sqlite"
