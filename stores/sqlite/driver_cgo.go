//go:build cgo

package sqlite

import _ "github.com/mattn/go-sqlite3"

// CGOEnabled reports which driver the store was built with.
const CGOEnabled = true

const driverName = "sqlite3"
