// Package dbmigrations exposes embedded SQL migrations for QuantBridge binaries.
package dbmigrations

import "embed"

// Files contains the embedded SQL migrations bundled into QuantBridge binaries.
//
//go:embed *.sql
var Files embed.FS
