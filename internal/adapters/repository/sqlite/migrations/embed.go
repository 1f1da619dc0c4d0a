package migrations

import "embed"

// FS contains embedded SQLite migrations for evaluation storage.
//
//go:embed *.sql
var FS embed.FS
