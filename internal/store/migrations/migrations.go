// Package migrations embeds the goose schema migration files so the
// binary carries its own schema and needs no external migration step.
package migrations

import "embed"

// FS holds the embedded goose SQL migration files.
//
//go:embed *.sql
var FS embed.FS
