// Package migrations embeds the PostgreSQL schema for goose.
package migrations

import "embed"

// FS holds every versioned migration file.
//
//go:embed *.sql
var FS embed.FS
