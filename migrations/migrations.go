// Package migrations embeds the Postgres schema migrations.
package migrations

import "embed"

// FS holds the *.up.sql files, applied in file name order.
//
//go:embed *.up.sql
var FS embed.FS
