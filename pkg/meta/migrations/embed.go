// Package migrations embeds the goose migrations for the segment index.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
