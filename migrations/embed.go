// Package migrations embeds the goose SQL migrations of the entity store.
package migrations

import "embed"

// FS holds every migration file, applied in name order.
//
//go:embed *.sql
var FS embed.FS
