// Package migrations embeds the credstore schema migrations so the SDK can
// bootstrap its own database file without external tooling.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
