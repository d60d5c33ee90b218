// Package migrations embeds the refresh token schema for goose.
package migrations

import "embed"

//go:embed *.sql
var Migrations embed.FS
