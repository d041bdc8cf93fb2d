// Package migrations registers the bun migration set applied by
// `authzd db migrate` and friends (cmd/authzd/cmd/db.go).
package migrations

import "github.com/uptrace/bun/migrate"

// Migrations is the ordered set every migration file registers itself
// into via init().
var Migrations = migrate.NewMigrations()
