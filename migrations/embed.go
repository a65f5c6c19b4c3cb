// Package migrations embeds SQL migration files into the binary.
//
// This allows hydrobridge to run migrations without needing the SQL files
// present on the filesystem - they're compiled into the executable.
package migrations

import (
	"embed"

	"github.com/mossvale/hydrobridge/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.SetMigrationSource(migrationsFS)
}
