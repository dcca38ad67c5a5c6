// Package migrations embeds SQL migration files into the binary.
//
// Importing it for side effects registers the files with the database
// package, so migrations run without SQL files on disk.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-bacnet/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

// FS exposes the embedded migrations, for tests in other packages.
var FS = migrationsFS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
