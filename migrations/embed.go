// Package migrations embeds the SQLite record store migrations into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/replica-core/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.RegisterMigrations(migrationsFS, ".")
}
