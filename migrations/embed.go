// Package migrations embeds the registry schema so the binary carries it.
// Importing the package registers the files with the database package.
package migrations

import (
	"embed"

	"github.com/nerrad567/gray-logic-coop/internal/infrastructure/database"
)

//go:embed *.sql
var files embed.FS

func init() {
	database.Migrations = files
}
