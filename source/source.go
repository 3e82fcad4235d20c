package source

import (
	"errors"

	"github.com/Flying-Pillow/surrealigrate/migration"
)

// Source discovers migration units and hands out their script content.
// Scripts are opaque text blobs; a Source never parses or rewrites them.
type Source interface {
	GetAvailableMigrations() (*[]migration.Description, error)
	ReadMigration(m migration.Migration, direction migration.Direction) (string, error)
}

var (
	ErrMigrationDuplicated = errors.New("duplicate script file for migration version and direction")
	ErrScriptNotFound      = errors.New("no script file for migration in this direction")
)
