package relational

import (
	"embed"
	"fmt"

	"github.com/pressly/goose/v3"
	"gorm.io/gorm"
)

//go:embed migrations/postgres/*.sql
var postgresMigrations embed.FS

//go:embed migrations/sqlite/*.sql
var sqliteMigrations embed.FS

// Migrate runs the dialect-appropriate goose migrations against db's
// underlying *sql.DB. Grounded in the rezkam-mono example repo's
// internal/storage/sql/connection.go (goose.SetDialect + goose.SetBaseFS +
// goose.Up against an embedded migrations directory), adapted to run off a
// *gorm.DB's pooled connection instead of opening a second one — this is
// the reason migrations are explicit SQL run via goose rather than
// GORM's AutoMigrate: AutoMigrate's per-dialect struct-tag-to-column
// inference is not guaranteed to produce the byte-identical schema
// SPEC_FULL.md §6.2 requires across Postgres and SQLite.
func Migrate(db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("queue: obtaining *sql.DB for migrations: %w", err)
	}

	dialect := "sqlite3"
	dir := "migrations/sqlite"
	fs := sqliteMigrations
	if db.Dialector.Name() == "postgres" {
		dialect = "postgres"
		dir = "migrations/postgres"
		fs = postgresMigrations
	}

	if err := goose.SetDialect(dialect); err != nil {
		return fmt.Errorf("queue: setting goose dialect: %w", err)
	}
	goose.SetBaseFS(fs)
	if err := goose.Up(sqlDB, dir); err != nil {
		return fmt.Errorf("queue: running migrations: %w", err)
	}
	return nil
}
