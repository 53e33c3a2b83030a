package store

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"path"

	"github.com/remind101/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrationTable names the bookkeeping table remind101/migrate maintains in
// the target database, distinct from any table name a schema migration
// itself creates.
const migrationTable = "repomirror_migrations"

// runMigrations applies every embedded *.sql file in migrations/, in
// filename order, inside remind101/migrate's own transaction-per-migration
// runner. Grounded on the teacher's database/postgres/init_db.go
// runMigrations helper; migrate.NewMigrator (rather than
// NewPostgresMigrator, which assumes pg_advisory_lock semantics) is used
// because migrate operates purely against *sql.Tx and so works unmodified
// against modernc.org/sqlite.
func runMigrations(db *sql.DB) error {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("store: reading embedded migrations: %w", err)
	}

	var ms []migrate.Migration
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if ok, _ := path.Match("*.sql", ent.Name()); !ok {
			continue
		}
		b, err := fs.ReadFile(migrationsFS, path.Join("migrations", ent.Name()))
		if err != nil {
			return fmt.Errorf("store: reading migration %s: %w", ent.Name(), err)
		}
		fn := ent.Name()
		n := len(ms) + 1
		ms = append(ms, migrate.Migration{
			ID: n,
			Up: func(tx *sql.Tx) error {
				slog.Debug("migration start", "migration", fn, "n", n)
				_, err := tx.Exec(string(b))
				slog.Debug("migration done", "migration", fn, "n", n, "err", err)
				return err
			},
		})
	}

	migrator := migrate.NewMigrator(db)
	migrator.Table = migrationTable
	if err := migrator.Exec(migrate.Up, ms...); err != nil {
		return fmt.Errorf("store: running migrations: %w", err)
	}
	return nil
}
