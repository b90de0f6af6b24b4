package store

import (
	"context"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrateLockKey serialises Migrate across replicas starting together.
const migrateLockKey = "bank-ledger.migrate"

// Migrate applies the embedded schema files in name order, each in its own
// transaction, while holding a session advisory lock. The files are
// re-runnable, so every start may call it.
func Migrate(ctx context.Context, db *pgxpool.Pool) error {
	files, err := migrationFiles(migrationsFS)
	if err != nil {
		return err
	}

	conn, err := db.Acquire(ctx)
	if err != nil {
		return classify(ctx, err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext($1))`, migrateLockKey); err != nil {
		return fmt.Errorf("migration lock: %w", classify(ctx, err))
	}
	defer func() {
		_, _ = conn.Exec(context.Background(), `SELECT pg_advisory_unlock(hashtext($1))`, migrateLockKey)
	}()

	for _, f := range files {
		sqlBytes, err := migrationsFS.ReadFile(f)
		if err != nil {
			return err
		}
		err = pgx.BeginFunc(ctx, conn, func(tx pgx.Tx) error {
			_, err := tx.Exec(ctx, string(sqlBytes))
			return err
		})
		if err != nil {
			return fmt.Errorf("migration %s failed: %w", f, err)
		}
	}
	return nil
}

// migrationFiles lists the .sql files under migrations/ in apply order.
func migrationFiles(fsys fs.FS) ([]string, error) {
	files, err := fs.Glob(fsys, "migrations/*.sql")
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no migrations found")
	}
	sort.Slice(files, func(i, j int) bool { return path.Base(files[i]) < path.Base(files[j]) })
	return files, nil
}
