package database

import (
	"context"
	"fmt"
)

// coreTables are created by schema.sql.
var coreTables = []string{"meetings", "operations", "step_records", "segments"}

// InitSchema loads schemaSQL into an empty database in one transaction.
// A database holding all core tables is left alone; one holding only some
// of them is an error rather than something to patch over.
func (db *DB) InitSchema(ctx context.Context, schemaSQL []byte) error {
	var present int
	err := db.Pool.QueryRow(ctx,
		`SELECT count(*) FROM pg_tables WHERE schemaname = current_schema() AND tablename = ANY($1)`,
		coreTables,
	).Scan(&present)
	if err != nil {
		return err
	}

	switch present {
	case len(coreTables):
		db.log.Debug().Msg("schema already initialized, skipping")
		return nil
	case 0:
	default:
		return fmt.Errorf("partial schema: %d of %d core tables present %v", present, len(coreTables), coreTables)
	}

	db.log.Info().Msg("fresh database detected, applying schema")
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)
	if _, err := tx.Exec(ctx, string(schemaSQL)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	db.log.Info().Msg("schema applied")
	return nil
}
