package database

import (
	"context"
	"fmt"
	"strings"
)

// migration is one idempotent change on top of schema.sql. Deployments
// created from an older schema.sql pick these up at startup.
type migration struct {
	name string
	sql  string
	// index, when set, is looked up in pg_indexes to decide whether the
	// migration already ran.
	index string
}

func indexMigration(name, table string, columns ...string) migration {
	return migration{
		name:  "add " + name,
		sql:   fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, table, strings.Join(columns, ", ")),
		index: name,
	}
}

var migrations = []migration{
	// speaker filter on the segment listing
	indexMigration("idx_segments_speaker", "segments", "operation_id", "speaker"),
	// CheckParentChange looks meetings up by operation
	indexMigration("idx_meetings_operation", "meetings", "operation_id"),
	// opcheck and Resume scan step records by status and age
	indexMigration("idx_step_records_status", "step_records", "status", "updated_at"),
}

func (db *DB) applied(ctx context.Context, m migration) bool {
	if m.index == "" {
		return false
	}
	var exists bool
	err := db.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_indexes WHERE schemaname = current_schema() AND indexname = $1)`,
		m.index,
	).Scan(&exists)
	return err == nil && exists
}

// Migrate applies every migration not yet present. A failure (typically
// missing privileges) is returned as a *MigrationError and should be fatal:
// queries rely on the migrated objects.
func (db *DB) Migrate(ctx context.Context) error {
	var pending []migration
	for _, m := range migrations {
		if !db.applied(ctx, m) {
			pending = append(pending, m)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	for i, m := range pending {
		if _, err := db.Pool.Exec(ctx, m.sql); err != nil {
			return &MigrationError{failed: m, pending: pending[i:], err: err}
		}
		db.log.Info().Str("migration", m.name).Msg("schema migration applied")
	}
	db.log.Info().Int("applied", len(pending)).Msg("schema migrations complete")
	return nil
}

// MigrationError carries the SQL of the failed migration and every one
// after it, so an operator can apply them by hand.
type MigrationError struct {
	failed  migration
	pending []migration
	err     error
}

func (e *MigrationError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "migration %q failed: %v\n\n", e.failed.name, e.err)
	b.WriteString("Apply the remaining migrations as the schema owner:\n\n")
	for _, m := range e.pending {
		fmt.Fprintf(&b, "  %s;\n", m.sql)
	}
	b.WriteString("\nThen restart courtscribe.")
	return b.String()
}

func (e *MigrationError) Unwrap() error { return e.err }
