package database

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

func init() {
	goose.AddMigrationNoTxContext(upAddBindingVerifiedAt, downAddBindingVerifiedAt)
}

// Databases created before verified_at existed may already carry the column
// from a manual fix, so only add it when the catalog lacks it.
func upAddBindingVerifiedAt(ctx context.Context, db *sql.DB) error {
	has, err := hasColumn(ctx, db, "bindings", "verified_at")
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	if _, err := db.ExecContext(ctx, `ALTER TABLE bindings ADD COLUMN verified_at BIGINT`); err != nil {
		return fmt.Errorf("add verified_at column: %w", err)
	}
	return nil
}

func downAddBindingVerifiedAt(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `ALTER TABLE bindings DROP COLUMN verified_at`); err != nil {
		return fmt.Errorf("drop verified_at column: %w", err)
	}
	return nil
}

// hasColumn looks column up in the catalog of whichever engine backs db.
func hasColumn(ctx context.Context, db *sql.DB, table, column string) (bool, error) {
	query := `SELECT COUNT(*) FROM pragma_table_info($1) WHERE name = $2`
	if _, ok := db.Driver().(*stdlib.Driver); ok {
		query = `SELECT COUNT(*) FROM information_schema.columns
			WHERE table_schema = current_schema() AND table_name = $1 AND column_name = $2`
	}
	var n int
	if err := db.QueryRowContext(ctx, query, table, column).Scan(&n); err != nil {
		return false, fmt.Errorf("look up %s.%s: %w", table, column, err)
	}
	return n > 0, nil
}
