package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/dukerupert/rolecall/internal/model"
)

// ErrExternalIDTaken is returned when an external id is already bound to a
// different email.
var ErrExternalIDTaken = errors.New("external id bound to another email")

type BindingStore struct {
	db *sql.DB
}

func NewBindingStore(db *sql.DB) *BindingStore {
	return &BindingStore{db: db}
}

func scanBinding(scanner interface{ Scan(...any) error }) (*model.Binding, error) {
	var b model.Binding
	var verifiedAt sql.NullInt64
	if err := scanner.Scan(&b.Email, &b.ExternalID, &verifiedAt); err != nil {
		return nil, err
	}
	if verifiedAt.Valid {
		b.VerifiedAt = time.Unix(verifiedAt.Int64, 0).UTC()
	}
	return &b, nil
}

const bindingCols = `email, external_id, verified_at`

// GetByEmail returns the binding for email, or nil if none exists.
func (s *BindingStore) GetByEmail(ctx context.Context, email string) (*model.Binding, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bindingCols+` FROM bindings WHERE email = $1`, email)
	b, err := scanBinding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get binding by email: %w", err)
	}
	return b, nil
}

// GetByExternalID returns the binding holding externalID, or nil.
func (s *BindingStore) GetByExternalID(ctx context.Context, externalID string) (*model.Binding, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+bindingCols+` FROM bindings WHERE external_id = $1`, externalID)
	b, err := scanBinding(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get binding by external id: %w", err)
	}
	return b, nil
}

// Bind consumes the challenge for email issued at issuedAt and records the
// binding in one transaction. It returns ErrExternalIDTaken if externalID
// belongs to another email (the challenge is kept), or ErrStaleChallenge if
// the challenge was consumed or reissued concurrently.
func (s *BindingStore) Bind(ctx context.Context, email, externalID string, issuedAt, now time.Time) (*model.Binding, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin bind: %w", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, `SELECT email FROM bindings WHERE external_id = $1`, externalID).Scan(&owner)
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		return nil, fmt.Errorf("check external id owner: %w", err)
	case owner != email:
		return nil, ErrExternalIDTaken
	}

	result, err := tx.ExecContext(ctx,
		`DELETE FROM pending_challenges WHERE email = $1 AND last_issued_at = $2`,
		email, issuedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("consume challenge: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return nil, ErrStaleChallenge
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO bindings (`+bindingCols+`) VALUES ($1, $2, $3)
		ON CONFLICT (email) DO UPDATE SET
			external_id = excluded.external_id,
			verified_at = excluded.verified_at`,
		email, externalID, now.Unix(),
	)
	if isUniqueViolation(err) {
		// Another email claimed externalID after the owner check.
		return nil, ErrExternalIDTaken
	}
	if err != nil {
		return nil, fmt.Errorf("upsert binding: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit bind: %w", err)
	}
	return &model.Binding{Email: email, ExternalID: externalID, VerifiedAt: time.Unix(now.Unix(), 0).UTC()}, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		code := liteErr.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			(code == sqlite3.SQLITE_CONSTRAINT && strings.Contains(liteErr.Error(), "UNIQUE"))
	}
	return false
}
