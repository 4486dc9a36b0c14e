package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/rolecall/internal/model"
)

// ErrStaleChallenge is returned when a conditional write finds the challenge
// gone or reissued since it was read.
var ErrStaleChallenge = errors.New("challenge changed or removed")

// ChallengeStore keeps challenge timestamps as unix milliseconds.
type ChallengeStore struct {
	db *sql.DB
}

func NewChallengeStore(db *sql.DB) *ChallengeStore {
	return &ChallengeStore{db: db}
}

func scanChallenge(scanner interface{ Scan(...any) error }) (*model.PendingChallenge, error) {
	var c model.PendingChallenge
	var expiresAt, issuedAt int64
	if err := scanner.Scan(&c.Email, &c.CodeHash, &expiresAt, &issuedAt, &c.FailedAttempts); err != nil {
		return nil, err
	}
	c.ExpiresAt = time.UnixMilli(expiresAt).UTC()
	c.LastIssuedAt = time.UnixMilli(issuedAt).UTC()
	return &c, nil
}

const challengeCols = `email, code_hash, expires_at, last_issued_at, failed_attempts`

// Get returns the pending challenge for email, or nil if none exists.
func (s *ChallengeStore) Get(ctx context.Context, email string) (*model.PendingChallenge, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+challengeCols+` FROM pending_challenges WHERE email = $1`, email)
	c, err := scanChallenge(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get challenge: %w", err)
	}
	return c, nil
}

// Replace stores c, overwriting any previous challenge for the same email
// only if that one was issued at or before cutoff. It reports false when an
// existing challenge is still inside its cooldown.
func (s *ChallengeStore) Replace(ctx context.Context, c *model.PendingChallenge, cutoff time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_challenges (`+challengeCols+`) VALUES ($1, $2, $3, $4, 0)
		ON CONFLICT (email) DO UPDATE SET
			code_hash = excluded.code_hash,
			expires_at = excluded.expires_at,
			last_issued_at = excluded.last_issued_at,
			failed_attempts = 0
		WHERE pending_challenges.last_issued_at <= $5`,
		c.Email, c.CodeHash, c.ExpiresAt.UnixMilli(), c.LastIssuedAt.UnixMilli(), cutoff.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("replace challenge: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// IncrementFailed bumps the failure counter of the challenge issued at
// issuedAt and returns the new count.
func (s *ChallengeStore) IncrementFailed(ctx context.Context, email string, issuedAt time.Time) (int, error) {
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE pending_challenges SET failed_attempts = failed_attempts + 1
		WHERE email = $1 AND last_issued_at = $2
		RETURNING failed_attempts`,
		email, issuedAt.UnixMilli(),
	).Scan(&attempts)
	if err == sql.ErrNoRows {
		return 0, ErrStaleChallenge
	}
	if err != nil {
		return 0, fmt.Errorf("increment failed attempts: %w", err)
	}
	return attempts, nil
}

// Delete removes the challenge issued at issuedAt. It reports whether a row
// was removed.
func (s *ChallengeStore) Delete(ctx context.Context, email string, issuedAt time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_challenges WHERE email = $1 AND last_issued_at = $2`,
		email, issuedAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("delete challenge: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteIfExpired removes the challenge for email only if it is still
// expired at now.
func (s *ChallengeStore) DeleteIfExpired(ctx context.Context, email string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_challenges WHERE email = $1 AND expires_at < $2`,
		email, now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("delete expired challenge: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteExpired removes every challenge whose expiry is before now.
func (s *ChallengeStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM pending_challenges WHERE expires_at < $1`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("delete expired challenges: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
