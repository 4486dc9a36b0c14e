package model

import "time"

// Binding links a verified email to a chat platform member id.
type Binding struct {
	Email      string    `json:"email"`
	ExternalID string    `json:"uid"`
	VerifiedAt time.Time `json:"verified_at"`
}

// PendingChallenge is an issued, unresolved passcode for one email.
// Only a bcrypt hash of the code is kept.
type PendingChallenge struct {
	Email          string    `json:"email"`
	CodeHash       string    `json:"-"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastIssuedAt   time.Time `json:"last_issued_at"`
	FailedAttempts int       `json:"failed_attempts"`
}

// Expired reports whether the challenge is past its expiry at now.
func (c *PendingChallenge) Expired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}

type VerificationState string

const (
	StateVerified VerificationState = "verified"
	StatePending  VerificationState = "pending"
	StateNotFound VerificationState = "not_found"
)

// Status is the result of polling an email's verification progress.
type Status struct {
	State      VerificationState
	ExternalID string
	VerifiedAt time.Time
	ExpiresAt  time.Time
}
