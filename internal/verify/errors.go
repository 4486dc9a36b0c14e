package verify

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidEmail       = errors.New("email address is not allowed")
	ErrAlreadyBound       = errors.New("email already verified")
	ErrRateLimited        = errors.New("please wait 1 minute before requesting another OTP")
	ErrDeliveryFailed     = errors.New("failed to send email")
	ErrNotFound           = errors.New("no OTP requested for this email")
	ErrExpired            = errors.New("OTP has expired")
	ErrIncorrectCode      = errors.New("OTP is incorrect")
	ErrLockedOut          = errors.New("too many failed attempts, please request a new OTP")
	ErrExternalResolution = errors.New("failed to verify Discord user")
	ErrIdentifierConflict = errors.New("Discord account already linked to another email")
)

// CooldownError reports a refused reissue and how long until the next one
// is accepted.
type CooldownError struct {
	RetryAfter time.Duration
}

func (e *CooldownError) Error() string {
	return ErrRateLimited.Error()
}

func (e *CooldownError) Is(target error) bool {
	return target == ErrRateLimited
}

// AttemptError reports a wrong code and how many tries are left before the
// challenge is discarded.
type AttemptError struct {
	Remaining int
}

func (e *AttemptError) Error() string {
	return fmt.Sprintf("OTP is incorrect. %d attempts remaining.", e.Remaining)
}

func (e *AttemptError) Is(target error) bool {
	return target == ErrIncorrectCode
}
