package verify

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/rolecall/internal/email"
	"github.com/dukerupert/rolecall/internal/model"
	"github.com/dukerupert/rolecall/internal/store"
)

// Sender delivers an outbound email.
type Sender interface {
	Send(ctx context.Context, msg email.Message) error
}

// Resolver maps a chat handle to a platform member id, granting the member
// the verified role on the way. An empty id or an error means the member
// could not be resolved.
type Resolver interface {
	Resolve(ctx context.Context, handle string) (string, error)
}

type Config struct {
	Expiry         time.Duration
	Cooldown       time.Duration
	MaxAttempts    int
	Production     bool
	AllowedDomains []string
	DebugLogPath   string
	BcryptCost     int
}

func (c *Config) setDefaults() {
	if c.Expiry == 0 {
		c.Expiry = 10 * time.Minute
	}
	if c.Cooldown == 0 {
		c.Cooldown = time.Minute
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = 5
	}
	if c.BcryptCost == 0 {
		c.BcryptCost = bcrypt.DefaultCost
	}
}

// Service runs the passcode lifecycle for email/handle bindings.
type Service struct {
	bindings   *store.BindingStore
	challenges *store.ChallengeStore
	sender     Sender
	resolver   Resolver
	cfg        Config
	now        func() time.Time
	newCode    func() (string, error)
	logger     *slog.Logger
}

type Option func(*Service)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithCodeGenerator replaces the random passcode source.
func WithCodeGenerator(gen func() (string, error)) Option {
	return func(s *Service) {
		s.newCode = gen
	}
}

func NewService(
	bs *store.BindingStore,
	cs *store.ChallengeStore,
	sender Sender,
	resolver Resolver,
	cfg Config,
	logger *slog.Logger,
	opts ...Option,
) *Service {
	cfg.setDefaults()
	s := &Service{
		bindings:   bs,
		challenges: cs,
		sender:     sender,
		resolver:   resolver,
		cfg:        cfg,
		now:        time.Now,
		newCode:    generateCode,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// clock returns the current time at the millisecond precision challenges are
// stored with, so in-memory checks agree with the conditional SQL.
func (s *Service) clock() time.Time {
	return s.now().Truncate(time.Millisecond)
}

// generateCode returns a 6-digit numeric code (000000–999999).
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Issue creates or replaces the pending challenge for addr and mails the code.
func (s *Service) Issue(ctx context.Context, addr string) error {
	existing, err := s.bindings.GetByEmail(ctx, addr)
	if err != nil {
		return err
	}
	if existing != nil {
		return ErrAlreadyBound
	}

	now := s.clock()
	pending, err := s.challenges.Get(ctx, addr)
	if err != nil {
		return err
	}
	if pending != nil {
		if since := now.Sub(pending.LastIssuedAt); since < s.cfg.Cooldown {
			return &CooldownError{RetryAfter: s.cfg.Cooldown - since}
		}
	}

	if s.cfg.Production && !s.domainAllowed(addr) {
		return ErrInvalidEmail
	}

	code, err := s.newCode()
	if err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("hash code: %w", err)
	}

	c := &model.PendingChallenge{
		Email:        addr,
		CodeHash:     string(hash),
		ExpiresAt:    now.Add(s.cfg.Expiry),
		LastIssuedAt: now,
	}
	ok, err := s.challenges.Replace(ctx, c, now.Add(-s.cfg.Cooldown))
	if err != nil {
		return err
	}
	if !ok {
		// Lost a race with a concurrent issue for the same address.
		return &CooldownError{RetryAfter: s.cfg.Cooldown}
	}

	if !s.cfg.Production {
		s.logDebugCode(addr, code)
	}

	if err := s.sender.Send(ctx, email.CodeMessage(addr, code, s.cfg.Expiry)); err != nil {
		s.logger.Error("send passcode", "email", addr, "error", err)
		return fmt.Errorf("%w: %w", ErrDeliveryFailed, err)
	}

	s.logger.Info("passcode issued", "email", addr, "expires_at", c.ExpiresAt)
	return nil
}

// Status reports whether addr is verified, pending, or unknown.
func (s *Service) Status(ctx context.Context, addr string) (model.Status, error) {
	b, err := s.bindings.GetByEmail(ctx, addr)
	if err != nil {
		return model.Status{}, err
	}
	if b != nil {
		return model.Status{State: model.StateVerified, ExternalID: b.ExternalID, VerifiedAt: b.VerifiedAt}, nil
	}

	c, err := s.challenges.Get(ctx, addr)
	if err != nil {
		return model.Status{}, err
	}
	if c == nil {
		return model.Status{State: model.StateNotFound}, nil
	}

	now := s.clock()
	if c.Expired(now) {
		if _, err := s.challenges.DeleteIfExpired(ctx, addr, now); err != nil {
			return model.Status{}, err
		}
		return model.Status{State: model.StateNotFound}, nil
	}
	return model.Status{State: model.StatePending, ExpiresAt: c.ExpiresAt}, nil
}

// Submit checks code against the pending challenge for addr. On a match it
// resolves handle through the bridge and records the binding.
func (s *Service) Submit(ctx context.Context, addr, code, handle string) (*model.Binding, error) {
	c, err := s.challenges.Get(ctx, addr)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return nil, ErrNotFound
	}

	now := s.clock()
	if c.Expired(now) {
		if _, err := s.challenges.DeleteIfExpired(ctx, addr, now); err != nil {
			return nil, err
		}
		return nil, ErrExpired
	}

	if bcrypt.CompareHashAndPassword([]byte(c.CodeHash), []byte(code)) != nil {
		return nil, s.recordFailure(ctx, c)
	}

	uid, err := s.resolver.Resolve(ctx, handle)
	if err != nil || uid == "" {
		s.logger.Warn("external resolution failed", "email", addr, "handle", handle, "error", err)
		return nil, ErrExternalResolution
	}

	owner, err := s.bindings.GetByExternalID(ctx, uid)
	if err != nil {
		return nil, err
	}
	if owner != nil && owner.Email != addr {
		s.logger.Warn("identifier already bound", "email", addr, "uid", uid)
		return nil, ErrIdentifierConflict
	}

	b, err := s.bindings.Bind(ctx, addr, uid, c.LastIssuedAt, s.clock())
	switch {
	case errors.Is(err, store.ErrExternalIDTaken):
		return nil, ErrIdentifierConflict
	case errors.Is(err, store.ErrStaleChallenge):
		return nil, ErrNotFound
	case err != nil:
		return nil, err
	}

	s.logger.Info("email verified", "email", addr, "uid", uid)
	return b, nil
}

func (s *Service) recordFailure(ctx context.Context, c *model.PendingChallenge) error {
	attempts, err := s.challenges.IncrementFailed(ctx, c.Email, c.LastIssuedAt)
	if errors.Is(err, store.ErrStaleChallenge) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	if attempts >= s.cfg.MaxAttempts {
		if _, err := s.challenges.Delete(ctx, c.Email, c.LastIssuedAt); err != nil {
			return err
		}
		s.logger.Warn("challenge locked out", "email", c.Email, "attempts", attempts)
		return ErrLockedOut
	}
	return &AttemptError{Remaining: s.cfg.MaxAttempts - attempts}
}

// Sweep deletes every challenge that has expired.
func (s *Service) Sweep(ctx context.Context) (int64, error) {
	return s.challenges.DeleteExpired(ctx, s.clock())
}

func (s *Service) domainAllowed(addr string) bool {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return false
	}
	domain := strings.ToLower(addr[at+1:])
	for _, d := range s.cfg.AllowedDomains {
		if domain == strings.ToLower(strings.TrimSpace(d)) {
			return true
		}
	}
	return false
}

func (s *Service) logDebugCode(addr, code string) {
	s.logger.Debug("passcode generated", "email", addr, "code", code)
	if s.cfg.DebugLogPath == "" {
		return
	}
	f, err := os.OpenFile(s.cfg.DebugLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		s.logger.Warn("open debug log", "error", err)
		return
	}
	defer f.Close()
	fmt.Fprintf(f, "%s: %s\n", addr, code)
}
