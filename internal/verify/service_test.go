package verify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/rolecall/internal/database"
	"github.com/dukerupert/rolecall/internal/email"
	"github.com/dukerupert/rolecall/internal/model"
	"github.com/dukerupert/rolecall/internal/store"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeSender struct {
	mu   sync.Mutex
	sent []email.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg email.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeResolver struct {
	mu      sync.Mutex
	uid     string
	err     error
	handles []string
}

func (f *fakeResolver) Resolve(_ context.Context, handle string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handles = append(f.handles, handle)
	return f.uid, f.err
}

func (f *fakeResolver) set(uid string, err error) {
	f.mu.Lock()
	f.uid, f.err = uid, err
	f.mu.Unlock()
}

func (f *fakeResolver) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handles)
}

type harness struct {
	svc        *Service
	clock      *fakeClock
	sender     *fakeSender
	resolver   *fakeResolver
	challenges *store.ChallengeStore
	bindings   *store.BindingStore
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := database.Open(database.SQLite, filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	h := &harness{
		clock:      &fakeClock{t: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)},
		sender:     &fakeSender{},
		resolver:   &fakeResolver{uid: "777"},
		challenges: store.NewChallengeStore(db),
		bindings:   store.NewBindingStore(db),
	}
	cfg.BcryptCost = bcrypt.MinCost
	h.svc = NewService(h.bindings, h.challenges, h.sender, h.resolver, cfg,
		slog.New(slog.NewTextHandler(io.Discard, nil)),
		WithClock(h.clock.Now),
		WithCodeGenerator(func() (string, error) { return "123456", nil }),
	)
	return h
}

var ctx = context.Background()

func TestIssueTwiceWithinCooldown(t *testing.T) {
	h := newHarness(t, Config{})

	if err := h.svc.Issue(ctx, "a@x.com"); err != nil {
		t.Fatalf("first issue: %v", err)
	}
	first, _ := h.challenges.Get(ctx, "a@x.com")

	err := h.svc.Issue(ctx, "a@x.com")
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("second issue err = %v, want ErrRateLimited", err)
	}
	var cd *CooldownError
	if !errors.As(err, &cd) || cd.RetryAfter != time.Minute {
		t.Errorf("retry after = %v, want 1m", cd)
	}

	second, _ := h.challenges.Get(ctx, "a@x.com")
	if second == nil || !second.LastIssuedAt.Equal(first.LastIssuedAt) {
		t.Errorf("challenge = %+v, want original untouched", second)
	}
	if got := h.sender.count(); got != 1 {
		t.Errorf("emails sent = %d, want 1", got)
	}
}

func TestIssueAfterCooldownReplaces(t *testing.T) {
	h := newHarness(t, Config{})

	h.svc.Issue(ctx, "a@x.com")
	h.svc.Submit(ctx, "a@x.com", "000000", "alice")

	h.clock.Advance(61 * time.Second)
	if err := h.svc.Issue(ctx, "a@x.com"); err != nil {
		t.Fatalf("reissue: %v", err)
	}

	c, _ := h.challenges.Get(ctx, "a@x.com")
	if c.FailedAttempts != 0 {
		t.Errorf("failed_attempts = %d, want 0 after reissue", c.FailedAttempts)
	}
	if !c.ExpiresAt.Equal(h.clock.Now().Add(10 * time.Minute)) {
		t.Errorf("expires_at = %v, want %v", c.ExpiresAt, h.clock.Now().Add(10*time.Minute))
	}
}

func TestIssueAlreadyBound(t *testing.T) {
	h := newHarness(t, Config{})

	h.svc.Issue(ctx, "a@x.com")
	if _, err := h.svc.Submit(ctx, "a@x.com", "123456", "alice"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	h.clock.Advance(time.Hour)
	if err := h.svc.Issue(ctx, "a@x.com"); !errors.Is(err, ErrAlreadyBound) {
		t.Errorf("err = %v, want ErrAlreadyBound", err)
	}
}

func TestIssueDeliveryFailedKeepsChallenge(t *testing.T) {
	h := newHarness(t, Config{})
	h.sender.err = errors.New("smtp down")

	err := h.svc.Issue(ctx, "a@x.com")
	if !errors.Is(err, ErrDeliveryFailed) {
		t.Fatalf("err = %v, want ErrDeliveryFailed", err)
	}

	c, _ := h.challenges.Get(ctx, "a@x.com")
	if c == nil {
		t.Fatal("expected challenge to persist after delivery failure")
	}
	if _, err := h.svc.Submit(ctx, "a@x.com", "123456", "alice"); err != nil {
		t.Errorf("submit against persisted code: %v", err)
	}
}

func TestIssueProductionDomainCheck(t *testing.T) {
	h := newHarness(t, Config{Production: true, AllowedDomains: []string{"pilani.bits-pilani.ac.in"}})

	if err := h.svc.Issue(ctx, "a@gmail.com"); !errors.Is(err, ErrInvalidEmail) {
		t.Errorf("err = %v, want ErrInvalidEmail", err)
	}
	if c, _ := h.challenges.Get(ctx, "a@gmail.com"); c != nil {
		t.Error("expected no challenge for rejected domain")
	}
	if err := h.svc.Issue(ctx, "f2020@Pilani.BITS-Pilani.ac.in"); err != nil {
		t.Errorf("allowed domain: %v", err)
	}
}

func TestIssueDebugLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "otp_debug.log")
	h := newHarness(t, Config{DebugLogPath: path})

	h.svc.Issue(ctx, "a@x.com")

	data, err := readFile(path)
	if err != nil {
		t.Fatalf("read debug log: %v", err)
	}
	if data != "a@x.com: 123456\n" {
		t.Errorf("debug log = %q", data)
	}
}

func TestSubmitNotFound(t *testing.T) {
	h := newHarness(t, Config{})

	if _, err := h.svc.Submit(ctx, "a@x.com", "123456", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestSubmitExpiredWinsOverMatch(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.Issue(ctx, "a@x.com")

	h.clock.Advance(10*time.Minute + time.Second)
	if _, err := h.svc.Submit(ctx, "a@x.com", "123456", "alice"); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if h.resolver.calls() != 0 {
		t.Error("expected bridge not to be called for an expired challenge")
	}
	if c, _ := h.challenges.Get(ctx, "a@x.com"); c != nil {
		t.Error("expected expired challenge to be deleted")
	}
	if _, err := h.svc.Submit(ctx, "a@x.com", "999999", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("after expiry err = %v, want ErrNotFound", err)
	}
}

func TestLockoutAfterFiveFailures(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.Issue(ctx, "a@x.com")

	for i := 1; i <= 4; i++ {
		_, err := h.svc.Submit(ctx, "a@x.com", "000000", "alice")
		var ae *AttemptError
		if !errors.As(err, &ae) {
			t.Fatalf("attempt %d: err = %v, want AttemptError", i, err)
		}
		if !errors.Is(err, ErrIncorrectCode) {
			t.Errorf("attempt %d: expected errors.Is ErrIncorrectCode", i)
		}
		if ae.Remaining != 5-i {
			t.Errorf("attempt %d: remaining = %d, want %d", i, ae.Remaining, 5-i)
		}
	}

	if _, err := h.svc.Submit(ctx, "a@x.com", "000000", "alice"); !errors.Is(err, ErrLockedOut) {
		t.Fatalf("5th attempt err = %v, want ErrLockedOut", err)
	}
	if _, err := h.svc.Submit(ctx, "a@x.com", "123456", "alice"); !errors.Is(err, ErrNotFound) {
		t.Errorf("6th attempt err = %v, want ErrNotFound", err)
	}

	st, err := h.svc.Status(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != model.StateNotFound {
		t.Errorf("state = %q, want not_found", st.State)
	}
}

func TestMatchOnFifthAttemptSucceeds(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.Issue(ctx, "a@x.com")

	for i := 0; i < 4; i++ {
		h.svc.Submit(ctx, "a@x.com", "000000", "alice")
	}
	if _, err := h.svc.Submit(ctx, "a@x.com", "123456", "alice"); err != nil {
		t.Errorf("correct code after 4 misses: %v", err)
	}
}

func TestBridgeFailureKeepsChallenge(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.Issue(ctx, "a@x.com")
	h.svc.Submit(ctx, "a@x.com", "000000", "alice")

	h.resolver.set("", errors.New("timeout"))
	if _, err := h.svc.Submit(ctx, "a@x.com", "123456", "alice"); !errors.Is(err, ErrExternalResolution) {
		t.Fatalf("err = %v, want ErrExternalResolution", err)
	}

	c, _ := h.challenges.Get(ctx, "a@x.com")
	if c == nil {
		t.Fatal("expected challenge to remain after bridge failure")
	}
	if c.FailedAttempts != 1 {
		t.Errorf("failed_attempts = %d, want 1", c.FailedAttempts)
	}

	h.resolver.set("", nil)
	if _, err := h.svc.Submit(ctx, "a@x.com", "123456", "alice"); !errors.Is(err, ErrExternalResolution) {
		t.Fatalf("empty id err = %v, want ErrExternalResolution", err)
	}

	h.resolver.set("777", nil)
	b, err := h.svc.Submit(ctx, "a@x.com", "123456", "alice")
	if err != nil {
		t.Fatalf("retry submit: %v", err)
	}
	if b.ExternalID != "777" {
		t.Errorf("uid = %q, want 777", b.ExternalID)
	}
}

func TestIdentifierConflictKeepsChallenge(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.Issue(ctx, "a@x.com")
	h.svc.Issue(ctx, "b@x.com")

	if _, err := h.svc.Submit(ctx, "a@x.com", "123456", "alice"); err != nil {
		t.Fatalf("submit a: %v", err)
	}
	if _, err := h.svc.Submit(ctx, "b@x.com", "123456", "alice"); !errors.Is(err, ErrIdentifierConflict) {
		t.Fatalf("submit b err = %v, want ErrIdentifierConflict", err)
	}
	if c, _ := h.challenges.Get(ctx, "b@x.com"); c == nil {
		t.Error("expected b's challenge to remain after conflict")
	}
	st, _ := h.svc.Status(ctx, "b@x.com")
	if st.State != model.StatePending {
		t.Errorf("b state = %q, want pending", st.State)
	}
}

func TestRoundTrip(t *testing.T) {
	h := newHarness(t, Config{})
	issuedAt := h.clock.Now()

	if err := h.svc.Issue(ctx, "a@x.com"); err != nil {
		t.Fatalf("issue: %v", err)
	}

	st, err := h.svc.Status(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != model.StatePending {
		t.Fatalf("state = %q, want pending", st.State)
	}
	if !st.ExpiresAt.Equal(issuedAt.Add(10 * time.Minute)) {
		t.Errorf("expires_at = %v, want %v", st.ExpiresAt, issuedAt.Add(10*time.Minute))
	}

	h.clock.Advance(30 * time.Second)
	if _, err := h.svc.Submit(ctx, "a@x.com", "123456", "alice"); err != nil {
		t.Fatalf("submit: %v", err)
	}

	st, err = h.svc.Status(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("status after submit: %v", err)
	}
	if st.State != model.StateVerified {
		t.Fatalf("state = %q, want verified", st.State)
	}
	if st.ExternalID != "777" {
		t.Errorf("uid = %q, want 777", st.ExternalID)
	}
	if !st.VerifiedAt.Equal(h.clock.Now()) {
		t.Errorf("verified_at = %v, want %v", st.VerifiedAt, h.clock.Now())
	}
	if h.resolver.handles[0] != "alice" {
		t.Errorf("handle = %q, want alice", h.resolver.handles[0])
	}
}

func TestStatusDeletesExpired(t *testing.T) {
	h := newHarness(t, Config{Expiry: time.Minute})
	h.svc.Issue(ctx, "a@x.com")

	h.clock.Advance(2 * time.Minute)
	st, err := h.svc.Status(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != model.StateNotFound {
		t.Errorf("state = %q, want not_found", st.State)
	}
	if c, _ := h.challenges.Get(ctx, "a@x.com"); c != nil {
		t.Error("expected expired challenge to be deleted by status")
	}
}

func TestConcurrentSubmitSingleWinner(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.Issue(ctx, "a@x.com")

	const n = 4
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = h.svc.Submit(ctx, "a@x.com", "123456", "alice")
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrNotFound):
		default:
			t.Errorf("unexpected err: %v", err)
		}
	}
	if wins != 1 {
		t.Errorf("successful submits = %d, want 1", wins)
	}
}

func TestSweep(t *testing.T) {
	h := newHarness(t, Config{})
	h.svc.Issue(ctx, "old@x.com")
	h.clock.Advance(9 * time.Minute)
	h.svc.Issue(ctx, "new@x.com")
	h.clock.Advance(2 * time.Minute)

	n, err := h.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Errorf("swept = %d, want 1", n)
	}
	if c, _ := h.challenges.Get(ctx, "new@x.com"); c == nil {
		t.Error("expected live challenge to survive the sweep")
	}
}

func TestGenerateCode(t *testing.T) {
	for i := 0; i < 50; i++ {
		code, err := generateCode()
		if err != nil {
			t.Fatalf("generate: %v", err)
		}
		if len(code) != 6 {
			t.Fatalf("code %q length = %d, want 6", code, len(code))
		}
		for _, r := range code {
			if r < '0' || r > '9' {
				t.Fatalf("code %q has non-digit", code)
			}
		}
	}
}

func TestSubSecondIssueStaysPendingUntilExpiry(t *testing.T) {
	h := newHarness(t, Config{})
	h.clock.Advance(700 * time.Millisecond)
	if err := h.svc.Issue(ctx, "a@x.com"); err != nil {
		t.Fatalf("issue: %v", err)
	}

	h.clock.Advance(9*time.Minute + 59500*time.Millisecond)
	st, err := h.svc.Status(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.State != model.StatePending {
		t.Fatalf("state = %q, want pending", st.State)
	}
	if c, _ := h.challenges.Get(ctx, "a@x.com"); c == nil {
		t.Fatal("expected challenge to survive the status check")
	}
	if _, err := h.svc.Submit(ctx, "a@x.com", "123456", "alice"); err != nil {
		t.Fatalf("submit before expiry: %v", err)
	}
}

func TestSubSecondIssueExpiresOnTime(t *testing.T) {
	h := newHarness(t, Config{})
	h.clock.Advance(700 * time.Millisecond)
	h.svc.Issue(ctx, "a@x.com")

	h.clock.Advance(10*time.Minute + time.Millisecond)
	if _, err := h.svc.Submit(ctx, "a@x.com", "123456", "alice"); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if c, _ := h.challenges.Get(ctx, "a@x.com"); c != nil {
		t.Error("expected expired challenge to be deleted")
	}
}

func TestCooldownCountsSubSecondIssue(t *testing.T) {
	h := newHarness(t, Config{})
	h.clock.Advance(700 * time.Millisecond)
	h.svc.Issue(ctx, "a@x.com")

	h.clock.Advance(59500 * time.Millisecond)
	err := h.svc.Issue(ctx, "a@x.com")
	var cooldown *CooldownError
	if !errors.As(err, &cooldown) {
		t.Fatalf("err = %v, want CooldownError", err)
	}
	if cooldown.RetryAfter != 500*time.Millisecond {
		t.Errorf("retry after = %v, want 500ms", cooldown.RetryAfter)
	}
	if h.sender.count() != 1 {
		t.Errorf("sent = %d, want 1", h.sender.count())
	}

	h.clock.Advance(500 * time.Millisecond)
	if err := h.svc.Issue(ctx, "a@x.com"); err != nil {
		t.Fatalf("issue after cooldown: %v", err)
	}
}

func TestPasscodeLoggedAtDebugOnly(t *testing.T) {
	for _, tt := range []struct {
		level slog.Level
		want  bool
	}{
		{slog.LevelDebug, true},
		{slog.LevelInfo, false},
	} {
		h := newHarness(t, Config{})
		var buf bytes.Buffer
		h.svc = NewService(h.bindings, h.challenges, h.sender, h.resolver, Config{BcryptCost: bcrypt.MinCost},
			slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: tt.level})),
			WithClock(h.clock.Now),
			WithCodeGenerator(func() (string, error) { return "123456", nil }),
		)

		if err := h.svc.Issue(ctx, "a@x.com"); err != nil {
			t.Fatalf("issue: %v", err)
		}
		out := buf.String()
		if got := strings.Contains(out, "code=123456"); got != tt.want {
			t.Errorf("level %v: code logged = %v, want %v\n%s", tt.level, got, tt.want, out)
		}
		if tt.want && !strings.Contains(out, "level=DEBUG") {
			t.Errorf("expected passcode record at DEBUG:\n%s", out)
		}
	}
}
