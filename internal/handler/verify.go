package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dukerupert/rolecall/internal/model"
	"github.com/dukerupert/rolecall/internal/verify"
)

const (
	maxEmailLen  = 254
	maxHandleLen = 32
)

type VerifyHandler struct {
	svc            *verify.Service
	allowedDomains []string
	logger         *slog.Logger
}

func NewVerifyHandler(svc *verify.Service, allowedDomains []string, logger *slog.Logger) *VerifyHandler {
	return &VerifyHandler{svc: svc, allowedDomains: allowedDomains, logger: logger}
}

type messageResponse struct {
	Message string `json:"message"`
}

type attemptResponse struct {
	Message           string `json:"message"`
	RemainingAttempts int    `json:"remaining_attempts"`
}

type statusResponse struct {
	Status     model.VerificationState `json:"status"`
	UID        string                  `json:"uid,omitempty"`
	VerifiedAt *time.Time              `json:"verified_at,omitempty"`
	Expiry     int64                   `json:"expiry,omitempty"`
}

// Request issues a passcode to the posted email.
func (h *VerifyHandler) Request(w http.ResponseWriter, r *http.Request) {
	addr, msg := formEmail(r)
	if msg != "" {
		writeDetail(w, r, http.StatusBadRequest, msg)
		return
	}
	if _, msg := formHandle(r); msg != "" {
		writeDetail(w, r, http.StatusBadRequest, msg)
		return
	}

	err := h.svc.Issue(r.Context(), addr)
	var cooldown *verify.CooldownError
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusOK, messageResponse{Message: "OTP sent successfully"})
	case errors.As(err, &cooldown):
		secs := int((cooldown.RetryAfter + time.Second - 1) / time.Second)
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeDetail(w, r, http.StatusTooManyRequests, "Please wait 1 minute before requesting another OTP")
	case errors.Is(err, verify.ErrAlreadyBound):
		writeDetail(w, r, http.StatusBadRequest, "Email already verified")
	case errors.Is(err, verify.ErrInvalidEmail):
		writeDetail(w, r, http.StatusBadRequest, h.domainMessage())
	case errors.Is(err, verify.ErrDeliveryFailed):
		writeDetail(w, r, http.StatusInternalServerError, "Failed to send email")
	default:
		h.logger.Error("issue passcode", "email", addr, "error", err)
		writeDetail(w, r, http.StatusInternalServerError, "Internal server error")
	}
}

// Status reports the verification state of the email in the path.
func (h *VerifyHandler) Status(w http.ResponseWriter, r *http.Request) {
	addr := normalizeEmail(chi.URLParam(r, "email"))

	st, err := h.svc.Status(r.Context(), addr)
	if err != nil {
		h.logger.Error("verification status", "email", addr, "error", err)
		writeDetail(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}

	resp := statusResponse{Status: st.State}
	switch st.State {
	case model.StateVerified:
		resp.UID = st.ExternalID
		if !st.VerifiedAt.IsZero() {
			at := st.VerifiedAt.UTC()
			resp.VerifiedAt = &at
		}
	case model.StatePending:
		resp.Expiry = st.ExpiresAt.Unix()
	}
	writeJSON(w, r, http.StatusOK, resp)
}

// Submit checks a posted passcode and links the handle on success.
func (h *VerifyHandler) Submit(w http.ResponseWriter, r *http.Request) {
	addr, msg := formEmail(r)
	if msg != "" {
		writeDetail(w, r, http.StatusBadRequest, msg)
		return
	}
	handle, msg := formHandle(r)
	if msg != "" {
		writeDetail(w, r, http.StatusBadRequest, msg)
		return
	}
	code := strings.TrimSpace(r.PostFormValue("otp"))
	if code == "" {
		writeDetail(w, r, http.StatusBadRequest, "OTP is required")
		return
	}

	_, err := h.svc.Submit(r.Context(), addr, code, handle)
	var attempt *verify.AttemptError
	switch {
	case err == nil:
		writeJSON(w, r, http.StatusOK, messageResponse{Message: "OTP is correct, user verified on Discord"})
	case errors.As(err, &attempt):
		writeJSON(w, r, http.StatusOK, attemptResponse{
			Message:           attempt.Error(),
			RemainingAttempts: attempt.Remaining,
		})
	case errors.Is(err, verify.ErrNotFound):
		writeDetail(w, r, http.StatusBadRequest, "No OTP requested for this email")
	case errors.Is(err, verify.ErrExpired):
		writeDetail(w, r, http.StatusBadRequest, "OTP has expired")
	case errors.Is(err, verify.ErrLockedOut):
		writeDetail(w, r, http.StatusBadRequest, "Too many failed attempts. Please request a new OTP.")
	case errors.Is(err, verify.ErrIdentifierConflict):
		writeDetail(w, r, http.StatusBadRequest, "Discord account already linked to another email")
	case errors.Is(err, verify.ErrExternalResolution):
		writeDetail(w, r, http.StatusInternalServerError, "Failed to verify Discord user")
	default:
		h.logger.Error("submit passcode", "email", addr, "error", err)
		writeDetail(w, r, http.StatusInternalServerError, "Internal server error")
	}
}

func (h *VerifyHandler) domainMessage() string {
	if len(h.allowedDomains) == 0 {
		return "Email domain is not allowed"
	}
	parts := make([]string, len(h.allowedDomains))
	for i, d := range h.allowedDomains {
		parts[i] = "@" + d
	}
	if len(parts) == 1 {
		return "Email must end with " + parts[0]
	}
	return "Email must end with " + strings.Join(parts[:len(parts)-1], ", ") + ", or " + parts[len(parts)-1]
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func formEmail(r *http.Request) (string, string) {
	addr := normalizeEmail(r.PostFormValue("email"))
	if addr == "" {
		return "", "Email is required"
	}
	if len(addr) > maxEmailLen {
		return "", "Email is too long"
	}
	parsed, err := mail.ParseAddress(addr)
	if err != nil || parsed.Address != addr {
		return "", "Invalid email address"
	}
	return addr, ""
}

func formHandle(r *http.Request) (string, string) {
	handle := strings.TrimSpace(r.PostFormValue("username"))
	if handle == "" {
		return "", "Username is required"
	}
	if len(handle) > maxHandleLen {
		return "", "Username is too long"
	}
	return handle, ""
}
