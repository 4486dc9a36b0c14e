package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dukerupert/rolecall/internal/middleware"
)

// Resolver is the agent-side operation behind the bridge.
type Resolver interface {
	Resolve(ctx context.Context, handle string) (string, error)
}

// NewHandler returns the agent's bridge endpoint. Requests without the exact
// shared secret are rejected before any lookup.
func NewHandler(resolver Resolver, secret string, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("POST "+Path, middleware.RequireBearer(secret, logger)(resolveHandler(resolver, logger)))
	return mux
}

func resolveHandler(resolver Resolver, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(RequestIDHeader)

		var req Request
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&req); err != nil {
			writeResponse(w, http.StatusBadRequest, Response{Error: "Invalid request body"})
			return
		}
		handle := strings.TrimSpace(req.Handle)
		if handle == "" {
			writeResponse(w, http.StatusBadRequest, Response{Error: "No handle provided"})
			return
		}

		logger.Info("received verification request", "request_id", reqID, "handle", handle)

		uid, err := resolver.Resolve(r.Context(), handle)
		switch {
		case err == nil && uid != "":
			writeResponse(w, http.StatusOK, Response{ExternalID: uid})
		case errors.Is(err, ErrUnavailable):
			logger.Error("platform unavailable", "request_id", reqID, "error", err)
			writeResponse(w, http.StatusInternalServerError, Response{Error: "Platform unavailable"})
		case err == nil || errors.Is(err, ErrNotFound):
			logger.Warn("handle not resolved", "request_id", reqID, "handle", handle, "error", err)
			writeResponse(w, http.StatusNotFound, Response{Error: "User or role not found"})
		default:
			logger.Error("resolve failed", "request_id", reqID, "error", err)
			writeResponse(w, http.StatusInternalServerError, Response{Error: "Internal error"})
		}
	})
}

func writeResponse(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}
