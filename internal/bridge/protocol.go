// Package bridge implements the authenticated loopback call from the
// verification service to the platform agent.
package bridge

import "errors"

// Path is the single route served by the agent.
const Path = "/verify"

// RequestIDHeader correlates a bridge call across both processes' logs.
const RequestIDHeader = "X-Request-ID"

type Request struct {
	Handle string `json:"handle"`
}

type Response struct {
	ExternalID string `json:"external_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

var (
	// ErrNotFound marks resolution failures the caller may retry once the
	// member or role exists (reported as 404).
	ErrNotFound = errors.New("member or role not found")
	// ErrUnavailable marks agent-side failures unrelated to the handle
	// (reported as 500).
	ErrUnavailable = errors.New("platform unavailable")
)
