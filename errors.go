package main

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
)

// Error codes surfaced to clients. The `error` field of a failure
// response always carries one of these.
const (
	CodeMissingCredential   = "MISSING_CREDENTIAL"
	CodeInvalidCredential   = "INVALID_CREDENTIAL"
	CodeInvalidAssertion    = "INVALID_ASSERTION"
	CodeForbidden           = "FORBIDDEN"
	CodeNotFound            = "NOT_FOUND"
	CodeUpstreamUnavailable = "UPSTREAM_UNAVAILABLE"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodeInternal            = "INTERNAL_ERROR"
	CodeRateLimited         = "RATE_LIMIT_EXCEEDED"
)

// Sentinel errors used across the store and verifier boundaries.
var (
	// ErrDuplicate reports a unique-constraint violation on insert.
	// A concurrent first-login race surfaces as this and is treated
	// as "already exists", not as a failure.
	ErrDuplicate = errors.New("duplicate row")

	// ErrMissingCredential reports that no credential was presented.
	ErrMissingCredential = errors.New("no credential presented")

	// ErrInvalidCredential reports a malformed, badly signed or
	// expired credential. Expiry is deliberately not distinguished.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrInvalidAssertion reports that an identity assertion failed
	// verification (bad signature, wrong audience, expired).
	ErrInvalidAssertion = errors.New("invalid identity assertion")

	// ErrUpstream reports that the identity provider or the backing
	// store could not be reached.
	ErrUpstream = errors.New("upstream unavailable")
)

// APIError is the JSON error body. Details of underlying provider or
// store failures are logged server-side and never included here.
type APIError struct {
	Code    string `json:"error"`
	Message string `json:"error_message,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write json: %v", err)
	}
}
