package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

type loginRequest struct {
	// Code exchange flow
	Code        string `json:"code"`
	RedirectURI string `json:"redirectUri"`
	// Direct ID-token flow (Google Identity Services posts either
	// field name depending on the client library)
	Credential string `json:"credential"`
	Token      string `json:"token"`
}

type loginResponse struct {
	Authenticated bool   `json:"authenticated"`
	User          *User  `json:"user,omitempty"`
	Token         string `json:"token,omitempty"`
}

// HandleGoogleCallback handles the authorization-code flow: the
// frontend posts the code it received from Google's redirect.
// POST /auth/google-callback
func (a *App) HandleGoogleCallback(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Authorization code is required")
		return
	}

	claim, err := a.Verifier.ExchangeCode(r.Context(), req.Code, req.RedirectURI)
	if err != nil {
		a.writeAssertionError(w, err)
		return
	}
	a.completeLogin(w, r, claim)
}

// HandleVerifyToken handles the direct ID-token flow.
// POST /auth/google/verify-token
func (a *App) HandleVerifyToken(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
		return
	}
	idToken := req.Credential
	if idToken == "" {
		idToken = req.Token
	}
	if idToken == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "ID token is required")
		return
	}

	claim, err := a.Verifier.VerifyIDToken(r.Context(), idToken)
	if err != nil {
		a.writeAssertionError(w, err)
		return
	}
	a.completeLogin(w, r, claim)
}

func (a *App) writeAssertionError(w http.ResponseWriter, err error) {
	log.Printf("identity verification: %v", err)
	if errors.Is(err, ErrUpstream) {
		writeError(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "Identity provider unreachable")
		return
	}
	writeError(w, http.StatusUnauthorized, CodeInvalidAssertion, "Failed to authenticate with Google")
}

// completeLogin resolves the local user for a verified claim and mints
// a credential for it.
func (a *App) completeLogin(w http.ResponseWriter, r *http.Request, claim *IdentityClaim) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	user, created, err := a.findOrCreateUser(ctx, claim)
	if err != nil {
		log.Printf("find or create user %s: %v", claim.Subject, err)
		writeError(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "Try again later")
		return
	}

	token, err := a.Issuer.Issue(w, r, user)
	if err != nil {
		log.Printf("issue credential for %s: %v", user.ID, err)
		if errors.Is(err, ErrUpstream) {
			writeError(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "Try again later")
		} else {
			writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to issue credential")
		}
		return
	}

	if created {
		logins.WithLabelValues("new").Inc()
	} else {
		logins.WithLabelValues("returning").Inc()
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Authenticated: true,
		User:          user,
		Token:         token,
	})
}

// findOrCreateUser is the single login-flow entry point into the user
// directory: look up by subject id, create on first sight, touch
// last-login otherwise. Two concurrent first logins for one subject
// race on the insert; the loser's duplicate-key failure is treated as
// "already exists" and resolved by re-fetch, never by app-level locks.
func (a *App) findOrCreateUser(ctx context.Context, claim *IdentityClaim) (*User, bool, error) {
	existing, err := a.DB.FindUserByID(ctx, claim.Subject)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		if err := a.DB.TouchLastLogin(ctx, claim.Subject); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	created := true
	err = a.DB.CreateUser(ctx, &User{
		ID:       claim.Subject,
		Email:    claim.Email,
		Name:     claim.Name,
		Picture:  claim.Picture,
		Provider: claim.Provider,
	})
	if errors.Is(err, ErrDuplicate) {
		// lost the first-login race; this is still a login
		created = false
		if err := a.DB.TouchLastLogin(ctx, claim.Subject); err != nil {
			return nil, false, err
		}
	} else if err != nil {
		return nil, false, err
	}

	user, err := a.DB.FindUserByID(ctx, claim.Subject)
	if err != nil {
		return nil, false, err
	}
	if user == nil {
		return nil, false, errors.New("user vanished after create")
	}
	return user, created, nil
}

// HandleAuthStatus reports whether the request carries a valid
// credential. Side-effect free: it never touches users or sessions
// beyond the read needed to resolve the principal.
// GET /auth/status
func (a *App) HandleAuthStatus(w http.ResponseWriter, r *http.Request) {
	principal, err := a.Issuer.Authenticate(r)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"authenticated": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"authenticated": true,
		"user":          principal,
	})
}

// HandleLogout invalidates the server-side session. Under the token
// strategy there is no server state to clear and logout is client-side
// only; the endpoint still answers 200.
// POST /auth/logout
func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.Issuer.Revoke(w, r); err != nil {
		log.Printf("logout: %v", err)
		writeError(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "Try again later")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// HandleGetUser returns the authenticated user's own record.
// GET /user[?id=...]
func (a *App) HandleGetUser(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if principal == nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "Server misconfiguration")
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		id = principal.ID
	}
	if id != principal.ID {
		writeError(w, http.StatusForbidden, CodeForbidden, "You do not own this resource")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	user, err := a.DB.FindUserByID(ctx, id)
	if err != nil {
		log.Printf("get user %s: %v", id, err)
		writeError(w, http.StatusServiceUnavailable, CodeUpstreamUnavailable, "Try again later")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, CodeNotFound, "User not found")
		return
	}
	writeJSON(w, http.StatusOK, user)
}

type readingRequest struct {
	Day   *float64 `json:"day"`
	Night *float64 `json:"night"`
	Date  *string  `json:"date"`
}

// HandleCreateReading inserts a reading owned by the principal.
// POST /readings
func (a *App) HandleCreateReading(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if principal == nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "Server misconfiguration")
		return
	}

	var req readingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
		return
	}
	if req.Date == nil || *req.Date == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Date is required")
		return
	}

	reading := &Reading{UserID: principal.ID, Date: *req.Date}
	if req.Day != nil {
		reading.Day = *req.Day
	}
	if req.Night != nil {
		reading.Night = *req.Night
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	id, err := a.DB.CreateReading(ctx, reading)
	if err != nil {
		log.Printf("create reading: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to create reading")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{"id": id})
}

// HandleListReadings returns the principal's readings, newest first.
// GET /readings
func (a *App) HandleListReadings(w http.ResponseWriter, r *http.Request) {
	principal := principalFrom(r.Context())
	if principal == nil {
		writeError(w, http.StatusInternalServerError, CodeInternal, "Server misconfiguration")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	readings, err := a.DB.ListReadings(ctx, principal.ID)
	if err != nil {
		log.Printf("list readings: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to list readings")
		return
	}
	if readings == nil {
		readings = []*Reading{}
	}
	writeJSON(w, http.StatusOK, readings)
}

// HandleUpdateReading applies a partial update. Ownership has already
// been checked by the gate.
// PATCH /readings/{id}
func (a *App) HandleUpdateReading(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid resource id")
		return
	}

	var req readingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid request body")
		return
	}
	if req.Day == nil && req.Night == nil && req.Date == nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Nothing to update")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if err := a.DB.UpdateReading(ctx, id, req.Day, req.Night, req.Date); err != nil {
		log.Printf("update reading %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to update reading")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"updated": true, "id": id})
}

// HandleDeleteReading removes a reading the gate confirmed the
// principal owns.
// DELETE /readings/{id}
func (a *App) HandleDeleteReading(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "Invalid resource id")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if err := a.DB.DeleteReading(ctx, id); err != nil {
		log.Printf("delete reading %d: %v", id, err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "Failed to delete reading")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true, "id": id})
}
