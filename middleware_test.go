package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// spyDB records ownership lookups so tests can assert the gates
// short-circuit before touching the store.
type spyDB struct {
	DB
	ownershipCalls int
}

func (s *spyDB) CheckOwnership(ctx context.Context, table string, id int64, userID string) (bool, error) {
	s.ownershipCalls++
	return s.DB.CheckOwnership(ctx, table, id, userID)
}

func newTestApp(t *testing.T) (*App, *spyDB) {
	t.Helper()
	db := &spyDB{DB: NewMemoryDB()}
	return &App{
		DB:     db,
		Issuer: NewTokenIssuer([]byte("test-secret")),
	}, db
}

func login(t *testing.T, a *App, u *User) string {
	t.Helper()
	w := httptest.NewRecorder()
	token, err := a.Issuer.Issue(w, httptest.NewRequest("POST", "/", nil), u)
	require.NoError(t, err)
	return token
}

func decodeAPIError(t *testing.T, w *httptest.ResponseRecorder) APIError {
	t.Helper()
	var e APIError
	require.NoError(t, json.NewDecoder(w.Body).Decode(&e))
	return e
}

func TestIsAuthExempt(t *testing.T) {
	for path, want := range map[string]bool{
		"/auth/status":              true,
		"/auth/google-callback":     true,
		"/auth/google/verify-token": true,
		"/health":                   true,
		"/ready":                    true,
		"/metrics":                  true,
		"/readings":                 false,
		"/readings/42":              false,
		"/user":                     false,
		"/authx":                    false,
	} {
		require.Equal(t, want, isAuthExempt(path), "path %s", path)
	}
}

func TestAuthenticate_MissingCredentialRejectedBeforeStore(t *testing.T) {
	a, db := newTestApp(t)
	r := a.Router()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("PATCH", "/readings/42", strings.NewReader(`{"day":1}`)))

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.Equal(t, CodeMissingCredential, decodeAPIError(t, w).Code)
	require.Zero(t, db.ownershipCalls, "ownership gate must never run before authentication")
}

func TestAuthenticate_InvalidCredential(t *testing.T) {
	a, _ := newTestApp(t)
	r := a.Router()

	req := httptest.NewRequest("GET", "/readings", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, CodeInvalidCredential, decodeAPIError(t, w).Code)
}

func TestAuthenticate_ExpiredCredential(t *testing.T) {
	a, _ := newTestApp(t)
	r := a.Router()

	expired := &TokenIssuer{secret: []byte("test-secret"), ttl: -time.Minute}
	token, err := expired.Issue(httptest.NewRecorder(), httptest.NewRequest("POST", "/", nil), testUser())
	require.NoError(t, err)

	req := httptest.NewRequest("GET", "/readings", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, CodeInvalidCredential, decodeAPIError(t, w).Code)
}

func TestAuthenticate_ExemptRouteBypassesGate(t *testing.T) {
	a, _ := newTestApp(t)
	r := a.Router()

	// no credential at all, yet status answers 200
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/auth/status", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	require.Equal(t, false, body["authenticated"])
}

func TestAuthenticate_AttachesPrincipal(t *testing.T) {
	a, _ := newTestApp(t)

	var seen *Principal
	h := a.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = principalFrom(r.Context())
	}))

	token := login(t, a, testUser())
	req := httptest.NewRequest("GET", "/readings", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	h.ServeHTTP(httptest.NewRecorder(), req)

	require.NotNil(t, seen)
	require.Equal(t, "u1", seen.ID)
}

func seedReading(t *testing.T, db DB, userID string) int64 {
	t.Helper()
	id, err := db.CreateReading(context.Background(), &Reading{UserID: userID, Day: 10, Night: 5, Date: "2026-01-15"})
	require.NoError(t, err)
	return id
}

func TestRequireOwnership_OwnerAllowed(t *testing.T) {
	a, _ := newTestApp(t)
	require.NoError(t, a.DB.CreateUser(context.Background(), testUser()))
	id := seedReading(t, a.DB, "u1")

	token := login(t, a, testUser())
	req := httptest.NewRequest("PATCH", fmt.Sprintf("/readings/%d", id), strings.NewReader(`{"day":42}`))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}

func TestRequireOwnership_ForeignRowForbidden(t *testing.T) {
	a, _ := newTestApp(t)
	id := seedReading(t, a.DB, "u1")

	other := &User{ID: "u2", Email: "b@x.com", Name: "Other"}
	token := login(t, a, other)
	req := httptest.NewRequest("PATCH", fmt.Sprintf("/readings/%d", id), strings.NewReader(`{"day":42}`))
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, CodeForbidden, decodeAPIError(t, w).Code)
}

func TestRequireOwnership_AbsentRowForbidden(t *testing.T) {
	// A missing row answers exactly like a foreign row so existence
	// never leaks through status codes.
	a, _ := newTestApp(t)

	token := login(t, a, testUser())
	req := httptest.NewRequest("DELETE", "/readings/9999", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, req)

	require.Equal(t, http.StatusForbidden, w.Code)
	require.Equal(t, CodeForbidden, decodeAPIError(t, w).Code)
}

func TestRequireOwnership_BadID(t *testing.T) {
	a, _ := newTestApp(t)

	gate := a.RequireOwnership("readings")
	h := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest("PATCH", "/readings/abc", nil)
	ctx := context.WithValue(req.Context(), principalKey, &Principal{ID: "u1"})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req.WithContext(ctx))

	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRequireOwnership_NoPrincipalIsServerError(t *testing.T) {
	a, _ := newTestApp(t)

	gate := a.RequireOwnership("readings")
	h := gate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler must not run")
	}))

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("PATCH", "/readings/1", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	require.Equal(t, CodeInternal, decodeAPIError(t, w).Code)
}

func TestRequireOwnership_UnknownCollectionPanicsAtWiring(t *testing.T) {
	a, _ := newTestApp(t)
	require.Panics(t, func() {
		a.RequireOwnership("users; DROP TABLE users")
	})
}

func TestRateLimit_LoginEndpoint(t *testing.T) {
	a, _ := newTestApp(t)
	a.rateLimiter = NewRateLimiter(3)

	h := a.RateLimit(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var last int
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest("POST", "/auth/google-callback", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		last = w.Code
	}
	require.Equal(t, http.StatusTooManyRequests, last)

	// a different client is unaffected
	req := httptest.NewRequest("POST", "/auth/google-callback", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestSecurityHeaders(t *testing.T) {
	h := SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	require.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	require.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}

func TestCORS_AllowedOrigin(t *testing.T) {
	a, _ := newTestApp(t)
	a.AllowedOrigins = []string{"https://app.example.com"}

	h := a.CORS(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest("GET", "/readings", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	require.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))

	req2 := httptest.NewRequest("GET", "/readings", nil)
	req2.Header.Set("Origin", "https://evil.example.com")
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req2)
	require.Empty(t, w2.Header().Get("Access-Control-Allow-Origin"))
}

func TestRequestID_Assigned(t *testing.T) {
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, _ := r.Context().Value(requestIDKey).(string)
		require.NotEmpty(t, id)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest("GET", "/", nil))
	require.NotEmpty(t, w.Header().Get("X-Request-ID"))
}
