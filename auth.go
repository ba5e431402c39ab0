package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	tokenTTL   = time.Hour
	sessionTTL = 24 * time.Hour

	sessionCookieName = "meterd_session"

	// storeTimeout bounds per-request store calls, distinct from the
	// identity provider timeout.
	storeTimeout = 5 * time.Second
)

// CredentialIssuer mints and validates the local credential that
// proves an established login. Two implementations share this
// interface: a self-contained signed token and a server-side session.
// The strategy is fixed per deployment.
type CredentialIssuer interface {
	// Issue mints a credential for the user. The returned string is
	// the bearer token for the token strategy and empty for the
	// session strategy (which sets a cookie instead).
	Issue(w http.ResponseWriter, r *http.Request, user *User) (string, error)
	// Authenticate resolves the request's credential to a principal.
	// Fails with ErrMissingCredential, ErrInvalidCredential or
	// ErrUpstream.
	Authenticate(r *http.Request) (*Principal, error)
	// Revoke invalidates the credential where possible. A no-op for
	// the token strategy, which has no server-side state.
	Revoke(w http.ResponseWriter, r *http.Request) error
}

func genToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// TokenIssuer signs compact JWTs carrying the principal. Validity is
// purely signature plus expiry; logout is client-side only.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret, ttl: tokenTTL}
}

func (t *TokenIssuer) Issue(w http.ResponseWriter, r *http.Request, user *User) (string, error) {
	claims := jwt.MapClaims{
		"sub":   user.ID,
		"email": user.Email,
		"name":  user.Name,
		"exp":   time.Now().Add(t.ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

func (t *TokenIssuer) Authenticate(r *http.Request) (*Principal, error) {
	raw := bearerToken(r)
	if raw == "" {
		return nil, ErrMissingCredential
	}

	token, err := jwt.Parse(raw, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	// Expired tokens are rejected the same way as malformed ones.
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidCredential
	}
	sub, _ := claims["sub"].(string)
	if sub == "" {
		return nil, ErrInvalidCredential
	}
	email, _ := claims["email"].(string)
	name, _ := claims["name"].(string)
	return &Principal{ID: sub, Email: email, Name: name}, nil
}

func (t *TokenIssuer) Revoke(w http.ResponseWriter, r *http.Request) error {
	// Self-contained tokens cannot be revoked server-side.
	return nil
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

// SessionIssuer keeps credentials server-side: an opaque session id in
// an httpOnly cookie references a store-backed session holding the
// principal. Expiry is absolute from creation, not sliding.
type SessionIssuer struct {
	db     DB
	ttl    time.Duration
	secure bool
}

func NewSessionIssuer(db DB, ttl time.Duration, secure bool) *SessionIssuer {
	if ttl <= 0 {
		ttl = sessionTTL
	}
	return &SessionIssuer{db: db, ttl: ttl, secure: secure}
}

func (s *SessionIssuer) Issue(w http.ResponseWriter, r *http.Request, user *User) (string, error) {
	id, err := genToken(32)
	if err != nil {
		return "", err
	}

	now := time.Now()
	sess := &Session{
		ID:        id,
		UserID:    user.ID,
		Email:     user.Email,
		Name:      user.Name,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if err := s.db.CreateSession(ctx, sess); err != nil {
		return "", fmt.Errorf("%w: create session: %v", ErrUpstream, err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    id,
		Path:     "/",
		MaxAge:   int(s.ttl.Seconds()),
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteNoneMode,
	})
	return "", nil
}

func (s *SessionIssuer) Authenticate(r *http.Request) (*Principal, error) {
	c, err := r.Cookie(sessionCookieName)
	if err != nil || c.Value == "" {
		return nil, ErrMissingCredential
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	sess, err := s.db.GetSession(ctx, c.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: get session: %v", ErrUpstream, err)
	}
	if sess == nil {
		return nil, fmt.Errorf("%w: unknown session", ErrInvalidCredential)
	}
	if time.Now().After(sess.ExpiresAt) {
		_ = s.db.DeleteSession(ctx, sess.ID)
		return nil, fmt.Errorf("%w: session expired", ErrInvalidCredential)
	}
	return &Principal{ID: sess.UserID, Email: sess.Email, Name: sess.Name}, nil
}

func (s *SessionIssuer) Revoke(w http.ResponseWriter, r *http.Request) error {
	c, err := r.Cookie(sessionCookieName)
	if err != nil || c.Value == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()
	if err := s.db.DeleteSession(ctx, c.Value); err != nil {
		return fmt.Errorf("%w: delete session: %v", ErrUpstream, err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   s.secure,
		SameSite: http.SameSiteNoneMode,
	})
	return nil
}

var (
	_ CredentialIssuer = (*TokenIssuer)(nil)
	_ CredentialIssuer = (*SessionIssuer)(nil)
)
