package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func tokenInfoPayload(aud string) map[string]string {
	return map[string]string{
		"iss":            "https://accounts.google.com",
		"aud":            aud,
		"sub":            "google-sub-12345",
		"email":          "user@gmail.com",
		"email_verified": "true",
		"name":           "Google User",
		"picture":        "https://example.com/avatar.png",
		"exp":            fmt.Sprintf("%d", time.Now().Add(time.Hour).Unix()),
	}
}

func newTokenInfoServer(t *testing.T, payload map[string]string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(payload)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGoogleVerifier_VerifyIDToken_Success(t *testing.T) {
	srv := newTokenInfoServer(t, tokenInfoPayload("test-client-id"), http.StatusOK)

	v := NewGoogleVerifier(GoogleVerifierConfig{
		ClientID:     "test-client-id",
		TokenInfoURL: srv.URL,
	})

	claim, err := v.VerifyIDToken(context.Background(), "some-id-token")
	require.NoError(t, err)
	require.Equal(t, "google-sub-12345", claim.Subject)
	require.Equal(t, "user@gmail.com", claim.Email)
	require.Equal(t, "Google User", claim.Name)
	require.True(t, claim.EmailVerified)
	require.Equal(t, "google", claim.Provider)
}

func TestGoogleVerifier_VerifyIDToken_WrongAudience(t *testing.T) {
	srv := newTokenInfoServer(t, tokenInfoPayload("someone-elses-client"), http.StatusOK)

	v := NewGoogleVerifier(GoogleVerifierConfig{ClientID: "test-client-id", TokenInfoURL: srv.URL})

	_, err := v.VerifyIDToken(context.Background(), "some-id-token")
	require.ErrorIs(t, err, ErrInvalidAssertion)
}

func TestGoogleVerifier_VerifyIDToken_WrongIssuer(t *testing.T) {
	payload := tokenInfoPayload("test-client-id")
	payload["iss"] = "https://evil.example.com"
	srv := newTokenInfoServer(t, payload, http.StatusOK)

	v := NewGoogleVerifier(GoogleVerifierConfig{ClientID: "test-client-id", TokenInfoURL: srv.URL})

	_, err := v.VerifyIDToken(context.Background(), "some-id-token")
	require.ErrorIs(t, err, ErrInvalidAssertion)
}

func TestGoogleVerifier_VerifyIDToken_Expired(t *testing.T) {
	payload := tokenInfoPayload("test-client-id")
	payload["exp"] = fmt.Sprintf("%d", time.Now().Add(-time.Minute).Unix())
	srv := newTokenInfoServer(t, payload, http.StatusOK)

	v := NewGoogleVerifier(GoogleVerifierConfig{ClientID: "test-client-id", TokenInfoURL: srv.URL})

	_, err := v.VerifyIDToken(context.Background(), "some-id-token")
	require.ErrorIs(t, err, ErrInvalidAssertion)
}

func TestGoogleVerifier_VerifyIDToken_ProviderRejects(t *testing.T) {
	srv := newTokenInfoServer(t, map[string]string{"error": "invalid_token"}, http.StatusBadRequest)

	v := NewGoogleVerifier(GoogleVerifierConfig{ClientID: "test-client-id", TokenInfoURL: srv.URL})

	_, err := v.VerifyIDToken(context.Background(), "garbage")
	require.ErrorIs(t, err, ErrInvalidAssertion)
}

func TestGoogleVerifier_VerifyIDToken_ProviderUnreachable(t *testing.T) {
	srv := newTokenInfoServer(t, nil, http.StatusOK)
	srv.Close() // connection refused from here on

	v := NewGoogleVerifier(GoogleVerifierConfig{ClientID: "test-client-id", TokenInfoURL: srv.URL})

	_, err := v.VerifyIDToken(context.Background(), "some-id-token")
	require.ErrorIs(t, err, ErrUpstream)
}

func TestGoogleVerifier_VerifyIDToken_EmptyToken(t *testing.T) {
	v := NewGoogleVerifier(GoogleVerifierConfig{ClientID: "test-client-id"})

	_, err := v.VerifyIDToken(context.Background(), "")
	require.ErrorIs(t, err, ErrInvalidAssertion)
}

func TestGoogleVerifier_ExchangeCode_Success(t *testing.T) {
	infoSrv := newTokenInfoServer(t, tokenInfoPayload("test-client-id"), http.StatusOK)

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		require.Equal(t, "test-auth-code", r.PostForm.Get("code"))
		require.Equal(t, "test-client-id", r.PostForm.Get("client_id"))
		require.Equal(t, "authorization_code", r.PostForm.Get("grant_type"))
		require.Equal(t, "http://localhost:3000/cb", r.PostForm.Get("redirect_uri"))

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token": "test-access-token",
			"id_token":     "test-id-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer tokenSrv.Close()

	v := NewGoogleVerifier(GoogleVerifierConfig{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		TokenURL:     tokenSrv.URL,
		TokenInfoURL: infoSrv.URL,
	})

	claim, err := v.ExchangeCode(context.Background(), "test-auth-code", "http://localhost:3000/cb")
	require.NoError(t, err)
	require.Equal(t, "google-sub-12345", claim.Subject)
}

func TestGoogleVerifier_ExchangeCode_BadCode(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{
			"error":             "invalid_grant",
			"error_description": "Code was already redeemed.",
		})
	}))
	defer tokenSrv.Close()

	v := NewGoogleVerifier(GoogleVerifierConfig{ClientID: "test-client-id", TokenURL: tokenSrv.URL})

	_, err := v.ExchangeCode(context.Background(), "redeemed-code", "")
	require.ErrorIs(t, err, ErrInvalidAssertion)
}

func TestGoogleVerifier_ExchangeCode_NoIDToken(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"access_token": "only-access"})
	}))
	defer tokenSrv.Close()

	v := NewGoogleVerifier(GoogleVerifierConfig{ClientID: "test-client-id", TokenURL: tokenSrv.URL})

	_, err := v.ExchangeCode(context.Background(), "some-code", "")
	require.ErrorIs(t, err, ErrInvalidAssertion)
}
