package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultGoogleTokenURL     = "https://oauth2.googleapis.com/token"
	defaultGoogleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"

	providerTimeout = 10 * time.Second
)

// IdentityVerifier validates an externally issued identity assertion
// and extracts a verified claim set. Implementations make no local
// state changes.
type IdentityVerifier interface {
	// VerifyIDToken validates a raw ID token string.
	VerifyIDToken(ctx context.Context, idToken string) (*IdentityClaim, error)
	// ExchangeCode trades an authorization code for tokens at the
	// provider, then verifies the resulting ID token identically.
	ExchangeCode(ctx context.Context, code, redirectURI string) (*IdentityClaim, error)
}

// GoogleVerifierConfig configures the Google verifier. The endpoint
// URLs are overridable for tests.
type GoogleVerifierConfig struct {
	ClientID     string
	ClientSecret string

	TokenURL     string
	TokenInfoURL string
}

// GoogleVerifier verifies Google ID tokens via the tokeninfo endpoint,
// which validates the signature server-side; audience, issuer and
// expiry are checked locally against the registered client id.
type GoogleVerifier struct {
	config GoogleVerifierConfig
	client *http.Client
}

func NewGoogleVerifier(config GoogleVerifierConfig) *GoogleVerifier {
	if config.TokenURL == "" {
		config.TokenURL = defaultGoogleTokenURL
	}
	if config.TokenInfoURL == "" {
		config.TokenInfoURL = defaultGoogleTokenInfoURL
	}
	return &GoogleVerifier{
		config: config,
		client: &http.Client{Timeout: providerTimeout},
	}
}

// tokenInfoResponse mirrors Google's tokeninfo payload. Numeric and
// boolean claims arrive as strings.
type tokenInfoResponse struct {
	Iss           string `json:"iss"`
	Aud           string `json:"aud"`
	Sub           string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified string `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	Exp           string `json:"exp"`
}

func (g *GoogleVerifier) VerifyIDToken(ctx context.Context, idToken string) (*IdentityClaim, error) {
	if idToken == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidAssertion)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		g.config.TokenInfoURL+"?id_token="+url.QueryEscape(idToken), nil)
	if err != nil {
		return nil, fmt.Errorf("tokeninfo request: %w", err)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: tokeninfo: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read tokeninfo response: %v", ErrUpstream, err)
	}

	// Google rejects bad signatures and garbage tokens with a 4xx.
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: tokeninfo status %d", ErrInvalidAssertion, resp.StatusCode)
	}

	var info tokenInfoResponse
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("%w: parse tokeninfo: %v", ErrInvalidAssertion, err)
	}

	return g.validate(&info)
}

func (g *GoogleVerifier) validate(info *tokenInfoResponse) (*IdentityClaim, error) {
	if info.Aud != g.config.ClientID {
		return nil, fmt.Errorf("%w: audience mismatch", ErrInvalidAssertion)
	}
	if info.Iss != "accounts.google.com" && info.Iss != "https://accounts.google.com" {
		return nil, fmt.Errorf("%w: unexpected issuer %q", ErrInvalidAssertion, info.Iss)
	}
	exp, err := strconv.ParseInt(info.Exp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed exp claim", ErrInvalidAssertion)
	}
	if time.Now().Unix() >= exp {
		return nil, fmt.Errorf("%w: token expired", ErrInvalidAssertion)
	}
	if info.Sub == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrInvalidAssertion)
	}

	return &IdentityClaim{
		Subject:       info.Sub,
		Email:         info.Email,
		Name:          info.Name,
		Picture:       info.Picture,
		EmailVerified: info.EmailVerified == "true",
		Provider:      "google",
	}, nil
}

// googleTokenResponse is the token endpoint response for a code grant.
type googleTokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

func (g *GoogleVerifier) ExchangeCode(ctx context.Context, code, redirectURI string) (*IdentityClaim, error) {
	if code == "" {
		return nil, fmt.Errorf("%w: empty authorization code", ErrInvalidAssertion)
	}

	data := url.Values{
		"code":          {code},
		"client_id":     {g.config.ClientID},
		"client_secret": {g.config.ClientSecret},
		"redirect_uri":  {redirectURI},
		"grant_type":    {"authorization_code"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.config.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: token endpoint: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read token response: %v", ErrUpstream, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: code exchange status %d: %s", ErrInvalidAssertion, resp.StatusCode, string(body))
	}

	var tokenResp googleTokenResponse
	if err := json.Unmarshal(body, &tokenResp); err != nil {
		return nil, fmt.Errorf("%w: parse token response: %v", ErrInvalidAssertion, err)
	}
	if tokenResp.IDToken == "" {
		return nil, fmt.Errorf("%w: no id_token in response", ErrInvalidAssertion)
	}

	return g.VerifyIDToken(ctx, tokenResp.IDToken)
}

// compile-time interface check
var _ IdentityVerifier = (*GoogleVerifier)(nil)
