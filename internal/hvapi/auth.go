package hvapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultTimeout = 10 * time.Second

	tokenClientID = "home-assistant"
	tokenScope    = "openid profile email offline_access"
)

// Credentials is the bearer token pair issued by the token endpoint.
// The refresh token rotates on every grant.
type Credentials struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Valid reports whether an access token is present and unexpired.
func (c Credentials) Valid(now time.Time) bool {
	return c.AccessToken != "" && now.Before(c.ExpiresAt)
}

// TimeToExpiry returns the remaining lifetime of the access token.
func (c Credentials) TimeToExpiry(now time.Time) time.Duration {
	return c.ExpiresAt.Sub(now)
}

// TokenClient talks to the OpenID token endpoint. It supports the
// password grant (initial login) and the refresh-token grant.
type TokenClient struct {
	tokenURL string
	username string
	password string
	http     *http.Client
	logger   *slog.Logger
	now      func() time.Time
}

func NewTokenClient(tokenURL, username, password string, logger *slog.Logger) *TokenClient {
	return &TokenClient{
		tokenURL: strings.TrimSpace(tokenURL),
		username: username,
		password: password,
		http:     &http.Client{Timeout: defaultTimeout},
		logger:   logger,
		now:      time.Now,
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

// Login performs a full password grant. Callers holding a refresh token
// should try Refresh first and fall back here when it fails.
func (c *TokenClient) Login(ctx context.Context) (Credentials, error) {
	form := url.Values{
		"client_id":  {tokenClientID},
		"grant_type": {"password"},
		"scope":      {tokenScope},
		"username":   {c.username},
		"password":   {c.password},
	}
	creds, err := c.grant(ctx, "login", form)
	if err != nil {
		return Credentials{}, err
	}
	c.logger.Info("logged in", "expires_at", creds.ExpiresAt)
	return creds, nil
}

// Refresh exchanges a refresh token for a new credential pair.
func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (Credentials, error) {
	form := url.Values{
		"client_id":     {tokenClientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	creds, err := c.grant(ctx, "token refresh", form)
	if err != nil {
		return Credentials{}, err
	}
	c.logger.Debug("access token refreshed", "expires_at", creds.ExpiresAt)
	return creds, nil
}

func (c *TokenClient) grant(ctx context.Context, op string, form url.Values) (Credentials, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credentials{}, &ConnectError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return Credentials{}, &ConnectError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return Credentials{}, &AuthError{Op: op, Status: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return Credentials{}, &ConnectError{Op: op, Err: fmt.Errorf("status %d: %s", resp.StatusCode, string(body))}
	}

	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return Credentials{}, &ConnectError{Op: op, Err: err}
	}
	if payload.AccessToken == "" {
		return Credentials{}, &ConnectError{Op: op, Err: errors.New("token response missing access_token")}
	}

	return Credentials{
		AccessToken:  payload.AccessToken,
		RefreshToken: payload.RefreshToken,
		ExpiresAt:    c.now().UTC().Add(time.Duration(payload.ExpiresIn) * time.Second),
	}, nil
}
