package cttso_pieriandx_gateway

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"k8s.io/utils/clock"
)

// TokenSource hands out vendor auth tokens.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

const tokenExpiryBuffer = 5 * time.Minute

// TokenService logs in with email/institution/password, or passes through a
// rotating auth token when no password is configured.
type TokenService struct {
	baseURL     string
	email       string
	institution string
	password    string
	staticToken string
	lifetime    time.Duration
	httpClient  *http.Client
	clock       clock.Clock

	mu        sync.Mutex
	token     string
	fetchedAt time.Time
}

func NewTokenService(cfg PierianDxConfig, httpClient *http.Client, clk clock.Clock) *TokenService {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	lifetime := cfg.TokenRefresh
	if lifetime <= 0 {
		lifetime = 45 * time.Minute
	}
	return &TokenService{
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		email:       cfg.Email,
		institution: cfg.Institution,
		password:    cfg.Password,
		staticToken: cfg.AuthToken,
		lifetime:    lifetime,
		httpClient:  httpClient,
		clock:       clk,
	}
}

// Token returns the cached token while it is still valid.
func (t *TokenService) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	token, fetchedAt := t.token, t.fetchedAt
	t.mu.Unlock()
	if token != "" && t.valid(token, fetchedAt) {
		return token, nil
	}
	return t.Refresh(ctx)
}

// Refresh always fetches a new token.
func (t *TokenService) Refresh(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var token string
	if t.password == "" {
		if t.staticToken == "" {
			return "", fmt.Errorf("Failed to refresh vendor token: neither password nor auth token configured")
		}
		token = t.staticToken
	} else {
		var err error
		if token, err = t.login(ctx); err != nil {
			return "", err
		}
	}
	t.token = token
	t.fetchedAt = t.clock.Now()
	log.Debug().Time("fetched_at", t.fetchedAt).Msg("Refreshed vendor token")
	return token, nil
}

func (t *TokenService) login(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/login", nil)
	if err != nil {
		return "", fmt.Errorf("Failed to build login request: %w", err)
	}
	req.Header.Set("X-Auth-Email", t.email)
	req.Header.Set("X-Auth-Institution", t.institution)
	req.Header.Set("X-Auth-Key", t.password)
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("Failed to log in to vendor: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", &VendorClientError{StatusCode: resp.StatusCode, Endpoint: "login", Payload: string(body)}
	}
	token := resp.Header.Get("X-Auth-Token")
	if token == "" {
		return "", fmt.Errorf("Failed to log in to vendor: no X-Auth-Token in response")
	}
	return token, nil
}

// valid trusts a JWT exp claim when present, otherwise the configured lifetime.
func (t *TokenService) valid(token string, fetchedAt time.Time) bool {
	now := t.clock.Now()
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			return exp.Time.After(now.Add(tokenExpiryBuffer))
		}
	}
	return now.Before(fetchedAt.Add(t.lifetime))
}
