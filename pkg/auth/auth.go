// Package auth supplies OAuth2 bearer tokens for the Analytics APIs.
//
// DataBar does not implement a sign-in flow. Tokens come from the
// environment, from a token imported with "databar auth import", or from
// Application Default Credentials.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/goccy/go-json"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/codeGROOVE-dev/databar/pkg/kvstore"
)

// Scope is the read-only Analytics scope.
const Scope = "https://www.googleapis.com/auth/analytics.readonly"

// TokenKey is the kvstore key holding the imported token.
const TokenKey = "oauthToken"

// Environment variables consulted by Source.
const (
	EnvAccessToken  = "DATABAR_ACCESS_TOKEN"
	EnvClientID     = "DATABAR_CLIENT_ID"
	EnvClientSecret = "DATABAR_CLIENT_SECRET"
)

var (
	// ErrNoToken means no token has been imported.
	ErrNoToken = errors.New("no stored token")
	// ErrExpired means the token expired and cannot be refreshed.
	ErrExpired = errors.New("token expired and no client credentials are configured to refresh it")
)

// Method describes where tokens come from.
type Method string

// Token sources, in order of preference.
const (
	MethodEnvironment Method = "environment"
	MethodStored      Method = "stored token"
	MethodDefault     Method = "application default credentials"
)

// Provider hands out valid tokens, refreshing them when they expire.
type Provider struct {
	src    oauth2.TokenSource
	logger *slog.Logger
}

// NewProvider wraps src so a valid token is reused until it expires.
func NewProvider(src oauth2.TokenSource, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{src: oauth2.ReuseTokenSource(nil, src), logger: logger}
}

type tokenResult struct {
	tok *oauth2.Token
	err error
}

// FreshToken returns a valid token or an error. It returns early if ctx is
// done; an abandoned refresh still completes in the background.
func (p *Provider) FreshToken(ctx context.Context) (*oauth2.Token, error) {
	ch := make(chan tokenResult, 1)
	go func() {
		tok, err := p.src.Token()
		ch <- tokenResult{tok: tok, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for token: %w", ctx.Err())
	case r := <-ch:
		if r.err != nil {
			p.logger.Warn("[AUTH] Token refresh failed", "error", r.err)
			return nil, fmt.Errorf("refresh token: %w", r.err)
		}
		if r.tok == nil || r.tok.AccessToken == "" {
			return nil, errors.New("token source returned an empty token")
		}
		return r.tok, nil
	}
}

// Source picks a token source. The environment wins, then a stored token,
// then Application Default Credentials.
func Source(ctx context.Context, kv kvstore.Store, logger *slog.Logger) (oauth2.TokenSource, Method, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if tok := os.Getenv(EnvAccessToken); tok != "" {
		logger.Info("[AUTH] Using access token from environment", "var", EnvAccessToken)
		return oauth2.StaticTokenSource(&oauth2.Token{AccessToken: tok, TokenType: "Bearer"}), MethodEnvironment, nil
	}

	stored, err := StoredToken(kv)
	switch {
	case err == nil:
		id, secret := os.Getenv(EnvClientID), os.Getenv(EnvClientSecret)
		if id == "" || secret == "" || stored.RefreshToken == "" {
			logger.Info("[AUTH] Using stored token without refresh", "expiry", stored.Expiry)
			return &expiringSource{tok: stored}, MethodStored, nil
		}
		cfg := &oauth2.Config{
			ClientID:     id,
			ClientSecret: secret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{Scope},
		}
		logger.Info("[AUTH] Using stored token with refresh", "expiry", stored.Expiry)
		src := &persistingSource{kv: kv, src: cfg.TokenSource(ctx, stored), last: stored.AccessToken, logger: logger}
		return src, MethodStored, nil
	case !errors.Is(err, ErrNoToken):
		return nil, "", err
	}

	src, err := google.DefaultTokenSource(ctx, Scope)
	if err != nil {
		return nil, "", fmt.Errorf("no credentials: set %s, run 'databar auth import', or configure application default credentials: %w", EnvAccessToken, err)
	}
	logger.Info("[AUTH] Using application default credentials")
	return src, MethodDefault, nil
}

// expiringSource returns a fixed token until it expires.
type expiringSource struct {
	tok *oauth2.Token
}

func (s *expiringSource) Token() (*oauth2.Token, error) {
	if !s.tok.Valid() {
		return nil, ErrExpired
	}
	return s.tok, nil
}

// persistingSource saves refreshed tokens back to the store.
type persistingSource struct {
	kv     kvstore.Store
	src    oauth2.TokenSource
	logger *slog.Logger
	last   string
	mu     sync.Mutex
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := s.src.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		if err := saveToken(s.kv, tok); err != nil {
			// The token is still usable for this session.
			s.logger.Warn("[AUTH] Failed to persist refreshed token", "error", err)
		} else {
			s.last = tok.AccessToken
			s.logger.Debug("[AUTH] Persisted refreshed token", "expiry", tok.Expiry)
		}
	}
	return tok, nil
}

// ImportToken validates and stores a JSON-encoded oauth2.Token.
func ImportToken(kv kvstore.Store, data []byte) (*oauth2.Token, error) {
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, errors.New("token has neither access_token nor refresh_token")
	}
	if tok.TokenType == "" {
		tok.TokenType = "Bearer"
	}
	if err := saveToken(kv, &tok); err != nil {
		return nil, err
	}
	return &tok, nil
}

// StoredToken returns the imported token or ErrNoToken.
func StoredToken(kv kvstore.Store) (*oauth2.Token, error) {
	data, ok, err := kv.Get(TokenKey)
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	if !ok || len(data) == 0 {
		return nil, ErrNoToken
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse stored token: %w", err)
	}
	return &tok, nil
}

// ForgetToken removes the imported token.
func ForgetToken(kv kvstore.Store) error {
	return kv.Remove(TokenKey)
}

func saveToken(kv kvstore.Store, tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	if err := kv.Set(TokenKey, data); err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}
