// token.go -- Bearer token acquisition and caching.
package upstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/MGallo-Code/ledgersync/internal/store"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// TokenTTL is how long a token is cached. Upstream tokens live 24h.
const TokenTTL = 23 * time.Hour

const tokenPath = "/auth/external/token"

// tokenTimeout bounds one token exchange, shared by every waiting caller.
const tokenTimeout = 15 * time.Second

// TokenSource hands out bearer tokens. Satisfied by *TokenManager.
type TokenSource interface {
	GetToken(ctx context.Context, forceRefresh bool) (*oauth2.Token, error)
	Invalidate(ctx context.Context) error
}

// TokenManager exchanges the API key for a bearer token and caches it in KV,
// so every worker process shares one token per subdomain.
type TokenManager struct {
	baseURL    string
	apiKey     string
	subdomain  string
	kv         KV
	httpClient *http.Client
	group      singleflight.Group
	now        func() time.Time
}

// NewTokenManager returns a TokenManager. An empty apiKey is not rejected
// here; GetToken reports ErrMissingAPIKey on first use.
func NewTokenManager(baseURL, apiKey, subdomain string, kv KV) *TokenManager {
	return &TokenManager{
		baseURL:    baseURL,
		apiKey:     apiKey,
		subdomain:  subdomain,
		kv:         kv,
		httpClient: &http.Client{Timeout: tokenTimeout},
		now:        time.Now,
	}
}

func (m *TokenManager) key() string {
	return "ledgersync:token:" + m.subdomain
}

// GetToken returns the cached token unless forceRefresh is set or the cache
// is empty or expired. Concurrent refreshes in one process share a single
// upstream call. The shared call outlives any one caller's ctx; a cancelled
// caller stops waiting without failing the others.
func (m *TokenManager) GetToken(ctx context.Context, forceRefresh bool) (*oauth2.Token, error) {
	if m.apiKey == "" {
		return nil, ErrMissingAPIKey
	}

	if !forceRefresh {
		if tok := m.cached(ctx); tok != nil {
			return tok, nil
		}
	}

	ch := m.group.DoChan("refresh", func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tokenTimeout)
		defer cancel()
		return m.refresh(rctx)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("upstream token: %w", ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*oauth2.Token), nil
	}
}

// Invalidate drops the cached token. Called after a 401.
func (m *TokenManager) Invalidate(ctx context.Context) error {
	return m.kv.Delete(ctx, m.key())
}

// cached returns the stored token if present and unexpired. KV failures
// are logged and treated as a miss.
func (m *TokenManager) cached(ctx context.Context) *oauth2.Token {
	raw, err := m.kv.Get(ctx, m.key())
	if err != nil {
		if !errors.Is(err, store.ErrCacheMiss) {
			slog.Warn("token cache read failed", "error", err)
		}
		return nil
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		slog.Warn("token cache entry corrupt", "error", err)
		return nil
	}
	if tok.AccessToken == "" || (!tok.Expiry.IsZero() && !m.now().Before(tok.Expiry)) {
		return nil
	}
	return &tok
}

// refresh calls the token endpoint and caches the result.
func (m *TokenManager) refresh(ctx context.Context) (*oauth2.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+tokenPath, nil)
	if err != nil {
		return nil, fmt.Errorf("upstream token: building request: %w", err)
	}
	req.Header.Set("X-API-Key", m.apiKey)
	req.Header.Set("X-Subdomain", m.subdomain)
	req.Header.Set("Accept", "application/json")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream token: request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("upstream token: reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, newAPIError("token", resp.StatusCode, body)
	}

	var env struct {
		Succeeded bool   `json:"succeeded"`
		Message   string `json:"message"`
		Data      struct {
			AccessToken string `json:"accessToken"`
			ExpiresIn   int64  `json:"expiresIn"` // seconds
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("upstream token: decoding response: %w", err)
	}
	if !env.Succeeded || env.Data.AccessToken == "" {
		return nil, fmt.Errorf("upstream token: %w: %s", ErrUnsuccessful, env.Message)
	}

	ttl := TokenTTL
	if env.Data.ExpiresIn > 0 {
		if upstreamTTL := time.Duration(env.Data.ExpiresIn)*time.Second - time.Minute; upstreamTTL > 0 && upstreamTTL < ttl {
			ttl = upstreamTTL
		}
	}

	tok := &oauth2.Token{
		AccessToken: env.Data.AccessToken,
		TokenType:   "Bearer",
		Expiry:      m.now().Add(ttl),
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("upstream token: encoding cache entry: %w", err)
	}
	if err := m.kv.Set(ctx, m.key(), raw, ttl); err != nil {
		// Token is still usable for this call.
		slog.Warn("token cache write failed", "error", err)
	}

	slog.Info("upstream token refreshed", "subdomain", m.subdomain, "ttl", ttl)
	return tok, nil
}
