package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MGallo-Code/ledgersync/internal/testutil"
)

// tokenServer answers the token endpoint with an incrementing token and counts calls.
func tokenServer(t *testing.T, expiresIn int64) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != tokenPath || r.Method != http.MethodPost {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("X-API-Key") != "key-123" || r.Header.Get("X-Subdomain") != "acme" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := calls.Add(1)
		fmt.Fprintf(w, `{"succeeded":true,"message":"ok","data":{"accessToken":"tok-%d","expiresIn":%d}}`, n, expiresIn)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestGetToken(t *testing.T) {
	ctx := context.Background()

	t.Run("caches token across calls", func(t *testing.T) {
		srv, calls := tokenServer(t, 86400)
		kv := testutil.NewMemoryKV()
		m := NewTokenManager(srv.URL, "key-123", "acme", kv)

		first, err := m.GetToken(ctx, false)
		if err != nil {
			t.Fatalf("GetToken: %v", err)
		}
		second, err := m.GetToken(ctx, false)
		if err != nil {
			t.Fatalf("GetToken (cached): %v", err)
		}
		if calls.Load() != 1 {
			t.Errorf("token endpoint calls: expected 1, got %d", calls.Load())
		}
		if first.AccessToken != "tok-1" || second.AccessToken != "tok-1" {
			t.Errorf("tokens: expected tok-1 twice, got %q and %q", first.AccessToken, second.AccessToken)
		}
		if ttl := kv.TTLs["ledgersync:token:acme"]; ttl != TokenTTL {
			t.Errorf("cache ttl: expected %v, got %v", TokenTTL, ttl)
		}
	})

	t.Run("force refresh bypasses cache", func(t *testing.T) {
		srv, calls := tokenServer(t, 86400)
		m := NewTokenManager(srv.URL, "key-123", "acme", testutil.NewMemoryKV())

		if _, err := m.GetToken(ctx, false); err != nil {
			t.Fatalf("GetToken: %v", err)
		}
		tok, err := m.GetToken(ctx, true)
		if err != nil {
			t.Fatalf("GetToken (forced): %v", err)
		}
		if calls.Load() != 2 {
			t.Errorf("token endpoint calls: expected 2, got %d", calls.Load())
		}
		if tok.AccessToken != "tok-2" {
			t.Errorf("token: expected tok-2, got %q", tok.AccessToken)
		}
	})

	t.Run("invalidate forces a new exchange", func(t *testing.T) {
		srv, calls := tokenServer(t, 86400)
		m := NewTokenManager(srv.URL, "key-123", "acme", testutil.NewMemoryKV())

		m.GetToken(ctx, false)
		if err := m.Invalidate(ctx); err != nil {
			t.Fatalf("Invalidate: %v", err)
		}
		m.GetToken(ctx, false)
		if calls.Load() != 2 {
			t.Errorf("token endpoint calls: expected 2, got %d", calls.Load())
		}
	})

	t.Run("missing api key fails without a request", func(t *testing.T) {
		srv, calls := tokenServer(t, 86400)
		m := NewTokenManager(srv.URL, "", "acme", testutil.NewMemoryKV())

		_, err := m.GetToken(ctx, false)
		if !errors.Is(err, ErrMissingAPIKey) {
			t.Fatalf("expected ErrMissingAPIKey, got %v", err)
		}
		if !IsPermanent(err) {
			t.Error("ErrMissingAPIKey should be permanent")
		}
		if calls.Load() != 0 {
			t.Errorf("token endpoint calls: expected 0, got %d", calls.Load())
		}
	})

	t.Run("rejected key returns APIError", func(t *testing.T) {
		srv, _ := tokenServer(t, 86400)
		m := NewTokenManager(srv.URL, "wrong", "acme", testutil.NewMemoryKV())

		_, err := m.GetToken(ctx, false)
		var apiErr *APIError
		if !errors.As(err, &apiErr) {
			t.Fatalf("expected *APIError, got %T: %v", err, err)
		}
		if apiErr.StatusCode != http.StatusUnauthorized {
			t.Errorf("status: expected 401, got %d", apiErr.StatusCode)
		}
	})

	t.Run("short upstream expiry shortens cache ttl", func(t *testing.T) {
		srv, _ := tokenServer(t, 3600)
		kv := testutil.NewMemoryKV()
		m := NewTokenManager(srv.URL, "key-123", "acme", kv)

		if _, err := m.GetToken(ctx, false); err != nil {
			t.Fatalf("GetToken: %v", err)
		}
		if ttl := kv.TTLs["ledgersync:token:acme"]; ttl != 59*time.Minute {
			t.Errorf("cache ttl: expected 59m, got %v", ttl)
		}
	})

	t.Run("expired cached token is refreshed", func(t *testing.T) {
		srv, calls := tokenServer(t, 86400)
		kv := testutil.NewMemoryKV()
		m := NewTokenManager(srv.URL, "key-123", "acme", kv)

		m.GetToken(ctx, false)
		later := time.Now().Add(TokenTTL + time.Minute)
		m.now = func() time.Time { return later }
		kv.Now = m.now

		m.GetToken(ctx, false)
		if calls.Load() != 2 {
			t.Errorf("token endpoint calls: expected 2, got %d", calls.Load())
		}
	})

	t.Run("unsuccessful envelope is an error", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"succeeded":false,"message":"subdomain disabled","data":null}`)
		}))
		defer srv.Close()
		m := NewTokenManager(srv.URL, "key-123", "acme", testutil.NewMemoryKV())

		_, err := m.GetToken(ctx, false)
		if !errors.Is(err, ErrUnsuccessful) {
			t.Fatalf("expected ErrUnsuccessful, got %v", err)
		}
	})
}

func TestGetToken_CancelledCallerDoesNotFailWaiters(t *testing.T) {
	var calls atomic.Int32
	started := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			close(started)
		}
		<-release
		fmt.Fprint(w, `{"succeeded":true,"message":"ok","data":{"accessToken":"tok-shared","expiresIn":86400}}`)
	}))
	defer srv.Close()
	m := NewTokenManager(srv.URL, "key-123", "acme", testutil.NewMemoryKV())

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := m.GetToken(firstCtx, false)
		firstErr <- err
	}()
	<-started

	type result struct {
		tok string
		err error
	}
	second := make(chan result, 1)
	go func() {
		tok, err := m.GetToken(context.Background(), false)
		if err != nil {
			second <- result{err: err}
			return
		}
		second <- result{tok: tok.AccessToken}
	}()

	cancelFirst()
	select {
	case err := <-firstErr:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("cancelled caller: expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancelled caller still waiting")
	}

	close(release)
	select {
	case res := <-second:
		if res.err != nil || res.tok != "tok-shared" {
			t.Errorf("waiter: got %q, %v", res.tok, res.err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("waiter never received a token")
	}
	if calls.Load() != 1 {
		t.Errorf("token endpoint calls: expected 1, got %d", calls.Load())
	}
}
