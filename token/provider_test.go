package token

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedStore(refresh, access string, expiry time.Time) *MemoryStore {
	s := NewMemoryStore(nil)
	_ = s.Save(context.Background(), &oauth2.Token{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		Expiry:       expiry,
	})
	return s
}

// tokenServer scripts the endpoint's responses in order; the last entry
// repeats. Each entry is a func writing one response.
func tokenServer(t *testing.T, steps ...func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if g := r.PostForm.Get("grant_type"); g != "refresh_token" {
			t.Errorf("grant_type = %q", g)
		}
		n := int(calls.Add(1)) - 1
		if n >= len(steps) {
			n = len(steps) - 1
		}
		steps[n](w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func grantOK(access string, expiresIn int) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":%q,"refresh_token":"rot-1","expires_in":%d,"token_type":"Bearer"}`, access, expiresIn)
	}
}

func grantStatus(code int) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(code)
	}
}

func newProvider(srv *httptest.Server, store Store) *Provider {
	return NewProvider(Config{
		TokenURL:     srv.URL,
		ClientID:     "client",
		ClientSecret: "secret",
		RetryDelay:   10 * time.Millisecond,
		Logger:       discardLogger(),
	}, store)
}

func TestTokenCachedWithinSkew(t *testing.T) {
	srv, calls := tokenServer(t, grantOK("unused", 3600))
	store := seedStore("refresh-1", "cached", time.Now().Add(time.Hour))
	p := newProvider(srv, store)

	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "cached" {
		t.Fatalf("token = %q, want cached", tok)
	}
	if n := calls.Load(); n != 0 {
		t.Fatalf("endpoint called %d times for a fresh token", n)
	}
}

func TestTokenRefreshesInsideSkewWindow(t *testing.T) {
	srv, calls := tokenServer(t, grantOK("new-access", 3600))
	// Expires in 30s: not expired, but inside the 2m proactive window.
	store := seedStore("refresh-1", "old-access", time.Now().Add(30*time.Second))
	p := newProvider(srv, store)

	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "new-access" {
		t.Fatalf("token = %q, want new-access", tok)
	}
	if n := calls.Load(); n != 1 {
		t.Fatalf("endpoint calls = %d, want 1", n)
	}
	saved, _ := store.Load(context.Background())
	if saved.RefreshToken != "rot-1" {
		t.Errorf("rotated refresh token not persisted: %q", saved.RefreshToken)
	}
}

func TestConcurrentRefreshSingleFlight(t *testing.T) {
	srv, calls := tokenServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(30 * time.Millisecond) // widen the overlap window
		grantOK("shared-access", 3600)(w, r)
	})
	store := seedStore("refresh-1", "", time.Time{})
	p := newProvider(srv, store)

	const n = 10
	var wg sync.WaitGroup
	tokens := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = p.Token(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if tokens[i] != "shared-access" {
			t.Fatalf("caller %d got %q", i, tokens[i])
		}
	}
	if got := calls.Load(); got != 1 {
		t.Fatalf("endpoint calls = %d, want 1 for %d concurrent callers", got, n)
	}
}

func TestRateLimitedRetriesOnceAfterHeader(t *testing.T) {
	srv, calls := tokenServer(t,
		func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
		},
		grantOK("post-429", 3600),
	)
	store := seedStore("refresh-1", "", time.Time{})
	p := newProvider(srv, store)

	start := time.Now()
	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "post-429" {
		t.Fatalf("token = %q", tok)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("endpoint calls = %d, want 2", n)
	}
	if waited := time.Since(start); waited < time.Second {
		t.Errorf("waited %s, want at least the Retry-After second", waited)
	}
}

func TestRateLimitedGivesUpAfterOneRetry(t *testing.T) {
	srv, calls := tokenServer(t,
		func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
		},
		grantStatus(http.StatusTooManyRequests),
	)
	store := seedStore("refresh-1", "", time.Time{})
	p := newProvider(srv, store)

	if _, err := p.Token(context.Background()); err == nil {
		t.Fatal("want error after repeated rate limiting")
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("endpoint calls = %d, want exactly 2", n)
	}
}

func TestRejectionClearsStoreAndFiresUnauthOnce(t *testing.T) {
	srv, _ := tokenServer(t, grantStatus(http.StatusUnauthorized))
	store := seedStore("refresh-1", "", time.Time{})
	p := newProvider(srv, store)

	var unauth atomic.Int32
	p.SetUnauthenticatedFunc(func() { unauth.Add(1) })

	_, err := p.Token(context.Background())
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("err = %v, want ErrRejected", err)
	}
	if tok, _ := store.Load(context.Background()); tok != nil {
		t.Error("store not cleared after rejection")
	}
	if n := unauth.Load(); n != 1 {
		t.Fatalf("unauthenticated callbacks = %d, want 1", n)
	}

	// The next attempt finds no credentials and must not re-fire.
	if _, err := p.ForceRefresh(context.Background()); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
	if n := unauth.Load(); n != 1 {
		t.Fatalf("unauthenticated callbacks = %d after retry, want still 1", n)
	}
}

func TestUnauthResetsAfterSuccessfulRefresh(t *testing.T) {
	srv, _ := tokenServer(t,
		grantStatus(http.StatusUnauthorized),
		grantOK("recovered", 3600),
		grantStatus(http.StatusUnauthorized),
	)
	store := seedStore("refresh-1", "", time.Time{})
	p := newProvider(srv, store)

	var unauth atomic.Int32
	p.SetUnauthenticatedFunc(func() { unauth.Add(1) })

	if _, err := p.ForceRefresh(context.Background()); !errors.Is(err, ErrRejected) {
		t.Fatal("first refresh should be rejected")
	}
	// Re-login stores a new credential; a successful refresh closes the
	// episode so a later rejection fires again.
	_ = store.Save(context.Background(), &oauth2.Token{RefreshToken: "refresh-2"})
	if _, err := p.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("second refresh: %v", err)
	}
	if _, err := p.ForceRefresh(context.Background()); !errors.Is(err, ErrRejected) {
		t.Fatal("third refresh should be rejected")
	}
	if n := unauth.Load(); n != 2 {
		t.Fatalf("unauthenticated callbacks = %d, want 2 (one per episode)", n)
	}
}

func TestTransientFailureRetriesOncePreservingRefreshToken(t *testing.T) {
	srv, calls := tokenServer(t,
		grantStatus(http.StatusInternalServerError),
		func(w http.ResponseWriter, r *http.Request) {
			if rt := r.PostForm.Get("refresh_token"); rt != "refresh-1" {
				t.Errorf("refresh_token = %q, want the preserved refresh-1", rt)
			}
			w.Header().Set("Content-Type", "application/json")
			fmt.Fprint(w, `{"access_token":"after-retry","expires_in":3600}`)
		},
	)
	store := seedStore("refresh-1", "", time.Time{})
	p := newProvider(srv, store)

	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if tok != "after-retry" {
		t.Fatalf("token = %q", tok)
	}
	if n := calls.Load(); n != 2 {
		t.Fatalf("endpoint calls = %d, want 2", n)
	}
	// No refresh_token in the response; the stored one must survive.
	saved, _ := store.Load(context.Background())
	if saved.RefreshToken != "refresh-1" {
		t.Errorf("refresh token = %q, want refresh-1 preserved", saved.RefreshToken)
	}
}

func TestTransientFailureFallsBackToUnexpiredToken(t *testing.T) {
	srv, calls := tokenServer(t, grantStatus(http.StatusBadGateway))
	// Inside the skew window but not actually expired.
	store := seedStore("refresh-1", "still-valid", time.Now().Add(60*time.Second))
	p := newProvider(srv, store)

	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("want fallback to the unexpired token, got %v", err)
	}
	if tok != "still-valid" {
		t.Fatalf("token = %q, want still-valid", tok)
	}
	if n := calls.Load(); n != 2 {
		t.Errorf("endpoint calls = %d, want 2 (attempt + one retry)", n)
	}
}

func TestExpiredTokenWithTransientFailureErrors(t *testing.T) {
	srv, _ := tokenServer(t, grantStatus(http.StatusBadGateway))
	store := seedStore("refresh-1", "expired", time.Now().Add(-time.Minute))
	p := newProvider(srv, store)

	if _, err := p.Token(context.Background()); err == nil {
		t.Fatal("want error when the old token is truly expired")
	}
}

func TestNoCredentials(t *testing.T) {
	srv, calls := tokenServer(t, grantOK("unused", 3600))
	p := newProvider(srv, NewMemoryStore(nil))

	if _, err := p.Token(context.Background()); !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("err = %v, want ErrNoCredentials", err)
	}
	if n := calls.Load(); n != 0 {
		t.Errorf("endpoint calls = %d, want 0", n)
	}
}

func TestComputeExpiryFromJWT(t *testing.T) {
	exp := time.Now().Add(45 * time.Minute).Unix()
	payload, _ := json.Marshal(map[string]any{"exp": exp})
	jwt := "eyJhbGciOiJIUzI1NiJ9." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"

	got := computeExpiry(jwt, 0)
	if got.Unix() != exp {
		t.Fatalf("expiry = %v, want unix %d", got, exp)
	}

	// Opaque token, no expires_in: one hour default.
	def := computeExpiry("opaque-token", 0)
	if d := time.Until(def); d < 59*time.Minute || d > 61*time.Minute {
		t.Fatalf("default expiry %s from now, want ~1h", d)
	}

	// Explicit expires_in wins over the claim.
	explicit := computeExpiry(jwt, 120)
	if d := time.Until(explicit); d < 100*time.Second || d > 140*time.Second {
		t.Fatalf("explicit expiry %s from now, want ~2m", d)
	}
}
