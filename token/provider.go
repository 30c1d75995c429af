// Package token supplies a currently-valid bearer credential on demand. It
// refreshes proactively inside a fixed skew window before expiry,
// single-flights concurrent refreshes, and distinguishes an explicit
// rejection by the issuing authority (credentials invalid, log the user out)
// from a transient failure (recoverable blip, keep the session).
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
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

var (
	// ErrRejected means the issuing authority explicitly refused the
	// refresh credential. Stored credentials are cleared and the
	// unauthenticated callback has fired; callers must not retry.
	ErrRejected = errors.New("token: refresh rejected")

	// ErrNoCredentials means the store holds nothing to refresh with.
	ErrNoCredentials = errors.New("token: no stored credentials")
)

const (
	// DefaultSkew is how close to expiry a token triggers proactive refresh.
	DefaultSkew = 2 * time.Minute

	defaultRetryDelay = 2 * time.Second
)

// Config wires a Provider to its OAuth endpoint and store.
type Config struct {
	TokenURL     string
	ClientID     string
	ClientSecret string

	// HTTPClient overrides the default client. Optional.
	HTTPClient *http.Client

	// Skew is the proactive-refresh window. Optional; default 2m.
	Skew time.Duration

	// RetryDelay is the pause before the single transient-failure retry.
	// Optional; default 2s.
	RetryDelay time.Duration

	Logger *slog.Logger
}

// Provider hands out valid access tokens, refreshing as needed.
type Provider struct {
	cfg   Config
	store Store
	log   *slog.Logger
	group singleflight.Group

	mu          sync.Mutex
	unauthFired bool
	onUnauth    func()
}

func NewProvider(cfg Config, store Store) *Provider {
	if cfg.Skew <= 0 {
		cfg.Skew = DefaultSkew
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Provider{cfg: cfg, store: store, log: cfg.Logger}
}

// SetUnauthenticatedFunc registers the callback fired at most once per
// credential-rejection episode.
func (p *Provider) SetUnauthenticatedFunc(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onUnauth = fn
}

// Token returns an access token that is expected to outlive the skew window,
// refreshing first when the stored one is too close to expiry. When a
// refresh fails only transiently and the old token has not actually expired
// yet, the old token is returned so the caller gets one more attempt instead
// of a hard failure.
func (p *Provider) Token(ctx context.Context) (string, error) {
	tok, err := p.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("token: load: %w", err)
	}
	if p.fresh(tok) {
		return tok.AccessToken, nil
	}

	access, err := p.refreshShared(ctx)
	if err == nil {
		return access, nil
	}
	if errors.Is(err, ErrRejected) {
		return "", err
	}
	if tok != nil && tok.AccessToken != "" && tok.Expiry.After(time.Now()) {
		p.log.Warn("token: refresh failed; serving not-yet-expired token once more", slog.Any("err", err))
		return tok.AccessToken, nil
	}
	return "", err
}

// ForceRefresh refreshes regardless of the stored token's remaining
// lifetime. Concurrent callers share one attempt.
func (p *Provider) ForceRefresh(ctx context.Context) (string, error) {
	return p.refreshShared(ctx)
}

func (p *Provider) fresh(tok *oauth2.Token) bool {
	return tok != nil && tok.AccessToken != "" && tok.Expiry.After(time.Now().Add(p.cfg.Skew))
}

func (p *Provider) refreshShared(ctx context.Context) (string, error) {
	v, err, _ := p.group.Do("refresh", func() (any, error) {
		return p.refresh(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// refresh runs one logical refresh: the network attempt, the 429 wait, the
// transient re-check of the store, and at most one retry.
func (p *Provider) refresh(ctx context.Context) (string, error) {
	stored, err := p.store.Load(ctx)
	if err != nil {
		return "", fmt.Errorf("token: load: %w", err)
	}
	if stored == nil || stored.RefreshToken == "" {
		return "", ErrNoCredentials
	}

	tok, outcome, retryAfter := p.exchange(ctx, stored.RefreshToken)
	switch outcome {
	case outcomeOK:
		return p.commit(ctx, stored, tok)
	case outcomeRejected:
		return "", p.reject(ctx)
	case outcomeRateLimited:
		// Honor the server-specified interval, then retry exactly once.
		p.log.Warn("token: refresh rate limited", slog.Duration("retry_after", retryAfter))
		if err := sleep(ctx, retryAfter); err != nil {
			return "", err
		}
		tok, outcome, _ = p.exchange(ctx, stored.RefreshToken)
		switch outcome {
		case outcomeOK:
			return p.commit(ctx, stored, tok)
		case outcomeRejected:
			return "", p.reject(ctx)
		default:
			return "", fmt.Errorf("token: refresh failed after rate-limit retry: %w", tok.err)
		}
	}

	// Transient failure. The refresh credential is preserved; after a short
	// delay, re-check storage in case another writer already rotated it.
	p.log.Warn("token: transient refresh failure; will retry once", slog.Any("err", tok.err))
	if err := sleep(ctx, p.cfg.RetryDelay); err != nil {
		return "", err
	}
	if again, err := p.store.Load(ctx); err == nil && p.fresh(again) {
		return again.AccessToken, nil
	}

	tok, outcome, _ = p.exchange(ctx, stored.RefreshToken)
	switch outcome {
	case outcomeOK:
		return p.commit(ctx, stored, tok)
	case outcomeRejected:
		return "", p.reject(ctx)
	default:
		return "", fmt.Errorf("token: refresh failed after retry: %w", tok.err)
	}
}

// commit persists a refreshed token and closes any rejection episode.
func (p *Provider) commit(ctx context.Context, old *oauth2.Token, res exchangeResult) (string, error) {
	refresh := res.refreshToken
	if refresh == "" {
		refresh = old.RefreshToken
	}
	tok := &oauth2.Token{
		AccessToken:  res.accessToken,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		Expiry:       res.expiry,
	}
	if err := p.store.Save(ctx, tok); err != nil {
		return "", fmt.Errorf("token: save: %w", err)
	}
	p.mu.Lock()
	p.unauthFired = false
	p.mu.Unlock()
	p.log.Info("token: refreshed", slog.Time("expiry", tok.Expiry))
	return tok.AccessToken, nil
}

// reject clears credentials and fires the unauthenticated callback once.
func (p *Provider) reject(ctx context.Context) error {
	if err := p.store.Clear(ctx); err != nil {
		p.log.Warn("token: clear after rejection failed", slog.Any("err", err))
	}
	p.mu.Lock()
	fire := !p.unauthFired && p.onUnauth != nil
	p.unauthFired = true
	fn := p.onUnauth
	p.mu.Unlock()
	if fire {
		fn()
	}
	return ErrRejected
}

type refreshOutcome int

const (
	outcomeOK refreshOutcome = iota
	outcomeRejected
	outcomeRateLimited
	outcomeTransient
)

type exchangeResult struct {
	accessToken  string
	refreshToken string
	expiry       time.Time
	err          error
}

// exchange performs one refresh_token grant against the token endpoint.
func (p *Provider) exchange(ctx context.Context, refreshToken string) (exchangeResult, refreshOutcome, time.Duration) {
	form := url.Values{}
	form.Set("client_id", p.cfg.ClientID)
	form.Set("client_secret", p.cfg.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return exchangeResult{err: err}, outcomeTransient, 0
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.cfg.HTTPClient.Do(req)
	if err != nil {
		return exchangeResult{err: err}, outcomeTransient, 0
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			p.log.Warn("failed to close response body", slog.Any("err", err))
		}
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := p.cfg.RetryDelay
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		return exchangeResult{err: fmt.Errorf("token: rate limited: %s", resp.Status)}, outcomeRateLimited, retryAfter
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		b, _ := io.ReadAll(resp.Body)
		p.log.Warn("token: refresh rejected by authority",
			slog.String("status", resp.Status), slog.String("body", string(b)))
		return exchangeResult{}, outcomeRejected, 0
	default:
		b, _ := io.ReadAll(resp.Body)
		return exchangeResult{err: fmt.Errorf("token: refresh failed: %s: %s", resp.Status, string(b))}, outcomeTransient, 0
	}

	var body struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
		TokenType    string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return exchangeResult{err: fmt.Errorf("token: decode response: %w", err)}, outcomeTransient, 0
	}
	if body.AccessToken == "" {
		return exchangeResult{err: errors.New("token: empty access_token in response")}, outcomeTransient, 0
	}
	return exchangeResult{
		accessToken:  body.AccessToken,
		refreshToken: body.RefreshToken,
		expiry:       computeExpiry(body.AccessToken, body.ExpiresIn),
	}, outcomeOK, 0
}

// computeExpiry prefers the explicit expires_in, falls back to the token's
// embedded exp claim, and defaults to one hour when neither is available.
func computeExpiry(access string, expiresIn int) time.Time {
	if expiresIn > 0 {
		return time.Now().Add(time.Duration(expiresIn) * time.Second)
	}
	if exp, ok := jwtExpiry(access); ok {
		return exp
	}
	return time.Now().Add(time.Hour)
}

// jwtExpiry extracts the exp claim from a JWT access token without
// verification; only the expiry hint is needed here.
func jwtExpiry(token string) (time.Time, bool) {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return time.Time{}, false
	}
	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return time.Time{}, false
	}
	var claims struct {
		Exp float64 `json:"exp"`
	}
	if err := json.Unmarshal(payload, &claims); err != nil || claims.Exp <= 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(claims.Exp), 0), true
}

func sleep(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
