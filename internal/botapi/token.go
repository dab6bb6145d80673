package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	. "github.com/roelfdiedericks/qqclaw/internal/logging"
)

const (
	// DefaultTokenURL is the production app access token endpoint.
	DefaultTokenURL = "https://bots.qq.com/app/getAppAccessToken"

	// refreshMargin is how early a cached token is considered stale.
	refreshMargin = 5 * time.Minute

	// defaultTokenTTL is assumed when the endpoint omits expires_in.
	defaultTokenTTL = 7200 * time.Second

	// minRefreshWait keeps the background refresher from spinning when
	// the vendor hands out very short-lived tokens.
	minRefreshWait = 10 * time.Second
)

// accessToken is one cached credential. Replaced wholesale on refresh;
// readers never observe a partial update.
type accessToken struct {
	token     string
	expiresAt time.Time
}

// TokenCache caches app access tokens per credential pair and refreshes
// them proactively. One instance is shared process-wide.
type TokenCache struct {
	tokenURL string
	httpc    *http.Client

	mu      sync.RWMutex
	entries map[Credentials]accessToken
}

// NewTokenCache creates a token cache against tokenURL.
func NewTokenCache(tokenURL string, timeout time.Duration) *TokenCache {
	if tokenURL == "" {
		tokenURL = DefaultTokenURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TokenCache{
		tokenURL: tokenURL,
		httpc:    &http.Client{Timeout: timeout},
		entries:  make(map[Credentials]accessToken),
	}
}

// Get returns a valid token for creds, fetching a fresh one when the
// cached token has less than the refresh margin remaining.
func (tc *TokenCache) Get(ctx context.Context, creds Credentials) (string, error) {
	tc.mu.RLock()
	entry, ok := tc.entries[creds]
	tc.mu.RUnlock()

	if ok && time.Until(entry.expiresAt) > refreshMargin {
		return entry.token, nil
	}
	return tc.refresh(ctx, creds)
}

// Invalidate drops the cached token for creds, forcing the next Get to
// fetch fresh. Called when the vendor signals an invalid token.
func (tc *TokenCache) Invalidate(creds Credentials) {
	tc.mu.Lock()
	delete(tc.entries, creds)
	tc.mu.Unlock()
	L_debug("token: invalidated", "appId", creds.AppID)
}

// refresh fetches a new token and replaces the cache entry.
func (tc *TokenCache) refresh(ctx context.Context, creds Credentials) (string, error) {
	body, err := json.Marshal(tokenRequest{AppID: creds.AppID, ClientSecret: creds.ClientSecret})
	if err != nil {
		return "", fmt.Errorf("failed to marshal token request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.tokenURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := tc.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode, TraceID: resp.Header.Get("X-Tps-Trace-Id")}
		_ = json.Unmarshal(data, apiErr)
		return "", apiErr
	}

	var tr tokenResponse
	if err := json.Unmarshal(data, &tr); err != nil {
		return "", fmt.Errorf("invalid token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", &APIError{Status: resp.StatusCode, Code: tr.Code, Message: tr.Message}
	}

	ttl := defaultTokenTTL
	if secs, err := tr.ExpiresIn.Int64(); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}

	entry := accessToken{token: tr.AccessToken, expiresAt: time.Now().Add(ttl)}
	tc.mu.Lock()
	tc.entries[creds] = entry
	tc.mu.Unlock()

	L_debug("token: refreshed", "appId", creds.AppID, "ttl", ttl.String())
	return entry.token, nil
}

// StartRefresher runs a background loop that refreshes the token for
// creds shortly before it expires, so the foreground handshake path
// rarely blocks on a network round trip. Returns when ctx is cancelled.
func (tc *TokenCache) StartRefresher(ctx context.Context, creds Credentials) {
	for {
		tc.mu.RLock()
		entry, ok := tc.entries[creds]
		tc.mu.RUnlock()

		wait := minRefreshWait
		if ok {
			wait = time.Until(entry.expiresAt.Add(-refreshMargin))
			if wait < minRefreshWait {
				wait = minRefreshWait
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		if _, err := tc.refresh(ctx, creds); err != nil {
			if ctx.Err() != nil {
				return
			}
			L_warn("token: background refresh failed", "appId", creds.AppID, "error", err)
		}
	}
}
