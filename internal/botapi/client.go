package botapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	. "github.com/roelfdiedericks/qqclaw/internal/logging"
)

// DefaultBaseURL is the production REST base.
const DefaultBaseURL = "https://api.sgroup.qq.com"

// doFunc issues one authenticated API call. Send paths are wrapped with
// a rate limiter; read paths call the bare function.
type doFunc func(ctx context.Context, method, path string, body, out interface{}) error

// withRateLimit decorates next so every call waits for limiter capacity.
func withRateLimit(lim *rate.Limiter, next doFunc) doFunc {
	return func(ctx context.Context, method, path string, body, out interface{}) error {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		return next(ctx, method, path, body, out)
	}
}

// ClientConfig configures a Client. The token endpoint lives on the
// shared TokenCache, not here.
type ClientConfig struct {
	BaseURL        string
	Timeout        time.Duration
	SendsPerSecond float64
	SendBurst      int
}

// Client is the REST client for one bot account.
type Client struct {
	baseURL string
	httpc   *http.Client
	tokens  *TokenCache
	creds   Credentials
	limiter *rate.Limiter
	send    doFunc
}

// NewClient creates a REST client for creds, sharing the given token
// cache with any other accounts in the process.
func NewClient(cfg ClientConfig, tokens *TokenCache, creds Credentials) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SendsPerSecond <= 0 {
		cfg.SendsPerSecond = 4
	}
	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 4
	}

	c := &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpc:   &http.Client{Timeout: cfg.Timeout},
		tokens:  tokens,
		creds:   creds,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), cfg.SendBurst),
	}
	c.send = withRateLimit(c.limiter, c.do)
	return c
}

// Credentials returns the account credentials this client serves.
func (c *Client) Credentials() Credentials {
	return c.creds
}

// Token returns a valid access token for this account.
func (c *Client) Token(ctx context.Context) (string, error) {
	return c.tokens.Get(ctx, c.creds)
}

// InvalidateToken drops the cached token, forcing a fresh fetch.
func (c *Client) InvalidateToken() {
	c.tokens.Invalidate(c.creds)
}

// GatewayURL fetches the ephemeral WebSocket URL.
func (c *Client) GatewayURL(ctx context.Context) (string, error) {
	var resp gatewayResponse
	if err := c.do(ctx, http.MethodGet, "/gateway", nil, &resp); err != nil {
		return "", err
	}
	if resp.URL == "" {
		return "", fmt.Errorf("gateway endpoint returned empty url")
	}
	return resp.URL, nil
}

// do performs one authenticated request. A 401 invalidates the token
// and retries the call exactly once with a fresh one.
func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	err := c.doOnce(ctx, method, path, body, out)
	if err == nil || !IsAuthError(err) {
		return err
	}

	L_debug("api: auth failure, refreshing token and retrying once", "path", path)
	c.tokens.Invalidate(c.creds)
	return c.doOnce(ctx, method, path, body, out)
}

func (c *Client) doOnce(ctx context.Context, method, path string, body, out interface{}) error {
	token, err := c.tokens.Get(ctx, c.creds)
	if err != nil {
		return fmt.Errorf("failed to obtain access token: %w", err)
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "QQBot "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	return decodeResponse(resp, out)
}

// decodeResponse drains the body, maps non-2xx responses to APIError
// and unmarshals the rest into out.
func decodeResponse(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, TraceID: resp.Header.Get("X-Tps-Trace-Id")}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("invalid response body: %w", err)
		}
	}
	return nil
}
