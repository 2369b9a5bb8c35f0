package spot

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"autotrader-core/pkg/exchanges/common"
)

// VenueName is the rate-limit key for every Binance spot client.
const VenueName = "binance"

// Config holds Binance credentials.
type Config struct {
	APIKey     string
	APISecret  string
	Testnet    bool
	RecvWindow int64  // ms
	BaseURL    string // overrides the production/testnet host
	HTTPClient *http.Client
}

// Client is a Binance spot REST venue. All clients share one RateLimiter.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	limiter    *common.RateLimiter
	closed     atomic.Bool
}

var _ common.Gateway = (*Client)(nil)

// New creates a client. limiter may be nil for tooling that runs outside the engine.
func New(cfg Config, limiter *common.RateLimiter) *Client {
	base := "https://api.binance.com"
	if cfg.Testnet {
		base = "https://testnet.binance.vision"
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Second}
	}
	client := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: hc,
		limiter:    limiter,
	}
	client.timeSync = common.NewTimeSync(client.ServerTime, 30*time.Minute)
	return client
}

// Name implements common.Gateway.
func (c *Client) Name() string { return VenueName }

// CheckCredentials reports whether signed endpoints can be called.
func (c *Client) CheckCredentials(ctx context.Context) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return common.NewVenueError(VenueName, "credentials", common.KindCredential, errors.New("API key/secret required"))
	}
	return nil
}

// Close releases the handle; later calls fail. The HTTP transport is shared and stays up.
func (c *Client) Close() error {
	c.closed.Store(true)
	return nil
}

// ServerTime fetches server time (ms).
func (c *Client) ServerTime(ctx context.Context) (int64, error) {
	body, err := c.doPublic(ctx, "server_time", "/api/v3/time", nil)
	if err != nil {
		return 0, err
	}
	var res struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return 0, fmt.Errorf("decode server time: %w", err)
	}
	return res.ServerTime, nil
}

func (c *Client) acquire(ctx context.Context, op string, cost int) error {
	if c.closed.Load() {
		return common.NewVenueError(VenueName, op, common.KindUnavailable, errors.New("client closed"))
	}
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Acquire(ctx, VenueName, cost)
}

// doPublic performs an unsigned GET.
func (c *Client) doPublic(ctx context.Context, op, path string, params url.Values) ([]byte, error) {
	if err := c.acquire(ctx, op, common.CostRead); err != nil {
		return nil, err
	}
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return c.do(req, op)
}

// doSigned stamps, signs and performs the request.
func (c *Client) doSigned(ctx context.Context, op, method, path string, params url.Values, cost int) ([]byte, error) {
	if err := c.CheckCredentials(ctx); err != nil {
		return nil, err
	}
	if err := c.acquire(ctx, op, cost); err != nil {
		return nil, err
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(ctx), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))
	params.Set("signature", sign(params.Encode(), c.cfg.APISecret))

	var (
		req *http.Request
		err error
	)
	encoded := params.Encode()
	endpoint := c.baseURL + path
	switch method {
	case http.MethodGet, http.MethodDelete:
		req, err = http.NewRequestWithContext(ctx, method, endpoint+"?"+encoded, nil)
	default:
		req, err = http.NewRequestWithContext(ctx, method, endpoint, strings.NewReader(encoded))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.cfg.APIKey)
	return c.do(req, op)
}

func (c *Client) do(req *http.Request, op string) ([]byte, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		kind := common.KindUnavailable
		if errors.Is(err, context.Canceled) {
			kind = common.KindUnknown
		}
		return nil, common.NewVenueError(VenueName, op, kind, err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if res.StatusCode == http.StatusTooManyRequests || res.StatusCode == http.StatusTeapot {
		if c.limiter != nil {
			c.limiter.OnRateLimited(VenueName, parseRetryAfter(res.Header.Get("Retry-After")))
		}
		return nil, &common.VenueError{
			Venue: VenueName, Op: op, Kind: common.KindRateLimited, Code: res.StatusCode,
			Err: fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(body))),
		}
	}
	if res.StatusCode >= 300 {
		return nil, c.apiError(op, res, body)
	}
	return body, nil
}

type apiErrorBody struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// apiError maps Binance error payloads to error kinds.
func (c *Client) apiError(op string, res *http.Response, body []byte) error {
	var payload apiErrorBody
	_ = json.Unmarshal(body, &payload)
	msg := payload.Msg
	if msg == "" {
		msg = strings.TrimSpace(string(body))
	}
	lower := strings.ToLower(msg)

	kind := common.KindUnknown
	switch {
	case payload.Code == -1003:
		kind = common.KindRateLimited
		if c.limiter != nil {
			c.limiter.OnRateLimited(VenueName, parseRetryAfter(res.Header.Get("Retry-After")))
		}
	case strings.Contains(lower, "duplicate order"):
		kind = common.KindDuplicate
	case strings.Contains(lower, "insufficient balance"):
		kind = common.KindInsufficientFunds
	case payload.Code == -2014 || payload.Code == -2015 || payload.Code == -1022 || payload.Code == -2008,
		res.StatusCode == http.StatusUnauthorized, res.StatusCode == http.StatusForbidden:
		kind = common.KindCredential
	case res.StatusCode >= 500:
		kind = common.KindUnavailable
	}
	return &common.VenueError{
		Venue: VenueName, Op: op, Kind: kind, Code: payload.Code,
		Err: fmt.Errorf("status %d: %s", res.StatusCode, msg),
	}
}

// parseRetryAfter reads a Retry-After header in seconds; 0 means "use the default".
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func sign(data, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(data))
	return hex.EncodeToString(h.Sum(nil))
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
