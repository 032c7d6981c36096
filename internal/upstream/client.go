// client.go -- Typed Logicware read operations.
//
// Every operation goes through QuotaCache; the fetch closure carries the
// bearer token, the single 401 refresh-and-retry and the outbound throttle.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/MGallo-Code/ledgersync/internal/metrics"
	"golang.org/x/time/rate"
)

// Operation names. Used in cache and counter keys, logs and metrics.
const (
	OpStock           = "stock"
	OpStockByStage    = "stock_by_stage"
	OpStages          = "stages"
	OpSales           = "sales"
	OpPaymentSchedule = "payment_schedule"
)

// maxResponseBytes bounds a single response body read.
const maxResponseBytes = 64 << 20

// placeholderEnvelope is served when rate-limited with nothing cached.
var placeholderEnvelope = []byte(`{"succeeded":true,"message":"placeholder","data":[]}`)

// Options configures a Client.
type Options struct {
	BaseURL         string
	Subdomain       string
	StockDailyLimit int64 // default 4
	RPS             int   // default 5
	HTTPClient      *http.Client
	Metrics         *metrics.Metrics
}

// Client is the typed upstream façade.
type Client struct {
	baseURL    string
	subdomain  string
	tokens     TokenSource
	cache      *QuotaCache
	httpClient *http.Client
	limiter    *rate.Limiter
	policies   map[string]Policy
	metrics    *metrics.Metrics
}

// NewClient wires a Client from its collaborators.
func NewClient(opts Options, tokens TokenSource, cache *QuotaCache) *Client {
	if opts.StockDailyLimit <= 0 {
		opts.StockDailyLimit = 4
	}
	if opts.RPS <= 0 {
		opts.RPS = 5
	}
	if opts.HTTPClient == nil {
		// Per-call deadlines come from Policy.Timeout.
		opts.HTTPClient = &http.Client{}
	}
	return &Client{
		baseURL:    opts.BaseURL,
		subdomain:  opts.Subdomain,
		tokens:     tokens,
		cache:      cache,
		httpClient: opts.HTTPClient,
		limiter:    rate.NewLimiter(rate.Limit(opts.RPS), opts.RPS),
		metrics:    opts.Metrics,
		policies: map[string]Policy{
			OpStock:           {TTL: 6 * time.Hour, DailyLimit: opts.StockDailyLimit, Timeout: 20 * time.Second},
			OpStockByStage:    {TTL: 6 * time.Hour, Timeout: 20 * time.Second},
			OpStages:          {TTL: 24 * time.Hour, Timeout: 20 * time.Second},
			OpSales:           {TTL: time.Hour, Timeout: 20 * time.Second},
			OpPaymentSchedule: {TTL: 30 * time.Minute, Timeout: 45 * time.Second},
		},
	}
}

// Meta describes where a result came from.
type Meta struct {
	Degraded    bool
	Stale       bool
	Placeholder bool
	FromCache   bool
	CachedAt    time.Time
}

func metaOf(r Result) Meta {
	return Meta{Degraded: r.Degraded, Stale: r.Stale, Placeholder: r.Placeholder, FromCache: r.FromCache, CachedAt: r.CachedAt}
}

// Stock returns the full stock listing. Limited to StockDailyLimit real calls a day.
func (c *Client) Stock(ctx context.Context, force bool) ([]StockUnit, Meta, error) {
	return get[[]StockUnit](ctx, c, OpStock, "/external/stock/full", "full", force)
}

// StockByStage returns the stock of one stage.
func (c *Client) StockByStage(ctx context.Context, stageID string, force bool) ([]StockUnit, Meta, error) {
	return get[[]StockUnit](ctx, c, OpStockByStage,
		"/external/stock/stages/"+url.PathEscape(stageID), stageID, force)
}

// Stages returns the sales stages of a project.
func (c *Client) Stages(ctx context.Context, projectCode string, force bool) ([]Stage, Meta, error) {
	return get[[]Stage](ctx, c, OpStages,
		"/external/projects/"+url.PathEscape(projectCode)+"/stages", projectCode, force)
}

// Sales returns the sale documents dated within [from, to] (calendar days).
func (c *Client) Sales(ctx context.Context, from, to time.Time, force bool) ([]SaleDocument, Meta, error) {
	start, end := from.Format("2006-01-02"), to.Format("2006-01-02")
	q := url.Values{"startDate": {start}, "endDate": {end}}
	return get[[]SaleDocument](ctx, c, OpSales, "/external/sales?"+q.Encode(), start+"_"+end, force)
}

// PaymentSchedule returns the installment list of one sale document.
func (c *Client) PaymentSchedule(ctx context.Context, correlative string, force bool) ([]Installment, Meta, error) {
	return get[[]Installment](ctx, c, OpPaymentSchedule,
		"/external/payment-schedule/"+url.PathEscape(correlative), correlative, force)
}

// Usage reports today's call count for op.
func (c *Client) Usage(ctx context.Context, op string) (int64, error) {
	return c.cache.Usage(ctx, op)
}

// get runs one guarded read and decodes the envelope data into T.
func get[T any](ctx context.Context, c *Client, op, path, scope string, force bool) (T, Meta, error) {
	var out T
	res, err := c.cache.Get(ctx, Request{
		Operation:   op,
		Scope:       scope,
		Policy:      c.policies[op],
		Force:       force,
		Placeholder: placeholderEnvelope,
		Fetch: func(ctx context.Context) ([]byte, error) {
			return c.fetch(ctx, op, path)
		},
	})
	if err != nil {
		return out, Meta{}, err
	}

	env, err := decodeEnvelope(op, res.Payload)
	if err != nil {
		return out, metaOf(res), err
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, &out); err != nil {
			return out, metaOf(res), fmt.Errorf("upstream %s: decoding data: %w", op, err)
		}
	}
	return out, metaOf(res), nil
}

func decodeEnvelope(op string, body []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("upstream %s: decoding response: %w", op, err)
	}
	if !env.Succeeded {
		return nil, fmt.Errorf("upstream %s: %w: %s", op, ErrUnsuccessful, env.Message)
	}
	return &env, nil
}

// fetch performs the HTTP GET, retrying exactly once after a forced token
// refresh on 401. Only successful envelopes are returned, so failures are
// never cached.
func (c *Client) fetch(ctx context.Context, op, path string) ([]byte, error) {
	status, body, err := c.do(ctx, op, path, false)
	if err != nil {
		return nil, err
	}
	if status == http.StatusUnauthorized {
		slog.Info("upstream rejected token, refreshing", "operation", op)
		if err := c.tokens.Invalidate(ctx); err != nil {
			slog.Warn("token invalidate failed", "error", err)
		}
		status, body, err = c.do(ctx, op, path, true)
		if err != nil {
			return nil, err
		}
	}
	if status < 200 || status > 299 {
		return nil, newAPIError(op, status, body)
	}
	if _, err := decodeEnvelope(op, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (c *Client) do(ctx context.Context, op, path string, forceToken bool) (int, []byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return 0, nil, fmt.Errorf("upstream %s: throttle: %w", op, err)
	}

	tok, err := c.tokens.GetToken(ctx, forceToken)
	if err != nil {
		return 0, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("upstream %s: building request: %w", op, err)
	}
	tok.SetAuthHeader(req)
	req.Header.Set("X-Subdomain", c.subdomain)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.UpstreamRequest(op, "error")
		return 0, nil, fmt.Errorf("upstream %s: request failed: %w", op, err)
	}
	defer resp.Body.Close()
	c.metrics.UpstreamRequest(op, strconv.Itoa(resp.StatusCode))

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("upstream %s: reading response: %w", op, err)
	}
	return resp.StatusCode, body, nil
}
