// Package market is the data access façade over a CoinGecko-compatible REST
// API: it fingerprints requests, reads them through the freshness cache with
// retries, and decodes the payloads for the dashboard.
package market

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/tidwall/gjson"

	"coinwatch/internal/core"
	"coinwatch/internal/intercept"
	"coinwatch/internal/observability"
)

const (
	// DefaultBaseURL is the public CoinGecko v3 API.
	DefaultBaseURL = "https://api.coingecko.com/api/v3"

	maxResponseBytes = 16 << 20
)

// ClientConfig configures the upstream client.
type ClientConfig struct {
	BaseURL    string
	HTTPClient *http.Client
	Metrics    *observability.Metrics
}

// Client performs single upstream attempts. Retrying is the caller's job.
type Client struct {
	baseURL string
	http    *http.Client
	metrics *observability.Metrics
}

func NewClient(cfg ClientConfig) *Client {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	return &Client{baseURL: base, http: hc, metrics: cfg.Metrics}
}

// BaseURL returns the API root requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Markets fetches one page of the market listing ordered by market cap with
// 7d sparklines and 1h/24h/7d price changes.
func (c *Client) Markets(ctx context.Context, currency string, page, perPage int) ([]byte, error) {
	q := url.Values{}
	q.Set("vs_currency", strings.ToLower(currency))
	q.Set("order", "market_cap_desc")
	q.Set("per_page", strconv.Itoa(perPage))
	q.Set("page", strconv.Itoa(page))
	q.Set("sparkline", "true")
	q.Set("price_change_percentage", "1h,24h,7d")
	return c.get(ctx, opMarkets, "/coins/markets", q)
}

// Coin fetches the detail record of one coin.
func (c *Client) Coin(ctx context.Context, id string) ([]byte, error) {
	q := url.Values{}
	q.Set("localization", "false")
	q.Set("tickers", "false")
	q.Set("market_data", "true")
	q.Set("sparkline", "true")
	return c.get(ctx, opDetail, "/coins/"+url.PathEscape(id), q)
}

// MarketChart fetches the price history of one coin.
func (c *Client) MarketChart(ctx context.Context, id, currency string, days int) ([]byte, error) {
	q := url.Values{}
	q.Set("vs_currency", strings.ToLower(currency))
	q.Set("days", strconv.Itoa(days))
	return c.get(ctx, opSeries, "/coins/"+url.PathEscape(id)+"/market_chart", q)
}

func (c *Client) get(ctx context.Context, op, path string, query url.Values) ([]byte, error) {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, core.NewInvalidRequestError(0, "failed to create request: "+err.Error())
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "br, gzip")
	if id := core.GetRequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.metrics.UpstreamRequest(op, "error", time.Since(start))
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, core.NewTransientError(0, "request failed", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	c.metrics.UpstreamRequest(op, strconv.Itoa(resp.StatusCode), time.Since(start))

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, core.NewTransientError(resp.StatusCode, "failed to read response", err)
	}
	body, err := decodeBody(raw, resp.Header.Get("Content-Encoding"))
	if err != nil {
		return nil, core.NewDecodeError("failed to decompress response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, core.ParseUpstreamError(resp.StatusCode, resp.Header, body)
	}
	if resp.Header.Get(intercept.HeaderSynthetic) != "" {
		return nil, core.NewOfflineError("network unavailable and nothing cached for " + op)
	}
	if !gjson.ValidBytes(body) {
		return nil, core.NewDecodeError("upstream returned invalid JSON", nil)
	}
	return body, nil
}

// decodeBody undoes the Content-Encoding we asked for. Bodies can arrive
// encoded because Accept-Encoding is set explicitly, which turns off the
// transport's transparent gzip handling.
func decodeBody(body []byte, contentEncoding string) ([]byte, error) {
	encoding := strings.ToLower(strings.TrimSpace(strings.Split(contentEncoding, ",")[0]))

	var reader io.Reader
	switch encoding {
	case "", "identity":
		return body, nil
	case "br":
		reader = brotli.NewReader(bytes.NewReader(body))
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		reader = zr
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", encoding)
	}

	out, err := io.ReadAll(io.LimitReader(reader, maxResponseBytes+1))
	if err != nil {
		return nil, err
	}
	if len(out) > maxResponseBytes {
		return nil, errors.New("decompressed response too large")
	}
	return out, nil
}
