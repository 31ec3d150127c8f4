package market

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"coinwatch/internal/core"
	"coinwatch/internal/freshness"
	"coinwatch/internal/retry"
)

const (
	opMarkets = "markets"
	opDetail  = "detail"
	opSeries  = "series"

	DefaultCurrency = "USD"
	DefaultPageSize = 100
	MaxPageSize     = 250
)

// Service is the data access façade used by the dashboard.
type Service struct {
	client *Client
	cache  *freshness.Cache
	exec   *retry.Executor
	now    func() time.Time
}

// NewService wires the upstream client, the freshness cache and the retry
// executor together.
func NewService(client *Client, cache *freshness.Cache, exec *retry.Executor) *Service {
	return &Service{
		client: client,
		cache:  cache,
		exec:   exec,
		now:    time.Now,
	}
}

// FetchMarketList returns one page of the listing. Unless ForceRefresh is
// set, a stored page is returned immediately and refreshed in the background.
// When the network is down and nothing is stored anywhere, an empty page is
// returned instead of an error.
func (s *Service) FetchMarketList(ctx context.Context, q ListQuery) (ListResult, error) {
	q = normalizeListQuery(q)

	fp := core.NewFingerprint(opMarkets, map[string]string{
		"currency":  q.Currency,
		"page":      strconv.Itoa(q.Page),
		"page_size": strconv.Itoa(q.PageSize),
	})
	load := s.loader(func(ctx context.Context) ([]byte, error) {
		return s.client.Markets(ctx, q.Currency, q.Page, q.PageSize)
	}, func(b []byte) error {
		var rows []MarketRow
		return json.Unmarshal(b, &rows)
	})

	res, err := s.cache.Read(ctx, fp, freshness.ReadOptions{AllowStale: !q.ForceRefresh}, load)
	if err != nil {
		if core.IsOffline(err) {
			return ListResult{Items: []MarketRow{}, AsOf: s.now()}, nil
		}
		return ListResult{}, err
	}

	var rows []MarketRow
	if err := json.Unmarshal(res.Payload, &rows); err != nil {
		return ListResult{}, core.NewDecodeError("invalid market list payload", err)
	}
	return ListResult{Items: rows, ServedFromCache: res.ServedFromCache, AsOf: res.AsOf}, nil
}

// FetchItemDetail returns the detail record of id.
func (s *Service) FetchItemDetail(ctx context.Context, id string, forceRefresh bool) (DetailResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return DetailResult{}, core.NewInvalidRequestError(0, "item id is required")
	}

	fp := core.NewFingerprint(opDetail, map[string]string{"id": id})
	load := s.loader(func(ctx context.Context) ([]byte, error) {
		return s.client.Coin(ctx, id)
	}, func(b []byte) error {
		var d DetailRecord
		return json.Unmarshal(b, &d)
	})

	res, err := s.cache.Read(ctx, fp, freshness.ReadOptions{AllowStale: !forceRefresh}, load)
	if err != nil {
		return DetailResult{}, err
	}

	var detail DetailRecord
	if err := json.Unmarshal(res.Payload, &detail); err != nil {
		return DetailResult{}, core.NewDecodeError("invalid detail payload", err)
	}
	return DetailResult{Detail: detail, ServedFromCache: res.ServedFromCache, AsOf: res.AsOf}, nil
}

// FetchPriceSeries returns the price history of id over the last days days.
func (s *Service) FetchPriceSeries(ctx context.Context, id, currency string, days int, forceRefresh bool) (SeriesResult, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return SeriesResult{}, core.NewInvalidRequestError(0, "item id is required")
	}
	if days <= 0 {
		return SeriesResult{}, core.NewInvalidRequestError(0, "days must be positive")
	}
	currency = normalizeCurrency(currency)

	fp := core.NewFingerprint(opSeries, map[string]string{
		"id":       id,
		"currency": currency,
		"days":     strconv.Itoa(days),
	})
	load := s.loader(func(ctx context.Context) ([]byte, error) {
		return s.client.MarketChart(ctx, id, currency, days)
	}, func(b []byte) error {
		_, err := decodeSeries(b)
		return err
	})

	res, err := s.cache.Read(ctx, fp, freshness.ReadOptions{AllowStale: !forceRefresh}, load)
	if err != nil {
		return SeriesResult{}, err
	}
	points, err := decodeSeries(res.Payload)
	if err != nil {
		return SeriesResult{}, core.NewDecodeError("invalid price series payload", err)
	}
	return SeriesResult{Points: points, ServedFromCache: res.ServedFromCache, AsOf: res.AsOf}, nil
}

// SparklineSeries spreads hourly sparkline prices back from now, the way the
// 7 day chart is drawn without an extra request. The newest price sits one
// hour before now: the feed samples on the hour and never includes the
// current, still open hour.
func SparklineSeries(prices []float64, now time.Time) []PricePoint {
	out := make([]PricePoint, len(prices))
	for i, p := range prices {
		out[i] = PricePoint{At: now.Add(-time.Duration(len(prices)-i) * time.Hour), Price: p}
	}
	return out
}

// loader wraps one upstream attempt in the retry executor and validates the
// payload shape before it may be stored.
func (s *Service) loader(attempt retry.Operation, validate func([]byte) error) freshness.Loader {
	return func(ctx context.Context) ([]byte, error) {
		payload, err := s.exec.Execute(ctx, attempt)
		if err != nil {
			return nil, err
		}
		if err := validate(payload); err != nil {
			return nil, core.NewDecodeError("unexpected payload shape", err)
		}
		return payload, nil
	}
}

func decodeSeries(b []byte) ([]PricePoint, error) {
	var chart struct {
		Prices [][2]float64 `json:"prices"`
	}
	if err := json.Unmarshal(b, &chart); err != nil {
		return nil, err
	}
	points := make([]PricePoint, len(chart.Prices))
	for i, p := range chart.Prices {
		points[i] = PricePoint{At: time.UnixMilli(int64(p[0])), Price: p[1]}
	}
	return points, nil
}

func normalizeListQuery(q ListQuery) ListQuery {
	q.Currency = normalizeCurrency(q.Currency)
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}
	return q
}

func normalizeCurrency(c string) string {
	c = strings.ToUpper(strings.TrimSpace(c))
	if c == "" {
		return DefaultCurrency
	}
	return c
}
