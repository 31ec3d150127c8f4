package market

import (
	"strings"
	"time"
)

// MarketRow is one entry of the /coins/markets listing. Only the fields the
// dashboard renders are decoded; the raw payload is kept by the caches.
type MarketRow struct {
	ID                string    `json:"id"`
	Symbol            string    `json:"symbol"`
	Name              string    `json:"name"`
	Image             string    `json:"image"`
	CurrentPrice      float64   `json:"current_price"`
	MarketCap         float64   `json:"market_cap"`
	MarketCapRank     *int      `json:"market_cap_rank"`
	TotalVolume       float64   `json:"total_volume"`
	CirculatingSupply float64   `json:"circulating_supply"`
	PriceChange1h     float64   `json:"price_change_percentage_1h_in_currency"`
	PriceChange24h    float64   `json:"price_change_percentage_24h_in_currency"`
	PriceChange7d     float64   `json:"price_change_percentage_7d_in_currency"`
	Sparkline7d       Sparkline `json:"sparkline_in_7d"`
	LastUpdated       string    `json:"last_updated"`
}

// Sparkline holds hourly prices.
type Sparkline struct {
	Price []float64 `json:"price"`
}

// DetailRecord is the /coins/{id} payload subset used by the detail view.
type DetailRecord struct {
	ID            string            `json:"id"`
	Symbol        string            `json:"symbol"`
	Name          string            `json:"name"`
	MarketCapRank *int              `json:"market_cap_rank"`
	Image         DetailImage       `json:"image"`
	Description   map[string]string `json:"description"`
	MarketData    DetailMarketData  `json:"market_data"`
}

type DetailImage struct {
	Thumb string `json:"thumb"`
	Small string `json:"small"`
	Large string `json:"large"`
}

// DetailMarketData maps are keyed by lower-case currency code.
type DetailMarketData struct {
	CurrentPrice          map[string]float64 `json:"current_price"`
	MarketCap             map[string]float64 `json:"market_cap"`
	FullyDilutedValuation map[string]float64 `json:"fully_diluted_valuation"`
	TotalVolume           map[string]float64 `json:"total_volume"`
	ATH                   map[string]float64 `json:"ath"`
	ATHDate               map[string]string  `json:"ath_date"`
	ATL                   map[string]float64 `json:"atl"`
	ATLDate               map[string]string  `json:"atl_date"`
	MarketCapRank         *int               `json:"market_cap_rank"`
	CirculatingSupply     float64            `json:"circulating_supply"`
	PriceChange24h        float64            `json:"price_change_percentage_24h"`
	PriceChange7d         float64            `json:"price_change_percentage_7d"`
	Sparkline7d           Sparkline          `json:"sparkline_7d"`
}

// In returns the value of m for currency, and whether it was present.
func In(m map[string]float64, currency string) (float64, bool) {
	v, ok := m[strings.ToLower(currency)]
	return v, ok
}

// PricePoint is one sample of a price series.
type PricePoint struct {
	At    time.Time
	Price float64
}

// ListQuery selects a page of the market listing.
type ListQuery struct {
	Currency     string
	Page         int
	PageSize     int
	ForceRefresh bool
}

// ListResult is returned by FetchMarketList.
type ListResult struct {
	Items           []MarketRow
	ServedFromCache bool
	AsOf            time.Time
}

// DetailResult is returned by FetchItemDetail.
type DetailResult struct {
	Detail          DetailRecord
	ServedFromCache bool
	AsOf            time.Time
}

// SeriesResult is returned by FetchPriceSeries.
type SeriesResult struct {
	Points          []PricePoint
	ServedFromCache bool
	AsOf            time.Time
}
