package market

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// SortKey names a table column.
type SortKey string

const (
	SortRank      SortKey = "rank"
	SortCoin      SortKey = "coin"
	SortPrice     SortKey = "price"
	Sort1h        SortKey = "1h"
	Sort24h       SortKey = "24h"
	Sort7d        SortKey = "7d"
	SortVolume    SortKey = "volume"
	SortMarketCap SortKey = "market_cap"
	SortSupply    SortKey = "supply"
)

// SortKeys lists every sortable column in display order.
var SortKeys = []SortKey{SortRank, SortCoin, SortPrice, Sort1h, Sort24h, Sort7d, SortVolume, SortMarketCap, SortSupply}

// ParseSortKey validates a column name.
func ParseSortKey(s string) (SortKey, error) {
	for _, k := range SortKeys {
		if string(k) == strings.ToLower(s) {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown sort key %q", s)
}

// Sort is a column and direction.
type Sort struct {
	Key  SortKey
	Desc bool
}

// DefaultSort orders by market cap, largest first.
func DefaultSort() Sort {
	return Sort{Key: SortMarketCap, Desc: true}
}

// Toggle flips the direction when key is the current column, otherwise
// switches to key descending.
func (s Sort) Toggle(key SortKey) Sort {
	if s.Key == key {
		return Sort{Key: key, Desc: !s.Desc}
	}
	return Sort{Key: key, Desc: true}
}

// View holds the table filters.
type View struct {
	// Top keeps only the first Top rows of the listing; zero keeps all.
	Top int
	// Search matches name or symbol, case-insensitively.
	Search string
	// WatchlistOnly shows the watched rows of the whole listing, ignoring
	// Top and Search.
	WatchlistOnly bool
	Watchlist     map[string]bool
	Sort          Sort
}

// Apply filters and sorts rows into a new slice.
func (v View) Apply(rows []MarketRow) []MarketRow {
	var out []MarketRow
	if v.WatchlistOnly {
		for _, r := range rows {
			if v.Watchlist[r.ID] {
				out = append(out, r)
			}
		}
	} else {
		limited := rows
		if v.Top > 0 && v.Top < len(limited) {
			limited = limited[:v.Top]
		}
		q := strings.ToLower(strings.TrimSpace(v.Search))
		for _, r := range limited {
			if q == "" || strings.Contains(strings.ToLower(r.Name), q) || strings.Contains(strings.ToLower(r.Symbol), q) {
				out = append(out, r)
			}
		}
	}

	s := v.Sort
	if s.Key == "" {
		s = DefaultSort()
	}
	sortRows(out, s)
	return out
}

func sortRows(rows []MarketRow, s Sort) {
	if s.Key == SortCoin {
		sort.SliceStable(rows, func(i, j int) bool {
			a, b := strings.ToLower(rows[i].Name), strings.ToLower(rows[j].Name)
			if s.Desc {
				return a > b
			}
			return a < b
		})
		return
	}

	sort.SliceStable(rows, func(i, j int) bool {
		a, b := numericValue(rows[i], s.Key), numericValue(rows[j], s.Key)
		if s.Desc {
			return a > b
		}
		return a < b
	})
}

// numericValue maps missing values the way the table treats them: unranked
// rows sort after every ranked one, other missing numbers count as zero.
func numericValue(r MarketRow, key SortKey) float64 {
	switch key {
	case SortRank:
		if r.MarketCapRank == nil {
			return math.MaxInt64
		}
		return float64(*r.MarketCapRank)
	case SortPrice:
		return r.CurrentPrice
	case Sort1h:
		return r.PriceChange1h
	case Sort24h:
		return r.PriceChange24h
	case Sort7d:
		return r.PriceChange7d
	case SortVolume:
		return r.TotalVolume
	case SortMarketCap:
		return r.MarketCap
	case SortSupply:
		return r.CirculatingSupply
	default:
		return 0
	}
}
