package market

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

var priceFormats = map[int]string{
	2: "#,###.##",
	6: "#,###.######",
}

var currencySymbols = map[string]string{
	"USD": "$",
	"EUR": "€",
	"GBP": "£",
	"JPY": "¥",
	"INR": "₹",
	"BTC": "₿",
}

// FormatPrice renders v in currency with 6 decimals below 1 and 2 otherwise.
func FormatPrice(v float64, currency string) string {
	currency = strings.ToUpper(currency)
	decimals := 2
	if math.Abs(v) < 1 {
		decimals = 6
	}
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	num := humanize.FormatFloat(priceFormats[decimals], v)
	if sym, ok := currencySymbols[currency]; ok {
		return sign + sym + num
	}
	return sign + num + " " + currency
}

// FormatCompact renders large numbers as 1.2K, 3.4M, 5.6B or 7.8T.
func FormatCompact(v float64) string {
	abs := math.Abs(v)
	units := []struct {
		limit  float64
		suffix string
	}{
		{1e12, "T"},
		{1e9, "B"},
		{1e6, "M"},
		{1e3, "K"},
	}
	for _, u := range units {
		if abs >= u.limit {
			return trimFloat(v/u.limit) + u.suffix
		}
	}
	return trimFloat(v)
}

// FormatPercent renders a change with a direction arrow. The direction is
// "up", "down" or "flat".
func FormatPercent(v float64) (text, dir string) {
	val := strconv.FormatFloat(math.Abs(v), 'f', 2, 64) + "%"
	switch {
	case v > 0:
		return "↑ " + val, "up"
	case v < 0:
		return "↓ " + val, "down"
	default:
		return val, "flat"
	}
}

// TimeAgo renders the age of ts relative to now in seconds, minutes or hours.
func TimeAgo(ts, now time.Time) string {
	s := int(now.Sub(ts) / time.Second)
	if s < 0 {
		s = 0
	}
	if s < 60 {
		return fmt.Sprintf("%ds ago", s)
	}
	m := s / 60
	if m < 60 {
		return fmt.Sprintf("%dm ago", m)
	}
	return fmt.Sprintf("%dh ago", m/60)
}

func trimFloat(v float64) string {
	s := strconv.FormatFloat(v, 'f', 1, 64)
	return strings.TrimSuffix(s, ".0")
}
