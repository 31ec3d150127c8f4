package main

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"coinwatch/internal/market"
)

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

// sparkline draws prices as block characters, resampled to width columns.
func sparkline(prices []float64, width int) string {
	if len(prices) == 0 || width <= 0 {
		return ""
	}
	if len(prices) > width {
		sampled := make([]float64, width)
		for i := range sampled {
			sampled[i] = prices[i*len(prices)/width]
		}
		sampled[width-1] = prices[len(prices)-1]
		prices = sampled
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, p := range prices {
		lo, hi = math.Min(lo, p), math.Max(hi, p)
	}

	var b strings.Builder
	for _, p := range prices {
		idx := 0
		if hi > lo {
			idx = int((p - lo) / (hi - lo) * float64(len(sparkRunes)-1))
		}
		b.WriteRune(sparkRunes[idx])
	}
	return b.String()
}

func rankText(r *int) string {
	if r == nil {
		return "-"
	}
	return strconv.Itoa(*r)
}

func percentText(v float64) string {
	text, _ := market.FormatPercent(v)
	return text
}

type tableOptions struct {
	Currency   string
	Watchlist  map[string]bool
	Sparklines bool
}

// renderTable writes the market table.
func renderTable(w io.Writer, rows []market.MarketRow, opts tableOptions) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', tabwriter.AlignRight)

	header := "\t#\tCoin\tPrice\t1h\t24h\t7d\t24h Volume\tMkt Cap\tSupply\t"
	if opts.Sparklines {
		header += "Last 7 Days\t"
	}
	fmt.Fprintln(tw, header)

	for _, r := range rows {
		star := " "
		if opts.Watchlist[r.ID] {
			star = "★"
		}
		line := fmt.Sprintf("%s\t%s\t%s %s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t",
			star,
			rankText(r.MarketCapRank),
			r.Name, strings.ToUpper(r.Symbol),
			market.FormatPrice(r.CurrentPrice, opts.Currency),
			percentText(r.PriceChange1h),
			percentText(r.PriceChange24h),
			percentText(r.PriceChange7d),
			market.FormatCompact(r.TotalVolume),
			market.FormatCompact(r.MarketCap),
			market.FormatCompact(r.CirculatingSupply),
		)
		if opts.Sparklines {
			line += sparkline(r.Sparkline7d.Price, 24) + "\t"
		}
		fmt.Fprintln(tw, line)
	}
	return tw.Flush()
}

// statusLine renders "Last updated HH:MM:SS", marking cached data.
func statusLine(asOf time.Time, cached bool, now time.Time) string {
	s := "Last updated " + asOf.Local().Format(time.TimeOnly)
	if cached {
		s += " (cached, " + market.TimeAgo(asOf, now) + ")"
	}
	return s
}

// renderDetail writes the detail view of one item. series may be empty.
func renderDetail(w io.Writer, d market.DetailRecord, series []market.PricePoint, currency string) error {
	md := d.MarketData
	value := func(m map[string]float64, f func(float64) string) string {
		v, ok := market.In(m, currency)
		if !ok {
			return "-"
		}
		return f(v)
	}
	price := func(v float64) string { return market.FormatPrice(v, currency) }

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "%s (%s)\trank %s\n", d.Name, strings.ToUpper(d.Symbol), rankText(d.MarketCapRank))
	fmt.Fprintf(tw, "Price\t%s\n", value(md.CurrentPrice, price))
	fmt.Fprintf(tw, "24h\t%s\n", percentText(md.PriceChange24h))
	fmt.Fprintf(tw, "7d\t%s\n", percentText(md.PriceChange7d))
	fmt.Fprintf(tw, "Market cap\t%s\n", value(md.MarketCap, market.FormatCompact))
	fmt.Fprintf(tw, "Fully diluted\t%s\n", value(md.FullyDilutedValuation, market.FormatCompact))
	fmt.Fprintf(tw, "24h volume\t%s\n", value(md.TotalVolume, market.FormatCompact))
	fmt.Fprintf(tw, "Circulating\t%s\n", market.FormatCompact(md.CirculatingSupply))
	fmt.Fprintf(tw, "All-time high\t%s %s\n", value(md.ATH, price), md.ATHDate[strings.ToLower(currency)])
	fmt.Fprintf(tw, "All-time low\t%s %s\n", value(md.ATL, price), md.ATLDate[strings.ToLower(currency)])
	if len(md.Sparkline7d.Price) > 0 {
		fmt.Fprintf(tw, "7 days\t%s\n", sparkline(md.Sparkline7d.Price, 48))
	}
	if len(series) > 0 {
		prices := make([]float64, len(series))
		for i, p := range series {
			prices[i] = p.Price
		}
		fmt.Fprintf(tw, "30 days\t%s\n", sparkline(prices, 48))
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if desc := strings.TrimSpace(d.Description["en"]); desc != "" {
		if r := []rune(desc); len(r) > 400 {
			desc = string(r[:400]) + "..."
		}
		_, err := fmt.Fprintf(w, "\n%s\n", desc)
		return err
	}
	return nil
}
