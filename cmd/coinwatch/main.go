// Package main is the terminal dashboard: it lists the market, refreshes it
// on a poll schedule with failure backoff and serves cached data when the
// network or the API is unavailable.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"
	"golang.org/x/term"

	"coinwatch/config"
	"coinwatch/internal/app"
	"coinwatch/internal/core"
	"coinwatch/internal/logging"
	"coinwatch/internal/market"
	"coinwatch/internal/poll"
	"coinwatch/internal/prefs"
	"coinwatch/internal/version"
)

// seriesDays is the range of the detail view price history.
const seriesDays = 30

type options struct {
	once          bool
	force         bool
	currency      string
	theme         string
	interval      time.Duration
	watch         string
	detail        string
	top           int
	search        string
	sort          string
	asc           bool
	watchlistOnly bool
	version       bool
}

func parseFlags(args []string) (options, error) {
	var o options
	fs := flag.NewFlagSet("coinwatch", flag.ContinueOnError)
	fs.BoolVar(&o.once, "once", false, "Render once and exit")
	fs.BoolVar(&o.force, "force", false, "Skip the session cache on the first load")
	fs.StringVar(&o.currency, "currency", "", "Quote currency, persisted (e.g. usd, eur)")
	fs.StringVar(&o.theme, "theme", "", "Color theme, persisted: auto, dark or light")
	fs.DurationVar(&o.interval, "interval", 0, "Refresh interval, persisted (e.g. 30s, 1m)")
	fs.StringVar(&o.watch, "watch", "", "Toggle an item id in the watchlist and exit")
	fs.StringVar(&o.detail, "detail", "", "Show the detail view of an item id and exit")
	fs.IntVar(&o.top, "top", 100, "Show only the top N rows (0 for all)")
	fs.StringVar(&o.search, "search", "", "Filter by name or symbol")
	fs.StringVar(&o.sort, "sort", string(market.SortMarketCap), "Sort column: rank, coin, price, 1h, 24h, 7d, volume, market_cap, supply")
	fs.BoolVar(&o.asc, "asc", false, "Sort ascending")
	fs.BoolVar(&o.watchlistOnly, "watchlist", false, "Show only watched items")
	fs.BoolVar(&o.version, "version", false, "Print version information")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}
	if o.top < 0 {
		return options{}, errors.New("-top must not be negative")
	}
	return o, nil
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, out io.Writer) int {
	opts, err := parseFlags(args)
	if err != nil {
		return 2
	}
	if opts.version {
		fmt.Fprintln(out, version.Info())
		return 0
	}
	sortKey, err := market.ParseSortKey(opts.sort)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		return 1
	}
	logger, err := logging.New(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, app.Config{AppConfig: cfg, Logger: logger})
	if err != nil {
		logger.Error("failed to initialize application", "error", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := a.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	p, err := applyPrefFlags(a.Prefs(), opts, out)
	if err != nil {
		logger.Error("failed to update preferences", "error", err)
		return 1
	}
	if opts.watch != "" {
		return 0
	}

	if opts.detail != "" {
		if err := showDetail(ctx, a.Service(), opts.detail, p.Currency, opts.force, out); err != nil {
			logger.Error("failed to load detail", "id", opts.detail, "error", err)
			return 1
		}
		return 0
	}

	if err := a.PrepareIntercept(ctx); err != nil {
		logger.Warn("interception tier not prepared", "error", err)
	}
	if cfg.Metrics.Enabled {
		go func() {
			if err := a.Start(cfg.Metrics.Listen); err != nil {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	d := &dashboard{
		service: a.Service(),
		out:     out,
		logger:  logger,
		view: market.View{
			Top:           opts.top,
			Search:        opts.search,
			WatchlistOnly: opts.watchlistOnly,
			Sort:          market.Sort{Key: sortKey, Desc: !opts.asc},
		},
		sparklines: wideTerminal(),
	}
	d.setPrefs(p)

	if err := d.refresh(ctx, opts.force); err != nil {
		logger.Error("initial load failed", "error", err)
		if opts.once {
			return 1
		}
	}
	if opts.once {
		return 0
	}

	sched := a.NewScheduler(d.tick, p.RefreshInterval, d.onTick)
	sched.Start(ctx)
	defer sched.Stop()

	go func() {
		err := a.Prefs().Watch(ctx, func(p prefs.Prefs) {
			d.setPrefs(p)
			if p.RefreshInterval != sched.Interval() {
				sched.SetInterval(p.RefreshInterval)
			}
		})
		if err != nil {
			logger.Warn("preferences are not watched for changes", "error", err)
		}
	}()

	<-ctx.Done()
	return 0
}

// applyPrefFlags persists the preference flags that were set.
func applyPrefFlags(store *prefs.Store, opts options, out io.Writer) (prefs.Prefs, error) {
	p, err := store.Load()
	if err != nil {
		return prefs.Prefs{}, err
	}
	if opts.currency != "" {
		if p, err = store.SetCurrency(opts.currency); err != nil {
			return prefs.Prefs{}, err
		}
	}
	if opts.theme != "" {
		if p, err = store.SetTheme(opts.theme); err != nil {
			return prefs.Prefs{}, err
		}
	}
	if opts.interval > 0 {
		if p, err = store.SetRefreshInterval(opts.interval); err != nil {
			return prefs.Prefs{}, err
		}
	}
	if opts.watch != "" {
		if p, err = store.ToggleWatch(opts.watch); err != nil {
			return prefs.Prefs{}, err
		}
		state := "removed from"
		if p.InWatchlist(opts.watch) {
			state = "added to"
		}
		fmt.Fprintf(out, "%s %s the watchlist\n", opts.watch, state)
	}
	return p, nil
}

func showDetail(ctx context.Context, svc *market.Service, id, currency string, force bool, out io.Writer) error {
	var (
		detail market.DetailResult
		series market.SeriesResult
	)

	p := pool.New().WithErrors().WithContext(ctx)
	p.Go(func(ctx context.Context) error {
		var err error
		detail, err = svc.FetchItemDetail(ctx, id, force)
		return err
	})
	p.Go(func(ctx context.Context) error {
		var err error
		series, err = svc.FetchPriceSeries(ctx, id, currency, seriesDays, force)
		if err != nil {
			// The chart is optional; the detail record is not.
			slog.Warn("price history unavailable", "id", id, "error", err)
		}
		return nil
	})
	if err := p.Wait(); err != nil {
		return err
	}

	if err := renderDetail(out, detail.Detail, series.Points, currency); err != nil {
		return err
	}
	_, err := fmt.Fprintln(out, statusLine(detail.AsOf, detail.ServedFromCache, time.Now()))
	return err
}

func wideTerminal() bool {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	return err == nil && w >= 130
}

// dashboard renders the market table on every refresh.
type dashboard struct {
	service    *market.Service
	out        io.Writer
	logger     *slog.Logger
	sparklines bool

	mu       sync.Mutex
	view     market.View
	currency string
}

func (d *dashboard) setPrefs(p prefs.Prefs) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.currency = p.Currency
	d.view.Watchlist = p.WatchSet()
}

func (d *dashboard) refresh(ctx context.Context, force bool) error {
	d.mu.Lock()
	view, currency := d.view, d.currency
	d.mu.Unlock()

	res, err := d.service.FetchMarketList(ctx, market.ListQuery{
		Currency:     currency,
		Page:         1,
		PageSize:     market.DefaultPageSize,
		ForceRefresh: force,
	})
	if err != nil {
		return err
	}

	rows := view.Apply(res.Items)
	if len(rows) == 0 {
		fmt.Fprintln(d.out, "No market data available. Check your connection.")
	} else if err := renderTable(d.out, rows, tableOptions{
		Currency:   currency,
		Watchlist:  view.Watchlist,
		Sparklines: d.sparklines,
	}); err != nil {
		return err
	}
	fmt.Fprintln(d.out, statusLine(res.AsOf, res.ServedFromCache, time.Now()))
	return nil
}

// tick is one scheduled refresh. It skips the session cache so upstream
// failures reach the scheduler and its backoff; the interception tier may
// still answer.
func (d *dashboard) tick(ctx context.Context) error {
	return d.refresh(ctx, true)
}

func (d *dashboard) onTick(r poll.TickResult) {
	if r.Err == nil {
		return
	}
	msg := "Network error, backing off"
	var fe *core.FetchError
	if errors.As(r.Err, &fe) && fe.Type == core.ErrorTypeThrottled {
		msg = "Rate limited, backing off"
	}
	fmt.Fprintf(d.out, "%s (next refresh in %s)\n", msg, r.NextIn.Round(time.Second))
}
