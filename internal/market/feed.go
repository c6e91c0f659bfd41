// Package market supplies 24h ticker snapshots for display. Settlement
// never reads prices.
package market

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"tradesim-core/internal/events"
	"tradesim-core/pkg/cache"
)

// Ticker is a 24h rolling summary of one instrument.
type Ticker struct {
	Symbol        string          `json:"symbol"`
	LastPrice     decimal.Decimal `json:"last_price"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	High          decimal.Decimal `json:"high"`
	Low           decimal.Decimal `json:"low"`
	Volume        decimal.Decimal `json:"volume"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// Source fetches tickers for lowercase symbols.
type Source interface {
	Tickers(ctx context.Context, symbols []string) ([]Ticker, error)
}

// BinanceSource reads the public spot 24hr endpoint.
type BinanceSource struct {
	client *binance.Client
}

// NewBinanceSource creates an unauthenticated spot client.
func NewBinanceSource() *BinanceSource {
	return &BinanceSource{client: binance.NewClient("", "")}
}

func (b *BinanceSource) Tickers(ctx context.Context, symbols []string) ([]Ticker, error) {
	upper := make([]string, len(symbols))
	for i, s := range symbols {
		upper[i] = strings.ToUpper(s)
	}
	stats, err := b.client.NewListPriceChangeStatsService().Symbols(upper).Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance 24hr ticker: %w", err)
	}
	now := time.Now().UTC()
	out := make([]Ticker, 0, len(stats))
	for _, s := range stats {
		out = append(out, Ticker{
			Symbol:        strings.ToLower(s.Symbol),
			LastPrice:     parseDecimal(s.LastPrice),
			ChangePercent: parseDecimal(s.PriceChangePercent),
			High:          parseDecimal(s.HighPrice),
			Low:           parseDecimal(s.LowPrice),
			Volume:        parseDecimal(s.Volume),
			UpdatedAt:     now,
		})
	}
	return out, nil
}

func parseDecimal(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// Feed caches tickers and republishes them on the bus.
type Feed struct {
	Source  Source
	Bus     *events.Bus
	Symbols []string
	TTL     time.Duration
	Logger  *zap.Logger

	cache *cache.ShardedCache[Ticker]
}

// NewFeed creates a feed over src for symbols.
func NewFeed(src Source, bus *events.Bus, symbols []string, ttl time.Duration, logger *zap.Logger) *Feed {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Feed{
		Source:  src,
		Bus:     bus,
		Symbols: symbols,
		TTL:     ttl,
		Logger:  logger.Named("market"),
		cache:   cache.NewShardedCache[Ticker](),
	}
}

// Tickers returns a snapshot for every configured symbol, refreshing from
// the source when any cached entry is older than TTL. On a source error the
// last known values are returned along with the error.
func (f *Feed) Tickers(ctx context.Context) ([]Ticker, error) {
	stale := false
	for _, s := range f.Symbols {
		if _, ok := f.cache.GetFresh(s, f.TTL); !ok {
			stale = true
			break
		}
	}
	var refreshErr error
	if stale {
		refreshErr = f.refresh(ctx)
	}

	out := make([]Ticker, 0, len(f.Symbols))
	for _, s := range f.Symbols {
		if t, ok := f.cache.Get(s); ok {
			out = append(out, t)
		}
	}
	return out, refreshErr
}

// Start polls the source every interval until ctx ends.
func (f *Feed) Start(ctx context.Context, interval time.Duration) {
	if f.Source == nil || len(f.Symbols) == 0 {
		f.Logger.Info("market feed not fully configured; skipping start")
		return
	}
	if interval <= 0 {
		interval = f.TTL
	}
	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			if err := f.refresh(ctx); err != nil && ctx.Err() == nil {
				f.Logger.Warn("ticker refresh failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
}

func (f *Feed) refresh(ctx context.Context) error {
	tickers, err := f.Source.Tickers(ctx, f.Symbols)
	if err != nil {
		return err
	}
	for _, t := range tickers {
		f.cache.Set(t.Symbol, t)
		f.Bus.Publish(events.EventPriceTick, t)
	}
	return nil
}
