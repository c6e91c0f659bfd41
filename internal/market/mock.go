package market

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// MockSource generates a random walk per symbol for local development.
type MockSource struct {
	StartPrice float64
	Step       float64

	mu     sync.Mutex
	prices map[string]float64
}

func (m *MockSource) Tickers(_ context.Context, symbols []string) ([]Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.prices == nil {
		m.prices = make(map[string]float64)
	}
	start := m.StartPrice
	if start == 0 {
		start = 100.0
	}
	step := m.Step
	if step == 0 {
		step = 0.5
	}

	now := time.Now().UTC()
	out := make([]Ticker, 0, len(symbols))
	for _, sym := range symbols {
		price, ok := m.prices[sym]
		if !ok {
			price = start
		}
		// simple random walk
		price += (rand.Float64()*2 - 1) * step
		if price <= 0 {
			price = step
		}
		m.prices[sym] = price
		p := decimal.NewFromFloat(price).Round(4)
		out = append(out, Ticker{
			Symbol:        sym,
			LastPrice:     p,
			ChangePercent: p.Sub(decimal.NewFromFloat(start)).Div(decimal.NewFromFloat(start)).Mul(decimal.NewFromInt(100)).Round(2),
			High:          p,
			Low:           p,
			UpdatedAt:     now,
		})
	}
	return out, nil
}
