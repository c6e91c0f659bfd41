package domain

import (
	"fmt"
	"strings"
)

// DefaultInstruments is the stock list of tradable pairs.
var DefaultInstruments = []string{
	"btcusdt", "ethusdt", "solusdt", "bnbusdt", "xrpusdt", "adausdt",
	"dogeusdt", "maticusdt", "dotusdt", "linkusdt", "avaxusdt", "uniusdt",
	"atomusdt", "ltcusdt", "algousdt", "filusdt", "nearusdt", "vetusdt",
}

// InstrumentSet is a whitelist of lowercase symbols.
type InstrumentSet struct {
	list []string
	set  map[string]struct{}
}

// NewInstrumentSet normalises symbols to lowercase and drops duplicates.
func NewInstrumentSet(symbols []string) *InstrumentSet {
	s := &InstrumentSet{set: make(map[string]struct{}, len(symbols))}
	for _, sym := range symbols {
		sym = NormalizeInstrument(sym)
		if sym == "" {
			continue
		}
		if _, ok := s.set[sym]; ok {
			continue
		}
		s.set[sym] = struct{}{}
		s.list = append(s.list, sym)
	}
	return s
}

// NormalizeInstrument returns the canonical form of a symbol.
func NormalizeInstrument(sym string) string {
	return strings.ToLower(strings.TrimSpace(sym))
}

// Validate returns the canonical symbol or ErrUnknownInstrument.
func (s *InstrumentSet) Validate(sym string) (string, error) {
	n := NormalizeInstrument(sym)
	if _, ok := s.set[n]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownInstrument, sym)
	}
	return n, nil
}

// Symbols returns the whitelist in configured order.
func (s *InstrumentSet) Symbols() []string {
	out := make([]string, len(s.list))
	copy(out, s.list)
	return out
}
