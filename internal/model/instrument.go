package model

import "strings"

// QuoteCurrency is appended to trading symbols to form pairs.
const QuoteCurrency = "INR"

// Instrument is one tradable row of the tagged catalog.
type Instrument struct {
	Token          int64    `json:"instrument_token"`
	ExchangeToken  int64    `json:"exchange_token"`
	TradingSymbol  string   `json:"tradingsymbol"`
	Name           string   `json:"name"`
	Exchange       string   `json:"exchange"`
	InstrumentType string   `json:"instrument_type"` // EQ, FUT, CE, PE
	Segment        string   `json:"segment"`
	LotSize        int      `json:"lot_size"`
	TickSize       float64  `json:"tick_size"`
	Pair           string   `json:"pair"`
	Tags           []string `json:"tags"`
}

// Key returns a unique key for this instrument: "exchange:tradingsymbol".
func (i *Instrument) Key() string {
	return i.Exchange + ":" + i.TradingSymbol
}

// HasTag reports exact membership of tag.
func (i *Instrument) HasTag(tag string) bool {
	for _, t := range i.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// PairFor builds "SYMBOL/INR".
func PairFor(tradingSymbol string) string {
	return tradingSymbol + "/" + QuoteCurrency
}

// BaseSymbol strips a quote suffix from "INFY/INR", "INFY_INR" or "INFY".
func BaseSymbol(symbol string) string {
	if i := strings.IndexAny(symbol, "/_"); i >= 0 {
		return symbol[:i]
	}
	return symbol
}

// Whitelist is the symbol set a strategy trades.
type Whitelist struct {
	Tag     string
	Symbols map[string]struct{}
}

// Contains reports whether tradingSymbol is in the whitelist.
func (w Whitelist) Contains(tradingSymbol string) bool {
	_, ok := w.Symbols[tradingSymbol]
	return ok
}
