package kiteconnect

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
)

// Instrument is one row of the instrument dump.
type Instrument struct {
	InstrumentToken int64
	ExchangeToken   int64
	TradingSymbol   string
	Name            string
	LastPrice       float64
	Expiry          string
	Strike          float64
	TickSize        float64
	LotSize         int
	InstrumentType  string
	Segment         string
	Exchange        string
}

// Instruments downloads the CSV dump for one exchange (e.g. "NSE").
func (c *Client) Instruments(ctx context.Context, exchange string) ([]Instrument, error) {
	raw, err := c.doRaw(ctx, http.MethodGet, c.route("api.instruments", exchange), nil)
	if err != nil {
		return nil, err
	}
	return ParseInstruments(bytes.NewReader(raw))
}

// ParseInstruments decodes the instrument CSV. Columns are located by header
// name, so column order changes upstream are tolerated.
func ParseInstruments(r io.Reader) ([]Instrument, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("instruments: read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[h] = i
	}
	for _, required := range []string{"instrument_token", "tradingsymbol", "exchange"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("instruments: missing column %q", required)
		}
	}
	get := func(rec []string, name string) string {
		if i, ok := col[name]; ok && i < len(rec) {
			return rec[i]
		}
		return ""
	}

	var out []Instrument
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("instruments: line %d: %w", line, err)
		}
		token, err := strconv.ParseInt(get(rec, "instrument_token"), 10, 64)
		if err != nil {
			continue
		}
		inst := Instrument{
			InstrumentToken: token,
			TradingSymbol:   get(rec, "tradingsymbol"),
			Name:            get(rec, "name"),
			Expiry:          get(rec, "expiry"),
			InstrumentType:  get(rec, "instrument_type"),
			Segment:         get(rec, "segment"),
			Exchange:        get(rec, "exchange"),
		}
		inst.ExchangeToken, _ = strconv.ParseInt(get(rec, "exchange_token"), 10, 64)
		inst.LastPrice, _ = strconv.ParseFloat(get(rec, "last_price"), 64)
		inst.Strike, _ = strconv.ParseFloat(get(rec, "strike"), 64)
		inst.TickSize, _ = strconv.ParseFloat(get(rec, "tick_size"), 64)
		inst.LotSize, _ = strconv.Atoi(get(rec, "lot_size"))
		out = append(out, inst)
	}
	return out, nil
}
