package model

// Candle is one OHLCV bar. TS is the bar open time in epoch milliseconds.
// (Token, Timeframe, TS) is unique; rows are never rewritten once stored.
type Candle struct {
	Token     int64   `json:"instrument_token"`
	Timeframe string  `json:"timeframe"` // Kite interval name: minute, 5minute, day, ...
	TS        int64   `json:"ts"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    int64   `json:"volume"`
}

// QuoteVolume approximates traded value as volume * close.
func (c Candle) QuoteVolume() float64 {
	return float64(c.Volume) * c.Close
}
