package model

import "time"

// Tick is a last-traded-price update from the streaming feed.
type Tick struct {
	Token      int64     `json:"instrument_token"`
	LastPrice  float64   `json:"last_price"`
	ReceivedAt time.Time `json:"received_at"`
}
