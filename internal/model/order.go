package model

import "time"

// OrderStatus is the canonical order state. open is the only non-terminal one.
type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusClosed   OrderStatus = "closed"
	StatusCanceled OrderStatus = "canceled"
	StatusRejected OrderStatus = "rejected"
)

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool { return s != StatusOpen }

// Order types and sides accepted on the wire.
const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
	SideBuy         = "buy"
	SideSell        = "sell"
)

// OrderRequest is the input to order creation.
type OrderRequest struct {
	Symbol  string   `json:"symbol"`
	Type    string   `json:"type"`
	Side    string   `json:"side"`
	Amount  float64  `json:"amount"`
	Price   *float64 `json:"price,omitempty"`
	Product string   `json:"product,omitempty"` // MIS, CNC, NRML; live only
}

// Order is the projection returned to clients, dry-run or live.
type Order struct {
	ID        string         `json:"id"`
	Symbol    string         `json:"symbol"`
	Type      string         `json:"type"`
	Side      string         `json:"side"`
	Amount    float64        `json:"amount"`
	Price     *float64       `json:"price"`
	Filled    float64        `json:"filled"`
	Remaining float64        `json:"remaining"`
	Average   float64        `json:"average,omitempty"`
	Status    OrderStatus    `json:"status"`
	Timestamp int64          `json:"timestamp"` // epoch ms
	Datetime  string         `json:"datetime"`
	Info      map[string]any `json:"info,omitempty"`
}

// Balance is one currency's account balance.
type Balance struct {
	Free  float64 `json:"free"`
	Used  float64 `json:"used"`
	Total float64 `json:"total"`
}

// Stamp sets Timestamp and Datetime from t.
func (o *Order) Stamp(t time.Time) {
	o.Timestamp = t.UnixMilli()
	o.Datetime = t.UTC().Format(time.RFC3339Nano)
}
