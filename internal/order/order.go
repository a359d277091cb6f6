// Package order implements the order state machine behind the bridge's order
// endpoints: a dry-run simulator and a live manager delegating to Kite.
//
// Every order starts open and moves at most once to closed, canceled or
// rejected.
package order

import (
	"context"
	"fmt"
	"math"
	"strings"

	"kitebridge/internal/apperr"
	"kitebridge/internal/model"
)

// Modes reported by Manager.Mode.
const (
	ModeDryRun = "dry_run"
	ModeLive   = "live"
)

// Manager creates, fetches and cancels orders.
type Manager interface {
	Create(ctx context.Context, req model.OrderRequest) (model.Order, error)
	Fetch(ctx context.Context, id string) (model.Order, error)
	Cancel(ctx context.Context, id string) (model.Order, error)
	Balance(ctx context.Context) (map[string]model.Balance, error)
	Mode() string
}

// Resolver looks a client symbol ("INFY/INR", "INFY") up in the loaded catalog.
type Resolver func(symbol string) (model.Instrument, bool)

// Recorder persists terminal order states.
type Recorder interface {
	Record(ctx context.Context, o model.Order, mode string) error
}

// Normalize lower-cases type and side and validates the request.
func Normalize(req model.OrderRequest) (model.OrderRequest, error) {
	req.Symbol = strings.TrimSpace(req.Symbol)
	req.Type = strings.ToLower(strings.TrimSpace(req.Type))
	req.Side = strings.ToLower(strings.TrimSpace(req.Side))

	switch {
	case req.Symbol == "":
		return req, fmt.Errorf("%w: symbol is required", apperr.ErrInvalidOrder)
	case req.Type != model.OrderTypeMarket && req.Type != model.OrderTypeLimit:
		return req, fmt.Errorf("%w: unknown order type %q", apperr.ErrInvalidOrder, req.Type)
	case req.Side != model.SideBuy && req.Side != model.SideSell:
		return req, fmt.Errorf("%w: unknown side %q", apperr.ErrInvalidOrder, req.Side)
	case !(req.Amount > 0) || math.IsInf(req.Amount, 0):
		return req, fmt.Errorf("%w: amount must be positive", apperr.ErrInvalidOrder)
	case req.Type == model.OrderTypeLimit && (req.Price == nil || !(*req.Price > 0)):
		return req, fmt.Errorf("%w: limit order requires a positive price", apperr.ErrInvalidOrder)
	}
	return req, nil
}

func cloneOrder(o *model.Order) model.Order {
	cp := *o
	if o.Info != nil {
		cp.Info = make(map[string]any, len(o.Info))
		for k, v := range o.Info {
			cp.Info[k] = v
		}
	}
	return cp
}
