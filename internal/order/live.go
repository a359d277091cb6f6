package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"kitebridge/internal/apperr"
	"kitebridge/internal/markethours"
	"kitebridge/internal/model"
	"kitebridge/pkg/kiteconnect"
)

const kiteOrderTime = "2006-01-02 15:04:05"

// Broker is the subset of the Kite client used for live trading.
type Broker interface {
	PlaceOrder(ctx context.Context, p kiteconnect.OrderParams) (string, error)
	CancelOrder(ctx context.Context, orderID string) (string, error)
	OrderHistory(ctx context.Context, orderID string) ([]kiteconnect.OrderUpdate, error)
	Margins(ctx context.Context) (kiteconnect.Margins, error)
}

// LiveConfig tunes a Live manager.
type LiveConfig struct {
	// Product is used when a request names none (MIS, CNC, NRML).
	Product string
	// Tag is attached to every order placed, e.g. the strategy tag.
	Tag string
}

// Live places real orders through Kite.
type Live struct {
	cfg     LiveConfig
	broker  Broker
	resolve Resolver
	journal Recorder
	now     func() time.Time
}

// NewLive wires a live manager. journal may be nil.
func NewLive(cfg LiveConfig, broker Broker, resolve Resolver, journal Recorder) *Live {
	return &Live{cfg: cfg, broker: broker, resolve: resolve, journal: journal, now: time.Now}
}

func (l *Live) Mode() string { return ModeLive }

func (l *Live) Create(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	req, err := Normalize(req)
	if err != nil {
		return model.Order{}, err
	}
	inst, ok := l.resolve(req.Symbol)
	if !ok {
		return model.Order{}, fmt.Errorf("%w: symbol %s", apperr.ErrNotFound, req.Symbol)
	}
	product := strings.ToUpper(firstNonEmpty(req.Product, l.cfg.Product))
	if product == "" {
		return model.Order{}, fmt.Errorf("%w: no product given and no default configured", apperr.ErrInvalidOrder)
	}
	if req.Amount != math.Trunc(req.Amount) {
		return model.Order{}, fmt.Errorf("%w: amount %v is not a whole quantity", apperr.ErrInvalidOrder, req.Amount)
	}

	params := kiteconnect.OrderParams{
		Exchange:        inst.Exchange,
		TradingSymbol:   inst.TradingSymbol,
		TransactionType: strings.ToUpper(req.Side),
		Quantity:        int(req.Amount),
		Product:         product,
		OrderType:       strings.ToUpper(req.Type),
		Tag:             l.cfg.Tag,
	}
	if req.Price != nil {
		params.Price = *req.Price
	}

	id, err := l.broker.PlaceOrder(ctx, params)
	if err != nil {
		return model.Order{}, fmt.Errorf("place order: %w", err)
	}
	log.Printf("[live] placed %s %s %d %s (%s) id=%s", req.Side, req.Type, params.Quantity, inst.TradingSymbol, product, id)

	o := model.Order{
		ID:        id,
		Symbol:    inst.Pair,
		Type:      req.Type,
		Side:      req.Side,
		Amount:    req.Amount,
		Price:     req.Price,
		Remaining: req.Amount,
		Status:    model.StatusOpen,
		Info:      map[string]any{"order_id": id, "product": product, "exchange": inst.Exchange},
	}
	o.Stamp(l.now())
	return o, nil
}

// Fetch returns the latest state from the order's history.
func (l *Live) Fetch(ctx context.Context, id string) (model.Order, error) {
	hist, err := l.broker.OrderHistory(ctx, id)
	if err != nil {
		return model.Order{}, lookupErr(id, err)
	}
	if len(hist) == 0 {
		return model.Order{}, fmt.Errorf("%w: order %s", apperr.ErrNotFound, id)
	}
	o := FromUpdate(hist[len(hist)-1])
	if o.Status.Terminal() {
		l.record(ctx, o)
	}
	return o, nil
}

// Cancel cancels an open order and returns its refreshed state. Terminal
// orders come back unchanged without a cancel request.
func (l *Live) Cancel(ctx context.Context, id string) (model.Order, error) {
	cur, err := l.Fetch(ctx, id)
	if err != nil {
		return model.Order{}, err
	}
	if cur.Status.Terminal() {
		return cur, nil
	}
	if _, err := l.broker.CancelOrder(ctx, id); err != nil {
		return model.Order{}, fmt.Errorf("cancel order %s: %w", id, err)
	}

	o, err := l.Fetch(ctx, id)
	if err != nil {
		// the broker accepted the cancel; report it even if the refresh failed
		log.Printf("[live] refresh after cancel %s: %v", id, err)
		cur.Status = model.StatusCanceled
		l.record(ctx, cur)
		return cur, nil
	}
	return o, nil
}

func (l *Live) Balance(ctx context.Context) (map[string]model.Balance, error) {
	m, err := l.broker.Margins(ctx)
	if err != nil {
		return nil, fmt.Errorf("margins: %w", err)
	}
	return map[string]model.Balance{
		model.QuoteCurrency: {Free: m.Available.LiveBalance, Used: m.Utilised.Debits, Total: m.Net},
	}, nil
}

func (l *Live) record(ctx context.Context, o model.Order) {
	if l.journal == nil {
		return
	}
	if err := l.journal.Record(ctx, o, ModeLive); err != nil {
		log.Printf("[live] journal %s: %v", o.ID, err)
	}
}

// MapStatus converts a Kite order status to the canonical one.
func MapStatus(kite string) model.OrderStatus {
	s := strings.ToUpper(strings.TrimSpace(kite))
	switch {
	case s == "COMPLETE":
		return model.StatusClosed
	case strings.HasPrefix(s, "CANCELLED"):
		return model.StatusCanceled
	case s == "REJECTED":
		return model.StatusRejected
	default:
		return model.StatusOpen
	}
}

// FromUpdate projects one Kite order history entry.
func FromUpdate(u kiteconnect.OrderUpdate) model.Order {
	o := model.Order{
		ID:        u.OrderID,
		Symbol:    model.PairFor(u.TradingSymbol),
		Type:      strings.ToLower(u.OrderType),
		Side:      strings.ToLower(u.TransactionType),
		Amount:    u.Quantity,
		Filled:    u.FilledQuantity,
		Remaining: u.PendingQuantity,
		Average:   u.AveragePrice,
		Status:    MapStatus(u.Status),
		Info: map[string]any{
			"order_id":       u.OrderID,
			"status":         u.Status,
			"status_message": u.StatusMessage,
			"product":        u.Product,
			"exchange":       u.Exchange,
		},
	}
	if u.Price > 0 {
		p := u.Price
		o.Price = &p
	}
	if o.Status.Terminal() {
		o.Remaining = math.Max(0, u.Quantity-u.FilledQuantity)
		if o.Status == model.StatusClosed {
			o.Remaining = 0
		}
	}
	if t, err := time.ParseInLocation(kiteOrderTime, u.OrderTimestamp, markethours.IST); err == nil {
		o.Stamp(t)
	}
	return o
}

// lookupErr maps Kite's answer for an unknown order id to apperr.ErrNotFound.
func lookupErr(id string, err error) error {
	var kerr *kiteconnect.Error
	if errors.As(err, &kerr) && (kerr.Type == "InputException" || kerr.HTTPStatus == 404) {
		return fmt.Errorf("%w: order %s: %v", apperr.ErrNotFound, id, err)
	}
	return err
}

func firstNonEmpty(v ...string) string {
	for _, s := range v {
		if s != "" {
			return s
		}
	}
	return ""
}
