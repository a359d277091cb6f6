package order

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"kitebridge/internal/apperr"
	"kitebridge/internal/model"
)

// DryRunBalance is the fixed simulated account.
var DryRunBalance = map[string]model.Balance{
	model.QuoteCurrency: {Free: 10000, Used: 0, Total: 10000},
}

// DryRun simulates orders in memory. A new order is open; the first fetch
// fills it completely. Nothing reaches the broker.
type DryRun struct {
	mu     sync.Mutex
	orders map[string]*model.Order

	journal Recorder
	now     func() time.Time
}

// NewDryRun returns an empty simulator. journal may be nil.
func NewDryRun(journal Recorder) *DryRun {
	return &DryRun{
		orders:  make(map[string]*model.Order),
		journal: journal,
		now:     time.Now,
	}
}

func (d *DryRun) Mode() string { return ModeDryRun }

func (d *DryRun) Create(ctx context.Context, req model.OrderRequest) (model.Order, error) {
	req, err := Normalize(req)
	if err != nil {
		return model.Order{}, err
	}
	o := &model.Order{
		ID:        uuid.NewString(),
		Symbol:    req.Symbol,
		Type:      req.Type,
		Side:      req.Side,
		Amount:    req.Amount,
		Price:     req.Price,
		Filled:    0,
		Remaining: req.Amount,
		Status:    model.StatusOpen,
		Info:      map[string]any{"dry_run": true},
	}
	o.Stamp(d.now())

	d.mu.Lock()
	d.orders[o.ID] = o
	cp := cloneOrder(o)
	d.mu.Unlock()

	log.Printf("[dryrun] created %s %s %s %.4g %s", o.ID, o.Side, o.Type, o.Amount, o.Symbol)
	return cp, nil
}

// Fetch fills an open order on first read.
func (d *DryRun) Fetch(ctx context.Context, id string) (model.Order, error) {
	d.mu.Lock()
	o, ok := d.orders[id]
	if !ok {
		d.mu.Unlock()
		return model.Order{}, fmt.Errorf("%w: order %s", apperr.ErrNotFound, id)
	}
	filled := false
	if o.Status == model.StatusOpen {
		o.Status = model.StatusClosed
		o.Filled = o.Amount
		o.Remaining = 0
		if o.Price != nil {
			o.Average = *o.Price
		}
		filled = true
	}
	cp := cloneOrder(o)
	d.mu.Unlock()

	if filled {
		d.record(ctx, cp)
	}
	return cp, nil
}

// Cancel cancels an open order. Terminal orders come back unchanged.
func (d *DryRun) Cancel(ctx context.Context, id string) (model.Order, error) {
	d.mu.Lock()
	o, ok := d.orders[id]
	if !ok {
		d.mu.Unlock()
		return model.Order{}, fmt.Errorf("%w: order %s", apperr.ErrNotFound, id)
	}
	canceled := false
	if o.Status == model.StatusOpen {
		o.Status = model.StatusCanceled
		canceled = true
	}
	cp := cloneOrder(o)
	d.mu.Unlock()

	if canceled {
		d.record(ctx, cp)
	}
	return cp, nil
}

func (d *DryRun) Balance(context.Context) (map[string]model.Balance, error) {
	out := make(map[string]model.Balance, len(DryRunBalance))
	for k, v := range DryRunBalance {
		out[k] = v
	}
	return out, nil
}

func (d *DryRun) record(ctx context.Context, o model.Order) {
	if d.journal == nil {
		return
	}
	if err := d.journal.Record(ctx, o, ModeDryRun); err != nil {
		log.Printf("[dryrun] journal %s: %v", o.ID, err)
	}
}
