package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kitebridge/internal/apperr"
	"kitebridge/internal/history"
	"kitebridge/internal/logger"
	"kitebridge/internal/model"
)

const (
	klinesDefaultLimit = 1000
	ohlcvLimit         = 5000
	ohlcvDefaultSince  = 3 * 365 * 24 * time.Hour
	tradesDefaultLimit = 100
)

// Handler returns the instance's routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, instrument(name, s.deps.Metrics, h))
	}

	route("GET /health", "health", s.handleHealth)
	mux.Handle("GET /healthz", s.deps.Health)
	if s.deps.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	}

	route("GET /api/callback", "callback", s.handleCallback)
	route("GET /markets", "markets", s.handleMarkets)
	route("GET /klines", "klines", s.handleKlines)
	route("GET /spot/quotation/v3/klines", "klines", s.handleKlines)
	route("GET /ohlcv", "ohlcv", s.handleOHLCV)
	route("GET /ticker", "ticker", s.handleTicker)
	mux.HandleFunc("GET /ws/ticks", s.stream.ServeWS)

	route("GET /balance", "balance", s.handleBalance)
	route("POST /orders", "orders_create", s.handleCreateOrder)
	route("GET /orders/{id}", "orders_fetch", s.handleFetchOrder)
	route("DELETE /orders/{id}", "orders_cancel", s.handleCancelOrder)
	route("GET /trades", "trades", s.handleTrades)

	// Exchange-shaped metadata consumed by the strategy client.
	route("GET /account/v1/currencies", "currencies", s.handleCurrencies)
	route("GET /spot/v1/symbols/details", "symbols", s.handleSymbolDetails)
	route("GET /contract/public/details", "contracts", s.handleContractDetails)

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, apperr.HTTPStatus(err), map[string]string{
		"status":  "error",
		"message": err.Error(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"mode":         s.Mode(),
		"bridge_ready": s.Ready(),
		"strategy_tag": s.cfg.StrategyTag,
	})
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	err := s.CompleteSession(ctx, r.URL.Query().Get("request_token"))
	if err != nil {
		slog.WarnContext(ctx, "callback failed", append(logger.LogWithRequest(ctx), "error", err)...)
		writeError(w, err)
		return
	}
	slog.InfoContext(ctx, "session completed via callback", logger.LogWithRequest(ctx)...)
	writeJSON(w, http.StatusOK, map[string]string{"status": "success"})
}

type marketLimits struct {
	Min *float64 `json:"min"`
	Max *float64 `json:"max"`
}

type market struct {
	ID        string             `json:"id"`
	Symbol    string             `json:"symbol"`
	Base      string             `json:"base"`
	Quote     string             `json:"quote"`
	Active    bool               `json:"active"`
	Type      string             `json:"type"`
	Precision map[string]float64 `json:"precision"`
	Limits    struct {
		Amount marketLimits `json:"amount"`
		Price  marketLimits `json:"price"`
		Cost   marketLimits `json:"cost"`
	} `json:"limits"`
	Info model.Instrument `json:"info"`
}

func newMarket(i model.Instrument) market {
	tick := i.TickSize
	if tick <= 0 {
		tick = 0.05
	}
	lot := float64(i.LotSize)
	if lot <= 0 {
		lot = 1
	}
	m := market{
		ID:        i.TradingSymbol,
		Symbol:    i.Pair,
		Base:      i.TradingSymbol,
		Quote:     model.QuoteCurrency,
		Active:    true,
		Type:      "spot",
		Precision: map[string]float64{"price": tick, "amount": 1},
		Info:      i,
	}
	m.Limits.Amount.Min = &lot
	return m
}

func (s *Server) handleMarkets(w http.ResponseWriter, r *http.Request) {
	insts := s.Instruments()
	out := make(map[string]market, len(insts))
	for _, i := range insts {
		out[i.Pair] = newMarket(i)
	}
	writeJSON(w, http.StatusOK, out)
}

func fmtFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }

func (s *Server) handleKlines(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	symbol := q.Get("symbol")
	if symbol == "" {
		writeError(w, fmt.Errorf("%w: symbol is required", apperr.ErrInvalidInput))
		return
	}
	tf, err := history.ResolveTimeframe(q.Get("step"))
	if err != nil {
		writeError(w, err)
		return
	}
	after, err := optionalInt(q.Get("after"), 0)
	if err != nil {
		writeError(w, fmt.Errorf("%w: after: %v", apperr.ErrInvalidInput, err))
		return
	}
	limit, err := optionalInt(q.Get("limit"), klinesDefaultLimit)
	if err != nil {
		writeError(w, fmt.Errorf("%w: limit: %v", apperr.ErrInvalidInput, err))
		return
	}

	resp := map[string]any{
		"message": "success",
		"code":    1000,
		"trace":   logger.RequestID(r.Context()),
		"data":    [][]string{},
	}
	inst, ok := s.Resolve(symbol)
	if !ok {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	page, err := s.deps.History.Fetch(r.Context(), inst.Token, tf, after, int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	rows := make([][]string, 0, len(page.Candles))
	for _, c := range page.Candles {
		rows = append(rows, []string{
			strconv.FormatInt(c.TS, 10),
			fmtFloat(c.Open), fmtFloat(c.High), fmtFloat(c.Low), fmtFloat(c.Close),
			strconv.FormatInt(c.Volume, 10),
			fmtFloat(c.QuoteVolume()),
		})
	}
	resp["data"] = rows
	if page.Partial {
		resp["partial"] = true
		resp["message"] = page.Message
		if s.deps.Metrics != nil {
			s.deps.Metrics.PartialFetches.Inc()
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleOHLCV backfills from since to now and returns [ts, o, h, l, c, v]
// rows.
func (s *Server) handleOHLCV(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	inst, ok := s.Resolve(q.Get("symbol"))
	if !ok {
		writeError(w, fmt.Errorf("%w: symbol %q", apperr.ErrNotFound, q.Get("symbol")))
		return
	}
	step := q.Get("timeframe")
	if step == "" {
		step = "5m"
	}
	tf, err := history.ResolveTimeframe(step)
	if err != nil {
		writeError(w, err)
		return
	}
	now := s.deps.Now()
	since, err := optionalInt(q.Get("since"), now.Add(-ohlcvDefaultSince).UnixMilli())
	if err != nil {
		writeError(w, fmt.Errorf("%w: since: %v", apperr.ErrInvalidInput, err))
		return
	}

	if s.SessionValid() {
		if _, err := s.deps.History.EnsureRange(ctx, inst.Token, tf, time.UnixMilli(since), now); err != nil {
			if !errors.Is(err, apperr.ErrPartialFetch) {
				writeError(w, err)
				return
			}
			w.Header().Set("X-Partial-Fetch", "true")
			slog.WarnContext(ctx, "ohlcv partial backfill", append(logger.LogWithRequest(ctx), "symbol", inst.Pair, "error", err)...)
		}
	}

	page, err := s.deps.History.Fetch(ctx, inst.Token, tf, since-1, ohlcvLimit)
	if err != nil {
		writeError(w, err)
		return
	}
	rows := make([][]float64, 0, len(page.Candles))
	for _, c := range page.Candles {
		rows = append(rows, []float64{float64(c.TS), c.Open, c.High, c.Low, c.Close, float64(c.Volume)})
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleTicker(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	inst, ok := s.Resolve(r.URL.Query().Get("symbol"))
	if !ok {
		writeError(w, fmt.Errorf("%w: symbol %q", apperr.ErrNotFound, r.URL.Query().Get("symbol")))
		return
	}
	if t, ok := s.ticks.Get(inst.Token); ok {
		writeJSON(w, http.StatusOK, map[string]any{
			"symbol": inst.Pair, "last": t.LastPrice, "timestamp": t.ReceivedAt.UnixMilli(), "source": "stream",
		})
		return
	}
	if s.deps.Upstream == nil || !s.SessionValid() {
		writeError(w, fmt.Errorf("%w: no price for %s", apperr.ErrUnavailable, inst.Pair))
		return
	}
	key := inst.Key()
	quotes, err := s.deps.Upstream.LTP(ctx, key)
	if err != nil {
		writeError(w, err)
		return
	}
	q, ok := quotes[key]
	if !ok {
		writeError(w, fmt.Errorf("%w: no quote for %s", apperr.ErrUnavailable, key))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"symbol": inst.Pair, "last": q.LastPrice, "timestamp": s.deps.Now().UnixMilli(), "source": "rest",
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	if err := s.liveGuard(); err != nil {
		writeError(w, err)
		return
	}
	bal, err := s.orders.Balance(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	out := make(map[string]any, len(bal)+1)
	for cur, b := range bal {
		out[cur] = b
	}
	if s.cfg.DryRun {
		out["info"] = "Dry Run Balance"
	} else {
		out["info"] = "margins"
	}
	writeJSON(w, http.StatusOK, out)
}

// orderRequest reads a JSON body, or falls back to query parameters.
func orderRequest(r *http.Request) (model.OrderRequest, error) {
	var req model.OrderRequest
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return req, fmt.Errorf("%w: decode order: %v", apperr.ErrInvalidOrder, err)
		}
		return req, nil
	}
	q := r.URL.Query()
	req.Symbol = q.Get("symbol")
	req.Type = q.Get("type")
	req.Side = q.Get("side")
	req.Product = q.Get("product")
	if v := q.Get("amount"); v != "" {
		a, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, fmt.Errorf("%w: amount %q", apperr.ErrInvalidOrder, v)
		}
		req.Amount = a
	}
	if v := q.Get("price"); v != "" {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return req, fmt.Errorf("%w: price %q", apperr.ErrInvalidOrder, v)
		}
		req.Price = &p
	}
	return req, nil
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	if err := s.liveGuard(); err != nil {
		writeError(w, err)
		return
	}
	req, err := orderRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	o, err := s.orders.Create(r.Context(), req)
	s.countOrder("create", o.Status, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleFetchOrder(w http.ResponseWriter, r *http.Request) {
	if err := s.liveGuard(); err != nil {
		writeError(w, err)
		return
	}
	o, err := s.orders.Fetch(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	if err := s.liveGuard(); err != nil {
		writeError(w, err)
		return
	}
	o, err := s.orders.Cancel(r.Context(), r.PathValue("id"))
	s.countOrder("cancel", o.Status, err)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (s *Server) countOrder(action string, status model.OrderStatus, err error) {
	if s.deps.Metrics == nil {
		return
	}
	label := string(status)
	if err != nil {
		label = "error"
	}
	s.deps.Metrics.Orders.WithLabelValues(s.Mode(), action, label).Inc()
}

func (s *Server) handleTrades(w http.ResponseWriter, r *http.Request) {
	limit, err := optionalInt(r.URL.Query().Get("limit"), tradesDefaultLimit)
	if err != nil {
		writeError(w, fmt.Errorf("%w: limit: %v", apperr.ErrInvalidInput, err))
		return
	}
	if s.deps.Journal == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	trades, err := s.deps.Journal.GetTrades(r.Context(), int(limit))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

func envelope(r *http.Request, message string, data any) map[string]any {
	return map[string]any{
		"message": message,
		"code":    1000,
		"trace":   logger.RequestID(r.Context()),
		"data":    data,
	}
}

func (s *Server) handleCurrencies(w http.ResponseWriter, r *http.Request) {
	inr := map[string]any{
		"currency":         model.QuoteCurrency,
		"name":             "Indian Rupee",
		"chain":            model.QuoteCurrency,
		"full_name":        "Indian Rupee",
		"precision":        "2",
		"deposit_enabled":  true,
		"withdraw_enabled": true,
	}
	writeJSON(w, http.StatusOK, envelope(r, "OK", map[string]any{"currencies": []any{inr}}))
}

func (s *Server) handleSymbolDetails(w http.ResponseWriter, r *http.Request) {
	insts := s.Instruments()
	if len(insts) == 0 {
		writeError(w, fmt.Errorf("%w: instruments not loaded for %s", apperr.ErrCatalogUnavailable, s.cfg.StrategyTag))
		return
	}
	symbols := make([]map[string]any, 0, len(insts))
	for _, i := range insts {
		m := newMarket(i)
		symbols = append(symbols, map[string]any{
			"symbol":              strings.ReplaceAll(i.Pair, "/", "_"),
			"symbol_id":           i.Token,
			"base_currency":       i.TradingSymbol,
			"quote_currency":      model.QuoteCurrency,
			"quote_increment":     fmtFloat(m.Precision["price"]),
			"base_min_size":       fmtFloat(*m.Limits.Amount.Min),
			"price_min_precision": 2,
			"price_max_precision": 2,
			"expiration":          "NA",
			"min_buy_amount":      "1.0",
			"min_sell_amount":     "1.0",
			"trade_status":        "trading",
		})
	}
	writeJSON(w, http.StatusOK, envelope(r, "OK", map[string]any{"symbols": symbols}))
}

func (s *Server) handleContractDetails(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, envelope(r, "Ok", map[string]any{"symbols": []any{}}))
}

func optionalInt(v string, def int64) (int64, error) {
	if v == "" {
		return def, nil
	}
	return strconv.ParseInt(v, 10, 64)
}
