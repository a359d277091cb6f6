// Package kiteconnect is a client for the Zerodha Kite Connect v3 REST API,
// covering the session exchange, instrument dump, historical candles,
// regular orders, margins and LTP quotes used by the bridge.
//
// Usage example:
//
//	kc := kiteconnect.New(kiteconnect.Config{APIKey: "key", APISecret: "secret"})
//	sess, err := kc.GenerateSession(ctx, requestToken)
//	if err != nil { log.Fatal(err) }
//	candles, err := kc.HistoricalData(ctx, 408065, "day", from, to)
package kiteconnect

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"kitebridge/internal/apperr"
	"kitebridge/internal/markethours"
	"kitebridge/internal/resilience"
)

// ---- Config & client ----

type Config struct {
	APIKey      string
	APISecret   string
	AccessToken string

	RootURL string        // default: https://api.kite.trade
	Timeout time.Duration // default: 7s
	Debug   bool

	// Breaker, when set, guards every call. Only upstream unavailability
	// counts toward tripping it.
	Breaker    *resilience.CircuitBreaker
	HTTPClient *http.Client
}

type Client struct {
	apiKey    string
	apiSecret string

	mu          sync.RWMutex
	accessToken string

	rootURL    string
	debug      bool
	httpClient *http.Client
	breaker    *resilience.CircuitBreaker

	// SessionExpiryHook is called when Kite answers with a TokenException.
	SessionExpiryHook func()
}

const (
	defaultRoot = "https://api.kite.trade"
	apiVersion  = "3"

	// Kite timestamps: "2024-06-17T09:15:00+0530"
	candleTimeLayout = "2006-01-02T15:04:05-0700"
	// Kite request/response datetimes, IST wall clock
	kiteDateTime = "2006-01-02 15:04:05"
)

var routes = map[string]string{
	"api.token":            "/session/token",
	"api.instruments":      "/instruments/%s",
	"api.historical":       "/instruments/historical/%d/%s",
	"api.order.place":      "/orders/%s",
	"api.order.cancel":     "/orders/%s/%s",
	"api.order.info":       "/orders/%s",
	"api.user.margins":     "/user/margins",
	"api.market.quote.ltp": "/quote/ltp",
}

// New initializes the client.
func New(cfg Config) *Client {
	if cfg.RootURL == "" {
		cfg.RootURL = defaultRoot
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 7 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: cfg.Timeout}
	}
	if cfg.Breaker != nil && cfg.Breaker.IsFailure == nil {
		cfg.Breaker.IsFailure = func(err error) bool { return errors.Is(err, apperr.ErrUnavailable) }
	}
	return &Client{
		apiKey:      cfg.APIKey,
		apiSecret:   cfg.APISecret,
		accessToken: cfg.AccessToken,
		rootURL:     strings.TrimRight(cfg.RootURL, "/"),
		debug:       cfg.Debug,
		httpClient:  hc,
		breaker:     cfg.Breaker,
	}
}

// APIKey returns the configured API key.
func (c *Client) APIKey() string { return c.apiKey }

// SetAccessToken installs the session token used for authenticated calls.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	c.accessToken = token
	c.mu.Unlock()
}

// AccessToken returns the current session token.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

// ---- Errors ----

// Error is a Kite API failure. It unwraps to the apperr sentinel matching the
// Kite error_type and HTTP status.
type Error struct {
	HTTPStatus int
	Type       string
	Message    string
	kind       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("kite %s (%d): %s", e.Type, e.HTTPStatus, e.Message)
}

// Unwrap exposes the apperr classification so callers can use errors.Is.
func (e *Error) Unwrap() error {
	if e.kind != nil {
		return e.kind
	}
	return classify(e.HTTPStatus, e.Type)
}

func classify(status int, errorType string) error {
	switch {
	case status == http.StatusTooManyRequests:
		return apperr.ErrRateLimited
	case errorType == "TokenException" || status == http.StatusForbidden:
		return apperr.ErrAuth
	case status >= 500:
		return apperr.ErrUnavailable
	case errorType == "NetworkException" || errorType == "DataException":
		return apperr.ErrUnavailable
	case status == http.StatusNotFound:
		return apperr.ErrNotFound
	case errorType == "InputException", errorType == "OrderException", errorType == "MarginException":
		return apperr.ErrInvalidOrder
	default:
		return apperr.ErrInvalidInput
	}
}

type envelope struct {
	Status    string          `json:"status"`
	Data      json.RawMessage `json:"data"`
	Message   string          `json:"message"`
	ErrorType string          `json:"error_type"`
}

// ---- Request helpers ----

func (c *Client) requestHeaders(req *http.Request) {
	req.Header.Set("X-Kite-Version", apiVersion)
	req.Header.Set("User-Agent", "kitebridge/1.0")
	if tok := c.AccessToken(); tok != "" {
		req.Header.Set("Authorization", "token "+c.apiKey+":"+tok)
	}
}

// doRaw performs the HTTP call and returns the body of a 2xx response.
// Non-2xx responses are decoded into *Error.
func (c *Client) doRaw(ctx context.Context, method, path string, params url.Values) ([]byte, error) {
	u := c.rootURL + path
	var body io.Reader
	if method == http.MethodPost || method == http.MethodPut {
		body = strings.NewReader(params.Encode())
	} else if len(params) > 0 {
		u += "?" + params.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, fmt.Errorf("kite: build request: %w", err)
	}
	c.requestHeaders(req)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	var (
		raw    []byte
		status int
	)
	err = c.breaker.Execute(func() error {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ctx.Err()
			}
			return fmt.Errorf("kite %s %s: %w: %v", method, path, apperr.ErrUnavailable, err)
		}
		defer resp.Body.Close()
		status = resp.StatusCode
		raw, err = io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("kite %s %s: read body: %w: %v", method, path, apperr.ErrUnavailable, err)
		}
		if status >= 500 {
			return c.decodeError(status, raw)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if c.debug {
		log.Printf("[kite] %s %s -> %d (%d bytes)", method, path, status, len(raw))
	}
	if status < 200 || status >= 300 {
		return nil, c.decodeError(status, raw)
	}
	return raw, nil
}

func (c *Client) decodeError(status int, raw []byte) error {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Message == "" {
		env.Message = strings.TrimSpace(string(raw))
		if len(env.Message) > 200 {
			env.Message = env.Message[:200]
		}
	}
	if env.ErrorType == "" {
		env.ErrorType = "GeneralException"
	}
	kerr := &Error{HTTPStatus: status, Type: env.ErrorType, Message: env.Message, kind: classify(status, env.ErrorType)}
	if errors.Is(kerr, apperr.ErrAuth) && c.SessionExpiryHook != nil {
		c.SessionExpiryHook()
	}
	return kerr
}

// do performs a JSON API call and decodes the "data" member into out.
func (c *Client) do(ctx context.Context, method, path string, params url.Values, out any) error {
	raw, err := c.doRaw(ctx, method, path, params)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("kite %s %s: decode: %w: %v", method, path, apperr.ErrUnavailable, err)
	}
	if env.Status == "error" {
		return &Error{HTTPStatus: http.StatusOK, Type: env.ErrorType, Message: env.Message, kind: classify(http.StatusOK, env.ErrorType)}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("kite %s %s: decode data: %w", method, path, err)
	}
	return nil
}

func (c *Client) route(name string, args ...any) string {
	return fmt.Sprintf(routes[name], args...)
}

// ---- Session ----

// Session is the result of a request-token exchange.
type Session struct {
	UserID      string    `json:"user_id"`
	UserName    string    `json:"user_name"`
	AccessToken string    `json:"access_token"`
	PublicToken string    `json:"public_token"`
	APIKey      string    `json:"api_key"`
	LoginTime   time.Time `json:"-"`
}

// Checksum is SHA-256(api_key + request_token + api_secret), hex encoded.
func Checksum(apiKey, requestToken, apiSecret string) string {
	sum := sha256.Sum256([]byte(apiKey + requestToken + apiSecret))
	return hex.EncodeToString(sum[:])
}

// GenerateSession exchanges a short-lived request token for an access token
// and installs it on the client.
func (c *Client) GenerateSession(ctx context.Context, requestToken string) (Session, error) {
	if requestToken == "" {
		return Session{}, fmt.Errorf("kite: %w: empty request token", apperr.ErrInvalidInput)
	}
	params := url.Values{
		"api_key":       {c.apiKey},
		"request_token": {requestToken},
		"checksum":      {Checksum(c.apiKey, requestToken, c.apiSecret)},
	}
	var data struct {
		Session
		LoginTime string `json:"login_time"`
	}
	if err := c.do(ctx, http.MethodPost, c.route("api.token"), params, &data); err != nil {
		return Session{}, err
	}
	if data.AccessToken == "" {
		return Session{}, fmt.Errorf("kite: %w: session response without access_token", apperr.ErrAuth)
	}
	s := data.Session
	if t, err := time.ParseInLocation(kiteDateTime, data.LoginTime, markethours.IST); err == nil {
		s.LoginTime = t
	} else {
		s.LoginTime = time.Now().In(markethours.IST)
	}
	c.SetAccessToken(s.AccessToken)
	return s, nil
}

// ---- Historical data ----

// Candle is one row of the historical API.
type Candle struct {
	Time   time.Time
	Open   float64
	High   float64
	Low    float64
	Close  float64
	Volume int64
}

// HistoricalData fetches candles for [from, to] at the given Kite interval
// (minute, 3minute, ..., 60minute, day). Callers must respect the per-interval
// span limit.
func (c *Client) HistoricalData(ctx context.Context, instrumentToken int64, interval string, from, to time.Time) ([]Candle, error) {
	params := url.Values{
		"from": {from.In(markethours.IST).Format(kiteDateTime)},
		"to":   {to.In(markethours.IST).Format(kiteDateTime)},
	}
	var data struct {
		Candles [][]any `json:"candles"`
	}
	if err := c.do(ctx, http.MethodGet, c.route("api.historical", instrumentToken, interval), params, &data); err != nil {
		return nil, err
	}
	out := make([]Candle, 0, len(data.Candles))
	for _, row := range data.Candles {
		cd, err := parseCandleRow(row)
		if err != nil {
			log.Printf("[kite] skipping malformed candle for %d: %v", instrumentToken, err)
			continue
		}
		out = append(out, cd)
	}
	return out, nil
}

func parseCandleRow(row []any) (Candle, error) {
	if len(row) < 6 {
		return Candle{}, fmt.Errorf("expected 6 fields, got %d", len(row))
	}
	ts, ok := row[0].(string)
	if !ok {
		return Candle{}, fmt.Errorf("timestamp is %T", row[0])
	}
	t, err := time.Parse(candleTimeLayout, ts)
	if err != nil {
		return Candle{}, err
	}
	var f [5]float64
	for i := range f {
		v, ok := row[i+1].(float64)
		if !ok {
			return Candle{}, fmt.Errorf("field %d is %T", i+1, row[i+1])
		}
		f[i] = v
	}
	return Candle{Time: t, Open: f[0], High: f[1], Low: f[2], Close: f[3], Volume: int64(f[4])}, nil
}

// ---- Orders ----

const (
	VarietyRegular = "regular"

	ProductMIS  = "MIS"
	ProductCNC  = "CNC"
	ProductNRML = "NRML"

	OrderTypeMarket = "MARKET"
	OrderTypeLimit  = "LIMIT"

	TransactionBuy  = "BUY"
	TransactionSell = "SELL"
)

// OrderParams are the fields of a regular order.
type OrderParams struct {
	Exchange        string
	TradingSymbol   string
	TransactionType string
	Quantity        int
	Product         string
	OrderType       string
	Price           float64
	Validity        string // default DAY
	Tag             string
}

// PlaceOrder places a regular order and returns Kite's order id.
func (c *Client) PlaceOrder(ctx context.Context, p OrderParams) (string, error) {
	if p.Validity == "" {
		p.Validity = "DAY"
	}
	params := url.Values{
		"exchange":         {p.Exchange},
		"tradingsymbol":    {p.TradingSymbol},
		"transaction_type": {p.TransactionType},
		"quantity":         {fmt.Sprint(p.Quantity)},
		"product":          {p.Product},
		"order_type":       {p.OrderType},
		"validity":         {p.Validity},
	}
	if p.OrderType == OrderTypeLimit {
		params.Set("price", fmt.Sprint(p.Price))
	}
	if p.Tag != "" {
		params.Set("tag", p.Tag)
	}
	var data struct {
		OrderID string `json:"order_id"`
	}
	if err := c.do(ctx, http.MethodPost, c.route("api.order.place", VarietyRegular), params, &data); err != nil {
		return "", err
	}
	return data.OrderID, nil
}

// CancelOrder cancels a regular order.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (string, error) {
	var data struct {
		OrderID string `json:"order_id"`
	}
	path := c.route("api.order.cancel", VarietyRegular, url.PathEscape(orderID))
	if err := c.do(ctx, http.MethodDelete, path, nil, &data); err != nil {
		return "", err
	}
	return data.OrderID, nil
}

// OrderUpdate is one state of an order's history.
type OrderUpdate struct {
	OrderID         string  `json:"order_id"`
	Status          string  `json:"status"`
	StatusMessage   string  `json:"status_message"`
	TradingSymbol   string  `json:"tradingsymbol"`
	Exchange        string  `json:"exchange"`
	OrderType       string  `json:"order_type"`
	TransactionType string  `json:"transaction_type"`
	Product         string  `json:"product"`
	Price           float64 `json:"price"`
	Quantity        float64 `json:"quantity"`
	FilledQuantity  float64 `json:"filled_quantity"`
	PendingQuantity float64 `json:"pending_quantity"`
	AveragePrice    float64 `json:"average_price"`
	OrderTimestamp  string  `json:"order_timestamp"`
}

// OrderHistory returns every state transition of an order, oldest first.
func (c *Client) OrderHistory(ctx context.Context, orderID string) ([]OrderUpdate, error) {
	var data []OrderUpdate
	if err := c.do(ctx, http.MethodGet, c.route("api.order.info", url.PathEscape(orderID)), nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// ---- Funds & quotes ----

// Margins is the equity segment of /user/margins.
type Margins struct {
	Net       float64 `json:"net"`
	Available struct {
		LiveBalance float64 `json:"live_balance"`
		Cash        float64 `json:"cash"`
	} `json:"available"`
	Utilised struct {
		Debits float64 `json:"debits"`
	} `json:"utilised"`
}

// Margins returns the equity margins.
func (c *Client) Margins(ctx context.Context) (Margins, error) {
	var data struct {
		Equity Margins `json:"equity"`
	}
	if err := c.do(ctx, http.MethodGet, c.route("api.user.margins"), nil, &data); err != nil {
		return Margins{}, err
	}
	return data.Equity, nil
}

// LTPQuote is the last traded price of one instrument.
type LTPQuote struct {
	InstrumentToken int64   `json:"instrument_token"`
	LastPrice       float64 `json:"last_price"`
}

// LTP returns quotes keyed by "EXCHANGE:TRADINGSYMBOL".
func (c *Client) LTP(ctx context.Context, instruments ...string) (map[string]LTPQuote, error) {
	params := url.Values{"i": instruments}
	data := map[string]LTPQuote{}
	if err := c.do(ctx, http.MethodGet, c.route("api.market.quote.ltp"), params, &data); err != nil {
		return nil, err
	}
	return data, nil
}
