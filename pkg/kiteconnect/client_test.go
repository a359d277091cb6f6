package kiteconnect

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"kitebridge/internal/apperr"
	"kitebridge/internal/resilience"
)

func newTestClient(t *testing.T, h http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Config{APIKey: "key", APISecret: "secret", RootURL: srv.URL, Timeout: 2 * time.Second}), srv
}

func TestChecksum(t *testing.T) {
	// sha256("keytokensecret")
	got := Checksum("key", "token", "secret")
	if len(got) != 64 {
		t.Fatalf("expected hex sha256, got %q", got)
	}
	if got != Checksum("key", "token", "secret") {
		t.Error("checksum must be deterministic")
	}
	if got == Checksum("key", "token2", "secret") {
		t.Error("checksum must depend on the request token")
	}
}

func TestGenerateSession(t *testing.T) {
	kc, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/session/token" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Kite-Version") != "3" {
			t.Error("missing X-Kite-Version")
		}
		r.ParseForm()
		if r.Form.Get("checksum") != Checksum("key", "req-1", "secret") {
			t.Errorf("bad checksum %q", r.Form.Get("checksum"))
		}
		fmt.Fprint(w, `{"status":"success","data":{"user_id":"AB1234","access_token":"acc-1","api_key":"key","login_time":"2024-06-17 09:05:00"}}`)
	})

	sess, err := kc.GenerateSession(context.Background(), "req-1")
	if err != nil {
		t.Fatalf("GenerateSession: %v", err)
	}
	if sess.AccessToken != "acc-1" || sess.UserID != "AB1234" {
		t.Errorf("unexpected session %+v", sess)
	}
	if sess.LoginTime.Hour() != 9 || sess.LoginTime.Minute() != 5 {
		t.Errorf("login_time not parsed in IST: %v", sess.LoginTime)
	}
	if kc.AccessToken() != "acc-1" {
		t.Error("access token should be installed on the client")
	}
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		body   string
		want   error
	}{
		{403, `{"status":"error","message":"Incorrect api_key or access_token.","error_type":"TokenException"}`, apperr.ErrAuth},
		{429, `{"status":"error","message":"Too many requests","error_type":"NetworkException"}`, apperr.ErrRateLimited},
		{502, `bad gateway`, apperr.ErrUnavailable},
		{400, `{"status":"error","message":"Invalid price","error_type":"InputException"}`, apperr.ErrInvalidOrder},
		{404, `{"status":"error","message":"Route not found","error_type":"GeneralException"}`, apperr.ErrNotFound},
	}
	for _, tc := range cases {
		tc := tc
		hookCalled := false
		kc, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			fmt.Fprint(w, tc.body)
		})
		kc.SessionExpiryHook = func() { hookCalled = true }

		_, err := kc.Margins(context.Background())
		if !errors.Is(err, tc.want) {
			t.Errorf("status %d: expected %v, got %v", tc.status, tc.want, err)
		}
		if hookCalled != (tc.want == apperr.ErrAuth) {
			t.Errorf("status %d: session expiry hook called=%v", tc.status, hookCalled)
		}
		var kerr *Error
		if !errors.As(err, &kerr) || kerr.HTTPStatus != tc.status {
			t.Errorf("status %d: expected *Error, got %T", tc.status, err)
		}
	}
}

func TestAuthorizationHeader(t *testing.T) {
	kc, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "token key:acc" {
			t.Errorf("unexpected Authorization %q", got)
		}
		fmt.Fprint(w, `{"status":"success","data":{"equity":{"net":950,"available":{"live_balance":900},"utilised":{"debits":50}}}}`)
	})
	kc.SetAccessToken("acc")

	m, err := kc.Margins(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if m.Net != 950 || m.Available.LiveBalance != 900 || m.Utilised.Debits != 50 {
		t.Errorf("unexpected margins %+v", m)
	}
}

func TestHistoricalData(t *testing.T) {
	kc, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instruments/historical/408065/day" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("from") != "2024-01-01 00:00:00" {
			t.Errorf("unexpected from %q", r.URL.Query().Get("from"))
		}
		fmt.Fprint(w, `{"status":"success","data":{"candles":[
			["2024-01-01T00:00:00+0530",1500,1510.5,1490,1505,120000],
			["2024-01-02T00:00:00+0530",1505,1520,1500,1515,98000],
			["garbage"]
		]}}`)
	})
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.FixedZone("IST", 19800))
	candles, err := kc.HistoricalData(context.Background(), 408065, "day", from, from.AddDate(0, 0, 2))
	if err != nil {
		t.Fatal(err)
	}
	if len(candles) != 2 {
		t.Fatalf("expected 2 candles (malformed row skipped), got %d", len(candles))
	}
	if candles[0].High != 1510.5 || candles[1].Volume != 98000 {
		t.Errorf("unexpected candles %+v", candles)
	}
	if candles[0].Time.UnixMilli() != 1704047400000 {
		t.Errorf("unexpected ts %d", candles[0].Time.UnixMilli())
	}
}

func TestInstruments(t *testing.T) {
	kc, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/instruments/NSE" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, "instrument_token,exchange_token,tradingsymbol,name,last_price,expiry,strike,tick_size,lot_size,instrument_type,segment,exchange\n"+
			"408065,1594,INFY,INFOSYS,0,,0,0.05,1,EQ,NSE,NSE\n"+
			"2953217,11536,TCS,\"TATA CONSULTANCY SERV LT\",0,,0,0.05,1,EQ,NSE,NSE\n")
	})
	insts, err := kc.Instruments(context.Background(), "NSE")
	if err != nil {
		t.Fatal(err)
	}
	if len(insts) != 2 {
		t.Fatalf("expected 2 instruments, got %d", len(insts))
	}
	if insts[1].TradingSymbol != "TCS" || insts[1].Name != "TATA CONSULTANCY SERV LT" || insts[1].TickSize != 0.05 {
		t.Errorf("unexpected instrument %+v", insts[1])
	}
}

func TestParseInstruments_MissingColumn(t *testing.T) {
	_, err := ParseInstruments(strings.NewReader("foo,bar\n1,2\n"))
	if err == nil {
		t.Fatal("expected error for missing columns")
	}
}

func TestPlaceOrderAndHistory(t *testing.T) {
	kc, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/orders/regular":
			r.ParseForm()
			if r.Form.Get("order_type") != "LIMIT" || r.Form.Get("price") != "100.5" || r.Form.Get("product") != "MIS" {
				t.Errorf("unexpected form %v", r.Form)
			}
			fmt.Fprint(w, `{"status":"success","data":{"order_id":"151220000000000"}}`)
		case r.Method == http.MethodGet && r.URL.Path == "/orders/151220000000000":
			fmt.Fprint(w, `{"status":"success","data":[
				{"order_id":"151220000000000","status":"OPEN","quantity":10,"pending_quantity":10},
				{"order_id":"151220000000000","status":"COMPLETE","quantity":10,"filled_quantity":10,"average_price":100.4}
			]}`)
		case r.Method == http.MethodDelete && r.URL.Path == "/orders/regular/151220000000000":
			fmt.Fprint(w, `{"status":"success","data":{"order_id":"151220000000000"}}`)
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})
	ctx := context.Background()
	id, err := kc.PlaceOrder(ctx, OrderParams{Exchange: "NSE", TradingSymbol: "INFY", TransactionType: TransactionBuy,
		Quantity: 10, Product: ProductMIS, OrderType: OrderTypeLimit, Price: 100.5})
	if err != nil || id != "151220000000000" {
		t.Fatalf("PlaceOrder = %q, %v", id, err)
	}
	hist, err := kc.OrderHistory(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 2 || hist[1].Status != "COMPLETE" || hist[1].FilledQuantity != 10 {
		t.Errorf("unexpected history %+v", hist)
	}
	if got, err := kc.CancelOrder(ctx, id); err != nil || got != id {
		t.Errorf("CancelOrder = %q, %v", got, err)
	}
}

func TestBreakerOpensOnUpstreamFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	kc := New(Config{APIKey: "key", RootURL: srv.URL, Breaker: resilience.NewCircuitBreaker(2, time.Minute)})
	for i := 0; i < 2; i++ {
		kc.Margins(context.Background())
	}
	_, err := kc.Margins(context.Background())
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("expected circuit open, got %v", err)
	}
	if calls != 2 {
		t.Errorf("expected breaker to short-circuit the third call, got %d calls", calls)
	}
}
