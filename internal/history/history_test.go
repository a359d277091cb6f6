package history

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"kitebridge/internal/apperr"
	"kitebridge/internal/markethours"
	"kitebridge/internal/store/sqlite"
	"kitebridge/pkg/kiteconnect"
)

// fakeSource returns one bar per hour inside each requested window.
type fakeSource struct {
	mu     sync.Mutex
	calls  []Range
	failAt map[int]error // call index (0-based) -> error
	// inclusive also returns the bar at the window's end, as Kite does.
	inclusive bool
}

func (f *fakeSource) HistoricalData(_ context.Context, token int64, interval string, from, to time.Time) ([]kiteconnect.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := len(f.calls)
	f.calls = append(f.calls, Range{From: from, To: to})
	if err, ok := f.failAt[idx]; ok {
		return nil, err
	}
	var out []kiteconnect.Candle
	for t := from; t.Before(to) || (f.inclusive && t.Equal(to)); t = t.Add(time.Hour) {
		out = append(out, kiteconnect.Candle{Time: t, Open: 1, High: 2, Low: 0.5, Close: 1.5, Volume: 100})
	}
	return out, nil
}

// sessionSource serves 30minute bars from 09:00 IST of day. A bar that has
// not closed by *now closes at 2; a closed bar closes at 100.
type sessionSource struct {
	day time.Time
	now *time.Time
}

func (s sessionSource) HistoricalData(_ context.Context, _ int64, interval string, from, to time.Time) ([]kiteconnect.Candle, error) {
	step := TimeframeDuration(interval)
	var out []kiteconnect.Candle
	for t := s.day.Add(9 * time.Hour); !t.After(to); t = t.Add(step) {
		if t.Before(from) {
			continue
		}
		closePx := 100.0
		if t.Add(step).After(*s.now) {
			closePx = 2
		}
		out = append(out, kiteconnect.Candle{Time: t, Open: 1, High: 100, Low: 1, Close: closePx, Volume: 10})
	}
	return out, nil
}

func (f *fakeSource) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newCache(t *testing.T, src CandleSource, now time.Time) (*Cache, *sqlite.CandleStore) {
	t.Helper()
	store, err := sqlite.NewCandleStore(filepath.Join(t.TempDir(), "historical_data.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	c := New(Config{
		RetryAttempts:  2,
		RetryBaseDelay: time.Millisecond,
		LookbackDays:   2,
		Now:            func() time.Time { return now },
	}, src, store)
	return c, store
}

func TestResolveTimeframe(t *testing.T) {
	cases := map[string]string{
		"1": "minute", "5": "5minute", "1440": "day", "60": "60minute",
		"1m": "minute", "15m": "15minute", "1h": "60minute", "1d": "day",
		"minute": "minute", "30minute": "30minute", " DAY ": "day",
	}
	for in, want := range cases {
		got, err := ResolveTimeframe(in)
		if err != nil || got != want {
			t.Errorf("ResolveTimeframe(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ResolveTimeframe("7"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput for unsupported step, got %v", err)
	}
}

func TestSplitRange_MinuteLimit(t *testing.T) {
	from := time.Date(2023, 1, 1, 0, 0, 0, 0, markethours.IST)
	to := from.AddDate(0, 0, 400)

	chunks := SplitRange(from, to, MaxDaysPerRequest["minute"])
	if len(chunks) != 7 {
		t.Fatalf("expected 7 chunks for 400 days at 60-day limit, got %d", len(chunks))
	}
	if !chunks[0].From.Equal(from) || !chunks[6].To.Equal(to) {
		t.Errorf("chunks must cover the whole range: %v .. %v", chunks[0].From, chunks[6].To)
	}
	for i, c := range chunks {
		if c.To.Sub(c.From) > 60*24*time.Hour {
			t.Errorf("chunk %d spans %s", i, c.To.Sub(c.From))
		}
		if i > 0 && !c.From.Equal(chunks[i-1].To) {
			t.Errorf("chunk %d does not start where chunk %d ended", i, i-1)
		}
	}

	if got := SplitRange(to, from, 60); got != nil {
		t.Errorf("inverted range should yield no chunks, got %d", len(got))
	}
}

func TestEnsureRange_SequentialAndIdempotent(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	c, store := newCache(t, src, time.Now())

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, markethours.IST)
	to := from.AddDate(0, 0, 130) // 3 chunks at the minute limit

	n, err := c.EnsureRange(ctx, 408065, "minute", from, to)
	if err != nil {
		t.Fatal(err)
	}
	if n != 130*24 {
		t.Errorf("expected %d candles, got %d", 130*24, n)
	}
	if len(src.calls) != 3 {
		t.Fatalf("expected 3 upstream calls, got %d", len(src.calls))
	}
	for i := 1; i < len(src.calls); i++ {
		if !src.calls[i].From.After(src.calls[i-1].From) {
			t.Error("chunks must be requested in increasing time order")
		}
	}

	again, err := c.EnsureRange(ctx, 408065, "minute", from, to)
	if err != nil || again != 0 {
		t.Errorf("second run must add nothing, got %d %v", again, err)
	}
	count, _ := store.Count(ctx, 408065, "minute")
	if count != 130*24 {
		t.Errorf("expected %d stored rows, got %d", 130*24, count)
	}
}

func TestEnsureRange_OverlappingChunksFormOneSeries(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{inclusive: true}
	c, _ := newCache(t, src, time.Now())

	from := time.Date(2023, 1, 1, 0, 0, 0, 0, markethours.IST)
	to := from.AddDate(0, 0, 400)

	if _, err := c.EnsureRange(ctx, 408065, "minute", from, to); err != nil {
		t.Fatal(err)
	}
	if len(src.calls) != 7 {
		t.Fatalf("expected 7 upstream calls for 400 days at the minute limit, got %d", len(src.calls))
	}
	for i := 1; i < len(src.calls); i++ {
		if !src.calls[i].From.After(src.calls[i-1].From) {
			t.Errorf("call %d requested out of order", i)
		}
		if !src.calls[i].From.Equal(src.calls[i-1].To) {
			t.Errorf("call %d should start at the previous window's end", i)
		}
	}

	// read back the whole series without touching upstream again
	c.cfg.CanFetch = func() bool { return false }
	var all []int64
	after := int64(0)
	for {
		p, err := c.Fetch(ctx, 408065, "minute", after, maxLimit)
		if err != nil {
			t.Fatal(err)
		}
		if len(p.Candles) == 0 {
			break
		}
		for _, cd := range p.Candles {
			all = append(all, cd.TS)
		}
		after = p.Candles[len(p.Candles)-1].TS
	}

	want := 400*24 + 1
	if len(all) != want {
		t.Fatalf("expected %d candles, got %d", want, len(all))
	}
	if all[0] != from.UnixMilli() || all[len(all)-1] != to.UnixMilli() {
		t.Errorf("series spans %d..%d, want %d..%d", all[0], all[len(all)-1], from.UnixMilli(), to.UnixMilli())
	}
	hour := time.Hour.Milliseconds()
	for i := 1; i < len(all); i++ {
		if all[i]-all[i-1] != hour {
			t.Fatalf("gap or duplicate at %d: %d after %d", i, all[i], all[i-1])
		}
	}
}

func TestFetch_DoesNotStoreFormingBar(t *testing.T) {
	ctx := context.Background()
	day := time.Date(2024, 6, 20, 0, 0, 0, 0, markethours.IST)
	now := day.Add(10*time.Hour + 2*time.Minute)

	store, err := sqlite.NewCandleStore(filepath.Join(t.TempDir(), "historical_data.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	c := New(Config{
		RetryAttempts:  1,
		RetryBaseDelay: time.Millisecond,
		LookbackDays:   1,
		Now:            func() time.Time { return now },
	}, sessionSource{day: day, now: &now}, store)

	page, err := c.Fetch(ctx, 1, "30minute", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Candles) != 2 {
		t.Fatalf("at 10:02 only the 09:00 and 09:30 bars are closed, got %d bars", len(page.Candles))
	}

	now = day.Add(10*time.Hour + 32*time.Minute)
	page, err = c.Fetch(ctx, 1, "30minute", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Candles) != 3 {
		t.Fatalf("at 10:32 expected 3 closed bars, got %d", len(page.Candles))
	}
	last := page.Candles[2]
	if last.TS != day.Add(10*time.Hour).UnixMilli() {
		t.Fatalf("last bar at %d, want the 10:00 bar", last.TS)
	}
	if last.Close != 100 {
		t.Errorf("10:00 bar close = %v, want its final value 100", last.Close)
	}
}

func TestEnsureRange_PartialFetchKeepsEarlierChunks(t *testing.T) {
	ctx := context.Background()
	bad := &kiteconnect.Error{HTTPStatus: 400, Type: "InputException", Message: "invalid range"}
	src := &fakeSource{failAt: map[int]error{1: bad}}
	c, store := newCache(t, src, time.Now())

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, markethours.IST)
	to := from.AddDate(0, 0, 130)

	n, err := c.EnsureRange(ctx, 1, "minute", from, to)
	if !errors.Is(err, apperr.ErrPartialFetch) {
		t.Fatalf("expected ErrPartialFetch, got %v", err)
	}
	if n != 60*24 {
		t.Errorf("expected first chunk's %d rows, got %d", 60*24, n)
	}
	if len(src.calls) != 2 {
		t.Errorf("later chunks must not be requested after a failure, got %d calls", len(src.calls))
	}
	count, _ := store.Count(ctx, 1, "minute")
	if count != 60*24 {
		t.Errorf("earlier chunk must stay persisted, got %d", count)
	}
}

func TestEnsureRange_RetriesTransient(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{failAt: map[int]error{0: &kiteconnect.Error{HTTPStatus: 429}}}
	c, _ := newCache(t, src, time.Now())

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, markethours.IST)
	n, err := c.EnsureRange(ctx, 1, "day", from, from.AddDate(0, 0, 1))
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if n != 24 || len(src.calls) != 2 {
		t.Errorf("expected 24 rows over 2 calls, got %d rows %d calls", n, len(src.calls))
	}
}

func TestEnsureRange_UnknownTimeframe(t *testing.T) {
	c, _ := newCache(t, &fakeSource{}, time.Now())
	if _, err := c.EnsureRange(context.Background(), 1, "2minute", time.Now(), time.Now().Add(time.Hour)); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestFetch_BackfillsAndPaginates(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 20, 12, 0, 0, 0, markethours.IST)
	src := &fakeSource{}
	c, _ := newCache(t, src, now)

	page, err := c.Fetch(ctx, 7, "60minute", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if src.callCount() != 1 {
		t.Fatalf("expected one backfill call, got %d", src.callCount())
	}
	if len(page.Candles) != 10 || page.Partial {
		t.Fatalf("expected a full page, got %d partial=%v", len(page.Candles), page.Partial)
	}

	// walk the rest of the cached series
	seen := len(page.Candles)
	last := page.Candles[len(page.Candles)-1].TS
	for {
		p, err := c.Fetch(ctx, 7, "60minute", last, 10)
		if err != nil {
			t.Fatal(err)
		}
		if len(p.Candles) == 0 {
			break
		}
		for _, cd := range p.Candles {
			if cd.TS <= last {
				t.Fatalf("pagination went backward: %d after %d", cd.TS, last)
			}
			last = cd.TS
		}
		seen += len(p.Candles)
	}
	if seen != 48 {
		t.Errorf("expected 2 days of hourly bars, got %d", seen)
	}
	if src.callCount() != 1 {
		t.Errorf("backfill must run at most once per bar period, got %d calls", src.callCount())
	}
}

func TestFetch_NoUpstreamWhenUnauthenticated(t *testing.T) {
	ctx := context.Background()
	src := &fakeSource{}
	store, err := sqlite.NewCandleStore(filepath.Join(t.TempDir(), "h.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	c := New(Config{CanFetch: func() bool { return false }}, src, store)

	page, err := c.Fetch(ctx, 1, "day", 0, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(page.Candles) != 0 || src.callCount() != 0 {
		t.Errorf("expected empty page without upstream calls, got %d candles %d calls", len(page.Candles), src.callCount())
	}
}

func TestFetch_PartialBackfillStillServesRows(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 20, 12, 0, 0, 0, markethours.IST)
	src := &fakeSource{failAt: map[int]error{
		0: &kiteconnect.Error{HTTPStatus: 503},
		1: &kiteconnect.Error{HTTPStatus: 503},
	}}
	c, _ := newCache(t, src, now)

	page, err := c.Fetch(ctx, 1, "day", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if !page.Partial || page.Message == "" {
		t.Errorf("expected partial marker, got %+v", page)
	}
}
