package kiteconnect

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Streaming feed constants.
const (
	DefaultTickerURL = "wss://ws.kite.trade"

	ModeLTP   = "ltp"
	ModeQuote = "quote"
	ModeFull  = "full"

	// LTP packets: token (4) + last price in paise (4)
	ltpPacketLen = 8

	readTimeout = 10 * time.Second
)

// Tick is a decoded last-traded-price packet.
type Tick struct {
	InstrumentToken uint32
	LastPrice       float64
}

// TickerConfig configures the streaming client.
type TickerConfig struct {
	URL         string // default: wss://ws.kite.trade
	APIKey      string
	AccessToken string

	MaxRetryAttempt int           // 0 = retry forever
	RetryDelay      time.Duration // first backoff, doubled per attempt (default 2s)
	MaxRetryDelay   time.Duration // default 60s

	Dialer *websocket.Dialer
}

// Ticker consumes the Kite binary feed in LTP mode and reconnects with
// exponential backoff.
type Ticker struct {
	cfg TickerConfig

	mu     sync.Mutex
	conn   *websocket.Conn
	tokens []uint32

	// Callbacks (optional)
	OnTick      func(Tick)
	OnConnect   func()
	OnReconnect func(attempt int, delay time.Duration)
	OnError     func(err error)
}

// NewTicker creates a ticker; call Subscribe then Run.
func NewTicker(cfg TickerConfig) *Ticker {
	if cfg.URL == "" {
		cfg.URL = DefaultTickerURL
	}
	if cfg.RetryDelay == 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.MaxRetryDelay == 0 {
		cfg.MaxRetryDelay = 60 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Ticker{cfg: cfg}
}

// Subscribe sets the instrument tokens to stream. It is safe to call while
// connected; the subscription is also replayed after every reconnect.
func (t *Ticker) Subscribe(tokens []uint32) error {
	t.mu.Lock()
	t.tokens = append(t.tokens[:0:0], tokens...)
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return t.sendSubscription(conn, tokens)
}

// Run connects and reads until ctx is cancelled or the retry budget is spent.
func (t *Ticker) Run(ctx context.Context) error {
	attempt := 0
	delay := t.cfg.RetryDelay
	for {
		connected, err := t.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			attempt = 0
			delay = t.cfg.RetryDelay
		}
		if err != nil && t.OnError != nil {
			t.OnError(err)
		}
		attempt++
		if t.cfg.MaxRetryAttempt > 0 && attempt > t.cfg.MaxRetryAttempt {
			return fmt.Errorf("ticker: giving up after %d attempts: %w", attempt-1, err)
		}
		if t.OnReconnect != nil {
			t.OnReconnect(attempt, delay)
		}
		log.Printf("[ticker] reconnecting in %v (attempt %d): %v", delay, attempt, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > t.cfg.MaxRetryDelay {
			delay = t.cfg.MaxRetryDelay
		}
	}
}

// session dials once and pumps messages until the connection drops.
func (t *Ticker) session(ctx context.Context) (connected bool, err error) {
	u, err := url.Parse(t.cfg.URL)
	if err != nil {
		return false, err
	}
	q := u.Query()
	q.Set("api_key", t.cfg.APIKey)
	q.Set("access_token", t.cfg.AccessToken)
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("X-Kite-Version", apiVersion)

	conn, resp, err := t.cfg.Dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("ticker dial: status %s: %w", resp.Status, err)
		}
		return false, fmt.Errorf("ticker dial: %w", err)
	}
	defer conn.Close()

	t.mu.Lock()
	t.conn = conn
	tokens := append([]uint32(nil), t.tokens...)
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		t.conn = nil
		t.mu.Unlock()
	}()

	if len(tokens) > 0 {
		if err := t.sendSubscription(conn, tokens); err != nil {
			return true, err
		}
	}
	if t.OnConnect != nil {
		t.OnConnect()
	}

	// Unblock ReadMessage on cancellation.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return true, err
		}
		switch mt {
		case websocket.BinaryMessage:
			if len(msg) == 1 {
				continue // heartbeat
			}
			ticks, err := ParseBinary(msg)
			if err != nil {
				log.Printf("[ticker] bad frame (%d bytes): %v", len(msg), err)
				continue
			}
			if t.OnTick != nil {
				for _, tk := range ticks {
					t.OnTick(tk)
				}
			}
		case websocket.TextMessage:
			var m struct {
				Type string          `json:"type"`
				Data json.RawMessage `json:"data"`
			}
			if json.Unmarshal(msg, &m) == nil && m.Type == "error" {
				log.Printf("[ticker] server error: %s", string(m.Data))
			}
		}
	}
}

func (t *Ticker) sendSubscription(conn *websocket.Conn, tokens []uint32) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := conn.WriteJSON(map[string]any{"a": "subscribe", "v": tokens}); err != nil {
		return err
	}
	return conn.WriteJSON(map[string]any{"a": "mode", "v": []any{ModeLTP, tokens}})
}

// ErrShortFrame is returned for truncated binary frames.
var ErrShortFrame = errors.New("short frame")

// ParseBinary splits a binary frame into packets and decodes the token and
// last price of each. Prices arrive in paise.
func ParseBinary(frame []byte) ([]Tick, error) {
	if len(frame) < 2 {
		return nil, ErrShortFrame
	}
	n := int(binary.BigEndian.Uint16(frame[0:2]))
	ticks := make([]Tick, 0, n)
	off := 2
	for i := 0; i < n; i++ {
		if off+2 > len(frame) {
			return ticks, ErrShortFrame
		}
		size := int(binary.BigEndian.Uint16(frame[off : off+2]))
		off += 2
		if off+size > len(frame) {
			return ticks, ErrShortFrame
		}
		pkt := frame[off : off+size]
		off += size
		if size < ltpPacketLen {
			continue
		}
		ticks = append(ticks, Tick{
			InstrumentToken: binary.BigEndian.Uint32(pkt[0:4]),
			LastPrice:       float64(int32(binary.BigEndian.Uint32(pkt[4:8]))) / 100,
		})
	}
	return ticks, nil
}

// EncodeLTPFrame builds a binary frame of LTP packets, the inverse of
// ParseBinary. Prices are in paise.
func EncodeLTPFrame(prices map[uint32]int32) []byte {
	frame := make([]byte, 2, 2+len(prices)*(2+ltpPacketLen))
	binary.BigEndian.PutUint16(frame, uint16(len(prices)))
	for token, paise := range prices {
		var pkt [2 + ltpPacketLen]byte
		binary.BigEndian.PutUint16(pkt[0:2], ltpPacketLen)
		binary.BigEndian.PutUint32(pkt[2:6], token)
		binary.BigEndian.PutUint32(pkt[6:10], uint32(paise))
		frame = append(frame, pkt[:]...)
	}
	return frame
}
