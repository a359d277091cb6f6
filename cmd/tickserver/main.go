// Command tickserver is a staging stand-in for the Kite ticker websocket.
// Speaks enough of the Kite streaming protocol for bridges running with
// STAGING_MODE=true and KITE_TICKER_URL=ws://localhost:9001/ :
//
//	client → {"a":"subscribe","v":[408065,...]}   {"a":"unsubscribe","v":[...]}
//	server → binary LTP frames (token + last price in paise), 1-byte heartbeats
//
// Config (env vars):
//
//	TICK_SERVER_ADDR  listen address  (default: ":9001")
//	TICK_TOKENS       comma-separated TOKEN[:PRICE_INR] seeds (default: "408065:1500,2953217:3900")
//	TICK_INTERVAL_MS  broadcast interval milliseconds (default: "500")
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"kitebridge/pkg/kiteconnect"
)

const (
	defaultPaise      = 1000_00 // ₹1000.00 for tokens first seen in a subscription
	heartbeatInterval = time.Second
)

// ─── Price simulation ─────────────────────────────────────────────────────────

type market struct {
	mu     sync.Mutex
	prices map[uint32]int32 // paise
}

func newMarket(seed map[uint32]int32) *market {
	m := &market{prices: make(map[uint32]int32, len(seed))}
	for t, p := range seed {
		m.prices[t] = p
	}
	return m
}

// ensure starts simulating tokens not seen before.
func (m *market) ensure(tokens []uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tokens {
		if _, ok := m.prices[t]; !ok {
			m.prices[t] = defaultPaise
		}
	}
}

// step advances every price and returns a snapshot.
func (m *market) step(rng *rand.Rand) map[uint32]int32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[uint32]int32, len(m.prices))
	for t, p := range m.prices {
		p = walkPrice(rng, p)
		m.prices[t] = p
		out[t] = p
	}
	return out
}

// walkPrice applies a tiny random walk (±0.1%) snapped to the 5 paise tick.
func walkPrice(rng *rand.Rand, paise int32) int32 {
	pct := (rng.Float64()*0.2 - 0.1) / 100.0
	next := paise + int32(float64(paise)*pct)
	next -= next % 5
	if next < 5 {
		next = 5
	}
	return next
}

// ─── Hub ──────────────────────────────────────────────────────────────────────

type client struct {
	send chan []byte

	mu     sync.Mutex
	tokens map[uint32]bool
}

func (c *client) set(tokens []uint32, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range tokens {
		if on {
			c.tokens[t] = true
		} else {
			delete(c.tokens, t)
		}
	}
}

// frame encodes the subset of prices this client subscribed to.
func (c *client) frame(prices map[uint32]int32) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := make(map[uint32]int32, len(c.tokens))
	for t := range c.tokens {
		if p, ok := prices[t]; ok {
			sub[t] = p
		}
	}
	if len(sub) == 0 {
		return nil
	}
	return kiteconnect.EncodeLTPFrame(sub)
}

type hub struct {
	mu      sync.RWMutex
	clients map[*client]struct{}
}

func newHub() *hub {
	return &hub{clients: make(map[*client]struct{})}
}

func (h *hub) register() *client {
	c := &client{send: make(chan []byte, 256), tokens: make(map[uint32]bool)}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	return c
}

func (h *hub) unregister(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		close(c.send)
		delete(h.clients, c)
	}
	h.mu.Unlock()
}

// each calls build per client and queues the result if non-nil.
func (h *hub) each(build func(*client) []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		msg := build(c)
		if msg == nil {
			continue
		}
		select {
		case c.send <- msg:
		default: // slow client, drop frame
		}
	}
}

// ─── WebSocket handler ────────────────────────────────────────────────────────

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

type command struct {
	A string          `json:"a"`
	V json.RawMessage `json:"v"`
}

func wsHandler(h *hub, m *market) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("api_key") == "" {
			log.Printf("[tickserver] %s connected without api_key", r.RemoteAddr)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("[tickserver] upgrade error: %v", err)
			return
		}
		log.Printf("[tickserver] client connected: %s", r.RemoteAddr)

		c := h.register()
		done := make(chan struct{})
		go func() {
			defer close(done)
			readCommands(conn, c, m)
		}()

		defer func() {
			h.unregister(c)
			conn.Close()
			<-done
			log.Printf("[tickserver] client disconnected: %s", r.RemoteAddr)
		}()

		// Write pump: frames and heartbeats for this client.
		for {
			select {
			case msg, ok := <-c.send:
				if !ok {
					return
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}
}

// readCommands applies subscribe/unsubscribe messages until the socket closes.
func readCommands(conn *websocket.Conn, c *client, m *market) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var cmd command
		if err := json.Unmarshal(raw, &cmd); err != nil {
			continue
		}
		var tokens []uint32
		switch cmd.A {
		case "subscribe":
			if json.Unmarshal(cmd.V, &tokens) == nil {
				m.ensure(tokens)
				c.set(tokens, true)
				log.Printf("[tickserver] subscribed %v", tokens)
			}
		case "unsubscribe":
			if json.Unmarshal(cmd.V, &tokens) == nil {
				c.set(tokens, false)
			}
		case "mode":
			// only LTP packets are produced
		}
	}
}

// ─── Generators ──────────────────────────────────────────────────────────────

func runGenerator(ctx context.Context, h *hub, m *market, interval time.Duration) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prices := m.step(rng)
			h.each(func(c *client) []byte { return c.frame(prices) })
		}
	}
}

func runHeartbeat(ctx context.Context, h *hub) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.each(func(*client) []byte { return []byte{0} })
		}
	}
}

// ─── main ─────────────────────────────────────────────────────────────────────

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("[tickserver] starting staging tick server...")

	addr := envOrDefault("TICK_SERVER_ADDR", ":9001")
	seed := parseSeeds(envOrDefault("TICK_TOKENS", "408065:1500,2953217:3900"))
	interval := time.Duration(envIntOrDefault("TICK_INTERVAL_MS", 500)) * time.Millisecond
	log.Printf("[tickserver] seeded %d instruments, interval %v", len(seed), interval)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	h := newHub()
	m := newMarket(seed)
	go runGenerator(ctx, h, m, interval)
	go runHeartbeat(ctx, h)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, `{"status":"ok","service":"tickserver"}`)
	})
	mux.HandleFunc("/", wsHandler(h, m))

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	log.Printf("[tickserver] listening on %s (ws://localhost%s/)", addr, addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("[tickserver] server error: %v", err)
	}
	log.Println("[tickserver] stopped")
}

// ─── helpers ──────────────────────────────────────────────────────────────────

// parseSeeds reads "TOKEN[:PRICE_INR],..." into starting prices in paise.
func parseSeeds(s string) map[uint32]int32 {
	out := make(map[uint32]int32)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tokStr, priceStr, _ := strings.Cut(part, ":")
		tok, err := strconv.ParseUint(strings.TrimSpace(tokStr), 10, 32)
		if err != nil {
			log.Printf("[tickserver] skipping invalid token seed: %q", part)
			continue
		}
		paise := int32(defaultPaise)
		if priceStr != "" {
			if inr, err := strconv.ParseFloat(strings.TrimSpace(priceStr), 64); err == nil && inr > 0 {
				paise = int32(inr * 100)
			}
		}
		out[uint32(tok)] = paise
	}
	return out
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envIntOrDefault(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}
