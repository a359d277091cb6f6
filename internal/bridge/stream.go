package bridge

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"kitebridge/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// TickStream fans live ticks out to websocket clients on /ws/ticks.
//
// Clients may filter with ?symbols=INFY/INR,TCS or by sending
//
//	{"type":"SUBSCRIBE","symbols":["INFY/INR"]}
//	{"type":"UNSUBSCRIBE","symbols":["INFY/INR"]}
//
// An empty filter receives every instrument.
type TickStream struct {
	cache  *TickCache
	pairOf func(token int64) (string, bool)

	mu      sync.RWMutex
	clients map[*streamClient]struct{}
	seq     int64
}

type tickEnvelope struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	Token     int64   `json:"instrument_token"`
	Last      float64 `json:"last"`
	Timestamp int64   `json:"timestamp"`
	Seq       int64   `json:"seq"`
	Initial   bool    `json:"initial,omitempty"`
}

// NewTickStream returns an empty stream. pairOf maps tokens to pairs; ticks
// for unknown tokens are dropped.
func NewTickStream(cache *TickCache, pairOf func(int64) (string, bool)) *TickStream {
	return &TickStream{cache: cache, pairOf: pairOf, clients: make(map[*streamClient]struct{})}
}

// Clients returns the number of connected clients.
func (ts *TickStream) Clients() int {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return len(ts.clients)
}

// Publish sends t to every client subscribed to its pair. Slow clients drop
// ticks rather than block the feed.
func (ts *TickStream) Publish(t model.Tick) {
	pair, ok := ts.pairOf(t.Token)
	if !ok {
		return
	}
	ts.mu.Lock()
	ts.seq++
	seq := ts.seq
	ts.mu.Unlock()

	msg, err := json.Marshal(tickEnvelope{
		Type: "tick", Symbol: pair, Token: t.Token, Last: t.LastPrice,
		Timestamp: t.ReceivedAt.UnixMilli(), Seq: seq,
	})
	if err != nil {
		return
	}

	ts.mu.RLock()
	defer ts.mu.RUnlock()
	for c := range ts.clients {
		if !c.wants(pair) {
			continue
		}
		select {
		case c.send <- msg:
		default:
		}
	}
}

// ServeWS upgrades the request and streams ticks until the peer goes away.
func (ts *TickStream) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[stream] ws upgrade error: %v", err)
		return
	}
	c := &streamClient{conn: conn, send: make(chan []byte, 256), symbols: make(map[string]bool)}
	c.subscribe(splitSymbols(r.URL.Query().Get("symbols")), true)

	ts.mu.Lock()
	ts.clients[c] = struct{}{}
	ts.mu.Unlock()
	log.Printf("[stream] ws client connected: %s", r.RemoteAddr)

	ts.sendInitialState(c)
	go c.writePump()
	c.readPump()

	ts.mu.Lock()
	delete(ts.clients, c)
	close(c.send)
	ts.mu.Unlock()
	log.Printf("[stream] ws client disconnected: %s", r.RemoteAddr)
}

// sendInitialState queues the latest cached tick of every wanted pair.
func (ts *TickStream) sendInitialState(c *streamClient) {
	for _, t := range ts.cache.All() {
		pair, ok := ts.pairOf(t.Token)
		if !ok || !c.wants(pair) {
			continue
		}
		msg, _ := json.Marshal(tickEnvelope{
			Type: "tick", Symbol: pair, Token: t.Token, Last: t.LastPrice,
			Timestamp: t.ReceivedAt.UnixMilli(), Initial: true,
		})
		select {
		case c.send <- msg:
		default:
		}
	}
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte

	subMu   sync.RWMutex
	symbols map[string]bool
}

func (c *streamClient) wants(pair string) bool {
	c.subMu.RLock()
	defer c.subMu.RUnlock()
	return len(c.symbols) == 0 || c.symbols[pair]
}

func (c *streamClient) subscribe(symbols []string, on bool) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for _, s := range symbols {
		pair := model.PairFor(model.BaseSymbol(strings.ToUpper(s)))
		if on {
			c.symbols[pair] = true
		} else {
			delete(c.symbols, pair)
		}
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *streamClient) readPump() {
	defer c.conn.Close()

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg struct {
			Type    string   `json:"type"`
			Symbols []string `json:"symbols"`
			Ping    int64    `json:"ping"`
		}
		if json.Unmarshal(raw, &msg) != nil {
			continue
		}
		switch msg.Type {
		case "SUBSCRIBE":
			c.subscribe(msg.Symbols, true)
		case "UNSUBSCRIBE":
			c.subscribe(msg.Symbols, false)
		default:
			if msg.Ping > 0 {
				pong, _ := json.Marshal(map[string]any{
					"type": "pong", "ping": msg.Ping, "server_ts": time.Now().UnixMilli(),
				})
				select {
				case c.send <- pong:
				default:
				}
			}
		}
	}
}

func splitSymbols(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
