package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestWebhookNotifier_Send(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	a := BridgeExited("nifty_100", 8001, errors.New("exit status 2"))
	a.Service = "botmanager"
	a.Time = time.Date(2024, 6, 20, 4, 0, 0, 0, time.UTC)
	if err := NewWebhookNotifier(srv.URL).Send(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	want := map[string]any{
		"level":        "WARNING",
		"event":        "bridge_exited",
		"title":        "Bridge exited",
		"message":      "exited: exit status 2",
		"service":      "botmanager",
		"strategy_tag": "nifty_100",
		"port":         float64(8001),
		"ts":           "2024-06-20T04:00:00Z",
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("payload[%q] = %v, want %v", k, got[k], v)
		}
	}
}

func TestWebhookNotifier_OmitsBridgeFieldsForFleetAlerts(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	if err := NewWebhookNotifier(srv.URL).Send(context.Background(), LoginFailed(errors.New("bad totp"))); err != nil {
		t.Fatal(err)
	}
	if got["level"] != "CRITICAL" || got["event"] != "login_failed" || got["message"] != "bad totp" {
		t.Errorf("unexpected payload %v", got)
	}
	if _, ok := got["strategy_tag"]; ok {
		t.Errorf("login alert must not carry a strategy tag: %v", got)
	}
	if _, ok := got["port"]; ok {
		t.Errorf("login alert must not carry a port: %v", got)
	}
}

func TestWebhookNotifier_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookNotifier(srv.URL).Send(context.Background(), Stopped(3))
	if err == nil || !strings.Contains(err.Error(), "botmanager_stopped") {
		t.Errorf("expected status error naming the event, got %v", err)
	}
}

func TestTelegramNotifier_Send(t *testing.T) {
	var path, text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		text, _ = body["text"].(string)
	}))
	defer srv.Close()

	n := NewTelegramNotifier("tok", "42")
	n.APIBase = srv.URL
	a := BridgeExited("nifty_100", 8001, errors.New("exit status 1"))
	a.Service = "botmanager"
	if err := n.Send(context.Background(), a); err != nil {
		t.Fatal(err)
	}
	if path != "/bottok/sendMessage" {
		t.Errorf("unexpected path %q", path)
	}
	if !strings.Contains(text, `_botmanager, bridge nifty\_100 on port 8001_`) {
		t.Errorf("bridge context missing or not escaped for MarkdownV2: %q", text)
	}
	if !strings.Contains(text, "exited: exit status 1") {
		t.Errorf("exit reason missing: %q", text)
	}
}

func TestAlertContext(t *testing.T) {
	cases := []struct {
		a    Alert
		want string
	}{
		{Alert{}, ""},
		{Alert{Service: "botmanager"}, "botmanager"},
		{Alert{Service: "botmanager", StrategyTag: "nifty_100"}, "botmanager, bridge nifty_100"},
		{LaunchFailed("nifty_mid_cap_100", 8002, errors.New("no such file")), "bridge nifty_mid_cap_100 on port 8002"},
	}
	for _, c := range cases {
		if got := c.a.Context(); got != c.want {
			t.Errorf("Context(%+v) = %q, want %q", c.a, got, c.want)
		}
	}
}

func TestBridgeExited_CleanExit(t *testing.T) {
	a := BridgeExited("nifty_100", 8001, nil)
	if a.Message != "exited cleanly" || a.Level != AlertWarning {
		t.Errorf("unexpected alert %+v", a)
	}
}

type failing struct{ calls *int }

func (f failing) Send(context.Context, Alert) error {
	*f.calls++
	return errors.New("boom")
}

func TestMulti_ContinuesPastFailures(t *testing.T) {
	calls := 0
	m := Multi{failing{&calls}, NewLogNotifier(), failing{&calls}}
	err := m.Send(context.Background(), Stopped(1))
	if err == nil || calls != 2 {
		t.Errorf("expected both failing backends tried and an error, got calls=%d err=%v", calls, err)
	}
}

func TestNew_SelectsBackends(t *testing.T) {
	if m := New(Config{}).(Multi); len(m) != 1 {
		t.Errorf("expected log-only notifier, got %d backends", len(m))
	}
	m := New(Config{TelegramBotToken: "t", TelegramChatID: "c", WebhookURL: "http://x"}).(Multi)
	if len(m) != 3 {
		t.Errorf("expected 3 backends, got %d", len(m))
	}
}
