// Package notification delivers operational alerts (login failures, bridge
// crashes, shutdown) to Telegram, webhooks or the log.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"
)

// AlertLevel represents the severity of an alert.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// Event names what happened; webhook consumers route on it.
type Event string

const (
	EventLoginFailed   Event = "login_failed"
	EventCatalogFailed Event = "catalog_refresh_failed"
	EventLaunchFailed  Event = "bridge_launch_failed"
	EventBridgeExited  Event = "bridge_exited"
	EventStopped       Event = "botmanager_stopped"
)

// Alert is one operational event. StrategyTag and Port are set when the
// alert concerns a single bridge.
type Alert struct {
	Level       AlertLevel
	Event       Event
	Title       string
	Message     string
	Service     string // emitting binary, e.g. "botmanager"
	StrategyTag string
	Port        int
	Time        time.Time
}

// Context renders the service/bridge the alert is about, e.g.
// "botmanager, bridge nifty_100 on port 8001".
func (a Alert) Context() string {
	var parts []string
	if a.Service != "" {
		parts = append(parts, a.Service)
	}
	if a.StrategyTag != "" {
		b := "bridge " + a.StrategyTag
		if a.Port > 0 {
			b += fmt.Sprintf(" on port %d", a.Port)
		}
		parts = append(parts, b)
	}
	return strings.Join(parts, ", ")
}

// LoginFailed reports that no Kite session could be obtained; no bridge starts.
func LoginFailed(err error) Alert {
	return Alert{Level: AlertCritical, Event: EventLoginFailed, Title: "Kite login failed", Message: err.Error()}
}

// CatalogRefreshFailed reports a failed instrument sync. Bridges keep the
// previous catalog.
func CatalogRefreshFailed(err error) Alert {
	return Alert{Level: AlertWarning, Event: EventCatalogFailed, Title: "Catalog refresh failed",
		Message: err.Error() + " (bridges serve the previous catalog)"}
}

// LaunchFailed reports a bridge process that could not be started.
func LaunchFailed(tag string, port int, err error) Alert {
	return Alert{Level: AlertCritical, Event: EventLaunchFailed, Title: "Bridge launch failed",
		Message: err.Error(), StrategyTag: tag, Port: port}
}

// BridgeExited reports a bridge that stopped on its own. err is the process
// exit error, nil for a clean exit.
func BridgeExited(tag string, port int, err error) Alert {
	msg := "exited cleanly"
	if err != nil {
		msg = "exited: " + err.Error()
	}
	return Alert{Level: AlertWarning, Event: EventBridgeExited, Title: "Bridge exited",
		Message: msg, StrategyTag: tag, Port: port}
}

// Stopped reports an orderly shutdown of n bridges.
func Stopped(n int) Alert {
	return Alert{Level: AlertInfo, Event: EventStopped, Title: "Bot manager stopped",
		Message: fmt.Sprintf("%d bridges terminated, session cleared", n)}
}

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Send delivers an alert. Returns error if delivery fails.
	Send(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the process log.
type LogNotifier struct{}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier() *LogNotifier {
	return &LogNotifier{}
}

func (n *LogNotifier) Send(ctx context.Context, alert Alert) error {
	if c := alert.Context(); c != "" {
		log.Printf("[notify] [%s] %s (%s): %s", alert.Level, alert.Title, c, alert.Message)
		return nil
	}
	log.Printf("[notify] [%s] %s: %s", alert.Level, alert.Title, alert.Message)
	return nil
}

// Multi fans an alert out to every notifier. Delivery continues past
// failures; the joined error reports all of them.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		if err := n.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Config selects the backends built by New.
type Config struct {
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string
}

// New returns a notifier that always logs and additionally delivers to every
// configured backend.
func New(cfg Config) Notifier {
	m := Multi{NewLogNotifier()}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != "" {
		m = append(m, NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID))
	}
	if cfg.WebhookURL != "" {
		m = append(m, NewWebhookNotifier(cfg.WebhookURL))
	}
	return m
}
