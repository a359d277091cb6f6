package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"kitebridge/internal/markethours"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Kite Connect credentials
	KiteAPIKey       string
	KiteAPISecret    string
	KiteUserID       string
	KitePassword     string
	KiteTOTPSecret   string
	KiteRequestToken string

	// Kite endpoints
	KiteRootURL    string
	KiteLoginURL   string
	KiteConnectURL string
	KiteTickerURL  string
	KiteTimeout    time.Duration

	// Instance
	StrategyTag   string
	Port          int
	DryRun        bool
	StagingMode   bool
	TickerEnabled bool
	LogLevel      string

	// Storage
	StrategyDir   string
	CatalogDBPath string
	HistoryDBPath string
	JournalDBPath string

	// Catalog
	CatalogExchange       string
	CatalogInstrumentType string
	CatalogAnchorWeekday  string

	// Session
	SessionFile          string
	SessionStore         string // "file" or "redis"
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	RedisSessionKey      string
	SessionCutover       string
	SessionRetryAttempts int

	// Historical data
	HistoryRequestDelay  time.Duration
	HistoryRetryAttempts int
	HistoryLookbackDays  int

	// Orders
	OrderProduct string

	// Orchestrator
	BotsFile      string
	BridgeBin     string
	ShutdownGrace time.Duration
	MetricsAddr   string

	// Alerts
	TelegramBotToken string
	TelegramChatID   string
	AlertWebhookURL  string

	// Extra exchange holidays, comma-separated YYYY-MM-DD
	MarketHolidays string
}

// Load reads an optional .env file and then the environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] .env not loaded: %v", err)
	}
	return &Config{
		KiteAPIKey:       mustEnv("KITE_API_KEY"),
		KiteAPISecret:    mustEnv("KITE_API_SECRET"),
		KiteUserID:       getEnv("KITE_USER_ID", ""),
		KitePassword:     getEnv("KITE_PASSWORD", ""),
		KiteTOTPSecret:   getEnv("KITE_TOTP_KEY", ""),
		KiteRequestToken: getEnv("KITE_REQUEST_TOKEN", ""),

		KiteRootURL:    getEnv("KITE_ROOT_URL", "https://api.kite.trade"),
		KiteLoginURL:   getEnv("KITE_LOGIN_URL", "https://kite.zerodha.com"),
		KiteConnectURL: getEnv("KITE_CONNECT_URL", "https://kite.trade/connect/login"),
		KiteTickerURL:  getEnv("KITE_TICKER_URL", "wss://ws.kite.trade"),
		KiteTimeout:    getDuration("KITE_TIMEOUT", 7*time.Second),

		StrategyTag:   getEnv("STRATEGY_TAG", ""),
		Port:          getInt("PORT", 8001),
		DryRun:        getBool("BRIDGE_DRY_RUN", true),
		StagingMode:   getBool("STAGING_MODE", false),
		TickerEnabled: getBool("TICKER_ENABLED", false),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		StrategyDir:   getEnv("STRATEGY_DIR", "strategies"),
		CatalogDBPath: getEnv("CATALOG_DB_PATH", "data/master_stocks.db"),
		HistoryDBPath: getEnv("HISTORY_DB_PATH", "data/historical_data.db"),
		JournalDBPath: getEnv("JOURNAL_DB_PATH", "data/trade_journal.db"),

		CatalogExchange:       getEnv("CATALOG_EXCHANGE", "NSE"),
		CatalogInstrumentType: getEnv("CATALOG_INSTRUMENT_TYPE", "EQ"),
		CatalogAnchorWeekday:  getEnv("CATALOG_ANCHOR_WEEKDAY", "thursday"),

		SessionFile:          getEnv("SESSION_FILE", "session_cache.json"),
		SessionStore:         strings.ToLower(getEnv("SESSION_STORE", "file")),
		RedisAddr:            getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:        getEnv("REDIS_PASSWORD", ""),
		RedisDB:              getInt("REDIS_DB", 0),
		RedisSessionKey:      getEnv("REDIS_SESSION_KEY", "kitebridge:session"),
		SessionCutover:       getEnv("SESSION_CUTOVER", "06:00"),
		SessionRetryAttempts: getInt("SESSION_RETRY_ATTEMPTS", 3),

		HistoryRequestDelay:  getDuration("HISTORY_REQUEST_DELAY", 500*time.Millisecond),
		HistoryRetryAttempts: getInt("HISTORY_RETRY_ATTEMPTS", 3),
		HistoryLookbackDays:  getInt("HISTORY_LOOKBACK_DAYS", 30),

		OrderProduct: getEnv("ORDER_PRODUCT", "MIS"),

		BotsFile:      getEnv("BOTS_FILE", "bots.yaml"),
		BridgeBin:     getEnv("BRIDGE_BIN", ""),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		AlertWebhookURL:  getEnv("ALERT_WEBHOOK_URL", ""),

		MarketHolidays: getEnv("MARKET_HOLIDAYS", ""),
	}
}

// Cutover parses SessionCutover, falling back to 06:00 on bad input.
func (c *Config) Cutover() markethours.Clock {
	clk, err := markethours.ParseClock(c.SessionCutover)
	if err != nil {
		log.Printf("[config] invalid SESSION_CUTOVER %q, using %s", c.SessionCutover, markethours.DefaultCutover)
		return markethours.DefaultCutover
	}
	return clk
}

// AnchorWeekday parses CatalogAnchorWeekday, falling back to Thursday.
func (c *Config) AnchorWeekday() time.Weekday {
	wd, err := markethours.ParseWeekday(c.CatalogAnchorWeekday)
	if err != nil {
		log.Printf("[config] invalid CATALOG_ANCHOR_WEEKDAY %q, using thursday", c.CatalogAnchorWeekday)
		return time.Thursday
	}
	return wd
}

// Holidays splits MarketHolidays into dates.
func (c *Config) Holidays() []string {
	var out []string
	for _, p := range strings.Split(c.MarketHolidays, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Bot is one bridge instance managed by the orchestrator.
type Bot struct {
	StrategyTag string `yaml:"strategy_tag"`
	Port        int    `yaml:"port"`
}

// DefaultBots is used when no bots file exists.
var DefaultBots = []Bot{
	{StrategyTag: "nifty_100", Port: 8001},
	{StrategyTag: "nifty_mid_cap_100", Port: 8002},
	{StrategyTag: "nifty_small_cap_100", Port: 8003},
}

// LoadBots reads the orchestrator's bot list from a YAML file of the form
//
//	bots:
//	  - strategy_tag: nifty_100
//	    port: 8001
func LoadBots(path string) ([]Bot, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("[config] %s not found, using default bots", path)
		return append([]Bot(nil), DefaultBots...), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read bots file: %w", err)
	}

	var doc struct {
		Bots []Bot `yaml:"bots"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse bots file: %w", err)
	}

	seenTag := make(map[string]bool)
	seenPort := make(map[int]bool)
	for i, b := range doc.Bots {
		if b.StrategyTag == "" || b.Port <= 0 {
			return nil, fmt.Errorf("bot %d: strategy_tag and port are required", i)
		}
		if seenTag[b.StrategyTag] {
			return nil, fmt.Errorf("duplicate strategy_tag %q", b.StrategyTag)
		}
		if seenPort[b.Port] {
			return nil, fmt.Errorf("duplicate port %d", b.Port)
		}
		seenTag[b.StrategyTag] = true
		seenPort[b.Port] = true
	}
	if len(doc.Bots) == 0 {
		return nil, fmt.Errorf("bots file %s lists no bots", path)
	}
	return doc.Bots, nil
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %d", key, v, fallback)
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %v", key, v, fallback)
		return fallback
	}
	return b
}

// getDuration accepts Go durations ("500ms") or a bare number of seconds.
func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(f * float64(time.Second))
	}
	log.Printf("[config] invalid %s=%q, using %s", key, v, fallback)
	return fallback
}
