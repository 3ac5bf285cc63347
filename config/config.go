// Package config loads process configuration from environment variables.
// Every service reads the same Config; unused fields cost nothing.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"tradecore/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Store
	StoreAddr     string
	StorePassword string
	StoreDB       int

	// Clock: "auto", "live" or "historical"
	ClockMode string

	// Collector: "broker", "replay" or "mock"
	CollectorProvider string
	// Historical replay
	HistoricalSource string  // CSV path or "kite"
	HistoricalSpeed  float64 // 0 = instant
	HistoricalFrom   string  // YYYY-MM-DD
	HistoricalTo     string  // YYYY-MM-DD, default today

	// Kite credentials (broker provider and kite historical source)
	KiteAPIKey     string
	KiteAPISecret  string
	KiteUserID     string
	KitePassword   string
	KiteTOTPSecret string

	// Instruments: comma-separated SYMBOL:TOKEN:KIND entries,
	// e.g. "BANKNIFTY25AUGFUT:13568258:future,NIFTY 50:256265:index"
	Instruments string

	// Timeframes: comma-separated, e.g. "1m,5m,15m"
	Timeframes string

	// Indicator engine
	IndicatorWindow int
	PrevTTLSeconds  int

	// Gateway
	GatewayAddr        string
	GatewayMaxChannels int
	GatewayMaxWild     int
	GatewayMaxMsgs     int
	GatewayRequireAuth bool
	GatewayDefaultRole string
	GatewayJWTSecret   string

	// Executor
	JournalPath string
	SlippageBps float64

	// Notifications (empty disables a backend)
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string

	// Operational HTTP (/health, /metrics)
	HealthAddr string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		StoreAddr:     getEnv("STORE_ADDR", "localhost:6379"),
		StorePassword: getEnv("STORE_PASSWORD", ""),
		StoreDB:       getEnvInt("STORE_DB", 0),

		ClockMode: getEnv("CLOCK_MODE", "auto"),

		CollectorProvider: getEnv("COLLECTOR_PROVIDER", "mock"),
		HistoricalSource:  getEnv("HISTORICAL_SOURCE", ""),
		HistoricalSpeed:   getEnvFloat("HISTORICAL_SPEED", 0),
		HistoricalFrom:    getEnv("HISTORICAL_FROM", ""),
		HistoricalTo:      getEnv("HISTORICAL_TO", ""),

		KiteAPIKey:     getEnv("KITE_API_KEY", ""),
		KiteAPISecret:  getEnv("KITE_API_SECRET", ""),
		KiteUserID:     getEnv("KITE_USER_ID", ""),
		KitePassword:   getEnv("KITE_PASSWORD", ""),
		KiteTOTPSecret: getEnv("KITE_TOTP_SECRET", ""),

		Instruments: getEnv("INSTRUMENTS", "BANKNIFTY:260105:index,NIFTY 50:256265:index,BTCINR:0:spot"),
		Timeframes:  getEnv("TIMEFRAMES", "1m,5m,15m"),

		IndicatorWindow: getEnvInt("INDICATOR_WINDOW", 200),
		PrevTTLSeconds:  getEnvInt("INDICATOR_PREV_TTL_SECONDS", 14400),

		GatewayAddr:        getEnv("GATEWAY_ADDR", ":8080"),
		GatewayMaxChannels: getEnvInt("GATEWAY_MAX_CHANNELS", 50),
		GatewayMaxWild:     getEnvInt("GATEWAY_MAX_WILDCARDS", 5),
		GatewayMaxMsgs:     getEnvInt("GATEWAY_MAX_MSGS_PER_SEC", 1000),
		GatewayRequireAuth: getEnvBool("GATEWAY_REQUIRE_AUTH", false),
		GatewayDefaultRole: getEnv("GATEWAY_DEFAULT_ROLE", "user"),
		GatewayJWTSecret:   getEnv("GATEWAY_JWT_SECRET", ""),

		JournalPath: getEnv("JOURNAL_PATH", "data/journal.db"),
		SlippageBps: getEnvFloat("SLIPPAGE_BPS", 5),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),

		HealthAddr: getEnv("HEALTH_ADDR", ":9090"),
	}
}

// ParseInstruments decodes the Instruments string. Invalid entries are
// skipped with a warning so one typo cannot take the whole feed down.
func (c *Config) ParseInstruments() []model.Instrument {
	var out []model.Instrument
	for _, part := range strings.Split(c.Instruments, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		seg := strings.Split(part, ":")
		if len(seg) < 3 {
			log.Printf("[config] skipping invalid instrument spec %q", part)
			continue
		}
		token, err := strconv.ParseUint(seg[1], 10, 32)
		if err != nil {
			log.Printf("[config] skipping instrument %q: bad token", part)
			continue
		}
		kind := model.InstrumentKind(seg[2])
		switch kind {
		case model.KindIndex, model.KindFuture, model.KindOption, model.KindSpot:
		default:
			log.Printf("[config] skipping instrument %q: unknown kind %q", part, seg[2])
			continue
		}
		out = append(out, model.Instrument{Symbol: seg[0], Token: uint32(token), Kind: kind})
	}
	return out
}

// ParseTimeframes decodes the Timeframes string.
func (c *Config) ParseTimeframes() []model.Timeframe {
	var out []model.Timeframe
	for _, part := range strings.Split(c.Timeframes, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tf, err := model.ParseTimeframe(part)
		if err != nil {
			log.Printf("[config] skipping invalid timeframe %q", part)
			continue
		}
		out = append(out, tf)
	}
	return out
}

// PrevTTL returns the previous-indicator cache TTL.
func (c *Config) PrevTTL() time.Duration {
	return time.Duration(c.PrevTTLSeconds) * time.Second
}

// MustEnv returns a required variable or exits.
func MustEnv(key string) string {
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

func getEnvInt(key string, fallback int) int {
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

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		log.Printf("[config] invalid %s=%q, using %g", key, v, fallback)
		return fallback
	}
	return f
}

func getEnvBool(key string, fallback bool) bool {
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
