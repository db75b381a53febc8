package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all engine settings, loaded from GRID_* environment variables.
// Every field has a working default; Load never fails, Validate does.
type Config struct {
	// Exchange endpoints
	BaseURL   string
	WSBaseURL string
	Testnet   bool

	// Service
	APIServerPort int
	LogLevel      string

	// Symbols to trade, e.g. BTC-USDT,ETH-USDT
	Symbols []string

	// Position sizing
	Leverage        float64
	BasePositionPct float64 // equity fraction per entry
	MaxPositionPct  float64 // aggregate margin ceiling as equity fraction

	// Exits
	StopLossPct   float64
	TakeProfitPct float64

	// Mean reversion signal
	FastMAPeriod       int
	MediumMAPeriod     int
	DeviationThreshold float64

	// EMA trend overlay; weight 0 disables it
	EMAPeriod int
	EMAWeight float64

	// Grid ladder
	GridLevels      int     // levels per side
	GridSpacingPct  float64 // spacing between levels
	GridPositionPct float64 // equity fraction per level

	// Order management
	MaxOpenOrders        int
	OrderRefreshInterval time.Duration

	// Pacing
	CallInterval     time.Duration // min spacing between exchange calls
	TickInterval     time.Duration // symbol walk cadence
	MinTradeInterval time.Duration // per-symbol floor between entries
	MaxTradeInterval time.Duration // per-symbol ceiling before forced resync

	// Background loops
	ReportInterval         time.Duration
	AccountRefreshInterval time.Duration

	// Safety
	DailyLossLimitPct    float64
	MinBalanceMultiplier float64

	// Price window ring capacity
	WindowCapacity int
}

// Load reads configuration from the environment, applying defaults for
// anything unset. Call godotenv.Load before this in main.
func Load() *Config {
	cfg := &Config{
		BaseURL:                getEnvStr("GRID_BASE_URL", "https://pro.edgex.exchange"),
		WSBaseURL:              getEnvStr("GRID_WS_BASE_URL", "wss://quote.edgex.exchange"),
		Testnet:                getEnvBool("GRID_TESTNET", false),
		APIServerPort:          getEnvInt("GRID_API_PORT", 8080),
		LogLevel:               getEnvStr("GRID_LOG_LEVEL", "info"),
		Symbols:                getEnvList("GRID_SYMBOLS", []string{"BTC-USDT", "ETH-USDT"}),
		Leverage:               getEnvFloat("GRID_LEVERAGE", 10),
		BasePositionPct:        getEnvFloat("GRID_BASE_POSITION_PCT", 0.05),
		MaxPositionPct:         getEnvFloat("GRID_MAX_POSITION_PCT", 0.50),
		StopLossPct:            getEnvFloat("GRID_STOP_LOSS_PCT", 0.004),
		TakeProfitPct:          getEnvFloat("GRID_TAKE_PROFIT_PCT", 0.004),
		FastMAPeriod:           getEnvInt("GRID_FAST_MA_PERIOD", 1),
		MediumMAPeriod:         getEnvInt("GRID_MEDIUM_MA_PERIOD", 5),
		DeviationThreshold:     getEnvFloat("GRID_DEVIATION_THRESHOLD", 0.002),
		EMAPeriod:              getEnvInt("GRID_EMA_PERIOD", 21),
		EMAWeight:              getEnvFloat("GRID_EMA_WEIGHT", 0),
		GridLevels:             getEnvInt("GRID_LEVELS", 3),
		GridSpacingPct:         getEnvFloat("GRID_SPACING_PCT", 0.0005),
		GridPositionPct:        getEnvFloat("GRID_POSITION_PCT", 0.08),
		MaxOpenOrders:          getEnvInt("GRID_MAX_OPEN_ORDERS", 50),
		OrderRefreshInterval:   getEnvDuration("GRID_ORDER_REFRESH_INTERVAL", 20*time.Second),
		CallInterval:           getEnvDuration("GRID_CALL_INTERVAL", 1300*time.Millisecond),
		TickInterval:           getEnvDuration("GRID_TICK_INTERVAL", 5*time.Second),
		MinTradeInterval:       getEnvDuration("GRID_MIN_TRADE_INTERVAL", 5*time.Second),
		MaxTradeInterval:       getEnvDuration("GRID_MAX_TRADE_INTERVAL", 60*time.Second),
		ReportInterval:         getEnvDuration("GRID_REPORT_INTERVAL", 5*time.Minute),
		AccountRefreshInterval: getEnvDuration("GRID_ACCOUNT_REFRESH_INTERVAL", 60*time.Second),
		DailyLossLimitPct:      getEnvFloat("GRID_DAILY_LOSS_LIMIT_PCT", 0.05),
		MinBalanceMultiplier:   getEnvFloat("GRID_MIN_BALANCE_MULTIPLIER", 2),
		WindowCapacity:         getEnvInt("GRID_WINDOW_CAPACITY", 1000),
	}

	if cfg.Testnet {
		cfg.BaseURL = getEnvStr("GRID_BASE_URL", "https://testnet.edgex.exchange")
		cfg.WSBaseURL = getEnvStr("GRID_WS_BASE_URL", "wss://quote-testnet.edgex.exchange")
	}

	return cfg
}

// Validate checks the whole config and reports every problem at once,
// so an operator fixes one restart instead of five.
func (c *Config) Validate() error {
	var problems []string

	if len(c.Symbols) == 0 {
		problems = append(problems, "GRID_SYMBOLS must list at least one symbol")
	}
	for _, s := range c.Symbols {
		if strings.TrimSpace(s) == "" {
			problems = append(problems, "GRID_SYMBOLS contains an empty entry")
			break
		}
	}
	if c.Leverage <= 0 {
		problems = append(problems, "GRID_LEVERAGE must be positive")
	}
	if c.BasePositionPct <= 0 || c.BasePositionPct > 1 {
		problems = append(problems, "GRID_BASE_POSITION_PCT must be in (0, 1]")
	}
	if c.MaxPositionPct <= 0 || c.MaxPositionPct > 1 {
		problems = append(problems, "GRID_MAX_POSITION_PCT must be in (0, 1]")
	}
	if c.BasePositionPct > c.MaxPositionPct {
		problems = append(problems, "GRID_BASE_POSITION_PCT cannot exceed GRID_MAX_POSITION_PCT")
	}
	if c.StopLossPct <= 0 {
		problems = append(problems, "GRID_STOP_LOSS_PCT must be positive")
	}
	if c.TakeProfitPct <= 0 {
		problems = append(problems, "GRID_TAKE_PROFIT_PCT must be positive")
	}
	if c.FastMAPeriod <= 0 || c.MediumMAPeriod <= 0 {
		problems = append(problems, "MA periods must be positive")
	}
	if c.FastMAPeriod > c.MediumMAPeriod {
		problems = append(problems, "GRID_FAST_MA_PERIOD cannot exceed GRID_MEDIUM_MA_PERIOD")
	}
	if c.DeviationThreshold <= 0 {
		problems = append(problems, "GRID_DEVIATION_THRESHOLD must be positive")
	}
	if c.EMAWeight < 0 || c.EMAWeight > 1 {
		problems = append(problems, "GRID_EMA_WEIGHT must be in [0, 1]")
	}
	if c.EMAWeight > 0 && c.EMAPeriod <= 0 {
		problems = append(problems, "GRID_EMA_PERIOD must be positive when GRID_EMA_WEIGHT is set")
	}
	if c.GridLevels <= 0 {
		problems = append(problems, "GRID_LEVELS must be positive")
	}
	if c.GridSpacingPct <= 0 {
		problems = append(problems, "GRID_SPACING_PCT must be positive")
	}
	if c.GridPositionPct <= 0 || c.GridPositionPct > 1 {
		problems = append(problems, "GRID_POSITION_PCT must be in (0, 1]")
	}
	if c.MaxOpenOrders <= 0 {
		problems = append(problems, "GRID_MAX_OPEN_ORDERS must be positive")
	}
	if c.MaxOpenOrders < c.GridLevels*2 {
		problems = append(problems, "GRID_MAX_OPEN_ORDERS must cover a full ladder (2x GRID_LEVELS)")
	}
	if c.CallInterval <= 0 {
		problems = append(problems, "GRID_CALL_INTERVAL must be positive")
	}
	if c.TickInterval <= 0 {
		problems = append(problems, "GRID_TICK_INTERVAL must be positive")
	}
	if c.MinTradeInterval > c.MaxTradeInterval {
		problems = append(problems, "GRID_MIN_TRADE_INTERVAL cannot exceed GRID_MAX_TRADE_INTERVAL")
	}
	if c.DailyLossLimitPct <= 0 || c.DailyLossLimitPct > 1 {
		problems = append(problems, "GRID_DAILY_LOSS_LIMIT_PCT must be in (0, 1]")
	}
	if c.MinBalanceMultiplier < 1 {
		problems = append(problems, "GRID_MIN_BALANCE_MULTIPLIER must be at least 1")
	}
	if c.WindowCapacity < c.MediumMAPeriod {
		problems = append(problems, "GRID_WINDOW_CAPACITY must cover the longest MA period")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// ============================================================================
// Env helpers
// ============================================================================

func getEnvStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getEnvList(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		return strings.ToLower(strings.TrimSpace(v)) == "true"
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f
		}
	}
	return def
}

// getEnvDuration accepts Go duration strings ("1.3s", "500ms") or bare
// seconds ("20").
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second))
	}
	return def
}
