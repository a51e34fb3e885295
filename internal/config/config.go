package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"MarketPulse/internal/model"
)

// minDailyBars is the history the MA50 cross needs: 50 closes plus the
// previous bar.
const minDailyBars = 51

// Config holds all application configuration.
type Config struct {
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
		Output string `yaml:"output"`
		MaxAge int    `yaml:"max_age"`
	} `yaml:"log"`
	Telegram struct {
		BotToken   string            `yaml:"bot_token"`
		ChatID     string            `yaml:"chat_id"`
		Recipients map[string]string `yaml:"recipients"` // alert user_id -> chat id
	} `yaml:"telegram"`
	DataSource struct {
		Provider       string        `yaml:"provider"` // yahoo, rest, ssi, alpaca, mock
		BaseURL        string        `yaml:"base_url"`
		APIKey         string        `yaml:"api_key"`
		APISecret      string        `yaml:"api_secret"`
		SymbolSuffix   string        `yaml:"symbol_suffix"` // exchange suffix for yahoo, e.g. ".VN"
		IntradayLimit  int           `yaml:"intraday_limit"`
		DailyLimit     int           `yaml:"daily_limit"`
		DailyRefresh   time.Duration `yaml:"daily_refresh"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"data_source"`
	Polling struct {
		DefaultInterval   time.Duration `yaml:"default_interval"`
		WatchlistInterval time.Duration `yaml:"watchlist_interval"`
		HotInterval       time.Duration `yaml:"hot_interval"`
		RequestDelay      time.Duration `yaml:"request_delay"`
		DefaultSymbols    []string      `yaml:"default_symbols"`
		WatchlistSymbols  []string      `yaml:"watchlist_symbols"`
		HotSymbols        []string      `yaml:"hot_symbols"`
	} `yaml:"polling"`
	State struct {
		IntradayWindow int           `yaml:"intraday_window"`
		DailyWindow    int           `yaml:"daily_window"`
		StaleAfter     time.Duration `yaml:"stale_after"`
	} `yaml:"state"`
	Insight struct {
		DedupWindow time.Duration `yaml:"dedup_window"`
		AuditLog    string        `yaml:"audit_log"`
	} `yaml:"insight"`
	Alert struct {
		Warmup          time.Duration     `yaml:"warmup"`
		CooldownDefault time.Duration     `yaml:"cooldown_default"`
		CooldownHigh    time.Duration     `yaml:"cooldown_high"`
		MaxPerUserDay   int               `yaml:"max_per_user_per_day"`
		HistorySize     int               `yaml:"history_size"`
		Locale          string            `yaml:"locale"`
		CooldownStore   string            `yaml:"cooldown_store"` // file or redis
		CooldownFile    string            `yaml:"cooldown_file"`
		FlushInterval   time.Duration     `yaml:"flush_interval"`
		Source          string            `yaml:"source"` // static or postgres
		Static          []model.UserAlert `yaml:"alerts"`
	} `yaml:"alert"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		Key      string `yaml:"key"`
	} `yaml:"redis"`
	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`
	Database struct {
		SQLitePath string `yaml:"sqlite_path"`
	} `yaml:"database"`
	Monitor struct {
		Window time.Duration `yaml:"window"`
	} `yaml:"monitor"`
	HTTP struct {
		Addr string `yaml:"addr"`
		Mode string `yaml:"mode"`
	} `yaml:"http"`
	Proxy string `yaml:"proxy"`
}

// LoadEnv reads KEY=VALUE pairs from the given files (default ".env") into
// the process environment. Missing files are ignored.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); os.IsNotExist(err) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// Load reads config from a YAML file, then applies environment variable overrides.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"TELEGRAM_BOT_TOKEN":  &c.Telegram.BotToken,
		"TELEGRAM_CHAT_ID":    &c.Telegram.ChatID,
		"DATA_PROVIDER":       &c.DataSource.Provider,
		"DATA_BASE_URL":       &c.DataSource.BaseURL,
		"DATA_API_KEY":        &c.DataSource.APIKey,
		"DATA_API_SECRET":     &c.DataSource.APISecret,
		"DATA_SYMBOL_SUFFIX":  &c.DataSource.SymbolSuffix,
		"HTTPS_PROXY":         &c.Proxy,
		"INSIGHT_LOG_FILE":    &c.Insight.AuditLog,
		"ALERT_LOCALE":        &c.Alert.Locale,
		"COOLDOWN_CACHE_PATH": &c.Alert.CooldownFile,
		"COOLDOWN_STORE":      &c.Alert.CooldownStore,
		"ALERT_SOURCE":        &c.Alert.Source,
		"REDIS_ADDR":          &c.Redis.Addr,
		"REDIS_PASSWORD":      &c.Redis.Password,
		"POSTGRES_DSN":        &c.Postgres.DSN,
		"SQLITE_PATH":         &c.Database.SQLitePath,
		"HTTP_ADDR":           &c.HTTP.Addr,
		"LOG_FORMAT":          &c.Log.Format,
		"LOG_OUTPUT":          &c.Log.Output,
	}
	for key, dst := range str {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}

	lists := map[string]*[]string{
		"POLL_SYMBOLS":      &c.Polling.DefaultSymbols,
		"WATCHLIST_SYMBOLS": &c.Polling.WatchlistSymbols,
		"HOT_SYMBOLS":       &c.Polling.HotSymbols,
	}
	for key, dst := range lists {
		if v := os.Getenv(key); v != "" {
			*dst = splitList(v)
		}
	}

	durations := map[string]*time.Duration{
		"POLLING_INTERVAL_DEFAULT":   &c.Polling.DefaultInterval,
		"POLLING_INTERVAL_WATCHLIST": &c.Polling.WatchlistInterval,
		"POLLING_INTERVAL_HOT":       &c.Polling.HotInterval,
		"POLLING_REQUEST_DELAY":      &c.Polling.RequestDelay,
		"STATE_STALE_THRESHOLD":      &c.State.StaleAfter,
		"INSIGHT_DEDUP_WINDOW":       &c.Insight.DedupWindow,
		"ALERT_WARMUP":               &c.Alert.Warmup,
		"ALERT_COOLDOWN_DEFAULT":     &c.Alert.CooldownDefault,
		"ALERT_COOLDOWN_HIGH":        &c.Alert.CooldownHigh,
	}
	for key, dst := range durations {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		d, err := parseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = d
	}

	ints := map[string]*int{
		"STATE_INTRADAY_WINDOW":      &c.State.IntradayWindow,
		"STATE_DAILY_WINDOW":         &c.State.DailyWindow,
		"ALERT_MAX_PER_USER_PER_DAY": &c.Alert.MaxPerUserDay,
		"REDIS_DB":                   &c.Redis.DB,
	}
	for key, dst := range ints {
		v := os.Getenv(key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = n
	}
	return nil
}

func (c *Config) applyDefaults() {
	setString(&c.Log.Format, "json")
	setString(&c.Log.Output, "stdout")
	setString(&c.DataSource.Provider, "yahoo")
	setInt(&c.DataSource.IntradayLimit, 5)
	setInt(&c.DataSource.DailyLimit, 60)
	setDuration(&c.DataSource.DailyRefresh, 6*time.Hour)
	setDuration(&c.DataSource.RequestTimeout, 30*time.Second)
	setDuration(&c.Polling.DefaultInterval, 60*time.Second)
	setDuration(&c.Polling.WatchlistInterval, 30*time.Second)
	setDuration(&c.Polling.HotInterval, 15*time.Second)
	setDuration(&c.Polling.RequestDelay, 150*time.Millisecond)
	setInt(&c.State.IntradayWindow, 60)
	setInt(&c.State.DailyWindow, 60)
	setDuration(&c.State.StaleAfter, 300*time.Second)
	setDuration(&c.Insight.DedupWindow, 300*time.Second)
	setString(&c.Insight.AuditLog, "logs/insights.jsonl")
	setDuration(&c.Alert.Warmup, 180*time.Second)
	setDuration(&c.Alert.CooldownDefault, 300*time.Second)
	setDuration(&c.Alert.CooldownHigh, 600*time.Second)
	setInt(&c.Alert.MaxPerUserDay, 50)
	setInt(&c.Alert.HistorySize, 200)
	setString(&c.Alert.Locale, "vi")
	setString(&c.Alert.CooldownStore, "file")
	setString(&c.Alert.CooldownFile, "data/cooldown_cache.json")
	setDuration(&c.Alert.FlushInterval, 60*time.Second)
	setString(&c.Alert.Source, "static")
	setString(&c.Redis.Key, "marketpulse:cooldowns")
	setString(&c.Database.SQLitePath, "data/market_pulse.db")
	setDuration(&c.Monitor.Window, 300*time.Second)
	setString(&c.HTTP.Addr, ":8080")
	setString(&c.HTTP.Mode, "release")
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch c.DataSource.Provider {
	case "yahoo", "mock":
	case "rest":
		if c.DataSource.BaseURL == "" {
			return fmt.Errorf("data_source.base_url is required for provider rest")
		}
	case "ssi", "alpaca":
		if c.DataSource.APIKey == "" || c.DataSource.APISecret == "" {
			return fmt.Errorf("data_source.api_key and api_secret are required for provider %s", c.DataSource.Provider)
		}
	default:
		return fmt.Errorf("data_source.provider %q is not supported", c.DataSource.Provider)
	}
	if c.Telegram.BotToken != "" && c.Telegram.ChatID == "" {
		return fmt.Errorf("telegram.chat_id is required when bot_token is set")
	}
	if c.Polling.DefaultInterval <= 0 || c.Polling.WatchlistInterval <= 0 || c.Polling.HotInterval <= 0 {
		return fmt.Errorf("polling intervals must be positive")
	}
	if c.Polling.RequestDelay < 0 {
		return fmt.Errorf("polling.request_delay must not be negative")
	}
	if c.State.IntradayWindow <= 0 || c.State.DailyWindow <= 0 {
		return fmt.Errorf("state windows must be positive")
	}
	if c.State.DailyWindow < minDailyBars || c.DataSource.DailyLimit < minDailyBars {
		return fmt.Errorf("state.daily_window and data_source.daily_limit must be at least %d for the MA20/MA50 cross", minDailyBars)
	}
	if c.Alert.CooldownDefault <= 0 || c.Alert.CooldownHigh <= 0 {
		return fmt.Errorf("alert cooldowns must be positive")
	}
	if c.Alert.MaxPerUserDay <= 0 {
		return fmt.Errorf("alert.max_per_user_per_day must be positive")
	}
	switch c.Alert.Locale {
	case "vi", "en":
	default:
		return fmt.Errorf("alert.locale %q is not supported", c.Alert.Locale)
	}
	switch c.Alert.CooldownStore {
	case "file":
	case "redis":
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis.addr is required for cooldown_store redis")
		}
	default:
		return fmt.Errorf("alert.cooldown_store %q is not supported", c.Alert.CooldownStore)
	}
	switch c.Alert.Source {
	case "static":
	case "postgres":
		if c.Postgres.DSN == "" {
			return fmt.Errorf("postgres.dsn is required for alert source postgres")
		}
	default:
		return fmt.Errorf("alert.source %q is not supported", c.Alert.Source)
	}
	return nil
}

// parseDuration accepts Go duration strings or a bare number of seconds.
func parseDuration(v string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(v, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(v)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, strings.ToUpper(s))
		}
	}
	return out
}

func setString(dst *string, def string) {
	if *dst == "" {
		*dst = def
	}
}

func setInt(dst *int, def int) {
	if *dst == 0 {
		*dst = def
	}
}

func setDuration(dst *time.Duration, def time.Duration) {
	if *dst == 0 {
		*dst = def
	}
}
