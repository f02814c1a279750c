package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

const (
	defaultNS                = "fxcm_local"
	defaultRedisAddr         = "localhost:6379"
	defaultRedisDB           = 0
	defaultMetricsPort       = 9200
	defaultHTTPPort          = 8088
	defaultPollIntervalMS    = 500
	defaultStaleS            = 30
	defaultResubRetries      = 1
	defaultBackoffBaseS      = 2.0
	defaultBackoffCapS       = 60.0
	defaultReconnectCooldown = 20
	defaultMaxBarsPerMsg     = 512
	defaultRetentionDays     = 7
	defaultWarmupLookbackD   = 7
	defaultChunkMinutes      = 24
	defaultChunkLimit        = 1000
	defaultMaxReqPerMinute   = 30
	defaultMinSleepMS        = 250
	defaultProbeMinutes      = 24
)

// Config keeps the runtime configuration for the connector.
type Config struct {
	NS      string
	Env     string
	Version string

	Redis    RedisConfig
	Postgres PostgresConfig
	HTTP     HTTPConfig
	Metrics  MetricsConfig

	Symbols []string

	Session   SessionConfig
	History   HistoryConfig
	Preview   PreviewConfig
	TailGuard TailGuardConfig
	Republish RepublishConfig
	Derived   DerivedConfig
	Reconcile ReconcileConfig
	Commands  CommandsConfig
	Status    StatusConfig
	Calendar  CalendarConfig
	Bootstrap BootstrapConfig

	RetentionDays    int
	TradingDayTZName string
}

// RedisConfig stores Redis connection parameters.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Required bool
}

// PostgresConfig stores database connection parameters.
type PostgresConfig struct {
	DSN string
}

// HTTPConfig holds the health/status listener settings.
type HTTPConfig struct {
	Host string
	Port int
}

// Addr renders the listen address in host:port form.
func (h HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", h.Host, h.Port)
}

// MetricsConfig holds the Prometheus exposition settings.
type MetricsConfig struct {
	Enabled bool
	Port    int
}

// SessionConfig tunes the broker session FSM and tick liveness.
type SessionConfig struct {
	Backend            string // sim | replay | disabled
	PollIntervalMS     int
	StaleS             int
	ResubscribeRetries int
	BackoffBaseS       float64
	BackoffCapS        float64
	ReconnectCooldownS int
	ReplayTicksPath    string
	SimIntervalMS      int
	SimBid             float64
	SimAsk             float64
}

// HistoryConfig tunes the history provider, budget and chunking.
type HistoryConfig struct {
	ChunkMinutes        int
	ChunkLimit          int
	MaxRequestsPerMin   int
	MinSleepMS          int
	ProbeMinutes        int
	WarmupLookbackDays  int
	NotReadyBackoffS    int
	NotReadyBackoffCapS int
}

// PreviewConfig tunes the multi-TF preview builder.
type PreviewConfig struct {
	Enabled           bool
	TFs               []string
	PublishIntervalMS int
	CacheMaxBars      int
}

// TailGuardConfig tunes the audit/repair loop.
type TailGuardConfig struct {
	DefaultWindowHours      int
	AllowTFs                []string
	MarkTTLMinutes          int
	CheckedTTLSeconds       int
	SafeRepairOnlyClosed    bool
	RepairMaxGapMinutes     int
	RepairMaxMissingBars    int
	RepairMaxWindowMS       int64
	RepairMaxHistoryChunks  int
	NearIntervalMinutes     int
}

// RepublishConfig tunes the watermarked republish path.
type RepublishConfig struct {
	DefaultWindowHours  int
	WatermarkTTLMinutes int
	MaxBarsPerMessage   int
}

// DerivedConfig tunes HTF rebuilds.
type DerivedConfig struct {
	DefaultTFs         []string
	DefaultWindowHours int
}

// ReconcileConfig tunes the 15m-close reconcile finalizer.
type ReconcileConfig struct {
	Enabled                bool
	AutoEnabled            bool
	LookbackMinutesDefault int
}

// CommandsConfig tunes the command bus and its auth.
type CommandsConfig struct {
	Enabled             bool
	MaxPayloadBytes     int
	RateLimitEnabled    bool
	RawPerSecond        int
	RawBurst            int
	CmdPerSecond        float64
	CmdBurst            int
	CoalesceWindowS     int
	HeavyCollapseEnable bool
	HeavyCmds           []string
	HeartbeatPeriodS    int

	AuthEnabled   bool
	AuthRequired  bool
	AuthMaxSkewMS int64
	ReplayTTLMS   int64
	AllowedKids   []string
	HMACSecrets   map[string]string // kid -> secret
}

// StatusConfig tunes snapshot publication.
type StatusConfig struct {
	PublishPeriodMS int
	FreshWarnMS     int
	SoftLimitBytes  int
	TailGuardDetail bool
}

// CalendarConfig selects the trading calendar profile.
type CalendarConfig struct {
	Tag               string
	TZName            string
	WeeklyOpen        string
	WeeklyClose       string
	DailyBreakStart   string
	DailyBreakMinutes int
}

// BootstrapConfig controls the startup chain.
type BootstrapConfig struct {
	Enabled                bool
	RepublishAfterBackfill bool
	TailGuardAfter         bool
	AutoWarmupOnStart      bool
	AutoRepublishOnStart   bool
}

// Load builds Config from environment variables. Credentials and the HMAC
// secrets come only from the environment; everything else has a default.
func Load() (*Config, error) {
	dsn := os.Getenv("FXCM_DATABASE_DSN")
	if dsn == "" {
		return nil, errors.New("FXCM_DATABASE_DSN is required")
	}

	redisDB, err := getInt("FXCM_REDIS_DB", defaultRedisDB)
	if err != nil {
		return nil, err
	}
	metricsPort, err := getInt("FXCM_METRICS_PORT", defaultMetricsPort)
	if err != nil {
		return nil, err
	}
	httpPort, err := getInt("FXCM_HTTP_PORT", defaultHTTPPort)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		NS:      getString("FXCM_CHANNEL_PREFIX", defaultNS),
		Env:     getString("APP_ENV", "development"),
		Version: getString("FXCM_BUILD_VERSION", "dev"),
		Redis: RedisConfig{
			Addr:     getString("FXCM_REDIS_ADDR", defaultRedisAddr),
			Password: os.Getenv("FXCM_REDIS_PASSWORD"),
			DB:       redisDB,
			Required: getBool("FXCM_REDIS_REQUIRED", false),
		},
		Postgres: PostgresConfig{DSN: dsn},
		HTTP: HTTPConfig{
			Host: getString("FXCM_HTTP_HOST", "127.0.0.1"),
			Port: httpPort,
		},
		Metrics: MetricsConfig{
			Enabled: getBool("FXCM_METRICS_ENABLED", true),
			Port:    metricsPort,
		},
		Symbols:          getStringSlice("FXCM_SYMBOLS", []string{"XAUUSD"}),
		RetentionDays:    mustInt("FXCM_RETENTION_DAYS", defaultRetentionDays),
		TradingDayTZName: getString("FXCM_TRADING_DAY_TZ", "America/New_York"),
	}

	cfg.Session = SessionConfig{
		Backend:            getString("FXCM_TICK_BACKEND", "sim"),
		PollIntervalMS:     mustInt("FXCM_POLL_INTERVAL_MS", defaultPollIntervalMS),
		StaleS:             mustInt("FXCM_STALE_S", defaultStaleS),
		ResubscribeRetries: mustInt("FXCM_RESUBSCRIBE_RETRIES", defaultResubRetries),
		BackoffBaseS:       getFloat("FXCM_RECONNECT_BACKOFF_S", defaultBackoffBaseS),
		BackoffCapS:        getFloat("FXCM_RECONNECT_BACKOFF_CAP_S", defaultBackoffCapS),
		ReconnectCooldownS: mustInt("FXCM_RECONNECT_COOLDOWN_S", defaultReconnectCooldown),
		ReplayTicksPath:    getString("FXCM_REPLAY_TICKS_PATH", "data/replay_ticks.jsonl"),
		SimIntervalMS:      mustInt("FXCM_TICK_SIM_INTERVAL_MS", 500),
		SimBid:             getFloat("FXCM_TICK_SIM_BID", 2000.0),
		SimAsk:             getFloat("FXCM_TICK_SIM_ASK", 2000.2),
	}

	cfg.History = HistoryConfig{
		ChunkMinutes:        mustInt("FXCM_HISTORY_CHUNK_MINUTES", defaultChunkMinutes),
		ChunkLimit:          mustInt("FXCM_HISTORY_CHUNK_LIMIT", defaultChunkLimit),
		MaxRequestsPerMin:   mustInt("FXCM_MAX_REQUESTS_PER_MINUTE", defaultMaxReqPerMinute),
		MinSleepMS:          mustInt("FXCM_HISTORY_MIN_SLEEP_MS", defaultMinSleepMS),
		ProbeMinutes:        mustInt("FXCM_HISTORY_PROBE_MINUTES", defaultProbeMinutes),
		WarmupLookbackDays:  mustInt("FXCM_WARMUP_LOOKBACK_DAYS", defaultWarmupLookbackD),
		NotReadyBackoffS:    mustInt("FXCM_HISTORY_NOT_READY_BACKOFF_S", 60),
		NotReadyBackoffCapS: mustInt("FXCM_HISTORY_NOT_READY_BACKOFF_CAP_S", 900),
	}

	cfg.Preview = PreviewConfig{
		Enabled:           getBool("FXCM_OHLCV_PREVIEW_ENABLED", true),
		TFs:               getStringSlice("FXCM_OHLCV_PREVIEW_TFS", []string{"1m", "5m", "15m", "1h", "4h", "1d"}),
		PublishIntervalMS: mustInt("FXCM_OHLCV_PREVIEW_PUBLISH_INTERVAL_MS", 250),
		CacheMaxBars:      mustInt("FXCM_OHLCV_PREVIEW_CACHE_MAX_BARS", 2000),
	}

	cfg.TailGuard = TailGuardConfig{
		DefaultWindowHours:     mustInt("FXCM_TAIL_GUARD_WINDOW_HOURS", 48),
		AllowTFs:               getStringSlice("FXCM_TAIL_GUARD_ALLOW_TFS", []string{"1m", "15m", "1h", "4h", "1d"}),
		MarkTTLMinutes:         mustInt("FXCM_TAIL_GUARD_TTL_MINUTES", 15),
		CheckedTTLSeconds:      mustInt("FXCM_TAIL_GUARD_CHECKED_TTL_S", 300),
		SafeRepairOnlyClosed:   getBool("FXCM_TAIL_GUARD_SAFE_REPAIR_ONLY_WHEN_MARKET_CLOSED", true),
		RepairMaxGapMinutes:    mustInt("FXCM_TAIL_GUARD_REPAIR_MAX_GAP_MINUTES", 240),
		RepairMaxMissingBars:   mustInt("FXCM_TAIL_GUARD_REPAIR_MAX_MISSING_BARS", 5000),
		RepairMaxWindowMS:      int64(mustInt("FXCM_TAIL_GUARD_REPAIR_MAX_WINDOW_MS", 24*60*60*1000)),
		RepairMaxHistoryChunks: mustInt("FXCM_TAIL_GUARD_REPAIR_MAX_HISTORY_CHUNKS", 200),
		NearIntervalMinutes:    mustInt("FXCM_TAIL_GUARD_NEAR_INTERVAL_MINUTES", 5),
	}

	cfg.Republish = RepublishConfig{
		DefaultWindowHours:  mustInt("FXCM_REPUBLISH_WINDOW_HOURS", 24),
		WatermarkTTLMinutes: mustInt("FXCM_REPUBLISH_WATERMARK_TTL_MINUTES", 10),
		MaxBarsPerMessage:   mustInt("FXCM_MAX_BARS_PER_MESSAGE", defaultMaxBarsPerMsg),
	}

	cfg.Derived = DerivedConfig{
		DefaultTFs:         getStringSlice("FXCM_DERIVED_REBUILD_TFS", []string{"5m", "15m", "1h", "4h", "1d"}),
		DefaultWindowHours: mustInt("FXCM_DERIVED_REBUILD_WINDOW_HOURS", 48),
	}

	cfg.Reconcile = ReconcileConfig{
		Enabled:                getBool("FXCM_RECONCILE_ENABLE", false),
		AutoEnabled:            getBool("FXCM_RECONCILE_AUTO_ENABLE", false),
		LookbackMinutesDefault: mustInt("FXCM_RECONCILE_LOOKBACK_MINUTES", 20),
	}

	cfg.Commands = CommandsConfig{
		Enabled:             getBool("FXCM_COMMANDS_ENABLED", true),
		MaxPayloadBytes:     mustInt("FXCM_MAX_COMMAND_PAYLOAD_BYTES", 16384),
		RateLimitEnabled:    getBool("FXCM_COMMAND_RATE_LIMIT_ENABLE", true),
		RawPerSecond:        mustInt("FXCM_COMMAND_RATE_LIMIT_RAW_PER_S", 20),
		RawBurst:            mustInt("FXCM_COMMAND_RATE_LIMIT_RAW_BURST", 40),
		CmdPerSecond:        getFloat("FXCM_COMMAND_RATE_LIMIT_CMD_PER_S", 0.5),
		CmdBurst:            mustInt("FXCM_COMMAND_RATE_LIMIT_CMD_BURST", 2),
		CoalesceWindowS:     mustInt("FXCM_COMMAND_COALESCE_WINDOW_S", 30),
		HeavyCollapseEnable: getBool("FXCM_COMMAND_HEAVY_COLLAPSE_ENABLE", true),
		HeavyCmds:           getStringSlice("FXCM_COMMAND_HEAVY_CMDS", []string{"fxcm_backfill", "fxcm_warmup", "fxcm_tail_guard"}),
		HeartbeatPeriodS:    mustInt("FXCM_COMMAND_BUS_HEARTBEAT_PERIOD_S", 2),
		AuthEnabled:         getBool("FXCM_COMMAND_AUTH_ENABLE", true),
		AuthRequired:        getBool("FXCM_COMMAND_AUTH_REQUIRED", false),
		AuthMaxSkewMS:       int64(mustInt("FXCM_COMMAND_AUTH_MAX_SKEW_MS", 300000)),
		ReplayTTLMS:         int64(mustInt("FXCM_COMMAND_AUTH_REPLAY_TTL_MS", 300000)),
		AllowedKids:         getStringSlice("FXCM_COMMAND_AUTH_ALLOWED_KIDS", nil),
		HMACSecrets:         loadHMACSecrets(),
	}

	cfg.Status = StatusConfig{
		PublishPeriodMS: mustInt("FXCM_STATUS_PUBLISH_PERIOD_MS", 1000),
		FreshWarnMS:     mustInt("FXCM_STATUS_FRESH_WARN_MS", 3000),
		SoftLimitBytes:  mustInt("FXCM_STATUS_SOFT_LIMIT_BYTES", 6500),
		TailGuardDetail: getBool("FXCM_STATUS_TAIL_GUARD_DETAIL_ENABLED", false),
	}

	cfg.Calendar = CalendarConfig{
		Tag:               getString("FXCM_CALENDAR_TAG", "fxcm_calendar_v1"),
		TZName:            cfg.TradingDayTZName,
		WeeklyOpen:        getString("FXCM_CALENDAR_WEEKLY_OPEN", "17:00"),
		WeeklyClose:       getString("FXCM_CALENDAR_WEEKLY_CLOSE", "17:00"),
		DailyBreakStart:   getString("FXCM_CALENDAR_DAILY_BREAK_START", "17:00"),
		DailyBreakMinutes: mustInt("FXCM_CALENDAR_DAILY_BREAK_MINUTES", 5),
	}

	cfg.Bootstrap = BootstrapConfig{
		Enabled:                getBool("FXCM_BOOTSTRAP_ENABLE", false),
		RepublishAfterBackfill: getBool("FXCM_BOOTSTRAP_REPUBLISH_AFTER_BACKFILL", true),
		TailGuardAfter:         getBool("FXCM_BOOTSTRAP_TAIL_GUARD_AFTER", false),
		AutoWarmupOnStart:      getBool("FXCM_AUTO_WARMUP_ON_START", true),
		AutoRepublishOnStart:   getBool("FXCM_AUTO_REPUBLISH_ON_START", true),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Status.PublishPeriodMS <= 0 {
		return errors.New("FXCM_STATUS_PUBLISH_PERIOD_MS must be > 0")
	}
	if c.Status.FreshWarnMS < c.Status.PublishPeriodMS {
		return errors.New("FXCM_STATUS_FRESH_WARN_MS must be >= publish period")
	}
	if c.Status.SoftLimitBytes <= 0 {
		return errors.New("FXCM_STATUS_SOFT_LIMIT_BYTES must be > 0")
	}
	if c.Redis.Required && c.Redis.Password == "" {
		return errors.New("FXCM_REDIS_REQUIRED=true but FXCM_REDIS_PASSWORD is empty")
	}
	if c.Commands.AuthRequired && len(c.Commands.HMACSecrets) == 0 {
		return errors.New("FXCM_COMMAND_AUTH_REQUIRED=true but no FXCM_HMAC_SECRET_* set")
	}
	if len(c.Symbols) == 0 {
		return errors.New("FXCM_SYMBOLS must not be empty")
	}
	return nil
}

// Channel and key layout.

func (c *Config) ChStatus() string    { return c.NS + ":status" }
func (c *Config) ChCommands() string  { return c.NS + ":commands" }
func (c *Config) ChPriceTick() string { return c.NS + ":price_tik" }
func (c *Config) ChOHLCV() string     { return c.NS + ":ohlcv" }

func (c *Config) KeyStatusSnapshot() string { return c.NS + ":status:snapshot" }

func (c *Config) KeyCmdReplay(kid, nonce string) string {
	return fmt.Sprintf("%s:cmd_replay:%s:%s", c.NS, kid, nonce)
}

func (c *Config) KeyRepublishWatermark(symbol, tf string, windowHours int) string {
	return fmt.Sprintf("%s:internal:republish_watermark:%s:%s:%d", c.NS, symbol, tf, windowHours)
}

// loadHMACSecrets collects FXCM_HMAC_SECRET_<KID> variables; the kid is
// the lower-cased suffix.
func loadHMACSecrets() map[string]string {
	secrets := make(map[string]string)
	const prefix = "FXCM_HMAC_SECRET_"
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		rest := strings.TrimPrefix(kv, prefix)
		idx := strings.IndexByte(rest, '=')
		if idx <= 0 {
			continue
		}
		kid := strings.ToLower(rest[:idx])
		secrets[kid] = rest[idx+1:]
	}
	return secrets
}

func getString(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func getInt(key string, fallback int) (int, error) {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback, nil
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("convert %s value %q to int: %w", key, value, err)
	}
	return parsed, nil
}

// mustInt falls back on parse errors; used for tuning knobs where a typo
// must not block startup.
func mustInt(key string, fallback int) int {
	parsed, err := getInt(key, fallback)
	if err != nil {
		return fallback
	}
	return parsed
}

func getBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes":
		return true
	case "0", "false", "no":
		return false
	}
	return fallback
}

func getFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getStringSlice(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
