package config

import (
	"strings"

	"github.com/kospibot/daytrader/internal/pkg/apperrors"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Allocator AllocatorConfig `mapstructure:"allocator"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Pending   PendingConfig   `mapstructure:"pending"`
	Profiles  []ProfileConfig `mapstructure:"profiles"`
	LogLevel  string          `mapstructure:"log_level"`
}

type ServerConfig struct {
	Port           string `mapstructure:"port"`
	APIKey         string `mapstructure:"api_key"`
	MetricsEnabled bool   `mapstructure:"metrics_enabled"`
	MetricsPath    string `mapstructure:"metrics_path"`
}

type BrokerConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	WSURL      string `mapstructure:"ws_url"`
	AppKey     string `mapstructure:"app_key"`
	AppSecret  string `mapstructure:"app_secret"`
	AccountNo  string `mapstructure:"account_no"`
	TimeoutMs  int    `mapstructure:"timeout_ms"`
	MaxRetries int    `mapstructure:"max_retries"`
}

type DatabaseConfig struct {
	DSN string `mapstructure:"dsn"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type RateLimitConfig struct {
	PerSecond int `mapstructure:"per_second"` // KIS REST quota: 20 req/s
	PerMinute int `mapstructure:"per_minute"`
}

type FeedConfig struct {
	RetryBaseMs int `mapstructure:"retry_base_ms"`
	MaxRetries  int `mapstructure:"max_retries"`
}

type AllocatorConfig struct {
	Capacity         int     `mapstructure:"capacity"` // KIS stream registration quota: 41
	EvictionMargin   float64 `mapstructure:"eviction_margin"`
	CooldownSeconds  int     `mapstructure:"cooldown_seconds"`
	RebalanceMinutes int     `mapstructure:"rebalance_minutes"`
	CriticalTargets  int     `mapstructure:"critical_targets"` // instruments given tick+book
	HighTargets      int     `mapstructure:"high_targets"`     // instruments given tick only
}

type PipelineConfig struct {
	Workers          int     `mapstructure:"workers"`
	ScanIntervalSec  int     `mapstructure:"scan_interval_sec"`
	QueueCapacity    int     `mapstructure:"queue_capacity"`
	MaxSignalAgeSec  int     `mapstructure:"max_signal_age_sec"`
	MinAgreement     int     `mapstructure:"min_agreement"`
	MinEnsembleScore float64 `mapstructure:"min_ensemble_score"`
	PriceBandPct     float64 `mapstructure:"price_band_pct"`
}

type RiskConfig struct {
	MaxPositions       int                   `mapstructure:"max_positions"`
	PositionSizePct    float64               `mapstructure:"position_size_pct"`
	DailyLossLimit     float64               `mapstructure:"daily_loss_limit"`
	VolatilityCeiling  float64               `mapstructure:"volatility_ceiling"`
	MonitorIntervalSec int                   `mapstructure:"monitor_interval_sec"`
	Exits              map[string]ExitConfig `mapstructure:"exits"`
}

// ExitConfig carries the protective thresholds for positions opened by one
// strategy. Percentages are relative to entry price; stop_loss is negative.
type ExitConfig struct {
	StopLossPct        float64 `mapstructure:"stop_loss_pct"`
	TakeProfitPct      float64 `mapstructure:"take_profit_pct"`
	MinHoldingMinutes  int     `mapstructure:"min_holding_minutes"`
	TrailingTriggerPct float64 `mapstructure:"trailing_trigger_pct"`
	TrailingGapPct     float64 `mapstructure:"trailing_gap_pct"`
	EmergencyPct       float64 `mapstructure:"emergency_pct"`
}

type PendingConfig struct {
	TimeoutSec        int     `mapstructure:"timeout_sec"`
	AdjustTimeoutSec  int     `mapstructure:"adjust_timeout_sec"`
	MaxAdjustments    int     `mapstructure:"max_adjustments"`
	AdjustStepPct     float64 `mapstructure:"adjust_step_pct"`
	ForceMarketSec    int     `mapstructure:"force_market_sec"`
	BuyTimeoutAction  string  `mapstructure:"buy_timeout_action"`  // price_adjust | market_order
	SellTimeoutAction string  `mapstructure:"sell_timeout_action"` // price_adjust | market_order
	CheckIntervalSec  int     `mapstructure:"check_interval_sec"`
}

// ProfileConfig names a trading time window and its strategy weights.
type ProfileConfig struct {
	Name       string             `mapstructure:"name"`
	Start      string             `mapstructure:"start"` // "09:00"
	End        string             `mapstructure:"end"`   // "09:30", half-open
	Strategies map[string]float64 `mapstructure:"strategies"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./configs")

	// Environment variables support, e.g. DAYTRADER_BROKER_APP_KEY
	viper.SetEnvPrefix("daytrader")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, apperrors.New(apperrors.ErrConfig, "failed to read config file", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, apperrors.New(apperrors.ErrConfig, "failed to unmarshal config", err)
	}

	if len(cfg.Profiles) == 0 {
		cfg.Profiles = defaultProfiles()
	}
	if cfg.Risk.Exits == nil {
		cfg.Risk.Exits = map[string]ExitConfig{}
	}
	for name, exit := range defaultExits() {
		if _, ok := cfg.Risk.Exits[name]; !ok {
			cfg.Risk.Exits[name] = exit
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	missing := []string{}
	if c.Broker.AppKey == "" {
		missing = append(missing, "broker.app_key")
	}
	if c.Broker.AppSecret == "" {
		missing = append(missing, "broker.app_secret")
	}
	if c.Broker.AccountNo == "" {
		missing = append(missing, "broker.account_no")
	}
	if len(missing) > 0 {
		return apperrors.Newf(apperrors.ErrConfig, "missing required settings: %s", strings.Join(missing, ", "))
	}
	if c.Pending.BuyTimeoutAction != "price_adjust" && c.Pending.BuyTimeoutAction != "market_order" {
		return apperrors.Newf(apperrors.ErrConfig, "invalid pending.buy_timeout_action %q", c.Pending.BuyTimeoutAction)
	}
	if c.Pending.SellTimeoutAction != "price_adjust" && c.Pending.SellTimeoutAction != "market_order" {
		return apperrors.Newf(apperrors.ErrConfig, "invalid pending.sell_timeout_action %q", c.Pending.SellTimeoutAction)
	}
	for _, p := range c.Profiles {
		if p.Name == "" || p.Start == "" || p.End == "" {
			return apperrors.Newf(apperrors.ErrConfig, "profile %q missing name or window bounds", p.Name)
		}
		if len(p.Strategies) == 0 {
			return apperrors.Newf(apperrors.ErrConfig, "profile %q has no strategies", p.Name)
		}
	}
	return nil
}

func setDefaults() {
	viper.SetDefault("log_level", "info")
	viper.SetDefault("server.port", "8090")
	viper.SetDefault("server.metrics_enabled", true)
	viper.SetDefault("server.metrics_path", "/metrics")

	viper.SetDefault("broker.base_url", "https://openapi.koreainvestment.com:9443")
	viper.SetDefault("broker.ws_url", "ws://ops.koreainvestment.com:21000")
	viper.SetDefault("broker.timeout_ms", 5000)
	viper.SetDefault("broker.max_retries", 3)

	viper.SetDefault("rate_limit.per_second", 20)
	viper.SetDefault("rate_limit.per_minute", 1000)

	viper.SetDefault("feed.retry_base_ms", 200)
	viper.SetDefault("feed.max_retries", 3)

	viper.SetDefault("allocator.capacity", 41)
	viper.SetDefault("allocator.eviction_margin", 10.0)
	viper.SetDefault("allocator.cooldown_seconds", 120)
	viper.SetDefault("allocator.rebalance_minutes", 5)
	viper.SetDefault("allocator.critical_targets", 8)
	viper.SetDefault("allocator.high_targets", 15)

	viper.SetDefault("pipeline.workers", 4)
	viper.SetDefault("pipeline.scan_interval_sec", 5)
	viper.SetDefault("pipeline.queue_capacity", 64)
	viper.SetDefault("pipeline.max_signal_age_sec", 30)
	viper.SetDefault("pipeline.min_agreement", 2)
	viper.SetDefault("pipeline.min_ensemble_score", 0.5)
	viper.SetDefault("pipeline.price_band_pct", 1.0)

	viper.SetDefault("risk.max_positions", 10)
	viper.SetDefault("risk.position_size_pct", 10.0)
	viper.SetDefault("risk.daily_loss_limit", 500000)
	viper.SetDefault("risk.volatility_ceiling", 8.0)
	viper.SetDefault("risk.monitor_interval_sec", 3)

	viper.SetDefault("pending.timeout_sec", 300)
	viper.SetDefault("pending.adjust_timeout_sec", 60)
	viper.SetDefault("pending.max_adjustments", 3)
	viper.SetDefault("pending.adjust_step_pct", 0.5)
	viper.SetDefault("pending.force_market_sec", 600)
	viper.SetDefault("pending.buy_timeout_action", "price_adjust")
	viper.SetDefault("pending.sell_timeout_action", "market_order")
	viper.SetDefault("pending.check_interval_sec", 10)
}

// defaultProfiles mirrors the KRX intraday windows the engine was tuned for.
func defaultProfiles() []ProfileConfig {
	return []ProfileConfig{
		{
			Name:       "golden_time",
			Start:      "09:00",
			End:        "09:30",
			Strategies: map[string]float64{"gap_trading": 1.0},
		},
		{
			Name:       "morning_leaders",
			Start:      "09:30",
			End:        "11:30",
			Strategies: map[string]float64{"volume_breakout": 0.7, "momentum": 0.3},
		},
		{
			Name:       "lunch_time",
			Start:      "11:30",
			End:        "14:00",
			Strategies: map[string]float64{"volume_breakout": 0.8, "momentum": 0.2},
		},
		{
			Name:       "closing_trend",
			Start:      "14:00",
			End:        "15:20",
			Strategies: map[string]float64{"momentum": 0.6, "volume_breakout": 0.4},
		},
	}
}

func defaultExits() map[string]ExitConfig {
	return map[string]ExitConfig{
		"default": {
			StopLossPct: -3.5, TakeProfitPct: 5.5, MinHoldingMinutes: 45,
			TrailingTriggerPct: 3.0, TrailingGapPct: 1.5, EmergencyPct: -10.0,
		},
		"gap_trading": {
			StopLossPct: -2.5, TakeProfitPct: 4.5, MinHoldingMinutes: 30,
			TrailingTriggerPct: 2.5, TrailingGapPct: 1.2, EmergencyPct: -10.0,
		},
		"volume_breakout": {
			StopLossPct: -3.0, TakeProfitPct: 6.5, MinHoldingMinutes: 45,
			TrailingTriggerPct: 3.5, TrailingGapPct: 1.8, EmergencyPct: -10.0,
		},
		"momentum": {
			StopLossPct: -3.2, TakeProfitPct: 6.8, MinHoldingMinutes: 40,
			TrailingTriggerPct: 3.8, TrailingGapPct: 2.0, EmergencyPct: -10.0,
		},
	}
}
