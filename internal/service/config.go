// internal/service/config.go
package service

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"mnq-momentum-trader/internal/model"
)

type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Session   SessionConfig   `mapstructure:"session"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Risk      RiskConfig      `mapstructure:"risk"`
	Execution ExecutionConfig `mapstructure:"execution"`
}

type AppConfig struct {
	Name        string `mapstructure:"name"`
	LogLevel    string `mapstructure:"log_level"`
	MetricsAddr string `mapstructure:"metrics_addr"`
}

// BrokerConfig holds the broker connection and credential settings.
type BrokerConfig struct {
	Mode           model.Mode    `mapstructure:"mode"`
	Environment    string        `mapstructure:"environment"` // demo or live
	RESTURL        string        `mapstructure:"rest_url"`
	WSURL          string        `mapstructure:"ws_url"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Secret         string        `mapstructure:"secret"`
	AppID          string        `mapstructure:"app_id"`
	AppVersion     string        `mapstructure:"app_version"`
	CID            int           `mapstructure:"cid"`
	AccountID      int64         `mapstructure:"account_id"`
	AccountSpec    string        `mapstructure:"account_spec"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RateLimit      float64       `mapstructure:"rate_limit"` // requests per second
	ReadRetries    int           `mapstructure:"read_retries"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
}

type SessionConfig struct {
	RenewAfter    time.Duration `mapstructure:"renew_after"`
	Expiry        time.Duration `mapstructure:"expiry"`
	CheckInterval time.Duration `mapstructure:"check_interval"`
}

// StreamConfig controls the market data websocket and its reconnect policy.
type StreamConfig struct {
	Reconnect        bool          `mapstructure:"reconnect"`
	BackoffInitial   time.Duration `mapstructure:"backoff_initial"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	MaxAttempts      int           `mapstructure:"max_attempts"` // 0 = unlimited
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	PingInterval     time.Duration `mapstructure:"ping_interval"` // 0 disables keepalive pings
	QuoteBuffer      int           `mapstructure:"quote_buffer"`
}

type StrategyConfig struct {
	Symbol       string        `mapstructure:"symbol"`
	Interval     time.Duration `mapstructure:"interval"`
	Threshold    float64       `mapstructure:"threshold"` // breakout size in points
	RiskMultiple float64       `mapstructure:"risk_multiple"`
	History      int           `mapstructure:"history"`
	ATRPeriod    int           `mapstructure:"atr_period"`
}

// RiskConfig holds the daily guard rails and sizing inputs.
type RiskConfig struct {
	MaxDailyLoss    float64 `mapstructure:"max_daily_loss"` // negative, e.g. -500
	MaxPositionSize int     `mapstructure:"max_position_size"`
	MaxTradesPerDay int     `mapstructure:"max_trades_per_day"`
	PositionSizePct float64 `mapstructure:"position_size_pct"`
	AccountBalance  float64 `mapstructure:"account_balance"`
	RPerTrade       float64 `mapstructure:"r_per_trade"`
	PointValue      float64 `mapstructure:"point_value"` // currency per point per contract
	Timezone        string  `mapstructure:"timezone"`
	StopFloor       bool    `mapstructure:"stop_floor"` // widen tight candle stops to the ATR / fixed stop
}

type ExecutionConfig struct {
	TimeInForce         model.TimeInForce `mapstructure:"time_in_force"`
	PaperLog            string            `mapstructure:"paper_log"`
	TickSize            float64           `mapstructure:"tick_size"`
	FlattenTimeout      time.Duration     `mapstructure:"flatten_timeout"`
	CancelConcurrency   int               `mapstructure:"cancel_concurrency"`
	FlattenOnLegFailure bool              `mapstructure:"flatten_on_leg_failure"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "mnq-momentum-trader")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.metrics_addr", "")

	v.SetDefault("broker.mode", string(model.ModePaper))
	v.SetDefault("broker.environment", "demo")
	v.SetDefault("broker.rest_url", "")
	v.SetDefault("broker.account_spec", "")
	v.SetDefault("broker.ws_url", "wss://md.tradovateapi.com/v1/websocket")
	v.SetDefault("broker.app_id", "WolfBot")
	v.SetDefault("broker.app_version", "1.0")
	v.SetDefault("broker.cid", 0)
	v.SetDefault("broker.request_timeout", "10s")
	v.SetDefault("broker.rate_limit", 5)
	v.SetDefault("broker.read_retries", 3)
	v.SetDefault("broker.retry_base_delay", "250ms")

	v.SetDefault("session.renew_after", "75m")
	v.SetDefault("session.expiry", "90m")
	v.SetDefault("session.check_interval", "1m")

	v.SetDefault("stream.reconnect", true)
	v.SetDefault("stream.backoff_initial", "1s")
	v.SetDefault("stream.backoff_max", "30s")
	v.SetDefault("stream.max_attempts", 0)
	v.SetDefault("stream.handshake_timeout", "10s")
	v.SetDefault("stream.ping_interval", "30s")
	v.SetDefault("stream.quote_buffer", 1024)

	v.SetDefault("strategy.symbol", "MNQH6")
	v.SetDefault("strategy.interval", "5m")
	v.SetDefault("strategy.threshold", 30)
	v.SetDefault("strategy.risk_multiple", 1)
	v.SetDefault("strategy.history", 100)
	v.SetDefault("strategy.atr_period", 14)

	v.SetDefault("risk.max_daily_loss", -500)
	v.SetDefault("risk.max_position_size", 2)
	v.SetDefault("risk.max_trades_per_day", 10)
	v.SetDefault("risk.position_size_pct", 0.02)
	v.SetDefault("risk.account_balance", 10000)
	v.SetDefault("risk.r_per_trade", 100)
	v.SetDefault("risk.point_value", 0.50)
	v.SetDefault("risk.timezone", "Local")
	v.SetDefault("risk.stop_floor", false)

	v.SetDefault("execution.time_in_force", string(model.TIFDay))
	v.SetDefault("execution.paper_log", "paper_trades.log")
	v.SetDefault("execution.tick_size", 0.25)
	v.SetDefault("execution.flatten_timeout", "10s")
	v.SetDefault("execution.cancel_concurrency", 4)
	v.SetDefault("execution.flatten_on_leg_failure", true)
}

// brokerEnv maps the conventional broker variable names onto config keys.
var brokerEnv = map[string]string{
	"broker.username":    "TRADOVATE_USERNAME",
	"broker.password":    "TRADOVATE_PASSWORD",
	"broker.secret":      "TRADOVATE_API_SECRET",
	"broker.account_id":  "TRADOVATE_ACCOUNT_ID",
	"broker.environment": "TRADOVATE_ENV",
}

// LoadConfig reads defaults, the YAML file, .env, environment and command-line flags, in that
// order of precedence, and decodes them into a validated Config.
func LoadConfig(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("trader", pflag.ContinueOnError)
	configPath := fs.String("config", "config", "directory or file holding config.yaml")
	fs.String("mode", "", "paper or live")
	fs.String("symbol", "", "contract symbol, e.g. MNQH6")
	fs.String("log-level", "", "debug, info, warn or error")
	fs.String("metrics-addr", "", "listen address for /metrics")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if strings.HasSuffix(*configPath, ".yaml") || strings.HasSuffix(*configPath, ".yml") {
		v.SetConfigFile(*configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(*configPath)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	v.SetEnvPrefix("TRADER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range brokerEnv {
		if err := v.BindEnv(key, "TRADER_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, err
		}
	}

	flagKeys := map[string]string{
		"mode":         "broker.mode",
		"symbol":       "strategy.symbol",
		"log-level":    "app.log_level",
		"metrics-addr": "app.metrics_addr",
	}
	for name, key := range flagKeys {
		if err := v.BindPFlag(key, fs.Lookup(name)); err != nil {
			return nil, err
		}
	}

	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.TextUnmarshallerHookFunc(),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDerived() {
	if c.Broker.RESTURL == "" {
		c.Broker.RESTURL = fmt.Sprintf("https://%s.tradovateapi.com/v1", c.Broker.Environment)
	}
	if c.Broker.AccountSpec == "" {
		c.Broker.AccountSpec = c.Broker.Username
	}
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Broker.Username == "" || c.Broker.Password == "" || c.Broker.Secret == "" {
		errs = append(errs, errors.New("broker credentials missing: set TRADOVATE_USERNAME, TRADOVATE_PASSWORD and TRADOVATE_API_SECRET"))
	}
	if c.Broker.Environment != "demo" && c.Broker.Environment != "live" {
		errs = append(errs, fmt.Errorf("broker.environment must be demo or live, got %q", c.Broker.Environment))
	}
	if c.Strategy.Symbol == "" {
		errs = append(errs, errors.New("strategy.symbol is required"))
	}
	if c.Strategy.Interval <= 0 {
		errs = append(errs, errors.New("strategy.interval must be positive"))
	}
	if c.Strategy.Threshold <= 0 {
		errs = append(errs, errors.New("strategy.threshold must be positive"))
	}
	if c.Strategy.RiskMultiple <= 0 {
		errs = append(errs, errors.New("strategy.risk_multiple must be positive"))
	}
	if c.Session.RenewAfter <= 0 || c.Session.Expiry <= c.Session.RenewAfter {
		errs = append(errs, errors.New("session.renew_after must be positive and below session.expiry"))
	}
	if c.Risk.MaxPositionSize <= 0 || c.Risk.RPerTrade <= 0 || c.Risk.PointValue <= 0 {
		errs = append(errs, errors.New("risk.max_position_size, risk.r_per_trade and risk.point_value must be positive"))
	}
	if c.Risk.MaxDailyLoss >= 0 {
		errs = append(errs, errors.New("risk.max_daily_loss is a loss limit and must be negative"))
	}
	if _, err := c.Risk.Location(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Location resolves the timezone used for the trading-day boundary.
func (r RiskConfig) Location() (*time.Location, error) {
	if r.Timezone == "" || r.Timezone == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(r.Timezone)
	if err != nil {
		return nil, fmt.Errorf("risk.timezone: %w", err)
	}
	return loc, nil
}
