package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Data       DataConfig       `yaml:"data" mapstructure:"data"`
	Pipeline   PipelineConfig   `yaml:"pipeline" mapstructure:"pipeline"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Normalize  NormalizeConfig  `yaml:"normalize" mapstructure:"normalize"`
	Technicals TechnicalsConfig `yaml:"technicals" mapstructure:"technicals"`
	Assemble   AssembleConfig   `yaml:"assemble" mapstructure:"assemble"`
	Label      LabelConfig      `yaml:"label" mapstructure:"label"`
	Temporal   TemporalConfig   `yaml:"temporal" mapstructure:"temporal"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	APIKeys    APIKeysConfig    `yaml:"api_keys" mapstructure:"api_keys"`
	LLM        LLMConfig        `yaml:"llm" mapstructure:"llm"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DataConfig locates ingest inputs and export outputs.
type DataConfig struct {
	Root       string `yaml:"root" mapstructure:"root"`
	ExportDir  string `yaml:"export_dir" mapstructure:"export_dir"`
	AssetsFile string `yaml:"assets_file" mapstructure:"assets_file"`
}

// PipelineConfig configures run fan-out and failure policy.
type PipelineConfig struct {
	Engine                 string  `yaml:"engine" mapstructure:"engine"`
	Workers                int     `yaml:"workers" mapstructure:"workers"`
	Seed                   int64   `yaml:"seed" mapstructure:"seed"`
	MaxUnitFailureFraction float64 `yaml:"max_unit_failure_fraction" mapstructure:"max_unit_failure_fraction"`
}

// RetryConfig configures bounded retries of transient store conflicts.
type RetryConfig struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction   float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// NormalizeConfig configures bucketing and the relevance heuristic.
type NormalizeConfig struct {
	MinContentLength int      `yaml:"min_content_length" mapstructure:"min_content_length"`
	SourceAllowList  []string `yaml:"source_allow_list" mapstructure:"source_allow_list"`
	SnippetChars     int      `yaml:"snippet_chars" mapstructure:"snippet_chars"`
	CharsPerToken    int      `yaml:"chars_per_token" mapstructure:"chars_per_token"`
}

// TechnicalsConfig configures the price window.
type TechnicalsConfig struct {
	Lookback int `yaml:"lookback" mapstructure:"lookback"`
	Warmup   int `yaml:"warmup" mapstructure:"warmup"`
}

// QuotaConfig bounds how many news items one bucket contributes.
type QuotaConfig struct {
	Min int `yaml:"min" mapstructure:"min"`
	Max int `yaml:"max" mapstructure:"max"`
}

// AssembleConfig configures prompt variation assembly.
type AssembleConfig struct {
	Variations        int         `yaml:"variations" mapstructure:"variations"`
	TokenBudget       int         `yaml:"token_budget" mapstructure:"token_budget"`
	CharsPerToken     int         `yaml:"chars_per_token" mapstructure:"chars_per_token"`
	Modalities        []string    `yaml:"modalities" mapstructure:"modalities"`
	Recent            QuotaConfig `yaml:"recent" mapstructure:"recent"`
	Mid               QuotaConfig `yaml:"mid" mapstructure:"mid"`
	Distant           QuotaConfig `yaml:"distant" mapstructure:"distant"`
	MacroLookbackDays int         `yaml:"macro_lookback_days" mapstructure:"macro_lookback_days"`
	MacroMaxEvents    int         `yaml:"macro_max_events" mapstructure:"macro_max_events"`
	OptionsEnabled    bool        `yaml:"options_enabled" mapstructure:"options_enabled"`
	OptionsMaxRecords int         `yaml:"options_max_records" mapstructure:"options_max_records"`
	OptionsMaxAgeDays int         `yaml:"options_max_age_days" mapstructure:"options_max_age_days"`
}

// LabelConfig configures Algorithm S1.
type LabelConfig struct {
	Horizons      []int     `yaml:"horizons" mapstructure:"horizons"`
	Weights       []float64 `yaml:"weights" mapstructure:"weights"`
	EMASpan       int       `yaml:"ema_span" mapstructure:"ema_span"`
	VolWindow     int       `yaml:"vol_window" mapstructure:"vol_window"`
	VolMinPeriods int       `yaml:"vol_min_periods" mapstructure:"vol_min_periods"`
	Breakpoints   []float64 `yaml:"breakpoints" mapstructure:"breakpoints"`
	MinFitSamples int       `yaml:"min_fit_samples" mapstructure:"min_fit_samples"`
}

// TemporalConfig configures the optional Temporal engine.
type TemporalConfig struct {
	HostPort            string `yaml:"host_port" mapstructure:"host_port"`
	Namespace           string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue           string `yaml:"task_queue" mapstructure:"task_queue"`
	ActivityTimeoutSecs int    `yaml:"activity_timeout_secs" mapstructure:"activity_timeout_secs"`
}

// ServerConfig configures the read API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	RefreshSecs int      `yaml:"refresh_secs" mapstructure:"refresh_secs"`
	RecentRuns  int      `yaml:"recent_runs" mapstructure:"recent_runs"`
	RatePerSec  float64  `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst       int      `yaml:"burst" mapstructure:"burst"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// APIKeysConfig holds credentials for the upstream fetchers that produce
// raw records. The core never calls them.
type APIKeysConfig struct {
	FMP     string `yaml:"fmp" mapstructure:"fmp"`
	Finnhub string `yaml:"finnhub" mapstructure:"finnhub"`
	EODHD   string `yaml:"eodhd" mapstructure:"eodhd"`
	FRED    string `yaml:"fred" mapstructure:"fred"`
	NewsAPI string `yaml:"newsapi" mapstructure:"newsapi"`
	SimFin  string `yaml:"simfin" mapstructure:"simfin"`
	SerpAPI string `yaml:"serpapi" mapstructure:"serpapi"`
}

// LLMConfig describes the external thesis distillation model.
type LLMConfig struct {
	Provider  string `yaml:"provider" mapstructure:"provider"`
	Model     string `yaml:"model" mapstructure:"model"`
	APIKey    string `yaml:"api_key" mapstructure:"api_key"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CHARLIE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "charlie.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("data.root", "data")
	v.SetDefault("data.export_dir", "data/export")
	v.SetDefault("data.assets_file", "assets.yaml")
	v.SetDefault("pipeline.engine", "local")
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.seed", 1234)
	v.SetDefault("pipeline.max_unit_failure_fraction", 0.0)
	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.initial_backoff_ms", 50)
	v.SetDefault("retry.max_backoff_ms", 2000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("normalize.min_content_length", 40)
	v.SetDefault("normalize.source_allow_list", []string{})
	v.SetDefault("normalize.snippet_chars", 280)
	v.SetDefault("normalize.chars_per_token", 4)
	v.SetDefault("technicals.lookback", 15)
	v.SetDefault("technicals.warmup", 45)
	v.SetDefault("assemble.variations", 20)
	v.SetDefault("assemble.token_budget", 8192)
	v.SetDefault("assemble.chars_per_token", 4)
	v.SetDefault("assemble.modalities", []string{"technicals", "fundamentals", "macro", "options", "news"})
	v.SetDefault("assemble.recent.min", 2)
	v.SetDefault("assemble.recent.max", 5)
	v.SetDefault("assemble.mid.min", 1)
	v.SetDefault("assemble.mid.max", 3)
	v.SetDefault("assemble.distant.min", 0)
	v.SetDefault("assemble.distant.max", 2)
	v.SetDefault("assemble.macro_lookback_days", 30)
	v.SetDefault("assemble.macro_max_events", 8)
	v.SetDefault("assemble.options_enabled", true)
	v.SetDefault("assemble.options_max_records", 10)
	v.SetDefault("assemble.options_max_age_days", 5)
	v.SetDefault("label.horizons", []int{3, 7, 15})
	v.SetDefault("label.weights", []float64{0.3, 0.5, 0.2})
	v.SetDefault("label.ema_span", 3)
	v.SetDefault("label.vol_window", 20)
	v.SetDefault("label.vol_min_periods", 10)
	v.SetDefault("label.breakpoints", []float64{0.03, 0.15, 0.53, 0.85})
	v.SetDefault("label.min_fit_samples", 30)
	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "charlie-tr1")
	v.SetDefault("temporal.activity_timeout_secs", 1800)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.refresh_secs", 60)
	v.SetDefault("server.recent_runs", 50)
	v.SetDefault("server.rate_per_sec", 20.0)
	v.SetDefault("server.burst", 40)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.max_tokens", 1024)
}

// Validate checks ranges and mode-specific requirements. Mode is one of
// run, ingest, export, serve, worker or migrate.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("store.driver must be sqlite or postgres, got %q", c.Store.Driver))
	}
	if c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required")
	}

	if c.Pipeline.Workers < 1 || c.Pipeline.Workers > 64 {
		errs = append(errs, "pipeline.workers must be between 1 and 64")
	}
	if c.Pipeline.MaxUnitFailureFraction < 0 || c.Pipeline.MaxUnitFailureFraction > 1 {
		errs = append(errs, "pipeline.max_unit_failure_fraction must be in [0, 1]")
	}
	switch c.Pipeline.Engine {
	case "local", "temporal":
	default:
		errs = append(errs, fmt.Sprintf("pipeline.engine must be local or temporal, got %q", c.Pipeline.Engine))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, "retry.max_attempts must be >= 1")
	}

	if c.Normalize.MinContentLength < 0 {
		errs = append(errs, "normalize.min_content_length must be >= 0")
	}
	if c.Normalize.CharsPerToken < 1 || c.Assemble.CharsPerToken < 1 {
		errs = append(errs, "chars_per_token must be >= 1")
	}
	if c.Technicals.Lookback < 1 {
		errs = append(errs, "technicals.lookback must be >= 1")
	}
	if c.Technicals.Warmup < 0 {
		errs = append(errs, "technicals.warmup must be >= 0")
	}

	if c.Assemble.Variations < 1 {
		errs = append(errs, "assemble.variations must be >= 1")
	}
	if c.Assemble.TokenBudget < 1 {
		errs = append(errs, "assemble.token_budget must be > 0")
	}
	for name, q := range map[string]QuotaConfig{"recent": c.Assemble.Recent, "mid": c.Assemble.Mid, "distant": c.Assemble.Distant} {
		if q.Min < 0 || q.Min > q.Max {
			errs = append(errs, fmt.Sprintf("assemble.%s quota needs 0 <= min <= max", name))
		}
	}
	for _, m := range c.Assemble.Modalities {
		switch m {
		case "technicals", "fundamentals", "macro", "options", "news":
		default:
			errs = append(errs, fmt.Sprintf("assemble.modalities: unknown modality %q", m))
		}
	}

	errs = append(errs, c.Label.validate()...)

	switch mode {
	case "run", "ingest", "export", "migrate":
	case "serve":
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	case "worker":
		if c.Temporal.HostPort == "" || c.Temporal.TaskQueue == "" {
			errs = append(errs, "temporal.host_port and temporal.task_queue are required")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown mode %q", mode))
	}
	if mode == "run" && c.Pipeline.Engine == "temporal" && c.Temporal.HostPort == "" {
		errs = append(errs, "temporal.host_port is required for the temporal engine")
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (l LabelConfig) validate() []string {
	var errs []string
	if len(l.Horizons) == 0 {
		errs = append(errs, "label.horizons is required")
	}
	if len(l.Weights) != len(l.Horizons) {
		errs = append(errs, "label.weights must have one weight per horizon")
	}
	var sum float64
	for _, w := range l.Weights {
		if w < 0 {
			errs = append(errs, "label.weights values must be >= 0")
			break
		}
		sum += w
	}
	if math.Abs(sum-1) > 1e-9 {
		errs = append(errs, fmt.Sprintf("label.weights must sum to 1, got %g", sum))
	}
	prev := 0.0
	for _, h := range l.Horizons {
		if h < 1 {
			errs = append(errs, "label.horizons must be positive")
			break
		}
	}
	if len(l.Breakpoints) != 4 {
		errs = append(errs, "label.breakpoints must have 4 values")
	}
	for _, b := range l.Breakpoints {
		if b <= prev || b >= 1 {
			errs = append(errs, "label.breakpoints must be strictly increasing in (0, 1)")
			break
		}
		prev = b
	}
	if l.VolWindow < 2 {
		errs = append(errs, "label.vol_window must be >= 2")
	}
	if l.VolMinPeriods < 2 || l.VolMinPeriods > l.VolWindow {
		errs = append(errs, "label.vol_min_periods must be between 2 and vol_window")
	}
	if l.MinFitSamples < 1 {
		errs = append(errs, "label.min_fit_samples must be >= 1")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
