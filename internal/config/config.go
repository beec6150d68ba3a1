package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Rakuten    RakutenConfig    `yaml:"rakuten" mapstructure:"rakuten"`
	Classifier ClassifierConfig `yaml:"classifier" mapstructure:"classifier"`
	Gemini     GeminiConfig     `yaml:"gemini" mapstructure:"gemini"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Scan       ScanConfig       `yaml:"scan" mapstructure:"scan"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the session store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// RakutenConfig holds Rakuten Ichiba search API settings.
type RakutenConfig struct {
	AppID       string `yaml:"app_id" mapstructure:"app_id"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Hits        int    `yaml:"hits" mapstructure:"hits"`
	PageDelayMs int    `yaml:"page_delay_ms" mapstructure:"page_delay_ms"`
	MaxPages    int    `yaml:"max_pages" mapstructure:"max_pages"`
}

// PageDelay returns the courtesy delay between listing page requests.
func (c RakutenConfig) PageDelay() time.Duration {
	return time.Duration(c.PageDelayMs) * time.Millisecond
}

// ClassifierConfig configures the per-item classification call.
type ClassifierConfig struct {
	Provider                string  `yaml:"provider" mapstructure:"provider"`
	TimeoutSecs             int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxAttempts             int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	BackoffBase             float64 `yaml:"backoff_base" mapstructure:"backoff_base"`
	BackoffUnitMs           int     `yaml:"backoff_unit_ms" mapstructure:"backoff_unit_ms"`
	MaxBackoffMs            int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	JitterMs                int     `yaml:"jitter_ms" mapstructure:"jitter_ms"`
	FetchImages             bool    `yaml:"fetch_images" mapstructure:"fetch_images"`
	RubricPath              string  `yaml:"rubric_path" mapstructure:"rubric_path"`
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// Timeout returns the per-call classification timeout.
func (c ClassifierConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// GeminiConfig holds Gemini API settings.
type GeminiConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ScanConfig configures batch scheduling.
type ScanConfig struct {
	Concurrency      int    `yaml:"concurrency" mapstructure:"concurrency"`
	FastConcurrency  int    `yaml:"fast_concurrency" mapstructure:"fast_concurrency"`
	GroupDelayMs     int    `yaml:"group_delay_ms" mapstructure:"group_delay_ms"`
	FastGroupDelayMs int    `yaml:"fast_group_delay_ms" mapstructure:"fast_group_delay_ms"`
	CSVEncoding      string `yaml:"csv_encoding" mapstructure:"csv_encoding"`
	CSVNameColumn    string `yaml:"csv_name_column" mapstructure:"csv_name_column"`
}

// Pacing returns the group size and inter-group delay for the chosen mode.
func (c ScanConfig) Pacing(fast bool) (int, time.Duration) {
	if fast {
		return c.FastConcurrency, time.Duration(c.FastGroupDelayMs) * time.Millisecond
	}
	return c.Concurrency, time.Duration(c.GroupDelayMs) * time.Millisecond
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// MonitoringConfig configures alerting.
type MonitoringConfig struct {
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	AlertOnCritical     bool    `yaml:"alert_on_critical" mapstructure:"alert_on_critical"`
	ErrorRateThreshold  float64 `yaml:"error_rate_threshold" mapstructure:"error_rate_threshold"`
	CheckIntervalSecs   int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PATROL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults. Secrets get empty defaults so env-only values unmarshal.
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "patrol.db")
	v.SetDefault("rakuten.base_url", "https://app.rakuten.co.jp/services/api/IchibaItem/Search/20170706")
	v.SetDefault("rakuten.hits", 30)
	v.SetDefault("rakuten.page_delay_ms", 1000)
	v.SetDefault("rakuten.max_pages", 5)
	v.SetDefault("classifier.provider", "gemini")
	v.SetDefault("classifier.timeout_secs", 30)
	v.SetDefault("classifier.max_attempts", 6)
	v.SetDefault("classifier.backoff_base", 2.0)
	v.SetDefault("classifier.backoff_unit_ms", 1000)
	v.SetDefault("classifier.max_backoff_ms", 60000)
	v.SetDefault("classifier.jitter_ms", 1000)
	v.SetDefault("classifier.fetch_images", true)
	v.SetDefault("classifier.circuit_reset_secs", 30)
	v.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 512)
	v.SetDefault("scan.concurrency", 1)
	v.SetDefault("scan.fast_concurrency", 5)
	v.SetDefault("scan.group_delay_ms", 4000)
	v.SetDefault("scan.fast_group_delay_ms", 100)
	v.SetDefault("scan.csv_encoding", "shift_jis")
	v.SetDefault("server.port", 8080)
	v.SetDefault("monitoring.alert_on_critical", true)
	v.SetDefault("monitoring.error_rate_threshold", 0.2)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	for _, key := range []string{
		"rakuten.app_id", "gemini.key", "anthropic.key",
		"classifier.rubric_path", "scan.csv_name_column", "monitoring.webhook_url",
	} {
		v.SetDefault(key, "")
	}
	v.SetDefault("classifier.circuit_failure_threshold", 0)

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

// Validate checks that the settings a command needs are present. Mode is
// one of "scan", "rakuten" or "serve".
func (c *Config) Validate(mode string) error {
	var missing []string

	switch c.Classifier.Provider {
	case "gemini":
		if c.Gemini.Key == "" {
			missing = append(missing, "gemini.key (PATROL_GEMINI_KEY)")
		}
	case "anthropic":
		if c.Anthropic.Key == "" {
			missing = append(missing, "anthropic.key (PATROL_ANTHROPIC_KEY)")
		}
	default:
		return eris.Errorf("config: unknown classifier provider %q", c.Classifier.Provider)
	}

	if mode == "rakuten" || mode == "serve" {
		if c.Rakuten.AppID == "" {
			missing = append(missing, "rakuten.app_id (PATROL_RAKUTEN_APP_ID)")
		}
	}

	if c.Scan.Concurrency <= 0 || c.Scan.FastConcurrency <= 0 {
		return eris.New("config: scan concurrency must be positive")
	}
	if c.Classifier.MaxAttempts <= 0 {
		return eris.New("config: classifier.max_attempts must be positive")
	}

	if len(missing) > 0 {
		return eris.Errorf("config: missing required settings for %s: %s", mode, strings.Join(missing, ", "))
	}
	return nil
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
