package config

import (
	"errors"
	"io/fs"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Crawl      CrawlConfig      `yaml:"crawl" mapstructure:"crawl"`
	Canonical  CanonicalConfig  `yaml:"canonical" mapstructure:"canonical"`
	Sources    SourcesConfig    `yaml:"sources" mapstructure:"sources"`
	Discovery  DiscoveryConfig  `yaml:"discovery" mapstructure:"discovery"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// AnthropicConfig holds Anthropic API settings. An empty key disables the
// LLM classifier and leaves the keyword fallback in charge.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// CrawlConfig configures the crawl executor and runner.
type CrawlConfig struct {
	MaxRetries           int      `yaml:"max_retries" mapstructure:"max_retries"`
	RetryDelayBaseMs     int      `yaml:"retry_delay_base_ms" mapstructure:"retry_delay_base_ms"`
	MinRequestIntervalMs int      `yaml:"min_request_interval_ms" mapstructure:"min_request_interval_ms"`
	TimeoutSecs          int      `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent            string   `yaml:"user_agent" mapstructure:"user_agent"`
	FailureThreshold     int      `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	FallbackDomains      []string `yaml:"fallback_domains" mapstructure:"fallback_domains"`
	MaxRedirects         int      `yaml:"max_redirects" mapstructure:"max_redirects"`
	MinAnalyzePriority   string   `yaml:"min_analyze_priority" mapstructure:"min_analyze_priority"`
	RenderEnabled        bool     `yaml:"render_enabled" mapstructure:"render_enabled"`
	RenderSettleMs       int      `yaml:"render_settle_ms" mapstructure:"render_settle_ms"`
}

// CanonicalConfig configures the boilerplate denylist.
type CanonicalConfig struct {
	DenylistPath string `yaml:"denylist_path" mapstructure:"denylist_path"`
}

// SourcesConfig locates the source catalog.
type SourcesConfig struct {
	CatalogPath string `yaml:"catalog_path" mapstructure:"catalog_path"`
}

// DiscoveryConfig configures the discovery collectors.
type DiscoveryConfig struct {
	LookbackDays  int                `yaml:"lookback_days" mapstructure:"lookback_days"`
	PubMedDelayMs int                `yaml:"pubmed_delay_ms" mapstructure:"pubmed_delay_ms"`
	TrialTerms    int                `yaml:"trial_terms" mapstructure:"trial_terms"`
	SearchTerms   []string           `yaml:"search_terms" mapstructure:"search_terms"`
	Companies     []CompanyFeed      `yaml:"companies" mapstructure:"companies"`
	IndexPages    []PayerIndexPage   `yaml:"index_pages" mapstructure:"index_pages"`
	CLFSURL       string             `yaml:"clfs_url" mapstructure:"clfs_url"`
	Collectors    []string           `yaml:"collectors" mapstructure:"collectors"`
	RateLimits    map[string]float64 `yaml:"rate_limits" mapstructure:"rate_limits"`
}

// CompanyFeed is a watched vendor press feed.
type CompanyFeed struct {
	Name    string `yaml:"name" mapstructure:"name"`
	FeedURL string `yaml:"feed_url" mapstructure:"feed_url"`
}

// PayerIndexPage is a payer policy index scanned by the explorer.
type PayerIndexPage struct {
	PayerID  string `yaml:"payer_id" mapstructure:"payer_id"`
	IndexURL string `yaml:"index_url" mapstructure:"index_url"`
}

// ServerConfig configures the review API server.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	Enabled             bool   `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs   int    `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours int    `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	UnhealthyThreshold  int    `yaml:"unhealthy_threshold" mapstructure:"unhealthy_threshold"`
	ConflictThreshold   int    `yaml:"conflict_threshold" mapstructure:"conflict_threshold"`
	DiscoveryThreshold  int    `yaml:"discovery_threshold" mapstructure:"discovery_threshold"`
	WebhookURL          string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env, config.yaml and the environment.
func Load() (*Config, error) {
	return LoadFile("")
}

// LoadFile is Load with an explicit config file path. An empty path
// searches the working directory for config.yaml.
func LoadFile(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, eris.Wrap(err, "config: load .env")
	}

	v := viper.New()

	// Config file
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	// Environment
	v.SetEnvPrefix("COVERAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "coverage.db")
	v.SetDefault("anthropic.key", "")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 2048)
	v.SetDefault("crawl.max_retries", 3)
	v.SetDefault("crawl.retry_delay_base_ms", 2000)
	v.SetDefault("crawl.min_request_interval_ms", 3000)
	v.SetDefault("crawl.timeout_secs", 60)
	v.SetDefault("crawl.user_agent", "")
	v.SetDefault("crawl.failure_threshold", 5)
	v.SetDefault("crawl.fallback_domains", []string{})
	v.SetDefault("crawl.max_redirects", 10)
	v.SetDefault("crawl.min_analyze_priority", "medium")
	v.SetDefault("crawl.render_enabled", false)
	v.SetDefault("crawl.render_settle_ms", 1500)
	v.SetDefault("canonical.denylist_path", "")
	v.SetDefault("sources.catalog_path", "sources.yaml")
	v.SetDefault("discovery.lookback_days", 30)
	v.SetDefault("discovery.pubmed_delay_ms", 400)
	v.SetDefault("discovery.trial_terms", 3)
	v.SetDefault("discovery.search_terms", []string{})
	v.SetDefault("discovery.clfs_url", "")
	v.SetDefault("discovery.collectors", []string{"fda", "pubmed", "clinicaltrials", "newsroom", "explorer"})
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("monitoring.enabled", true)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.unhealthy_threshold", 1)
	v.SetDefault("monitoring.conflict_threshold", 1)
	v.SetDefault("monitoring.discovery_threshold", 25)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional unless named explicitly)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

var priorities = map[string]bool{"none": true, "low": true, "medium": true, "high": true}

// Validate checks the settings a command mode depends on. Modes are crawl,
// discover, serve and migrate.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		problems = append(problems, "store.driver must be sqlite or postgres")
	}
	if c.Store.DatabaseURL == "" {
		problems = append(problems, "store.database_url is required")
	}

	switch mode {
	case "migrate":
	case "crawl":
		problems = append(problems, c.validateCrawl()...)
		if c.Sources.CatalogPath == "" {
			problems = append(problems, "sources.catalog_path is required")
		}
	case "discover":
		if c.Discovery.LookbackDays < 1 {
			problems = append(problems, "discovery.lookback_days must be >= 1")
		}
		if c.Discovery.PubMedDelayMs < 0 {
			problems = append(problems, "discovery.pubmed_delay_ms must be >= 0")
		}
	case "serve":
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, "server.port must be > 0 and <= 65535")
		}
		if c.Monitoring.Enabled && c.Monitoring.CheckIntervalSecs < 0 {
			problems = append(problems, "monitoring.check_interval_secs must be >= 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (c *Config) validateCrawl() []string {
	var problems []string
	cc := c.Crawl
	if cc.MaxRetries < 0 || cc.MaxRetries > 10 {
		problems = append(problems, "crawl.max_retries must be between 0 and 10")
	}
	if cc.RetryDelayBaseMs < 0 || cc.MinRequestIntervalMs < 0 {
		problems = append(problems, "crawl delays must be >= 0")
	}
	if cc.FailureThreshold < 1 {
		problems = append(problems, "crawl.failure_threshold must be >= 1")
	}
	if !priorities[strings.ToLower(cc.MinAnalyzePriority)] {
		problems = append(problems, "crawl.min_analyze_priority must be none, low, medium or high")
	}
	return problems
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
