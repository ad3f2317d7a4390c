package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func chdirTemp(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	origDir, _ := os.Getwd()
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { os.Chdir(origDir) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	// Change to temp dir so no config.yaml is found
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Store.Driver)
	assert.Equal(t, "coverage.db", cfg.Store.DatabaseURL)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, []string{"*"}, cfg.Server.CORSOrigins)
	assert.Equal(t, 3, cfg.Crawl.MaxRetries)
	assert.Equal(t, 2000, cfg.Crawl.RetryDelayBaseMs)
	assert.Equal(t, 3000, cfg.Crawl.MinRequestIntervalMs)
	assert.Equal(t, 60, cfg.Crawl.TimeoutSecs)
	assert.Equal(t, 5, cfg.Crawl.FailureThreshold)
	assert.Equal(t, 10, cfg.Crawl.MaxRedirects)
	assert.Equal(t, "medium", cfg.Crawl.MinAnalyzePriority)
	assert.False(t, cfg.Crawl.RenderEnabled)
	assert.Equal(t, "sources.yaml", cfg.Sources.CatalogPath)
	assert.Equal(t, 30, cfg.Discovery.LookbackDays)
	assert.Equal(t, 400, cfg.Discovery.PubMedDelayMs)
	assert.Equal(t, 3, cfg.Discovery.TrialTerms)
	assert.Len(t, cfg.Discovery.Collectors, 5)
	assert.Equal(t, "claude-haiku-4-5-20251001", cfg.Anthropic.Model)
	assert.Equal(t, 300, cfg.Monitoring.CheckIntervalSecs)
	assert.Equal(t, 24, cfg.Monitoring.LookbackWindowHours)
	assert.True(t, cfg.Monitoring.Enabled)
}

func TestLoadFromYAML(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: postgres
  database_url: postgres://localhost/coverage
log:
  level: debug
  format: console
server:
  port: 9090
crawl:
  fallback_domains: [uhcprovider.com, cigna.com]
discovery:
  companies:
    - name: Acme
      feed_url: https://acme.example/rss
  index_pages:
    - payer_id: aetna
      index_url: https://aetna.example/cpb
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"uhcprovider.com", "cigna.com"}, cfg.Crawl.FallbackDomains)
	require.Len(t, cfg.Discovery.Companies, 1)
	assert.Equal(t, "https://acme.example/rss", cfg.Discovery.Companies[0].FeedURL)
	require.Len(t, cfg.Discovery.IndexPages, 1)
	assert.Equal(t, "aetna", cfg.Discovery.IndexPages[0].PayerID)
	// Defaults still apply for unset values
	assert.Equal(t, 3, cfg.Crawl.MaxRetries)
}

func TestLoadFile_Explicit(t *testing.T) {
	dir := chdirTemp(t)
	path := filepath.Join(dir, "other.yaml")
	require.NoError(t, os.WriteFile(path, []byte("crawl:\n  max_retries: 5\n"), 0644))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Crawl.MaxRetries)

	_, err = LoadFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := chdirTemp(t)

	yaml := `
store:
  driver: sqlite
log:
  level: debug
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0644))

	t.Setenv("COVERAGE_STORE_DRIVER", "postgres")
	t.Setenv("COVERAGE_LOG_LEVEL", "warn")

	cfg, err := Load()
	require.NoError(t, err)

	// Env overrides file
	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadDotEnv(t *testing.T) {
	dir := chdirTemp(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("COVERAGE_ANTHROPIC_KEY=sk-test\n"), 0600))
	// godotenv does not overwrite variables that are already set; register
	// cleanup for the one it sets.
	t.Setenv("COVERAGE_ANTHROPIC_KEY", "")
	require.NoError(t, os.Unsetenv("COVERAGE_ANTHROPIC_KEY"))

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.Anthropic.Key)
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	chdirTemp(t)

	t.Setenv("COVERAGE_SERVER_PORT", "3000")
	t.Setenv("COVERAGE_CRAWL_MIN_ANALYZE_PRIORITY", "high")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 3000, cfg.Server.Port)
	assert.Equal(t, "high", cfg.Crawl.MinAnalyzePriority)
}

func TestInitLoggerConsole(t *testing.T) {
	err := InitLogger(LogConfig{Level: "debug", Format: "console"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerJSON(t *testing.T) {
	err := InitLogger(LogConfig{Level: "info", Format: "json"})
	require.NoError(t, err)
	assert.NotNil(t, zap.L())
}

func TestInitLoggerInvalidLevel(t *testing.T) {
	err := InitLogger(LogConfig{Level: "invalid", Format: "json"})
	assert.Error(t, err)
}

// validDefaults returns a Config with all defaults populated for validation tests.
func validDefaults() *Config {
	cfg := &Config{}
	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = "coverage.db"
	cfg.Crawl.MaxRetries = 3
	cfg.Crawl.FailureThreshold = 5
	cfg.Crawl.MinAnalyzePriority = "medium"
	cfg.Sources.CatalogPath = "sources.yaml"
	cfg.Discovery.LookbackDays = 30
	cfg.Server.Port = 8080
	return cfg
}

func TestValidate_Modes(t *testing.T) {
	cfg := validDefaults()
	for _, mode := range []string{"crawl", "discover", "serve", "migrate"} {
		assert.NoError(t, cfg.Validate(mode), mode)
	}
}

func TestValidate_Store(t *testing.T) {
	cfg := validDefaults()
	cfg.Store.Driver = "mysql"
	cfg.Store.DatabaseURL = ""

	err := cfg.Validate("migrate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "store.driver must be sqlite or postgres")
	assert.Contains(t, err.Error(), "store.database_url is required")
}

func TestValidate_Crawl(t *testing.T) {
	cfg := validDefaults()
	cfg.Crawl.MaxRetries = 11
	cfg.Crawl.FailureThreshold = 0
	cfg.Crawl.MinAnalyzePriority = "urgent"
	cfg.Sources.CatalogPath = ""

	err := cfg.Validate("crawl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "crawl.max_retries must be between 0 and 10")
	assert.Contains(t, err.Error(), "crawl.failure_threshold must be >= 1")
	assert.Contains(t, err.Error(), "crawl.min_analyze_priority")
	assert.Contains(t, err.Error(), "sources.catalog_path is required")

	// Serve does not look at crawl settings.
	assert.NoError(t, cfg.Validate("serve"))
}

func TestValidate_ServePort(t *testing.T) {
	cfg := validDefaults()
	cfg.Server.Port = 0

	err := cfg.Validate("serve")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port must be > 0")
}

func TestValidate_Discover(t *testing.T) {
	cfg := validDefaults()
	cfg.Discovery.LookbackDays = 0

	err := cfg.Validate("discover")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "discovery.lookback_days")
}

func TestValidateUnknownMode(t *testing.T) {
	cfg := validDefaults()
	err := cfg.Validate("unknown")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unknown mode")
}
