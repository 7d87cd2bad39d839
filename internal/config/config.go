// Package config resolves runtime configuration from the environment.
//
// Configuration is env-first: every knob is an environment variable, with
// viper providing defaults and optional .env-style overrides. The database
// URL is validated eagerly so that a misconfigured deployment fails at
// startup rather than mid-pipeline.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration.
type Config struct {
	DatabaseURL string
	SourcePath  string // FOLHA_IA_PATH: the multi-sheet source spreadsheet
	RedisURL    string // optional; lock and cache degrade without it

	ProcessedDir string // csv.gz staging artifacts and JSON reports
	ReportsDir   string // per-run ingestion reports
	DocsDir      string // DATA_DICTIONARY.md, CRITICAL_MISMATCHES.md, RELEASE_BLOCKED.md

	LogFile string
	Debug   bool

	// API-surface settings, carried for completeness; the core never reads
	// them but the deployment contract enumerates them.
	APIKey        string
	RequireAPIKey bool
	CORSOrigins   []string
}

// Load reads configuration from the environment and validates it.
// The database URL must be PostgreSQL-family; anything else is rejected.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("FOLHA_IA_PATH", "data/raw/Folha_IA.xlsx")
	v.SetDefault("PROCESSED_DIR", "data/processed")
	v.SetDefault("REPORTS_DIR", "app/ingestion")
	v.SetDefault("DOCS_DIR", "docs")

	cfg := &Config{
		DatabaseURL:   resolveDatabaseURL(v),
		SourcePath:    v.GetString("FOLHA_IA_PATH"),
		RedisURL:      v.GetString("REDIS_URL"),
		ProcessedDir:  v.GetString("PROCESSED_DIR"),
		ReportsDir:    v.GetString("REPORTS_DIR"),
		DocsDir:       v.GetString("DOCS_DIR"),
		LogFile:       v.GetString("LOG_FILE"),
		Debug:         v.GetBool("DEBUG"),
		APIKey:        v.GetString("API_KEY"),
		RequireAPIKey: v.GetBool("REQUIRE_API_KEY"),
	}
	if origins := v.GetString("CORS_ORIGINS"); origins != "" {
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				cfg.CORSOrigins = append(cfg.CORSOrigins, o)
			}
		}
	}

	if err := ValidateDatabaseURL(cfg.DatabaseURL); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolveDatabaseURL picks DATABASE_URL, falling back to the host or docker
// variant depending on where the process runs. Container detection follows
// the usual /.dockerenv convention.
func resolveDatabaseURL(v *viper.Viper) string {
	if url := v.GetString("DATABASE_URL"); url != "" {
		return url
	}
	if inContainer() {
		if url := v.GetString("DATABASE_URL_DOCKER"); url != "" {
			return url
		}
	}
	return v.GetString("DATABASE_URL_HOST")
}

func inContainer() bool {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

// ValidateDatabaseURL enforces the PostgreSQL-only contract. SQLite and any
// other scheme are rejected at startup.
func ValidateDatabaseURL(url string) error {
	if url == "" {
		return fmt.Errorf("DATABASE_URL is required (PostgreSQL 15+)")
	}
	if strings.HasPrefix(url, "sqlite") {
		return fmt.Errorf("DATABASE_URL points to SQLite; PostgreSQL 15+ is required")
	}
	for _, scheme := range []string{"postgres://", "postgresql://"} {
		if strings.HasPrefix(url, scheme) {
			return nil
		}
	}
	return fmt.Errorf("unsupported DATABASE_URL scheme (want postgres:// or postgresql://): %s", redact(url))
}

// redact trims credentials out of a URL before it reaches an error message.
func redact(url string) string {
	if at := strings.Index(url, "@"); at >= 0 {
		if scheme := strings.Index(url, "://"); scheme >= 0 && scheme+3 < at {
			return url[:scheme+3] + "***" + url[at:]
		}
	}
	if len(url) > 50 {
		return url[:50]
	}
	return url
}
