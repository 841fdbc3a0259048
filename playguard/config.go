package playguard

import (
	"github.com/hazyhaar/playguard/playguard/internal/config"
)

// Config is the top-level playguard configuration. Re-exported from internal.
type Config = config.Config

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig = config.BrowserConfig

// PageConfig is a page to govern.
type PageConfig = config.PageConfig

// GovernorConfig tunes the per-page governors.
type GovernorConfig = config.GovernorConfig

// DecisionLogConfig enables the SQLite decision trail.
type DecisionLogConfig = config.DecisionLogConfig

// AdminConfig configures the HTTP admin API.
type AdminConfig = config.AdminConfig

// LoadConfig reads path (optional) and PLAYGUARD_* environment overrides.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}
