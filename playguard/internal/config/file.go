// Package config loads playguard configuration from a YAML file overlaid
// by PLAYGUARD_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/playguard/governor"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "PLAYGUARD"

// Config is the top-level playguard configuration.
type Config struct {
	Browser     BrowserConfig     `yaml:"browser"`
	Pages       []PageConfig      `yaml:"pages"`
	Governor    GovernorConfig    `yaml:"governor"`
	DecisionLog DecisionLogConfig `yaml:"decision_log"`
	Admin       AdminConfig       `yaml:"admin"`
}

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	Remote           string        `yaml:"remote"`
	MemoryLimit      int64         `yaml:"memory_limit"`
	RecycleInterval  time.Duration `yaml:"recycle_interval"`
	ResourceBlocking []string      `yaml:"resource_blocking"`
	Mode             string        `yaml:"mode"` // headless | headful
	XvfbDisplay      string        `yaml:"xvfb_display"`
	Stealth          *bool         `yaml:"stealth"`
	Autoplay         bool          `yaml:"autoplay"`
}

// PageConfig is a page to govern.
type PageConfig struct {
	ID  string `yaml:"id"`
	URL string `yaml:"url"`
}

// GovernorConfig tunes the per-page governors.
type GovernorConfig struct {
	VisibilityThreshold float64         `yaml:"visibility_threshold"`
	RecheckDelay        time.Duration   `yaml:"recheck_delay"`
	DebounceWindow      time.Duration   `yaml:"debounce_window"`
	StartupScans        []time.Duration `yaml:"startup_scans"`
	ContainerSelectors  []string        `yaml:"container_selectors"`
	InterceptorFlag     string          `yaml:"interceptor_flag"`
}

// DecisionLogConfig enables the SQLite decision trail. Empty Path disables it.
// Entries older than Retention are pruned every CleanupInterval.
type DecisionLogConfig struct {
	Path            string        `yaml:"path"`
	Buffer          int           `yaml:"buffer"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	Retention       time.Duration `yaml:"retention"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// AdminConfig configures the HTTP admin API. Empty Listen disables it.
type AdminConfig struct {
	Listen string `yaml:"listen"`
}

// env holds the overrides read from the environment. Zero values leave the
// file setting untouched.
type env struct {
	Remote             string        `envconfig:"REMOTE"`
	Mode               string        `envconfig:"MODE"`
	Admin              string        `envconfig:"ADMIN"`
	DecisionLog        string        `envconfig:"DECISION_LOG"`
	DecisionRetention  time.Duration `envconfig:"DECISION_RETENTION"`
	Threshold          float64       `envconfig:"THRESHOLD"`
	RecheckDelay       time.Duration `envconfig:"RECHECK_DELAY"`
	DebounceWindow     time.Duration `envconfig:"DEBOUNCE_WINDOW"`
	ContainerSelectors []string      `envconfig:"CONTAINER_SELECTORS"`
	URLs               []string      `envconfig:"URLS"`
}

// Load reads path (when non-empty), applies environment overrides and
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	var e env
	if err := envconfig.Process(EnvPrefix, &e); err != nil {
		return nil, fmt.Errorf("config: env: %w", err)
	}
	cfg.overlay(e)

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlay(e env) {
	if e.Remote != "" {
		c.Browser.Remote = e.Remote
	}
	if e.Mode != "" {
		c.Browser.Mode = e.Mode
	}
	if e.Admin != "" {
		c.Admin.Listen = e.Admin
	}
	if e.DecisionLog != "" {
		c.DecisionLog.Path = e.DecisionLog
	}
	if e.DecisionRetention > 0 {
		c.DecisionLog.Retention = e.DecisionRetention
	}
	if e.Threshold > 0 {
		c.Governor.VisibilityThreshold = e.Threshold
	}
	if e.RecheckDelay > 0 {
		c.Governor.RecheckDelay = e.RecheckDelay
	}
	if e.DebounceWindow > 0 {
		c.Governor.DebounceWindow = e.DebounceWindow
	}
	if len(e.ContainerSelectors) > 0 {
		c.Governor.ContainerSelectors = e.ContainerSelectors
	}
	for _, u := range e.URLs {
		c.Pages = append(c.Pages, PageConfig{URL: u})
	}
}

func (c *Config) applyDefaults() {
	if c.Browser.MemoryLimit <= 0 {
		c.Browser.MemoryLimit = 1 << 30
	}
	if c.Browser.RecycleInterval <= 0 {
		c.Browser.RecycleInterval = 4 * time.Hour
	}
	if c.Browser.XvfbDisplay == "" {
		c.Browser.XvfbDisplay = ":99"
	}
	if c.Browser.Mode == "" {
		c.Browser.Mode = "headless"
	}
	if c.Browser.Stealth == nil {
		c.Browser.Stealth = lo.ToPtr(true)
	}

	g := &c.Governor
	if g.VisibilityThreshold == 0 {
		g.VisibilityThreshold = governor.DefaultVisibilityThreshold
	}
	if g.RecheckDelay <= 0 {
		g.RecheckDelay = governor.DefaultRecheckDelay
	}
	if g.DebounceWindow <= 0 {
		g.DebounceWindow = governor.DefaultDebounceWindow
	}
	g.ContainerSelectors = NormalizeSelectors(g.ContainerSelectors)
	if len(g.ContainerSelectors) == 0 {
		g.ContainerSelectors = governor.DefaultContainerSelectors
	}
	if g.InterceptorFlag == "" {
		g.InterceptorFlag = governor.DefaultInterceptorFlag
	}

	if c.DecisionLog.Buffer <= 0 {
		c.DecisionLog.Buffer = 1024
	}
	if c.DecisionLog.FlushInterval <= 0 {
		c.DecisionLog.FlushInterval = time.Second
	}
	if c.DecisionLog.Retention <= 0 {
		c.DecisionLog.Retention = 7 * 24 * time.Hour
	}
	if c.DecisionLog.CleanupInterval <= 0 {
		c.DecisionLog.CleanupInterval = time.Hour
	}

	for i := range c.Pages {
		c.Pages[i].URL = strings.TrimSpace(c.Pages[i].URL)
		if c.Pages[i].ID == "" {
			c.Pages[i].ID = fmt.Sprintf("page-%d", i+1)
		}
	}
}

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	if c.Browser.Mode != "headless" && c.Browser.Mode != "headful" {
		return fmt.Errorf("config: browser.mode must be headless or headful, got %q", c.Browser.Mode)
	}
	if t := c.Governor.VisibilityThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("config: governor.visibility_threshold must be in (0, 1], got %v", t)
	}
	for _, d := range c.Governor.StartupScans {
		if d <= 0 {
			return fmt.Errorf("config: governor.startup_scans: non-positive delay %v", d)
		}
	}
	seen := make(map[string]bool, len(c.Pages))
	for _, p := range c.Pages {
		if p.URL == "" {
			return fmt.Errorf("config: page %s: empty url", p.ID)
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate page id %s", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// NormalizeSelectors trims and deduplicates CSS selectors, dropping blanks.
func NormalizeSelectors(in []string) []string {
	out := lo.Uniq(lo.Compact(lo.Map(in, func(s string, _ int) string {
		return strings.TrimSpace(s)
	})))
	if len(out) == 0 {
		return nil
	}
	return out
}

// GovernorOptions converts the governor section into a governor.Config.
// Session, clock, logger and recorder are left to the caller.
func (c *Config) GovernorOptions() governor.Config {
	g := c.Governor
	return governor.Config{
		VisibilityThreshold: g.VisibilityThreshold,
		RecheckDelay:        g.RecheckDelay,
		DebounceWindow:      g.DebounceWindow,
		StartupScans:        g.StartupScans,
		ContainerSelectors:  g.ContainerSelectors,
		InterceptorFlag:     g.InterceptorFlag,
	}
}
