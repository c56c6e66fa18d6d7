// Package config handles satlens configuration from YAML files.
//
// Every heuristic list the engine relies on (selectors, class names, keywords,
// skip tags, classifier weights) lives here as data so it can be extended
// without touching control flow.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/andybalholm/cascadia"
	"gopkg.in/yaml.v3"
)

// Config is the top-level satlens configuration.
type Config struct {
	Currency    CurrencyConfig    `yaml:"currency"`
	Units       UnitsConfig       `yaml:"units"`
	Budgets     BudgetConfig      `yaml:"budgets"`
	Incremental IncrementalConfig `yaml:"incremental"`
	Tables      Tables            `yaml:"tables"`
	Safety      SafetyConfig      `yaml:"safety"`
	Server      ServerConfig      `yaml:"server"`
	Metrics     MetricsConfig     `yaml:"metrics"`
}

// CurrencyConfig lists the markers of the one fiat currency being converted.
type CurrencyConfig struct {
	Symbol string   `yaml:"symbol"` // canonical glyph used when rendering reconstructed prices
	Prefix []string `yaml:"prefix"` // markers that precede the amount ("$", "US$", "USD")
	Suffix []string `yaml:"suffix"` // markers that follow the amount ("USD", "$", "dollars")
}

// UnitsConfig describes the target unit and its subunit.
type UnitsConfig struct {
	Primary          string `yaml:"primary"`
	Subunit          string `yaml:"subunit"`
	SubunitsPerUnit  int64  `yaml:"subunits_per_unit"`
	PrimaryPrecision int32  `yaml:"primary_precision"`
	SubunitPrecision int32  `yaml:"subunit_precision"`
}

// BudgetConfig bounds the cost of a single walk.
type BudgetConfig struct {
	MaxOperations            int `yaml:"max_operations"`
	MaxStack                 int `yaml:"max_stack"`
	IncrementalMaxOperations int `yaml:"incremental_max_operations"`
}

// IncrementalConfig controls mutation batching.
type IncrementalConfig struct {
	DebounceWindow   time.Duration `yaml:"debounce_window"`
	MaxWait          time.Duration `yaml:"max_wait"`
	ThrottleInterval time.Duration `yaml:"throttle_interval"`
	BatchSize        int           `yaml:"batch_size"`
}

// Tables holds the curated heuristic lists.
type Tables struct {
	SkipTags           []string            `yaml:"skip_tags"`
	PriceHints         []string            `yaml:"price_hints"`
	TargetedSelectors  []string            `yaml:"targeted_selectors"`
	CandidateHints     []string            `yaml:"candidate_hints"`
	ContainerClasses   []string            `yaml:"container_classes"`
	SymbolSelectors    []string            `yaml:"symbol_selectors"`
	WholeSelectors     []string            `yaml:"whole_selectors"`
	FractionSelectors  []string            `yaml:"fraction_selectors"`
	OffscreenSelectors []string            `yaml:"offscreen_selectors"`
	SymbolKeywords     map[string][]string `yaml:"symbol_keywords"` // canonical glyph -> keywords
	MaxAncestorLevels  int                 `yaml:"max_ancestor_levels"`
}

// SafetyConfig is the context classifier policy.
type SafetyConfig struct {
	Weights                 SafetyWeights `yaml:"weights"`
	LowThreshold            int           `yaml:"low_threshold"`
	MediumThreshold         int           `yaml:"medium_threshold"`
	HighThreshold           int           `yaml:"high_threshold"`
	TinyFrameWidth          int           `yaml:"tiny_frame_width"`
	TinyFrameHeight         int           `yaml:"tiny_frame_height"`
	RetailerHosts           []string      `yaml:"retailer_hosts"`
	RestrictedURLKeywords   []string      `yaml:"restricted_url_keywords"`
	RestrictedLayoutClasses []string      `yaml:"restricted_layout_classes"`
	AdMarkerAttrs           []string      `yaml:"ad_marker_attrs"`
}

// SafetyWeights is how much each failed check adds to the severity score.
type SafetyWeights struct {
	Embedded        int `yaml:"embedded"`
	NoSameOrigin    int `yaml:"no_same_origin"`
	InlineScriptCSP int `yaml:"inline_script_csp"`
	StorageBlocked  int `yaml:"storage_blocked"`
	TinyFrame       int `yaml:"tiny_frame"`
	RetailerURL     int `yaml:"retailer_url"`
	RetailerLayout  int `yaml:"retailer_layout"`
	AdMarkers       int `yaml:"ad_markers"`
}

// ServerConfig controls the HTTP service.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	TokenHash string `yaml:"token_hash"` // bcrypt hash of the bearer token; empty disables auth
	MaxBody   int64  `yaml:"max_body"`
	RateLimit int    `yaml:"rate_limit"` // requests per minute per client IP; 0 disables
}

// MetricsConfig controls the SQLite metrics store.
type MetricsConfig struct {
	DBPath        string        `yaml:"db_path"`
	BufferSize    int           `yaml:"buffer_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	return &cfg
}

// LoadFile reads a YAML configuration file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that every selector compiles and that the numeric
// settings are usable.
func (c *Config) Validate() error {
	lists := map[string][]string{
		"targeted_selectors":  c.Tables.TargetedSelectors,
		"symbol_selectors":    c.Tables.SymbolSelectors,
		"whole_selectors":     c.Tables.WholeSelectors,
		"fraction_selectors":  c.Tables.FractionSelectors,
		"offscreen_selectors": c.Tables.OffscreenSelectors,
	}
	for name, sels := range lists {
		for _, s := range sels {
			if _, err := cascadia.Compile(s); err != nil {
				return fmt.Errorf("config: tables.%s: %q: %w", name, s, err)
			}
		}
	}
	if len(c.Currency.Prefix) == 0 && len(c.Currency.Suffix) == 0 {
		return fmt.Errorf("config: currency: no markers")
	}
	if c.Units.SubunitsPerUnit <= 0 {
		return fmt.Errorf("config: units.subunits_per_unit must be positive")
	}
	if c.Safety.LowThreshold > c.Safety.MediumThreshold || c.Safety.MediumThreshold > c.Safety.HighThreshold {
		return fmt.Errorf("config: safety thresholds must be ordered low <= medium <= high")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Currency.Symbol == "" {
		c.Currency.Symbol = "$"
	}
	if len(c.Currency.Prefix) == 0 && len(c.Currency.Suffix) == 0 {
		c.Currency.Prefix = []string{"US$", "USD", "$"}
		c.Currency.Suffix = []string{"USD", "$", "dollars"}
	}

	if c.Units.Primary == "" {
		c.Units.Primary = "BTC"
	}
	if c.Units.Subunit == "" {
		c.Units.Subunit = "sats"
	}
	if c.Units.SubunitsPerUnit == 0 {
		c.Units.SubunitsPerUnit = 100_000_000
	}
	if c.Units.PrimaryPrecision <= 0 {
		c.Units.PrimaryPrecision = 4
	}
	if c.Units.SubunitPrecision < 0 {
		c.Units.SubunitPrecision = 0
	}

	if c.Budgets.MaxOperations <= 0 {
		c.Budgets.MaxOperations = 200_000
	}
	if c.Budgets.MaxStack <= 0 {
		c.Budgets.MaxStack = 10_000
	}
	if c.Budgets.IncrementalMaxOperations <= 0 {
		c.Budgets.IncrementalMaxOperations = 20_000
	}

	if c.Incremental.DebounceWindow <= 0 {
		c.Incremental.DebounceWindow = 150 * time.Millisecond
	}
	if c.Incremental.MaxWait <= 0 {
		c.Incremental.MaxWait = time.Second
	}
	if c.Incremental.ThrottleInterval <= 0 {
		c.Incremental.ThrottleInterval = 500 * time.Millisecond
	}
	if c.Incremental.BatchSize <= 0 {
		c.Incremental.BatchSize = 50
	}

	c.Tables.applyDefaults()
	c.Safety.applyDefaults()

	if c.Server.Addr == "" {
		c.Server.Addr = ":8088"
	}
	if c.Server.MaxBody <= 0 {
		c.Server.MaxBody = 10 << 20
	}
	if c.Metrics.BufferSize <= 0 {
		c.Metrics.BufferSize = 100
	}
	if c.Metrics.FlushInterval <= 0 {
		c.Metrics.FlushInterval = 5 * time.Second
	}
}

func (t *Tables) applyDefaults() {
	if len(t.SkipTags) == 0 {
		t.SkipTags = []string{
			"script", "style", "noscript", "template", "head", "title", "meta", "link", "base",
			"iframe", "frame", "object", "embed", "video", "audio", "canvas", "svg", "math",
			"input", "textarea", "select", "option", "code", "pre",
		}
	}
	if len(t.PriceHints) == 0 {
		t.PriceHints = []string{"price", "cost", "amount", "total", "money", "currency", "sale", "offer", "deal"}
	}
	if len(t.TargetedSelectors) == 0 {
		t.TargetedSelectors = []string{
			"[class*=price]", "[id*=price]", "[itemprop=price]", "[data-price]",
			"[class*=amount]", "[class*=cost]", "[class*=total]", ".a-price", ".a-offscreen",
		}
	}
	if len(t.CandidateHints) == 0 {
		t.CandidateHints = []string{"price", "currency", "symbol", "whole", "fraction", "cents", "amount"}
	}
	if len(t.ContainerClasses) == 0 {
		t.ContainerClasses = []string{
			"a-price", "price", "product-price", "price-box", "sale-price", "current-price",
			"price-current", "s-item__price", "x-price-primary", "money",
		}
	}
	if len(t.SymbolSelectors) == 0 {
		t.SymbolSelectors = []string{".a-price-symbol", "[class*=symbol]", "[class*=currency]"}
	}
	if len(t.WholeSelectors) == 0 {
		t.WholeSelectors = []string{".a-price-whole", "[class*=whole]", "[class*=integer]", "[class*=dollars]"}
	}
	if len(t.FractionSelectors) == 0 {
		t.FractionSelectors = []string{".a-price-fraction", "[class*=fraction]", "[class*=cents]", "[class*=decimal]"}
	}
	if len(t.OffscreenSelectors) == 0 {
		t.OffscreenSelectors = []string{".a-offscreen", "[class*=sr-only]", "[class*=visually-hidden]"}
	}
	if len(t.SymbolKeywords) == 0 {
		t.SymbolKeywords = map[string][]string{
			"$": {"$", "usd", "dollar"},
			"€": {"€", "eur", "euro"},
			"£": {"£", "gbp", "pound"},
			"¥": {"¥", "jpy", "yen", "cny", "yuan"},
		}
	}
	if t.MaxAncestorLevels <= 0 {
		t.MaxAncestorLevels = 4
	}
}

func (s *SafetyConfig) applyDefaults() {
	w := &s.Weights
	if w.Embedded == 0 {
		w.Embedded = 1
	}
	if w.NoSameOrigin == 0 {
		w.NoSameOrigin = 2
	}
	if w.InlineScriptCSP == 0 {
		w.InlineScriptCSP = 1
	}
	if w.StorageBlocked == 0 {
		w.StorageBlocked = 1
	}
	if w.TinyFrame == 0 {
		w.TinyFrame = 2
	}
	if w.RetailerURL == 0 {
		w.RetailerURL = 2
	}
	if w.RetailerLayout == 0 {
		w.RetailerLayout = 1
	}
	if w.AdMarkers == 0 {
		w.AdMarkers = 2
	}

	if s.LowThreshold <= 0 {
		s.LowThreshold = 1
	}
	if s.MediumThreshold <= 0 {
		s.MediumThreshold = 2
	}
	if s.HighThreshold <= 0 {
		s.HighThreshold = 4
	}
	if s.TinyFrameWidth <= 0 {
		s.TinyFrameWidth = 300
	}
	if s.TinyFrameHeight <= 0 {
		s.TinyFrameHeight = 250
	}
	if len(s.RetailerHosts) == 0 {
		s.RetailerHosts = []string{"amazon."}
	}
	if len(s.RestrictedURLKeywords) == 0 {
		s.RestrictedURLKeywords = []string{
			"/ap/signin", "/gp/buy", "/checkout", "/cart/smart-wagon", "aax-", "adsystem", "/sponsored", "/gp/video",
		}
	}
	if len(s.RestrictedLayoutClasses) == 0 {
		s.RestrictedLayoutClasses = []string{"a-modal-scroller", "a-popover-wrapper", "sp-sponsored-result", "adplacements"}
	}
	if len(s.AdMarkerAttrs) == 0 {
		s.AdMarkerAttrs = []string{"data-ad", "data-ad-slot", "data-ad-client", "data-google-query-id", "data-aax-id", "data-ad-details"}
	}
}
