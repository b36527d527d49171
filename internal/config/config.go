// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Session() SessionConfig
	Browser() BrowserConfig
	Reasoning() ReasoningConfig
	Tracker() TrackerConfig
	Memory() MemoryConfig
	Phase() PhaseConfig
	Diff() DiffConfig
	Defects() DefectsConfig

	// Session setters, populated from CLI flags rather than the config file.
	SetSessionTargetURL(string)
	SetSessionMaxSteps(int)
	SetSessionReportPath(string)
	SetBrowserHeadless(bool)
}

// Config holds the entire application configuration. Access goes through the
// Interface getters so callers can be handed a read-only view.
type Config struct {
	LoggerCfg    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	SessionCfg   SessionConfig   `mapstructure:"session" yaml:"session"`
	BrowserCfg   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	ReasoningCfg ReasoningConfig `mapstructure:"reasoning" yaml:"reasoning"`
	TrackerCfg   TrackerConfig   `mapstructure:"tracker" yaml:"tracker"`
	MemoryCfg    MemoryConfig    `mapstructure:"memory" yaml:"memory"`
	PhaseCfg     PhaseConfig     `mapstructure:"phase" yaml:"phase"`
	DiffCfg      DiffConfig      `mapstructure:"diff" yaml:"diff"`
	DefectsCfg   DefectsConfig   `mapstructure:"defects" yaml:"defects"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig       { return c.LoggerCfg }
func (c *Config) Session() SessionConfig     { return c.SessionCfg }
func (c *Config) Browser() BrowserConfig     { return c.BrowserCfg }
func (c *Config) Reasoning() ReasoningConfig { return c.ReasoningCfg }
func (c *Config) Tracker() TrackerConfig     { return c.TrackerCfg }
func (c *Config) Memory() MemoryConfig       { return c.MemoryCfg }
func (c *Config) Phase() PhaseConfig         { return c.PhaseCfg }
func (c *Config) Diff() DiffConfig           { return c.DiffCfg }
func (c *Config) Defects() DefectsConfig     { return c.DefectsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetSessionTargetURL(u string)  { c.SessionCfg.TargetURL = u }
func (c *Config) SetSessionMaxSteps(n int)      { c.SessionCfg.MaxSteps = n }
func (c *Config) SetSessionReportPath(p string) { c.SessionCfg.ReportPath = p }
func (c *Config) SetBrowserHeadless(b bool)     { c.BrowserCfg.Headless = b }

var _ Interface = (*Config)(nil)

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// SessionConfig holds top level settings for a single testing session.
type SessionConfig struct {
	TargetURL string `mapstructure:"target_url" yaml:"target_url"`
	// MaxSteps of 0 means the session runs until interrupted.
	MaxSteps      int    `mapstructure:"max_steps" yaml:"max_steps"`
	ReportPath    string `mapstructure:"report_path" yaml:"report_path"`
	ProbeInterval int    `mapstructure:"probe_interval" yaml:"probe_interval"`
	Workers       int    `mapstructure:"workers" yaml:"workers"`
}

// BrowserConfig holds settings for the headless browser instance.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	ViewportWidth     int           `mapstructure:"viewport_width" yaml:"viewport_width"`
	ViewportHeight    int           `mapstructure:"viewport_height" yaml:"viewport_height"`
	UserAgent         string        `mapstructure:"user_agent" yaml:"user_agent"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ActionTimeout     time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
	ScrollPixels      int           `mapstructure:"scroll_pixels" yaml:"scroll_pixels"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	// Button labels tried, in order, to dismiss cookie consent banners.
	CookieButtonTexts []string `mapstructure:"cookie_button_texts" yaml:"cookie_button_texts"`
	ConsoleLogLimit   int      `mapstructure:"console_log_limit" yaml:"console_log_limit"`
	NetworkLogLimit   int      `mapstructure:"network_log_limit" yaml:"network_log_limit"`
}

// ReasoningConfig configures the client for the reasoning service.
type ReasoningConfig struct {
	BaseURL       string        `mapstructure:"base_url" yaml:"base_url"`
	APIKey        string        `mapstructure:"api_key" yaml:"-"`
	FastModel     string        `mapstructure:"fast_model" yaml:"fast_model"`
	PowerfulModel string        `mapstructure:"powerful_model" yaml:"powerful_model"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RetryCount    int           `mapstructure:"retry_count" yaml:"retry_count"`
	RetryBaseWait time.Duration `mapstructure:"retry_base_wait" yaml:"retry_base_wait"`
	Temperature   float32       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens     int           `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// TrackerConfig configures the optional issue tracker integration. An empty
// BaseURL disables the tracker entirely.
type TrackerConfig struct {
	BaseURL    string        `mapstructure:"base_url" yaml:"base_url"`
	ProjectKey string        `mapstructure:"project_key" yaml:"project_key"`
	Label      string        `mapstructure:"label" yaml:"label"`
	Username   string        `mapstructure:"username" yaml:"username"`
	APIToken   string        `mapstructure:"api_token" yaml:"-"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// MemoryConfig tunes the action memory and anti loop detector.
type MemoryConfig struct {
	MaxActions      int `mapstructure:"max_actions" yaml:"max_actions"`
	RecentWindow    int `mapstructure:"recent_window" yaml:"recent_window"`
	RepeatWindow    int `mapstructure:"repeat_window" yaml:"repeat_window"`
	StuckThreshold  int `mapstructure:"stuck_threshold" yaml:"stuck_threshold"`
	MaxScrollsInRow int `mapstructure:"max_scrolls_in_row" yaml:"max_scrolls_in_row"`
	KeyMaxLen       int `mapstructure:"key_max_len" yaml:"key_max_len"`
}

// PhaseConfig tunes the test phase state machine.
type PhaseConfig struct {
	StepsPerPhase int `mapstructure:"steps_per_phase" yaml:"steps_per_phase"`
}

// DiffConfig tunes the screenshot change detector.
type DiffConfig struct {
	// PixelThreshold is the channel averaged 8-bit delta above which a pixel
	// counts as changed.
	PixelThreshold int     `mapstructure:"pixel_threshold" yaml:"pixel_threshold"`
	ZoneNoneBelow  float64 `mapstructure:"zone_none_below" yaml:"zone_none_below"`
	ZoneSmallBelow float64 `mapstructure:"zone_small_below" yaml:"zone_small_below"`
	ZoneMedBelow   float64 `mapstructure:"zone_medium_below" yaml:"zone_medium_below"`
	ZoneLargeBelow float64 `mapstructure:"zone_large_below" yaml:"zone_large_below"`
}

// DefectsConfig tunes the defect filter, deduplication and evidence capture.
type DefectsConfig struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold" yaml:"similarity_threshold"`
	// IgnorePatterns mark an anomaly as noise. ServerErrorPatterns override
	// them: anything that looks like a server error is always escalated.
	IgnorePatterns        []string `mapstructure:"ignore_patterns" yaml:"ignore_patterns"`
	ConsoleIgnorePatterns []string `mapstructure:"console_ignore_patterns" yaml:"console_ignore_patterns"`
	ServerErrorPatterns   []string `mapstructure:"server_error_patterns" yaml:"server_error_patterns"`
	SemanticGateWindow    int      `mapstructure:"semantic_gate_window" yaml:"semantic_gate_window"`
	MaxSearchKeywords     int      `mapstructure:"max_search_keywords" yaml:"max_search_keywords"`
	EvidenceDir           string   `mapstructure:"evidence_dir" yaml:"evidence_dir"`
	SummaryPrefix         string   `mapstructure:"summary_prefix" yaml:"summary_prefix"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "ferret")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Session --
	v.SetDefault("session.max_steps", 0)
	v.SetDefault("session.report_path", "ferret-report.txt")
	v.SetDefault("session.probe_interval", 10)
	v.SetDefault("session.workers", 3)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport_width", 1920)
	v.SetDefault("browser.viewport_height", 1080)
	v.SetDefault("browser.navigation_timeout", "45s")
	v.SetDefault("browser.action_timeout", "10s")
	v.SetDefault("browser.scroll_pixels", 600)
	v.SetDefault("browser.cookie_button_texts", []string{
		"accept all", "accept", "agree", "got it", "allow all", "ok",
	})
	v.SetDefault("browser.console_log_limit", 150)
	v.SetDefault("browser.network_log_limit", 80)

	// -- Reasoning --
	v.SetDefault("reasoning.base_url", "")
	v.SetDefault("reasoning.fast_model", "gpt-4o-mini")
	v.SetDefault("reasoning.powerful_model", "gpt-4o")
	v.SetDefault("reasoning.timeout", "60s")
	v.SetDefault("reasoning.retry_count", 3)
	v.SetDefault("reasoning.retry_base_wait", "2s")
	v.SetDefault("reasoning.temperature", 0.2)
	v.SetDefault("reasoning.max_tokens", 1024)

	// -- Tracker --
	v.SetDefault("tracker.base_url", "")
	v.SetDefault("tracker.label", "autotester")
	v.SetDefault("tracker.timeout", "15s")

	// -- Memory --
	v.SetDefault("memory.max_actions", 80)
	v.SetDefault("memory.recent_window", 5)
	v.SetDefault("memory.repeat_window", 3)
	v.SetDefault("memory.stuck_threshold", 3)
	v.SetDefault("memory.max_scrolls_in_row", 5)
	v.SetDefault("memory.key_max_len", 80)

	// -- Phase --
	v.SetDefault("phase.steps_per_phase", 5)

	// -- Diff --
	v.SetDefault("diff.pixel_threshold", 30)
	v.SetDefault("diff.zone_none_below", 0.5)
	v.SetDefault("diff.zone_small_below", 5.0)
	v.SetDefault("diff.zone_medium_below", 30.0)
	v.SetDefault("diff.zone_large_below", 70.0)

	// -- Defects --
	v.SetDefault("defects.similarity_threshold", 0.6)
	v.SetDefault("defects.ignore_patterns", []string{
		"favicon",
		"third-party cookie",
		"analytics",
		"ad blocker",
		"net::err_blocked_by_client",
		"resizeobserver loop",
	})
	v.SetDefault("defects.console_ignore_patterns", []string{
		"deprecat",
		"favicon.ico",
		"source map",
		"devtools",
		"preload",
	})
	v.SetDefault("defects.server_error_patterns", []string{
		"500", "501", "502", "503", "504",
		"internal server error",
		"server error",
		"5xx",
	})
	v.SetDefault("defects.semantic_gate_window", 10)
	v.SetDefault("defects.max_search_keywords", 8)
	v.SetDefault("defects.evidence_dir", "ferret-evidence")
	v.SetDefault("defects.summary_prefix", "[ferret]")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("reasoning.api_key", "FERRET_REASONING_API_KEY")
	v.BindEnv("tracker.api_token", "FERRET_TRACKER_API_TOKEN")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Fall back to the environment directly if Unmarshal didn't pick them up.
	if cfg.ReasoningCfg.APIKey == "" {
		cfg.ReasoningCfg.APIKey = os.Getenv("FERRET_REASONING_API_KEY")
	}
	if cfg.TrackerCfg.BaseURL != "" && cfg.TrackerCfg.APIToken == "" {
		cfg.TrackerCfg.APIToken = os.Getenv("FERRET_TRACKER_API_TOKEN")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.SessionCfg.Workers <= 0 {
		return fmt.Errorf("session.workers must be a positive integer")
	}
	if c.MemoryCfg.MaxActions <= 0 {
		return fmt.Errorf("memory.max_actions must be a positive integer")
	}
	if c.MemoryCfg.RepeatWindow <= 0 || c.MemoryCfg.StuckThreshold <= 0 {
		return fmt.Errorf("memory.repeat_window and memory.stuck_threshold must be positive")
	}
	if c.PhaseCfg.StepsPerPhase <= 0 {
		return fmt.Errorf("phase.steps_per_phase must be a positive integer")
	}
	if c.DiffCfg.PixelThreshold < 0 || c.DiffCfg.PixelThreshold > 255 {
		return fmt.Errorf("diff.pixel_threshold must be within 0..255")
	}
	if c.DefectsCfg.SimilarityThreshold < 0 || c.DefectsCfg.SimilarityThreshold > 1 {
		return fmt.Errorf("defects.similarity_threshold must be between 0.0 and 1.0")
	}
	if err := c.TrackerCfg.Validate(); err != nil {
		return fmt.Errorf("tracker configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the tracker configuration. A disabled tracker (empty
// base_url) is always valid.
func (t *TrackerConfig) Validate() error {
	if t.BaseURL == "" {
		return nil
	}
	if t.ProjectKey == "" {
		return fmt.Errorf("project_key is required when base_url is set")
	}
	if t.Label == "" {
		return fmt.Errorf("label is required when base_url is set")
	}
	return nil
}
