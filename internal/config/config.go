// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Database() DatabaseConfig
	Engine() EngineConfig
	Browser() BrowserConfig
	Flow() FlowConfig
	OTP() OTPConfig
	Reaper() ReaperConfig

	// Engine Setters
	SetEngineWorkerConcurrency(int)
	SetEngineDefaultFlowTimeout(time.Duration)

	// Browser Setters
	SetBrowserEngine(string)
	SetBrowserHeadless(bool)

	// Reaper Setters
	SetReaperMaxAge(time.Duration)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	DatabaseCfg DatabaseConfig `mapstructure:"database" yaml:"database"`
	EngineCfg   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	FlowCfg     FlowConfig     `mapstructure:"flow" yaml:"flow"`
	OTPCfg      OTPConfig      `mapstructure:"otp" yaml:"otp"`
	ReaperCfg   ReaperConfig   `mapstructure:"reaper" yaml:"reaper"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Database() DatabaseConfig { return c.DatabaseCfg }
func (c *Config) Engine() EngineConfig     { return c.EngineCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Flow() FlowConfig         { return c.FlowCfg }
func (c *Config) OTP() OTPConfig           { return c.OTPCfg }
func (c *Config) Reaper() ReaperConfig     { return c.ReaperCfg }

// --- Interface Method Implementations (Setters) ---

// Engine Setters
func (c *Config) SetEngineWorkerConcurrency(w int) { c.EngineCfg.WorkerConcurrency = w }
func (c *Config) SetEngineDefaultFlowTimeout(d time.Duration) {
	c.EngineCfg.DefaultFlowTimeout = d
}

// Browser Setters
func (c *Config) SetBrowserEngine(kind string) { c.BrowserCfg.Engine = kind }
func (c *Config) SetBrowserHeadless(b bool)    { c.BrowserCfg.Headless = b }

// Reaper Setters
func (c *Config) SetReaperMaxAge(d time.Duration) { c.ReaperCfg.MaxAge = d }

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

// DatabaseConfig holds the Postgres connection settings. The store is optional;
// without a URL sessions and blocks are only logged.
type DatabaseConfig struct {
	URL      string `mapstructure:"url" yaml:"-"`
	MaxConns int32  `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns int32  `mapstructure:"min_conns" yaml:"min_conns"`
}

// EngineConfig sizes the flow worker pool.
type EngineConfig struct {
	QueueSize          int           `mapstructure:"queue_size" yaml:"queue_size"`
	WorkerConcurrency  int           `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	DefaultFlowTimeout time.Duration `mapstructure:"default_flow_timeout" yaml:"default_flow_timeout"`
}

// BrowserConfig selects and tunes the browser engine each flow launches.
type BrowserConfig struct {
	// Engine is the explicit engine kind: "chromedp" or "rod".
	Engine       string        `mapstructure:"engine" yaml:"engine"`
	Headless     bool          `mapstructure:"headless" yaml:"headless"`
	ExecPath     string        `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataRoot string        `mapstructure:"user_data_root" yaml:"user_data_root"`
	Args         []string      `mapstructure:"args" yaml:"args"`
	Viewport     Viewport      `mapstructure:"viewport" yaml:"viewport"`
	Persona      PersonaConfig `mapstructure:"persona" yaml:"persona"`
}

// Viewport is the window size passed to the browser on launch.
type Viewport struct {
	Width  int `mapstructure:"width" yaml:"width"`
	Height int `mapstructure:"height" yaml:"height"`
}

// PersonaConfig is the browser fingerprint presented to target sites.
type PersonaConfig struct {
	UserAgent string   `mapstructure:"user_agent" yaml:"user_agent"`
	Platform  string   `mapstructure:"platform" yaml:"platform"`
	Languages []string `mapstructure:"languages" yaml:"languages"`
	Timezone  string   `mapstructure:"timezone" yaml:"timezone"`
	Locale    string   `mapstructure:"locale" yaml:"locale"`
}

// FlowConfig holds interpreter defaults applied when a step leaves them unset.
type FlowConfig struct {
	DefaultStepTimeout time.Duration `mapstructure:"default_step_timeout" yaml:"default_step_timeout"`
	IndicatorTimeout   time.Duration `mapstructure:"indicator_timeout" yaml:"indicator_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	SnippetLength      int           `mapstructure:"snippet_length" yaml:"snippet_length"`
	SaveTimeout        time.Duration `mapstructure:"save_timeout" yaml:"save_timeout"`
}

// OTPConfig locates the filesystem signaling channel.
type OTPConfig struct {
	Dir          string        `mapstructure:"dir" yaml:"dir"`
	PollInterval time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ReaperConfig drives the orphaned process sweep.
type ReaperConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	Schedule     string        `mapstructure:"schedule" yaml:"schedule"`
	MaxAge       time.Duration `mapstructure:"max_age" yaml:"max_age"`
	DriverNames  []string      `mapstructure:"driver_names" yaml:"driver_names"`
	BrowserNames []string      `mapstructure:"browser_names" yaml:"browser_names"`
	Markers      []string      `mapstructure:"markers" yaml:"markers"`
}

// NewDefaultConfig creates a configuration populated only with defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
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
	v.SetDefault("logger.service_name", "rpa-flow")
	v.SetDefault("logger.log_file", "rpa-flow.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Database --
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)

	// -- Engine --
	v.SetDefault("engine.queue_size", 100)
	v.SetDefault("engine.worker_concurrency", 4)
	v.SetDefault("engine.default_flow_timeout", "5m")

	// -- Browser --
	v.SetDefault("browser.engine", "chromedp")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.viewport.width", 1366)
	v.SetDefault("browser.viewport.height", 768)
	v.SetDefault("browser.persona.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("browser.persona.platform", "Win32")
	v.SetDefault("browser.persona.languages", []string{"ru-RU", "ru"})
	v.SetDefault("browser.persona.timezone", "Europe/Moscow")
	v.SetDefault("browser.persona.locale", "ru-RU")

	// -- Flow --
	v.SetDefault("flow.default_step_timeout", "10s")
	v.SetDefault("flow.indicator_timeout", "5s")
	v.SetDefault("flow.poll_interval", "100ms")
	v.SetDefault("flow.snippet_length", 1000)
	v.SetDefault("flow.save_timeout", "30s")

	// -- OTP --
	v.SetDefault("otp.dir", "/tmp/rpa-flow/sms_codes")
	v.SetDefault("otp.poll_interval", "500ms")
	v.SetDefault("otp.timeout", "3m")

	// -- Reaper --
	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.schedule", "@every 10m")
	v.SetDefault("reaper.max_age", "1h")
	v.SetDefault("reaper.driver_names", []string{"chromedriver"})
	v.SetDefault("reaper.browser_names", []string{"chrome", "chromium"})
	v.SetDefault("reaper.markers", []string{"--remote-debugging-port", "--user-data-dir", "--enable-automation"})
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	if err := v.BindEnv("database.url", "RPAFLOW_DATABASE_URL"); err != nil {
		return nil, fmt.Errorf("error binding database.url: %w", err)
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.EngineCfg.WorkerConcurrency <= 0 {
		return fmt.Errorf("engine.worker_concurrency must be a positive integer")
	}
	if c.EngineCfg.DefaultFlowTimeout <= 0 {
		return fmt.Errorf("engine.default_flow_timeout must be a positive duration")
	}
	switch c.BrowserCfg.Engine {
	case "chromedp", "rod":
	default:
		return fmt.Errorf("browser.engine must be one of chromedp, rod (got %q)", c.BrowserCfg.Engine)
	}
	if c.FlowCfg.DefaultStepTimeout <= 0 {
		return fmt.Errorf("flow.default_step_timeout must be a positive duration")
	}
	if c.OTPCfg.Dir == "" {
		return fmt.Errorf("otp.dir is required")
	}
	if err := c.ReaperCfg.Validate(); err != nil {
		return fmt.Errorf("reaper configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the reaper settings.
func (r *ReaperConfig) Validate() error {
	if r.MaxAge <= 0 {
		return fmt.Errorf("max_age must be a positive duration")
	}
	if r.Enabled && r.Schedule == "" {
		return fmt.Errorf("schedule is required when the reaper is enabled")
	}
	return nil
}
