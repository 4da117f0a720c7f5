// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment variable overrides, e.g.
// SCALPEL_DRIVER_BROWSER_HEADLESS=false.
const EnvPrefix = "SCALPEL_DRIVER"

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Network() NetworkConfig
	Driver() DriverConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserIgnoreTLSErrors(bool)
	SetBrowserProxy(string)

	// Network Setters
	SetNetworkNavigationTimeout(d time.Duration)
	SetNetworkBlacklist([]string)
	SetNetworkWhitelist([]string)

	// Driver Setters
	SetDriverAppHost(string)
	SetDriverWaitTimeout(d time.Duration)
	SetDriverFrameTimeout(d time.Duration)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	BrowserCfg BrowserConfig `mapstructure:"browser" yaml:"browser"`
	NetworkCfg NetworkConfig `mapstructure:"network" yaml:"network"`
	DriverCfg  DriverConfig  `mapstructure:"driver" yaml:"driver"`
}

var _ Interface = (*Config)(nil)

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig   { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig { return c.BrowserCfg }
func (c *Config) Network() NetworkConfig { return c.NetworkCfg }
func (c *Config) Driver() DriverConfig   { return c.DriverCfg }

// --- Interface Method Implementations (Setters) ---

// Browser Setters
func (c *Config) SetBrowserHeadless(b bool)        { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserIgnoreTLSErrors(b bool) { c.BrowserCfg.IgnoreTLSErrors = b }
func (c *Config) SetBrowserProxy(addr string)      { c.BrowserCfg.Proxy = addr }

// Network Setters
func (c *Config) SetNetworkNavigationTimeout(d time.Duration) {
	c.NetworkCfg.NavigationTimeout = d
}
func (c *Config) SetNetworkBlacklist(p []string) { c.NetworkCfg.Blacklist = p }
func (c *Config) SetNetworkWhitelist(p []string) { c.NetworkCfg.Whitelist = p }

// Driver Setters
func (c *Config) SetDriverAppHost(h string)             { c.DriverCfg.AppHost = h }
func (c *Config) SetDriverWaitTimeout(d time.Duration)  { c.DriverCfg.WaitTimeout = d }
func (c *Config) SetDriverFrameTimeout(d time.Duration) { c.DriverCfg.FrameTimeout = d }

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

// BrowserConfig controls how the Chrome process is launched.
type BrowserConfig struct {
	Headless        bool     `mapstructure:"headless" yaml:"headless"`
	ExecPath        string   `mapstructure:"exec_path" yaml:"exec_path"`
	UserDataDir     string   `mapstructure:"user_data_dir" yaml:"user_data_dir"`
	UserAgent       string   `mapstructure:"user_agent" yaml:"user_agent"`
	IgnoreTLSErrors bool     `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	WindowWidth     int      `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight    int      `mapstructure:"window_height" yaml:"window_height"`
	Proxy           string   `mapstructure:"proxy" yaml:"proxy"`
	ProxyBypass     []string `mapstructure:"proxy_bypass" yaml:"proxy_bypass"`
	Args            []string `mapstructure:"args" yaml:"args"`

	// StartupTimeout bounds the initial about:blank load.
	StartupTimeout time.Duration `mapstructure:"startup_timeout" yaml:"startup_timeout"`
}

// NetworkConfig tunes the network behavior of the driver.
type NetworkConfig struct {
	NavigationTimeout time.Duration     `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	Headers           map[string]string `mapstructure:"headers" yaml:"headers"`
	Blacklist         []string          `mapstructure:"blacklist" yaml:"blacklist"`
	Whitelist         []string          `mapstructure:"whitelist" yaml:"whitelist"`
}

// DriverConfig holds the timing knobs of the Session/Node API.
type DriverConfig struct {
	// AppHost is the base URL relative Visit paths are resolved against.
	AppHost       string        `mapstructure:"app_host" yaml:"app_host"`
	WaitTimeout   time.Duration `mapstructure:"wait_timeout" yaml:"wait_timeout"`
	FrameTimeout  time.Duration `mapstructure:"frame_timeout" yaml:"frame_timeout"`
	ModalWait     time.Duration `mapstructure:"modal_wait" yaml:"modal_wait"`
	PollInterval  time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ActionTimeout time.Duration `mapstructure:"action_timeout" yaml:"action_timeout"`
}

// NewDefaultConfig creates a configuration populated with the default values.
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
	v.SetDefault("logger.service_name", "scalpel-driver")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.exec_path", "")
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.user_agent", "")
	v.SetDefault("browser.ignore_tls_errors", false)
	v.SetDefault("browser.window_width", 1024)
	v.SetDefault("browser.window_height", 768)
	v.SetDefault("browser.proxy", "")
	v.SetDefault("browser.proxy_bypass", []string{})
	v.SetDefault("browser.args", []string{})
	v.SetDefault("browser.startup_timeout", "30s")

	// -- Network --
	v.SetDefault("network.navigation_timeout", "30s")
	v.SetDefault("network.headers", map[string]string{})
	v.SetDefault("network.blacklist", []string{})
	v.SetDefault("network.whitelist", []string{})

	// -- Driver --
	v.SetDefault("driver.app_host", "")
	v.SetDefault("driver.wait_timeout", "2s")
	v.SetDefault("driver.frame_timeout", "2s")
	v.SetDefault("driver.modal_wait", "2s")
	v.SetDefault("driver.poll_interval", "50ms")
	v.SetDefault("driver.action_timeout", "10s")
}

// NewConfigFromViper unmarshals, expands and validates the configuration held by v.
// Environment variables prefixed with EnvPrefix override file values.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// expandPaths resolves a leading ~ in filesystem settings.
func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.BrowserCfg.ExecPath, &c.BrowserCfg.UserDataDir, &c.LoggerCfg.LogFile} {
		if *p == "" {
			continue
		}
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("failed to expand path %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.BrowserCfg.Validate(); err != nil {
		return fmt.Errorf("browser configuration invalid: %w", err)
	}
	if c.NetworkCfg.NavigationTimeout <= 0 {
		return fmt.Errorf("network.navigation_timeout must be a positive duration")
	}
	if err := c.DriverCfg.Validate(); err != nil {
		return fmt.Errorf("driver configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the browser launch settings.
func (b *BrowserConfig) Validate() error {
	if b.WindowWidth <= 0 || b.WindowHeight <= 0 {
		return fmt.Errorf("window_width and window_height must be positive integers")
	}
	if b.StartupTimeout <= 0 {
		return fmt.Errorf("startup_timeout must be a positive duration")
	}
	return nil
}

// Validate checks the driver timing settings.
func (d *DriverConfig) Validate() error {
	if d.WaitTimeout < 0 || d.FrameTimeout < 0 || d.ModalWait < 0 {
		return fmt.Errorf("wait_timeout, frame_timeout and modal_wait must not be negative")
	}
	if d.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be a positive duration")
	}
	if d.ActionTimeout <= 0 {
		return fmt.Errorf("action_timeout must be a positive duration")
	}
	if d.AppHost != "" && !strings.Contains(d.AppHost, "://") {
		return fmt.Errorf("app_host must be an absolute URL, got %q", d.AppHost)
	}
	return nil
}
