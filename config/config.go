package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for a batch run. It is built once at
// startup and passed by pointer; nothing mutates it afterwards.
type Config struct {
	General      GeneralConfig      `mapstructure:"general"`
	Portal       PortalConfig       `mapstructure:"portal"`
	Browser      BrowserConfig      `mapstructure:"browser"`
	Intelligence IntelligenceConfig `mapstructure:"intelligence"`
	Retry        RetryConfig        `mapstructure:"retry"`
	Polling      PollingConfig      `mapstructure:"polling"`
	Manifest     ManifestConfig     `mapstructure:"manifest"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Telemetry    TelemetryConfig    `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
}

// PortalConfig describes the government portal the batch runs against.
type PortalConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	HomeURL         string        `mapstructure:"home_url"`
	ApplicationsURL string        `mapstructure:"applications_url"`
	AuthDomain      string        `mapstructure:"auth_domain"`
	PhoneNumber     string        `mapstructure:"phone_number"`
	CaptchaWindow   time.Duration `mapstructure:"captcha_window"`
	LoginTimeout    time.Duration `mapstructure:"login_timeout"`
}

func (p PortalConfig) Validate() error {
	if strings.TrimSpace(p.BaseURL) == "" {
		return fmt.Errorf("portal.base_url is required")
	}
	if strings.TrimSpace(p.AuthDomain) == "" {
		return fmt.Errorf("portal.auth_domain is required")
	}
	if strings.TrimSpace(p.PhoneNumber) == "" {
		return fmt.Errorf("portal.phone_number is required")
	}
	return nil
}

// Normalize applies defaults for unset portal values.
func (p PortalConfig) Normalize() PortalConfig {
	if p.CaptchaWindow <= 0 {
		p.CaptchaWindow = 45 * time.Second
	}
	if p.LoginTimeout <= 0 {
		p.LoginTimeout = 3 * time.Minute
	}
	if strings.TrimSpace(p.HomeURL) == "" {
		p.HomeURL = p.BaseURL
	}
	return p
}

// BrowserConfig controls the chromedp session.
type BrowserConfig struct {
	Headless      bool          `mapstructure:"headless"`
	UserAgent     string        `mapstructure:"user_agent"`
	DownloadDir   string        `mapstructure:"download_dir"`
	NavTimeout    time.Duration `mapstructure:"nav_timeout"`
	SettleTimeout time.Duration `mapstructure:"settle_timeout"`
}

func (b BrowserConfig) Normalize() BrowserConfig {
	if b.NavTimeout <= 0 {
		b.NavTimeout = 60 * time.Second
	}
	if b.SettleTimeout <= 0 {
		b.SettleTimeout = 20 * time.Second
	}
	if strings.TrimSpace(b.DownloadDir) == "" {
		b.DownloadDir = "./downloads"
	}
	return b
}

// IntelligenceConfig configures the page intelligence backend.
type IntelligenceConfig struct {
	Provider    string        `mapstructure:"provider"` // openai, stub
	APIKey      string        `mapstructure:"api_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Model       string        `mapstructure:"model"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxElements int           `mapstructure:"max_elements"`
}

func (i IntelligenceConfig) Normalize() IntelligenceConfig {
	if strings.TrimSpace(i.Provider) == "" {
		i.Provider = "openai"
	}
	if i.Timeout <= 0 {
		i.Timeout = 30 * time.Second
	}
	if i.MaxElements <= 0 {
		i.MaxElements = 48
	}
	return i
}

func (i IntelligenceConfig) Validate() error {
	if i.Provider == "openai" && strings.TrimSpace(i.APIKey) == "" {
		return fmt.Errorf("intelligence.api_key is required for the openai provider")
	}
	return nil
}

// RetryConfig sets the bounded-retry parameters for single browser actions.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	Multiplier   float64       `mapstructure:"multiplier"`
}

func (r RetryConfig) Normalize() RetryConfig {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 3
	}
	if r.InitialDelay <= 0 {
		r.InitialDelay = 2 * time.Second
	}
	if r.Multiplier < 1 {
		r.Multiplier = 2
	}
	return r
}

// PollingConfig sets the two readiness-poll variants: short page
// transitions and long backend document generation.
type PollingConfig struct {
	TransitionInterval time.Duration `mapstructure:"transition_interval"`
	TransitionAttempts int           `mapstructure:"transition_attempts"`
	DocumentInterval   time.Duration `mapstructure:"document_interval"`
	DocumentAttempts   int           `mapstructure:"document_attempts"`
}

func (p PollingConfig) Normalize() PollingConfig {
	if p.TransitionInterval <= 0 {
		p.TransitionInterval = 3 * time.Second
	}
	if p.TransitionAttempts <= 0 {
		p.TransitionAttempts = 60
	}
	if p.DocumentInterval <= 0 {
		p.DocumentInterval = 5 * time.Second
	}
	if p.DocumentAttempts <= 0 {
		p.DocumentAttempts = 120
	}
	return p
}

// ManifestConfig describes where the plot list comes from.
type ManifestConfig struct {
	Path         string `mapstructure:"path"`
	Sheet        string `mapstructure:"sheet"`
	ColumnIndex  int    `mapstructure:"column_index"` // 1-based; 0 means match by header
	HeaderMatch  string `mapstructure:"header_match"`
	HasHeaderRow bool   `mapstructure:"has_header_row"`
}

func (m ManifestConfig) Normalize() ManifestConfig {
	if strings.TrimSpace(m.HeaderMatch) == "" {
		m.HeaderMatch = "plot id"
	}
	return m
}

func (m ManifestConfig) Validate() error {
	if strings.TrimSpace(m.Path) == "" {
		return fmt.Errorf("manifest.path is required")
	}
	return nil
}

// StorageConfig contains local persistence settings.
type StorageConfig struct {
	LedgerPath string `mapstructure:"ledger_path"`
	DataDir    string `mapstructure:"data_dir"`
}

func (s StorageConfig) Normalize() StorageConfig {
	if strings.TrimSpace(s.DataDir) == "" {
		s.DataDir = "./data"
	}
	if strings.TrimSpace(s.LedgerPath) == "" {
		s.LedgerPath = filepath.Join(s.DataDir, "applications.json")
	}
	return s
}

// TelemetryConfig contains the ops endpoint settings.
type TelemetryConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && strings.TrimSpace(t.Address) == "" {
		return fmt.Errorf("telemetry.address must be set when telemetry is enabled")
	}
	return nil
}

// LoadConfig loads config from file, then overlays the supplied overrides
// (UI-provided values win over file values, which win over defaults).
func LoadConfig(path string, overrides map[string]interface{}) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")
	viper.SetDefault("browser.headless", true)
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.address", ":9190")
	viper.SetDefault("manifest.has_header_row", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("DEEDFLOW")
	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	if len(overrides) > 0 {
		if err := viper.MergeConfigMap(overrides); err != nil {
			panic(fmt.Errorf("fatal error merging overrides: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Portal = config.Portal.Normalize()
	config.Browser = config.Browser.Normalize()
	config.Intelligence = config.Intelligence.Normalize()
	config.Retry = config.Retry.Normalize()
	config.Polling = config.Polling.Normalize()
	config.Manifest = config.Manifest.Normalize()
	config.Storage = config.Storage.Normalize()

	if err := config.Portal.Validate(); err != nil {
		panic(err)
	}
	if err := config.Intelligence.Validate(); err != nil {
		panic(err)
	}
	if err := config.Manifest.Validate(); err != nil {
		panic(err)
	}
	if err := config.Telemetry.Validate(); err != nil {
		panic(err)
	}
	return &config
}
