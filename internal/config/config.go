// Package config loads etcmeisai settings from defaults, an optional YAML
// file, a .env file and ETC_-prefixed environment variables.
package config

import (
	"cmp"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/tomyan/etcmeisai/internal/scraper"
)

// EnvPrefix is prepended to every environment key, so scrape.download_dir
// is read from ETC_SCRAPE_DOWNLOAD_DIR.
const EnvPrefix = "ETC"

// Config is the whole application configuration.
type Config struct {
	Logger  LoggerConfig  `mapstructure:"logger" yaml:"logger"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
	Scrape  ScrapeConfig  `mapstructure:"scrape" yaml:"scrape"`

	// Credentials and Accounts only ever come from the environment.
	Credentials Account   `mapstructure:"-" yaml:"-"`
	Accounts    []Account `mapstructure:"-" yaml:"-"`
}

// LoggerConfig configures the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	Color       bool   `mapstructure:"color" yaml:"color"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig describes the Chrome process each session launches.
type BrowserConfig struct {
	ChromePath   string        `mapstructure:"chrome_path" yaml:"chrome_path"`
	Headless     bool          `mapstructure:"headless" yaml:"headless"`
	WindowWidth  int           `mapstructure:"window_width" yaml:"window_width"`
	WindowHeight int           `mapstructure:"window_height" yaml:"window_height"`
	ExtraArgs    []string      `mapstructure:"extra_args" yaml:"extra_args"`
	StartTimeout time.Duration `mapstructure:"start_timeout" yaml:"start_timeout"`
}

// ScrapeConfig holds per-run settings.
type ScrapeConfig struct {
	DownloadDir string         `mapstructure:"download_dir" yaml:"download_dir"`
	Concurrency int            `mapstructure:"concurrency" yaml:"concurrency"`
	Timeouts    TimeoutsConfig `mapstructure:"timeouts" yaml:"timeouts"`
}

// TimeoutsConfig bounds each phase of a scrape.
type TimeoutsConfig struct {
	Step        time.Duration `mapstructure:"step" yaml:"step"`
	Search      time.Duration `mapstructure:"search" yaml:"search"`
	DialogGrace time.Duration `mapstructure:"dialog_grace" yaml:"dialog_grace"`
	Export      time.Duration `mapstructure:"export" yaml:"export"`
	Download    time.Duration `mapstructure:"download" yaml:"download"`
	Overall     time.Duration `mapstructure:"overall" yaml:"overall"`
	Close       time.Duration `mapstructure:"close" yaml:"close"`
}

// Account is one set of portal credentials.
type Account struct {
	UserID   string `json:"user_id"`
	Password string `json:"password"`
}

// Empty reports whether no user id was given.
func (a Account) Empty() bool { return a.UserID == "" }

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.color", true)
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "etcmeisai")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)

	// -- Browser --
	v.SetDefault("browser.chrome_path", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.window_width", 1280)
	v.SetDefault("browser.window_height", 800)
	v.SetDefault("browser.extra_args", []string{})
	v.SetDefault("browser.start_timeout", "30s")

	// -- Scrape --
	v.SetDefault("scrape.download_dir", "./downloads")
	v.SetDefault("scrape.concurrency", 1)
	v.SetDefault("scrape.timeouts.step", "15s")
	v.SetDefault("scrape.timeouts.search", "30s")
	v.SetDefault("scrape.timeouts.dialog_grace", "10s")
	v.SetDefault("scrape.timeouts.export", "30s")
	v.SetDefault("scrape.timeouts.download", "30s")
	v.SetDefault("scrape.timeouts.overall", "120s")
	v.SetDefault("scrape.timeouts.close", "10s")
}

// New returns a viper instance with defaults and environment binding set
// up. When path is empty an etcmeisai.yaml in the working directory is used
// if present.
func New(path string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("etcmeisai")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}
	return v, nil
}

// LoadEnvFile loads KEY=VALUE pairs from a .env file into the process
// environment without overriding variables that are already set. A missing
// file is not an error.
func LoadEnvFile(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// NewConfigFromViper decodes v and validates the result.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	_ = v.BindEnv("username", EnvPrefix+"_USERNAME")
	_ = v.BindEnv("password", EnvPrefix+"_PASSWORD")
	_ = v.BindEnv("accounts", EnvPrefix+"_ACCOUNTS")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.Credentials = Account{
		UserID:   v.GetString("username"),
		Password: v.GetString("password"),
	}
	if raw := strings.TrimSpace(v.GetString("accounts")); raw != "" {
		accounts, err := ParseAccounts(raw)
		if err != nil {
			return nil, err
		}
		cfg.Accounts = accounts
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// ParseAccounts decodes a JSON array such as
// [{"user_id":"u1","password":"p1"}].
func ParseAccounts(raw string) ([]Account, error) {
	var accounts []Account
	if err := json.Unmarshal([]byte(raw), &accounts); err != nil {
		return nil, fmt.Errorf("parsing %s_ACCOUNTS: %w", EnvPrefix, err)
	}
	for i, a := range accounts {
		if a.UserID == "" {
			return nil, fmt.Errorf("%s_ACCOUNTS[%d]: user_id is empty", EnvPrefix, i)
		}
	}
	return accounts, nil
}

// AllAccounts returns Accounts, falling back to the single Credentials.
func (c *Config) AllAccounts() []Account {
	if len(c.Accounts) > 0 {
		return c.Accounts
	}
	if !c.Credentials.Empty() {
		return []Account{c.Credentials}
	}
	return nil
}

// Validate checks the configuration for sane values.
func (c *Config) Validate() error {
	switch c.Logger.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logger.format must be console or json, got %q", c.Logger.Format)
	}
	if c.Browser.WindowWidth <= 0 || c.Browser.WindowHeight <= 0 {
		return fmt.Errorf("browser.window_width and browser.window_height must be positive")
	}
	if c.Scrape.DownloadDir == "" {
		return fmt.Errorf("scrape.download_dir is required")
	}
	if c.Scrape.Concurrency <= 0 {
		return fmt.Errorf("scrape.concurrency must be a positive integer")
	}
	if err := c.Scrape.Timeouts.Validate(); err != nil {
		return fmt.Errorf("scrape.timeouts: %w", err)
	}
	return nil
}

// Validate rejects negative durations and a dialog grace that is not
// shorter than a step. Zero means "use the built-in default".
func (t TimeoutsConfig) Validate() error {
	named := map[string]time.Duration{
		"step":         t.Step,
		"search":       t.Search,
		"dialog_grace": t.DialogGrace,
		"export":       t.Export,
		"download":     t.Download,
		"overall":      t.Overall,
		"close":        t.Close,
	}
	for name, d := range named {
		if d < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	defaults := scraper.DefaultTimeouts()
	step, grace := cmp.Or(t.Step, defaults.Step), cmp.Or(t.DialogGrace, defaults.DialogGrace)
	if grace >= step {
		return fmt.Errorf("dialog_grace (%s) must be shorter than step (%s)", grace, step)
	}
	return nil
}
