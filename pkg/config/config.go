package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const appName = "x-dm-automation"

type Config struct {
	Browser    BrowserConfig   `yaml:"browser" json:"browser"`
	Run        RunConfig       `yaml:"run" json:"run"`
	Retry      RetryConfig     `yaml:"retry" json:"retry"`
	RateLimits RateLimitConfig `yaml:"rate_limits" json:"rate_limits"`
	Schedule   ScheduleConfig  `yaml:"schedule" json:"schedule"`
	Storage    StorageConfig   `yaml:"storage" json:"storage"`
	Logging    LoggingConfig   `yaml:"logging" json:"logging"`
}

type BrowserConfig struct {
	Headless          bool          `yaml:"headless" json:"headless"`
	Bin               string        `yaml:"bin" json:"bin"`
	ViewportWidth     int           `yaml:"viewport_width" json:"viewport_width"`
	ViewportHeight    int           `yaml:"viewport_height" json:"viewport_height"`
	UserAgent         string        `yaml:"user_agent" json:"user_agent"`
	ExtraArgs         []string      `yaml:"extra_args" json:"extra_args"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout" json:"navigation_timeout"`
	ElementTimeout    time.Duration `yaml:"element_timeout" json:"element_timeout"`
}

// RunConfig is the per-run configuration supplied by the host. It can be
// swapped while a run is active and is picked up at the next profile boundary.
type RunConfig struct {
	SearchQuery     string        `yaml:"search_query" json:"search_query"`
	MessageTemplate string        `yaml:"message_template" json:"message_template"`
	SendDelay       time.Duration `yaml:"send_delay" json:"send_delay"`
}

type RetryConfig struct {
	ScrollAttempts         int           `yaml:"scroll_attempts" json:"scroll_attempts"`
	IterationRetryDelay    time.Duration `yaml:"iteration_retry_delay" json:"iteration_retry_delay"`
	MaxIterationDelay      time.Duration `yaml:"max_iteration_delay" json:"max_iteration_delay"`
	MaxConsecutiveFailures int           `yaml:"max_consecutive_failures" json:"max_consecutive_failures"`
	TransientRetries       int           `yaml:"transient_retries" json:"transient_retries"`
	SendButtonAttempts     int           `yaml:"send_button_attempts" json:"send_button_attempts"`
	SendButtonInterval     time.Duration `yaml:"send_button_interval" json:"send_button_interval"`
	SettleDelay            time.Duration `yaml:"settle_delay" json:"settle_delay"`
}

type RateLimitConfig struct {
	HourlyMessageLimit int `yaml:"hourly_message_limit" json:"hourly_message_limit"`
	DailyMessageLimit  int `yaml:"daily_message_limit" json:"daily_message_limit"`
}

type ScheduleConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	StartHour int    `yaml:"start_hour" json:"start_hour"`
	EndHour   int    `yaml:"end_hour" json:"end_hour"`
	Timezone  string `yaml:"timezone" json:"timezone"`
	WorkDays  []int  `yaml:"work_days" json:"work_days"`
}

type StorageConfig struct {
	DataDir     string `yaml:"data_dir" json:"data_dir"`
	CookiesFile string `yaml:"cookies_file" json:"cookies_file"`
	HistoryFile string `yaml:"history_file" json:"history_file"`
	StatsFile   string `yaml:"stats_file" json:"stats_file"`
}

type LoggingConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	OutputFile string `yaml:"output_file" json:"output_file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
}

// UserDataDir returns the platform data directory used when none is configured.
func UserDataDir() string {
	return filepath.Join(xdg.DataHome, appName)
}

func defaultLogFile(dataDir string) string {
	return filepath.Join(dataDir, "logs", "xdm.log")
}

func DefaultConfig() *Config {
	dataDir := UserDataDir()

	return &Config{
		Browser: BrowserConfig{
			Headless:          true,
			ViewportWidth:     1200,
			ViewportHeight:    720,
			UserAgent:         "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
			NavigationTimeout: 30 * time.Second,
			ElementTimeout:    20 * time.Second,
		},
		Run: RunConfig{
			SendDelay: 5 * time.Second,
		},
		Retry: RetryConfig{
			ScrollAttempts:         3,
			IterationRetryDelay:    30 * time.Second,
			MaxIterationDelay:      10 * time.Minute,
			MaxConsecutiveFailures: 0,
			TransientRetries:       2,
			SendButtonAttempts:     5,
			SendButtonInterval:     time.Second,
			SettleDelay:            2 * time.Second,
		},
		RateLimits: RateLimitConfig{
			HourlyMessageLimit: 20,
			DailyMessageLimit:  100,
		},
		Schedule: ScheduleConfig{
			Enabled:   false,
			StartHour: 9,
			EndHour:   18,
			Timezone:  "Local",
			WorkDays:  []int{1, 2, 3, 4, 5},
		},
		Storage: StorageConfig{
			DataDir:     dataDir,
			CookiesFile: "cookies.json",
			HistoryFile: "history.json",
			StatsFile:   "stats.json",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputFile: defaultLogFile(dataDir),
			MaxSize:    10,
			MaxBackups: 5,
		},
	}
}

func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		ext := filepath.Ext(configPath)
		switch ext {
		case ".yaml", ".yml":
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse YAML config: %w", err)
			}
		case ".json":
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse JSON config: %w", err)
			}
		default:
			return nil, fmt.Errorf("unsupported config file format: %s", ext)
		}
	}

	config.applyEnvOverrides()

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

func (c *Config) applyEnvOverrides() {
	if q := os.Getenv("XDM_SEARCH_QUERY"); q != "" {
		c.Run.SearchQuery = q
	}
	if msg := os.Getenv("XDM_MESSAGE"); msg != "" {
		c.Run.MessageTemplate = msg
	}
	if dir := os.Getenv("XDM_USER_DATA_DIR"); dir != "" {
		if c.Logging.OutputFile == defaultLogFile(c.Storage.DataDir) {
			c.Logging.OutputFile = defaultLogFile(dir)
		}
		c.Storage.DataDir = dir
	}
	if headless := os.Getenv("BROWSER_HEADLESS"); headless == "false" {
		c.Browser.Headless = false
	}
	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		c.Logging.Level = logLevel
	}
}

// Validate checks the static parts of the configuration. The run section is
// checked separately by RunConfig.Validate because it may be supplied later by the host.
func (c *Config) Validate() error {
	if c.Browser.ViewportWidth < 800 || c.Browser.ViewportHeight < 600 {
		return fmt.Errorf("viewport dimensions too small")
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage data_dir is required")
	}
	if c.Retry.ScrollAttempts < 0 || c.Retry.TransientRetries < 0 || c.Retry.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("retry counts must not be negative")
	}
	if c.Retry.SendButtonAttempts < 1 {
		return fmt.Errorf("send_button_attempts must be at least 1")
	}
	if c.RateLimits.HourlyMessageLimit < 1 || c.RateLimits.DailyMessageLimit < 1 {
		return fmt.Errorf("message limits must be at least 1")
	}
	if c.Schedule.Enabled && (c.Schedule.StartHour < 0 || c.Schedule.EndHour > 24 || c.Schedule.StartHour >= c.Schedule.EndHour) {
		return fmt.Errorf("invalid schedule hours %d-%d", c.Schedule.StartHour, c.Schedule.EndHour)
	}
	return nil
}

func (r RunConfig) Validate() error {
	if r.SearchQuery == "" {
		return fmt.Errorf("search query is required")
	}
	if r.MessageTemplate == "" {
		return fmt.Errorf("message template is required")
	}
	if r.SendDelay < 0 {
		return fmt.Errorf("send delay must not be negative")
	}
	return nil
}

func (c *Config) Path(filename string) string {
	return filepath.Join(c.Storage.DataDir, filename)
}

func (c *Config) Save(path string) error {
	ext := filepath.Ext(path)
	var data []byte
	var err error

	switch ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s", ext)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
