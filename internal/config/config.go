package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the main configuration structure
type Config struct {
	WorkingDirectory  string            `mapstructure:"working_directory"`
	KeysFile          string            `mapstructure:"keys_file"`
	FailureLedgerFile string            `mapstructure:"failure_ledger_file"`
	API               APIConfig         `mapstructure:"api"`
	Keys              KeysConfig        `mapstructure:"keys"`
	Provisioning      ProvisionConfig   `mapstructure:"provisioning"`
	Compression       CompressionConfig `mapstructure:"compression"`
	Retry             RetryConfig       `mapstructure:"retry"`
	Server            ServerConfig      `mapstructure:"server"`
	Logging           LoggingConfig     `mapstructure:"logging"`

	pattern *regexp.Regexp
}

// APIConfig contains remote service settings
type APIConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	Proxy           string        `mapstructure:"proxy"`
	UploadTimeout   time.Duration `mapstructure:"upload_timeout"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
}

// KeysConfig contains key pool and quota settings
type KeysConfig struct {
	UsageLimit      int           `mapstructure:"usage_limit"`
	SafetyThreshold int           `mapstructure:"safety_threshold"`
	MinAvailable    int           `mapstructure:"min_available"`
	RefreshAttempts int           `mapstructure:"refresh_attempts"`
	RefreshBackoff  time.Duration `mapstructure:"refresh_backoff"`
}

// ProvisionConfig contains settings for obtaining new keys
type ProvisionConfig struct {
	// Command is run to obtain a key; it must print the key on stdout.
	Command     string        `mapstructure:"command"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	Burst       int           `mapstructure:"burst"`
}

// CompressionConfig contains batch settings
type CompressionConfig struct {
	Workers         int           `mapstructure:"workers"`
	UnitAttempts    int           `mapstructure:"unit_attempts"`
	UnitBackoff     time.Duration `mapstructure:"unit_backoff"`
	FilePattern     string        `mapstructure:"file_pattern"`
	Marker          string        `mapstructure:"marker"`
	OutputDirectory string        `mapstructure:"output_directory"`
}

// RetryConfig contains settings for re-driving failed files
type RetryConfig struct {
	Rounds int           `mapstructure:"rounds"`
	Delay  time.Duration `mapstructure:"delay"`
}

// ServerConfig contains status server settings
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json or text
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // MB
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
	Compress   bool   `mapstructure:"compress"`
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		WorkingDirectory:  ".",
		KeysFile:          "keys.json",
		FailureLedgerFile: "error_files.json",
		API: APIConfig{
			BaseURL:         "https://api.tinify.com",
			UploadTimeout:   60 * time.Second,
			DownloadTimeout: 30 * time.Second,
		},
		Keys: KeysConfig{
			UsageLimit:      500,
			SafetyThreshold: 490,
			MinAvailable:    3,
			RefreshAttempts: 4,
			RefreshBackoff:  time.Second,
		},
		Provisioning: ProvisionConfig{
			Timeout:     2 * time.Minute,
			MinInterval: 10 * time.Second,
			Burst:       1,
		},
		Compression: CompressionConfig{
			Workers:      4,
			UnitAttempts: 4,
			FilePattern:  `(?i)^.*\.(jpe?g|png|svga)$`,
			Marker:       "tiny",
		},
		Retry: RetryConfig{
			Rounds: 5,
			Delay:  time.Second,
		},
		Server: ServerConfig{
			Port: 8080,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			FilePath:   "tinify-unlimited.log",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, config)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		// Look for config file in current directory and home directory
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tinify-unlimited")
		v.AddConfigPath("/etc/tinify-unlimited")
	}

	// Enable environment variable support
	v.SetEnvPrefix("TINIFY_UNLIMITED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is OK, we'll use defaults
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return config, nil
}

// setDefaults registers every key so environment overrides apply even when
// the config file does not mention them.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("working_directory", c.WorkingDirectory)
	v.SetDefault("keys_file", c.KeysFile)
	v.SetDefault("failure_ledger_file", c.FailureLedgerFile)

	v.SetDefault("api.base_url", c.API.BaseURL)
	v.SetDefault("api.proxy", c.API.Proxy)
	v.SetDefault("api.upload_timeout", c.API.UploadTimeout)
	v.SetDefault("api.download_timeout", c.API.DownloadTimeout)

	v.SetDefault("keys.usage_limit", c.Keys.UsageLimit)
	v.SetDefault("keys.safety_threshold", c.Keys.SafetyThreshold)
	v.SetDefault("keys.min_available", c.Keys.MinAvailable)
	v.SetDefault("keys.refresh_attempts", c.Keys.RefreshAttempts)
	v.SetDefault("keys.refresh_backoff", c.Keys.RefreshBackoff)

	v.SetDefault("provisioning.command", c.Provisioning.Command)
	v.SetDefault("provisioning.timeout", c.Provisioning.Timeout)
	v.SetDefault("provisioning.min_interval", c.Provisioning.MinInterval)
	v.SetDefault("provisioning.burst", c.Provisioning.Burst)

	v.SetDefault("compression.workers", c.Compression.Workers)
	v.SetDefault("compression.unit_attempts", c.Compression.UnitAttempts)
	v.SetDefault("compression.unit_backoff", c.Compression.UnitBackoff)
	v.SetDefault("compression.file_pattern", c.Compression.FilePattern)
	v.SetDefault("compression.marker", c.Compression.Marker)
	v.SetDefault("compression.output_directory", c.Compression.OutputDirectory)

	v.SetDefault("retry.rounds", c.Retry.Rounds)
	v.SetDefault("retry.delay", c.Retry.Delay)

	v.SetDefault("server.port", c.Server.Port)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
	v.SetDefault("logging.file_path", c.Logging.FilePath)
	v.SetDefault("logging.max_size", c.Logging.MaxSize)
	v.SetDefault("logging.max_backups", c.Logging.MaxBackups)
	v.SetDefault("logging.max_age", c.Logging.MaxAge)
	v.SetDefault("logging.compress", c.Logging.Compress)
}

// Validate validates the configuration and fills in defaults for zero values
func (c *Config) Validate() error {
	def := DefaultConfig()

	if c.WorkingDirectory == "" {
		c.WorkingDirectory = def.WorkingDirectory
	}
	c.WorkingDirectory = expandPath(c.WorkingDirectory)
	if c.KeysFile == "" {
		c.KeysFile = def.KeysFile
	}
	if c.FailureLedgerFile == "" {
		c.FailureLedgerFile = def.FailureLedgerFile
	}

	if c.API.BaseURL == "" {
		c.API.BaseURL = def.API.BaseURL
	}
	if err := validateURL("api.base_url", c.API.BaseURL); err != nil {
		return err
	}
	if c.API.Proxy != "" {
		if err := validateURL("api.proxy", c.API.Proxy); err != nil {
			return err
		}
	}
	if c.API.UploadTimeout <= 0 {
		c.API.UploadTimeout = def.API.UploadTimeout
	}
	if c.API.DownloadTimeout <= 0 {
		c.API.DownloadTimeout = def.API.DownloadTimeout
	}

	// Validate quota settings
	if c.Keys.UsageLimit <= 0 {
		c.Keys.UsageLimit = def.Keys.UsageLimit
	}
	if c.Keys.SafetyThreshold <= 0 {
		c.Keys.SafetyThreshold = def.Keys.SafetyThreshold
	}
	if c.Keys.SafetyThreshold >= c.Keys.UsageLimit {
		return fmt.Errorf("keys.safety_threshold (%d) must be below keys.usage_limit (%d)",
			c.Keys.SafetyThreshold, c.Keys.UsageLimit)
	}
	if c.Keys.MinAvailable < 0 {
		return fmt.Errorf("keys.min_available must not be negative: %d", c.Keys.MinAvailable)
	}
	if c.Keys.RefreshAttempts <= 0 {
		c.Keys.RefreshAttempts = def.Keys.RefreshAttempts
	}

	if c.Provisioning.Burst <= 0 {
		c.Provisioning.Burst = def.Provisioning.Burst
	}
	if c.Provisioning.Timeout <= 0 {
		c.Provisioning.Timeout = def.Provisioning.Timeout
	}

	// Validate compression settings
	if c.Compression.Workers <= 0 {
		c.Compression.Workers = def.Compression.Workers
	}
	if c.Compression.UnitAttempts <= 0 {
		c.Compression.UnitAttempts = def.Compression.UnitAttempts
	}
	if c.Compression.Marker == "" {
		c.Compression.Marker = def.Compression.Marker
	}
	if c.Compression.FilePattern == "" {
		c.Compression.FilePattern = def.Compression.FilePattern
	}
	pattern, err := regexp.Compile(c.Compression.FilePattern)
	if err != nil {
		return fmt.Errorf("invalid compression.file_pattern: %w", err)
	}
	c.pattern = pattern
	if c.Compression.OutputDirectory != "" {
		c.Compression.OutputDirectory = expandPath(c.Compression.OutputDirectory)
	}

	if c.Retry.Rounds <= 0 {
		c.Retry.Rounds = def.Retry.Rounds
	}
	if c.Retry.Delay < 0 {
		c.Retry.Delay = 0
	}

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server.port: %d", c.Server.Port)
	}

	// Validate logging settings
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "":
		c.Logging.Format = "json"
	case "json", "text":
		c.Logging.Format = strings.ToLower(c.Logging.Format)
	default:
		return fmt.Errorf("invalid log format: %s (valid: json, text)", c.Logging.Format)
	}

	return nil
}

// KeysPath returns the key file location, resolved against the working
// directory when relative.
func (c *Config) KeysPath() string {
	return c.resolve(c.KeysFile)
}

// LedgerPath returns the failure ledger location.
func (c *Config) LedgerPath() string {
	return c.resolve(c.FailureLedgerFile)
}

// Pattern returns the compiled file name pattern. Validate must have run.
func (c *Config) Pattern() *regexp.Regexp {
	if c.pattern == nil {
		c.pattern = regexp.MustCompile(DefaultConfig().Compression.FilePattern)
	}
	return c.pattern
}

func (c *Config) resolve(name string) string {
	name = expandPath(name)
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.WorkingDirectory, name)
}

// Helper functions

func expandPath(path string) string {
	expanded := os.ExpandEnv(path)
	if strings.HasPrefix(expanded, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return expanded
		}
		expanded = filepath.Join(home, expanded[1:])
	}
	return expanded
}

func validateURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	if u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("invalid %s: %q needs a scheme and host", key, raw)
	}
	return nil
}
