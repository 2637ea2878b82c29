// Package config provides configuration management for streamdl using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	defaultSegmentConcurrency = 8
	defaultRetryAttempts      = 3
	defaultRetryDelay         = 2 * time.Second
	defaultHTTPTimeout        = 60 * time.Second
	defaultUserAgent          = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	defaultVaultBatchSize     = 32
)

// Config holds all configuration for the application.
type Config struct {
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Download DownloadConfig `mapstructure:"download"`
	Decrypt  DecryptConfig  `mapstructure:"decrypt"`
	Mux      MuxConfig      `mapstructure:"mux"`
	Cdm      CdmConfig      `mapstructure:"cdm"`
	Vaults   []VaultConfig  `mapstructure:"vaults"`
	Services ServicesConfig `mapstructure:"services"`
}

// StorageConfig holds directory layout configuration.
type StorageConfig struct {
	BaseDir      string `mapstructure:"base_dir"`
	TempDir      string `mapstructure:"temp_dir"`      // relative to base_dir unless absolute
	DownloadsDir string `mapstructure:"downloads_dir"` // relative to base_dir unless absolute
	BinariesDir  string `mapstructure:"binaries_dir"`  // extra lookup dir for external tools
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// DownloadConfig holds downloader behaviour configuration.
type DownloadConfig struct {
	SegmentConcurrency int           `mapstructure:"segment_concurrency"`
	RetryAttempts      int           `mapstructure:"retry_attempts"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	HTTPTimeout        time.Duration `mapstructure:"http_timeout"`
	Proxy              string        `mapstructure:"proxy"` // http(s):// or socks5:// URL
	UserAgent          string        `mapstructure:"user_agent"`
}

// DecryptConfig selects the decryption tool strategy.
type DecryptConfig struct {
	// Decrypter is one of auto, packager, mp4decrypt. With auto the stage
	// uses shaka-packager for Smooth Streaming and multi-key sources and
	// mp4decrypt for everything else.
	Decrypter string `mapstructure:"decrypter"`
}

// MuxConfig holds muxing configuration.
type MuxConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// CdmConfig points at a remotely hosted CDM. An empty URL means no CDM is
// available and only vault-served keys can decrypt.
type CdmConfig struct {
	System string `mapstructure:"system"` // widevine, playready
	URL    string `mapstructure:"url"`
	Device string `mapstructure:"device"`
	Secret string `mapstructure:"secret" masq:"secret"`
}

// VaultConfig describes one member of the key-vault federation, in lookup
// order.
type VaultConfig struct {
	Name     string `mapstructure:"name"`
	Type     string `mapstructure:"type"` // sqlite, mysql, postgres, remote
	DSN      string `mapstructure:"dsn" masq:"secret"` // database vaults carry credentials in the DSN
	URL      string `mapstructure:"url"`  // remote vaults
	Token    string `mapstructure:"token" masq:"secret"`
	ReadOnly bool   `mapstructure:"read_only"`
}

// ServicesConfig points at the per-service profile overlay file.
type ServicesConfig struct {
	ProfilesPath string `mapstructure:"profiles_path"`
}

// ServiceProfile is a per-service overlay loaded from the profiles YAML.
// Values here override the download defaults for one service tag.
type ServiceProfile struct {
	UserAgent string `yaml:"user_agent"`
	Proxy     string `yaml:"proxy"`
	NoProxy   bool   `yaml:"no_proxy"`
	Multikey  bool   `yaml:"multikey"`
	Decrypter string `yaml:"decrypter"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration and are
// prefixed with STREAMDL_, using underscores for nesting.
// Example: STREAMDL_DOWNLOAD_SEGMENT_CONCURRENCY=16.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/streamdl")
		v.AddConfigPath("$HOME/.streamdl")
	}

	v.SetEnvPrefix("STREAMDL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - we'll use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults configures default values for all configuration options.
// This should be called before reading the config file to ensure defaults
// are in place.
func SetDefaults(v *viper.Viper) {
	// Storage defaults
	v.SetDefault("storage.base_dir", "./data")
	v.SetDefault("storage.temp_dir", "temp")
	v.SetDefault("storage.downloads_dir", "downloads")
	v.SetDefault("storage.binaries_dir", "binaries")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.add_source", false)
	v.SetDefault("logging.time_format", time.RFC3339)

	// Download defaults
	v.SetDefault("download.segment_concurrency", defaultSegmentConcurrency)
	v.SetDefault("download.retry_attempts", defaultRetryAttempts)
	v.SetDefault("download.retry_delay", defaultRetryDelay)
	v.SetDefault("download.http_timeout", defaultHTTPTimeout)
	v.SetDefault("download.proxy", "")
	v.SetDefault("download.user_agent", defaultUserAgent)

	// Decrypt defaults
	v.SetDefault("decrypt.decrypter", "auto")

	// Mux defaults
	v.SetDefault("mux.enabled", true)

	// Cdm defaults
	v.SetDefault("cdm.system", "widevine")
	v.SetDefault("cdm.url", "")
	v.SetDefault("cdm.device", "")
	v.SetDefault("cdm.secret", "")

	// Vault defaults: a single local sqlite vault under the base dir
	v.SetDefault("vaults", []map[string]any{
		{"name": "local", "type": "sqlite", "dsn": "keys.db"},
	})

	// Services defaults
	v.SetDefault("services.profiles_path", "")
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Storage.BaseDir == "" {
		return fmt.Errorf("storage.base_dir is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	if c.Download.SegmentConcurrency < 1 {
		return fmt.Errorf("download.segment_concurrency must be at least 1")
	}
	if c.Download.RetryAttempts < 0 {
		return fmt.Errorf("download.retry_attempts must not be negative")
	}

	validDecrypters := map[string]bool{"auto": true, "packager": true, "mp4decrypt": true}
	if !validDecrypters[c.Decrypt.Decrypter] {
		return fmt.Errorf("decrypt.decrypter must be one of: auto, packager, mp4decrypt")
	}

	validCdmSystems := map[string]bool{"widevine": true, "playready": true}
	if !validCdmSystems[c.Cdm.System] {
		return fmt.Errorf("cdm.system must be one of: widevine, playready")
	}
	if c.Cdm.URL != "" && c.Cdm.Device == "" {
		return fmt.Errorf("cdm.device is required when cdm.url is set")
	}

	validVaultTypes := map[string]bool{"sqlite": true, "mysql": true, "postgres": true, "remote": true}
	seen := map[string]bool{}
	for i, vc := range c.Vaults {
		if vc.Name == "" {
			return fmt.Errorf("vaults[%d].name is required", i)
		}
		if seen[vc.Name] {
			return fmt.Errorf("vaults[%d].name %q is duplicated", i, vc.Name)
		}
		seen[vc.Name] = true
		if !validVaultTypes[vc.Type] {
			return fmt.Errorf("vaults[%d].type must be one of: sqlite, mysql, postgres, remote", i)
		}
		if vc.Type == "remote" && vc.URL == "" {
			return fmt.Errorf("vaults[%d].url is required for remote vaults", i)
		}
		if vc.Type != "remote" && vc.DSN == "" {
			return fmt.Errorf("vaults[%d].dsn is required for database vaults", i)
		}
	}

	return nil
}

// TempPath returns the absolute temp directory.
func (c *Config) TempPath() string {
	return c.resolveDir(c.Storage.TempDir)
}

// DownloadsPath returns the absolute downloads directory.
func (c *Config) DownloadsPath() string {
	return c.resolveDir(c.Storage.DownloadsDir)
}

// BinariesPath returns the absolute extra binaries directory.
func (c *Config) BinariesPath() string {
	return c.resolveDir(c.Storage.BinariesDir)
}

func (c *Config) resolveDir(dir string) string {
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(c.Storage.BaseDir, dir)
}

// LoadProfiles reads the per-service overlay file. A missing path yields an
// empty map.
func LoadProfiles(path string) (map[string]ServiceProfile, error) {
	if path == "" {
		return map[string]ServiceProfile{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]ServiceProfile{}, nil
		}
		return nil, fmt.Errorf("reading service profiles: %w", err)
	}
	profiles := map[string]ServiceProfile{}
	if err := yaml.Unmarshal(data, &profiles); err != nil {
		return nil, fmt.Errorf("parsing service profiles: %w", err)
	}
	return profiles, nil
}
