package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))
	return &cfg
}

func TestDefaultsValidate(t *testing.T) {
	cfg := defaultConfig(t)
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8, cfg.Download.SegmentConcurrency)
	assert.Equal(t, "auto", cfg.Decrypt.Decrypter)
	assert.True(t, cfg.Mux.Enabled)
	require.Len(t, cfg.Vaults, 1)
	assert.Equal(t, "sqlite", cfg.Vaults[0].Type)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty base dir", func(c *Config) { c.Storage.BaseDir = "" }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
		{"bad log format", func(c *Config) { c.Logging.Format = "xml" }},
		{"zero concurrency", func(c *Config) { c.Download.SegmentConcurrency = 0 }},
		{"bad decrypter", func(c *Config) { c.Decrypt.Decrypter = "openssl" }},
		{"vault without name", func(c *Config) { c.Vaults = []VaultConfig{{Type: "sqlite", DSN: "x.db"}} }},
		{"duplicate vault names", func(c *Config) {
			c.Vaults = []VaultConfig{
				{Name: "a", Type: "sqlite", DSN: "x.db"},
				{Name: "a", Type: "sqlite", DSN: "y.db"},
			}
		}},
		{"bad cdm system", func(c *Config) { c.Cdm.System = "fairplay" }},
		{"cdm url without device", func(c *Config) { c.Cdm.URL = "http://cdm.local" }},
		{"remote vault without url", func(c *Config) { c.Vaults = []VaultConfig{{Name: "r", Type: "remote"}} }},
		{"db vault without dsn", func(c *Config) { c.Vaults = []VaultConfig{{Name: "d", Type: "mysql"}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
storage:
  base_dir: /srv/streamdl
download:
  segment_concurrency: 16
decrypt:
  decrypter: packager
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/streamdl", cfg.Storage.BaseDir)
	assert.Equal(t, 16, cfg.Download.SegmentConcurrency)
	assert.Equal(t, "packager", cfg.Decrypt.Decrypter)
	assert.Equal(t, filepath.Join("/srv/streamdl", "temp"), cfg.TempPath())
	assert.Equal(t, filepath.Join("/srv/streamdl", "downloads"), cfg.DownloadsPath())
}

func TestLoadRejectsMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}

func TestLoadProfiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "profiles.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
DSNP:
  multikey: true
  decrypter: packager
NF:
  no_proxy: true
`), 0o644))

	profiles, err := LoadProfiles(path)
	require.NoError(t, err)
	assert.True(t, profiles["DSNP"].Multikey)
	assert.Equal(t, "packager", profiles["DSNP"].Decrypter)
	assert.True(t, profiles["NF"].NoProxy)
}

func TestLoadProfilesMissing(t *testing.T) {
	profiles, err := LoadProfiles(filepath.Join(t.TempDir(), "none.yaml"))
	require.NoError(t, err)
	assert.Empty(t, profiles)
}
