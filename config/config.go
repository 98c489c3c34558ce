// Package config loads the static application settings: directories,
// download source, decoder binary, commerce endpoint and license trust.
//
// Sources, lowest to highest priority: built-in defaults, config.yaml in the
// config directory, a .env file next to it, MURMUR_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "MURMUR"

// Config holds the application settings.
type Config struct {
	DataDir          string   `mapstructure:"data_dir" validate:"required"`
	ModelBaseURL     string   `mapstructure:"model_base_url" validate:"required,url"`
	WhisperBin       string   `mapstructure:"whisper_bin" validate:"required"`
	Threads          int      `mapstructure:"threads" validate:"gte=0,lte=64"`
	DefaultLanguage  string   `mapstructure:"default_language" validate:"required,len=2,lowercase"`
	FreeQuota        uint     `mapstructure:"free_quota" validate:"lte=100000"`
	CheckoutEndpoint string   `mapstructure:"checkout_endpoint" validate:"omitempty,url"`
	CheckoutToken    string   `mapstructure:"checkout_token"`
	LicenseIssuer    string   `mapstructure:"license_issuer" validate:"required"`
	LicenseKeys      []string `mapstructure:"license_keys"`
	Autopaste        bool     `mapstructure:"autopaste"`

	// File is the config file that was read, empty if none.
	File string `mapstructure:"-"`
}

// ModelsDir is where model binaries live.
func (c *Config) ModelsDir() string { return filepath.Join(c.DataDir, "models") }

// StatePath is the persisted session and entitlement state.
func (c *Config) StatePath() string { return filepath.Join(c.DataDir, "state.json") }

// RunDir holds the control files shared between the daemon and -ctl.
func (c *Config) RunDir() string { return filepath.Join(c.DataDir, "run") }

var defaults = map[string]any{
	"model_base_url":    "https://huggingface.co/ggerganov/whisper.cpp/resolve/main",
	"whisper_bin":       "whisper-cli",
	"threads":           0,
	"default_language":  "en",
	"free_quota":        50,
	"checkout_endpoint": "",
	"checkout_token":    "",
	"license_issuer":    "murmur",
	"license_keys":      []string{},
	"autopaste":         true,
}

// Load reads the configuration. dir is the config directory; when empty the
// MURMUR_CONFIG_DIR variable and then the OS default are used.
func Load(dir string) (*Config, error) {
	if dir == "" {
		dir = os.Getenv(envPrefix + "_CONFIG_DIR")
	}
	if dir == "" {
		d, err := DefaultConfigDir()
		if err != nil {
			return nil, err
		}
		dir = d
	}

	envFile := filepath.Join(dir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	dataDir, err := DefaultDataDir()
	if err != nil {
		return nil, err
	}
	v.SetDefault("data_dir", dataDir)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfgFile := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(cfgFile); err == nil {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read %s: %w", cfgFile, err)
		}
	} else {
		cfgFile = ""
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = cfgFile
	cfg.ModelBaseURL = strings.TrimRight(cfg.ModelBaseURL, "/")
	cfg.LicenseKeys = compact(cfg.LicenseKeys)

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// ReadLicenseKeys returns the PEM or base64 DER material for each configured
// key. Entries that name an existing file are read; others are used inline.
func (c *Config) ReadLicenseKeys() ([]string, error) {
	keys := make([]string, 0, len(c.LicenseKeys))
	for _, k := range c.LicenseKeys {
		if strings.Contains(k, "-----BEGIN") {
			keys = append(keys, k)
			continue
		}
		if _, err := os.Stat(k); err == nil {
			data, err := os.ReadFile(k)
			if err != nil {
				return nil, fmt.Errorf("read license key %s: %w", k, err)
			}
			keys = append(keys, string(data))
			continue
		}
		keys = append(keys, k)
	}
	return keys, nil
}
