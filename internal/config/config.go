// Package config loads daemon configuration from YAML with environment
// overrides for deployment-supplied values and secrets.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"mailcrypt/go-backend/internal/submission"
)

type Config struct {
	Account      string `yaml:"account"`
	DataDir      string `yaml:"dataDir"`
	DeviceSecret string `yaml:"-"`

	Directory  DirectoryConfig   `yaml:"directory"`
	Discovery  DiscoveryConfig   `yaml:"discovery"`
	Lockout    LockoutConfig     `yaml:"lockout"`
	Submission submission.Policy `yaml:"submission"`
	Metrics    MetricsConfig     `yaml:"metrics"`
	Log        LogConfig         `yaml:"log"`
}

type DirectoryConfig struct {
	BaseURL   string `yaml:"baseUrl"`
	AuthToken string `yaml:"-"`
	Retries   int    `yaml:"retries"`
}

type DiscoveryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	RatePerDomain float64       `yaml:"ratePerDomain"`
	Burst         int           `yaml:"burst"`
	IdleTTL       time.Duration `yaml:"idleTtl"`
}

type LockoutConfig struct {
	MaxAttempts int           `yaml:"maxAttempts"`
	Window      time.Duration `yaml:"window"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// fileConfig mirrors Config with optional fields, so an absent key never
// clobbers a default.
type fileConfig struct {
	Account string `yaml:"account"`
	DataDir string `yaml:"dataDir"`

	Directory struct {
		BaseURL string `yaml:"baseUrl"`
		Retries *int   `yaml:"retries"`
	} `yaml:"directory"`
	Discovery struct {
		Enabled       *bool          `yaml:"enabled"`
		RatePerDomain *float64       `yaml:"ratePerDomain"`
		Burst         *int           `yaml:"burst"`
		IdleTTL       *time.Duration `yaml:"idleTtl"`
	} `yaml:"discovery"`
	Lockout struct {
		MaxAttempts *int           `yaml:"maxAttempts"`
		Window      *time.Duration `yaml:"window"`
	} `yaml:"lockout"`
	Submission struct {
		Enabled               *bool `yaml:"enabled"`
		SubmitAliases         *bool `yaml:"submitAliases"`
		RequireDirectoryMatch *bool `yaml:"requireDirectoryMatch"`
	} `yaml:"submission"`
	Metrics struct {
		Listen string `yaml:"listen"`
	} `yaml:"metrics"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func Default() Config {
	return Config{
		DataDir: "data",
		Directory: DirectoryConfig{
			Retries: 2,
		},
		Discovery: DiscoveryConfig{
			Enabled:       true,
			RatePerDomain: 0.5,
			Burst:         3,
			IdleTTL:       10 * time.Minute,
		},
		Lockout: LockoutConfig{
			MaxAttempts: 5,
			Window:      5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9109",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// LoadFromPath reads the first readable candidate config file, merges it over
// the defaults and applies environment overrides. A missing or unparseable
// file falls back to defaults plus environment.
func LoadFromPath(configPath string) Config {
	cfg := Default()

	candidates := make([]string, 0, 2)
	if configPath != "" {
		candidates = append(candidates, configPath)
	} else {
		candidates = append(candidates,
			"configs/config.yaml",
			"config.yaml",
		)
	}

	for _, path := range candidates {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var parsed fileConfig
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			continue
		}
		merge(&cfg, parsed)
		break
	}

	applyEnvOverrides(&cfg)
	return cfg
}

func merge(dst *Config, src fileConfig) {
	if src.Account != "" {
		dst.Account = src.Account
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
	if src.Directory.BaseURL != "" {
		dst.Directory.BaseURL = src.Directory.BaseURL
	}
	if src.Directory.Retries != nil {
		dst.Directory.Retries = *src.Directory.Retries
	}
	if src.Discovery.Enabled != nil {
		dst.Discovery.Enabled = *src.Discovery.Enabled
	}
	if src.Discovery.RatePerDomain != nil {
		dst.Discovery.RatePerDomain = *src.Discovery.RatePerDomain
	}
	if src.Discovery.Burst != nil {
		dst.Discovery.Burst = *src.Discovery.Burst
	}
	if src.Discovery.IdleTTL != nil {
		dst.Discovery.IdleTTL = *src.Discovery.IdleTTL
	}
	if src.Lockout.MaxAttempts != nil {
		dst.Lockout.MaxAttempts = *src.Lockout.MaxAttempts
	}
	if src.Lockout.Window != nil {
		dst.Lockout.Window = *src.Lockout.Window
	}
	if src.Submission.Enabled != nil {
		dst.Submission.Enabled = *src.Submission.Enabled
	}
	if src.Submission.SubmitAliases != nil {
		dst.Submission.SubmitAliases = *src.Submission.SubmitAliases
	}
	if src.Submission.RequireDirectoryMatch != nil {
		dst.Submission.RequireDirectoryMatch = *src.Submission.RequireDirectoryMatch
	}
	if src.Metrics.Listen != "" {
		dst.Metrics.Listen = src.Metrics.Listen
	}
	if src.Log.Level != "" {
		dst.Log.Level = src.Log.Level
	}
	if src.Log.Format != "" {
		dst.Log.Format = src.Log.Format
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MAILCRYPT_ACCOUNT"); v != "" {
		cfg.Account = v
	}
	if v := os.Getenv("MAILCRYPT_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("MAILCRYPT_DEVICE_SECRET"); v != "" {
		cfg.DeviceSecret = v
	}
	if v := os.Getenv("MAILCRYPT_DIRECTORY_URL"); v != "" {
		cfg.Directory.BaseURL = v
	}
	if v := os.Getenv("MAILCRYPT_DIRECTORY_TOKEN"); v != "" {
		cfg.Directory.AuthToken = v
	}
	if v := os.Getenv("MAILCRYPT_DISCOVERY_ENABLED"); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			cfg.Discovery.Enabled = parsed
		}
	}
	if v := os.Getenv("MAILCRYPT_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
	if v := os.Getenv("MAILCRYPT_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
