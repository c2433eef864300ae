package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed capture_defaults.yaml
var captureDefaults []byte

// CaptureConfig configures the client-side capture failsafe.
type CaptureConfig struct {
	Store    CaptureStoreConfig `mapstructure:"store"`
	Primary  EndpointConfig     `mapstructure:"primary"`
	Fallback FallbackConfig     `mapstructure:"fallback"`
	Sweep    SweepConfig        `mapstructure:"sweep"`
	Operator EndpointConfig     `mapstructure:"operator"`
	LogLevel string             `mapstructure:"log_level"`
}

type CaptureStoreConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
	SpoolDir   string `mapstructure:"spool_dir"`
}

type EndpointConfig struct {
	URL       string        `mapstructure:"url"`
	AuthToken string        `mapstructure:"auth_token"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type FallbackConfig struct {
	URL     string        `mapstructure:"url"`
	Subject string        `mapstructure:"subject"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SweepConfig struct {
	Interval   time.Duration `mapstructure:"interval"`
	MaxRetries int           `mapstructure:"max_retries"`
	Retention  time.Duration `mapstructure:"retention"`
}

// LoadCapture reads embedded defaults, merges the YAML file at path (if any)
// and applies CAPTURE_* env overrides, e.g. CAPTURE_PRIMARY_URL.
func LoadCapture(path string) (CaptureConfig, error) {
	v := viper.New()

	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(captureDefaults)); err != nil {
		return CaptureConfig{}, fmt.Errorf("failed to read capture defaults: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return CaptureConfig{}, fmt.Errorf("failed to read capture config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix("CAPTURE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg CaptureConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return CaptureConfig{}, fmt.Errorf("failed to decode capture config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return CaptureConfig{}, err
	}
	return cfg, nil
}

func (c CaptureConfig) validate() error {
	if strings.TrimSpace(c.Primary.URL) == "" {
		return fmt.Errorf("capture primary url is required")
	}
	if strings.TrimSpace(c.Store.SQLitePath) == "" && strings.TrimSpace(c.Store.SpoolDir) == "" {
		return fmt.Errorf("capture needs a sqlite path or a spool directory")
	}
	if c.Sweep.Interval <= 0 || c.Sweep.Retention <= 0 || c.Sweep.MaxRetries <= 0 {
		return fmt.Errorf("capture sweep interval, retention and max retries must be positive")
	}
	return nil
}
