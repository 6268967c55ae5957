package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// Config is the detection service configuration. It is read from a JSON
// file and then overridden from the environment.
type Config struct {
	// Network description (.cfg), weights and class names of the model.
	NetworkConfig string `json:"network_config"`
	Weights       string `json:"weights,omitempty"`
	Names         string `json:"names,omitempty"`
	ClearStats    bool   `json:"clear_stats,omitempty"`

	Listen   string `json:"listen"`
	PoolSize int    `json:"pool_size"`
	Debug    bool   `json:"debug,omitempty"`

	Threshold     float32 `json:"threshold"`
	HierThreshold float32 `json:"hier_threshold"`
	NMSThreshold  float32 `json:"nms_threshold"`
	LetterBox     bool    `json:"letter_box,omitempty"`

	// Duration strings like "5s".
	AcquireTimeout    string `json:"acquire_timeout"`
	HealthCheckPeriod string `json:"health_check_period"`
}

// Default returns the configuration used for fields the file leaves out.
func Default() *Config {
	return &Config{
		Listen:            "127.0.0.1:8080",
		PoolSize:          4,
		Threshold:         0.25,
		HierThreshold:     0.5,
		NMSThreshold:      0.45,
		AcquireTimeout:    "5s",
		HealthCheckPeriod: "60s",
	}
}

// maxFileSize bounds the config file.
const maxFileSize = 1 << 20

// Load reads path over the defaults. An empty path skips the file. The
// environment is applied last.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		cleanPath := filepath.Clean(path)
		if ext := filepath.Ext(cleanPath); ext != ".json" {
			return nil, errors.Errorf("config file must have .json extension, got %q", ext)
		}
		info, err := os.Stat(cleanPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to stat config file")
		}
		if info.Size() > maxFileSize {
			return nil, errors.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxFileSize)
		}
		data, err := os.ReadFile(cleanPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(err, "failed to parse config file")
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("DARKNET_CFG"); ok {
		c.NetworkConfig = v
	}
	if v, ok := lookup("DARKNET_WEIGHTS"); ok {
		c.Weights = v
	}
	if v, ok := lookup("DARKNET_NAMES"); ok {
		c.Names = v
	}
	if v, ok := lookup("DARKNET_LISTEN"); ok {
		c.Listen = v
	}
	if v, ok := lookup("DARKNET_POOL_SIZE"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "DARKNET_POOL_SIZE")
		}
		c.PoolSize = n
	}
	if v, ok := lookup("DEBUG"); ok {
		c.Debug = v == "true"
	}
	return nil
}

// Validate reports every invalid field.
func (c *Config) Validate() error {
	var err error
	if c.NetworkConfig == "" {
		err = multierr.Append(err, errors.New("network_config is required"))
	}
	if c.Listen == "" {
		err = multierr.Append(err, errors.New("listen is required"))
	}
	if c.PoolSize < 1 {
		err = multierr.Append(err, errors.Errorf("pool_size must be positive, got %d", c.PoolSize))
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		err = multierr.Append(err, errors.Errorf("threshold must be within [0, 1], got %v", c.Threshold))
	}
	if c.HierThreshold < 0 || c.HierThreshold > 1 {
		err = multierr.Append(err, errors.Errorf("hier_threshold must be within [0, 1], got %v", c.HierThreshold))
	}
	if c.NMSThreshold < 0 || c.NMSThreshold > 1 {
		err = multierr.Append(err, errors.Errorf("nms_threshold must be within [0, 1], got %v", c.NMSThreshold))
	}
	if _, perr := c.AcquireTimeoutDuration(); perr != nil {
		err = multierr.Append(err, perr)
	}
	if _, perr := c.HealthCheckPeriodDuration(); perr != nil {
		err = multierr.Append(err, perr)
	}
	return err
}

// AcquireTimeoutDuration parses AcquireTimeout.
func (c *Config) AcquireTimeoutDuration() (time.Duration, error) {
	return parsePositive("acquire_timeout", c.AcquireTimeout)
}

// HealthCheckPeriodDuration parses HealthCheckPeriod.
func (c *Config) HealthCheckPeriodDuration() (time.Duration, error) {
	return parsePositive("health_check_period", c.HealthCheckPeriod)
}

func parsePositive(name, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid %s", name)
	}
	if d <= 0 {
		return 0, errors.Errorf("%s must be positive, got %s", name, s)
	}
	return d, nil
}
