package main

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/paygrid-labs/escrowstream/internal/feed"
)

// Config holds everything the service needs. Values come from flags
// and environment variables; an optional YAML file overrides both.
type Config struct {
	ListenAddr   string        `yaml:"listen_addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`

	Endpoint     string `yaml:"endpoint"`
	AuthToken    string `yaml:"auth_token"`
	StartBlock   uint64 `yaml:"start_block"`
	OutputModule string `yaml:"output_module"`
	Production   bool   `yaml:"production"`

	Contract         string `yaml:"contract"`
	AnomalyThreshold string `yaml:"anomaly_threshold"`

	// ReplayDir switches the upstream to recorded fixtures.
	ReplayDir string `yaml:"replay_dir"`

	RecentCapacity int `yaml:"recent_capacity"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	NATSURL string `yaml:"nats_url"`

	AllowedOrigins []string `yaml:"allowed_origins"`

	LogLevel string `yaml:"log_level"`
}

// applyFile overlays non-zero values from a YAML config file.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	if file.ListenAddr != "" {
		c.ListenAddr = file.ListenAddr
	}
	if file.ReadTimeout > 0 {
		c.ReadTimeout = file.ReadTimeout
	}
	if file.WriteTimeout > 0 {
		c.WriteTimeout = file.WriteTimeout
	}
	if file.Endpoint != "" {
		c.Endpoint = file.Endpoint
	}
	if file.AuthToken != "" {
		c.AuthToken = file.AuthToken
	}
	if file.StartBlock > 0 {
		c.StartBlock = file.StartBlock
	}
	if file.OutputModule != "" {
		c.OutputModule = file.OutputModule
	}
	if file.Production {
		c.Production = true
	}
	if file.Contract != "" {
		c.Contract = file.Contract
	}
	if file.AnomalyThreshold != "" {
		c.AnomalyThreshold = file.AnomalyThreshold
	}
	if file.ReplayDir != "" {
		c.ReplayDir = file.ReplayDir
	}
	if file.RecentCapacity > 0 {
		c.RecentCapacity = file.RecentCapacity
	}
	if file.RedisAddr != "" {
		c.RedisAddr = file.RedisAddr
	}
	if file.RedisPassword != "" {
		c.RedisPassword = file.RedisPassword
	}
	if file.RedisDB != 0 {
		c.RedisDB = file.RedisDB
	}
	if file.NATSURL != "" {
		c.NATSURL = file.NATSURL
	}
	if len(file.AllowedOrigins) > 0 {
		c.AllowedOrigins = file.AllowedOrigins
	}
	if file.LogLevel != "" {
		c.LogLevel = file.LogLevel
	}
	return nil
}

// validate rejects configurations the connector could never run with.
func (c *Config) validate() error {
	if c.Contract == "" {
		return feed.NewConfigError("contract", "escrow contract address is required")
	}
	if c.ReplayDir == "" {
		if c.Endpoint == "" {
			return feed.NewConfigError("endpoint", "upstream endpoint is required (or set -replay-dir)")
		}
		if c.AuthToken == "" {
			return feed.NewConfigError("auth_token", "upstream auth token is required")
		}
	}
	if c.AnomalyThreshold != "" {
		if _, ok := new(big.Int).SetString(c.AnomalyThreshold, 10); !ok {
			return feed.NewConfigError("anomaly_threshold", fmt.Sprintf("%q is not a decimal integer", c.AnomalyThreshold))
		}
	}
	return nil
}

// anomalyThreshold parses the configured threshold; nil disables
// detection. validate has already checked the format.
func (c *Config) anomalyThreshold() *big.Int {
	if c.AnomalyThreshold == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(c.AnomalyThreshold, 10)
	if !ok {
		return nil
	}
	return v
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultUint64(key string, defaultVal uint64) uint64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseUint(v, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}
