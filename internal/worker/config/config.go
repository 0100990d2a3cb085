// Package config loads the worker configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"isoforge/internal/common/storage"
	"isoforge/internal/worker/chroot"
	"isoforge/pkg/utils/logger"
)

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BuildConfig tunes the build service.
type BuildConfig struct {
	WorkRoot           string    `yaml:"workRoot"`
	PoolSize           int       `yaml:"poolSize"`
	RunTimeout         *Duration `yaml:"runTimeout"`
	RequireISOArtifact *bool     `yaml:"requireIsoArtifact"`
	JobsTopic          string    `yaml:"jobsTopic"`
	StatusTopic        string    `yaml:"statusTopic"`
	ConsumerGroup      string    `yaml:"consumerGroup"`
}

// RequireISO resolves the tri-state flag; unset means required.
func (c BuildConfig) RequireISO() bool {
	return c.RequireISOArtifact == nil || *c.RequireISOArtifact
}

// KafkaConfig is the wire-level queue configuration.
type KafkaConfig struct {
	Brokers  []string `yaml:"brokers"`
	ClientID string   `yaml:"clientId"`
}

// RedisConfig is the status cache configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MySQLConfig is the terminal status store configuration. An empty DSN
// disables database persistence.
type MySQLConfig struct {
	DSN string `yaml:"dsn"`
}

// AuthConfig configures API token validation. An empty secret disables
// authentication.
type AuthConfig struct {
	JWTSecret string `yaml:"jwtSecret"`
	JWTIssuer string `yaml:"jwtIssuer"`
}

// AppConfig is the root of the worker configuration file.
type AppConfig struct {
	Machine string               `yaml:"machine"`
	Server  ServerConfig         `yaml:"server"`
	Logger  logger.Config        `yaml:"logger"`
	Build   BuildConfig          `yaml:"build"`
	Schroot chroot.SchrootConfig `yaml:"schroot"`
	Kafka   KafkaConfig          `yaml:"kafka"`
	Redis   RedisConfig          `yaml:"redis"`
	MySQL   MySQLConfig          `yaml:"mysql"`
	MinIO   storage.MinIOConfig  `yaml:"minio"`
	Auth    AuthConfig           `yaml:"auth"`
}

// Load reads and validates a configuration file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg AppConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *AppConfig) applyDefaults() {
	if c.Machine == "" {
		if host, err := os.Hostname(); err == nil {
			c.Machine = host
		}
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8850
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "console"
	}
	if c.Logger.OutputPath == "" {
		c.Logger.OutputPath = "stdout"
	}
	if c.Build.PoolSize == 0 {
		c.Build.PoolSize = 1
	}
	if c.Build.JobsTopic == "" {
		c.Build.JobsTopic = "isoforge-jobs"
	}
	if c.Build.StatusTopic == "" {
		c.Build.StatusTopic = "isoforge-status"
	}
	if c.Build.ConsumerGroup == "" {
		c.Build.ConsumerGroup = "isoforge-worker"
	}
	if c.Build.WorkRoot == "" {
		c.Build.WorkRoot = "/srv/build"
	}
}

func (c *AppConfig) validate() error {
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: kafka.brokers is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("config: redis.addr is required")
	}
	if c.MinIO.Endpoint == "" {
		return fmt.Errorf("config: minio.endpoint is required")
	}
	if c.MinIO.Bucket == "" {
		return fmt.Errorf("config: minio.bucket is required")
	}
	return nil
}
