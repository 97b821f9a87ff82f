package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigPath is the default config file location.
const ConfigPath = "config.yaml"

const (
	TransportRedis       = "redis"
	TransportRedisStream = "redisstream"
	TransportAMQP        = "amqp"
)

// ObjectStoreConfig describes the S3-compatible bucket for attachments. An
// empty endpoint keeps attachments in process memory.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"accessKey"`
	SecretKey string `yaml:"secretKey"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"useSSL"`
}

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	LogLevel              string            `yaml:"logLevel"`
	UserID                string            `yaml:"userID"`
	ActiveConversationID  string            `yaml:"activeConversationID"`
	LocalDatabasePath     string            `yaml:"localDatabasePath"`
	RemoteDatabaseURL     string            `yaml:"remoteDatabaseURL"`
	Transport             string            `yaml:"transport"`
	RedisAddr             string            `yaml:"redisAddr"`
	RedisPassword         string            `yaml:"redisPassword"`
	AMQPURL               string            `yaml:"amqpURL"`
	AckTimeoutMs          int               `yaml:"ackTimeoutMs"`
	SyncConcurrency       int               `yaml:"syncConcurrency"`
	RemotePollSeconds     int               `yaml:"remotePollSeconds"`
	MediaDir              string            `yaml:"mediaDir"`
	ObjectStore           ObjectStoreConfig `yaml:"objectStore"`
	UploadPartSizeMB      int               `yaml:"uploadPartSizeMB"`
	DownloadURLTTLSeconds int               `yaml:"downloadURLTTLSeconds"`
	MetricsAddr           string            `yaml:"metricsAddr"`
}

// Load reads config from path (defaults to config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Override with environment variables
func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("CHATSYNC_USER_ID"); v != "" {
		cfg.UserID = v
	}
	if v := os.Getenv("REMOTE_DATABASE_URL"); v != "" {
		cfg.RemoteDatabaseURL = v
	}
	if v := os.Getenv("CHATSYNC_TRANSPORT"); v != "" {
		cfg.Transport = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.AMQPURL = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.ObjectStore.Endpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.ObjectStore.AccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.ObjectStore.SecretKey = v
	}
	if v := os.Getenv("MINIO_BUCKET"); v != "" {
		cfg.ObjectStore.Bucket = v
	}
	if v := os.Getenv("MINIO_USE_SSL"); v == "true" {
		cfg.ObjectStore.UseSSL = true
	}
	if v := os.Getenv("CHATSYNC_ACK_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AckTimeoutMs = n
		}
	}
	if v := os.Getenv("CHATSYNC_REMOTE_POLL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RemotePollSeconds = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Transport == "" {
		cfg.Transport = TransportRedis
	}
	cfg.Transport = strings.ToLower(strings.TrimSpace(cfg.Transport))
	if cfg.LocalDatabasePath == "" {
		cfg.LocalDatabasePath = "chatsync.db"
	}
	if cfg.MediaDir == "" {
		cfg.MediaDir = "media"
	}
	if cfg.AckTimeoutMs == 0 {
		cfg.AckTimeoutMs = 2000
	}
	if cfg.RemotePollSeconds == 0 {
		cfg.RemotePollSeconds = 5
	}
}

func validateConfig(cfg FileConfig) error {
	if strings.TrimSpace(cfg.UserID) == "" {
		return errors.New("config: userID is required (set in config.yaml or CHATSYNC_USER_ID)")
	}
	if cfg.RemoteDatabaseURL == "" {
		return errors.New("config: remoteDatabaseURL is required (set in config.yaml or REMOTE_DATABASE_URL)")
	}
	switch cfg.Transport {
	case TransportRedis, TransportRedisStream:
		if cfg.RedisAddr == "" {
			return errors.New("config: redisAddr is required for the redis transports")
		}
	case TransportAMQP:
		if cfg.AMQPURL == "" {
			return errors.New("config: amqpURL is required for the amqp transport")
		}
	default:
		return fmt.Errorf("config: unknown transport %q (want redis, redisstream or amqp)", cfg.Transport)
	}
	if cfg.AckTimeoutMs < 0 {
		return errors.New("config: ackTimeoutMs must not be negative")
	}
	if cfg.RemotePollSeconds < 0 {
		return errors.New("config: remotePollSeconds must not be negative")
	}
	if cfg.SyncConcurrency < 0 {
		return errors.New("config: syncConcurrency must not be negative")
	}
	if cfg.UploadPartSizeMB < 0 {
		return errors.New("config: uploadPartSizeMB must not be negative")
	}
	if cfg.ObjectStore.Endpoint != "" {
		if cfg.ObjectStore.AccessKey == "" || cfg.ObjectStore.SecretKey == "" {
			return errors.New("config: objectStore accessKey and secretKey are required with an endpoint")
		}
		if cfg.ObjectStore.Bucket == "" {
			return errors.New("config: objectStore bucket is required with an endpoint")
		}
	}
	return nil
}

// AckTimeout returns the acknowledgment wait as a duration.
func (c FileConfig) AckTimeout() time.Duration {
	return time.Duration(c.AckTimeoutMs) * time.Millisecond
}

// RemotePollInterval returns how often the remote store is checked for new
// messages.
func (c FileConfig) RemotePollInterval() time.Duration {
	return time.Duration(c.RemotePollSeconds) * time.Second
}

// UploadPartSize returns the multipart chunk size in bytes; zero means the
// upload manager default.
func (c FileConfig) UploadPartSize() int64 {
	return int64(c.UploadPartSizeMB) << 20
}

// DownloadURLTTL returns the lifetime of signed download URLs; zero means the
// upload manager default.
func (c FileConfig) DownloadURLTTL() time.Duration {
	return time.Duration(c.DownloadURLTTLSeconds) * time.Second
}
