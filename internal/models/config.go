package models

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// Box is the bounding box a derivative is fit into.
type Box struct {
	Width     int  `yaml:"width"`
	Height    int  `yaml:"height"`
	Watermark bool `yaml:"watermark"`
}

type MinioConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

type Config struct {
	ServerAddr    string      `yaml:"server_addr"`
	DatabaseURL   string      `yaml:"database_url"`
	KafkaBroker   string      `yaml:"kafka_broker"`
	KafkaTopic    string      `yaml:"kafka_topic"`
	KafkaGroup    string      `yaml:"kafka_group"`
	StoragePath   string      `yaml:"storage_path"`
	StorageDriver string      `yaml:"storage_driver"` // fs, minio
	Minio         MinioConfig `yaml:"minio"`
	PublicBaseURL string      `yaml:"public_base_url"`

	LockDriver string        `yaml:"lock_driver"` // file, redis, memory
	LocksPath  string        `yaml:"locks_path"`
	RedisURL   string        `yaml:"redis_url"`
	LockWait   time.Duration `yaml:"lock_wait"`
	LockTTL    time.Duration `yaml:"lock_ttl"`

	JPEGQuality   int            `yaml:"jpeg_quality"`
	Sizes         map[string]Box `yaml:"sizes"`
	EagerSizes    []string       `yaml:"eager_sizes"`
	WarmSizes     []string       `yaml:"warm_sizes"`
	WatermarkText string         `yaml:"watermark_text"`
	FontPath      string         `yaml:"font_path"`

	MetricsNamespace string `yaml:"metrics_namespace"`
}

// ConfigError reports an invalid configuration field.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field " + e.Field + ": " + e.Message
}

// DefaultConfig returns the settings used when the file leaves a field empty.
func DefaultConfig() Config {
	return Config{
		ServerAddr:    ":8080",
		KafkaTopic:    "image-derivatives",
		KafkaGroup:    "image-derivative-warmers",
		StoragePath:   "./storage",
		StorageDriver: "fs",
		LockDriver:    "file",
		LocksPath:     "./locks",
		LockWait:      500 * time.Millisecond,
		LockTTL:       30 * time.Second,
		JPEGQuality:   85,
		Sizes: map[string]Box{
			"thumbnail": {Width: 150, Height: 150},
			"small":     {Width: 400, Height: 400},
			"medium":    {Width: 800, Height: 800},
		},
		EagerSizes:       []string{"thumbnail"},
		MetricsNamespace: "shopimg",
	}
}

// LoadConfig reads the YAML file at path over the defaults, then applies
// environment overrides (a .env file is loaded first when present).
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		var file Config
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		cfg.merge(file)
	}

	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, reading from environment")
	}
	cfg.applyEnv()

	if len(cfg.WarmSizes) == 0 {
		cfg.WarmSizes = cfg.SizeNames()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &cfg, nil
}

// SizeNames lists the configured derivative sizes in sorted order.
func (c *Config) SizeNames() []string {
	names := make([]string, 0, len(c.Sizes))
	for name := range c.Sizes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Config) Validate() error {
	if c.ServerAddr == "" {
		return &ConfigError{Field: "server_addr", Message: "must be set"}
	}
	switch c.StorageDriver {
	case "fs":
		if c.StoragePath == "" {
			return &ConfigError{Field: "storage_path", Message: "must be set for the fs driver"}
		}
	case "minio":
		if c.Minio.Bucket == "" || c.Minio.Endpoint == "" {
			return &ConfigError{Field: "minio", Message: "endpoint and bucket are required"}
		}
		if c.PublicBaseURL == "" {
			return &ConfigError{Field: "public_base_url", Message: "must be set for the minio driver"}
		}
	default:
		return &ConfigError{Field: "storage_driver", Message: "must be fs or minio"}
	}
	switch c.LockDriver {
	case "file":
		if c.LocksPath == "" {
			return &ConfigError{Field: "locks_path", Message: "must be set for the file driver"}
		}
	case "redis":
		if c.RedisURL == "" {
			return &ConfigError{Field: "redis_url", Message: "must be set for the redis driver"}
		}
	case "memory":
	default:
		return &ConfigError{Field: "lock_driver", Message: "must be file, redis or memory"}
	}
	if c.LockWait <= 0 {
		return &ConfigError{Field: "lock_wait", Message: "must be greater than 0"}
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return &ConfigError{Field: "jpeg_quality", Message: "must be between 1 and 100"}
	}
	if len(c.Sizes) == 0 {
		return &ConfigError{Field: "sizes", Message: "at least one derivative size is required"}
	}
	for name, box := range c.Sizes {
		if name == SizeOriginal {
			return &ConfigError{Field: "sizes." + name, Message: "original is reserved"}
		}
		if box.Width <= 0 || box.Height <= 0 {
			return &ConfigError{Field: "sizes." + name, Message: "width and height must be greater than 0"}
		}
	}
	for _, name := range append(append([]string{}, c.EagerSizes...), c.WarmSizes...) {
		if _, ok := c.Sizes[name]; !ok {
			return &ConfigError{Field: "eager_sizes/warm_sizes", Message: fmt.Sprintf("unknown size %q", name)}
		}
	}
	return nil
}

func (c *Config) merge(file Config) {
	setString(&c.ServerAddr, file.ServerAddr)
	setString(&c.DatabaseURL, file.DatabaseURL)
	setString(&c.KafkaBroker, file.KafkaBroker)
	setString(&c.KafkaTopic, file.KafkaTopic)
	setString(&c.KafkaGroup, file.KafkaGroup)
	setString(&c.StoragePath, file.StoragePath)
	setString(&c.StorageDriver, file.StorageDriver)
	setString(&c.PublicBaseURL, file.PublicBaseURL)
	setString(&c.LockDriver, file.LockDriver)
	setString(&c.LocksPath, file.LocksPath)
	setString(&c.RedisURL, file.RedisURL)
	setString(&c.WatermarkText, file.WatermarkText)
	setString(&c.FontPath, file.FontPath)
	setString(&c.MetricsNamespace, file.MetricsNamespace)
	if file.Minio != (MinioConfig{}) {
		c.Minio = file.Minio
	}
	if file.LockWait > 0 {
		c.LockWait = file.LockWait
	}
	if file.LockTTL > 0 {
		c.LockTTL = file.LockTTL
	}
	if file.JPEGQuality != 0 {
		c.JPEGQuality = file.JPEGQuality
	}
	if len(file.Sizes) > 0 {
		c.Sizes = file.Sizes
	}
	if file.EagerSizes != nil {
		c.EagerSizes = file.EagerSizes
	}
	if file.WarmSizes != nil {
		c.WarmSizes = file.WarmSizes
	}
}

func (c *Config) applyEnv() {
	setString(&c.ServerAddr, os.Getenv("SERVER_ADDR"))
	setString(&c.DatabaseURL, os.Getenv("DATABASE_URL"))
	setString(&c.KafkaBroker, os.Getenv("KAFKA_BROKER"))
	setString(&c.KafkaTopic, os.Getenv("KAFKA_TOPIC"))
	setString(&c.StoragePath, os.Getenv("STORAGE_PATH"))
	setString(&c.StorageDriver, os.Getenv("STORAGE_DRIVER"))
	setString(&c.Minio.Endpoint, os.Getenv("MINIO_ENDPOINT"))
	setString(&c.Minio.AccessKey, os.Getenv("MINIO_ACCESS_KEY"))
	setString(&c.Minio.SecretKey, os.Getenv("MINIO_SECRET_KEY"))
	setString(&c.Minio.Bucket, os.Getenv("MINIO_BUCKET"))
	if v := os.Getenv("MINIO_USE_SSL"); v != "" {
		c.Minio.UseSSL = v == "true"
	}
	setString(&c.LockDriver, os.Getenv("LOCK_DRIVER"))
	setString(&c.RedisURL, os.Getenv("REDIS_URL"))
	setString(&c.PublicBaseURL, os.Getenv("PUBLIC_BASE_URL"))
}

func setString(dst *string, v string) {
	if v = strings.TrimSpace(v); v != "" {
		*dst = v
	}
}
