// Package config 加载 tilestitch 配置
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/geoyee/tilestitch/internal/calculator"
	"github.com/geoyee/tilestitch/internal/provider"
)

// Config 全部配置
type Config struct {
	Map     MapConfig     `mapstructure:"map"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Cache   CacheConfig   `mapstructure:"cache"`
	Session SessionConfig `mapstructure:"session"`
	Server  ServerConfig  `mapstructure:"server"`
	Publish PublishConfig `mapstructure:"publish"`
	Log     LogConfig     `mapstructure:"log"`
}

type MapConfig struct {
	Provider       string     `mapstructure:"provider"`
	URLTemplate    string     `mapstructure:"url_template"`
	CoverageMeters float64    `mapstructure:"coverage_meters"`
	ImageSize      int        `mapstructure:"image_size"`
	CenterMarker   bool       `mapstructure:"center_marker"`
	Grid           GridConfig `mapstructure:"grid"`
}

type GridConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	SpacingMeters float64 `mapstructure:"spacing_meters"`
	Color         string  `mapstructure:"color"`
	Alpha         float64 `mapstructure:"alpha"`
}

type FetchConfig struct {
	Workers             int     `mapstructure:"workers"`
	RateLimit           float64 `mapstructure:"rate_limit"`
	Retries             int     `mapstructure:"retries"`
	TimeoutSeconds      int     `mapstructure:"timeout_seconds"`
	BatchTimeoutSeconds int     `mapstructure:"batch_timeout_seconds"`
	UserAgent           string  `mapstructure:"user_agent"`
	ProxyURL            string  `mapstructure:"proxy_url"`
	UseHTTP2            bool    `mapstructure:"use_http2"`
}

// Timeout 单瓦片超时
func (f FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// BatchTimeout 批量超时，0 表示不限
func (f FetchConfig) BatchTimeout() time.Duration {
	return time.Duration(f.BatchTimeoutSeconds) * time.Second
}

type CacheConfig struct {
	Backend    string      `mapstructure:"backend"`
	Dir        string      `mapstructure:"dir"`
	Prefix     string      `mapstructure:"prefix"`
	RedisAddr  string      `mapstructure:"redis_addr"`
	ValkeyAddr string      `mapstructure:"valkey_addr"`
	MinIO      MinIOConfig `mapstructure:"minio"`
}

type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

type SessionConfig struct {
	FetchOnceAtOrigin       bool    `mapstructure:"fetch_once_at_origin"`
	UpdateOnMovement        bool    `mapstructure:"update_on_movement"`
	MovementThresholdMeters float64 `mapstructure:"movement_threshold_meters"`
	SnapshotDir             string  `mapstructure:"snapshot_dir"`
}

type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

type PublishConfig struct {
	NATSURL         string `mapstructure:"nats_url"`
	SubjectPrefix   string `mapstructure:"subject_prefix"`
	IntervalSeconds int    `mapstructure:"interval_seconds"`
	// Encoding 图像编码：png 或 bgr8
	Encoding string `mapstructure:"encoding"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Backends 支持的缓存后端
var Backends = []string{"disk", "redis", "valkey", "minio"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("map.provider", "esri")
	v.SetDefault("map.url_template", "")
	v.SetDefault("map.coverage_meters", 500.0)
	v.SetDefault("map.image_size", 1024)
	v.SetDefault("map.center_marker", true)
	v.SetDefault("map.grid.enabled", false)
	v.SetDefault("map.grid.spacing_meters", 100.0)
	v.SetDefault("map.grid.color", "#ffffff")
	v.SetDefault("map.grid.alpha", 0.5)

	v.SetDefault("fetch.workers", 8)
	v.SetDefault("fetch.rate_limit", 10.0)
	v.SetDefault("fetch.retries", 2)
	v.SetDefault("fetch.timeout_seconds", 10)
	v.SetDefault("fetch.batch_timeout_seconds", 0)
	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("fetch.proxy_url", "")
	v.SetDefault("fetch.use_http2", true)

	v.SetDefault("cache.backend", "disk")
	v.SetDefault("cache.dir", "./tile_cache")
	v.SetDefault("cache.prefix", "tilestitch:")
	v.SetDefault("cache.redis_addr", "localhost:6379")
	v.SetDefault("cache.valkey_addr", "localhost:6379")
	v.SetDefault("cache.minio.endpoint", "localhost:9000")
	v.SetDefault("cache.minio.access_key", "")
	v.SetDefault("cache.minio.secret_key", "")
	v.SetDefault("cache.minio.bucket", "tiles")
	v.SetDefault("cache.minio.use_ssl", false)

	v.SetDefault("session.fetch_once_at_origin", true)
	v.SetDefault("session.update_on_movement", false)
	v.SetDefault("session.movement_threshold_meters", 100.0)
	v.SetDefault("session.snapshot_dir", "")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("publish.nats_url", "")
	v.SetDefault("publish.subject_prefix", "tilestitch")
	v.SetDefault("publish.interval_seconds", 10)
	v.SetDefault("publish.encoding", "png")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load 读取配置：默认值、可选 YAML 文件、TILESTITCH_ 前缀的环境变量。
// path 为空时在 . 和 ./configs 下查找 tilestitch.yaml，找不到不报错。
// 当前目录下的 .env 会先载入环境变量，但不覆盖已有值。
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("tilestitch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	// TILESTITCH_CACHE_BACKEND → cache.backend
	v.SetEnvPrefix("TILESTITCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 检查配置，汇总全部错误
func (c *Config) Validate() error {
	var errs []string

	if _, err := provider.Lookup(c.Map.Provider); err != nil {
		errs = append(errs, fmt.Sprintf("map.provider: %v", err))
	}
	if c.Map.CoverageMeters <= 0 {
		errs = append(errs, fmt.Sprintf("map.coverage_meters must be positive, got %g", c.Map.CoverageMeters))
	}
	if calculator.ValidateImageSize(c.Map.ImageSize, c.Map.ImageSize) != nil {
		errs = append(errs, fmt.Sprintf("map.image_size must be 1-%d, got %d", calculator.MaxImageSize, c.Map.ImageSize))
	}
	if c.Map.Grid.Enabled && c.Map.Grid.SpacingMeters <= 0 {
		errs = append(errs, "map.grid.spacing_meters must be positive when the grid is enabled")
	}
	if c.Map.Grid.Alpha < 0 || c.Map.Grid.Alpha > 1 {
		errs = append(errs, fmt.Sprintf("map.grid.alpha must be within [0, 1], got %g", c.Map.Grid.Alpha))
	}

	if c.Fetch.Workers <= 0 {
		errs = append(errs, fmt.Sprintf("fetch.workers must be positive, got %d", c.Fetch.Workers))
	}
	if c.Fetch.RateLimit < 0 {
		errs = append(errs, "fetch.rate_limit must not be negative")
	}
	if c.Fetch.Retries < 0 {
		errs = append(errs, "fetch.retries must not be negative")
	}
	if c.Fetch.TimeoutSeconds <= 0 {
		errs = append(errs, "fetch.timeout_seconds must be positive")
	}
	if c.Fetch.BatchTimeoutSeconds < 0 {
		errs = append(errs, "fetch.batch_timeout_seconds must not be negative")
	}

	switch c.Cache.Backend {
	case "disk":
		if c.Cache.Dir == "" {
			errs = append(errs, "cache.dir is required for the disk backend")
		}
	case "redis":
		if c.Cache.RedisAddr == "" {
			errs = append(errs, "cache.redis_addr is required for the redis backend")
		}
	case "valkey":
		if c.Cache.ValkeyAddr == "" {
			errs = append(errs, "cache.valkey_addr is required for the valkey backend")
		}
	case "minio":
		if c.Cache.MinIO.Endpoint == "" || c.Cache.MinIO.Bucket == "" {
			errs = append(errs, "cache.minio.endpoint and cache.minio.bucket are required for the minio backend")
		}
	default:
		errs = append(errs, fmt.Sprintf("cache.backend must be one of %s, got %q", strings.Join(Backends, ", "), c.Cache.Backend))
	}

	if c.Session.MovementThresholdMeters < 0 {
		errs = append(errs, "session.movement_threshold_meters must not be negative")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	if c.Publish.NATSURL != "" && c.Publish.IntervalSeconds <= 0 {
		errs = append(errs, "publish.interval_seconds must be positive when nats_url is set")
	}
	if c.Publish.Encoding != "png" && c.Publish.Encoding != "bgr8" {
		errs = append(errs, fmt.Sprintf("publish.encoding must be png or bgr8, got %q", c.Publish.Encoding))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
