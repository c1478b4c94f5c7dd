package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const DefaultPath = "./uplinkd.yaml"

var ErrMissingBaseURL = errors.New("upload.base_url is required")

type Config struct {
	Upload    UploadConfig    `mapstructure:"upload"`
	Store     StoreConfig     `mapstructure:"store"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Spool     SpoolConfig     `mapstructure:"spool"`
	Server    ServerConfig    `mapstructure:"server"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Log       LogConfig       `mapstructure:"log"`
}

type UploadConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	PostPath       string        `mapstructure:"post_path"`
	PutPath        string        `mapstructure:"put_path"`
	APIKey         string        `mapstructure:"api_key"`
	ChunkSize      int64         `mapstructure:"chunk_size"`
	ErrorThreshold int           `mapstructure:"error_threshold"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	HTTPRetryMax   int           `mapstructure:"http_retry_max"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type StoreConfig struct {
	Driver    string `mapstructure:"driver"`
	DSN       string `mapstructure:"dsn"`
	ListLimit int    `mapstructure:"list_limit"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// SpoolConfig enables ingestion when Dir is set.
type SpoolConfig struct {
	Dir               string `mapstructure:"dir"`
	StagingDir        string `mapstructure:"staging_dir"`
	DeleteAfterUpload bool   `mapstructure:"delete_after_upload"`
}

// ServerConfig: an empty Addr disables the admin API.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	Mode string `mapstructure:"mode"`
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0 && k.Topic != ""
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

func (r RedisConfig) Enabled() bool {
	return r.Addr != ""
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

var defaults = map[string]any{
	"upload.base_url":        "",
	"upload.post_path":       "/upload/",
	"upload.put_path":        "/upload/",
	"upload.api_key":         "",
	"upload.chunk_size":      1024 * 89,
	"upload.error_threshold": 100,
	"upload.retry_delay":     "15m",
	"upload.http_retry_max":  2,
	"upload.request_timeout": "0s",

	"store.driver":     "sqlite",
	"store.dsn":        "./uplinkd.db",
	"store.list_limit": 1000,

	"scheduler.poll_interval": "30s",

	"spool.dir":                 "",
	"spool.staging_dir":         "./staging",
	"spool.delete_after_upload": true,

	"server.addr": ":8089",
	"server.mode": "release",

	"kafka.brokers": []string{},
	"kafka.topic":   "",

	"redis.addr":     "",
	"redis.password": "",
	"redis.db":       0,
	"redis.channel":  "uplinkd.events",

	"log.level":       "info",
	"log.format":      "json",
	"log.output_path": "",
}

// FromFlags parses the command line and loads the file it names.
func FromFlags() (Config, error) {
	path := flag.String("config", DefaultPath, "path to YAML config file")
	flag.Parse()
	return Load(*path)
}

// Load reads path (a missing file leaves the defaults), applies UPLINKD_*
// environment overrides and validates the result.
func Load(path string) (Config, error) {
	v := viper.New()
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.SetEnvPrefix("UPLINKD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		_, err := os.Stat(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("stat config %s: %w", path, err)
		default:
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Upload.BaseURL == "" {
		return ErrMissingBaseURL
	}
	switch c.Store.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver %q: want sqlite or postgres", c.Store.Driver)
	}
	if c.Upload.ChunkSize <= 0 {
		return fmt.Errorf("upload.chunk_size must be positive, got %d", c.Upload.ChunkSize)
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("scheduler.poll_interval must be positive, got %s", c.Scheduler.PollInterval)
	}
	return nil
}
