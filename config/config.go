package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"liverelay/internal/logger"
)

// Config holds all application configuration. It is built once at startup
// and passed to the components that need it.
type Config struct {
	RTMP   RTMPConfig
	HTTP   HTTPConfig
	Record RecordConfig
	Log    logger.Config
}

// RTMPConfig configures the RTMP listener and sessions
type RTMPConfig struct {
	Addr              string
	HandlerPoolSize   int    `mapstructure:"handler_pool_size"`
	OutboundQueueSize int    `mapstructure:"outbound_queue_size"`
	ChunkSize         uint32 `mapstructure:"chunk_size"`
	WindowAckSize     uint32 `mapstructure:"window_ack_size"`
}

// HTTPConfig configures the HTTP API and HTTP-FLV playback
type HTTPConfig struct {
	Addr      string
	EnableFLV bool `mapstructure:"enable_flv"`
}

// RecordConfig configures stream recording
type RecordConfig struct {
	Enabled bool
	Type    string // "local" or "gcs"
	Dir     string
	GCS     GCSConfig
}

// GCSConfig holds the bucket recordings are uploaded to
type GCSConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Bucket    string
	BaseDir   string `mapstructure:"base_dir"`
}

// Load reads .env, config.yaml from configPath (or . and ./config) and the
// environment, in increasing order of precedence.
func Load(configPath string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	if err := bindEnv(v, envBindings); err != nil {
		return nil, fmt.Errorf("failed to bind environment: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("rtmp.addr", ":1935")
	v.SetDefault("rtmp.handler_pool_size", 64)
	v.SetDefault("rtmp.outbound_queue_size", 1024)
	v.SetDefault("rtmp.chunk_size", 5000)
	v.SetDefault("rtmp.window_ack_size", 5000000)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.enable_flv", true)

	v.SetDefault("record.enabled", false)
	v.SetDefault("record.type", "local")
	v.SetDefault("record.dir", "./data/flv")
	v.SetDefault("record.gcs.project_id", "")
	v.SetDefault("record.gcs.bucket", "")
	v.SetDefault("record.gcs.base_dir", "recordings")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("log.service_name", "liverelay")
}

// envBindings maps config keys to the environment variables the deployment
// scripts already use
var envBindings = []struct{ key, env string }{
	{"rtmp.addr", "RTMP_ADDR"},
	{"rtmp.handler_pool_size", "RTMP_HANDLER_POOL_SIZE"},
	{"rtmp.outbound_queue_size", "RTMP_OUTBOUND_QUEUE_SIZE"},
	{"rtmp.chunk_size", "RTMP_CHUNK_SIZE"},
	{"rtmp.window_ack_size", "RTMP_WINDOW_ACK_SIZE"},
	{"http.addr", "HTTP_ADDR"},
	{"http.enable_flv", "HTTP_ENABLE_FLV"},
	{"record.enabled", "RECORD_ENABLED"},
	{"record.type", "RECORD_TYPE"},
	{"record.dir", "RECORD_DIR"},
	{"record.gcs.project_id", "GCS_PROJECT_ID"},
	{"record.gcs.bucket", "GCS_BUCKET_NAME"},
	{"record.gcs.base_dir", "GCS_BASE_DIR"},
	{"log.level", "LOG_LEVEL"},
	{"log.pretty", "LOG_PRETTY"},
}

func bindEnv(v *viper.Viper, bindings []struct{ key, env string }) error {
	var result *multierror.Error
	for _, b := range bindings {
		if b.key == "" || b.env == "" {
			result = multierror.Append(result, fmt.Errorf("incomplete env binding %q=%q", b.key, b.env))
			continue
		}
		if err := v.BindEnv(b.key, b.env); err != nil {
			result = multierror.Append(result, fmt.Errorf("bind %s: %w", b.env, err))
		}
	}
	return result.ErrorOrNil()
}

// Validate checks values that would otherwise fail at first use
func (c *Config) Validate() error {
	if c.RTMP.HandlerPoolSize <= 0 {
		return fmt.Errorf("rtmp.handler_pool_size must be positive, got %d", c.RTMP.HandlerPoolSize)
	}
	if c.RTMP.OutboundQueueSize <= 0 {
		return fmt.Errorf("rtmp.outbound_queue_size must be positive, got %d", c.RTMP.OutboundQueueSize)
	}
	if c.RTMP.ChunkSize < 128 || c.RTMP.ChunkSize > 0x7FFFFFFF {
		return fmt.Errorf("rtmp.chunk_size out of range: %d", c.RTMP.ChunkSize)
	}
	if c.RTMP.WindowAckSize == 0 {
		return errors.New("rtmp.window_ack_size must be positive")
	}
	if c.Record.Enabled {
		switch c.Record.Type {
		case "local":
			if c.Record.Dir == "" {
				return errors.New("record.dir is required for local recording")
			}
		case "gcs":
			if c.Record.GCS.Bucket == "" {
				return errors.New("record.gcs.bucket is required for gcs recording")
			}
		default:
			return fmt.Errorf("unknown record.type %q", c.Record.Type)
		}
	}
	return nil
}
