// Package config loads clipfetch settings from a YAML file, CLIPFETCH_*
// environment variables and hardware-derived defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/psantana5/clip-prefetch/pkg/jobhost"
	"github.com/psantana5/clip-prefetch/pkg/logging"
	"github.com/psantana5/clip-prefetch/pkg/prefetch"
	"github.com/psantana5/clip-prefetch/pkg/store"
	"github.com/psantana5/clip-prefetch/pkg/sysinfo"
	apitls "github.com/psantana5/clip-prefetch/pkg/tls"
	"github.com/psantana5/clip-prefetch/pkg/tracing"
)

// EnvPrefix prefixes every environment override, e.g. CLIPFETCH_CACHE_MAX_MB
const EnvPrefix = "CLIPFETCH"

// Config is the full runtime configuration
type Config struct {
	Workers          int           `mapstructure:"workers" yaml:"workers"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
	SkipUnreadable   bool          `mapstructure:"skip_unreadable" yaml:"skip_unreadable"`
	FFmpegPath       string        `mapstructure:"ffmpeg_path" yaml:"ffmpeg_path"`
	FFprobePath      string        `mapstructure:"ffprobe_path" yaml:"ffprobe_path"`

	Cache   CacheConfig   `mapstructure:"cache" yaml:"cache"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Store   StoreConfig   `mapstructure:"store" yaml:"store"`
	HTTP    HTTPConfig    `mapstructure:"http" yaml:"http"`
	Client  ClientConfig  `mapstructure:"client" yaml:"client"`
	Tracing TracingConfig `mapstructure:"tracing" yaml:"tracing"`
}

// CacheConfig bounds the frame cache
type CacheConfig struct {
	MaxMB      int64 `mapstructure:"max_mb" yaml:"max_mb"`
	MaxEntries int   `mapstructure:"max_entries" yaml:"max_entries"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	JSON  bool   `mapstructure:"json" yaml:"json"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"dsn"`
}

type HTTPConfig struct {
	Addr      string   `mapstructure:"addr" yaml:"addr"`
	RateLimit float64  `mapstructure:"rate_limit" yaml:"rate_limit"`
	Burst     int      `mapstructure:"burst" yaml:"burst"`
	APIKeys   []string `mapstructure:"api_keys" yaml:"-"`
	TLSCert   string   `mapstructure:"tls_cert" yaml:"tls_cert,omitempty"`
	TLSKey    string   `mapstructure:"tls_key" yaml:"tls_key,omitempty"`
	TLSCA     string   `mapstructure:"tls_ca" yaml:"tls_ca,omitempty"`
}

// ClientConfig is used by the commands that talk to a running service
type ClientConfig struct {
	APIURL  string `mapstructure:"api_url" yaml:"api_url,omitempty"`
	APIKey  string `mapstructure:"api_key" yaml:"-"`
	TLSCert string `mapstructure:"tls_cert" yaml:"tls_cert,omitempty"`
	TLSKey  string `mapstructure:"tls_key" yaml:"tls_key,omitempty"`
	TLSCA   string `mapstructure:"tls_ca" yaml:"tls_ca,omitempty"`
}

type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Endpoint    string `mapstructure:"endpoint" yaml:"endpoint"`
	Environment string `mapstructure:"environment" yaml:"environment"`
}

// SetDefaults registers every key so environment overrides are picked up
// on Unmarshal
func SetDefaults(v *viper.Viper) {
	v.SetDefault("workers", sysinfo.CPUThreads())
	v.SetDefault("progress_interval", jobhost.DefaultInterval)
	v.SetDefault("skip_unreadable", false)
	v.SetDefault("ffmpeg_path", "ffmpeg")
	v.SetDefault("ffprobe_path", "ffprobe")

	v.SetDefault("cache.max_mb", sysinfo.DefaultCacheBytes()>>20)
	v.SetDefault("cache.max_entries", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")

	v.SetDefault("http.addr", ":8090")
	v.SetDefault("http.rate_limit", 50.0)
	v.SetDefault("http.burst", 100)
	v.SetDefault("http.api_keys", []string{})
	v.SetDefault("http.tls_cert", "")
	v.SetDefault("http.tls_key", "")
	v.SetDefault("http.tls_ca", "")

	v.SetDefault("client.api_url", "")
	v.SetDefault("client.api_key", "")
	v.SetDefault("client.tls_cert", "")
	v.SetDefault("client.tls_key", "")
	v.SetDefault("client.tls_ca", "")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.endpoint", "localhost:4318")
	v.SetDefault("tracing.environment", "development")
}

// Load reads file, or $HOME/.clipfetch/config.yaml when file is empty, and
// applies environment overrides. A missing default file is not an error.
func Load(v *viper.Viper, file string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".clipfetch"))
		}
		v.SetConfigName("config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper decodes and validates the settings held by v
func FromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with
func (c *Config) Validate() error {
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.ProgressInterval < 0 {
		return fmt.Errorf("progress_interval must not be negative, got %s", c.ProgressInterval)
	}
	if c.Cache.MaxMB < 0 || c.Cache.MaxEntries < 0 {
		return errors.New("cache limits must not be negative")
	}
	switch c.Store.Driver {
	case "", "memory":
	case "sqlite", "sqlite3", "postgres", "postgresql":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.HTTP.RateLimit < 0 || c.HTTP.Burst < 0 {
		return errors.New("http rate limit must not be negative")
	}
	if (c.HTTP.TLSCert == "") != (c.HTTP.TLSKey == "") {
		return errors.New("http.tls_cert and http.tls_key must be set together")
	}
	if c.HTTP.TLSCA != "" && c.HTTP.TLSCert == "" {
		return errors.New("http.tls_ca requires http.tls_cert")
	}
	return nil
}

// ServerTLS returns the certificate files of the control API
func (c *Config) ServerTLS() apitls.Files {
	return apitls.Files{Cert: c.HTTP.TLSCert, Key: c.HTTP.TLSKey, CA: c.HTTP.TLSCA}
}

// ClientTLS returns the certificate files remote commands use
func (c *Config) ClientTLS() apitls.Files {
	return apitls.Files{Cert: c.Client.TLSCert, Key: c.Client.TLSKey, CA: c.Client.TLSCA}
}

// CacheBytes is the frame cache budget in bytes, 0 for unlimited
func (c *Config) CacheBytes() int64 {
	return c.Cache.MaxMB << 20
}

// Scheduler returns the prefetch scheduler settings
func (c *Config) Scheduler() prefetch.Config {
	return prefetch.Config{
		Workers:          c.Workers,
		ProgressInterval: c.ProgressInterval,
		Policy:           prefetch.Policy{SkipUnreadable: c.SkipUnreadable},
	}
}

// StoreConfig returns the job history store settings
func (c *Config) StoreConfig() store.Config {
	return store.Config{
		Driver:          c.Store.Driver,
		DSN:             c.Store.DSN,
		MaxOpenConns:    10,
		MaxIdleConns:    2,
		ConnMaxLifetime: 30 * time.Minute,
	}
}

// TracingConfig returns the tracer settings for the named service
func (c *Config) TracingConfig(version string) tracing.Config {
	return tracing.Config{
		ServiceName:    "clip-prefetch",
		ServiceVersion: version,
		Environment:    c.Tracing.Environment,
		OTLPEndpoint:   c.Tracing.Endpoint,
		Enabled:        c.Tracing.Enabled,
	}
}

// Logger builds the process logger
func (c *Config) Logger() *logging.Logger {
	return logging.NewLogger(logging.ParseLevel(c.Log.Level), c.Log.JSON)
}
