// Package config loads textbundle settings from a YAML file and
// TEXTBUNDLE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/dasmlab/textbundle/pkg/extract"
	"github.com/dasmlab/textbundle/pkg/service"
	"github.com/dasmlab/textbundle/pkg/translate"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// TEXTBUNDLE_QUEUE_BATCH_SIZE for queue.batch_size.
const EnvPrefix = "TEXTBUNDLE"

type Config struct {
	Env       string          `mapstructure:"env"`
	Log       LogConfig       `mapstructure:"log"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Languages LanguagesConfig `mapstructure:"languages"`
	Translate TranslateConfig `mapstructure:"translate"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Templates TemplatesConfig `mapstructure:"templates"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Cron      CronConfig      `mapstructure:"cron"`
	Server    ServerConfig    `mapstructure:"server"`
	Excludes  []extract.Rule  `mapstructure:"excludes"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // text or json
}

type DatabaseConfig struct {
	Path          string `mapstructure:"path"`
	BusyTimeoutMS int    `mapstructure:"busy_timeout_ms"`
	Synchronous   string `mapstructure:"synchronous"`
}

// RedisConfig selects the shared cache and token store. An empty Addr keeps
// both in process memory.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type LanguagesConfig struct {
	// Base is the Google code of the source text.
	Base string `mapstructure:"base"`
	// Map adds or overrides HL code -> Google code entries.
	Map map[string]string `mapstructure:"map"`
}

type TranslateConfig struct {
	Provider       string               `mapstructure:"provider"`
	AutoMTEnabled  bool                 `mapstructure:"auto_mt_enabled"`
	AllowList      []string             `mapstructure:"allow_list"`
	Google         GoogleConfig         `mapstructure:"google"`
	LibreTranslate LibreTranslateConfig `mapstructure:"libretranslate"`
	Null           NullConfig           `mapstructure:"null"`
	Batch          BatchConfig          `mapstructure:"batch"`
}

type GoogleConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

type LibreTranslateConfig struct {
	URL    string `mapstructure:"url"`
	APIKey string `mapstructure:"api_key"`
}

type NullConfig struct {
	Prefix bool `mapstructure:"prefix"`
}

type BatchConfig struct {
	MaxItems   int           `mapstructure:"max_items"`
	MaxChars   int           `mapstructure:"max_chars"`
	MaxRetries int           `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
	MaxDelay   time.Duration `mapstructure:"max_delay"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

type QueueConfig struct {
	MaxAttempts         int           `mapstructure:"max_attempts"`
	BackoffBase         time.Duration `mapstructure:"backoff_base"`
	BackoffMax          time.Duration `mapstructure:"backoff_max"`
	StaleAfter          time.Duration `mapstructure:"stale_after"`
	BatchSize           int           `mapstructure:"batch_size"`
	PollInterval        time.Duration `mapstructure:"poll_interval"`
	IdleJitter          time.Duration `mapstructure:"idle_jitter"`
	InteractivePriority int           `mapstructure:"interactive_priority"`
	// TransientCodes and TransientPatterns replace the classifier defaults
	// when set.
	TransientCodes    []int         `mapstructure:"transient_codes"`
	TransientPatterns []string      `mapstructure:"transient_patterns"`
	SpawnOnMiss       bool          `mapstructure:"spawn_on_miss"`
	SpawnSeconds      int           `mapstructure:"spawn_seconds"`
	SpawnThrottle     time.Duration `mapstructure:"spawn_throttle"`
	// Background runs a worker loop inside `serve`.
	Background bool `mapstructure:"background"`
}

type TemplatesConfig struct {
	Root string `mapstructure:"root"`
}

type CacheConfig struct {
	TTL        time.Duration `mapstructure:"ttl"`
	MaxEntries int           `mapstructure:"max_entries"`
}

type CronConfig struct {
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type ServerConfig struct {
	HTTPPort        int           `mapstructure:"http_port"`
	GRPCPort        int           `mapstructure:"grpc_port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "development")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("database.path", "./data/textbundle.db")
	v.SetDefault("database.busy_timeout_ms", 5000)
	v.SetDefault("database.synchronous", "NORMAL")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "textbundle:")

	v.SetDefault("languages.base", "en")

	v.SetDefault("translate.provider", "null")
	v.SetDefault("translate.auto_mt_enabled", false)
	v.SetDefault("translate.google.url", translate.DefaultGoogleURL)
	v.SetDefault("translate.google.model", "nmt")
	v.SetDefault("translate.libretranslate.url", "http://localhost:5000")
	v.SetDefault("translate.batch.max_items", 100)
	v.SetDefault("translate.batch.max_chars", 5000)
	v.SetDefault("translate.batch.max_retries", 3)
	v.SetDefault("translate.batch.base_delay", "500ms")
	v.SetDefault("translate.batch.max_delay", "8s")
	v.SetDefault("translate.batch.timeout", "30s")

	v.SetDefault("queue.max_attempts", 6)
	v.SetDefault("queue.backoff_base", "1m")
	v.SetDefault("queue.backoff_max", "32m")
	v.SetDefault("queue.stale_after", "10m")
	v.SetDefault("queue.batch_size", 25)
	v.SetDefault("queue.poll_interval", "5s")
	v.SetDefault("queue.idle_jitter", "2s")
	v.SetDefault("queue.interactive_priority", 10)
	v.SetDefault("queue.spawn_on_miss", false)
	v.SetDefault("queue.spawn_seconds", 20)
	v.SetDefault("queue.spawn_throttle", "30s")
	v.SetDefault("queue.background", true)

	v.SetDefault("templates.root", "./templates")

	v.SetDefault("cache.ttl", "1h")
	v.SetDefault("cache.max_entries", 1024)

	v.SetDefault("cron.token_ttl", "15m")

	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.grpc_port", 50051)
	v.SetDefault("server.shutdown_timeout", "30s")
}

// Load reads the config file at path. With an empty path it looks for
// config.yaml in ./configs and the working directory, and a missing file
// leaves the defaults in place.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// An unprefixed null engine writes the source text back, which never
	// counts as translated, so bundles would never complete.
	if v.IsSet("translate.null.prefix") {
		cfg.Translate.Null.Prefix = v.GetBool("translate.null.prefix")
	} else {
		cfg.Translate.Null.Prefix = cfg.Env != "production"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings no component can run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Database.Path == "" {
		errs = append(errs, errors.New("database.path is required"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("queue.max_attempts must be >= 1, got %d", c.Queue.MaxAttempts))
	}
	if c.Queue.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("queue.batch_size must be >= 1, got %d", c.Queue.BatchSize))
	}
	if c.Queue.BackoffBase <= 0 || c.Queue.BackoffMax < c.Queue.BackoffBase {
		errs = append(errs, fmt.Errorf("queue backoff must satisfy 0 < backoff_base <= backoff_max, got %s/%s",
			c.Queue.BackoffBase, c.Queue.BackoffMax))
	}
	if c.Queue.StaleAfter <= 0 {
		errs = append(errs, errors.New("queue.stale_after must be positive"))
	}
	if _, err := translate.ParseEngineType(c.Translate.Provider); err != nil {
		errs = append(errs, fmt.Errorf("translate.provider: %w", err))
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// Policy returns the engine selection policy.
func (c *Config) Policy() translate.Policy {
	return translate.Policy{
		Env:           c.Env,
		AutoMTEnabled: c.Translate.AutoMTEnabled,
		Provider:      c.Translate.Provider,
		AllowList:     c.Translate.AllowList,
	}
}

// TranslatorConfig returns the engine settings of the configured provider.
func (c *Config) TranslatorConfig(logger *logrus.Logger) translate.Config {
	tc := translate.Config{
		NullPrefix: c.Translate.Null.Prefix,
		Batch: translate.BatchOptions{
			MaxItems:   c.Translate.Batch.MaxItems,
			MaxChars:   c.Translate.Batch.MaxChars,
			MaxRetries: c.Translate.Batch.MaxRetries,
			BaseDelay:  c.Translate.Batch.BaseDelay,
			MaxDelay:   c.Translate.Batch.MaxDelay,
			Timeout:    c.Translate.Batch.Timeout,
		},
		Logger: logger,
	}
	engine, _ := translate.ParseEngineType(c.Translate.Provider)
	switch engine {
	case translate.EngineGoogle:
		tc.BaseURL = c.Translate.Google.URL
		tc.APIKey = c.Translate.Google.APIKey
		tc.Model = c.Translate.Google.Model
	case translate.EngineLibreTranslate:
		tc.BaseURL = c.Translate.LibreTranslate.URL
		tc.APIKey = c.Translate.LibreTranslate.APIKey
	}
	return tc
}

// Backoff returns the retry schedule.
func (c *Config) Backoff() service.Backoff {
	return service.Backoff{
		Base:        c.Queue.BackoffBase,
		Max:         c.Queue.BackoffMax,
		MaxAttempts: c.Queue.MaxAttempts,
	}
}

// Classifier compiles the transient failure rules.
func (c *Config) Classifier() (*service.Classifier, error) {
	return service.NewClassifier(c.Queue.TransientCodes, c.Queue.TransientPatterns)
}

// Rules returns the configured exclusion rules.
func (c *Config) Rules() *extract.Rules {
	return extract.NewRules(c.Excludes)
}
