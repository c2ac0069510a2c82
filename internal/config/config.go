// Package config loads and persists the hookvault configuration file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/go-units"
	"github.com/spf13/viper"

	"github.com/maneesh/hookvault/internal/errs"
)

// DefaultPath is the configuration file read when none is given.
const DefaultPath = "config.json"

// EnvPrefix prefixes environment overrides, e.g. HOOKVAULT_CHUNK_SIZE.
const EnvPrefix = "HOOKVAULT"

const (
	DefaultChunkSize     int64 = 24_000_000
	DefaultEndpointLimit int64 = 25 * 1024 * 1024
)

// Config holds all application configuration
type Config struct {
	Webhooks    []string `mapstructure:"webhooks"`
	DownloadDir string   `mapstructure:"download_dir"`
	Concurrency int      `mapstructure:"concurrency"`

	// sizes accept plain byte counts or human strings ("24MB", "25MiB")
	ChunkSize     int64 `mapstructure:"-"`
	EndpointLimit int64 `mapstructure:"-"`

	Retry   RetryConfig   `mapstructure:"retry"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Redis   RedisConfig   `mapstructure:"redis"`
	MinIO   MinIOConfig   `mapstructure:"minio"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Log     LogConfig     `mapstructure:"log"`
	Server  ServerConfig  `mapstructure:"server"`
	Tracing TracingConfig `mapstructure:"tracing"`
}

// RetryConfig is the per-chunk retry policy.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// CatalogConfig selects the catalog backend: "json" (Path) or "mysql" (DSN).
type CatalogConfig struct {
	Backend string `mapstructure:"backend"`
	Path    string `mapstructure:"path"`
	DSN     string `mapstructure:"dsn"`
}

// RedisConfig enables catalog sharing when Addr is set.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// MinIOConfig enables minio:// endpoints when Endpoint is set.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// KafkaConfig enables catalog events when Brokers is set.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
	Name string `mapstructure:"name"`
}

// TracingConfig enables OTLP export when Endpoint is set.
type TracingConfig struct {
	Endpoint string `mapstructure:"endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("webhooks", []string{})
	v.SetDefault("download_dir", "downloads")
	v.SetDefault("chunk_size", DefaultChunkSize)
	v.SetDefault("endpoint_limit", DefaultEndpointLimit)
	v.SetDefault("concurrency", 5)

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", 500*time.Millisecond)
	v.SetDefault("retry.max_delay", 10*time.Second)

	v.SetDefault("catalog.backend", "json")
	v.SetDefault("catalog.path", "files_cache.json")
	v.SetDefault("catalog.dsn", "")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", 24*time.Hour)

	v.SetDefault("minio.endpoint", "")
	v.SetDefault("minio.access_key", "")
	v.SetDefault("minio.secret_key", "")
	v.SetDefault("minio.use_ssl", false)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "hookvault.catalog")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.name", "hookvault")

	v.SetDefault("tracing.endpoint", "")
}

// Manager owns the configuration file. Only keys present in the file are
// written back; defaults and environment overrides are never persisted.
type Manager struct {
	mu   sync.Mutex
	path string
	file *viper.Viper
	cfg  *Config
}

// Open reads path. A missing file yields the defaults.
func Open(path string) (*Manager, error) {
	if path == "" {
		path = DefaultPath
	}

	file := newFileViper()
	file.SetConfigFile(path)
	if err := file.ReadInConfig(); err != nil && !isNotExist(err) {
		return nil, &errs.ConfigError{Field: "config", Message: "failed to read " + path, Err: err}
	}

	cfg, err := resolve(file.AllSettings())
	if err != nil {
		return nil, err
	}
	return &Manager{path: path, file: file, cfg: cfg}, nil
}

// Path returns the configuration file path.
func (m *Manager) Path() string {
	return m.path
}

// Config returns a copy of the effective configuration.
func (m *Manager) Config() *Config {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := *m.cfg
	c.Webhooks = append([]string(nil), m.cfg.Webhooks...)
	c.Kafka.Brokers = append([]string(nil), m.cfg.Kafka.Brokers...)
	return &c
}

// AddWebhook appends an endpoint URL and saves the file.
func (m *Manager) AddWebhook(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if err := validateEndpoint(rawURL); err != nil {
		return err
	}

	m.mu.Lock()
	current := append([]string(nil), m.cfg.Webhooks...)
	m.mu.Unlock()

	for _, w := range current {
		if w == rawURL {
			return errs.NewConfigError("webhooks", "endpoint already configured")
		}
	}
	return m.update("webhooks", append(current, rawURL))
}

// Set parses value for key and saves the file. Unknown keys are rejected.
func (m *Manager) Set(key, value string) error {
	key = strings.ToLower(strings.TrimSpace(key))
	kind, ok := settableKeys[key]
	if !ok {
		return errs.NewConfigError(key, "unknown setting")
	}

	parsed, err := parseValue(key, kind, value)
	if err != nil {
		return err
	}
	return m.update(key, parsed)
}

func (m *Manager) update(key string, value interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := newFileViper()
	if err := next.MergeConfigMap(m.file.AllSettings()); err != nil {
		return fmt.Errorf("failed to copy settings: %w", err)
	}
	next.Set(key, value)

	cfg, err := resolve(next.AllSettings())
	if err != nil {
		return err
	}

	if dir := filepath.Dir(m.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := next.WriteConfigAs(m.path); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	m.file = next
	m.cfg = cfg
	return nil
}

// resolve layers defaults, file settings and environment overrides.
func resolve(fileSettings map[string]interface{}) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.MergeConfigMap(fileSettings); err != nil {
		return nil, &errs.ConfigError{Field: "config", Message: "invalid settings", Err: err}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &errs.ConfigError{Field: "config", Message: "invalid settings", Err: err}
	}

	var err error
	if cfg.ChunkSize, err = sizeSetting(v, "chunk_size"); err != nil {
		return nil, err
	}
	if cfg.EndpointLimit, err = sizeSetting(v, "endpoint_limit"); err != nil {
		return nil, err
	}

	cfg.Webhooks = splitList(cfg.Webhooks)
	cfg.Kafka.Brokers = splitList(cfg.Kafka.Brokers)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the invariants the engine relies on.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return errs.NewConfigError("chunk_size", "must be positive, got %d", c.ChunkSize)
	}
	if c.EndpointLimit <= 0 {
		return errs.NewConfigError("endpoint_limit", "must be positive, got %d", c.EndpointLimit)
	}
	if c.ChunkSize > c.EndpointLimit {
		return errs.NewConfigError("chunk_size", "%s exceeds endpoint limit %s",
			units.HumanSize(float64(c.ChunkSize)), units.BytesSize(float64(c.EndpointLimit)))
	}
	if c.Concurrency <= 0 {
		return errs.NewConfigError("concurrency", "must be positive, got %d", c.Concurrency)
	}
	if c.Retry.MaxAttempts <= 0 {
		return errs.NewConfigError("retry.max_attempts", "must be positive, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay < 0 || c.Retry.MaxDelay < 0 {
		return errs.NewConfigError("retry", "delays must not be negative")
	}
	switch c.Catalog.Backend {
	case "json":
	case "mysql":
		if c.Catalog.DSN == "" {
			return errs.NewConfigError("catalog.dsn", "required for the mysql backend")
		}
	default:
		return errs.NewConfigError("catalog.backend", "unknown backend %q", c.Catalog.Backend)
	}
	for _, w := range c.Webhooks {
		if err := validateEndpoint(w); err != nil {
			return err
		}
	}
	return nil
}

// ParseSize accepts a byte count or a human size. Decimal units ("24MB") are
// powers of 1000, binary units ("25MiB") powers of 1024.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}

	var (
		n   int64
		err error
	)
	if strings.ContainsAny(s, "iI") {
		n, err = units.RAMInBytes(strings.NewReplacer("i", "", "I", "").Replace(s))
	} else {
		n, err = units.FromHumanSize(s)
	}
	if err != nil {
		return 0, &errs.ConfigError{Field: "size", Message: fmt.Sprintf("invalid size %q", s), Err: err}
	}
	return n, nil
}

func sizeSetting(v *viper.Viper, key string) (int64, error) {
	switch raw := v.Get(key).(type) {
	case int:
		return int64(raw), nil
	case int64:
		return raw, nil
	case float64:
		return int64(raw), nil
	case string:
		n, err := ParseSize(raw)
		if err != nil {
			return 0, &errs.ConfigError{Field: key, Message: fmt.Sprintf("invalid size %q", raw), Err: err}
		}
		return n, nil
	default:
		return 0, errs.NewConfigError(key, "unsupported value %v", raw)
	}
}

type valueKind int

const (
	kindString valueKind = iota
	kindInt
	kindBool
	kindSize
	kindDuration
	kindList
	kindDir
)

var settableKeys = map[string]valueKind{
	"webhooks":           kindList,
	"download_dir":       kindDir,
	"chunk_size":         kindSize,
	"endpoint_limit":     kindSize,
	"concurrency":        kindInt,
	"retry.max_attempts": kindInt,
	"retry.base_delay":   kindDuration,
	"retry.max_delay":    kindDuration,
	"catalog.backend":    kindString,
	"catalog.path":       kindString,
	"catalog.dsn":        kindString,
	"redis.addr":         kindString,
	"redis.password":     kindString,
	"redis.db":           kindInt,
	"redis.ttl":          kindDuration,
	"minio.endpoint":     kindString,
	"minio.access_key":   kindString,
	"minio.secret_key":   kindString,
	"minio.use_ssl":      kindBool,
	"kafka.brokers":      kindList,
	"kafka.topic":        kindString,
	"log.level":          kindString,
	"log.format":         kindString,
	"server.port":        kindString,
	"server.name":        kindString,
	"tracing.endpoint":   kindString,
}

// SettableKeys lists the keys accepted by Set.
func SettableKeys() []string {
	keys := make([]string, 0, len(settableKeys))
	for k := range settableKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parseValue(key string, kind valueKind, value string) (interface{}, error) {
	value = strings.TrimSpace(value)
	invalid := func(err error) error {
		return &errs.ConfigError{Field: key, Message: fmt.Sprintf("invalid value %q", value), Err: err}
	}

	switch kind {
	case kindInt:
		n, err := strconv.Atoi(value)
		if err != nil {
			return nil, invalid(err)
		}
		return n, nil
	case kindBool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return nil, invalid(err)
		}
		return b, nil
	case kindSize:
		n, err := ParseSize(value)
		if err != nil {
			return nil, invalid(err)
		}
		return n, nil
	case kindDuration:
		d, err := time.ParseDuration(value)
		if err != nil {
			return nil, invalid(err)
		}
		return d.String(), nil
	case kindList:
		return splitList([]string{value}), nil
	case kindDir:
		info, err := os.Stat(value)
		if err != nil {
			return nil, invalid(err)
		}
		if !info.IsDir() {
			return nil, errs.NewConfigError(key, "%s is not a directory", value)
		}
		abs, err := filepath.Abs(value)
		if err != nil {
			return nil, invalid(err)
		}
		return abs, nil
	default:
		return value, nil
	}
}

// validateEndpoint accepts absolute http(s) webhook URLs and minio:// URLs.
func validateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return &errs.ConfigError{Field: "webhooks", Message: "invalid endpoint URL", Err: err}
	}
	switch u.Scheme {
	case "http", "https", "minio":
	default:
		return errs.NewConfigError("webhooks", "unsupported endpoint scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errs.NewConfigError("webhooks", "endpoint URL has no host")
	}
	return nil
}

// splitList flattens comma-separated entries, as environment overrides
// arrive as one string.
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func newFileViper() *viper.Viper {
	v := viper.New()
	v.SetConfigType("json")
	return v
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound)
}
