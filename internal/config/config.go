package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jo-hoe/bulkgen/internal/common"
)

// Config is the root configuration loaded from YAML.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Generation   GenerationConfig   `yaml:"generation"`
}

// ServerConfig holds HTTP server and runtime settings.
type ServerConfig struct {
	Addr          string        `yaml:"address"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
	IdleTimeout   time.Duration `yaml:"idleTimeout"`
	MaxBodySize   ByteSize      `yaml:"maxBodySize"`
	APIKey        string        `yaml:"apiKey"`        // optional static API key header (X-API-Key)
	ShutdownGrace time.Duration `yaml:"shutdownGrace"` // time to wait for running jobs before forced stop
	LogLevel      string        `yaml:"logLevel"`      // debug|info|warn|error
	LogFormat     string        `yaml:"logFormat"`     // text|json
}

// StoreConfig selects the job store backend.
type StoreConfig struct {
	Driver   string         `yaml:"driver"` // sqlite|postgres|redis|memory
	SQLite   SQLiteSettings `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	Redis    RedisSettings  `yaml:"redis"`
}

type SQLiteSettings struct {
	Path string `yaml:"path"`
}

type PostgresConfig struct {
	DSN      string `yaml:"dsn"`
	MaxConns int32  `yaml:"maxConns"`
}

type RedisSettings struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

// OrchestratorConfig holds the batch scheduling and retry knobs.
type OrchestratorConfig struct {
	BatchSize         int           `yaml:"batchSize"`
	ItemTimeout       time.Duration `yaml:"itemTimeout"`
	BatchPause        time.Duration `yaml:"batchPause"`
	UpdateRetries     int           `yaml:"updateRetries"`
	UpdateBackoff     time.Duration `yaml:"updateBackoff"`
	ConflictRetries   int           `yaml:"conflictRetries"`
	MaxItems          int           `yaml:"maxItems"`
	ErrorMessageLimit int           `yaml:"errorMessageLimit"`
	ReconcileTimeout  time.Duration `yaml:"reconcileTimeout"`
	CallbackRetries   int           `yaml:"callbackRetries"` // number of callback attempts
	CallbackBackoff   time.Duration `yaml:"callbackBackoff"` // base backoff duration
	// StaleAfter is how long a processing job may go without a write before another
	// instance treats it as orphaned. Zero derives it from the knobs above.
	StaleAfter time.Duration `yaml:"staleAfter"`
}

// StaleThreshold returns StaleAfter, or the longest gap between two writes of a live
// scheduler: a pause, a best-effort processing write, one item timeout, the terminal
// write and the final reconciliation.
func (o OrchestratorConfig) StaleThreshold() time.Duration {
	if o.StaleAfter > 0 {
		return o.StaleAfter
	}
	retries := time.Duration(o.UpdateRetries)
	backoff := o.UpdateBackoff * retries * (retries + 1) / 2
	return o.BatchPause + o.ItemTimeout + 2*backoff + o.ReconcileTimeout
}

// GenerationConfig selects the content generation provider.
type GenerationConfig struct {
	Provider       string         `yaml:"provider"`       // mock|http|openai
	ForwardHeaders []string       `yaml:"forwardHeaders"` // request headers passed through to the provider
	Mock           MockSettings   `yaml:"mock"`
	HTTP           HTTPSettings   `yaml:"http"`
	OpenAI         OpenAISettings `yaml:"openai"`
}

// MockSettings config for the mock generator.
type MockSettings struct {
	Delay     time.Duration `yaml:"delay"`
	Prefix    string        `yaml:"prefix"`
	FailNames []string      `yaml:"failNames"` // product names that always fail
}

// HTTPSettings config for a remote content generation service.
type HTTPSettings struct {
	BaseURL string        `yaml:"baseUrl"`
	Path    string        `yaml:"path"`
	APIKey  string        `yaml:"apiKey"` // optional, sent when no Authorization is forwarded
	Timeout time.Duration `yaml:"timeout"`
}

// OpenAISettings config for an OpenAI-compatible chat completions endpoint.
type OpenAISettings struct {
	BaseURL        string  `yaml:"baseUrl"` // optional, defaults to the public API
	APIKey         string  `yaml:"apiKey"`
	Model          string  `yaml:"model"`
	SystemPrompt   string  `yaml:"systemPrompt"`
	PromptTemplate string  `yaml:"promptTemplate"` // text/template over the item fields
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"maxTokens"`
	MaxRetries     int     `yaml:"maxRetries"`
}

// ByteSize represents a size in bytes that unmarshals from strings like "10Mi", "20MB", "512KiB", "1024".
type ByteSize uint64

// UnmarshalYAML implements yaml unmarshalling for ByteSize.
func (b *ByteSize) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode {
		str := strings.TrimSpace(value.Value)
		parsed, err := ParseByteSize(str)
		if err != nil {
			return err
		}
		*b = ByteSize(parsed)
		return nil
	}
	return fmt.Errorf("invalid bytesize node kind: %v", value.Kind)
}

var reNumeric = regexp.MustCompile(`^\d+$`)

// ParseByteSize parses a string like "10Mi", "20MB", "512KiB", "1024" into bytes.
// Supports Kubernetes-style quantities for binary units: Ki, Mi, Gi (case-insensitive).
// Also accepts KiB/MiB/GiB and decimal KB/MB/GB, and bare bytes.
func ParseByteSize(s string) (uint64, error) {
	orig := s
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}
	if reNumeric.MatchString(s) {
		val, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid size number: %w", err)
		}
		return val, nil
	}

	up := strings.ToUpper(s)

	type unit struct {
		suffix string
		value  uint64
	}
	units := []unit{
		{"KIB", 1024},
		{"MIB", 1024 * 1024},
		{"GIB", 1024 * 1024 * 1024},
		{"KI", 1024},
		{"MI", 1024 * 1024},
		{"GI", 1024 * 1024 * 1024},
		{"KB", 1000},
		{"MB", 1000 * 1000},
		{"GB", 1000 * 1000 * 1000},
		{"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(up, u.suffix) {
			num := strings.TrimSpace(s[:len(s)-len(u.suffix)])
			val, err := strconv.ParseFloat(num, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid size number in %q: %w", orig, err)
			}
			return uint64(val * float64(u.value)), nil
		}
	}
	return 0, fmt.Errorf("unknown size suffix in %q", orig)
}

// Load reads YAML config from path, expands environment variables, and validates it.
// If envFile is set and exists, it is loaded into the process environment first.
// If path is empty, it will attempt to read from env var BULKGEN_CONFIG, then default to "config.yaml".
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file: %w", err)
		}
	}
	if path == "" {
		if env := os.Getenv("BULKGEN_CONFIG"); env != "" {
			path = env
		} else {
			path = "config.yaml"
		}
	}
	cleanPath := filepath.Clean(path)
	data, err := os.ReadFile(cleanPath) // #nosec G304 - reading sanitized config file path is expected
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse expands environment variables in raw YAML, applies defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	if cfg.Store.Driver == common.DriverSQLite {
		if dir := filepath.Dir(cfg.Store.SQLite.Path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("ensure sqlite dir: %w", err)
			}
		}
	}
	return &cfg, nil
}

// ApplyDefaults fills every unset field with its default value.
func ApplyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 15 * time.Second
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = 60 * time.Second
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = 60 * time.Second
	}
	if cfg.Server.MaxBodySize == 0 {
		cfg.Server.MaxBodySize = ByteSize(5 * 1024 * 1024) // 5 MiB default
	}
	if cfg.Server.ShutdownGrace == 0 {
		cfg.Server.ShutdownGrace = 15 * time.Second
	}
	if strings.TrimSpace(cfg.Server.LogLevel) == "" {
		cfg.Server.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Server.LogFormat) == "" {
		cfg.Server.LogFormat = "text"
	}

	// Store defaults
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = common.DriverSQLite
	}
	if cfg.Store.SQLite.Path == "" {
		cfg.Store.SQLite.Path = filepath.Join("data", common.SQLiteFileName)
	}
	if cfg.Store.Postgres.MaxConns <= 0 {
		cfg.Store.Postgres.MaxConns = 10
	}
	if cfg.Store.Redis.Addr == "" {
		cfg.Store.Redis.Addr = "localhost:6379"
	}
	if cfg.Store.Redis.KeyPrefix == "" {
		cfg.Store.Redis.KeyPrefix = "bulkgen:"
	}

	// Orchestrator defaults
	o := &cfg.Orchestrator
	if o.BatchSize <= 0 {
		o.BatchSize = common.DefaultBatchSize
	}
	if o.ItemTimeout == 0 {
		o.ItemTimeout = 2 * time.Minute
	}
	if o.BatchPause == 0 {
		o.BatchPause = time.Second
	}
	if o.UpdateRetries == 0 {
		o.UpdateRetries = common.DefaultUpdateRetries
	}
	if o.UpdateBackoff == 0 {
		o.UpdateBackoff = 250 * time.Millisecond
	}
	if o.ConflictRetries == 0 {
		o.ConflictRetries = common.DefaultConflictRetries
	}
	if o.MaxItems <= 0 {
		o.MaxItems = common.DefaultMaxItems
	}
	if o.ErrorMessageLimit <= 0 {
		o.ErrorMessageLimit = common.DefaultErrorMessageLimit
	}
	if o.ReconcileTimeout == 0 {
		o.ReconcileTimeout = 30 * time.Second
	}
	if o.CallbackRetries == 0 {
		o.CallbackRetries = 3
	}
	if o.CallbackBackoff == 0 {
		o.CallbackBackoff = 2 * time.Second
	}

	// Generation defaults
	g := &cfg.Generation
	if g.Provider == "" {
		g.Provider = common.ProviderMock
	}
	if len(g.ForwardHeaders) == 0 {
		g.ForwardHeaders = []string{common.HeaderAuthorization}
	}
	if g.Mock.Prefix == "" {
		g.Mock.Prefix = "Generated by Mock"
	}
	if g.HTTP.Path == "" {
		g.HTTP.Path = "v1/generate"
	}
	if strings.EqualFold(g.Provider, common.ProviderOpenAI) && strings.TrimSpace(g.OpenAI.Model) == "" {
		g.OpenAI.Model = "gpt-4o-mini"
	}
}

func validate(cfg *Config) error {
	switch cfg.Store.Driver {
	case common.DriverSQLite:
		if strings.TrimSpace(cfg.Store.SQLite.Path) == "" {
			return errors.New("store.sqlite.path is required")
		}
	case common.DriverPostgres:
		if strings.TrimSpace(cfg.Store.Postgres.DSN) == "" {
			return errors.New("store.postgres.dsn is required")
		}
	case common.DriverRedis, common.DriverMemory:
	default:
		return fmt.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}

	o := cfg.Orchestrator
	if o.ItemTimeout < 0 || o.BatchPause < 0 || o.UpdateBackoff < 0 || o.StaleAfter < 0 {
		return errors.New("orchestrator durations must not be negative")
	}
	if o.UpdateRetries < 0 || o.ConflictRetries < 0 {
		return errors.New("orchestrator retry counts must not be negative")
	}

	switch cfg.Generation.Provider {
	case common.ProviderMock:
	case common.ProviderHTTP:
		if strings.TrimSpace(cfg.Generation.HTTP.BaseURL) == "" {
			return errors.New("generation.http.baseUrl is required")
		}
		if _, err := url.ParseRequestURI(cfg.Generation.HTTP.BaseURL); err != nil {
			return fmt.Errorf("generation.http.baseUrl: %w", err)
		}
	case common.ProviderOpenAI:
		if strings.TrimSpace(cfg.Generation.OpenAI.APIKey) == "" {
			return errors.New("generation.openai.apiKey is required")
		}
		if strings.TrimSpace(cfg.Generation.OpenAI.PromptTemplate) == "" {
			return errors.New("generation.openai.promptTemplate is required")
		}
	default:
		return fmt.Errorf("unsupported generation provider %q", cfg.Generation.Provider)
	}
	return nil
}
