package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/lyndonlyu/workhorse/internal/redact"
)

// Duration is a time.Duration written in YAML as a string such as "250ms".
type Duration time.Duration

// D returns the value as a time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration: %w", err)
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

type PoolConfig struct {
	MaxSize        int      `yaml:"max_size" validate:"gte=1,lte=1024"`
	AcquireTimeout Duration `yaml:"acquire_timeout" validate:"gte=0"`
}

type BatchConfig struct {
	MaxBatchSize int      `yaml:"max_batch_size" validate:"gte=1"`
	MaxWait      Duration `yaml:"max_wait" validate:"gt=0"`
}

type RateLimitConfig struct {
	Operation string  `yaml:"operation" validate:"required"`
	RPS       float64 `yaml:"rps" validate:"gt=0"`
	Burst     int     `yaml:"burst" validate:"gte=1"`
}

// BreakerConfig trips an operation's circuit after FailureThreshold
// consecutive transport failures. Zero disables the breakers.
type BreakerConfig struct {
	FailureThreshold int      `yaml:"failure_threshold" validate:"gte=0"`
	Cooldown         Duration `yaml:"cooldown" validate:"gte=0"`
}

type ClientConfig struct {
	MaxRetries        int               `yaml:"max_retries" validate:"gte=0,lte=10"`
	BaseBackoff       Duration          `yaml:"base_backoff" validate:"gt=0"`
	MaxBackoff        Duration          `yaml:"max_backoff" validate:"gtefield=BaseBackoff"`
	ConnectTimeout    Duration          `yaml:"connect_timeout" validate:"gt=0"`
	RequestTimeout    Duration          `yaml:"request_timeout" validate:"gt=0"`
	SlowCallThreshold Duration          `yaml:"slow_call_threshold" validate:"gte=0"`
	DefaultTTL        Duration          `yaml:"default_ttl" validate:"gte=0"`
	Batched           []string          `yaml:"batched"`
	RateLimits        []RateLimitConfig `yaml:"rate_limits" validate:"dive"`
	Breaker           BreakerConfig     `yaml:"breaker"`
}

type ClassConfig struct {
	Name    string `yaml:"name" validate:"required"`
	Workers int    `yaml:"workers" validate:"gte=1,lte=256"`
}

type SchedulerConfig struct {
	Classes       []ClassConfig `yaml:"classes" validate:"min=1,dive"`
	Retention     Duration      `yaml:"retention" validate:"gt=0"`
	SweepInterval Duration      `yaml:"sweep_interval" validate:"gt=0"`
	ShutdownGrace Duration      `yaml:"shutdown_grace" validate:"gte=0"`
}

type CacheConfig struct {
	Backend   string `yaml:"backend" validate:"oneof=memory redis"`
	RedisAddr string `yaml:"redis_addr" validate:"required_if=Backend redis"`
	Prefix    string `yaml:"prefix"`
}

// RedactConfig controls scrubbing of task error text before it is written
// to history.
type RedactConfig struct {
	Enabled  bool     `yaml:"enabled"`
	IPs      string   `yaml:"ips" validate:"omitempty,oneof=private all none"`
	Patterns []string `yaml:"patterns"`
}

type StoreConfig struct {
	Path   string       `yaml:"path"`
	Redact RedactConfig `yaml:"redact"`
}

type LogConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

type ServerConfig struct {
	Addr string `yaml:"addr" validate:"required"`
}

type Config struct {
	Pool      PoolConfig      `yaml:"pool"`
	Batch     BatchConfig     `yaml:"batch"`
	Client    ClientConfig    `yaml:"client"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	Store     StoreConfig     `yaml:"store"`
	Log       LogConfig       `yaml:"log"`
	Server    ServerConfig    `yaml:"server"`
	BaseDir   string          `yaml:"-"`
}

func defaultBaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".workhorse")
}

func Default() *Config {
	cfg := &Config{
		Pool: PoolConfig{
			MaxSize:        8,
			AcquireTimeout: Duration(2 * time.Second),
		},
		Batch: BatchConfig{
			MaxBatchSize: 16,
			MaxWait:      Duration(10 * time.Millisecond),
		},
		Client: ClientConfig{
			MaxRetries:        3,
			BaseBackoff:       Duration(100 * time.Millisecond),
			MaxBackoff:        Duration(5 * time.Second),
			ConnectTimeout:    Duration(2 * time.Second),
			RequestTimeout:    Duration(5 * time.Second),
			SlowCallThreshold: Duration(time.Second),
			DefaultTTL:        Duration(30 * time.Second),
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Cooldown:         Duration(30 * time.Second),
			},
		},
		Scheduler: SchedulerConfig{
			Classes: []ClassConfig{
				{Name: "high", Workers: 4},
				{Name: "normal", Workers: 2},
				{Name: "low", Workers: 1},
			},
			Retention:     Duration(time.Hour),
			SweepInterval: Duration(time.Minute),
			ShutdownGrace: Duration(10 * time.Second),
		},
		Cache: CacheConfig{
			Backend: "memory",
			Prefix:  "workhorse:cache",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Server: ServerConfig{
			Addr: "127.0.0.1:8088",
		},
		BaseDir: defaultBaseDir(),
	}
	cfg.Store.Path = filepath.Join(cfg.BaseDir, "tasks.db")
	cfg.Store.Redact = RedactConfig{Enabled: true, IPs: redact.IPsPrivate}
	return cfg
}

// DefaultPath is where Load looks when no path is given.
func DefaultPath() string {
	return filepath.Join(defaultBaseDir(), "config.yaml")
}

// Load reads path over the defaults. A missing file yields the defaults.
// The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillDefaults restores defaults for zero values a partial file left behind.
func (c *Config) fillDefaults() {
	d := Default()
	if c.Pool.MaxSize == 0 {
		c.Pool.MaxSize = d.Pool.MaxSize
	}
	if c.Batch.MaxBatchSize == 0 {
		c.Batch.MaxBatchSize = d.Batch.MaxBatchSize
	}
	if c.Batch.MaxWait == 0 {
		c.Batch.MaxWait = d.Batch.MaxWait
	}
	if c.Client.BaseBackoff == 0 {
		c.Client.BaseBackoff = d.Client.BaseBackoff
	}
	if c.Client.MaxBackoff == 0 {
		c.Client.MaxBackoff = d.Client.MaxBackoff
	}
	if c.Client.ConnectTimeout == 0 {
		c.Client.ConnectTimeout = d.Client.ConnectTimeout
	}
	if c.Client.RequestTimeout == 0 {
		c.Client.RequestTimeout = d.Client.RequestTimeout
	}
	if c.Client.Breaker.FailureThreshold > 0 && c.Client.Breaker.Cooldown == 0 {
		c.Client.Breaker.Cooldown = d.Client.Breaker.Cooldown
	}
	if len(c.Scheduler.Classes) == 0 {
		c.Scheduler.Classes = d.Scheduler.Classes
	}
	if c.Scheduler.Retention == 0 {
		c.Scheduler.Retention = d.Scheduler.Retention
	}
	if c.Scheduler.SweepInterval == 0 {
		c.Scheduler.SweepInterval = d.Scheduler.SweepInterval
	}
	if c.Cache.Backend == "" {
		c.Cache.Backend = d.Cache.Backend
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.BaseDir == "" {
		c.BaseDir = d.BaseDir
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(c.BaseDir, "tasks.db")
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and cross-field rules, reporting every
// problem at once.
func (c *Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("config: %w", err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}

	seen := make(map[string]bool, len(c.Scheduler.Classes))
	for _, cl := range c.Scheduler.Classes {
		if cl.Name == "" {
			continue
		}
		if seen[cl.Name] {
			problems = append(problems, fmt.Sprintf("scheduler.classes: duplicate class %q", cl.Name))
		}
		seen[cl.Name] = true
	}

	if _, err := c.Redactor(); err != nil {
		problems = append(problems, "store.redact: "+err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("config: invalid: %s", strings.Join(problems, "; "))
	}
	return nil
}

// describe turns "Config.pool.max_size" + "gte" into "pool.max_size must be gte 1".
func describe(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	if fe.Param() != "" {
		return fmt.Sprintf("%s must be %s %s", ns, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s must be %s", ns, fe.Tag())
}

// Redactor builds the history redactor, nil when redaction is disabled.
func (c *Config) Redactor() (*redact.Redactor, error) {
	if !c.Store.Redact.Enabled {
		return nil, nil
	}
	return redact.New(redact.Options{IPs: c.Store.Redact.IPs, Patterns: c.Store.Redact.Patterns})
}

// ClassNames returns the configured priority classes in order.
func (c *Config) ClassNames() []string {
	names := make([]string, len(c.Scheduler.Classes))
	for i, cl := range c.Scheduler.Classes {
		names[i] = cl.Name
	}
	return names
}

// EnsureDirs creates the directories the engine writes into.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.BaseDir,
		filepath.Dir(c.Store.Path),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return err
		}
	}
	return nil
}
