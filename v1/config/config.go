// Package config loads the fillcache service configuration from YAML.
//
// Durations are strings accepted by go-str2duration, so "1d", "24h" and
// "1d12h" are all valid.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// EnvFile names the environment variable pointing at a config file.
const EnvFile = "FILLCACHE_CONFIG"

// Store backends.
const (
	BackendRedis     = "redis"
	BackendMemcache  = "memcache"
	BackendMemory    = "memory"
	BackendRistretto = "ristretto"
)

// Duration is a time.Duration that unmarshals from str2duration strings.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return str2duration.String(time.Duration(d)), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// ParseDuration parses s, accepting day and week units on top of Go's.
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	v, err := str2duration.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	return v, nil
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type Memcache struct {
	Servers []string `yaml:"servers"`
}

type Upstream struct {
	URL         string   `yaml:"url"`
	Param       string   `yaml:"param"`
	Timeout     Duration `yaml:"timeout"`
	MaxAttempts int      `yaml:"max_attempts"`

	// InitialBackoff zero retries immediately, without any delay.
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

type Lock struct {
	TTL          Duration `yaml:"ttl"`
	PollInterval Duration `yaml:"poll_interval"`
	MaxWait      Duration `yaml:"max_wait"`

	// Notify enables release notifications over the store's pub/sub when the
	// backend has one (redis).
	Notify bool `yaml:"notify"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete service configuration.
type Config struct {
	Listen     string   `yaml:"listen"`
	RESPListen string   `yaml:"resp_listen"`
	Backend    string   `yaml:"backend"`
	Redis      Redis    `yaml:"redis"`
	Memcache   Memcache `yaml:"memcache"`
	Upstream   Upstream `yaml:"upstream"`
	TTL        Duration `yaml:"ttl"`
	Lock       Lock     `yaml:"lock"`
	Coalesce   bool     `yaml:"coalesce"`
	Warmup     []string `yaml:"warmup"`
	Log        Log      `yaml:"log"`
	Trace      bool     `yaml:"trace"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Listen:  ":8080",
		Backend: BackendRedis,
		Redis:   Redis{Addr: "127.0.0.1:6379"},
		Memcache: Memcache{
			Servers: []string{"127.0.0.1:11211"},
		},
		Upstream: Upstream{
			Param:          "key",
			Timeout:        Duration(10 * time.Second),
			InitialBackoff: Duration(100 * time.Millisecond),
			MaxBackoff:     Duration(10 * time.Second),
		},
		TTL: Duration(24 * time.Hour),
		Lock: Lock{
			TTL:          Duration(60 * time.Second),
			PollInterval: Duration(100 * time.Millisecond),
			Notify:       true,
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads path over Default. An empty path returns Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return cfg, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem in c.
func (c Config) Validate() error {
	var errs []error
	if c.Upstream.URL == "" {
		errs = append(errs, errors.New("upstream.url is required"))
	}
	switch c.Backend {
	case BackendRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis backend"))
		}
	case BackendMemcache:
		if len(c.Memcache.Servers) == 0 {
			errs = append(errs, errors.New("memcache.servers is required for the memcache backend"))
		}
	case BackendMemory, BackendRistretto:
	default:
		errs = append(errs, fmt.Errorf("unknown backend %q", c.Backend))
	}
	if c.TTL <= 0 {
		errs = append(errs, errors.New("ttl must be positive"))
	}
	if c.Lock.TTL <= 0 {
		errs = append(errs, errors.New("lock.ttl must be positive"))
	}
	if c.Lock.PollInterval <= 0 {
		errs = append(errs, errors.New("lock.poll_interval must be positive"))
	}
	if c.Upstream.MaxAttempts < 0 {
		errs = append(errs, errors.New("upstream.max_attempts must not be negative"))
	}
	if c.Listen == "" && c.RESPListen == "" {
		errs = append(errs, errors.New("at least one of listen or resp_listen is required"))
	}
	return errors.Join(errs...)
}
