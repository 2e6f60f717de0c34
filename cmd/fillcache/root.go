package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/mirkobrombin/go-fillcache/v1/config"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "fillcache",
		Short:         "Read-through cache with store-backed fill locks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	f := root.PersistentFlags()
	f.String("config", "", "path to a YAML config file (default $"+config.EnvFile+")")
	f.String("backend", "", "store backend: redis, memcache, memory or ristretto")
	f.String("redis-addr", "", "redis address")
	f.StringSlice("memcache-servers", nil, "memcached servers")
	f.String("upstream", "", "upstream lookup URL")
	f.String("ttl", "", "lifetime of cached values, e.g. 24h or 1d")
	f.String("lock-ttl", "", "lifetime of a fill lock")
	f.String("lock-max-wait", "", "give up waiting for a fill lock after this long")
	f.Int("max-attempts", 0, "upstream reads per lookup, 0 retries forever")
	f.Bool("coalesce", false, "coalesce concurrent lookups of a key within the process")
	f.String("log-level", "", "log level: debug, info, warn or error")
	f.String("log-format", "", "log format: text or json")
	f.Bool("trace", false, "export OpenTelemetry spans to stderr")

	root.AddCommand(newServeCmd(), newGetCmd())
	return root
}

// loadConfig reads the config file named by --config or $FILLCACHE_CONFIG
// and applies every flag the user set on top of it.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	path, _ := flags.GetString("config")
	if path == "" {
		path = os.Getenv(config.EnvFile)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return cfg, err
	}

	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	dur := func(name string, dst *config.Duration) error {
		if !flags.Changed(name) {
			return nil
		}
		s, _ := flags.GetString(name)
		d, err := config.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}
		*dst = config.Duration(d)
		return nil
	}

	str("backend", &cfg.Backend)
	str("redis-addr", &cfg.Redis.Addr)
	str("upstream", &cfg.Upstream.URL)
	str("log-level", &cfg.Log.Level)
	str("log-format", &cfg.Log.Format)
	str("listen", &cfg.Listen)
	str("resp-addr", &cfg.RESPListen)
	if flags.Changed("memcache-servers") {
		cfg.Memcache.Servers, _ = flags.GetStringSlice("memcache-servers")
	}
	if flags.Changed("max-attempts") {
		cfg.Upstream.MaxAttempts, _ = flags.GetInt("max-attempts")
	}
	if flags.Changed("coalesce") {
		cfg.Coalesce, _ = flags.GetBool("coalesce")
	}
	if flags.Changed("trace") {
		cfg.Trace, _ = flags.GetBool("trace")
	}
	for name, dst := range map[string]*config.Duration{
		"ttl":           &cfg.TTL,
		"lock-ttl":      &cfg.Lock.TTL,
		"lock-max-wait": &cfg.Lock.MaxWait,
	} {
		if err := dur(name, dst); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

func newLogger(cfg config.Log, w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(cfg.Format) {
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}
