package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mirkobrombin/go-huddle/v1/lock"
	"github.com/mirkobrombin/go-huddle/v1/ratelimit"
	"github.com/mirkobrombin/go-huddle/v1/realtime"
)

// Config is the runtime configuration of the huddle binary.
type Config struct {
	HTTP struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"http"`

	Transport string `mapstructure:"transport"`
	Redis     struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	NATS struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"nats"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
	} `mapstructure:"kafka"`

	Storage string `mapstructure:"storage"`
	SQLite  struct {
		Dir string `mapstructure:"dir"`
	} `mapstructure:"sqlite"`

	Locks struct {
		Backend string        `mapstructure:"backend"`
		Table   string        `mapstructure:"table"`
		Timeout time.Duration `mapstructure:"timeout"`
		Sweep   time.Duration `mapstructure:"sweep"`
	} `mapstructure:"locks"`

	RateLimit struct {
		Backend    string        `mapstructure:"backend"`
		Window     time.Duration `mapstructure:"window"`
		Max        int           `mapstructure:"max"`
		Violations int           `mapstructure:"violations"`
		Block      time.Duration `mapstructure:"block"`
		SessionMax int           `mapstructure:"session_max"`
	} `mapstructure:"ratelimit"`

	Realtime struct {
		Flush       time.Duration `mapstructure:"flush"`
		BaseDelay   time.Duration `mapstructure:"base_delay"`
		MaxDelay    time.Duration `mapstructure:"max_delay"`
		MaxAttempts int           `mapstructure:"max_attempts"`
	} `mapstructure:"realtime"`

	Auth struct {
		Secret     string `mapstructure:"secret"`
		AdminToken string `mapstructure:"admin_token"`
	} `mapstructure:"auth"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Trace struct {
		Stdout bool `mapstructure:"stdout"`
	} `mapstructure:"trace"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("transport", "memory")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("storage", "memory")
	v.SetDefault("sqlite.dir", "./data")
	v.SetDefault("locks.backend", "store")
	v.SetDefault("locks.table", "huddle-locks")
	v.SetDefault("locks.timeout", lock.DefaultTimeout)
	v.SetDefault("locks.sweep", time.Minute)
	v.SetDefault("ratelimit.backend", "memory")
	v.SetDefault("ratelimit.window", ratelimit.DefaultWindow)
	v.SetDefault("ratelimit.max", ratelimit.DefaultMaxSubmissions)
	v.SetDefault("ratelimit.violations", ratelimit.DefaultViolations)
	v.SetDefault("ratelimit.block", ratelimit.DefaultBlockDuration)
	v.SetDefault("ratelimit.session_max", ratelimit.DefaultMaxParticipants)
	v.SetDefault("realtime.flush", realtime.DefaultFlushInterval)
	v.SetDefault("realtime.base_delay", realtime.DefaultBaseDelay)
	v.SetDefault("realtime.max_delay", realtime.DefaultMaxDelay)
	v.SetDefault("realtime.max_attempts", realtime.DefaultMaxAttempts)
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.admin_token", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("trace.stdout", false)
}

// loadConfig reads file, or huddle.{yaml,toml,json} from the working
// directory and $HOME/.huddle when file is empty, overlaid with HUDDLE_*
// environment variables.
func loadConfig(v *viper.Viper, file string) (Config, error) {
	var cfg Config
	setDefaults(v)
	v.SetEnvPrefix("HUDDLE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("huddle")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.huddle")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return cfg, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	return cfg, cfg.validate()
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s: unsupported value %q (want one of %s)", key, value, strings.Join(allowed, ", "))
}

func (c Config) validate() error {
	var errs []error
	errs = append(errs,
		oneOf("transport", c.Transport, "memory", "redis", "nats", "kafka"),
		oneOf("storage", c.Storage, "memory", "sqlite"),
		oneOf("locks.backend", c.Locks.Backend, "store", "dynamodb"),
		oneOf("ratelimit.backend", c.RateLimit.Backend, "memory", "redis"),
		oneOf("log.format", c.Log.Format, "text", "json"),
	)
	if c.Auth.Secret == "" {
		errs = append(errs, errors.New("auth.secret is required"))
	}
	if c.Transport == "kafka" && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is empty"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// limits returns the rate guard configuration.
func (c Config) limits() ratelimit.Config {
	return ratelimit.Config{
		Window:          c.RateLimit.Window,
		MaxSubmissions:  c.RateLimit.Max,
		Violations:      c.RateLimit.Violations,
		BlockDuration:   c.RateLimit.Block,
		MaxParticipants: c.RateLimit.SessionMax,
	}
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return l, fmt.Errorf("log.level: %w", err)
	}
	return l, nil
}

func newLogger(c Config, w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
