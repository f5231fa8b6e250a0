// Package config loads the settings of the coreloop daemon from a file and
// the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	clerrors "github.com/vnykmshr/coreloop/pkg/common/errors"
	"github.com/vnykmshr/coreloop/pkg/common/validation"
	"github.com/vnykmshr/coreloop/pkg/scheduling/mainloop"
	"github.com/vnykmshr/coreloop/pkg/scheduling/queue"
)

// EnvPrefix prefixes every environment override, e.g. CORELOOP_LOOP_CAPACITY.
const EnvPrefix = "CORELOOP"

// Config holds daemon configuration.
type Config struct {
	Loop    LoopConfig    `mapstructure:"loop"`
	Offload OffloadConfig `mapstructure:"offload"`
	Timers  TimersConfig  `mapstructure:"timers"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Report  ReportConfig  `mapstructure:"report"`
	Log     LogConfig     `mapstructure:"log"`
}

// LoopConfig holds main loop settings.
type LoopConfig struct {
	Name       string        `mapstructure:"name"`
	Categories []string      `mapstructure:"categories"`
	Capacity   int           `mapstructure:"capacity"`
	IdleSleep  time.Duration `mapstructure:"idle_sleep"`
}

// OffloadConfig holds background worker settings.
type OffloadConfig struct {
	Workers     int           `mapstructure:"workers"`
	QueueSize   int           `mapstructure:"queue_size"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// TimersConfig holds timer scheduler settings.
type TimersConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	Location     string        `mapstructure:"location"`
}

// MetricsConfig holds Prometheus settings.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Addr      string `mapstructure:"addr"`
}

// RedisConfig holds settings of the failure report stream.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Stream  string `mapstructure:"stream"`
	MaxLen  int64  `mapstructure:"max_len"`
}

// ReportConfig bounds the rate of work item failure reports.
type ReportConfig struct {
	Rate  float64 `mapstructure:"rate"` // reports per second, 0 disables the bound
	Burst int     `mapstructure:"burst"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	categories := make([]string, 0, 5)
	for _, c := range queue.DefaultCategories() {
		categories = append(categories, string(c))
	}

	v.SetDefault("loop.name", "main")
	v.SetDefault("loop.categories", categories)
	v.SetDefault("loop.capacity", queue.DefaultCapacity)
	v.SetDefault("loop.idle_sleep", time.Millisecond)
	v.SetDefault("offload.workers", 4)
	v.SetDefault("offload.queue_size", 64)
	v.SetDefault("offload.task_timeout", time.Duration(0))
	v.SetDefault("timers.tick_interval", 10*time.Millisecond)
	v.SetDefault("timers.location", "Local")
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", "coreloop")
	v.SetDefault("metrics.addr", ":9090")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.stream", "coreloop:failures")
	v.SetDefault("redis.max_len", 10000)
	v.SetDefault("report.rate", 10.0)
	v.SetDefault("report.burst", 50)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Default returns the configuration used when no file or override is present.
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var c Config
	// Defaults always decode.
	_ = v.Unmarshal(&c)
	return c
}

// Load reads configuration from path, or from CORELOOP_CONFIG, or from
// coreloop.{toml,yaml,json} in the working directory or ~/.config/coreloop,
// then applies CORELOOP_* environment overrides. A missing file is only an
// error when it was named explicitly.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("coreloop")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "coreloop"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks the configuration for values the daemon cannot run with.
func (c Config) Validate() error {
	if err := validation.ValidateNotEmpty("config", "loop.name", c.Loop.Name); err != nil {
		return err
	}
	if err := validation.ValidateUnique("config", "loop.categories", c.Loop.Categories); err != nil {
		return err
	}
	if err := validation.ValidatePositive("config", "loop.capacity", c.Loop.Capacity); err != nil {
		return err
	}
	if err := validation.ValidateNonNegativeDuration("config", "loop.idle_sleep", c.Loop.IdleSleep); err != nil {
		return err
	}
	if err := validation.ValidatePositive("config", "offload.workers", c.Offload.Workers); err != nil {
		return err
	}
	if c.Offload.QueueSize < 0 {
		return clerrors.NewValidationError("config", "offload.queue_size", c.Offload.QueueSize, "cannot be negative")
	}
	if err := validation.ValidateNonNegativeDuration("config", "offload.task_timeout", c.Offload.TaskTimeout); err != nil {
		return err
	}
	if err := validation.ValidatePositiveDuration("config", "timers.tick_interval", c.Timers.TickInterval); err != nil {
		return err
	}
	if _, err := c.Timers.LoadLocation(); err != nil {
		return clerrors.NewValidationError("config", "timers.location", c.Timers.Location, err.Error()).
			WithHint("use an IANA zone name such as Europe/Berlin, UTC or Local")
	}
	if c.Metrics.Enabled {
		if err := validation.ValidateNotEmpty("config", "metrics.addr", c.Metrics.Addr); err != nil {
			return err
		}
	}
	if c.Redis.Enabled {
		if err := validation.ValidateNotEmpty("config", "redis.addr", c.Redis.Addr); err != nil {
			return err
		}
	}
	if c.Redis.MaxLen < 0 {
		return clerrors.NewValidationError("config", "redis.max_len", c.Redis.MaxLen, "cannot be negative")
	}
	if c.Report.Rate < 0 {
		return clerrors.NewValidationError("config", "report.rate", c.Report.Rate, "cannot be negative")
	}
	if c.Report.Rate > 0 {
		if err := validation.ValidatePositive("config", "report.burst", c.Report.Burst); err != nil {
			return err
		}
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return clerrors.NewValidationError("config", "log.format", c.Log.Format, "unknown format").
			WithHint("use text or json")
	}
	return nil
}

// LoopConfig converts the loop section into a mainloop.Config. Collaborators
// such as the event source and subsystems are left for the caller.
func (c Config) LoopConfig() mainloop.Config {
	lc := mainloop.DefaultConfig()
	lc.Name = c.Loop.Name
	lc.Categories = make([]queue.Category, len(c.Loop.Categories))
	for i, name := range c.Loop.Categories {
		lc.Categories[i] = queue.Category(name)
	}
	lc.Capacity = c.Loop.Capacity
	lc.IdleSleep = c.Loop.IdleSleep
	lc.Metrics.Enabled = c.Metrics.Enabled
	lc.Metrics.Namespace = c.Metrics.Namespace
	return lc
}

// LoadLocation resolves the configured time zone.
func (t TimersConfig) LoadLocation() (*time.Location, error) {
	if t.Location == "" {
		return time.Local, nil
	}
	return time.LoadLocation(t.Location)
}

// SlogLevel parses the configured level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, clerrors.NewValidationError("config", "log.level", l.Level, "unknown level").
			WithHint("use debug, info, warn or error")
	}
	return level, nil
}

// NewLogger builds a logger writing to w in the configured format and level.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := l.SlogLevel()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
