// Package config loads statekit settings from defaults, an optional YAML
// file and STATEKIT_* environment variables, then validates them against an
// embedded CUE schema.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"github.com/spf13/viper"

	"github.com/roach88/statekit/internal/engine"
)

//go:embed schema.cue
var schemaCUE string

// EnvPrefix prefixes every environment override, e.g.
// STATEKIT_DISPATCHER_WORKERS.
const EnvPrefix = "STATEKIT"

// Config holds statekit configuration.
type Config struct {
	Dispatcher DispatcherConfig `mapstructure:"dispatcher" json:"dispatcher"`
	Journal    JournalConfig    `mapstructure:"journal" json:"journal"`
	Log        LogConfig        `mapstructure:"log" json:"log"`
	Harness    HarnessConfig    `mapstructure:"harness" json:"harness"`
}

// DispatcherConfig maps onto engine options.
type DispatcherConfig struct {
	Workers        int  `mapstructure:"workers" json:"workers"`
	MaxDepth       int  `mapstructure:"max_depth" json:"max_depth"`
	MaxSteps       int  `mapstructure:"max_steps" json:"max_steps"`
	CycleDetection bool `mapstructure:"cycle_detection" json:"cycle_detection"`
}

// JournalConfig holds sqlite settings. An empty path disables the journal.
type JournalConfig struct {
	Path string `mapstructure:"path" json:"path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `mapstructure:"level" json:"level"`
	Format string `mapstructure:"format" json:"format"`
}

// HarnessConfig holds scenario runner settings.
type HarnessConfig struct {
	DrainTimeout time.Duration `mapstructure:"drain_timeout" json:"drain_timeout"`
}

// ValidationError lists every constraint the configuration violates.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Dispatcher: DispatcherConfig{
			Workers:  engine.DefaultWorkers,
			MaxDepth: engine.DefaultMaxDepth,
			MaxSteps: engine.DefaultMaxSteps,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Harness: HarnessConfig{
			DrainTimeout: 5 * time.Second,
		},
	}
}

// Load reads configuration from path (or $STATEKIT_CONFIG, or ./statekit.yaml
// when present) and the environment, then validates it.
func Load(path string) (Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("dispatcher.workers", def.Dispatcher.Workers)
	v.SetDefault("dispatcher.max_depth", def.Dispatcher.MaxDepth)
	v.SetDefault("dispatcher.max_steps", def.Dispatcher.MaxSteps)
	v.SetDefault("dispatcher.cycle_detection", def.Dispatcher.CycleDetection)
	v.SetDefault("journal.path", def.Journal.Path)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("harness.drain_timeout", def.Harness.DrainTimeout)

	v.SetConfigType("yaml")

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	explicit := path != ""
	if explicit {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("statekit")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !errors.As(err, &notFound) {
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

// Validate checks c against the embedded CUE schema.
func (c Config) Validate() error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compile config schema: %w", err)
	}

	data := ctx.Encode(c)
	if err := data.Err(); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	if err := schema.Unify(data).Validate(cue.Concrete(true)); err != nil {
		issues := make([]string, 0)
		for _, e := range cueerrors.Errors(err) {
			issues = append(issues, e.Error())
		}
		return &ValidationError{Issues: issues}
	}
	return nil
}

// DispatcherOptions maps the configuration onto engine options.
func (c Config) DispatcherOptions(logger *slog.Logger) []engine.Option {
	opts := []engine.Option{
		engine.WithLogger(logger),
		engine.WithWorkers(c.Dispatcher.Workers),
		engine.WithMaxDepth(c.Dispatcher.MaxDepth),
		engine.WithMaxSteps(c.Dispatcher.MaxSteps),
	}
	if c.Dispatcher.CycleDetection {
		opts = append(opts, engine.WithCycleDetection())
	}
	return opts
}

// NewLogger builds a slog.Logger writing to w in the configured format and
// level. verbose forces debug level.
func (c LogConfig) NewLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	switch c.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
