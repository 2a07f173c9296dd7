// Package config loads mutq configuration from CUE (or JSON) files,
// validated against an embedded schema that supplies every default.
package config

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/mutq/internal/kv"
)

//go:embed schema.cue
var schemaSrc string

// Config is the resolved configuration.
type Config struct {
	Store    StoreConfig
	Queue    QueueConfig
	Dispatch DispatchConfig
	Log      LogConfig
}

// StoreConfig selects and configures the persisted store.
type StoreConfig struct {
	Driver       string // sqlite, redis or memory
	Path         string
	PollInterval time.Duration
	Redis        RedisConfig
}

// RedisConfig configures the Redis adapter.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	Namespace string
}

// QueueConfig configures the queue manager.
type QueueConfig struct {
	QueueKey   string
	OngoingKey string
	SeqKey     string
	Backoff    kv.Backoff
}

// DispatchConfig configures the HTTP dispatcher.
type DispatchConfig struct {
	Endpoint string
	Timeout  time.Duration
	Headers  map[string]string
}

// LogConfig configures logging.
type LogConfig struct {
	Level string
}

// SlogLevel maps the configured level name to a slog.Level.
func (c LogConfig) SlogLevel() slog.Level {
	switch c.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// raw mirrors the schema for decoding.
type raw struct {
	Store struct {
		Driver       string `json:"driver"`
		Path         string `json:"path"`
		PollInterval string `json:"poll_interval"`
		Redis        struct {
			Addr      string `json:"addr"`
			Password  string `json:"password"`
			DB        int    `json:"db"`
			Namespace string `json:"namespace"`
		} `json:"redis"`
	} `json:"store"`
	Queue struct {
		QueueKey   string `json:"queue_key"`
		OngoingKey string `json:"ongoing_key"`
		SeqKey     string `json:"seq_key"`
		Backoff    struct {
			Initial     string  `json:"initial"`
			Max         string  `json:"max"`
			Multiplier  float64 `json:"multiplier"`
			MaxAttempts int     `json:"max_attempts"`
		} `json:"backoff"`
	} `json:"queue"`
	Dispatch struct {
		Endpoint string            `json:"endpoint"`
		Timeout  string            `json:"timeout"`
		Headers  map[string]string `json:"headers"`
	} `json:"dispatch"`
	Log struct {
		Level string `json:"level"`
	} `json:"log"`
}

// Error is a configuration error with the CUE source position if known.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Default returns the configuration with every default applied.
func Default() Config {
	cfg, err := Parse("defaults", nil)
	if err != nil {
		panic(fmt.Sprintf("config: embedded schema invalid: %v", err))
	}
	return cfg
}

// Load reads and resolves the configuration file at path.
func Load(path string) (Config, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return Parse(path, src)
}

// Parse resolves src against the schema. filename is used in error positions.
func Parse(filename string, src []byte) (Config, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileString(schemaSrc, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return Config{}, formatCUEError(err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	if len(src) == 0 {
		src = []byte("{}")
	}
	data := ctx.CompileBytes(src, cue.Filename(filename))
	if err := data.Err(); err != nil {
		return Config{}, formatCUEError(err)
	}
	v := def.Unify(data)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, formatCUEError(err)
	}

	var r raw
	if err := v.Decode(&r); err != nil {
		return Config{}, formatCUEError(err)
	}
	return r.resolve()
}

func (r raw) resolve() (Config, error) {
	var cfg Config
	var err error

	cfg.Store = StoreConfig{
		Driver: r.Store.Driver,
		Path:   r.Store.Path,
		Redis: RedisConfig{
			Addr:      r.Store.Redis.Addr,
			Password:  r.Store.Redis.Password,
			DB:        r.Store.Redis.DB,
			Namespace: r.Store.Redis.Namespace,
		},
	}
	if cfg.Store.PollInterval, err = duration("store.poll_interval", r.Store.PollInterval); err != nil {
		return Config{}, err
	}

	b := r.Queue.Backoff
	cfg.Queue = QueueConfig{
		QueueKey:   r.Queue.QueueKey,
		OngoingKey: r.Queue.OngoingKey,
		SeqKey:     r.Queue.SeqKey,
		Backoff: kv.Backoff{
			Multiplier:  b.Multiplier,
			MaxAttempts: b.MaxAttempts,
		},
	}
	if cfg.Queue.Backoff.Initial, err = duration("queue.backoff.initial", b.Initial); err != nil {
		return Config{}, err
	}
	if cfg.Queue.Backoff.Max, err = duration("queue.backoff.max", b.Max); err != nil {
		return Config{}, err
	}

	cfg.Dispatch = DispatchConfig{
		Endpoint: r.Dispatch.Endpoint,
		Headers:  r.Dispatch.Headers,
	}
	if cfg.Dispatch.Headers == nil {
		cfg.Dispatch.Headers = map[string]string{}
	}
	if cfg.Dispatch.Timeout, err = duration("dispatch.timeout", r.Dispatch.Timeout); err != nil {
		return Config{}, err
	}

	cfg.Log = LogConfig{Level: r.Log.Level}
	return cfg, nil
}

func duration(field, s string) (time.Duration, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, &Error{Field: field, Message: fmt.Sprintf("invalid duration %q", s)}
	}
	if d < 0 {
		return 0, &Error{Field: field, Message: fmt.Sprintf("negative duration %q", s)}
	}
	return d, nil
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	field := "config"
	if path := first.Path(); len(path) > 0 {
		field = strings.Join(path, ".")
	}
	if positions := errors.Positions(first); len(positions) > 0 {
		return &Error{Field: field, Message: first.Error(), Pos: positions[0]}
	}
	return &Error{Field: field, Message: first.Error()}
}

