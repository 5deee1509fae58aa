// Package config loads the YAML configuration of a runtime process and
// converts it into runtime options.
package config

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/wippyai/wasm-actors/errors"
	"github.com/wippyai/wasm-actors/router"
	"github.com/wippyai/wasm-actors/supervisor"
)

// Config is the file-level configuration of a runtime process.
type Config struct {
	Log         LogConfig         `yaml:"log"`
	Engine      EngineConfig      `yaml:"engine"`
	Runtime     RuntimeConfig     `yaml:"runtime"`
	Limits      LimitsConfig      `yaml:"limits"`
	Supervision SupervisionConfig `yaml:"supervision"`
	Router      RouterConfig      `yaml:"router"`
	Audit       AuditConfig       `yaml:"audit"`
	Host        HostConfig        `yaml:"host"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Components  []ComponentConfig `yaml:"components" validate:"dive"`
}

type LogConfig struct {
	Level       string `yaml:"level" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development"`
}

type EngineConfig struct {
	// MemoryLimitPages caps every instance, in 64KiB pages.
	MemoryLimitPages        uint32 `yaml:"memory_limit_pages" validate:"lte=65536"`
	EnableThreads           bool   `yaml:"enable_threads"`
	EnableWASI              bool   `yaml:"enable_wasi"`
	DisableCompilationCache bool   `yaml:"disable_compilation_cache"`
}

type RuntimeConfig struct {
	Codec             string   `yaml:"codec" validate:"oneof=json cbor borsh"`
	MailboxSize       int      `yaml:"mailbox_size" validate:"gt=0"`
	DeliverTimeout    Duration `yaml:"deliver_timeout" validate:"gt=0"`
	HookTimeout       Duration `yaml:"hook_timeout" validate:"gt=0"`
	HealthConcurrency int      `yaml:"health_concurrency" validate:"gt=0"`
	Tick              Duration `yaml:"tick" validate:"gt=0"`
}

// LimitsConfig applies to components whose manifest declares no limits.
type LimitsConfig struct {
	MemoryBytes    uint64   `yaml:"memory_bytes"`
	ExecutionUnits uint64   `yaml:"execution_units"`
	Timeout        Duration `yaml:"timeout" validate:"gte=0"`
}

type SupervisionConfig struct {
	Policy          string        `yaml:"policy" validate:"oneof=permanent transient temporary"`
	Backoff         BackoffConfig `yaml:"backoff"`
	Window          WindowConfig  `yaml:"window"`
	Health          HealthConfig  `yaml:"health"`
	RecoveryPeriod  Duration      `yaml:"recovery_period" validate:"gte=0"`
	StartupTimeout  Duration      `yaml:"startup_timeout" validate:"gte=0"`
	ShutdownTimeout Duration      `yaml:"shutdown_timeout" validate:"gte=0"`
}

type BackoffConfig struct {
	Base       Duration `yaml:"base" validate:"gt=0"`
	Max        Duration `yaml:"max" validate:"gtefield=Base"`
	Multiplier float64  `yaml:"multiplier" validate:"gte=1"`
	Jitter     float64  `yaml:"jitter" validate:"gte=0,lte=1"`
}

type WindowConfig struct {
	MaxRestarts    int      `yaml:"max_restarts" validate:"gte=0"`
	Period         Duration `yaml:"period" validate:"gt=0"`
	PermanentAfter int      `yaml:"permanent_after" validate:"gte=0"`
}

type HealthConfig struct {
	Disabled  bool     `yaml:"disabled"`
	Interval  Duration `yaml:"interval" validate:"gt=0"`
	Threshold uint32   `yaml:"threshold" validate:"gt=0"`
	Timeout   Duration `yaml:"timeout" validate:"gt=0"`
}

type RouterConfig struct {
	FanOut      int         `yaml:"fan_out" validate:"gt=0"`
	SenderRate  float64     `yaml:"sender_rate" validate:"gte=0"`
	SenderBurst int         `yaml:"sender_burst" validate:"gte=0"`
	AMQP        *AMQPConfig `yaml:"amqp"`
}

// AMQPConfig enables the topic bridge to other runtimes.
type AMQPConfig struct {
	URL      string   `yaml:"url" validate:"required,url"`
	Exchange string   `yaml:"exchange"`
	Queue    string   `yaml:"queue"`
	Bindings []string `yaml:"bindings" validate:"dive,topic"`
}

type AuditConfig struct {
	QueueSize    int      `yaml:"queue_size" validate:"gt=0"`
	DedupWindow  Duration `yaml:"dedup_window" validate:"gte=0"`
	WriteTimeout Duration `yaml:"write_timeout" validate:"gte=0"`
	// File receives JSON lines. "-" writes to stdout.
	File  string       `yaml:"file"`
	Redis *RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Address  string `yaml:"address" validate:"required,hostname_port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Stream   string `yaml:"stream"`
	MaxLen   int64  `yaml:"max_len" validate:"gte=0"`
}

type HostConfig struct {
	// FSRoot enables the filesystem host functions rooted at this directory.
	FSRoot  string         `yaml:"fs_root"`
	Network *NetworkConfig `yaml:"network"`
	Storage StorageConfig  `yaml:"storage"`
}

type NetworkConfig struct {
	Timeout  Duration `yaml:"timeout" validate:"gte=0"`
	MaxReply int64    `yaml:"max_reply" validate:"gte=0"`
}

type StorageConfig struct {
	Disabled   bool   `yaml:"disabled"`
	Path       string `yaml:"path"`
	InMemory   bool   `yaml:"in_memory"`
	SyncWrites bool   `yaml:"sync_writes"`
	MaxValue   int    `yaml:"max_value" validate:"gte=0"`
}

type MetricsConfig struct {
	// Address serves /metrics. Empty disables the endpoint.
	Address string `yaml:"address" validate:"omitempty,hostname_port"`
	Path    string `yaml:"path" validate:"startswith=/"`
}

// ComponentConfig names a component to spawn at startup.
type ComponentConfig struct {
	Wasm     string   `yaml:"wasm" validate:"required"`
	Manifest string   `yaml:"manifest" validate:"required"`
	Codec    string   `yaml:"codec" validate:"omitempty,oneof=json cbor borsh"`
	Policy   string   `yaml:"policy" validate:"omitempty,oneof=permanent transient temporary"`
	Parent   string   `yaml:"parent"`
	Topics   []string `yaml:"topics" validate:"dive,topic"`
}

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
	validate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "" || name == "-" {
			return f.Name
		}
		return name
	})
	_ = validate.RegisterValidation("topic", func(fl validator.FieldLevel) bool {
		return router.ValidatePattern(fl.Field().String()) == nil
	})
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var c Config
	c.applyDefaults("")
	return &c
}

// Load reads a YAML file. Relative paths inside it resolve against the
// file's directory.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.InvalidInput(errors.PhaseConfig, "config path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindIO, err, "read "+path)
	}
	return Parse(data, filepath.Dir(path))
}

// Parse decodes YAML, applies defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte, baseDir string) (*Config, error) {
	var c Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil && !stderrors.Is(err, io.EOF) {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "decode yaml")
	}
	c.applyDefaults(baseDir)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !stderrors.As(err, &verrs) {
		return errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "validate")
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, describe(fe))
	}
	return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
		Cause(err).
		Detail("%s", strings.Join(msgs, "; ")).
		Build()
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	if fe.Param() != "" {
		return fmt.Sprintf("%s: failed %s=%s", field, fe.Tag(), fe.Param())
	}
	return fmt.Sprintf("%s: failed %s", field, fe.Tag())
}

func (c *Config) applyDefaults(baseDir string) {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.Runtime.Codec == "" {
		c.Runtime.Codec = "json"
	}
	if c.Runtime.MailboxSize == 0 {
		c.Runtime.MailboxSize = 256
	}
	if c.Runtime.DeliverTimeout == 0 {
		c.Runtime.DeliverTimeout = Duration(time.Second)
	}
	if c.Runtime.HookTimeout == 0 {
		c.Runtime.HookTimeout = Duration(time.Second)
	}
	if c.Runtime.HealthConcurrency == 0 {
		c.Runtime.HealthConcurrency = 8
	}
	if c.Runtime.Tick == 0 {
		c.Runtime.Tick = Duration(time.Second)
	}

	s := &c.Supervision
	if s.Policy == "" {
		s.Policy = "permanent"
	}
	if s.Backoff.Base == 0 {
		s.Backoff.Base = Duration(100 * time.Millisecond)
	}
	if s.Backoff.Max == 0 {
		s.Backoff.Max = Duration(5 * time.Second)
	}
	if s.Backoff.Multiplier == 0 {
		s.Backoff.Multiplier = 2
	}
	if s.Window.MaxRestarts == 0 {
		s.Window.MaxRestarts = 5
	}
	if s.Window.Period == 0 {
		s.Window.Period = Duration(time.Minute)
	}
	if s.Window.PermanentAfter == 0 {
		s.Window.PermanentAfter = 5
	}
	if s.Health.Interval == 0 {
		s.Health.Interval = Duration(5 * time.Second)
	}
	if s.Health.Threshold == 0 {
		s.Health.Threshold = 3
	}
	if s.Health.Timeout == 0 {
		s.Health.Timeout = Duration(supervisor.DefaultHealthTimeout)
	}
	if s.RecoveryPeriod == 0 {
		s.RecoveryPeriod = Duration(30 * time.Second)
	}
	if s.StartupTimeout == 0 {
		s.StartupTimeout = Duration(10 * time.Second)
	}
	if s.ShutdownTimeout == 0 {
		s.ShutdownTimeout = Duration(5 * time.Second)
	}

	if c.Router.FanOut == 0 {
		c.Router.FanOut = 16
	}
	if c.Router.SenderRate == 0 {
		c.Router.SenderRate = router.DefaultSenderRate
	}

	if c.Audit.QueueSize == 0 {
		c.Audit.QueueSize = 1024
	}
	if c.Audit.DedupWindow == 0 {
		c.Audit.DedupWindow = Duration(5 * time.Second)
	}
	if c.Audit.WriteTimeout == 0 {
		c.Audit.WriteTimeout = Duration(2 * time.Second)
	}
	if c.Audit.File != "-" {
		c.Audit.File = resolve(baseDir, c.Audit.File)
	}

	c.Host.FSRoot = resolve(baseDir, c.Host.FSRoot)
	if c.Host.Storage.Path == "" {
		c.Host.Storage.InMemory = true
	}
	c.Host.Storage.Path = resolve(baseDir, c.Host.Storage.Path)

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	for i := range c.Components {
		comp := &c.Components[i]
		comp.Wasm = resolve(baseDir, comp.Wasm)
		comp.Manifest = resolve(baseDir, comp.Manifest)
	}
}

func resolve(baseDir, p string) string {
	if p == "" || filepath.IsAbs(p) || baseDir == "" {
		return p
	}
	return filepath.Join(baseDir, p)
}
