package config

import (
	"go.uber.org/zap"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/audit"
	"github.com/wippyai/wasm-actors/codec"
	"github.com/wippyai/wasm-actors/engine"
	"github.com/wippyai/wasm-actors/errors"
	"github.com/wippyai/wasm-actors/hostfn"
	"github.com/wippyai/wasm-actors/router"
	"github.com/wippyai/wasm-actors/runtime"
	"github.com/wippyai/wasm-actors/supervisor"
)

// BuildLogger creates the process logger.
func (l LogConfig) BuildLogger() (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if l.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	level, err := zap.ParseAtomicLevel(l.Level)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "log level")
	}
	zcfg.Level = level
	return zcfg.Build()
}

// SupervisorConfig converts the supervision section.
func (s SupervisionConfig) SupervisorConfig() (supervisor.Config, error) {
	policy, err := supervisor.ParsePolicy(s.Policy)
	if err != nil {
		return supervisor.Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "supervision.policy")
	}
	cfg := supervisor.DefaultConfig()
	cfg.Policy = policy
	cfg.Backoff.Base = s.Backoff.Base.Std()
	cfg.Backoff.Max = s.Backoff.Max.Std()
	cfg.Backoff.Multiplier = s.Backoff.Multiplier
	cfg.Backoff.Jitter = s.Backoff.Jitter
	cfg.Window = supervisor.WindowConfig{
		MaxRestarts:    s.Window.MaxRestarts,
		Window:         s.Window.Period.Std(),
		PermanentAfter: s.Window.PermanentAfter,
	}
	cfg.Health = supervisor.HealthConfig{
		Enabled:   !s.Health.Disabled,
		Interval:  s.Health.Interval.Std(),
		Threshold: s.Health.Threshold,
		Timeout:   s.Health.Timeout.Std(),
	}
	cfg.RecoveryPeriod = s.RecoveryPeriod.Std()
	cfg.StartupTimeout = s.StartupTimeout.Std()
	cfg.ShutdownTimeout = s.ShutdownTimeout.Std()
	return cfg, nil
}

// RuntimeOptions converts everything the runtime consumes directly. Audit
// sinks and the AMQP forwarder involve connections and are wired by the caller.
func (c *Config) RuntimeOptions(logger *zap.Logger) (runtime.Options, error) {
	opts := runtime.DefaultOptions()
	opts.Logger = logger

	opts.Engine = engine.Config{
		MemoryLimitPages: c.Engine.MemoryLimitPages,
		EnableThreads:    c.Engine.EnableThreads,
		EnableWASI:       c.Engine.EnableWASI,
		CompilationCache: !c.Engine.DisableCompilationCache,
	}

	cd, err := codec.Parse(c.Runtime.Codec)
	if err != nil {
		return runtime.Options{}, err
	}
	opts.Codec = cd
	opts.MailboxSize = c.Runtime.MailboxSize
	opts.DeliverTimeout = c.Runtime.DeliverTimeout.Std()
	opts.HookTimeout = c.Runtime.HookTimeout.Std()
	opts.HealthConcurrency = c.Runtime.HealthConcurrency
	opts.Tick = c.Runtime.Tick.Std()

	opts.Limits = engine.Limits{
		MemoryBytes:    c.Limits.MemoryBytes,
		ExecutionUnits: c.Limits.ExecutionUnits,
		Timeout:        c.Limits.Timeout.Std(),
	}

	sup, err := c.Supervision.SupervisorConfig()
	if err != nil {
		return runtime.Options{}, err
	}
	opts.Supervision = &sup

	opts.Router = router.Options{
		FanOut:      c.Router.FanOut,
		SenderRate:  c.Router.SenderRate,
		SenderBurst: c.Router.SenderBurst,
	}
	opts.AuditOpts = audit.Options{
		QueueSize:    c.Audit.QueueSize,
		DedupWindow:  c.Audit.DedupWindow.Std(),
		WriteTimeout: c.Audit.WriteTimeout.Std(),
	}

	opts.FSRoot = c.Host.FSRoot
	if n := c.Host.Network; n != nil {
		opts.Network = &hostfn.Network{Timeout: n.Timeout.Std(), MaxReply: n.MaxReply}
	}
	opts.Storage = nil
	if st := c.Host.Storage; !st.Disabled {
		opts.Storage = &hostfn.StorageConfig{
			Path:       st.Path,
			InMemory:   st.InMemory,
			SyncWrites: st.SyncWrites,
			MaxValue:   st.MaxValue,
		}
	}
	return opts, nil
}

// AMQPBridgeConfig converts the bridge section; ok is false when it is absent.
func (r RouterConfig) AMQPBridgeConfig() (router.AMQPConfig, bool) {
	if r.AMQP == nil {
		return router.AMQPConfig{}, false
	}
	return router.AMQPConfig{
		URL:      r.AMQP.URL,
		Exchange: r.AMQP.Exchange,
		Queue:    r.AMQP.Queue,
		Bindings: r.AMQP.Bindings,
	}, true
}

// RedisSinkConfig converts the Redis audit section; ok is false when it is absent.
func (a AuditConfig) RedisSinkConfig() (audit.RedisSinkConfig, bool) {
	if a.Redis == nil {
		return audit.RedisSinkConfig{}, false
	}
	return audit.RedisSinkConfig{
		Address:  a.Redis.Address,
		Password: a.Redis.Password,
		DB:       a.Redis.DB,
		Stream:   a.Redis.Stream,
		MaxLen:   a.Redis.MaxLen,
	}, true
}

// Spec loads the component from disk and applies the per-component overrides.
func (c ComponentConfig) Spec(base supervisor.Config) (runtime.Spec, error) {
	spec, err := runtime.LoadSpec(c.Wasm, c.Manifest)
	if err != nil {
		return runtime.Spec{}, err
	}
	if c.Codec != "" {
		cd, err := codec.Parse(c.Codec)
		if err != nil {
			return runtime.Spec{}, err
		}
		spec.Codec = cd
	}
	if c.Policy != "" {
		policy, err := supervisor.ParsePolicy(c.Policy)
		if err != nil {
			return runtime.Spec{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "component policy")
		}
		sup := base
		sup.Policy = policy
		spec.Supervision = &sup
	}
	spec.Parent = wasmactors.ComponentID(c.Parent)
	spec.Topics = c.Topics
	return spec, nil
}
