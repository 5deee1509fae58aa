package main

import (
	"context"
	stderrors "errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/term"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/audit"
	"github.com/wippyai/wasm-actors/codec"
	"github.com/wippyai/wasm-actors/config"
	"github.com/wippyai/wasm-actors/message"
	"github.com/wippyai/wasm-actors/metrics"
	"github.com/wippyai/wasm-actors/router"
	"github.com/wippyai/wasm-actors/runtime"
)

type flags struct {
	config      string
	wasm        string
	manifest    string
	send        string
	export      string
	payload     string
	timeout     time.Duration
	metrics     string
	interactive bool
}

func main() {
	var f flags
	flag.StringVar(&f.config, "config", "", "Path to runtime YAML config")
	flag.StringVar(&f.wasm, "wasm", "", "Component wasm file to spawn")
	flag.StringVar(&f.manifest, "manifest", "", "Manifest of -wasm (TOML or YAML)")
	flag.StringVar(&f.send, "send", "", "Send one request to this component, print the reply and exit")
	flag.StringVar(&f.export, "export", "", "Export to call with -send (default handle)")
	flag.StringVar(&f.payload, "payload", "null", "JSON request payload with -send")
	flag.DurationVar(&f.timeout, "timeout", 5*time.Second, "Request timeout with -send")
	flag.StringVar(&f.metrics, "metrics", "", "Serve Prometheus metrics on this address (overrides config)")
	flag.BoolVar(&f.interactive, "i", false, "Interactive dashboard")
	flag.Parse()

	if f.config == "" && f.wasm == "" {
		fmt.Fprintln(os.Stderr, "Usage: run -config runtime.yaml [-i] [-metrics :9090]")
		fmt.Fprintln(os.Stderr, "       run -wasm <file.wasm> -manifest <file.toml> [-send id -payload json]")
		os.Exit(1)
	}
	if f.wasm != "" && f.manifest == "" {
		fmt.Fprintln(os.Stderr, "Error: -wasm needs -manifest")
		os.Exit(1)
	}
	if f.interactive && !term.IsTerminal(int(os.Stdout.Fd())) {
		fmt.Fprintln(os.Stderr, "Error: -i needs a terminal")
		os.Exit(1)
	}

	if err := run(f); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(f flags) error {
	cfg := config.Default()
	if f.config != "" {
		var err error
		if cfg, err = config.Load(f.config); err != nil {
			return err
		}
	}
	if f.metrics != "" {
		cfg.Metrics.Address = f.metrics
	}

	logger := zap.NewNop()
	if !f.interactive {
		var err error
		if logger, err = cfg.Log.BuildLogger(); err != nil {
			return err
		}
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts, err := cfg.RuntimeOptions(logger)
	if err != nil {
		return err
	}

	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	sink, sinkClosers, err := auditSink(ctx, cfg.Audit)
	if err != nil {
		return err
	}
	closers = append(closers, sinkClosers...)
	opts.AuditSink = sink

	var bridge *router.AMQPBridge
	if acfg, ok := cfg.Router.AMQPBridgeConfig(); ok {
		conn, ch, err := router.DialAMQP(acfg)
		if err != nil {
			return err
		}
		closers = append(closers, conn, ch)
		if bridge, err = router.NewAMQPBridge(ch, acfg, logger.Named("amqp")); err != nil {
			return err
		}
		opts.Router.Forwarder = bridge
	}

	rt, err := runtime.New(ctx, opts)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := rt.Close(sctx); err != nil {
			logger.Error("runtime shutdown", zap.Error(err))
		}
	}()

	if bridge != nil {
		go func() {
			if err := bridge.Run(ctx, rt.Router()); err != nil && !stderrors.Is(err, context.Canceled) {
				logger.Error("amqp bridge stopped", zap.Error(err))
			}
		}()
	}

	if err := spawnAll(ctx, rt, cfg, opts, f); err != nil {
		return err
	}

	if cfg.Metrics.Address != "" {
		srv := serveMetrics(rt, cfg.Metrics, logger)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	if f.send != "" {
		return sendOnce(ctx, rt, f)
	}

	go func() {
		if err := rt.Run(ctx); err != nil && !stderrors.Is(err, context.Canceled) {
			logger.Error("health loop stopped", zap.Error(err))
		}
	}()

	if f.interactive {
		return runInteractive(ctx, rt)
	}

	logger.Info("runtime started", zap.Int("components", len(rt.Components())))
	<-ctx.Done()
	logger.Info("shutting down")
	return nil
}

func auditSink(ctx context.Context, cfg config.AuditConfig) (audit.Sink, []io.Closer, error) {
	var (
		sinks   audit.MultiSink
		closers []io.Closer
	)
	switch cfg.File {
	case "":
	case "-":
		sinks = append(sinks, audit.NewJSONSink(os.Stdout))
	default:
		fh, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open audit file: %w", err)
		}
		closers = append(closers, fh)
		sinks = append(sinks, audit.NewJSONSink(fh))
	}
	if rcfg, ok := cfg.RedisSinkConfig(); ok {
		rs, err := audit.NewRedisSink(ctx, rcfg)
		if err != nil {
			for _, c := range closers {
				_ = c.Close()
			}
			return nil, nil, err
		}
		closers = append(closers, rs)
		sinks = append(sinks, rs)
	}

	switch len(sinks) {
	case 0:
		return nil, nil, nil
	case 1:
		return sinks[0], closers, nil
	default:
		return sinks, closers, nil
	}
}

func spawnAll(ctx context.Context, rt *runtime.Runtime, cfg *config.Config, opts runtime.Options, f flags) error {
	for _, cc := range cfg.Components {
		spec, err := cc.Spec(*opts.Supervision)
		if err != nil {
			return err
		}
		if err := rt.Spawn(ctx, spec); err != nil {
			return fmt.Errorf("spawn %s: %w", spec.ID, err)
		}
	}
	if f.wasm != "" {
		spec, err := runtime.LoadSpec(f.wasm, f.manifest)
		if err != nil {
			return err
		}
		if err := rt.Spawn(ctx, spec); err != nil {
			return fmt.Errorf("spawn %s: %w", spec.ID, err)
		}
	}
	return nil
}

func serveMetrics(rt *runtime.Runtime, cfg config.MetricsConfig, logger *zap.Logger) *http.Server {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		metrics.NewCollector(rt),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: cfg.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", zap.String("address", cfg.Address), zap.String("path", cfg.Path))
		if err := srv.ListenAndServe(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", zap.Error(err))
		}
	}()
	return srv
}

func sendOnce(ctx context.Context, rt *runtime.Runtime, f flags) error {
	req := message.NewRequest("", wasmactors.ComponentID(f.send), codec.JSON, []byte(f.payload))
	if f.export != "" {
		req = req.WithExport(f.export)
	}
	resp, err := rt.Request(ctx, req, f.timeout)
	if err != nil {
		return err
	}
	fmt.Printf("%s (%s)\n", resp.Payload, resp.Codec)
	return nil
}
