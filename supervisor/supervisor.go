package supervisor

import (
	"context"
	stderrors "errors"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	wasmactors "github.com/wippyai/wasm-actors"
	"github.com/wippyai/wasm-actors/errors"
)

// Bridge executes supervision decisions against the actor substrate.
// It is the only coupling between restart policy and the running actors.
type Bridge interface {
	Start(ctx context.Context, id wasmactors.ComponentID) error
	Restart(ctx context.Context, id wasmactors.ComponentID) error
	Stop(ctx context.Context, id wasmactors.ComponentID, timeout time.Duration) error
	HealthCheck(ctx context.Context, id wasmactors.ComponentID) (wasmactors.HealthStatus, error)
}

// Action is what a failure led to
type Action uint8

const (
	// ActionRestarted means the component was restarted.
	ActionRestarted Action = iota
	// ActionSkipped means the policy or a stop ruled out a restart.
	ActionSkipped
	// ActionCoalesced means a restart was already in progress.
	ActionCoalesced
	// ActionFailed means the restart window denied the restart.
	ActionFailed
)

func (a Action) String() string {
	switch a {
	case ActionRestarted:
		return "restarted"
	case ActionSkipped:
		return "skipped"
	case ActionCoalesced:
		return "coalesced"
	default:
		return "failed"
	}
}

// Decision describes the outcome of a failure.
type Decision struct {
	Action        Action
	Attempt       uint32
	Delay         time.Duration
	Reason        string
	NextAvailable time.Time
}

// Options configures a Supervisor
type Options struct {
	Logger *zap.Logger

	// Now and Sleep are replaceable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	// HealthConcurrency bounds parallel health checks in RunHealthChecks.
	HealthConcurrency int
}

type entry struct {
	mu sync.Mutex

	id     wasmactors.ComponentID
	cfg    Config
	parent wasmactors.ComponentID
	state  State

	backoff *Backoff
	tracker *RestartTracker
	limiter *WindowLimiter
	monitor *HealthMonitor

	runningSince time.Time
	lastError    error
}

// Supervisor owns the restart policy state of every supervised component.
type Supervisor struct {
	bridge Bridge
	logger *zap.Logger
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	health int

	mu      sync.RWMutex
	entries map[wasmactors.ComponentID]*entry
	order   []wasmactors.ComponentID
	closed  bool

	// background restarts run under ctx and are tracked by restarts.
	ctx      context.Context
	cancel   context.CancelFunc
	restarts sync.WaitGroup
}

// New creates a supervisor that acts through bridge.
func New(bridge Bridge, opts Options) *Supervisor {
	s := &Supervisor{
		bridge:  bridge,
		logger:  opts.Logger,
		now:     opts.Now,
		sleep:   opts.Sleep,
		health:  opts.HealthConcurrency,
		entries: make(map[wasmactors.ComponentID]*entry),
	}
	if s.logger == nil {
		s.logger = Logger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.sleep == nil {
		s.sleep = sleepContext
	}
	if s.health <= 0 {
		s.health = 8
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// Close abandons restarts still running in the background and waits for them
// to return. The supervisor starts no background restarts afterwards.
func (s *Supervisor) Close() {
	s.mu.Lock()
	s.closed = true
	s.cancel()
	s.mu.Unlock()
	s.restarts.Wait()
}

// Wait blocks until the background restarts started so far have finished.
func (s *Supervisor) Wait() {
	s.restarts.Wait()
}

// restartAsync runs restartLoop for e in a tracked goroutine so the caller
// is not held up by backoff or a slow restart.
func (s *Supervisor) restartAsync(e *entry, reason RestartReason, cause error) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	s.restarts.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.restarts.Done()
		d, err := s.restartLoop(s.ctx, e, reason, cause, false, false)
		if err != nil {
			s.logger.Error("restart ended without a running component",
				zap.String("component", string(e.id)),
				zap.Stringer("reason", reason),
				zap.Stringer("action", d.Action),
				zap.Error(err),
			)
		}
	}()
	return true
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Supervise registers id with its configuration.
func (s *Supervisor) Supervise(id wasmactors.ComponentID, cfg Config) error {
	if id == "" {
		return errors.InvalidInput(errors.PhaseSupervisor, "empty component id")
	}

	e := &entry{
		id:      id,
		cfg:     cfg,
		state:   StateRegistered,
		backoff: NewBackoff(cfg.Backoff),
		tracker: NewRestartTracker(cfg.TrackerCapacity, s.now),
		limiter: NewWindowLimiter(cfg.Window, s.now),
		monitor: NewHealthMonitor(cfg.Health, s.now),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; ok {
		return errors.AlreadyExists(errors.PhaseSupervisor, string(id))
	}
	s.entries[id] = e
	s.order = append(s.order, id)

	s.logger.Debug("component supervised",
		zap.String("component", string(id)),
		zap.Stringer("policy", cfg.Policy),
	)
	return nil
}

// Unsupervise forgets id. Children of id lose their parent.
func (s *Supervisor) Unsupervise(id wasmactors.ComponentID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return
	}
	delete(s.entries, id)
	s.order = slices.DeleteFunc(s.order, func(x wasmactors.ComponentID) bool { return x == id })
	for _, e := range s.entries {
		e.mu.Lock()
		if e.parent == id {
			e.parent = ""
		}
		e.mu.Unlock()
	}
}

func (s *Supervisor) entry(id wasmactors.ComponentID) (*entry, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return nil, errors.ComponentNotFound(errors.PhaseSupervisor, string(id))
	}
	return e, nil
}

func (s *Supervisor) snapshot() []*entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.entries[id])
	}
	return out
}

// Start starts a registered or stopped component through the bridge.
// A start failure is handled like any other failure.
func (s *Supervisor) Start(ctx context.Context, id wasmactors.ComponentID) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	switch e.state {
	case StateRegistered, StateStopped:
	default:
		st := e.state
		e.mu.Unlock()
		return errors.InvalidState(errors.PhaseSupervisor, string(id), "cannot start from state "+st.String())
	}
	e.state = StateStarting
	timeout := e.cfg.StartupTimeout
	e.mu.Unlock()

	sctx, cancel := ctxWithOptionalTimeout(ctx, timeout)
	startErr := s.bridge.Start(sctx, id)
	cancel()

	if startErr == nil {
		e.mu.Lock()
		e.state = StateRunning
		e.runningSince = s.now()
		e.mu.Unlock()
		s.logger.Info("component started", zap.String("component", string(id)))
		return nil
	}

	s.logger.Warn("component start failed", zap.String("component", string(id)), zap.Error(startErr))
	d, err := s.restartLoop(ctx, e, ReasonComponentFailure, startErr, false, false)
	if err != nil {
		return stderrors.Join(startErr, err)
	}
	if d.Action != ActionRestarted {
		return startErr
	}
	return nil
}

// StartAll starts every registered or stopped component concurrently.
func (s *Supervisor) StartAll(ctx context.Context) error {
	var g errgroup.Group
	for _, e := range s.snapshot() {
		e.mu.Lock()
		startable := e.state == StateRegistered || e.state == StateStopped
		e.mu.Unlock()
		if !startable {
			continue
		}
		id := e.id
		g.Go(func() error { return s.Start(ctx, id) })
	}
	return g.Wait()
}

// Stop marks id stopped and stops it through the bridge.
func (s *Supervisor) Stop(ctx context.Context, id wasmactors.ComponentID) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.state = StateStopped
	timeout := e.cfg.ShutdownTimeout
	e.mu.Unlock()

	if err := s.bridge.Stop(ctx, id, timeout); err != nil {
		s.logger.Warn("component stop failed", zap.String("component", string(id)), zap.Error(err))
		return err
	}
	s.logger.Info("component stopped", zap.String("component", string(id)))
	return nil
}

// StopAll stops every component concurrently and joins the errors.
func (s *Supervisor) StopAll(ctx context.Context) error {
	entries := s.snapshot()
	errs := make([]error, len(entries))

	var g errgroup.Group
	for i, e := range entries {
		g.Go(func() error {
			errs[i] = s.Stop(ctx, e.id)
			return nil
		})
	}
	_ = g.Wait()
	return stderrors.Join(errs...)
}

// HandleFailure reacts to a component failure: policy, then window limiter,
// then backoff delay, then tracker record, then a cancelable wait and the restart.
// A failed restart is itself a failure and goes around again.
func (s *Supervisor) HandleFailure(ctx context.Context, id wasmactors.ComponentID, reason RestartReason, cause error) (Decision, error) {
	if cause == nil {
		cause = stderrors.New(reason.String())
	}
	e, err := s.entry(id)
	if err != nil {
		return Decision{}, err
	}
	return s.restartLoop(ctx, e, reason, cause, false, false)
}

// HandleExit reacts to a component exiting. A nil err is a normal exit,
// which only the Permanent policy restarts.
func (s *Supervisor) HandleExit(ctx context.Context, id wasmactors.ComponentID, err error) (Decision, error) {
	e, lerr := s.entry(id)
	if lerr != nil {
		return Decision{}, lerr
	}
	return s.restartLoop(ctx, e, ReasonComponentFailure, err, false, false)
}

// ManualRestart restarts id regardless of policy. The window limiter still applies.
func (s *Supervisor) ManualRestart(ctx context.Context, id wasmactors.ComponentID) (Decision, error) {
	e, err := s.entry(id)
	if err != nil {
		return Decision{}, err
	}
	return s.restartLoop(ctx, e, ReasonManualRestart, nil, true, false)
}

func (s *Supervisor) restartLoop(ctx context.Context, e *entry, reason RestartReason, cause error, manual, retry bool) (Decision, error) {
	for {
		d, proceed, err := s.plan(e, reason, cause, manual, retry)
		if !proceed {
			return d, err
		}

		if err := s.sleep(ctx, d.Delay); err != nil {
			e.mu.Lock()
			e.state = StateStopped
			e.mu.Unlock()
			return d, err
		}

		e.mu.Lock()
		current := e.state == StateRestarting
		e.mu.Unlock()
		if !current {
			return Decision{Action: ActionSkipped, Reason: "stopped during backoff"}, nil
		}

		rerr := s.bridge.Restart(ctx, e.id)
		if rerr == nil {
			e.mu.Lock()
			stopped := e.state != StateRestarting
			if !stopped {
				e.state = StateRunning
				e.runningSince = s.now()
				e.lastError = nil
				e.monitor.ResetOnRecovery()
			}
			timeout := e.cfg.ShutdownTimeout
			e.mu.Unlock()

			if stopped {
				// Stop ran while the new instance was starting and may have
				// missed it.
				if err := s.bridge.Stop(ctx, e.id, timeout); err != nil {
					s.logger.Warn("stopping instance restarted after stop failed",
						zap.String("component", string(e.id)),
						zap.Error(err),
					)
				}
				return Decision{Action: ActionSkipped, Attempt: d.Attempt, Reason: "stopped during restart"}, nil
			}

			s.logger.Info("component restarted",
				zap.String("component", string(e.id)),
				zap.Uint32("attempt", d.Attempt),
				zap.Duration("delay", d.Delay),
				zap.String("reason", d.Reason),
			)
			return d, nil
		}

		s.logger.Warn("component restart failed",
			zap.String("component", string(e.id)),
			zap.Uint32("attempt", d.Attempt),
			zap.Error(rerr),
		)
		if ctx.Err() != nil {
			e.mu.Lock()
			e.state = StateStopped
			e.mu.Unlock()
			return d, ctx.Err()
		}
		reason, cause, manual, retry = ReasonComponentFailure, rerr, false, true
	}
}

// plan takes the restart decision under the entry lock.
func (s *Supervisor) plan(e *entry, reason RestartReason, cause error, manual, retry bool) (Decision, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateRestarting:
		if !retry {
			return Decision{Action: ActionCoalesced, Reason: "restart already in progress"}, false, nil
		}
	case StateFailed:
		if !manual {
			return Decision{Action: ActionFailed, Reason: "permanently failed"},
				false, errors.MaxRestartsExceeded(string(e.id), "component is in failed state")
		}
	case StateStopped:
		if !manual {
			return Decision{Action: ActionSkipped, Reason: "component stopped"}, false, nil
		}
	}

	s.maybeRecoverLocked(e)
	e.lastError = cause

	if !manual && !e.cfg.Policy.ShouldRestart(cause != nil) {
		e.state = StateStopped
		s.logger.Info("restart skipped by policy",
			zap.String("component", string(e.id)),
			zap.Stringer("policy", e.cfg.Policy),
			zap.Error(cause),
		)
		return Decision{Action: ActionSkipped, Reason: "policy " + e.cfg.Policy.String()}, false, nil
	}

	wd := e.limiter.Check()
	if !wd.Allowed {
		e.state = StateFailed
		s.logger.Error("restart limit reached, component failed",
			zap.String("component", string(e.id)),
			zap.String("reason", wd.Reason),
			zap.Bool("permanent", e.limiter.IsPermanentlyFailed()),
			zap.Uint64("total_restarts", e.tracker.TotalRestarts()),
			zap.Error(cause),
		)
		return Decision{Action: ActionFailed, Reason: wd.Reason, NextAvailable: wd.NextAvailable},
			false, errors.MaxRestartsExceeded(string(e.id), wd.Reason)
	}

	delay := e.backoff.Next()
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	e.tracker.Record(reason, delay, detail)
	e.limiter.RecordRestart()
	e.state = StateRestarting

	return Decision{
		Action:  ActionRestarted,
		Attempt: e.backoff.Attempt(),
		Delay:   delay,
		Reason:  reason.String(),
	}, true, nil
}

// maybeRecoverLocked resets backoff, tracker, limiter and monitor after a
// sustained running period.
func (s *Supervisor) maybeRecoverLocked(e *entry) {
	if e.state != StateRunning || e.runningSince.IsZero() || e.cfg.RecoveryPeriod <= 0 {
		return
	}
	if s.now().Sub(e.runningSince) < e.cfg.RecoveryPeriod {
		return
	}
	if e.backoff.Attempt() == 0 && e.tracker.Len() == 0 && e.limiter.LimitHits() == 0 {
		return
	}

	e.backoff.Reset()
	e.tracker.ResetOnRecovery()
	e.limiter.MarkRecovered()
	e.monitor.ResetOnRecovery()
	s.logger.Info("component recovered", zap.String("component", string(e.id)))
}

// CheckHealth queries id through the bridge and acts on the monitor's decision.
// Only running components with health checks enabled are checked. The query
// is bounded by the health timeout. An unhealthy component is restarted in
// the background; Wait blocks until that restart is done.
func (s *Supervisor) CheckHealth(ctx context.Context, id wasmactors.ComponentID) (HealthDecision, error) {
	e, err := s.entry(id)
	if err != nil {
		return DecisionUnknown, err
	}

	e.mu.Lock()
	eligible := e.state == StateRunning && e.cfg.Health.Enabled
	timeout := e.cfg.Health.Timeout
	e.mu.Unlock()
	if !eligible {
		return DecisionUnknown, nil
	}
	if timeout <= 0 {
		timeout = DefaultHealthTimeout
	}

	hctx, cancel := context.WithTimeout(ctx, timeout)
	status, herr := s.bridge.HealthCheck(hctx, id)
	cancel()
	if herr != nil {
		status = wasmactors.Unhealthy(herr.Error())
	}

	e.mu.Lock()
	decision := e.monitor.Evaluate(status)
	failures := e.monitor.ConsecutiveFailures()
	if decision == DecisionHealthy {
		s.maybeRecoverLocked(e)
	}
	e.mu.Unlock()

	switch decision {
	case DecisionDegraded:
		s.logger.Warn("component degraded",
			zap.String("component", string(id)),
			zap.Stringer("status", status),
			zap.Uint32("consecutive_failures", failures),
		)
	case DecisionUnhealthy:
		s.logger.Error("component unhealthy, restarting",
			zap.String("component", string(id)),
			zap.Stringer("status", status),
			zap.Uint32("consecutive_failures", failures),
		)
		if !s.restartAsync(e, ReasonHealthCheckFailed, stderrors.New(status.String())) {
			return decision, errors.InvalidState(errors.PhaseSupervisor, string(id), "supervisor is closed")
		}
	}
	return decision, nil
}

// RunHealthChecks checks every component whose interval has elapsed.
// It returns how many components were checked. Each check is bounded by its
// health timeout and restarts it triggers run in the background, so one
// component never holds up the checks of another for longer than that.
func (s *Supervisor) RunHealthChecks(ctx context.Context) int {
	var due []wasmactors.ComponentID
	for _, e := range s.snapshot() {
		e.mu.Lock()
		if e.state == StateRunning && e.cfg.Health.Enabled && e.monitor.ShouldCheck() {
			due = append(due, e.id)
		}
		e.mu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.health)
	for _, id := range due {
		g.Go(func() error {
			if _, err := s.CheckHealth(gctx, id); err != nil {
				s.logger.Warn("health check handling failed", zap.String("component", string(id)), zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(due)
}

// Reset clears restart tracking for id. A failed component becomes stopped
// and can be started again.
func (s *Supervisor) Reset(id wasmactors.ComponentID) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.backoff.Reset()
	e.tracker.Clear()
	e.limiter.Reset()
	e.monitor.ResetOnRecovery()
	if e.state == StateFailed {
		e.state = StateStopped
	}
	return nil
}

// MarkRunning records that id is running without going through Start.
func (s *Supervisor) MarkRunning(id wasmactors.ComponentID) error {
	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.state = StateRunning
	e.runningSince = s.now()
	e.mu.Unlock()
	return nil
}

// State returns the supervision state of id.
func (s *Supervisor) State(id wasmactors.ComponentID) (State, error) {
	e, err := s.entry(id)
	if err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state, nil
}

// History returns up to limit restart records for id, newest first.
func (s *Supervisor) History(id wasmactors.ComponentID, limit int) ([]RestartRecord, error) {
	e, err := s.entry(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tracker.History(limit), nil
}

// IDs returns supervised components in registration order.
func (s *Supervisor) IDs() []wasmactors.ComponentID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.order)
}

func ctxWithOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
