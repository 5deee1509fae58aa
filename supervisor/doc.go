// Package supervisor decides when failed components come back.
//
// Each supervised component owns four pieces of restart state:
//
//	Backoff         exponential delay, base 100ms, capped at 5s, ±10% jitter
//	RestartTracker  ring buffer of the last 100 restarts
//	WindowLimiter   at most 5 restarts per 60s, permanent after 5 denials
//	HealthMonitor   unhealthy after 3 consecutive failed checks
//
// On a failure the Supervisor applies the restart policy, asks the limiter,
// takes the next backoff delay, records the restart and then waits before
// restarting through a Bridge. The wait honors context cancellation.
// A sustained running period resets all four together.
//
// The Supervisor never touches actors directly. A runtime implements Bridge:
//
//	sup := supervisor.New(rt, supervisor.Options{Logger: log})
//	_ = sup.Supervise("billing", supervisor.DefaultConfig())
//	_ = sup.Start(ctx, "billing")
package supervisor
