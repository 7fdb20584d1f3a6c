// Package orchestrator runs the node's control loop: capture while the schedule says active,
// drain the queue every tick, and power down through the dormant stretches.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"fieldcam/go-capture-node/internal/capture"
	"fieldcam/go-capture-node/internal/delivery"
	"fieldcam/go-capture-node/internal/metrics"
	"fieldcam/go-capture-node/internal/model"
	"fieldcam/go-capture-node/internal/power"
	"fieldcam/go-capture-node/internal/queue"
	"fieldcam/go-capture-node/internal/schedule"
)

// Phase is the loop's own state, as opposed to the schedule's desired state.
type Phase int

const (
	RunningActive Phase = iota
	RunningDormant
	ShuttingDown
)

func (p Phase) String() string {
	switch p {
	case RunningActive:
		return "RUNNING_ACTIVE"
	case RunningDormant:
		return "RUNNING_DORMANT"
	case ShuttingDown:
		return "SHUTTING_DOWN"
	default:
		return fmt.Sprintf("Phase(%d)", int(p))
	}
}

// Scheduler tells the loop what state the device should be in.
type Scheduler interface {
	State(now time.Time) (schedule.State, error)
	NextTransition(now time.Time) (time.Time, error)
}

// Queue is the part of the pending queue the loop writes to.
type Queue interface {
	ScratchPath(t time.Time, ext string) string
	Enqueue(src string) (queue.Artifact, error)
	Depth() (int, error)
}

// Drainer runs one delivery cycle.
type Drainer interface {
	Drain(ctx context.Context) delivery.Report
}

// FailureRecorder receives capture and enqueue failures. Optional.
type FailureRecorder interface {
	RecordFailure(ctx context.Context, rec model.FailureRecord) error
}

// StatusSink receives a snapshot after every tick. Publish must not block for long.
type StatusSink interface {
	Publish(ctx context.Context, st model.Status)
}

// Config holds the loop timings and power-down policy.
type Config struct {
	DeviceID string
	Site     string

	CaptureInterval time.Duration
	DormantInterval time.Duration
	SleepStep       time.Duration
	ErrorCooldown   time.Duration
	CaptureTimeout  time.Duration

	// PowerDown enables halting the board through long dormant stretches.
	PowerDown       bool
	MinShutdownLead time.Duration
	MinWakeDelay    time.Duration

	Optimize capture.Options
}

func (c Config) validate() error {
	if c.CaptureInterval <= 0 || c.DormantInterval <= 0 || c.SleepStep <= 0 || c.ErrorCooldown <= 0 || c.CaptureTimeout <= 0 {
		return fmt.Errorf("%w: loop intervals and capture timeout must be positive", model.ErrValidation)
	}
	if c.MinShutdownLead < 0 || c.MinWakeDelay < 0 {
		return fmt.Errorf("%w: power-down margins must not be negative", model.ErrValidation)
	}
	return nil
}

// Deps are the loop's collaborators. Optimizer, Failures and Sinks are optional.
type Deps struct {
	Scheduler Scheduler
	Queue     Queue
	Capturer  capture.Capturer
	Optimizer capture.Optimizer
	Agent     Drainer
	Power     power.Controller
	Failures  FailureRecorder
	Sinks     []StatusSink
	Logger    *slog.Logger

	Now func() time.Time
	// Pause blocks for d or until ctx is done. Tests replace it to drive a fake clock.
	Pause func(ctx context.Context, d time.Duration) error
}

// Orchestrator owns the control loop. Only Status may be called from other goroutines.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *slog.Logger

	phase       Phase
	next        time.Time
	ticks       uint64
	lastCapture time.Time
	lastDeliver time.Time
	lastErr     string

	mu     sync.RWMutex
	status model.Status
}

// New validates cfg and the required collaborators.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Scheduler == nil || deps.Queue == nil || deps.Capturer == nil || deps.Agent == nil || deps.Power == nil {
		return nil, fmt.Errorf("%w: orchestrator needs a scheduler, queue, capturer, delivery agent and power controller",
			model.ErrValidation)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Pause == nil {
		deps.Pause = pause
	}
	return &Orchestrator{cfg: cfg, deps: deps, log: deps.Logger, phase: RunningDormant}, nil
}

// Run ticks until ctx is cancelled or the node starts powering down. A failing or panicking
// tick never ends the loop; it is followed by the error cooldown.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.log.Info("control loop started", "device", o.cfg.DeviceID, "site", o.cfg.Site, "power_down", o.cfg.PowerDown)
	for {
		if ctx.Err() != nil {
			o.log.Info("control loop stopped")
			return nil
		}

		phase, err := o.safeTick(ctx)
		wait := o.interval(phase)
		if err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				continue
			}
			metrics.TickErrors.Inc()
			o.lastErr = err.Error()
			o.log.Error("tick failed", "error", err, "cooldown", o.cfg.ErrorCooldown)
			wait = o.cfg.ErrorCooldown
		}
		if phase == ShuttingDown {
			o.log.Info("control loop ended for power-down", "wake_at", o.next)
			return nil
		}

		if err := o.sleep(ctx, wait); err != nil {
			o.log.Info("control loop stopped")
			return nil
		}
	}
}

// Tick runs one iteration of the loop and returns the resulting phase.
func (o *Orchestrator) Tick(ctx context.Context) (Phase, error) {
	now := o.deps.Now()

	state, err := o.deps.Scheduler.State(now)
	if err != nil {
		return o.phase, fmt.Errorf("evaluate schedule: %w", err)
	}
	o.ticks++
	metrics.Ticks.WithLabelValues(state.String()).Inc()

	depth, _ := o.deps.Queue.Depth()
	if state == schedule.Active || depth > 0 {
		o.deps.Power.SetGovernor(ctx, power.Performance)
	}

	if state == schedule.Active {
		o.captureOnce(ctx, now)
	}

	rep := o.deps.Agent.Drain(ctx)
	if rep.Delivered > 0 {
		o.lastDeliver = o.deps.Now()
	}
	if rep.Err != nil && rep.Attempted > 0 {
		o.lastErr = rep.Err.Error()
	}
	o.deps.Power.SetGovernor(ctx, power.OnDemand)

	o.phase = RunningDormant
	if state == schedule.Active {
		o.phase = RunningActive
	}

	next, err := o.deps.Scheduler.NextTransition(now)
	if err != nil {
		o.next = time.Time{}
		o.publish(ctx, state, now)
		return o.phase, fmt.Errorf("next transition: %w", err)
	}
	o.next = next

	if state == schedule.Dormant && o.cfg.PowerDown {
		if lead := next.Sub(now); lead >= o.cfg.MinShutdownLead {
			wake := next
			if earliest := now.Add(o.cfg.MinWakeDelay); wake.Before(earliest) {
				wake = earliest
			}
			o.phase = ShuttingDown
			o.publish(ctx, state, now)
			o.log.Info("powering down until next activation", "wake_at", wake, "lead", lead.Round(time.Second))
			o.deps.Power.ScheduleWakeup(ctx, wake)
			o.deps.Power.Shutdown(ctx)
			return o.phase, nil
		}
		o.log.Debug("next activation too close for power-down", "next", next, "lead", next.Sub(now).Round(time.Second))
	}

	o.publish(ctx, state, now)
	return o.phase, nil
}

// Status returns the latest snapshot.
func (o *Orchestrator) Status() model.Status {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.status
}

func (o *Orchestrator) safeTick(ctx context.Context) (phase Phase, err error) {
	defer func() {
		if r := recover(); r != nil {
			phase, err = o.phase, fmt.Errorf("tick panic: %v", r)
		}
	}()
	return o.Tick(ctx)
}

func (o *Orchestrator) captureOnce(ctx context.Context, now time.Time) {
	raw := o.deps.Queue.ScratchPath(now, "jpg")

	if err := o.capture(ctx, raw); err != nil {
		metrics.Captures.WithLabelValues("error").Inc()
		o.log.Warn("capture failed", "error", err)
		o.lastErr = err.Error()
		_ = os.Remove(raw)
		o.recordFailure(ctx, model.FailureCapture, raw, err)
		return
	}

	final := raw
	if o.deps.Optimizer != nil {
		out, err := o.deps.Optimizer.Optimize(raw, o.cfg.Optimize)
		if err != nil {
			o.log.Warn("optimize failed, queueing the original", "error", err)
		} else {
			final = out
		}
	}

	a, err := o.deps.Queue.Enqueue(final)
	if err != nil {
		metrics.Captures.WithLabelValues("error").Inc()
		o.log.Error("enqueue failed", "path", final, "error", err)
		o.lastErr = err.Error()
		o.recordFailure(ctx, model.FailureEnqueue, final, err)
		// Nothing picks up scratch files later.
		_ = os.Remove(raw)
		if final != raw {
			_ = os.Remove(final)
		}
		return
	}
	if final != raw {
		if err := os.Remove(raw); err != nil {
			o.log.Warn("remove raw capture", "path", raw, "error", err)
		}
	}

	metrics.Captures.WithLabelValues("ok").Inc()
	o.lastCapture = now
	o.log.Info("captured", "artifact", a.Name, "bytes", a.Size)
}

// capture bounds the capturer by CaptureTimeout even when it ignores its context. A capture that
// finishes after the deadline has its output removed.
func (o *Orchestrator) capture(ctx context.Context, path string) error {
	cctx, cancel := context.WithTimeout(ctx, o.cfg.CaptureTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- o.deps.Capturer.Capture(cctx, path) }()

	select {
	case err := <-done:
		return err
	case <-cctx.Done():
		go func() {
			<-done
			_ = os.Remove(path)
		}()
		return fmt.Errorf("capture abandoned: %w", cctx.Err())
	}
}

func (o *Orchestrator) recordFailure(ctx context.Context, kind, artifact string, cause error) {
	if o.deps.Failures == nil {
		return
	}
	rec := model.FailureRecord{Kind: kind, Artifact: artifact, Error: cause.Error(), CreatedAt: o.deps.Now().UTC()}
	if err := o.deps.Failures.RecordFailure(ctx, rec); err != nil {
		o.log.Warn("record failure", "kind", kind, "error", err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, state schedule.State, now time.Time) {
	depth, err := o.deps.Queue.Depth()
	if err != nil {
		o.log.Warn("queue depth", "error", err)
	}
	metrics.QueueDepth.Set(float64(depth))

	st := model.Status{
		DeviceID:       o.cfg.DeviceID,
		Site:           o.cfg.Site,
		Phase:          o.phase.String(),
		State:          state.String(),
		NextTransition: o.next,
		PendingCount:   depth,
		LastCapture:    o.lastCapture,
		LastDelivery:   o.lastDeliver,
		LastError:      o.lastErr,
		Ticks:          o.ticks,
		UpdatedAt:      now,
	}
	o.mu.Lock()
	o.status = st
	o.mu.Unlock()

	for _, sink := range o.deps.Sinks {
		sink.Publish(ctx, st)
	}
}

// interval is the pause after a successful tick. It is cut short when the schedule changes sooner.
func (o *Orchestrator) interval(phase Phase) time.Duration {
	wait := o.cfg.DormantInterval
	if phase == RunningActive {
		wait = o.cfg.CaptureInterval
	}
	if !o.next.IsZero() {
		if until := o.next.Sub(o.deps.Now()); until < wait {
			wait = until
		}
	}
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// sleep waits in SleepStep chunks so cancellation is noticed promptly.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	for d > 0 {
		step := d
		if step > o.cfg.SleepStep {
			step = o.cfg.SleepStep
		}
		if err := o.deps.Pause(ctx, step); err != nil {
			return err
		}
		d -= step
	}
	return nil
}

func pause(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
