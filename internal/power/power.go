// Package power controls the CPU governor, the RTC wake alarm and system shutdown.
package power

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"fieldcam/go-capture-node/internal/sysexec"
)

// Governor is a cpufreq scaling governor.
type Governor string

const (
	Performance Governor = "performance"
	OnDemand    Governor = "ondemand"
)

// Controller applies power decisions. Calls are fire-and-forget: failures are logged, never returned.
type Controller interface {
	SetGovernor(ctx context.Context, g Governor)
	ScheduleWakeup(ctx context.Context, at time.Time)
	Shutdown(ctx context.Context)
}

// System drives cpufreq-set, rtcwake and shutdown.
type System struct {
	Runner sysexec.Runner
	Logger *slog.Logger
	// Timeout bounds each command.
	Timeout time.Duration

	current Governor
}

func NewSystem(logger *slog.Logger) *System {
	return &System{Runner: sysexec.Exec{}, Logger: logger, Timeout: 10 * time.Second}
}

func (s *System) SetGovernor(ctx context.Context, g Governor) {
	if g == s.current {
		return
	}
	if s.run(ctx, "cpufreq-set", "-g", string(g)) {
		s.current = g
		s.logger().Debug("cpu governor set", "governor", g)
	}
}

func (s *System) ScheduleWakeup(ctx context.Context, at time.Time) {
	if s.run(ctx, "rtcwake", "-m", "no", "-t", strconv.FormatInt(at.Unix(), 10)) {
		s.logger().Info("rtc wake alarm set", "at", at)
	}
}

func (s *System) Shutdown(ctx context.Context) {
	s.logger().Info("powering down")
	s.run(ctx, "sync")
	s.run(ctx, "shutdown", "-h", "now")
}

func (s *System) run(ctx context.Context, name string, args ...string) bool {
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	runner := s.Runner
	if runner == nil {
		runner = sysexec.Exec{}
	}
	if _, err := runner.Run(ctx, name, args...); err != nil {
		s.logger().Error("power command failed", "command", name, "error", err)
		return false
	}
	return true
}

func (s *System) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// DryRun logs what it would do. It also records the calls, for tests and the bench.
type DryRun struct {
	Logger *slog.Logger

	Governors []Governor
	Wakeups   []time.Time
	Shutdowns int
}

func (d *DryRun) SetGovernor(_ context.Context, g Governor) {
	d.Governors = append(d.Governors, g)
	d.log("set governor (dry run)", "governor", g)
}

func (d *DryRun) ScheduleWakeup(_ context.Context, at time.Time) {
	d.Wakeups = append(d.Wakeups, at)
	d.log("schedule wakeup (dry run)", "at", at)
}

func (d *DryRun) Shutdown(context.Context) {
	d.Shutdowns++
	d.log("shutdown (dry run)")
}

func (d *DryRun) log(msg string, args ...any) {
	if d.Logger != nil {
		d.Logger.Info(msg, args...)
	}
}
