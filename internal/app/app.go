package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fieldcam/go-capture-node/internal/capture"
	"fieldcam/go-capture-node/internal/config"
	"fieldcam/go-capture-node/internal/delivery"
	"fieldcam/go-capture-node/internal/metrics"
	"fieldcam/go-capture-node/internal/model"
	"fieldcam/go-capture-node/internal/netcheck"
	"fieldcam/go-capture-node/internal/objectstore"
	"fieldcam/go-capture-node/internal/orchestrator"
	"fieldcam/go-capture-node/internal/power"
	"fieldcam/go-capture-node/internal/queue"
	"fieldcam/go-capture-node/internal/schedule"
	"fieldcam/go-capture-node/internal/store"
	"fieldcam/go-capture-node/internal/telemetry"
)

const (
	pruneInterval = 6 * time.Hour
	shutdownGrace = 5 * time.Second
)

// Backend is the remote side of delivery.
type Backend interface {
	delivery.RoleAssumer
	delivery.Uploader
}

// App wires together the capture node's services and manages their lifecycle.
type App struct {
	cfg    config.Config
	logger *slog.Logger
	now    func() time.Time

	store     *store.Store
	queue     *queue.Queue
	scheduler *schedule.Scheduler
	agent     *delivery.Agent
	orch      *orchestrator.Orchestrator
	reporter  *telemetry.Reporter
	mdns      *zeroconf.Server
}

// Option adjusts construction, mostly for tests and the CLI.
type Option func(*options)

type options struct {
	backend  Backend
	probe    delivery.Probe
	capturer capture.Capturer
	power    power.Controller
	now      func() time.Time
}

// WithBackend replaces the store selected by configuration.
func WithBackend(b Backend) Option { return func(o *options) { o.backend = b } }

// WithProbe replaces the connectivity probe.
func WithProbe(p delivery.Probe) Option { return func(o *options) { o.probe = p } }

// WithCapturer replaces the camera selected by configuration.
func WithCapturer(c capture.Capturer) Option { return func(o *options) { o.capturer = c } }

// WithPower replaces the power controller.
func WithPower(p power.Controller) Option { return func(o *options) { o.power = p } }

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// New opens the ledger and queue and builds every component. Close releases them.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.now == nil {
		o.now = time.Now
	}

	a := &App{cfg: cfg, logger: logger, now: o.now}

	db, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	if err := db.InitSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", model.ErrIO, err)
	}
	a.store = db

	if err := a.build(ctx, o); err != nil {
		_ = db.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context, o options) error {
	cfg := a.cfg

	q, err := queue.New(cfg.QueueDir(), cfg.ScratchDir())
	if err != nil {
		return err
	}
	a.queue = q

	sched, err := schedule.New(cfg.Location(), cfg.PreActive, cfg.PostActive)
	if err != nil {
		return err
	}
	a.scheduler = sched

	backend := o.backend
	if backend == nil {
		if backend, err = a.backend(ctx); err != nil {
			return err
		}
	}

	probe := o.probe
	if probe == nil {
		if cfg.StoreMode == config.StoreDir || cfg.ProbeURL == "" {
			probe = netcheck.Always{}
		} else {
			probe = netcheck.NewHTTPProbe(cfg.ProbeURL, cfg.ProbeTimeout, a.logger.With("component", "netcheck"))
		}
	}

	agent, err := delivery.New(delivery.Config{
		Bucket:        cfg.Bucket,
		Prefix:        cfg.KeyPrefix,
		BatchSize:     cfg.BatchSize,
		RefreshMargin: cfg.RefreshMargin,
		UploadTimeout: cfg.UploadTimeout,
		UploadRetries: cfg.UploadRetries,
		RetryInitial:  cfg.RetryInitial,
		RetryMax:      cfg.RetryMax,
	}, delivery.Deps{
		Roles:    backend,
		Uploader: backend,
		Queue:    q,
		Probe:    probe,
		Ledger:   a.store,
		Logger:   a.logger.With("component", "delivery"),
		Now:      a.now,
	})
	if err != nil {
		return err
	}
	a.agent = agent

	capturer := o.capturer
	if capturer == nil {
		capturer = a.capturer()
	}
	ctrl := o.power
	if ctrl == nil {
		if cfg.DryRunPower {
			ctrl = &power.DryRun{Logger: a.logger.With("component", "power")}
		} else {
			ctrl = power.NewSystem(a.logger.With("component", "power"))
		}
	}

	sinks := []orchestrator.StatusSink{ledgerSink{store: a.store, logger: a.logger}}
	if cfg.MQTTBroker != "" {
		a.reporter = telemetry.NewReporter(telemetry.Config{
			Broker:      cfg.MQTTBroker,
			ClientID:    fmt.Sprintf("fieldcam-%s-%s", cfg.DeviceID, uuid.NewString()[:8]),
			Topic:       cfg.MQTTTopic,
			QoS:         1,
			MinInterval: cfg.MQTTMinInterval,
		}, a.logger.With("component", "telemetry"))
		sinks = append(sinks, a.reporter)
	}

	var optimizer capture.Optimizer
	if cfg.Optimize {
		optimizer = capture.JPEGOptimizer{}
	}

	orch, err := orchestrator.New(orchestrator.Config{
		DeviceID:        cfg.DeviceID,
		Site:            cfg.Site,
		CaptureInterval: cfg.CaptureInterval,
		DormantInterval: cfg.DormantInterval,
		SleepStep:       cfg.SleepStep,
		ErrorCooldown:   cfg.ErrorCooldown,
		CaptureTimeout:  cfg.CaptureTimeout,
		PowerDown:       cfg.PowerDown,
		MinShutdownLead: cfg.MinShutdownLead,
		MinWakeDelay:    cfg.MinWakeDelay,
		Optimize: capture.Options{
			MaxWidth:  cfg.MaxWidth,
			MaxHeight: cfg.MaxHeight,
			Quality:   cfg.OptimizeQuality,
			OutputDir: cfg.OptimizedDir(),
		},
	}, orchestrator.Deps{
		Scheduler: sched,
		Queue:     q,
		Capturer:  capturer,
		Optimizer: optimizer,
		Agent:     agent,
		Power:     ctrl,
		Failures:  a.store,
		Sinks:     sinks,
		Logger:    a.logger.With("component", "orchestrator"),
		Now:       a.now,
	})
	if err != nil {
		return err
	}
	a.orch = orch
	return nil
}

func (a *App) backend(ctx context.Context) (Backend, error) {
	cfg := a.cfg
	switch cfg.StoreMode {
	case config.StoreDir:
		return objectstore.NewDirStore(cfg.MirrorDir)
	default:
		return objectstore.NewS3Store(ctx, objectstore.S3Config{
			Region:          cfg.AWSRegion,
			Bucket:          cfg.Bucket,
			RoleARN:         cfg.RoleARN,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			SessionName:     cfg.SessionName,
			SessionDuration: cfg.SessionDuration,
			Endpoint:        cfg.S3Endpoint,
			HTTPTimeout:     cfg.AWSHTTPTimeout,
		})
	}
}

func (a *App) capturer() capture.Capturer {
	cfg := a.cfg
	if cfg.CameraMode == config.CameraSynthetic {
		return capture.Synthetic{Width: cfg.ImageWidth, Height: cfg.ImageHeight, Now: a.now}
	}
	return capture.Libcamera{
		Binary:  cfg.CameraBinary,
		Width:   cfg.ImageWidth,
		Height:  cfg.ImageHeight,
		Quality: cfg.ImageQuality,
	}
}

// Close releases the ledger.
func (a *App) Close() error {
	if a.store == nil {
		return nil
	}
	err := a.store.Close()
	a.store = nil
	return err
}

// Queue exposes the pending queue to the CLI.
func (a *App) Queue() *queue.Queue { return a.queue }

// Drain runs one delivery cycle outside the control loop. It must not be called while Run is active.
func (a *App) Drain(ctx context.Context) delivery.Report {
	return a.agent.Drain(ctx)
}

// Run starts all configured services and blocks until the context is cancelled, the control loop
// hands over to power-down, or a server fails.
func (a *App) Run(ctx context.Context) error {
	defer func() {
		if cerr := a.Close(); cerr != nil {
			a.logger.Error("close store", "error", cerr)
		}
	}()

	a.logResume(ctx)

	if a.reporter != nil {
		a.reporter.Connect(ctx)
		defer a.reporter.Close()
	}

	httpErrCh := make(chan error, 2)
	servers := []*http.Server{{
		Addr:              fmt.Sprintf(":%d", a.cfg.HTTPPort),
		Handler:           a.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if a.cfg.MetricsPort > 0 && a.cfg.MetricsPort != a.cfg.HTTPPort {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		servers = append(servers, &http.Server{
			Addr:              fmt.Sprintf(":%d", a.cfg.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}
	for _, srv := range servers {
		go func(srv *http.Server) {
			a.logger.Info("http server started", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrCh <- fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
		}(srv)
	}
	shutdownHTTP := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				a.logger.Error("http server shutdown", "addr", srv.Addr, "error", err)
			}
		}
		a.logger.Info("http servers stopped")
	}

	if a.cfg.MDNS {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement unavailable", "error", err)
		}
		defer a.stopMDNS()
	}

	loopCtx, stopLoop := context.WithCancel(ctx)
	defer stopLoop()
	loopDone := make(chan error, 1)
	go func() { loopDone <- a.orch.Run(loopCtx) }()

	pruneTicker := time.NewTicker(pruneInterval)
	defer pruneTicker.Stop()
	a.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			<-loopDone
			shutdownHTTP()
			return nil
		case err := <-loopDone:
			// The loop only returns on its own to hand the board over to shutdown.
			shutdownHTTP()
			return err
		case err := <-httpErrCh:
			stopLoop()
			<-loopDone
			shutdownHTTP()
			return err
		case <-pruneTicker.C:
			a.prune(ctx)
		}
	}
}

func (a *App) logResume(ctx context.Context) {
	readCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	last, ok, err := a.store.LastStatus(readCtx)
	switch {
	case err != nil:
		a.logger.Warn("failed to read last status", "error", err)
	case ok:
		a.logger.Info("resuming", "last_phase", last.Phase, "last_update", last.UpdatedAt, "pending_then", last.PendingCount)
	}
	if depth, err := a.queue.Depth(); err == nil {
		metrics.QueueDepth.Set(float64(depth))
		a.logger.Info("pending queue opened", "dir", a.queue.Dir(), "depth", depth)
	}
}

func (a *App) prune(ctx context.Context) {
	if a.cfg.LedgerRetention <= 0 {
		return
	}
	pruneCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	n, err := a.store.Prune(pruneCtx, a.now().Add(-a.cfg.LedgerRetention))
	if err != nil {
		a.logger.Error("failed to prune ledger", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("pruned ledger", "rows", n)
	}
}

// ledgerSink keeps the latest status in the ledger so it survives a power cycle.
type ledgerSink struct {
	store  *store.Store
	logger *slog.Logger
}

func (s ledgerSink) Publish(ctx context.Context, st model.Status) {
	saveCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := s.store.SaveStatus(saveCtx, st); err != nil {
		s.logger.Error("failed to persist status", "error", err)
	}
}
