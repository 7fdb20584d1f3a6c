package delivery

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"fieldcam/go-capture-node/internal/metrics"
	"fieldcam/go-capture-node/internal/model"
	"fieldcam/go-capture-node/internal/queue"
)

const keyTimeLayout = "20060102_150405"

// Config sets the target bucket, batch size and retry policy.
type Config struct {
	Bucket    string
	Prefix    string
	BatchSize int
	// RefreshMargin is how long before expiry credentials are considered stale.
	RefreshMargin time.Duration
	UploadTimeout time.Duration
	// UploadRetries is the number of retries after the first attempt.
	UploadRetries int
	RetryInitial  time.Duration
	RetryMax      time.Duration
}

func (c Config) validate() error {
	switch {
	case c.Bucket == "":
		return fmt.Errorf("%w: delivery bucket is required", model.ErrValidation)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive, got %d", model.ErrValidation, c.BatchSize)
	case c.UploadTimeout <= 0:
		return fmt.Errorf("%w: upload timeout must be positive", model.ErrValidation)
	case c.UploadRetries < 0 || c.RefreshMargin < 0 || c.RetryInitial < 0 || c.RetryMax < 0:
		return fmt.Errorf("%w: retry settings must not be negative", model.ErrValidation)
	}
	return nil
}

// Deps are the agent's collaborators. Probe and Ledger may be nil.
type Deps struct {
	Roles    RoleAssumer
	Uploader Uploader
	Queue    Queue
	Probe    Probe
	Ledger   Ledger
	Logger   *slog.Logger
	Now      func() time.Time
}

// Agent owns the credential lifecycle and drains the queue. It is not safe for concurrent use.
type Agent struct {
	cfg      Config
	roles    RoleAssumer
	uploader Uploader
	queue    Queue
	probe    Probe
	ledger   Ledger
	logger   *slog.Logger
	now      func() time.Time

	creds Credentials
}

// New validates cfg and the required collaborators.
func New(cfg Config, deps Deps) (*Agent, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if deps.Roles == nil || deps.Uploader == nil || deps.Queue == nil {
		return nil, fmt.Errorf("%w: delivery needs a role assumer, an uploader and a queue", model.ErrValidation)
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Agent{
		cfg:      cfg,
		roles:    deps.Roles,
		uploader: deps.Uploader,
		queue:    deps.Queue,
		probe:    deps.Probe,
		ledger:   deps.Ledger,
		logger:   deps.Logger,
		now:      deps.Now,
	}, nil
}

// Key returns the object key for an artifact. It depends only on the artifact, so a retried
// upload overwrites the same object.
func (a *Agent) Key(item queue.Artifact) string {
	base := item.CapturedAt.UTC().Format(keyTimeLayout) + "_" + item.Name
	prefix := strings.Trim(a.cfg.Prefix, "/")
	if prefix == "" {
		return base
	}
	return prefix + "/" + base
}

// HasCredentials reports whether usable credentials are held right now.
func (a *Agent) HasCredentials() bool {
	return a.creds.ValidAt(a.now(), a.cfg.RefreshMargin)
}

// Deliver uploads a single artifact, assuming a role first if no valid credentials are held.
// It does not remove the artifact from the queue.
func (a *Agent) Deliver(ctx context.Context, item queue.Artifact) Result {
	creds, err := a.ensureCredentials(ctx)
	if err != nil {
		return Result{Artifact: item, Key: a.Key(item), Outcome: RetryableFailure, Err: err}
	}
	return a.deliver(ctx, creds, item)
}

// Drain delivers up to BatchSize artifacts, oldest first. A retryable failure ends the batch so
// the remaining items keep their place; a fatal failure drops that item and moves on.
func (a *Agent) Drain(ctx context.Context) Report {
	var rep Report

	items, err := a.queue.List()
	if err != nil {
		rep.Aborted, rep.Err = true, err
		a.logger.Error("list pending artifacts", "error", err)
		return rep
	}
	rep.Listed = len(items)
	metrics.QueueDepth.Set(float64(len(items)))
	if len(items) == 0 {
		return rep
	}
	if len(items) > a.cfg.BatchSize {
		items = items[:a.cfg.BatchSize]
	}

	if a.probe != nil && !a.probe.Online(ctx) {
		rep.Aborted, rep.Err = true, fmt.Errorf("%w: uplink offline", model.ErrNetwork)
		a.logger.Info("skipping delivery, uplink offline", "pending", rep.Listed)
		return rep
	}

	creds, err := a.ensureCredentials(ctx)
	if err != nil {
		rep.Aborted, rep.Err = true, err
		a.logger.Warn("delivery cycle aborted", "error", err, "pending", rep.Listed)
		return rep
	}

	for _, item := range items {
		if ctx.Err() != nil {
			rep.Aborted, rep.Err = true, ctx.Err()
			break
		}

		res := a.deliver(ctx, creds, item)
		rep.Attempted++
		rep.Results = append(rep.Results, res)

		switch res.Outcome {
		case Success:
			rep.Delivered++
			if err := a.queue.Remove(item); err != nil {
				// The next cycle re-uploads it under the same key.
				a.logger.Error("remove delivered artifact", "artifact", item.Name, "error", err)
			}
		case FatalFailure:
			rep.Dropped++
			a.logger.Error("dropping artifact", "artifact", item.Name, "error", res.Err)
			if err := a.queue.Remove(item); err != nil {
				a.logger.Error("remove dropped artifact", "artifact", item.Name, "error", err)
			}
			a.recordFailure(ctx, model.FailureDropped, item, res.Err)
		case RetryableFailure:
			rep.Aborted, rep.Err = true, res.Err
			a.logger.Warn("delivery failed, keeping batch for next cycle",
				"artifact", item.Name, "error", res.Err, "remaining", len(items)-rep.Attempted)
			a.recordFailure(ctx, model.FailureDelivery, item, res.Err)
		}
		if rep.Aborted {
			break
		}
	}

	a.logger.Info("delivery cycle finished",
		"listed", rep.Listed, "attempted", rep.Attempted, "delivered", rep.Delivered,
		"dropped", rep.Dropped, "aborted", rep.Aborted)
	return rep
}

func (a *Agent) ensureCredentials(ctx context.Context) (Credentials, error) {
	if a.creds.ValidAt(a.now(), a.cfg.RefreshMargin) {
		return a.creds, nil
	}
	a.creds = Credentials{}

	creds, err := a.roles.AssumeRole(ctx)
	if err != nil {
		metrics.AssumeRole.WithLabelValues("error").Inc()
		if !errors.Is(err, model.ErrAuth) && !errors.Is(err, model.ErrNetwork) {
			err = fmt.Errorf("%w: assume role: %v", model.ErrAuth, err)
		}
		return Credentials{}, err
	}
	if !creds.ValidAt(a.now(), a.cfg.RefreshMargin) {
		metrics.AssumeRole.WithLabelValues("error").Inc()
		return Credentials{}, fmt.Errorf("%w: assumed credentials expire at %s, inside the refresh margin",
			model.ErrAuth, creds.Expires.Format(time.RFC3339))
	}
	metrics.AssumeRole.WithLabelValues("ok").Inc()
	a.logger.Debug("assumed upload role", "expires", creds.Expires)
	a.creds = creds
	return creds, nil
}

func (a *Agent) deliver(ctx context.Context, creds Credentials, item queue.Artifact) Result {
	res := Result{Artifact: item, Key: a.Key(item)}
	defer func() { metrics.Deliveries.WithLabelValues(res.Outcome.String()).Inc() }()

	body, err := os.ReadFile(item.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			res.Outcome, res.Err = FatalFailure, fmt.Errorf("%w: %s", model.ErrArtifactGone, item.Name)
			return res
		}
		res.Outcome, res.Err = RetryableFailure, fmt.Errorf("%w: read %s: %v", model.ErrIO, item.Name, err)
		return res
	}

	sum := sha256.Sum256(body)
	obj := Object{
		Bucket:      a.cfg.Bucket,
		Key:         res.Key,
		Body:        body,
		SHA256:      sum[:],
		ContentType: contentType(item.Name),
	}

	if err := a.upload(ctx, creds, obj); err != nil {
		if errors.Is(err, model.ErrAuth) {
			a.creds = Credentials{}
		}
		res.Outcome, res.Err = RetryableFailure, err
		return res
	}

	res.Outcome = Success
	metrics.UploadedBytes.Add(float64(len(body)))
	a.logger.Info("artifact delivered", "artifact", item.Name, "key", res.Key, "bytes", len(body))
	if a.ledger != nil {
		rec := model.DeliveryRecord{
			Artifact:    item.Name,
			ObjectKey:   res.Key,
			Bytes:       int64(len(body)),
			SHA256:      fmt.Sprintf("%x", sum),
			CapturedAt:  item.CapturedAt,
			DeliveredAt: a.now().UTC(),
		}
		if err := a.ledger.RecordDelivery(ctx, rec); err != nil {
			a.logger.Warn("record delivery", "artifact", item.Name, "error", err)
		}
	}
	return res
}

// upload retries transient failures with exponential backoff. Rejected credentials and a
// cancelled context end the attempt immediately.
func (a *Agent) upload(ctx context.Context, creds Credentials, obj Object) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = a.cfg.RetryInitial
	exp.MaxInterval = a.cfg.RetryMax
	exp.Multiplier = 2
	exp.MaxElapsedTime = 0
	exp.Reset()
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(a.cfg.UploadRetries)), ctx)

	op := func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, a.cfg.UploadTimeout)
		defer cancel()

		start := time.Now()
		err := a.uploader.Upload(attemptCtx, creds, obj)
		metrics.UploadDuration.Observe(time.Since(start).Seconds())
		switch {
		case err == nil:
			return nil
		case errors.Is(err, model.ErrAuth):
			return backoff.Permanent(err)
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("%w: upload %s timed out after %s", model.ErrNetwork, obj.Key, a.cfg.UploadTimeout)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		a.logger.Debug("upload attempt failed, retrying", "key", obj.Key, "error", err, "wait", wait)
	}
	return backoff.RetryNotify(op, policy, notify)
}

func (a *Agent) recordFailure(ctx context.Context, kind string, item queue.Artifact, cause error) {
	if a.ledger == nil {
		return
	}
	rec := model.FailureRecord{Kind: kind, Artifact: item.Name, Error: fmt.Sprint(cause), CreatedAt: a.now().UTC()}
	if err := a.ledger.RecordFailure(ctx, rec); err != nil {
		a.logger.Warn("record failure", "artifact", item.Name, "error", err)
	}
}

func contentType(name string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(name))); t != "" {
		return t
	}
	return "application/octet-stream"
}
