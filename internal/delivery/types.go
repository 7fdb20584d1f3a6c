// Package delivery moves queued artifacts to the remote object store.
//
// An artifact leaves the local queue only after the store has acknowledged it. Every failure
// mode short of a vanished file leaves the artifact in place for a later cycle.
package delivery

import (
	"context"
	"fmt"
	"time"

	"fieldcam/go-capture-node/internal/model"
	"fieldcam/go-capture-node/internal/queue"
)

// Credentials are short-lived upload credentials. They are kept in memory only.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expires         time.Time
}

// ValidAt reports whether the credentials can still be used at now with margin to spare.
func (c Credentials) ValidAt(now time.Time, margin time.Duration) bool {
	if c.AccessKeyID == "" {
		return false
	}
	return c.Expires.Add(-margin).After(now)
}

// Object is one upload request.
type Object struct {
	Bucket      string
	Key         string
	Body        []byte
	SHA256      []byte
	ContentType string
}

// RoleAssumer exchanges the device's long-lived identity for short-lived credentials.
type RoleAssumer interface {
	AssumeRole(ctx context.Context) (Credentials, error)
}

// Uploader stores an object using previously assumed credentials. Errors wrapping
// model.ErrAuth mean the credentials were rejected.
type Uploader interface {
	Upload(ctx context.Context, creds Credentials, obj Object) error
}

// Queue is the part of the pending queue the agent needs.
type Queue interface {
	List() ([]queue.Artifact, error)
	Remove(a queue.Artifact) error
}

// Probe reports whether the uplink looks usable.
type Probe interface {
	Online(ctx context.Context) bool
}

// Ledger records delivery history. It is optional.
type Ledger interface {
	RecordDelivery(ctx context.Context, rec model.DeliveryRecord) error
	RecordFailure(ctx context.Context, rec model.FailureRecord) error
}

// Outcome classifies a single delivery attempt.
type Outcome int

const (
	// Success means the store acknowledged the object.
	Success Outcome = iota
	// RetryableFailure leaves the artifact queued for a later cycle.
	RetryableFailure
	// FatalFailure drops the artifact; retrying cannot help.
	FatalFailure
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case RetryableFailure:
		return "retryable"
	case FatalFailure:
		return "fatal"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Result is the outcome of delivering one artifact.
type Result struct {
	Artifact queue.Artifact
	Key      string
	Outcome  Outcome
	Err      error
}

// Report summarises one Drain cycle.
type Report struct {
	Listed    int
	Attempted int
	Delivered int
	Dropped   int
	// Aborted is set when the cycle stopped before attempting the whole batch.
	Aborted bool
	Err     error
	Results []Result
}
