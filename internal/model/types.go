package model

import (
	"fmt"
	"time"
)

// Location describes where the device is mounted. It is never mutated after construction.
type Location struct {
	Latitude  float64 `json:"latitude" yaml:"latitude"`
	Longitude float64 `json:"longitude" yaml:"longitude"`
	Timezone  string  `json:"timezone" yaml:"timezone"`
}

// Validate checks coordinate ranges and that the timezone resolves.
func (l Location) Validate() error {
	// Written as negated ranges so NaN is rejected too.
	if !(l.Latitude >= -90 && l.Latitude <= 90) {
		return fmt.Errorf("%w: latitude %v out of range [-90,90]", ErrValidation, l.Latitude)
	}
	if !(l.Longitude >= -180 && l.Longitude <= 180) {
		return fmt.Errorf("%w: longitude %v out of range [-180,180]", ErrValidation, l.Longitude)
	}
	if _, err := l.Zone(); err != nil {
		return err
	}
	return nil
}

// Zone resolves the IANA timezone of the location.
func (l Location) Zone() (*time.Location, error) {
	if l.Timezone == "" {
		return nil, fmt.Errorf("%w: timezone is required", ErrValidation)
	}
	zone, err := time.LoadLocation(l.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", ErrValidation, l.Timezone, err)
	}
	return zone, nil
}

// DeliveryRecord captures one artifact acknowledged by the remote store.
type DeliveryRecord struct {
	Artifact    string    `json:"artifact"`
	ObjectKey   string    `json:"object_key"`
	Bytes       int64     `json:"bytes"`
	SHA256      string    `json:"sha256"`
	CapturedAt  time.Time `json:"captured_at"`
	DeliveredAt time.Time `json:"delivered_at"`
}

// FailureRecord captures a capture or delivery problem worth keeping after a power cycle.
type FailureRecord struct {
	Kind      string    `json:"kind"`
	Artifact  string    `json:"artifact,omitempty"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"created_at"`
}

// Failure kinds stored in the ledger.
const (
	FailureCapture  = "capture"
	FailureEnqueue  = "enqueue"
	FailureDelivery = "delivery"
	FailureDropped  = "dropped"
)

// Status is the snapshot published after every tick of the control loop.
type Status struct {
	DeviceID       string    `json:"device_id"`
	Site           string    `json:"site,omitempty"`
	Phase          string    `json:"phase"`
	State          string    `json:"state"`
	NextTransition time.Time `json:"next_transition,omitempty"`
	PendingCount   int       `json:"pending_count"`
	LastCapture    time.Time `json:"last_capture,omitempty"`
	LastDelivery   time.Time `json:"last_delivery,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
	Ticks          uint64    `json:"ticks"`
	UpdatedAt      time.Time `json:"updated_at"`
}
