// Package schedule decides whether the device should be ACTIVE or DORMANT at a given instant.
package schedule

import (
	"fmt"
	"sort"
	"time"

	"fieldcam/go-capture-node/internal/model"
)

// State is the duty-cycle state of the device.
type State int

const (
	// Active permits capture.
	Active State = iota
	// Dormant minimises power draw.
	Dormant
)

func (s State) String() string {
	switch s {
	case Active:
		return "ACTIVE"
	case Dormant:
		return "DORMANT"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Entry switches the device to State at instant At.
type Entry struct {
	At    time.Time `json:"at"`
	State State     `json:"state"`
}

// Table is an immutable list of entries with strictly increasing instants.
type Table struct {
	entries []Entry
}

// NewTable validates entries and returns a table holding a private copy of them.
// Entries are never reordered: out-of-order or duplicate instants are rejected.
func NewTable(entries []Entry) (Table, error) {
	for i, e := range entries {
		if e.State != Active && e.State != Dormant {
			return Table{}, fmt.Errorf("%w: schedule entry %d has unknown state %d", model.ErrValidation, i, int(e.State))
		}
		if e.At.IsZero() {
			return Table{}, fmt.Errorf("%w: schedule entry %d has no instant", model.ErrValidation, i)
		}
		if i > 0 && !e.At.After(entries[i-1].At) {
			return Table{}, fmt.Errorf("%w: schedule entry %d at %s is not after entry %d at %s",
				model.ErrValidation, i, e.At.Format(time.RFC3339), i-1, entries[i-1].At.Format(time.RFC3339))
		}
	}
	return Table{entries: append([]Entry(nil), entries...)}, nil
}

// Entries returns a copy of the table's entries.
func (t Table) Entries() []Entry {
	return append([]Entry(nil), t.entries...)
}

// Len returns the number of entries.
func (t Table) Len() int { return len(t.entries) }

// StateAt returns the state of the last entry at or before now, or Active when there is none.
func (t Table) StateAt(now time.Time) State {
	i := t.firstAfter(now)
	if i == 0 {
		return Active
	}
	return t.entries[i-1].State
}

// NextChange returns the first instant after now at which the state differs from StateAt(now).
func (t Table) NextChange(now time.Time) (time.Time, bool) {
	current := t.StateAt(now)
	for i := t.firstAfter(now); i < len(t.entries); i++ {
		if t.entries[i].State != current {
			return t.entries[i].At, true
		}
	}
	return time.Time{}, false
}

func (t Table) firstAfter(now time.Time) int {
	return sort.Search(len(t.entries), func(i int) bool { return t.entries[i].At.After(now) })
}
