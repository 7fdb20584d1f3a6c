package schedule

import (
	"fmt"
	"time"

	"fieldcam/go-capture-node/internal/model"
	"fieldcam/go-capture-node/internal/suntime"
)

// maxLookaheadDays bounds the search for the end of a polar day or night.
const maxLookaheadDays = 370

// Scheduler answers state queries from a table it rebuilds whenever the local calendar date changes.
// It is not safe for concurrent use; the control loop owns it.
type Scheduler struct {
	loc        model.Location
	zone       *time.Location
	preActive  time.Duration
	postActive time.Duration

	built suntime.Date
	table Table
	days  []suntime.SunTimes
}

// New validates the location and offsets. The first table is built lazily on the first query.
func New(loc model.Location, preActive, postActive time.Duration) (*Scheduler, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	if preActive < 0 || postActive < 0 {
		return nil, fmt.Errorf("%w: active offsets must not be negative", model.ErrValidation)
	}
	zone, err := loc.Zone()
	if err != nil {
		return nil, err
	}
	return &Scheduler{loc: loc, zone: zone, preActive: preActive, postActive: postActive}, nil
}

// State returns the desired state at now.
func (s *Scheduler) State(now time.Time) (State, error) {
	if err := s.refresh(now); err != nil {
		return Active, err
	}
	return s.table.StateAt(now), nil
}

// NextTransition returns the next instant after now at which the desired state changes.
func (s *Scheduler) NextTransition(now time.Time) (time.Time, error) {
	if err := s.refresh(now); err != nil {
		return time.Time{}, err
	}
	current := s.table.StateAt(now)

	// Windows are accumulated day by day. An edge is final once it lies before the start of
	// the newest day, since no later day can open a window that early.
	var windows []window
	for offset := -1; offset <= maxLookaheadDays; offset++ {
		day := s.built.AddDays(offset)
		_, w, ok, err := dayWindow(s.loc, s.zone, day, s.preActive, s.postActive)
		if err != nil {
			return time.Time{}, err
		}
		if ok {
			windows = append(windows, w)
		}
		if offset < 1 {
			continue
		}

		bound := day.Start(s.zone)
		for _, m := range mergeWindows(append([]window(nil), windows...)) {
			if m.start.After(now) && m.start.Before(bound) && current == Dormant {
				return m.start, nil
			}
			if m.end.After(now) && m.end.Before(bound) && current == Active {
				return m.end, nil
			}
		}
	}
	return time.Time{}, fmt.Errorf("no state change within %d days of %s", maxLookaheadDays, now.Format(time.RFC3339))
}

// Table returns the table built for the most recent query date.
func (s *Scheduler) Table() Table { return s.table }

// SunTimes returns the sun times (yesterday, today, tomorrow) behind the current table.
func (s *Scheduler) SunTimes() []suntime.SunTimes {
	return append([]suntime.SunTimes(nil), s.days...)
}

// BuiltFor returns the local date the current table was built for.
func (s *Scheduler) BuiltFor() suntime.Date { return s.built }

func (s *Scheduler) refresh(now time.Time) error {
	today := suntime.DateOf(now, s.zone)
	if !s.built.IsZero() && today == s.built {
		return nil
	}
	table, days, err := Build(s.loc, today, s.preActive, s.postActive)
	if err != nil {
		return fmt.Errorf("build schedule for %s: %w", today, err)
	}
	s.table, s.days, s.built = table, days, today
	return nil
}
