package schedule

import (
	"fmt"
	"sort"
	"time"

	"fieldcam/go-capture-node/internal/model"
	"fieldcam/go-capture-node/internal/suntime"
)

type window struct {
	start time.Time
	end   time.Time
}

// Build evaluates the sun times for the day before d, d itself and the day after, and turns
// them into a table of active windows [sunrise-preActive, sunset+postActive]. A polar day is
// active from midnight to midnight, a polar night contributes no window. The table starts with
// a Dormant anchor at the beginning of the previous day, so every instant of d is covered, and
// it always retains tomorrow's sunrise.
func Build(loc model.Location, d suntime.Date, preActive, postActive time.Duration) (Table, []suntime.SunTimes, error) {
	if preActive < 0 || postActive < 0 {
		return Table{}, nil, fmt.Errorf("%w: active offsets must not be negative (pre=%s post=%s)",
			model.ErrValidation, preActive, postActive)
	}
	zone, err := loc.Zone()
	if err != nil {
		return Table{}, nil, err
	}

	days := make([]suntime.SunTimes, 0, 3)
	windows := make([]window, 0, 3)
	for offset := -1; offset <= 1; offset++ {
		st, w, ok, err := dayWindow(loc, zone, d.AddDays(offset), preActive, postActive)
		if err != nil {
			return Table{}, nil, err
		}
		days = append(days, st)
		if ok {
			windows = append(windows, w)
		}
	}

	merged := mergeWindows(windows)
	anchor := d.AddDays(-1).Start(zone)

	entries := make([]Entry, 0, 2*len(merged)+1)
	if len(merged) == 0 || merged[0].start.After(anchor) {
		entries = append(entries, Entry{At: anchor, State: Dormant})
	}
	for _, w := range merged {
		entries = append(entries, Entry{At: w.start, State: Active}, Entry{At: w.end, State: Dormant})
	}

	table, err := NewTable(entries)
	if err != nil {
		return Table{}, nil, err
	}
	return table, days, nil
}

// dayWindow returns the active window contributed by one calendar day, if any.
func dayWindow(loc model.Location, zone *time.Location, day suntime.Date, preActive, postActive time.Duration) (suntime.SunTimes, window, bool, error) {
	st, err := suntime.Compute(loc, day)
	if err != nil {
		return suntime.SunTimes{}, window{}, false, err
	}
	switch st.Kind {
	case suntime.Normal:
		return st, window{start: st.Sunrise.Add(-preActive), end: st.Sunset.Add(postActive)}, true, nil
	case suntime.PolarDay:
		return st, window{start: day.Start(zone), end: day.AddDays(1).Start(zone)}, true, nil
	default:
		return st, window{}, false, nil
	}
}

// mergeWindows joins overlapping or touching windows so the resulting instants are strictly increasing.
func mergeWindows(windows []window) []window {
	sort.Slice(windows, func(i, j int) bool { return windows[i].start.Before(windows[j].start) })

	var out []window
	for _, w := range windows {
		if !w.end.After(w.start) {
			continue
		}
		if n := len(out); n > 0 && !w.start.After(out[n-1].end) {
			if w.end.After(out[n-1].end) {
				out[n-1].end = w.end
			}
			continue
		}
		out = append(out, w)
	}
	return out
}
