package schedule

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldcam/go-capture-node/internal/model"
	"fieldcam/go-capture-node/internal/suntime"
)

var (
	wallingford = model.Location{Latitude: 51.6023, Longitude: -1.1125, Timezone: "Europe/London"}
	tromso      = model.Location{Latitude: 69.65, Longitude: 18.96, Timezone: "Europe/Oslo"}
)

const offset = 15 * time.Minute

func local(t *testing.T, loc model.Location, y int, m time.Month, d, hh, mm int) time.Time {
	t.Helper()
	zone, err := loc.Zone()
	require.NoError(t, err)
	return time.Date(y, m, d, hh, mm, 0, 0, zone)
}

func newScheduler(t *testing.T, loc model.Location) *Scheduler {
	t.Helper()
	s, err := New(loc, offset, offset)
	require.NoError(t, err)
	return s
}

func TestBuild_SummerDay(t *testing.T) {
	table, days, err := Build(wallingford, suntime.Date{Year: 2024, Month: time.June, Day: 21}, offset, offset)
	require.NoError(t, err)
	require.Len(t, days, 3)

	assert.Equal(t, Active, table.StateAt(local(t, wallingford, 2024, time.June, 21, 12, 0)))
	assert.Equal(t, Dormant, table.StateAt(local(t, wallingford, 2024, time.June, 21, 3, 0)))
	assert.Equal(t, Dormant, table.StateAt(local(t, wallingford, 2024, time.June, 21, 23, 30)))

	today := days[1]
	assert.Equal(t, Active, table.StateAt(today.Sunrise.Add(-offset)))
	assert.Equal(t, Dormant, table.StateAt(today.Sunrise.Add(-offset-time.Second)))
	assert.Equal(t, Active, table.StateAt(today.Sunset.Add(offset-time.Second)))
	assert.Equal(t, Dormant, table.StateAt(today.Sunset.Add(offset)))
}

func TestBuild_WinterNight(t *testing.T) {
	table, _, err := Build(wallingford, suntime.Date{Year: 2024, Month: time.December, Day: 21}, offset, offset)
	require.NoError(t, err)

	assert.Equal(t, Dormant, table.StateAt(local(t, wallingford, 2024, time.December, 21, 3, 0)))
	assert.Equal(t, Active, table.StateAt(local(t, wallingford, 2024, time.December, 21, 12, 0)))
}

func TestBuild_RetainsTomorrowsSunrise(t *testing.T) {
	table, days, err := Build(wallingford, suntime.Date{Year: 2024, Month: time.June, Day: 21}, offset, offset)
	require.NoError(t, err)

	tomorrow := days[2].Sunrise.Add(-offset)
	var found bool
	for _, e := range table.Entries() {
		if e.At.Equal(tomorrow) {
			found = true
			assert.Equal(t, Active, e.State)
		}
	}
	assert.True(t, found, "tomorrow's activation %s missing from table", tomorrow)

	next, ok := table.NextChange(local(t, wallingford, 2024, time.June, 21, 22, 30))
	require.True(t, ok)
	assert.Equal(t, tomorrow, next)
}

func TestBuild_EntriesStrictlyIncreasing(t *testing.T) {
	for _, loc := range []model.Location{wallingford, tromso} {
		for _, d := range []suntime.Date{
			{Year: 2024, Month: time.March, Day: 31},
			{Year: 2024, Month: time.June, Day: 21},
			{Year: 2024, Month: time.October, Day: 27},
			{Year: 2024, Month: time.December, Day: 21},
		} {
			table, _, err := Build(loc, d, offset, offset)
			require.NoError(t, err)
			entries := table.Entries()
			for i := 1; i < len(entries); i++ {
				assert.True(t, entries[i].At.After(entries[i-1].At), "%s %s entry %d", loc.Timezone, d, i)
			}
		}
	}
}

func TestBuild_Polar(t *testing.T) {
	summer, days, err := Build(tromso, suntime.Date{Year: 2024, Month: time.June, Day: 21}, offset, offset)
	require.NoError(t, err)
	assert.Equal(t, suntime.PolarDay, days[1].Kind)
	for hour := 0; hour < 24; hour += 3 {
		assert.Equal(t, Active, summer.StateAt(local(t, tromso, 2024, time.June, 21, hour, 0)))
	}

	winter, days, err := Build(tromso, suntime.Date{Year: 2024, Month: time.December, Day: 21}, offset, offset)
	require.NoError(t, err)
	assert.Equal(t, suntime.PolarNight, days[1].Kind)
	for hour := 0; hour < 24; hour += 3 {
		assert.Equal(t, Dormant, winter.StateAt(local(t, tromso, 2024, time.December, 21, hour, 0)))
	}
}

func TestBuild_RejectsNegativeOffsets(t *testing.T) {
	_, _, err := Build(wallingford, suntime.Date{Year: 2024, Month: time.June, Day: 21}, -time.Minute, 0)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(model.Location{Latitude: 95, Timezone: "UTC"}, offset, offset)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = New(wallingford, offset, -offset)
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = New(model.Location{Latitude: math.NaN(), Timezone: "UTC"}, offset, offset)
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestScheduler_RebuildsOnDateChange(t *testing.T) {
	s := newScheduler(t, wallingford)

	state, err := s.State(local(t, wallingford, 2024, time.June, 21, 12, 0))
	require.NoError(t, err)
	assert.Equal(t, Active, state)
	assert.Equal(t, suntime.Date{Year: 2024, Month: time.June, Day: 21}, s.BuiltFor())

	state, err = s.State(local(t, wallingford, 2024, time.June, 22, 2, 0))
	require.NoError(t, err)
	assert.Equal(t, Dormant, state)
	assert.Equal(t, suntime.Date{Year: 2024, Month: time.June, Day: 22}, s.BuiltFor())
	require.Len(t, s.SunTimes(), 3)
	assert.Equal(t, suntime.Date{Year: 2024, Month: time.June, Day: 22}, s.SunTimes()[1].Date)
}

func TestScheduler_NextTransition(t *testing.T) {
	s := newScheduler(t, wallingford)

	evening := local(t, wallingford, 2024, time.June, 21, 22, 30)
	next, err := s.NextTransition(evening)
	require.NoError(t, err)

	tomorrow, err := suntime.Compute(wallingford, suntime.Date{Year: 2024, Month: time.June, Day: 22})
	require.NoError(t, err)
	assert.Equal(t, tomorrow.Sunrise.Add(-offset), next)

	noon := local(t, wallingford, 2024, time.June, 21, 12, 0)
	next, err = s.NextTransition(noon)
	require.NoError(t, err)
	today, err := suntime.Compute(wallingford, suntime.Date{Year: 2024, Month: time.June, Day: 21})
	require.NoError(t, err)
	assert.Equal(t, today.Sunset.Add(offset), next)
}

func TestScheduler_NextTransitionAcrossPolarNight(t *testing.T) {
	s := newScheduler(t, tromso)
	now := local(t, tromso, 2024, time.December, 21, 12, 0)

	next, err := s.NextTransition(now)
	require.NoError(t, err)
	assert.True(t, next.After(local(t, tromso, 2025, time.January, 1, 0, 0)), "got %s", next)
	assert.True(t, next.Before(local(t, tromso, 2025, time.February, 1, 0, 0)), "got %s", next)

	state, err := newScheduler(t, tromso).State(next)
	require.NoError(t, err)
	assert.Equal(t, Active, state)
}

func TestScheduler_NextTransitionAcrossPolarDay(t *testing.T) {
	s := newScheduler(t, tromso)
	now := local(t, tromso, 2024, time.June, 21, 12, 0)

	next, err := s.NextTransition(now)
	require.NoError(t, err)
	assert.True(t, next.After(local(t, tromso, 2024, time.July, 1, 0, 0)), "got %s", next)
	assert.True(t, next.Before(local(t, tromso, 2024, time.August, 15, 0, 0)), "got %s", next)

	state, err := newScheduler(t, tromso).State(next)
	require.NoError(t, err)
	assert.Equal(t, Dormant, state)
}
