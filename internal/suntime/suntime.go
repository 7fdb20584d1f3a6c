// Package suntime computes sunrise, sunset and civil twilight for a location and calendar date.
//
// The computation is a pure function of its inputs: callers pass the date explicitly and the
// package never reads the wall clock. Dates on which the sun never crosses the horizon are
// reported as PolarDay or PolarNight instead of substituting a default time.
package suntime

import (
	"fmt"
	"math"
	"time"

	"fieldcam/go-capture-node/internal/model"
)

// Kind classifies the sun's behaviour on a given date.
type Kind int

const (
	// Normal days have both a sunrise and a sunset.
	Normal Kind = iota
	// PolarDay means the sun stays above the horizon all day.
	PolarDay
	// PolarNight means the sun stays below the horizon all day.
	PolarNight
)

func (k Kind) String() string {
	switch k {
	case Normal:
		return "NORMAL"
	case PolarDay:
		return "POLAR_DAY"
	case PolarNight:
		return "POLAR_NIGHT"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// SunTimes holds the solar events of one calendar date in the location's timezone.
// Sunrise and Sunset are zero unless Kind is Normal. Dawn and Dusk are zero when the
// sun does not cross civil twilight altitude on that date.
type SunTimes struct {
	Date    Date      `json:"date"`
	Kind    Kind      `json:"kind"`
	Dawn    time.Time `json:"dawn,omitempty"`
	Sunrise time.Time `json:"sunrise,omitempty"`
	Noon    time.Time `json:"noon"`
	Sunset  time.Time `json:"sunset,omitempty"`
	Dusk    time.Time `json:"dusk,omitempty"`
}

const (
	// Apparent altitude of the sun's upper limb at rise/set, refraction included.
	horizonAltitude = -0.833
	civilAltitude   = -6.0

	obliquity       = 23.4397
	julianJ2000     = 2451545.0
	julianUnixEpoch = 2440587.5
	secondsPerDay   = 86400
)

// Compute returns the solar events for date d at loc.
func Compute(loc model.Location, d Date) (SunTimes, error) {
	if err := loc.Validate(); err != nil {
		return SunTimes{}, err
	}
	if err := d.Validate(); err != nil {
		return SunTimes{}, err
	}
	zone, err := loc.Zone()
	if err != nil {
		return SunTimes{}, err
	}

	// Mean solar time at the observer's meridian, in days since J2000.0.
	jStar := float64(d.daysSinceJ2000()) - loc.Longitude/360

	meanAnomaly := normalizeDegrees(357.5291 + 0.98560028*jStar)
	m := radians(meanAnomaly)
	center := 1.9148*math.Sin(m) + 0.0200*math.Sin(2*m) + 0.0003*math.Sin(3*m)
	eclipticLongitude := radians(normalizeDegrees(meanAnomaly + center + 180 + 102.9372))

	transit := julianJ2000 + jStar + 0.0053*math.Sin(m) - 0.0069*math.Sin(2*eclipticLongitude)
	declination := math.Asin(math.Sin(eclipticLongitude) * math.Sin(radians(obliquity)))

	st := SunTimes{Date: d, Kind: Normal, Noon: fromJulian(transit, zone)}

	cosHorizon := hourAngleCosine(loc.Latitude, declination, horizonAltitude)
	switch {
	case cosHorizon < -1:
		st.Kind = PolarDay
	case cosHorizon > 1:
		st.Kind = PolarNight
	default:
		w := degrees(math.Acos(cosHorizon)) / 360
		st.Sunrise = fromJulian(transit-w, zone)
		st.Sunset = fromJulian(transit+w, zone)
	}

	if cosCivil := hourAngleCosine(loc.Latitude, declination, civilAltitude); cosCivil >= -1 && cosCivil <= 1 {
		w := degrees(math.Acos(cosCivil)) / 360
		st.Dawn = fromJulian(transit-w, zone)
		st.Dusk = fromJulian(transit+w, zone)
	}

	return st, nil
}

// hourAngleCosine returns cos(ω) for the sun reaching altitude at latitude. Values outside
// [-1,1] mean the altitude is never crossed on that day.
func hourAngleCosine(latitude, declination, altitude float64) float64 {
	phi := radians(latitude)
	return (math.Sin(radians(altitude)) - math.Sin(phi)*math.Sin(declination)) /
		(math.Cos(phi) * math.Cos(declination))
}

func fromJulian(j float64, zone *time.Location) time.Time {
	secs := (j - julianUnixEpoch) * secondsPerDay
	return time.Unix(int64(math.Round(secs)), 0).In(zone)
}

func normalizeDegrees(v float64) float64 {
	v = math.Mod(v, 360)
	if v < 0 {
		v += 360
	}
	return v
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }

// MarshalText renders the kind by name.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }
