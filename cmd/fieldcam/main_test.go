package main

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldcam/go-capture-node/internal/model"
	"fieldcam/go-capture-node/internal/queue"
	"fieldcam/go-capture-node/internal/suntime"
)

func TestLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logLevel("DEBUG").Level())
	assert.Equal(t, slog.LevelWarn, logLevel("warn").Level())
	assert.Equal(t, slog.LevelError, logLevel("error").Level())
	assert.Equal(t, slog.LevelInfo, logLevel("verbose").Level())
}

func TestPrintSchedule(t *testing.T) {
	loc := model.Location{Latitude: 51.6023, Longitude: -1.1125, Timezone: "Europe/London"}
	zone, err := loc.Zone()
	require.NoError(t, err)
	now := time.Date(2024, time.June, 21, 12, 0, 0, 0, zone)

	var buf bytes.Buffer
	require.NoError(t, printSchedule(&buf, loc, suntime.DateOf(now, zone), 15*time.Minute, 15*time.Minute, now))

	out := buf.String()
	assert.Contains(t, out, "2024-06-21")
	assert.Contains(t, out, "NORMAL")
	assert.Contains(t, out, "ACTIVE")
	assert.Contains(t, out, "DORMANT")
	assert.Contains(t, out, "now")
}

func TestPrintSchedulePolarNight(t *testing.T) {
	loc := model.Location{Latitude: 69.65, Longitude: 18.96, Timezone: "Europe/Oslo"}
	now := time.Date(2024, time.June, 1, 12, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	require.NoError(t, printSchedule(&buf, loc, suntime.Date{Year: 2024, Month: time.December, Day: 21},
		15*time.Minute, 15*time.Minute, now))

	out := buf.String()
	assert.Contains(t, out, "POLAR_NIGHT")
	assert.NotContains(t, out, "\nnow")
}

func TestPrintQueue(t *testing.T) {
	at := time.Date(2024, time.June, 21, 11, 0, 0, 0, time.UTC)
	items := []queue.Artifact{
		{Name: queue.NewName(at, "jpg"), CapturedAt: at, Size: 100},
		{Name: queue.NewName(at.Add(time.Minute), "jpg"), CapturedAt: at.Add(time.Minute), Size: 50},
	}

	var buf bytes.Buffer
	require.NoError(t, printQueue(&buf, items, false))
	assert.Contains(t, buf.String(), "2 pending, 150 bytes")
	assert.Equal(t, 5, strings.Count(buf.String(), "\n"))

	buf.Reset()
	require.NoError(t, printQueue(&buf, nil, true))
	var decoded []queue.Artifact
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.NotNil(t, decoded)
	assert.Empty(t, decoded)
}
