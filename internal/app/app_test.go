package app

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldcam/go-capture-node/internal/config"
	"fieldcam/go-capture-node/internal/model"
	"fieldcam/go-capture-node/internal/netcheck"
	"fieldcam/go-capture-node/internal/power"
	"fieldcam/go-capture-node/internal/queue"
)

// Midsummer noon in Wallingford, well inside the active window.
var midsummer = time.Date(2024, time.June, 21, 11, 0, 0, 0, time.UTC)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	dir := t.TempDir()
	return config.Config{
		DeviceID:        "cam-test",
		LogLevel:        "debug",
		Site:            "bench",
		Latitude:        51.6023,
		Longitude:       -1.1125,
		Timezone:        "Europe/London",
		DataDir:         dir,
		DatabasePath:    filepath.Join(dir, "fieldcam.db"),
		LedgerRetention: 720 * time.Hour,
		PreActive:       15 * time.Minute,
		PostActive:      15 * time.Minute,
		CaptureInterval: 5 * time.Minute,
		DormantInterval: 30 * time.Minute,
		SleepStep:       5 * time.Second,
		ErrorCooldown:   10 * time.Second,
		CaptureTimeout:  10 * time.Second,
		MinShutdownLead: 30 * time.Minute,
		MinWakeDelay:    time.Minute,
		DryRunPower:     true,
		CameraMode:      config.CameraSynthetic,
		ImageWidth:      320,
		ImageHeight:     240,
		ImageQuality:    80,
		Optimize:        true,
		MaxWidth:        160,
		MaxHeight:       120,
		OptimizeQuality: 80,
		StoreMode:       config.StoreDir,
		Bucket:          "local",
		KeyPrefix:       "images",
		BatchSize:       10,
		RefreshMargin:   5 * time.Minute,
		UploadTimeout:   5 * time.Second,
		MirrorDir:       filepath.Join(dir, "mirror"),
		HTTPPort:        8080,
	}
}

func newTestApp(t *testing.T, cfg config.Config) *App {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	a, err := New(context.Background(), cfg, logger,
		WithClock(func() time.Time { return midsummer }),
		WithProbe(netcheck.Always{}),
		WithPower(&power.DryRun{Logger: logger}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func get(t *testing.T, h http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func TestTickCapturesAndMirrors(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg)
	h := a.routes()

	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/readyz").Code)

	_, err := a.orch.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, get(t, h, "/readyz").Code)

	var st model.Status
	decode(t, get(t, h, "/api/status"), &st)
	assert.Equal(t, "cam-test", st.DeviceID)
	assert.Equal(t, "RUNNING_ACTIVE", st.Phase)
	assert.Equal(t, "ACTIVE", st.State)
	assert.Equal(t, 0, st.PendingCount)
	assert.EqualValues(t, 1, st.Ticks)

	var deliveries struct {
		Deliveries []model.DeliveryRecord `json:"deliveries"`
	}
	decode(t, get(t, h, "/api/deliveries"), &deliveries)
	require.Len(t, deliveries.Deliveries, 1)
	key := deliveries.Deliveries[0].ObjectKey
	assert.Contains(t, key, "images/20240621_110000_")

	mirrored, err := os.ReadFile(filepath.Join(cfg.MirrorDir, "local", filepath.FromSlash(key)))
	require.NoError(t, err)
	assert.EqualValues(t, len(mirrored), deliveries.Deliveries[0].Bytes)

	var totals struct {
		Delivered int64 `json:"delivered"`
		Pending   int   `json:"pending"`
	}
	decode(t, get(t, h, "/api/totals"), &totals)
	assert.EqualValues(t, 1, totals.Delivered)
	assert.Equal(t, 0, totals.Pending)

	// The scratch copy is gone once the optimized image is queued.
	leftovers, err := os.ReadDir(cfg.ScratchDir())
	require.NoError(t, err)
	for _, e := range leftovers {
		assert.True(t, e.IsDir(), "unexpected scratch file %s", e.Name())
	}
}

func TestDrainDeliversQueuedArtifacts(t *testing.T) {
	cfg := testConfig(t)
	a := newTestApp(t, cfg)

	src := filepath.Join(t.TempDir(), queue.NewName(midsummer.Add(-time.Hour), "jpg"))
	require.NoError(t, os.WriteFile(src, []byte("queued while offline"), 0o644))
	_, err := a.Queue().Enqueue(src)
	require.NoError(t, err)

	var q struct {
		Depth int              `json:"depth"`
		Bytes int64            `json:"bytes"`
		Items []queue.Artifact `json:"items"`
	}
	decode(t, get(t, a.routes(), "/api/queue"), &q)
	assert.Equal(t, 1, q.Depth)
	assert.EqualValues(t, len("queued while offline"), q.Bytes)
	require.Len(t, q.Items, 1)

	rep := a.Drain(context.Background())
	require.NoError(t, rep.Err)
	assert.Equal(t, 1, rep.Delivered)

	depth, err := a.Queue().Depth()
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestScheduleEndpoint(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	h := a.routes()

	var body struct {
		Date    string `json:"date"`
		State   string `json:"state"`
		Entries []struct {
			At    time.Time `json:"at"`
			State string    `json:"state"`
		} `json:"entries"`
		SunTimes []struct {
			Kind string `json:"kind"`
		} `json:"sun_times"`
	}
	decode(t, get(t, h, "/api/schedule?date=2024-12-21"), &body)
	assert.Equal(t, "2024-12-21", body.Date)
	require.NotEmpty(t, body.Entries)
	assert.Equal(t, "DORMANT", body.Entries[0].State)
	for i := 1; i < len(body.Entries); i++ {
		assert.True(t, body.Entries[i].At.After(body.Entries[i-1].At))
	}
	require.Len(t, body.SunTimes, 3)
	assert.Equal(t, "NORMAL", body.SunTimes[1].Kind)

	decode(t, get(t, h, "/api/schedule"), &body)
	assert.Equal(t, "2024-06-21", body.Date)
	assert.Equal(t, "ACTIVE", body.State)

	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/schedule?date=21/12/2024").Code)
}

func TestStatusFallsBackToLedger(t *testing.T) {
	a := newTestApp(t, testConfig(t))

	ledgerSink{store: a.store, logger: a.logger}.Publish(context.Background(), model.Status{
		DeviceID:  "cam-test",
		Phase:     "SHUTTING_DOWN",
		State:     "DORMANT",
		Ticks:     42,
		UpdatedAt: midsummer.Add(-8 * time.Hour),
	})

	var st model.Status
	decode(t, get(t, a.routes(), "/api/status"), &st)
	assert.Equal(t, "SHUTTING_DOWN", st.Phase)
	assert.EqualValues(t, 42, st.Ticks)
}

func TestRoutesRejectBadInput(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	h := a.routes()

	assert.Equal(t, http.StatusOK, get(t, h, "/healthz").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, h, "/api/totals?since=yesterday").Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/api/unknown").Code)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	var failures struct {
		Failures []model.FailureRecord `json:"failures"`
	}
	decode(t, get(t, h, "/api/failures?limit=5000"), &failures)
	assert.NotNil(t, failures.Failures)
	assert.Empty(t, failures.Failures)
}

func TestPruneDropsOldLedgerRows(t *testing.T) {
	a := newTestApp(t, testConfig(t))
	ctx := context.Background()

	require.NoError(t, a.store.RecordFailure(ctx, model.FailureRecord{
		Kind: model.FailureCapture, Error: "old", CreatedAt: midsummer.Add(-60 * 24 * time.Hour),
	}))
	require.NoError(t, a.store.RecordFailure(ctx, model.FailureRecord{
		Kind: model.FailureCapture, Error: "recent", CreatedAt: midsummer.Add(-time.Hour),
	}))

	a.prune(ctx)

	recs, err := a.store.RecentFailures(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "recent", recs[0].Error)
}

func TestNewRejectsUnusableStore(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.DatabasePath = filepath.Join(blocker, "db", "fieldcam.db")

	_, err := New(context.Background(), cfg, nil)
	require.ErrorIs(t, err, model.ErrIO)
}

func TestMDNSHelpers(t *testing.T) {
	assert.Equal(t, "fieldcam cam-01", sanitizeMDNSInstance("fieldcam cam-01"))
	assert.Equal(t, "fieldcam node", sanitizeMDNSInstance("  "))
	assert.Equal(t, "cam 01 north", sanitizeMDNSInstance("cam.01_north"))
	assert.Len(t, []rune(sanitizeMDNSInstance(strings.Repeat("a", 100))), 63)

	assert.Equal(t, "cam-01-north", sanitizeMDNSHost(" Cam_01 North "))
	assert.Equal(t, "fieldcam", sanitizeMDNSHost(""))

	txt := mdnsTXT("Cam 01", "wallingford", 9090)
	assert.Contains(t, txt, "device=cam-01")
	assert.Contains(t, txt, "site=wallingford")
	assert.Contains(t, txt, "metrics_port=9090")
	assert.NotContains(t, mdnsTXT("cam", "", 0), "metrics_port=0")
}
