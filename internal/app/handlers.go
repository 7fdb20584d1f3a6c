package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"fieldcam/go-capture-node/internal/model"
	"fieldcam/go-capture-node/internal/queue"
	"fieldcam/go-capture-node/internal/schedule"
	"fieldcam/go-capture-node/internal/suntime"
)

func (a *App) routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", a.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", a.handleReadyz).Methods(http.MethodGet)
	r.HandleFunc("/api/status", a.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/schedule", a.handleSchedule).Methods(http.MethodGet)
	r.HandleFunc("/api/queue", a.handleQueue).Methods(http.MethodGet)
	r.HandleFunc("/api/deliveries", a.handleDeliveries).Methods(http.MethodGet)
	r.HandleFunc("/api/failures", a.handleFailures).Methods(http.MethodGet)
	r.HandleFunc("/api/totals", a.handleTotals).Methods(http.MethodGet)
	return r
}

func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// Ready once the control loop has completed a tick.
func (a *App) handleReadyz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if a.store == nil || a.orch == nil || a.orch.Status().Ticks == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"starting"}`))
		return
	}
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}

func (a *App) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := a.orch.Status()
	if st.Ticks == 0 {
		// Nothing published yet this boot; fall back to what the last run left behind.
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if last, ok, err := a.store.LastStatus(ctx); err == nil && ok {
			st = last
		}
	}
	a.writeJSON(w, http.StatusOK, st)
}

func (a *App) handleSchedule(w http.ResponseWriter, r *http.Request) {
	loc := a.cfg.Location()
	zone, err := loc.Zone()
	if err != nil {
		http.Error(w, "invalid location", http.StatusInternalServerError)
		return
	}

	now := a.now()
	day := suntime.DateOf(now, zone)
	if v := r.URL.Query().Get("date"); v != "" {
		if day, err = suntime.ParseDate(v); err != nil {
			http.Error(w, "invalid date, want YYYY-MM-DD", http.StatusBadRequest)
			return
		}
	}

	table, sun, err := schedule.Build(loc, day, a.cfg.PreActive, a.cfg.PostActive)
	if err != nil {
		a.logger.Error("failed to build schedule", "date", day, "error", err)
		http.Error(w, "failed to build schedule", http.StatusInternalServerError)
		return
	}

	response := struct {
		Date     suntime.Date       `json:"date"`
		Location model.Location     `json:"location"`
		Now      time.Time          `json:"now"`
		State    schedule.State     `json:"state"`
		Entries  []schedule.Entry   `json:"entries"`
		SunTimes []suntime.SunTimes `json:"sun_times"`
	}{
		Date:     day,
		Location: loc,
		Now:      now,
		State:    table.StateAt(now),
		Entries:  table.Entries(),
		SunTimes: sun,
	}
	a.writeJSON(w, http.StatusOK, response)
}

func (a *App) handleQueue(w http.ResponseWriter, r *http.Request) {
	items, err := a.queue.List()
	if err != nil {
		a.logger.Error("failed to list queue", "error", err)
		http.Error(w, "failed to list queue", http.StatusInternalServerError)
		return
	}

	limit := queryLimit(r, 100, 1000)
	var bytes int64
	for _, it := range items {
		bytes += it.Size
	}
	shown := items
	if len(shown) > limit {
		shown = shown[:limit]
	}
	if shown == nil {
		shown = []queue.Artifact{}
	}

	response := struct {
		Depth int              `json:"depth"`
		Bytes int64            `json:"bytes"`
		Items []queue.Artifact `json:"items"`
	}{Depth: len(items), Bytes: bytes, Items: shown}
	a.writeJSON(w, http.StatusOK, response)
}

func (a *App) handleDeliveries(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 25, 250)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	records, err := a.store.RecentDeliveries(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load deliveries", "error", err)
		http.Error(w, "failed to load deliveries", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.DeliveryRecord{}
	}

	response := struct {
		Deliveries []model.DeliveryRecord `json:"deliveries"`
	}{Deliveries: records}
	a.writeJSON(w, http.StatusOK, response)
}

func (a *App) handleFailures(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r, 25, 250)

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	records, err := a.store.RecentFailures(ctx, limit)
	if err != nil {
		a.logger.Error("failed to load failures", "error", err)
		http.Error(w, "failed to load failures", http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []model.FailureRecord{}
	}

	response := struct {
		Failures []model.FailureRecord `json:"failures"`
	}{Failures: records}
	a.writeJSON(w, http.StatusOK, response)
}

func (a *App) handleTotals(w http.ResponseWriter, r *http.Request) {
	since := a.now().Add(-24 * time.Hour)
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := parseInstant(v)
		if err != nil {
			http.Error(w, "invalid since, want RFC3339", http.StatusBadRequest)
			return
		}
		since = ts
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	totals, err := a.store.Totals(ctx, since)
	if err != nil {
		a.logger.Error("failed to load totals", "error", err)
		http.Error(w, "failed to load totals", http.StatusInternalServerError)
		return
	}

	depth, err := a.queue.Depth()
	if err != nil {
		a.logger.Warn("failed to read queue depth", "error", err)
	}

	response := struct {
		Since      time.Time `json:"since"`
		Delivered  int64     `json:"delivered"`
		Bytes      int64     `json:"bytes"`
		LastUpload time.Time `json:"last_upload,omitempty"`
		Pending    int       `json:"pending"`
	}{
		Since:      since,
		Delivered:  totals.Count,
		Bytes:      totals.Bytes,
		LastUpload: totals.LastDelivered,
		Pending:    depth,
	}
	a.writeJSON(w, http.StatusOK, response)
}

func (a *App) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Error("failed to encode response", "error", err)
	}
}

func queryLimit(r *http.Request, def, max int) int {
	limit := def
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			if parsed > 0 && parsed <= max {
				limit = parsed
			}
		}
	}
	return limit
}

// parseInstant accepts RFC3339 with or without fractional seconds.
func parseInstant(s string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, errors.New("not an RFC3339 instant")
	}
	return ts, nil
}
