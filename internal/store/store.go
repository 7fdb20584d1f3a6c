package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"fieldcam/go-capture-node/internal/model"

	_ "modernc.org/sqlite"
)

// Store wraps the SQLite ledger of deliveries, failures and device state.
type Store struct {
	db *sql.DB
}

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures baseline tables exist.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS deliveries (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			artifact TEXT NOT NULL,
			object_key TEXT NOT NULL,
			bytes INTEGER NOT NULL,
			sha256 TEXT NOT NULL,
			captured_at TEXT NOT NULL,
			delivered_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_delivered_at ON deliveries(delivered_at);`,
		`CREATE TABLE IF NOT EXISTS failures (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			kind TEXT NOT NULL,
			artifact TEXT,
			error TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_failures_created_at ON failures(created_at);`,
		`CREATE TABLE IF NOT EXISTS device_state (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	return nil
}

// RecordDelivery appends an acknowledged upload to the ledger.
func (s *Store) RecordDelivery(ctx context.Context, r model.DeliveryRecord) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	deliveredAt := r.DeliveredAt
	if deliveredAt.IsZero() {
		deliveredAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO deliveries (artifact, object_key, bytes, sha256, captured_at, delivered_at) VALUES (?, ?, ?, ?, ?, ?);`,
		r.Artifact,
		r.ObjectKey,
		r.Bytes,
		r.SHA256,
		formatTime(r.CapturedAt),
		formatTime(deliveredAt),
	)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// RecordFailure appends a capture, enqueue or delivery failure.
func (s *Store) RecordFailure(ctx context.Context, f model.FailureRecord) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	createdAt := f.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO failures (kind, artifact, error, created_at) VALUES (?, ?, ?, ?);`,
		f.Kind,
		f.Artifact,
		f.Error,
		formatTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("insert failure: %w", err)
	}
	return nil
}

// RecentDeliveries returns the most recent deliveries, newest first.
func (s *Store) RecentDeliveries(ctx context.Context, limit int) ([]model.DeliveryRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 25
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT artifact, object_key, bytes, sha256, captured_at, delivered_at
		 FROM deliveries
		 ORDER BY delivered_at DESC, id DESC
		 LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	records := make([]model.DeliveryRecord, 0, limit)
	for rows.Next() {
		var (
			r                         model.DeliveryRecord
			capturedStr, deliveredStr string
		)
		if err := rows.Scan(&r.Artifact, &r.ObjectKey, &r.Bytes, &r.SHA256, &capturedStr, &deliveredStr); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		r.CapturedAt = parseTime(capturedStr)
		r.DeliveredAt = parseTime(deliveredStr)
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliveries: %w", err)
	}

	return records, nil
}

// RecentFailures returns the most recent failures, newest first.
func (s *Store) RecentFailures(ctx context.Context, limit int) ([]model.FailureRecord, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	if limit <= 0 {
		limit = 25
	}

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT kind, artifact, error, created_at
		 FROM failures
		 ORDER BY created_at DESC, id DESC
		 LIMIT ?;`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query failures: %w", err)
	}
	defer rows.Close()

	var records []model.FailureRecord
	for rows.Next() {
		var (
			f          model.FailureRecord
			artifact   sql.NullString
			createdStr string
		)
		if err := rows.Scan(&f.Kind, &artifact, &f.Error, &createdStr); err != nil {
			return nil, fmt.Errorf("scan failure: %w", err)
		}
		f.Artifact = artifact.String
		f.CreatedAt = parseTime(createdStr)
		records = append(records, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate failures: %w", err)
	}

	return records, nil
}

// DeliveryTotals summarises the ledger.
type DeliveryTotals struct {
	Count         int64     `json:"count"`
	Bytes         int64     `json:"bytes"`
	LastDelivered time.Time `json:"last_delivered,omitempty"`
}

// Totals returns the number of deliveries and bytes since the given instant.
func (s *Store) Totals(ctx context.Context, since time.Time) (DeliveryTotals, error) {
	if s.db == nil {
		return DeliveryTotals{}, fmt.Errorf("store not initialized")
	}

	var (
		totals  DeliveryTotals
		lastStr sql.NullString
	)
	err := s.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*), COALESCE(SUM(bytes), 0), MAX(delivered_at) FROM deliveries WHERE delivered_at >= ?;`,
		formatTime(since),
	).Scan(&totals.Count, &totals.Bytes, &lastStr)
	if err != nil {
		return DeliveryTotals{}, fmt.Errorf("query delivery totals: %w", err)
	}
	if lastStr.Valid {
		totals.LastDelivered = parseTime(lastStr.String)
	}
	return totals, nil
}

// Prune removes ledger rows older than cutoff. Device state is kept.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	stmts := []string{
		`DELETE FROM deliveries WHERE delivered_at < ?;`,
		`DELETE FROM failures WHERE created_at < ?;`,
	}

	var removed int64
	for _, stmt := range stmts {
		res, err := s.db.ExecContext(ctx, stmt, formatTime(cutoff))
		if err != nil {
			return removed, fmt.Errorf("prune ledger: %w", err)
		}
		n, _ := res.RowsAffected()
		removed += n
	}
	return removed, nil
}

const lastStatusKey = "last_status"

// SaveStatus stores the latest status snapshot so it survives a power-down.
func (s *Store) SaveStatus(ctx context.Context, st model.Status) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	raw, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode status: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO device_state (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ','now'))
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
		lastStatusKey, string(raw)); err != nil {
		return fmt.Errorf("save status: %w", err)
	}
	return nil
}

// LastStatus loads the stored snapshot. ok is false when none has been saved yet.
func (s *Store) LastStatus(ctx context.Context) (model.Status, bool, error) {
	if s.db == nil {
		return model.Status{}, false, fmt.Errorf("store not initialized")
	}

	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM device_state WHERE key = ?;`, lastStatusKey).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Status{}, false, nil
	}
	if err != nil {
		return model.Status{}, false, fmt.Errorf("get status: %w", err)
	}

	var st model.Status
	if err := json.Unmarshal([]byte(raw), &st); err != nil {
		return model.Status{}, false, fmt.Errorf("decode status: %w", err)
	}
	return st, true, nil
}

// timeLayout is fixed width so stored instants compare correctly as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		t, _ = time.Parse("2006-01-02T15:04:05Z07:00", s)
	}
	return t
}
