// Package store persists one record per completed offload task into a local
// SQLite database, so results can be compared across runs after the harness
// exits.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Status classifies the outcome of a recorded task.
type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusFailure Status = "FAILURE"
)

// Record is one completed unit of work. Immutable once written; the harness
// never updates or deletes rows.
type Record struct {
	RunID        string
	Timestamp    time.Time
	ScenarioName string
	DeviceID     string
	DeviceReqs   map[string]any
	TaskName     string
	TaskParams   map[string]any
	Latency      time.Duration
	Status       Status
	MetricValue  *float64
	ErrorMessage string
}

// WriteError wraps an unrecoverable insert failure. Workers log it and keep
// going; a run that cannot persist metrics is degraded, not aborted.
type WriteError struct {
	Err error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("metric store write failed: %v", e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Filter narrows a Query. Zero-value fields are ignored.
type Filter struct {
	RunID        string
	ScenarioName string
	DeviceID     string
	From         time.Time
	To           time.Time
}

// Store is a durable append-only log of Records backed by SQLite.
//
// Concurrent Record calls are serialized through a single-writer mutex so
// rows are never interleaved or lost. Readers run on their own connections
// in WAL mode, so a run can be queried while it is still executing without
// blocking the write path for longer than the busy timeout.
type Store struct {
	db *sql.DB

	// writeMu serializes inserts. SQLite allows one writer at a time
	// anyway; taking the lock in-process keeps contention out of the
	// driver and makes the write path's ordering explicit.
	writeMu sync.Mutex

	insert *sql.Stmt
}

// timeLayout is RFC3339 with a fixed-width fraction. Timestamps are stored
// and range-filtered as TEXT, so every value must be the same length for
// lexicographic comparison to match time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS execution_metrics (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id TEXT NOT NULL,
	timestamp DATETIME NOT NULL,
	scenario_name TEXT NOT NULL,
	device_id TEXT NOT NULL,
	task_name TEXT NOT NULL,
	task_params_json TEXT,
	device_reqs_json TEXT,
	status TEXT NOT NULL,
	latency_ms INTEGER NOT NULL,
	metric_value REAL,
	error_msg TEXT
);
CREATE INDEX IF NOT EXISTS idx_run_scenario ON execution_metrics(run_id, scenario_name);
CREATE INDEX IF NOT EXISTS idx_device ON execution_metrics(device_id);
CREATE INDEX IF NOT EXISTS idx_scenario_timestamp ON execution_metrics(scenario_name, timestamp);
`

// Open opens (creating if necessary) the metric database at path.
// The caller must Close the returned store at shutdown.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating metric store directory: %w", err)
		}
	}

	// WAL lets readers proceed while a write is in flight; busy_timeout
	// bounds how long either side waits instead of failing immediately.
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening metric store: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing metric store schema: %w", err)
	}

	insert, err := db.Prepare(`
		INSERT INTO execution_metrics
		(run_id, timestamp, scenario_name, device_id, task_name, task_params_json, device_reqs_json, status, latency_ms, metric_value, error_msg)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("preparing insert statement: %w", err)
	}

	return &Store{db: db, insert: insert}, nil
}

// Record appends one row. Safe for concurrent use; callers racing on the hot
// path serialize on an in-process mutex rather than on driver-level busy
// errors. Returns a *WriteError only on unrecoverable I/O failure.
func (s *Store) Record(rec Record) error {
	var reqsJSON any
	if len(rec.DeviceReqs) > 0 {
		b, err := json.Marshal(rec.DeviceReqs)
		if err != nil {
			return &WriteError{Err: fmt.Errorf("encoding device requirements: %w", err)}
		}
		reqsJSON = string(b)
	}

	var paramsJSON any
	if len(rec.TaskParams) > 0 {
		b, err := json.Marshal(rec.TaskParams)
		if err != nil {
			return &WriteError{Err: fmt.Errorf("encoding task parameters: %w", err)}
		}
		paramsJSON = string(b)
	}

	var metricValue any
	if rec.MetricValue != nil {
		metricValue = *rec.MetricValue
	}

	var errMsg any
	if rec.ErrorMessage != "" {
		errMsg = rec.ErrorMessage
	}

	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.insert.Exec(
		rec.RunID,
		ts.UTC().Format(timeLayout),
		rec.ScenarioName,
		rec.DeviceID,
		rec.TaskName,
		paramsJSON,
		reqsJSON,
		string(rec.Status),
		rec.Latency.Milliseconds(),
		metricValue,
		errMsg,
	)
	if err != nil {
		return &WriteError{Err: err}
	}
	return nil
}

// Query returns an iterator over records matching the filter, oldest first.
// The read path is for analysis tooling and never contends with writers for
// longer than the store's busy timeout.
func (s *Store) Query(ctx context.Context, f Filter) (*Rows, error) {
	var (
		conds []string
		args  []any
	)
	if f.RunID != "" {
		conds = append(conds, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.ScenarioName != "" {
		conds = append(conds, "scenario_name = ?")
		args = append(args, f.ScenarioName)
	}
	if f.DeviceID != "" {
		conds = append(conds, "device_id = ?")
		args = append(args, f.DeviceID)
	}
	if !f.From.IsZero() {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.From.UTC().Format(timeLayout))
	}
	if !f.To.IsZero() {
		conds = append(conds, "timestamp <= ?")
		args = append(args, f.To.UTC().Format(timeLayout))
	}

	query := `SELECT run_id, timestamp, scenario_name, device_id, task_name, task_params_json, device_reqs_json, status, latency_ms, metric_value, error_msg
		FROM execution_metrics`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY timestamp ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying metric store: %w", err)
	}
	return &Rows{rows: rows}, nil
}

// Count returns the number of records matching the filter.
func (s *Store) Count(ctx context.Context, f Filter) (int64, error) {
	rows, err := s.Query(ctx, f)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var n int64
	for rows.Next() {
		n++
	}
	return n, rows.Err()
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.insert != nil {
		s.insert.Close()
	}
	return s.db.Close()
}

// Rows iterates lazily over queried records.
type Rows struct {
	rows *sql.Rows
	cur  Record
	err  error
}

// Next advances to the next record, returning false at the end or on error.
func (r *Rows) Next() bool {
	if !r.rows.Next() {
		return false
	}

	var (
		ts          string
		paramsJSON  sql.NullString
		reqsJSON    sql.NullString
		status      string
		latencyMS   int64
		metricValue sql.NullFloat64
		errMsg      sql.NullString
	)
	rec := Record{}
	if err := r.rows.Scan(
		&rec.RunID, &ts, &rec.ScenarioName, &rec.DeviceID, &rec.TaskName,
		&paramsJSON, &reqsJSON, &status, &latencyMS, &metricValue, &errMsg,
	); err != nil {
		r.err = err
		return false
	}

	if parsed, err := time.Parse(time.RFC3339Nano, ts); err == nil {
		rec.Timestamp = parsed
	}
	if paramsJSON.Valid {
		_ = json.Unmarshal([]byte(paramsJSON.String), &rec.TaskParams)
	}
	if reqsJSON.Valid {
		_ = json.Unmarshal([]byte(reqsJSON.String), &rec.DeviceReqs)
	}
	rec.Status = Status(status)
	rec.Latency = time.Duration(latencyMS) * time.Millisecond
	if metricValue.Valid {
		v := metricValue.Float64
		rec.MetricValue = &v
	}
	if errMsg.Valid {
		rec.ErrorMessage = errMsg.String
	}

	r.cur = rec
	return true
}

// Record returns the record at the current position.
func (r *Rows) Record() Record {
	return r.cur
}

// Err returns the first error encountered during iteration.
func (r *Rows) Err() error {
	if r.err != nil {
		return r.err
	}
	return r.rows.Err()
}

// Close releases the result set.
func (r *Rows) Close() error {
	return r.rows.Close()
}
