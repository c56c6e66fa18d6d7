package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// ScanRow is one stored scan result.
type ScanRow struct {
	ID                string         `json:"id"`
	Kind              string         `json:"kind"`
	Status            string         `json:"status"`
	TerminationReason string         `json:"termination_reason"`
	NodesProcessed    int            `json:"nodes_processed"`
	Conversions       int            `json:"conversions"`
	Containers        int            `json:"containers"`
	Operations        int            `json:"operations"`
	Duration          time.Duration  `json:"duration"`
	Restricted        bool           `json:"restricted"`
	VerdictReason     string         `json:"verdict_reason,omitempty"`
	Severity          string         `json:"severity,omitempty"`
	Failures          map[string]int `json:"failures,omitempty"`
	Timestamp         time.Time      `json:"timestamp"`
}

// Summary aggregates the scans stored since a point in time.
type Summary struct {
	Scans       int            `json:"scans"`
	ByStatus    map[string]int `json:"by_status"`
	Conversions int            `json:"conversions"`
	Containers  int            `json:"containers"`
	Restricted  int            `json:"restricted"`
	AvgDuration time.Duration  `json:"avg_duration"`
}

// Recent returns the latest scans, newest first.
func (r *Recorder) Recent(ctx context.Context, limit int) ([]ScanRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT scan_id, kind, status, termination_reason, nodes_processed, conversions,
		       containers, operations, duration_us, restricted, verdict_reason, severity,
		       failures, timestamp
		FROM scan_results ORDER BY timestamp DESC, scan_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("observability: query scans: %w", err)
	}
	defer rows.Close()

	var out []ScanRow
	for rows.Next() {
		var s ScanRow
		var durUs, ts int64
		var reason, severity, failures sql.NullString
		if err := rows.Scan(&s.ID, &s.Kind, &s.Status, &s.TerminationReason, &s.NodesProcessed,
			&s.Conversions, &s.Containers, &s.Operations, &durUs, &s.Restricted,
			&reason, &severity, &failures, &ts); err != nil {
			return nil, fmt.Errorf("observability: scan row: %w", err)
		}
		s.Duration = time.Duration(durUs) * time.Microsecond
		s.VerdictReason, s.Severity = reason.String, severity.String
		s.Timestamp = time.UnixMilli(ts)
		if failures.Valid {
			_ = json.Unmarshal([]byte(failures.String), &s.Failures)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Summary aggregates the scans stored at or after since. A zero since
// covers everything.
func (r *Recorder) Summary(ctx context.Context, since time.Time) (Summary, error) {
	sum := Summary{ByStatus: make(map[string]int)}
	var from int64
	if !since.IsZero() {
		from = since.UnixMilli()
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*), COALESCE(SUM(conversions), 0), COALESCE(SUM(containers), 0),
		       COALESCE(SUM(restricted), 0), COALESCE(SUM(duration_us), 0)
		FROM scan_results WHERE timestamp >= ? GROUP BY status`, from)
	if err != nil {
		return sum, fmt.Errorf("observability: summary: %w", err)
	}
	defer rows.Close()

	var totalUs int64
	for rows.Next() {
		var status string
		var n, conv, cont, restricted int
		var us int64
		if err := rows.Scan(&status, &n, &conv, &cont, &restricted, &us); err != nil {
			return sum, fmt.Errorf("observability: summary row: %w", err)
		}
		sum.ByStatus[status] = n
		sum.Scans += n
		sum.Conversions += conv
		sum.Containers += cont
		sum.Restricted += restricted
		totalUs += us
	}
	if err := rows.Err(); err != nil {
		return sum, err
	}
	if sum.Scans > 0 {
		sum.AvgDuration = time.Duration(totalUs/int64(sum.Scans)) * time.Microsecond
	}
	return sum, nil
}

// Metrics returns the datapoints of name, newest first. An empty name
// returns every metric.
func (r *Recorder) Metrics(ctx context.Context, name string, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE 1=1"
	args := make([]any, 0, 2)
	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var m Metric
		var ts int64
		var labels, unit sql.NullString
		if err := rows.Scan(&m.Name, &ts, &m.Value, &labels, &unit); err != nil {
			return nil, fmt.Errorf("observability: metric row: %w", err)
		}
		m.Timestamp, m.Unit = time.UnixMilli(ts), unit.String
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &m.Labels)
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}

// Cleanup deletes rows older than retentionDays. Zero or less keeps
// everything.
func (r *Recorder) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	threshold := time.Now().AddDate(0, 0, -retentionDays).UnixMilli()
	var total int64
	for _, table := range []string{"scan_results", "metrics_timeseries"} {
		res, err := r.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE timestamp < ?", threshold)
		if err != nil {
			return total, fmt.Errorf("observability: cleanup %s: %w", table, err)
		}
		n, _ := res.RowsAffected()
		total += n
	}
	return total, nil
}
