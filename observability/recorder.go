// Package observability stores scan results and metric datapoints in
// SQLite.
//
// The store is separate from anything the host page owns. Writes are
// buffered and flushed in batches; a failing store logs and drops rather
// than slowing scans down.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/satlens/annotate"
	"github.com/hazyhaar/satlens/dbopen"
)

// Metric names written for every scan.
const (
	MetricScanDurationMs = "scan_duration_ms"
	MetricConversions    = "scan_conversions"
	MetricContainers     = "scan_containers"
)

// Metric is a single timeseries datapoint.
type Metric struct {
	Name      string
	Timestamp time.Time
	Value     float64
	Labels    map[string]string
	Unit      string
}

type scanEntry struct {
	res annotate.ScanResult
	at  time.Time
}

// Recorder buffers scan results and flushes them in one transaction.
// It implements annotate.StatsRecorder.
type Recorder struct {
	db            *sql.DB
	bufferSize    int
	flushInterval time.Duration
	logger        *slog.Logger

	mu      sync.Mutex
	scans   []scanEntry
	metrics []*Metric

	kick      chan struct{} // buffer full
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

var _ annotate.StatsRecorder = (*Recorder)(nil)

// NewRecorder starts a Recorder on db, whose schema must already be
// applied with Init. Defaults: bufferSize 100, flushInterval 5s.
func NewRecorder(db *sql.DB, bufferSize int, flushInterval time.Duration, logger *slog.Logger) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Recorder{
		db:            db,
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		logger:        logger,
		kick:          make(chan struct{}, 1),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
	go r.flushLoop()
	return r
}

// RecordScan queues res and its datapoints. It never touches the
// database; a full buffer wakes the flush goroutine.
func (r *Recorder) RecordScan(res annotate.ScanResult) {
	now := time.Now()
	labels := map[string]string{"kind": res.Kind, "status": string(res.Status)}

	r.mu.Lock()
	r.scans = append(r.scans, scanEntry{res: res, at: now})
	r.metrics = append(r.metrics,
		&Metric{Name: MetricScanDurationMs, Timestamp: now, Value: float64(res.Duration.Microseconds()) / 1000, Labels: labels, Unit: "milliseconds"},
		&Metric{Name: MetricConversions, Timestamp: now, Value: float64(res.Conversions), Labels: labels, Unit: "count"},
		&Metric{Name: MetricContainers, Timestamp: now, Value: float64(res.Containers), Labels: labels, Unit: "count"},
	)
	full := len(r.scans) >= r.bufferSize
	r.mu.Unlock()

	if full {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	}
}

// Record queues a free-form datapoint.
func (r *Recorder) Record(m *Metric) {
	r.mu.Lock()
	r.metrics = append(r.metrics, m)
	r.mu.Unlock()
}

// Flush writes everything buffered so far.
func (r *Recorder) Flush(ctx context.Context) error {
	r.mu.Lock()
	scans, metrics := r.scans, r.metrics
	r.scans, r.metrics = nil, nil
	r.mu.Unlock()

	if len(scans) == 0 && len(metrics) == 0 {
		return nil
	}
	return dbopen.RunTx(ctx, r.db, func(tx *sql.Tx) error {
		if err := insertScans(ctx, tx, scans); err != nil {
			return err
		}
		return insertMetrics(ctx, tx, metrics)
	})
}

func (r *Recorder) flush() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Flush(ctx); err != nil {
		r.logger.Error("observability: flush", "error", err)
	}
}

// Close flushes and stops the background goroutine. Safe to call twice.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() { close(r.stop) })
	<-r.done
	return nil
}

func (r *Recorder) flushLoop() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			r.flush()
			return
		case <-ticker.C:
			r.flush()
		case <-r.kick:
			r.flush()
		}
	}
}

func insertScans(ctx context.Context, tx *sql.Tx, scans []scanEntry) error {
	if len(scans) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO scan_results (
			scan_id, kind, status, termination_reason, nodes_processed, conversions,
			containers, operations, duration_us, restricted, verdict_reason, severity,
			failures, timestamp
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("observability: prepare scans: %w", err)
	}
	defer stmt.Close()

	for _, e := range scans {
		res := e.res
		var failures sql.NullString
		if f := res.Failures(); len(f) > 0 {
			if b, err := json.Marshal(f); err == nil {
				failures = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx,
			res.ID, res.Kind, string(res.Status), res.TerminationReason,
			res.NodesProcessed, res.Conversions, res.Containers,
			res.Targeted.Operations+res.Full.Operations, res.Duration.Microseconds(),
			res.Verdict.Restricted, res.Verdict.Reason, string(res.Verdict.Severity),
			failures, e.at.UnixMilli(),
		); err != nil {
			return fmt.Errorf("observability: insert scan %s: %w", res.ID, err)
		}
	}
	return nil
}

func insertMetrics(ctx context.Context, tx *sql.Tx, metrics []*Metric) error {
	if len(metrics) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("observability: prepare metrics: %w", err)
	}
	defer stmt.Close()

	for _, m := range metrics {
		var labels sql.NullString
		if len(m.Labels) > 0 {
			if b, err := json.Marshal(m.Labels); err == nil {
				labels = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, m.Name, m.Timestamp.UnixMilli(), m.Value, labels, m.Unit); err != nil {
			return fmt.Errorf("observability: insert metric %s: %w", m.Name, err)
		}
	}
	return nil
}
