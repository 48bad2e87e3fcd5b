package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/vietddude/httpguard/internal/infra/rpc/hostmetrics"
	"github.com/vietddude/httpguard/internal/metrics"
)

// SnapshotRow is one persisted (service, host, family) timing row.
type SnapshotRow struct {
	BatchID    uuid.UUID `db:"batch_id"`
	Service    string    `db:"service"`
	Host       string    `db:"host"`
	Family     string    `db:"family"`
	Count      int64     `db:"count"`
	MeanMs     float64   `db:"mean_ms"`
	P50Ms      float64   `db:"p50_ms"`
	P95Ms      float64   `db:"p95_ms"`
	P99Ms      float64   `db:"p99_ms"`
	MaxMs      float64   `db:"max_ms"`
	IOErrors   int64     `db:"io_errors"`
	LastURL    string    `db:"last_url"`
	CapturedAt time.Time `db:"captured_at"`
}

// FamilyTotal labels the row that aggregates every status family.
const FamilyTotal = "total"

// SnapshotRepo persists host metric snapshots.
type SnapshotRepo struct {
	db *DB
}

// NewSnapshotRepo creates a new PostgreSQL snapshot repository.
func NewSnapshotRepo(db *DB) *SnapshotRepo {
	return &SnapshotRepo{db: db}
}

// RowsFromSnapshots flattens snapshots into rows sharing one batch id.
// Families with no observations are skipped; the total row is always kept.
func RowsFromSnapshots(batch uuid.UUID, at time.Time, snaps []hostmetrics.Snapshot) []SnapshotRow {
	var rows []SnapshotRow
	for _, s := range snaps {
		rows = append(rows, newRow(batch, at, s, FamilyTotal, s.Total))
		for f := hostmetrics.Family1xx; f <= hostmetrics.FamilyOther; f++ {
			ts := s.Family(f)
			if ts.Count == 0 {
				continue
			}
			rows = append(rows, newRow(batch, at, s, f.String(), ts))
		}
	}
	return rows
}

func newRow(batch uuid.UUID, at time.Time, s hostmetrics.Snapshot, family string, ts hostmetrics.TimerSnapshot) SnapshotRow {
	return SnapshotRow{
		BatchID:    batch,
		Service:    s.ServiceName,
		Host:       s.Hostname,
		Family:     family,
		Count:      ts.Count,
		MeanMs:     millis(ts.Mean()),
		P50Ms:      millis(ts.P50),
		P95Ms:      millis(ts.P95),
		P99Ms:      millis(ts.P99),
		MaxMs:      millis(ts.Max),
		IOErrors:   s.IOErrors,
		LastURL:    s.LastURL,
		CapturedAt: at,
	}
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Save writes one batch of snapshots and returns its batch id.
func (r *SnapshotRepo) Save(ctx context.Context, snaps []hostmetrics.Snapshot) (uuid.UUID, error) {
	batch := uuid.New()
	rows := RowsFromSnapshots(batch, time.Now().UTC(), snaps)
	if len(rows) == 0 {
		return batch, nil
	}

	query := `
		INSERT INTO host_metric_snapshots
			(batch_id, service, host, family, count, mean_ms, p50_ms, p95_ms, p99_ms, max_ms, io_errors, last_url, captured_at)
		VALUES
			(:batch_id, :service, :host, :family, :count, :mean_ms, :p50_ms, :p95_ms, :p99_ms, :max_ms, :io_errors, :last_url, :captured_at)
	`
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.NamedExecContext(ctx, query, rows); err != nil {
		return uuid.Nil, fmt.Errorf("failed to insert snapshots: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("failed to commit snapshots: %w", err)
	}

	metrics.SnapshotsPersisted.Add(float64(len(rows)))
	return batch, nil
}

// Latest returns the rows of the most recent batch for a service.
func (r *SnapshotRepo) Latest(ctx context.Context, service string) ([]SnapshotRow, error) {
	query := `
		SELECT batch_id, service, host, family, count, mean_ms, p50_ms, p95_ms, p99_ms, max_ms, io_errors, last_url, captured_at
		FROM host_metric_snapshots
		WHERE service = $1 AND batch_id = (
			SELECT batch_id FROM host_metric_snapshots
			WHERE service = $1
			ORDER BY captured_at DESC, id DESC
			LIMIT 1
		)
		ORDER BY host, family
	`
	var rows []SnapshotRow
	if err := r.db.SelectContext(ctx, &rows, query, service); err != nil {
		return nil, fmt.Errorf("failed to select snapshots: %w", err)
	}
	return rows, nil
}

// Prune deletes rows captured before cutoff.
func (r *SnapshotRepo) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM host_metric_snapshots WHERE captured_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	return res.RowsAffected()
}
