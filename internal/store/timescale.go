package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"smart-obd/core/internal/config"
	"smart-obd/core/internal/domain"
)

// TimescaleStore is the append-only persistence sink. The pipeline only
// ever inserts; queries belong to the dashboard service.
type TimescaleStore struct {
	pool *pgxpool.Pool
}

func NewTimescaleStore(ctx context.Context, cfg *config.Config) (*TimescaleStore, error) {
	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?pool_max_conns=%d",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBMaxConns,
	)

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to create db pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	return &TimescaleStore{pool: pool}, nil
}

func (s *TimescaleStore) Close() {
	s.pool.Close()
}

func (s *TimescaleStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

var readingColumns = []string{
	"ts",
	"vehicle_id",
	"pid",
	"metric",
	"value",
	"unit",
	"raw",
}

// AppendReadings bulk-inserts a batch into the readings hypertable.
func (s *TimescaleStore) AppendReadings(ctx context.Context, rds []*domain.Reading) error {
	if len(rds) == 0 {
		return nil
	}

	rows := make([][]interface{}, len(rds))
	for i, rd := range rds {
		rows[i] = []interface{}{
			rd.Timestamp,
			rd.VehicleID,
			int(rd.PID),
			rd.Metric,
			rd.Value,
			rd.Unit,
			rd.Raw,
		}
	}

	_, err := s.pool.CopyFrom(
		ctx,
		pgx.Identifier{"obd_readings"},
		readingColumns,
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("CopyFrom failed for batch of %d: %w", len(rds), err)
	}

	return nil
}

func (s *TimescaleStore) AppendWindow(ctx context.Context, w *domain.FeatureWindow) error {
	query := `
		INSERT INTO feature_windows
			(vehicle_id, metric, window_start, window_end, mean, rate, min, max, sample_count, gap)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := s.pool.Exec(ctx, query,
		w.VehicleID, w.Metric, w.Start, w.End, w.Mean, w.Rate, w.Min, w.Max, w.Count, w.Gap,
	)
	return err
}

func (s *TimescaleStore) AppendPrediction(ctx context.Context, p *domain.Prediction) error {
	features, err := json.Marshal(p.Features)
	if err != nil {
		return fmt.Errorf("marshal feature snapshot: %w", err)
	}
	query := `
		INSERT INTO predictions
			(vehicle_id, subsystem, failure_prob, confidence, model_version, ts, gap_ratio, features)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = s.pool.Exec(ctx, query,
		p.VehicleID, string(p.Subsystem), p.FailureProb, p.Confidence,
		p.ModelVersion, p.Timestamp, p.GapRatio, features,
	)
	return err
}

func (s *TimescaleStore) AppendAlert(ctx context.Context, a *domain.Alert) error {
	query := `
		INSERT INTO maintenance_alerts
			(id, vehicle_id, subsystem, severity, message, failure_prob, confidence, triggered_at, created_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT DO NOTHING
	`
	_, err := s.pool.Exec(ctx, query,
		a.ID, a.VehicleID, string(a.Subsystem), string(a.Severity),
		a.Message, a.FailureProb, a.Confidence, a.TriggeredAt,
	)
	return err
}
