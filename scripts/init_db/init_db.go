package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/jackc/pgx/v5"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found — using system environment variables")
	}

	connStr := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s",
		dbGetEnv("DB_USER", "obd_user"),
		dbGetEnv("DB_PASSWORD", "obd_password"),
		dbGetEnv("DB_HOST", "localhost"),
		dbGetEnv("DB_PORT", "5432"),
		dbGetEnv("DB_NAME", "smart_obd"),
	)

	ctx := context.Background()

	fmt.Println("Connecting to TimescaleDB...")
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		log.Fatalf("Connection failed: %v\n\nMake sure TimescaleDB is running:\n  docker-compose up -d timescaledb", err)
	}
	defer conn.Close(ctx)
	fmt.Println("✓ Connected")

	// Run all steps in order
	step1_extensions(ctx, conn)
	step2_readings_table(ctx, conn)
	step3_features_table(ctx, conn)
	step4_predictions_table(ctx, conn)
	step5_alerts_table(ctx, conn)
	step6_indexes(ctx, conn)
	step7_verify(ctx, conn)

	fmt.Println("\n✅ Database initialised successfully")
	fmt.Println("   Run next: go run scripts/seed_redis/seed_redis.go")
}

// ─────────────────────────────────────────────────────────────
// Step 1 — Extensions
// ─────────────────────────────────────────────────────────────
func step1_extensions(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 1: Extensions ──────────────────────────")

	// TimescaleDB — required for hypertables
	execOrFatal(ctx, conn,
		"CREATE EXTENSION IF NOT EXISTS timescaledb CASCADE;",
		"timescaledb extension",
	)
}

// ─────────────────────────────────────────────────────────────
// Step 2 — obd_readings table
// ─────────────────────────────────────────────────────────────
func step2_readings_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 2: obd_readings table ──────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS obd_readings (

			-- Time column — TimescaleDB partitions data by this
			ts           TIMESTAMPTZ      NOT NULL,

			-- Server receipt time, separate from the poll timestamp
			received_at  TIMESTAMPTZ      NOT NULL DEFAULT NOW(),

			-- Identity
			vehicle_id   TEXT             NOT NULL,

			-- Parameter identity: numeric PID and the metric name the
			-- pipeline derived from it
			pid          SMALLINT         NOT NULL,
			metric       TEXT             NOT NULL,

			-- Decoded value and its unit
			value        DOUBLE PRECISION NOT NULL,
			unit         TEXT             NOT NULL,

			-- Raw payload bytes for replay and decoder debugging
			raw          BYTEA
		);
	`, "obd_readings table created")

	execOrFatal(ctx, conn, `
		SELECT create_hypertable(
			'obd_readings',
			'ts',
			if_not_exists => TRUE
		);
	`, "obd_readings converted to hypertable")
}

// ─────────────────────────────────────────────────────────────
// Step 3 — feature_windows table
// ─────────────────────────────────────────────────────────────
func step3_features_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 3: feature_windows table ───────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS feature_windows (

			vehicle_id   TEXT             NOT NULL,
			metric       TEXT             NOT NULL,

			window_start TIMESTAMPTZ      NOT NULL,
			window_end   TIMESTAMPTZ      NOT NULL,

			mean         DOUBLE PRECISION NOT NULL,
			rate         DOUBLE PRECISION NOT NULL,
			min          DOUBLE PRECISION NOT NULL,
			max          DOUBLE PRECISION NOT NULL,
			sample_count INTEGER          NOT NULL,

			-- True when the window covered a connectivity outage;
			-- stats then carry last-known values, not fresh data
			gap          BOOLEAN          NOT NULL DEFAULT false
		);
	`, "feature_windows table created")

	execOrFatal(ctx, conn, `
		SELECT create_hypertable(
			'feature_windows',
			'window_end',
			if_not_exists => TRUE
		);
	`, "feature_windows converted to hypertable")
}

// ─────────────────────────────────────────────────────────────
// Step 4 — predictions table
// ─────────────────────────────────────────────────────────────
func step4_predictions_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 4: predictions table ───────────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS predictions (

			vehicle_id    TEXT             NOT NULL,

			-- Must exactly match domain.Subsystem constants:
			-- engine | cooling | fuel | electrical
			subsystem     TEXT             NOT NULL,

			failure_prob  DOUBLE PRECISION NOT NULL,
			confidence    DOUBLE PRECISION NOT NULL,
			model_version TEXT             NOT NULL,
			ts            TIMESTAMPTZ      NOT NULL,
			gap_ratio     DOUBLE PRECISION NOT NULL DEFAULT 0,

			-- Contributing feature snapshot, for explainability
			features      JSONB
		);
	`, "predictions table created")

	execOrFatal(ctx, conn, `
		SELECT create_hypertable(
			'predictions',
			'ts',
			if_not_exists => TRUE
		);
	`, "predictions converted to hypertable")
}

// ─────────────────────────────────────────────────────────────
// Step 5 — maintenance_alerts table
// ─────────────────────────────────────────────────────────────
func step5_alerts_table(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 5: maintenance_alerts table ────────────")

	execOrFatal(ctx, conn, `
		CREATE TABLE IF NOT EXISTS maintenance_alerts (

			-- UUID generated by the dispatcher; PRIMARY KEY gives the
			-- ON CONFLICT target for idempotent re-delivery
			id               UUID             PRIMARY KEY,

			vehicle_id       TEXT             NOT NULL,
			subsystem        TEXT             NOT NULL,

			-- Must exactly match domain.AlertSeverity constants:
			-- INFO | WARNING | CRITICAL
			severity         TEXT             NOT NULL,

			message          TEXT             NOT NULL,
			failure_prob     DOUBLE PRECISION NOT NULL,
			confidence       DOUBLE PRECISION NOT NULL,

			triggered_at     TIMESTAMPTZ      NOT NULL,
			created_at       TIMESTAMPTZ      NOT NULL DEFAULT NOW(),

			-- Operator acknowledgment — NULL means not yet acknowledged
			acknowledged_at  TIMESTAMPTZ,
			acknowledged_by  TEXT,

			CONSTRAINT chk_severity CHECK (
				severity IN ('INFO', 'WARNING', 'CRITICAL')
			)
		);
	`, "maintenance_alerts table created")
}

// ─────────────────────────────────────────────────────────────
// Step 6 — Indexes
// ─────────────────────────────────────────────────────────────
func step6_indexes(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 6: Indexes ─────────────────────────────")

	indexes := []struct {
		name string
		sql  string
		why  string
	}{
		{
			name: "idx_readings_vehicle_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_readings_vehicle_time
				  ON obd_readings (vehicle_id, metric, ts DESC);`,
			why: "query: history of one metric for one vehicle",
		},
		{
			name: "idx_windows_vehicle_time",
			sql: `CREATE INDEX IF NOT EXISTS idx_windows_vehicle_time
				  ON feature_windows (vehicle_id, metric, window_end DESC);`,
			why: "query: latest windows per metric",
		},
		{
			name: "idx_predictions_vehicle",
			sql: `CREATE INDEX IF NOT EXISTS idx_predictions_vehicle
				  ON predictions (vehicle_id, subsystem, ts DESC);`,
			why: "query: prediction trend per subsystem",
		},
		{
			name: "idx_alerts_vehicle",
			sql: `CREATE INDEX IF NOT EXISTS idx_alerts_vehicle
				  ON maintenance_alerts (vehicle_id, created_at DESC);`,
			why: "query: alerts for one vehicle",
		},
		{
			name: "idx_alerts_unacknowledged",
			sql: `CREATE INDEX IF NOT EXISTS idx_alerts_unacknowledged
				  ON maintenance_alerts (vehicle_id, created_at DESC)
				  WHERE acknowledged_at IS NULL;`,
			why: "query: unacknowledged alerts only (partial index)",
		},
	}

	for _, idx := range indexes {
		execOrFatal(ctx, conn, idx.sql,
			fmt.Sprintf("%-40s ← %s", idx.name, idx.why),
		)
	}
}

// ─────────────────────────────────────────────────────────────
// Step 7 — Verify everything was created
// ─────────────────────────────────────────────────────────────
func step7_verify(ctx context.Context, conn *pgx.Conn) {
	fmt.Println("\n── Step 7: Verification ────────────────────────")

	tables := []string{"obd_readings", "feature_windows", "predictions", "maintenance_alerts"}
	for _, table := range tables {
		var exists bool
		err := conn.QueryRow(ctx, `
			SELECT EXISTS (
				SELECT 1 FROM information_schema.tables
				WHERE table_name = $1
			)
		`, table).Scan(&exists)
		if err != nil || !exists {
			log.Fatalf("Table %s was not created: %v", table, err)
		}
		fmt.Printf("  ✓ table: %s\n", table)
	}

	var hypertables int
	err := conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM timescaledb_information.hypertables
		WHERE hypertable_name IN ('obd_readings', 'feature_windows', 'predictions')
	`).Scan(&hypertables)
	if err != nil || hypertables != 3 {
		log.Fatalf("Hypertable check failed (found %d of 3): %v", hypertables, err)
	}
	fmt.Printf("  ✓ hypertables: %d (time partitioned)\n", hypertables)

	var indexCount int
	err = conn.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM pg_indexes
		WHERE tablename IN ('obd_readings', 'feature_windows', 'predictions', 'maintenance_alerts')
		AND indexname LIKE 'idx_%'
	`).Scan(&indexCount)
	if err != nil {
		log.Fatalf("Index check failed: %v", err)
	}
	fmt.Printf("  ✓ indexes created: %d\n", indexCount)
}

// ─────────────────────────────────────────────────────────────
// Helpers
// ─────────────────────────────────────────────────────────────

// execOrFatal runs a SQL statement and prints result or exits on error
func execOrFatal(ctx context.Context, conn *pgx.Conn, sql, label string) {
	_, err := conn.Exec(ctx, sql)
	if err != nil {
		log.Fatalf("FAILED — %s\nError: %v\nSQL: %s", label, err, sql)
	}
	fmt.Printf("  ✓ %s\n", label)
}

func dbGetEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
