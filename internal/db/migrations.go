package db

import (
	"fmt"

	"gorm.io/gorm"
)

var migrationStatements = []string{
	`CREATE TABLE IF NOT EXISTS tracking_runs (
		id               UUID PRIMARY KEY,
		source           TEXT NOT NULL,
		status           TEXT NOT NULL,
		frames_processed INT NOT NULL DEFAULT 0,
		unique_objects   INT NOT NULL DEFAULT 0,
		completed_tracks INT NOT NULL DEFAULT 0,
		total_detections INT NOT NULL DEFAULT 0,
		report           JSONB,
		summary          JSONB,
		failure_reason   TEXT,
		started_at       TIMESTAMPTZ NOT NULL,
		finished_at      TIMESTAMPTZ,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE INDEX IF NOT EXISTS idx_tracking_runs_started_at ON tracking_runs(started_at);`,
	`CREATE INDEX IF NOT EXISTS idx_tracking_runs_status ON tracking_runs(status);`,
	`CREATE TABLE IF NOT EXISTS track_statistics (
		run_id           UUID NOT NULL REFERENCES tracking_runs(id) ON DELETE CASCADE,
		track_id         INT NOT NULL,
		class_id         INT NOT NULL,
		class_name       TEXT NOT NULL,
		confidence       NUMERIC(6,4),
		state            TEXT NOT NULL,
		first_seen_frame INT NOT NULL,
		last_seen_frame  INT NOT NULL,
		observations     INT NOT NULL,
		duration         INT NOT NULL,
		avg_size         DOUBLE PRECISION NOT NULL,
		total_distance   DOUBLE PRECISION NOT NULL,
		PRIMARY KEY (run_id, track_id)
	);`,
	`CREATE INDEX IF NOT EXISTS idx_track_statistics_class_name ON track_statistics(class_name);`,
}

func runMigrations(db *gorm.DB) error {
	for i, stmt := range migrationStatements {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
