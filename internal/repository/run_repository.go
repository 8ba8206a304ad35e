package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"trackstats-service/internal/domain/tracks"
)

var ErrRunNotFound = errors.New("tracking run not found")

const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusAborted   = "aborted"
)

type RunRepository struct {
	db *gorm.DB
}

func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

type TrackingRun struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	Source          string    `gorm:"not null"`
	Status          string    `gorm:"not null"`
	FramesProcessed int
	UniqueObjects   int
	CompletedTracks int
	TotalDetections int
	Report          datatypes.JSON `gorm:"type:jsonb"`
	Summary         datatypes.JSON `gorm:"type:jsonb"`
	FailureReason   *string
	StartedAt       time.Time `gorm:"not null"`
	FinishedAt      *time.Time
	CreatedAt       time.Time
}

func (TrackingRun) TableName() string { return "tracking_runs" }

type TrackRecord struct {
	RunID          uuid.UUID `gorm:"type:uuid;primaryKey;autoIncrement:false"`
	TrackID        int       `gorm:"primaryKey;autoIncrement:false"`
	ClassID        int
	ClassName      string `gorm:"not null"`
	Confidence     float64
	State          string `gorm:"not null"`
	FirstSeenFrame int
	LastSeenFrame  int
	Observations   int
	Duration       int
	AvgSize        float64
	TotalDistance  float64
}

func (TrackRecord) TableName() string { return "track_statistics" }

func (r *RunRepository) CreateRun(ctx context.Context, run *TrackingRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now()
	}
	return r.db.WithContext(ctx).Create(run).Error
}

// CompleteRun stores the final report and per-track rows in one transaction.
// failure is recorded for aborted runs and left NULL otherwise.
func (r *RunRepository) CompleteRun(ctx context.Context, id uuid.UUID, status string, report tracks.Report, summary tracks.Summary, failure string) error {
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}

	updates := map[string]interface{}{
		"status":           status,
		"frames_processed": report.TotalFrames,
		"unique_objects":   report.UniqueObjects,
		"completed_tracks": report.CompletedTracks,
		"total_detections": summary.TotalDetections,
		"report":           datatypes.JSON(reportJSON),
		"summary":          datatypes.JSON(summaryJSON),
		"finished_at":      time.Now(),
	}
	if failure != "" {
		updates["failure_reason"] = failure
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&TrackingRun{}).Where("id = ?", id).Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrRunNotFound
		}

		if len(report.TrackStatistics) == 0 {
			return nil
		}
		records := make([]TrackRecord, 0, len(report.TrackStatistics))
		for _, ts := range report.TrackStatistics {
			records = append(records, TrackRecord{
				RunID:          id,
				TrackID:        ts.TrackID,
				ClassID:        ts.ClassID,
				ClassName:      ts.ClassName,
				Confidence:     ts.Confidence,
				State:          string(ts.State),
				FirstSeenFrame: ts.FirstSeenFrame,
				LastSeenFrame:  ts.LastSeenFrame,
				Observations:   ts.Observations,
				Duration:       ts.Duration,
				AvgSize:        ts.AvgSize,
				TotalDistance:  ts.TotalDistance,
			})
		}
		return tx.CreateInBatches(records, 500).Error
	})
}

func (r *RunRepository) GetRun(ctx context.Context, id uuid.UUID) (*TrackingRun, error) {
	var run TrackingRun
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (r *RunRepository) ListRuns(ctx context.Context, limit, offset int) ([]TrackingRun, error) {
	query := r.db.WithContext(ctx).
		Model(&TrackingRun{}).
		Omit("report", "summary").
		Order("started_at DESC")

	if limit > 0 {
		if limit > 100 {
			limit = 100
		}
		query = query.Limit(limit)
	}
	if offset > 0 {
		query = query.Offset(offset)
	}

	var runs []TrackingRun
	err := query.Find(&runs).Error
	return runs, err
}

// FindTracks lists stored per-track statistics of a run, optionally filtered
// by class name.
func (r *RunRepository) FindTracks(ctx context.Context, runID uuid.UUID, className *string) ([]TrackRecord, error) {
	query := r.db.WithContext(ctx).Where("run_id = ?", runID)
	if className != nil {
		query = query.Where("class_name = ?", *className)
	}

	var records []TrackRecord
	err := query.Order("track_id").Find(&records).Error
	return records, err
}

// DeleteRunsBefore removes finished runs that started before cutoff.
func (r *RunRepository) DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("started_at < ? AND status <> ?", cutoff, RunStatusRunning).
		Delete(&TrackingRun{})
	return res.RowsAffected, res.Error
}
