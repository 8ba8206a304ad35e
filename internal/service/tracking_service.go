package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trackstats-service/internal/domain/tracks"
	"trackstats-service/internal/repository"
	"trackstats-service/internal/tracking"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
)

type RunStore interface {
	CreateRun(ctx context.Context, run *repository.TrackingRun) error
	CompleteRun(ctx context.Context, id uuid.UUID, status string, report tracks.Report, summary tracks.Summary, failure string) error
	GetRun(ctx context.Context, id uuid.UUID) (*repository.TrackingRun, error)
	ListRuns(ctx context.Context, limit, offset int) ([]repository.TrackingRun, error)
	FindTracks(ctx context.Context, runID uuid.UUID, className *string) ([]repository.TrackRecord, error)
	DeleteRunsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// AssociatorFactory returns a fresh associator for every run. Associators are
// stateful and must never be shared between runs.
type AssociatorFactory func() tracking.Associator

type activeRun struct {
	mu           sync.Mutex
	id           uuid.UUID
	source       string
	startedAt    time.Time
	orchestrator *tracking.Orchestrator
	closed       bool
}

type TrackingService struct {
	store         RunStore
	newAssociator AssociatorFactory
	classNames    []string
	keepFrames    bool
	log           zerolog.Logger

	mu   sync.Mutex
	runs map[uuid.UUID]*activeRun
}

func NewTrackingService(store RunStore, newAssociator AssociatorFactory, classNames []string, log zerolog.Logger) *TrackingService {
	return &TrackingService{
		store:         store,
		newAssociator: newAssociator,
		classNames:    classNames,
		log:           log,
		runs:          make(map[uuid.UUID]*activeRun),
	}
}

// KeepFrameStatistics makes runs started afterwards retain their per-frame
// stats and store them with the report.
func (s *TrackingService) KeepFrameStatistics(keep bool) {
	s.mu.Lock()
	s.keepFrames = keep
	s.mu.Unlock()
}

func (s *TrackingService) StartRun(ctx context.Context, source string) (*RunInfo, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("%w: source is required", ErrInvalidInput)
	}

	run := &repository.TrackingRun{Source: source}
	if err := s.store.CreateRun(ctx, run); err != nil {
		s.log.Error().Err(err).Str("source", source).Msg("failed to create run")
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	log := s.log.With().Str("run_id", run.ID.String()).Logger()
	active := &activeRun{
		id:           run.ID,
		source:       source,
		startedAt:    run.StartedAt,
		orchestrator: tracking.NewOrchestrator(s.newAssociator(), s.classNames, log),
	}

	s.mu.Lock()
	if s.keepFrames {
		active.orchestrator.KeepFrameStatistics()
	}
	s.runs[run.ID] = active
	s.mu.Unlock()

	log.Info().Str("source", source).Msg("run started")

	return &RunInfo{
		ID:        run.ID,
		Source:    source,
		Status:    run.Status,
		StartedAt: run.StartedAt,
	}, nil
}

// SubmitFrame feeds one frame of detections into an open run.
//
// Out-of-order frames and malformed detections are rejected with
// ErrInvalidInput. They also abort the run: it is persisted as aborted and
// every later call fails with ErrConflict.
func (s *TrackingService) SubmitFrame(ctx context.Context, id uuid.UUID, frameIndex int, raw []tracks.RawDetection) (tracks.FrameStats, error) {
	run, err := s.openRun(ctx, id)
	if err != nil {
		return tracks.FrameStats{}, err
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	if run.closed {
		return tracks.FrameStats{}, fmt.Errorf("%w: run %s is finished", ErrConflict, id)
	}

	stats, err := run.orchestrator.ProcessFrame(ctx, frameIndex, raw)
	if err == nil {
		return stats, nil
	}

	if abortErr := run.orchestrator.Err(); abortErr != nil {
		s.abortRun(ctx, run, abortErr)
	}

	switch {
	case errors.Is(err, tracking.ErrFrameOutOfOrder), errors.Is(err, tracking.ErrInvalidDetection):
		return tracks.FrameStats{}, fmt.Errorf("%w: %w", ErrInvalidInput, err)
	case errors.Is(err, tracking.ErrRunAborted):
		return tracks.FrameStats{}, fmt.Errorf("%w: %w", ErrConflict, err)
	default:
		s.log.Error().
			Err(err).
			Str("run_id", id.String()).
			Int("frame", frameIndex).
			Msg("failed to process frame")
		return tracks.FrameStats{}, fmt.Errorf("failed to process frame %d: %w", frameIndex, err)
	}
}

// abortRun persists an aborted run and drops it from memory. Must be called
// with run.mu held.
func (s *TrackingService) abortRun(ctx context.Context, run *activeRun, cause error) {
	report := run.orchestrator.Report()
	summary := run.orchestrator.Summary()

	err := s.store.CompleteRun(context.WithoutCancel(ctx), run.id, repository.RunStatusAborted, report, summary, cause.Error())
	if err != nil {
		s.log.Error().Err(err).Str("run_id", run.id.String()).Msg("failed to persist aborted run")
		return
	}
	s.close(run)
	s.log.Warn().
		Err(cause).
		Str("run_id", run.id.String()).
		Int("frames_processed", report.TotalFrames).
		Msg("run aborted")
}

// FinishRun persists the final report of an open run and closes it.
func (s *TrackingService) FinishRun(ctx context.Context, id uuid.UUID) (tracks.Report, error) {
	run, err := s.openRun(ctx, id)
	if err != nil {
		return tracks.Report{}, err
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	if run.closed {
		return tracks.Report{}, fmt.Errorf("%w: run %s is finished", ErrConflict, id)
	}

	report := run.orchestrator.Report()
	summary := run.orchestrator.Summary()

	if err := s.store.CompleteRun(ctx, id, repository.RunStatusCompleted, report, summary, ""); err != nil {
		s.log.Error().Err(err).Str("run_id", id.String()).Msg("failed to persist run report")
		return tracks.Report{}, fmt.Errorf("failed to persist run report: %w", err)
	}
	s.close(run)

	s.log.Info().
		Str("run_id", id.String()).
		Int("frames_processed", report.TotalFrames).
		Int("unique_objects", report.UniqueObjects).
		Int("completed_tracks", report.CompletedTracks).
		Msg("run finished")

	return report, nil
}

func (s *TrackingService) close(run *activeRun) {
	run.closed = true
	s.mu.Lock()
	delete(s.runs, run.id)
	s.mu.Unlock()
}

// GetReport returns the live report of an open run or the stored report of a
// finished one.
func (s *TrackingService) GetReport(ctx context.Context, id uuid.UUID) (tracks.Report, error) {
	if run := s.active(id); run != nil {
		run.mu.Lock()
		defer run.mu.Unlock()
		if !run.closed {
			return run.orchestrator.Report(), nil
		}
	}

	stored, err := s.storedRun(ctx, id)
	if err != nil {
		return tracks.Report{}, err
	}
	var report tracks.Report
	if err := decodeStored(stored.Report, &report); err != nil {
		return tracks.Report{}, fmt.Errorf("run %s: %w", id, err)
	}
	return report, nil
}

// GetFrameStatistics returns the per-frame stats of a run in frame order. It
// is empty for runs started without frame retention.
func (s *TrackingService) GetFrameStatistics(ctx context.Context, id uuid.UUID) ([]tracks.FrameStats, error) {
	if run := s.active(id); run != nil {
		run.mu.Lock()
		frames := run.orchestrator.FrameStatistics()
		closed := run.closed
		run.mu.Unlock()
		if !closed {
			return nonNilFrames(frames), nil
		}
	}

	report, err := s.GetReport(ctx, id)
	if err != nil {
		return nil, err
	}
	return nonNilFrames(report.FrameStatistics), nil
}

func nonNilFrames(frames []tracks.FrameStats) []tracks.FrameStats {
	if frames == nil {
		return []tracks.FrameStats{}
	}
	return frames
}

func (s *TrackingService) GetSummary(ctx context.Context, id uuid.UUID) (tracks.Summary, error) {
	if run := s.active(id); run != nil {
		run.mu.Lock()
		defer run.mu.Unlock()
		if !run.closed {
			return run.orchestrator.Summary(), nil
		}
	}

	stored, err := s.storedRun(ctx, id)
	if err != nil {
		return tracks.Summary{}, err
	}
	var summary tracks.Summary
	if err := decodeStored(stored.Summary, &summary); err != nil {
		return tracks.Summary{}, fmt.Errorf("run %s: %w", id, err)
	}
	return summary, nil
}

// ListTracks returns per-track statistics of a run, optionally restricted to
// one class.
func (s *TrackingService) ListTracks(ctx context.Context, id uuid.UUID, className *string) ([]tracks.TrackStatistics, error) {
	if run := s.active(id); run != nil {
		run.mu.Lock()
		report := run.orchestrator.Report()
		closed := run.closed
		run.mu.Unlock()
		if !closed {
			return filterByClass(report.TrackStatistics, className), nil
		}
	}

	if _, err := s.storedRun(ctx, id); err != nil {
		return nil, err
	}
	records, err := s.store.FindTracks(ctx, id, className)
	if err != nil {
		return nil, fmt.Errorf("failed to find tracks: %w", err)
	}

	result := make([]tracks.TrackStatistics, 0, len(records))
	for _, r := range records {
		result = append(result, tracks.TrackStatistics{
			TrackID:        r.TrackID,
			ClassName:      r.ClassName,
			ClassID:        r.ClassID,
			Confidence:     r.Confidence,
			State:          tracks.TrackState(r.State),
			FirstSeenFrame: r.FirstSeenFrame,
			LastSeenFrame:  r.LastSeenFrame,
			Observations:   r.Observations,
			Duration:       r.Duration,
			AvgSize:        r.AvgSize,
			TotalDistance:  r.TotalDistance,
		})
	}
	return result, nil
}

func (s *TrackingService) ListRuns(ctx context.Context, limit, offset int) ([]RunInfo, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	runs, err := s.store.ListRuns(ctx, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	result := make([]RunInfo, 0, len(runs))
	for _, r := range runs {
		info := RunInfo{
			ID:              r.ID,
			Source:          r.Source,
			Status:          r.Status,
			FramesProcessed: r.FramesProcessed,
			UniqueObjects:   r.UniqueObjects,
			CompletedTracks: r.CompletedTracks,
			TotalDetections: r.TotalDetections,
			FailureReason:   r.FailureReason,
			StartedAt:       r.StartedAt,
			FinishedAt:      r.FinishedAt,
		}
		if run := s.active(r.ID); run != nil {
			run.mu.Lock()
			if !run.closed {
				summary := run.orchestrator.Summary()
				info.FramesProcessed = summary.FramesProcessed
				info.UniqueObjects = summary.TotalTrackedObjects
				info.CompletedTracks = run.orchestrator.Report().CompletedTracks
				info.TotalDetections = summary.TotalDetections
			}
			run.mu.Unlock()
		}
		result = append(result, info)
	}
	return result, nil
}

// OpenRuns returns the ids of runs currently held in memory, sorted.
func (s *TrackingService) OpenRuns() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]uuid.UUID, 0, len(s.runs))
	for id := range s.runs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// CleanupOldRuns deletes finished runs that started more than days ago.
func (s *TrackingService) CleanupOldRuns(ctx context.Context, days int) (int64, error) {
	if days <= 0 {
		return 0, fmt.Errorf("%w: days must be positive", ErrInvalidInput)
	}
	cutoff := time.Now().AddDate(0, 0, -days)
	deleted, err := s.store.DeleteRunsBefore(ctx, cutoff)
	if err != nil {
		s.log.Error().Err(err).Int("days", days).Msg("failed to cleanup old runs")
		return 0, err
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted_count", deleted).Int("days", days).Msg("cleaned up old runs")
	}
	return deleted, nil
}

func (s *TrackingService) active(id uuid.UUID) *activeRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs[id]
}

// openRun resolves id to an open run. Known but closed runs are a conflict.
func (s *TrackingService) openRun(ctx context.Context, id uuid.UUID) (*activeRun, error) {
	if run := s.active(id); run != nil {
		return run, nil
	}
	stored, err := s.storedRun(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, fmt.Errorf("%w: run %s is %s", ErrConflict, id, stored.Status)
}

func (s *TrackingService) storedRun(ctx context.Context, id uuid.UUID) (*repository.TrackingRun, error) {
	stored, err := s.store.GetRun(ctx, id)
	if errors.Is(err, repository.ErrRunNotFound) {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if stored.Status == repository.RunStatusRunning {
		// Left over from a previous process; its in-memory state is gone.
		return nil, fmt.Errorf("%w: run %s is no longer active", ErrConflict, id)
	}
	return stored, nil
}

func decodeStored(data []byte, v interface{}) error {
	if len(data) == 0 {
		return errors.New("no stored result")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode stored result: %w", err)
	}
	return nil
}

func filterByClass(stats []tracks.TrackStatistics, className *string) []tracks.TrackStatistics {
	if className == nil {
		return stats
	}
	result := make([]tracks.TrackStatistics, 0, len(stats))
	for _, ts := range stats {
		if ts.ClassName == *className {
			result = append(result, ts)
		}
	}
	return result
}

type RunInfo struct {
	ID              uuid.UUID  `json:"id"`
	Source          string     `json:"source"`
	Status          string     `json:"status"`
	FramesProcessed int        `json:"frames_processed"`
	UniqueObjects   int        `json:"unique_objects"`
	CompletedTracks int        `json:"completed_tracks"`
	TotalDetections int        `json:"total_detections"`
	FailureReason   *string    `json:"failure_reason,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}
