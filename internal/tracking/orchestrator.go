package tracking

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"trackstats-service/internal/domain/tracks"
)

// Frame is an opaque unit of video handed to a Detector.
type Frame struct {
	Index int
	Data  []byte
}

type Detector interface {
	Detect(ctx context.Context, frame Frame) ([]tracks.RawDetection, error)
}

// FrameSource yields frames in increasing index order. ok is false once the
// source is exhausted.
type FrameSource interface {
	Next(ctx context.Context) (frame Frame, ok bool, err error)
}

// Orchestrator drives frames through normalisation, association and the
// registry. It is owned by a single goroutine; callers sharing one across
// goroutines must serialise access themselves.
type Orchestrator struct {
	adapter    *AssociationAdapter
	registry   *Registry
	classNames []string
	log        zerolog.Logger

	totalDetections int
	abortErr        error

	keepFrames bool
	frames     []tracks.FrameStats
}

func NewOrchestrator(associator Associator, classNames []string, log zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		adapter:    NewAssociationAdapter(associator),
		registry:   NewRegistry(log),
		classNames: classNames,
		log:        log,
	}
}

// ProcessFrame runs one frame end to end.
//
// Out-of-order frames, malformed detections and malformed assignments abort
// the run: the error is returned and every later call fails with
// ErrRunAborted. Associator errors are returned unchanged and leave the run
// usable at the last applied frame.
func (o *Orchestrator) ProcessFrame(ctx context.Context, frameIndex int, raw []tracks.RawDetection) (tracks.FrameStats, error) {
	if o.abortErr != nil {
		return tracks.FrameStats{}, fmt.Errorf("%w: %v", ErrRunAborted, o.abortErr)
	}

	if last := o.registry.LastFrame(); frameIndex <= last {
		return o.abort(fmt.Errorf("%w: frame %d submitted after frame %d", ErrFrameOutOfOrder, frameIndex, last))
	}

	detections, err := Normalize(raw)
	if err != nil {
		return o.abort(fmt.Errorf("frame %d: %w", frameIndex, err))
	}

	assignments, err := o.adapter.Associate(ctx, detections)
	if err != nil {
		o.log.Error().Err(err).Int("frame", frameIndex).Msg("associator failed")
		return tracks.FrameStats{}, err
	}

	stats, err := o.registry.ApplyFrame(frameIndex, assignments, NewClassLookup(detections, o.classNames))
	if err != nil {
		return o.abort(err)
	}
	o.totalDetections += len(detections)
	if o.keepFrames {
		o.frames = append(o.frames, stats)
	}

	o.log.Debug().
		Int("frame", frameIndex).
		Int("detections", stats.Detections).
		Int("tracked", stats.Tracked).
		Int("new_objects", stats.NewObjects).
		Int("completed_tracks", stats.CompletedTracks).
		Msg("frame processed")

	return stats, nil
}

func (o *Orchestrator) abort(err error) (tracks.FrameStats, error) {
	o.abortErr = err
	o.log.Error().Err(err).Int("last_frame", o.registry.LastFrame()).Msg("run aborted")
	return tracks.FrameStats{}, err
}

// Run pulls frames from source, detects on them, and processes them until the
// source is exhausted, an error occurs or ctx is cancelled. Detection runs
// ahead of processing through a queue of queueDepth frames. Cancellation only
// takes effect between frames. The returned report reflects every frame that
// was applied, also when err is non-nil.
func (o *Orchestrator) Run(ctx context.Context, detector Detector, source FrameSource, queueDepth int, onFrame func(tracks.FrameStats)) (tracks.Report, error) {
	if queueDepth < 1 {
		queueDepth = 1
	}

	type detected struct {
		index int
		raw   []tracks.RawDetection
	}
	queue := make(chan detected, queueDepth)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(queue)
		for {
			frame, ok, err := source.Next(gctx)
			if err != nil {
				return fmt.Errorf("read frame: %w", err)
			}
			if !ok {
				return nil
			}
			raw, err := detector.Detect(gctx, frame)
			if err != nil {
				return fmt.Errorf("detect frame %d: %w", frame.Index, err)
			}
			select {
			case queue <- detected{index: frame.Index, raw: raw}:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	g.Go(func() error {
		for item := range queue {
			if err := gctx.Err(); err != nil {
				return err
			}
			stats, err := o.ProcessFrame(context.WithoutCancel(gctx), item.index, item.raw)
			if err != nil {
				return err
			}
			if onFrame != nil {
				onFrame(stats)
			}
		}
		return nil
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		o.log.Warn().Err(err).Int("last_frame", o.registry.LastFrame()).Msg("run stopped early")
	}
	return o.Report(), err
}

func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// KeepFrameStatistics makes the orchestrator retain the FrameStats of every
// applied frame and attach them to Report. Call it before the first frame.
func (o *Orchestrator) KeepFrameStatistics() {
	o.keepFrames = true
}

// FrameStatistics returns the retained per-frame stats in frame order, or nil
// when retention is off.
func (o *Orchestrator) FrameStatistics() []tracks.FrameStats {
	if len(o.frames) == 0 {
		return nil
	}
	out := make([]tracks.FrameStats, len(o.frames))
	copy(out, o.frames)
	return out
}

func (o *Orchestrator) Report() tracks.Report {
	report := Report(o.registry)
	report.FrameStatistics = o.FrameStatistics()
	return report
}

func (o *Orchestrator) Summary() tracks.Summary {
	return Summary(o.registry, o.totalDetections)
}

func (o *Orchestrator) TotalDetections() int {
	return o.totalDetections
}

// Err returns the cause that aborted the run, or nil.
func (o *Orchestrator) Err() error {
	return o.abortErr
}
