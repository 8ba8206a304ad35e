package tracking

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"trackstats-service/internal/domain/tracks"
)

// Report recomputes run statistics from the registry. Calling it twice
// without an ApplyFrame in between yields the same value.
func Report(r *Registry) tracks.Report {
	all, lastFrame := r.snapshot()

	report := tracks.Report{
		TotalFrames:     lastFrame,
		UniqueObjects:   len(all),
		TrackStatistics: make([]tracks.TrackStatistics, 0, len(all)),
		ClassStatistics: make(map[string]int),
	}

	for _, t := range all {
		if t.State == tracks.StateCompleted {
			report.CompletedTracks++
		}
		report.TrackStatistics = append(report.TrackStatistics, trackStatistics(t))
		report.ClassStatistics[t.ClassName]++
	}
	return report
}

// Summary is the condensed view of Report plus the detection total the
// caller accumulated while feeding frames.
func Summary(r *Registry, totalDetections int) tracks.Summary {
	all, lastFrame := r.snapshot()

	counts := make(map[string]int)
	for _, t := range all {
		counts[t.ClassName]++
	}
	return tracks.Summary{
		TotalTrackedObjects: len(all),
		ClassCounts:         counts,
		FramesProcessed:     lastFrame,
		TotalDetections:     totalDetections,
	}
}

func trackStatistics(t tracks.Track) tracks.TrackStatistics {
	return tracks.TrackStatistics{
		TrackID:        t.ID,
		ClassName:      t.ClassName,
		ClassID:        t.ClassID,
		Confidence:     t.Confidence,
		State:          t.State,
		FirstSeenFrame: t.FirstSeenFrame,
		LastSeenFrame:  t.LastSeenFrame,
		Observations:   len(t.Positions),
		Duration:       t.LastSeenFrame - t.FirstSeenFrame,
		AvgSize:        saturate(AverageSize(t.Positions)),
		TotalDistance:  saturate(TrackDistance(t.Positions)),
	}
}

// AverageSize is the mean bbox area over all positions.
func AverageSize(positions []tracks.Position) float64 {
	if len(positions) == 0 {
		return 0
	}
	areas := make([]float64, len(positions))
	for i, p := range positions {
		areas[i] = p.BBox.Area()
	}
	return stat.Mean(areas, nil)
}

// TrackDistance sums the Euclidean distance between consecutive bbox centers
// in insertion order.
func TrackDistance(positions []tracks.Position) float64 {
	if len(positions) < 2 {
		return 0
	}
	steps := make([]float64, 0, len(positions)-1)
	px, py := positions[0].BBox.Center()
	for _, p := range positions[1:] {
		cx, cy := p.BBox.Center()
		steps = append(steps, floats.Distance([]float64{px, py}, []float64{cx, cy}, 2))
		px, py = cx, cy
	}
	return floats.Sum(steps)
}

// saturate caps overflowed sums at MaxFloat64 so reports stay encodable.
func saturate(v float64) float64 {
	if math.IsInf(v, 1) {
		return math.MaxFloat64
	}
	return v
}
