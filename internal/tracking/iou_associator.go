package tracking

import (
	"context"
	"math"

	"trackstats-service/internal/domain/tracks"
)

type IOUConfig struct {
	IOUThreshold float64 // Minimum IoU for a detection to continue a track
	MaxLost      int     // Consecutive missed frames before a track is dropped
	MinHits      int     // Consecutive hits before a track is reported
}

func DefaultIOUConfig() IOUConfig {
	return IOUConfig{
		IOUThreshold: 0.3,
		MaxLost:      30,
		MinHits:      3,
	}
}

type iouTrack struct {
	id   int
	box  tracks.BBox
	hits int
	lost int
}

// IOUAssociator is a greedy IoU matcher without a motion model. Detections are
// matched in input order to the live track they overlap most, so assignments
// come out in detection order and never outnumber the detections. Track IDs
// start at 1 and are never reused.
type IOUAssociator struct {
	cfg    IOUConfig
	frames int
	nextID int
	live   []*iouTrack
}

func NewIOUAssociator(cfg IOUConfig) *IOUAssociator {
	return &IOUAssociator{cfg: cfg}
}

func (a *IOUAssociator) Update(ctx context.Context, detections []tracks.Detection) ([]tracks.TrackAssignment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.frames++

	matched := make(map[int]bool, len(detections))
	assignments := make([]tracks.TrackAssignment, 0, len(detections))

	for _, d := range detections {
		best, bestIOU := -1, -1.0
		for i, t := range a.live {
			if matched[i] {
				continue
			}
			iou := IOU(t.box, d.BBox)
			if iou >= a.cfg.IOUThreshold && iou > bestIOU {
				best, bestIOU = i, iou
			}
		}

		var t *iouTrack
		if best >= 0 {
			t = a.live[best]
			t.box = d.BBox
			t.hits++
			t.lost = 0
			matched[best] = true
		} else {
			a.nextID++
			t = &iouTrack{id: a.nextID, box: d.BBox, hits: 1}
			a.live = append(a.live, t)
			matched[len(a.live)-1] = true
		}

		// Young tracks are held back until confirmed, except while the
		// associator itself is warming up.
		if t.hits >= a.cfg.MinHits || a.frames <= a.cfg.MinHits {
			assignments = append(assignments, tracks.TrackAssignment{
				TrackID: t.id,
				BBox:    d.BBox,
				Score:   d.Confidence,
			})
		}
	}

	live := a.live[:0]
	for i, t := range a.live {
		if !matched[i] {
			t.lost++
			t.hits = 0
		}
		if t.lost <= a.cfg.MaxLost {
			live = append(live, t)
		}
	}
	a.live = live

	return assignments, nil
}

// IOU is the intersection over union of two boxes, 0 when they do not overlap.
func IOU(a, b tracks.BBox) float64 {
	ix := math.Min(a.X2, b.X2) - math.Max(a.X1, b.X1)
	iy := math.Min(a.Y2, b.Y2) - math.Max(a.Y1, b.Y1)
	if ix <= 0 || iy <= 0 {
		return 0
	}
	inter := ix * iy
	union := a.Area() + b.Area() - inter
	if union <= 0 {
		return 0
	}
	return inter / union
}
