package tracking

import (
	"context"
	"errors"

	"trackstats-service/internal/domain/tracks"
)

// scriptedAssociator replays a fixed list of per-frame outputs and records
// what it was given.
type scriptedAssociator struct {
	frames [][]tracks.TrackAssignment
	errAt  map[int]error
	seen   [][]tracks.Detection
}

func (s *scriptedAssociator) Update(_ context.Context, detections []tracks.Detection) ([]tracks.TrackAssignment, error) {
	call := len(s.seen)
	s.seen = append(s.seen, detections)
	if err, ok := s.errAt[call]; ok {
		return nil, err
	}
	if call >= len(s.frames) {
		return []tracks.TrackAssignment{}, nil
	}
	return s.frames[call], nil
}

var errAssociatorDown = errors.New("associator down")

func box(x1, y1, x2, y2 float64) tracks.BBox {
	return tracks.BBox{X1: x1, Y1: y1, X2: x2, Y2: y2}
}

// centeredBox is a 2x2 box centered on (cx, cy).
func centeredBox(cx, cy float64) tracks.BBox {
	return box(cx-1, cy-1, cx+1, cy+1)
}

func assign(id int, b tracks.BBox) tracks.TrackAssignment {
	return tracks.TrackAssignment{TrackID: id, BBox: b}
}

func raw(b tracks.BBox, conf float64, class int) tracks.RawDetection {
	return tracks.RawDetection{BBox: b.Array(), Confidence: conf, ClassID: class}
}

func detections(bs ...tracks.BBox) []tracks.Detection {
	out := make([]tracks.Detection, len(bs))
	for i, b := range bs {
		out[i] = tracks.Detection{BBox: b, Confidence: 0.9, ClassID: i}
	}
	return out
}
