package tracking

import (
	"fmt"
	"math"

	"trackstats-service/internal/domain/tracks"
)

// Normalize converts one frame of detector output into Detections in emission
// order. It only converts and validates; thresholds are the detector's job.
func Normalize(raw []tracks.RawDetection) ([]tracks.Detection, error) {
	detections := make([]tracks.Detection, 0, len(raw))
	for i, r := range raw {
		box := tracks.BBoxFromArray(r.BBox)
		if !box.Finite() {
			return nil, fmt.Errorf("%w: detection %d has non-finite bbox %v", ErrInvalidDetection, i, r.BBox)
		}
		if box.X1 >= box.X2 || box.Y1 >= box.Y2 {
			return nil, fmt.Errorf("%w: detection %d has degenerate bbox %v", ErrInvalidDetection, i, r.BBox)
		}
		if !box.Valid() {
			return nil, fmt.Errorf("%w: detection %d bbox %v overflows area or center", ErrInvalidDetection, i, r.BBox)
		}
		if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
			return nil, fmt.Errorf("%w: detection %d confidence %v outside [0,1]", ErrInvalidDetection, i, r.Confidence)
		}
		if r.ClassID < 0 {
			return nil, fmt.Errorf("%w: detection %d has negative class id %d", ErrInvalidDetection, i, r.ClassID)
		}
		detections = append(detections, tracks.Detection{
			BBox:       box,
			Confidence: r.Confidence,
			ClassID:    r.ClassID,
		})
	}
	return detections, nil
}
