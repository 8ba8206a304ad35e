package tracks

import (
	"encoding/json"
	"fmt"
	"math"
)

const (
	UnknownClassID   = -1
	UnknownClassName = "unknown"
)

// BBox is an axis-aligned box in pixel coordinates. It is encoded in JSON as
// [x1, y1, x2, y2].
type BBox struct {
	X1 float64
	Y1 float64
	X2 float64
	Y2 float64
}

func BBoxFromArray(a [4]float64) BBox {
	return BBox{X1: a[0], Y1: a[1], X2: a[2], Y2: a[3]}
}

func (b BBox) Array() [4]float64 {
	return [4]float64{b.X1, b.Y1, b.X2, b.Y2}
}

func (b BBox) Width() float64  { return b.X2 - b.X1 }
func (b BBox) Height() float64 { return b.Y2 - b.Y1 }
func (b BBox) Area() float64   { return b.Width() * b.Height() }

func (b BBox) Center() (float64, float64) {
	return (b.X1 + b.X2) / 2, (b.Y1 + b.Y2) / 2
}

// Finite reports whether all four coordinates are finite numbers.
func (b BBox) Finite() bool {
	for _, v := range b.Array() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// Valid reports whether the box is finite, has positive width and height,
// and its area and center do not overflow float64.
func (b BBox) Valid() bool {
	if !b.Finite() || b.X1 >= b.X2 || b.Y1 >= b.Y2 {
		return false
	}
	cx, cy := b.Center()
	area := b.Area()
	return !math.IsInf(area, 0) && !math.IsInf(cx, 0) && !math.IsInf(cy, 0)
}

func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.Array())
}

func (b *BBox) UnmarshalJSON(data []byte) error {
	var coords []float64
	if err := json.Unmarshal(data, &coords); err != nil {
		return err
	}
	if len(coords) != 4 {
		return fmt.Errorf("bbox must have 4 coordinates, got %d", len(coords))
	}
	*b = BBox{X1: coords[0], Y1: coords[1], X2: coords[2], Y2: coords[3]}
	return nil
}

// RawDetection is one object as emitted by the visual detector.
type RawDetection struct {
	BBox       [4]float64 `json:"bbox"`
	Confidence float64    `json:"confidence"`
	ClassID    int        `json:"class_id"`
}

type Detection struct {
	BBox       BBox    `json:"bbox"`
	Confidence float64 `json:"confidence"`
	ClassID    int     `json:"class_id"`
}

type TrackAssignment struct {
	TrackID int     `json:"track_id"`
	BBox    BBox    `json:"bbox"`
	Score   float64 `json:"score,omitempty"`
}

// TrackState is the stored state of a track. A track is active from its
// first frame on; its first appearance is reported through
// FrameStats.NewObjects rather than a separate state.
type TrackState string

const (
	StateActive    TrackState = "active"
	StateCompleted TrackState = "completed"
)

type Position struct {
	Frame int  `json:"frame"`
	BBox  BBox `json:"bbox"`
}

type Track struct {
	ID             int        `json:"id"`
	State          TrackState `json:"state"`
	FirstSeenFrame int        `json:"first_seen_frame"`
	LastSeenFrame  int        `json:"last_seen_frame"`
	ClassID        int        `json:"class_id"`
	ClassName      string     `json:"class_name"`
	Confidence     float64    `json:"confidence"`
	Positions      []Position `json:"positions"`
	Reactivations  int        `json:"reactivations,omitempty"`
}

type FrameStats struct {
	FrameIndex        int            `json:"frame_id"`
	Detections        int            `json:"detections"`
	Tracked           int            `json:"tracked"`
	NewObjects        int            `json:"new_objects"`
	CompletedTracks   int            `json:"completed_tracks"`
	ClassCounts       map[string]int `json:"class_counts"`
	NewTrackIDs       []int          `json:"new_track_ids,omitempty"`
	CompletedTrackIDs []int          `json:"completed_track_ids,omitempty"`
}

type TrackStatistics struct {
	TrackID        int        `json:"track_id"`
	ClassName      string     `json:"class_name"`
	ClassID        int        `json:"class_id"`
	Confidence     float64    `json:"confidence"`
	State          TrackState `json:"state"`
	FirstSeenFrame int        `json:"first_seen_frame"`
	LastSeenFrame  int        `json:"last_seen_frame"`
	Observations   int        `json:"observations"`
	Duration       int        `json:"duration"`
	AvgSize        float64    `json:"avg_size"`
	TotalDistance  float64    `json:"total_distance"`
}

type Report struct {
	TotalFrames     int               `json:"total_frames"`
	UniqueObjects   int               `json:"unique_objects"`
	CompletedTracks int               `json:"completed_tracks"`
	TrackStatistics []TrackStatistics `json:"track_statistics"`
	ClassStatistics map[string]int    `json:"class_statistics"`
	FrameStatistics []FrameStats      `json:"frame_statistics,omitempty"`
}

// Summary is the condensed end-of-run view handed to UI clients.
type Summary struct {
	TotalTrackedObjects int            `json:"total_tracked_objects"`
	ClassCounts         map[string]int `json:"class_counts"`
	FramesProcessed     int            `json:"frames_processed"`
	TotalDetections     int            `json:"total_detections"`
}
