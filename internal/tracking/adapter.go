package tracking

import (
	"context"
	"fmt"

	"trackstats-service/internal/domain/tracks"
)

// Associator assigns persistent track IDs to a frame's detections. It keeps
// motion state between calls, so it must be called once per frame, in frame
// order, including frames with no detections.
type Associator interface {
	Update(ctx context.Context, detections []tracks.Detection) ([]tracks.TrackAssignment, error)
}

// AssociationAdapter is the only caller of an Associator within a run.
type AssociationAdapter struct {
	associator Associator
	calls      int
}

func NewAssociationAdapter(associator Associator) *AssociationAdapter {
	return &AssociationAdapter{associator: associator}
}

// Associate returns the associator's assignments untouched. Fewer assignments
// than detections is normal. Errors are returned as-is.
func (a *AssociationAdapter) Associate(ctx context.Context, detections []tracks.Detection) ([]tracks.TrackAssignment, error) {
	if detections == nil {
		detections = []tracks.Detection{}
	}
	a.calls++
	assignments, err := a.associator.Update(ctx, detections)
	if err != nil {
		return nil, err
	}
	return assignments, nil
}

// Calls is the number of frames handed to the associator so far.
func (a *AssociationAdapter) Calls() int {
	return a.calls
}

// ClassLookup attributes class and confidence to assignments by position: the
// i-th assignment takes the i-th detection of the same frame. This only holds
// while the associator keeps input order and never drops, merges or reorders
// detections; otherwise attribution for later indices is shifted.
type ClassLookup struct {
	detections []tracks.Detection
	names      []string
}

func NewClassLookup(detections []tracks.Detection, classNames []string) ClassLookup {
	return ClassLookup{detections: detections, names: classNames}
}

// Len is the number of detections in the frame.
func (l ClassLookup) Len() int {
	return len(l.detections)
}

// At returns the class attribution for assignment index i. ok is false when
// there is no detection at that index and the unknown sentinel is returned.
func (l ClassLookup) At(i int) (classID int, className string, confidence float64, ok bool) {
	if i < 0 || i >= len(l.detections) {
		return tracks.UnknownClassID, tracks.UnknownClassName, 0, false
	}
	d := l.detections[i]
	return d.ClassID, l.Name(d.ClassID), d.Confidence, true
}

// Name resolves a class id against the configured label list.
func (l ClassLookup) Name(classID int) string {
	if classID < 0 {
		return tracks.UnknownClassName
	}
	if classID < len(l.names) && l.names[classID] != "" {
		return l.names[classID]
	}
	return fmt.Sprintf("class_%d", classID)
}
