package tracking

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"trackstats-service/internal/domain/tracks"
)

// Registry owns every Track observed during one run.
type Registry struct {
	mu sync.RWMutex

	tracks         map[int]*tracks.Track
	previousActive map[int]struct{}
	lastFrame      int

	log zerolog.Logger
}

func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		tracks:         make(map[int]*tracks.Track),
		previousActive: make(map[int]struct{}),
		log:            log,
	}
}

// ApplyFrame folds one frame of associator output into the registry.
//
// Unseen IDs create a Track whose class and confidence come from lookup at the
// same index. Seen IDs get a new position; their class is never revised. IDs
// active in the previous frame but absent now are marked completed. A
// completed ID that shows up again is updated in place and becomes active
// without a new-object event.
//
// frameIndex must be greater than every frame applied before. The frame is
// validated before anything is mutated, so a rejected frame leaves the
// registry as it was.
func (r *Registry) ApplyFrame(frameIndex int, assignments []tracks.TrackAssignment, lookup ClassLookup) (tracks.FrameStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if frameIndex <= r.lastFrame {
		return tracks.FrameStats{}, fmt.Errorf("%w: frame %d applied after frame %d", ErrFrameOutOfOrder, frameIndex, r.lastFrame)
	}

	current, err := activeIDs(assignments)
	if err != nil {
		return tracks.FrameStats{}, fmt.Errorf("frame %d: %w", frameIndex, err)
	}

	stats := tracks.FrameStats{
		FrameIndex:  frameIndex,
		Detections:  lookup.Len(),
		Tracked:     len(assignments),
		ClassCounts: make(map[string]int),
	}

	for i, a := range assignments {
		classID, className, confidence, ok := lookup.At(i)
		if ok {
			stats.ClassCounts[className]++
		}

		track, seen := r.tracks[a.TrackID]
		if !seen {
			r.tracks[a.TrackID] = &tracks.Track{
				ID:             a.TrackID,
				State:          tracks.StateActive,
				FirstSeenFrame: frameIndex,
				LastSeenFrame:  frameIndex,
				ClassID:        classID,
				ClassName:      className,
				Confidence:     confidence,
				Positions:      []tracks.Position{{Frame: frameIndex, BBox: a.BBox}},
			}
			stats.NewObjects++
			stats.NewTrackIDs = append(stats.NewTrackIDs, a.TrackID)
			continue
		}

		if track.State == tracks.StateCompleted {
			track.State = tracks.StateActive
			track.Reactivations++
			r.log.Debug().
				Int("track_id", track.ID).
				Int("frame", frameIndex).
				Int("last_seen_frame", track.LastSeenFrame).
				Msg("completed track reappeared")
		}
		track.Positions = append(track.Positions, tracks.Position{Frame: frameIndex, BBox: a.BBox})
		track.LastSeenFrame = frameIndex
	}

	for id := range r.previousActive {
		if _, ok := current[id]; ok {
			continue
		}
		if track, ok := r.tracks[id]; ok {
			track.State = tracks.StateCompleted
		}
		stats.CompletedTrackIDs = append(stats.CompletedTrackIDs, id)
	}
	sort.Ints(stats.CompletedTrackIDs)
	stats.CompletedTracks = len(stats.CompletedTrackIDs)

	r.previousActive = current
	r.lastFrame = frameIndex
	return stats, nil
}

func activeIDs(assignments []tracks.TrackAssignment) (map[int]struct{}, error) {
	ids := make(map[int]struct{}, len(assignments))
	for i, a := range assignments {
		if a.TrackID <= 0 {
			return nil, fmt.Errorf("%w: assignment %d has non-positive track id %d", ErrInvalidAssignment, i, a.TrackID)
		}
		if !a.BBox.Valid() {
			return nil, fmt.Errorf("%w: track %d has invalid bbox %v", ErrInvalidAssignment, a.TrackID, a.BBox.Array())
		}
		if _, dup := ids[a.TrackID]; dup {
			return nil, fmt.Errorf("%w: track %d assigned twice", ErrInvalidAssignment, a.TrackID)
		}
		ids[a.TrackID] = struct{}{}
	}
	return ids, nil
}

// LastFrame is the highest frame index applied so far, 0 before the first.
func (r *Registry) LastFrame() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastFrame
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tracks)
}

// Track returns a copy of the track with the given id.
func (r *Registry) Track(id int) (tracks.Track, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tracks[id]
	if !ok {
		return tracks.Track{}, false
	}
	return copyTrack(t), true
}

// Tracks returns copies of all tracks ordered by id.
func (r *Registry) Tracks() []tracks.Track {
	all, _ := r.snapshot()
	return all
}

// ActiveIDs returns the IDs present in the most recent frame, ascending.
func (r *Registry) ActiveIDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int, 0, len(r.previousActive))
	for id := range r.previousActive {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// snapshot copies all tracks and the last frame under a single lock.
func (r *Registry) snapshot() ([]tracks.Track, int) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]tracks.Track, 0, len(r.tracks))
	for _, t := range r.tracks {
		all = append(all, copyTrack(t))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID < all[j].ID })
	return all, r.lastFrame
}

func copyTrack(t *tracks.Track) tracks.Track {
	c := *t
	c.Positions = append([]tracks.Position(nil), t.Positions...)
	return c
}
