// Package replay streams JSON-lines detection dumps through the tracking
// engine. Each line holds one frame:
//
//	{"frame": 12, "detections": [{"bbox": [x1, y1, x2, y2], "confidence": 0.9, "class_id": 0}]}
//
// Lines without a "frame" field are numbered by their position in the input,
// starting at 1. Blank lines are skipped.
package replay

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"trackstats-service/internal/domain/tracks"
	"trackstats-service/internal/tracking"
)

const maxLineSize = 10 << 20

var ErrMalformedLine = errors.New("malformed detection line")

type BBoxFormat string

const (
	// FormatXYXY is [x1, y1, x2, y2].
	FormatXYXY BBoxFormat = "xyxy"
	// FormatXYWH is [x, y, width, height].
	FormatXYWH BBoxFormat = "xywh"
)

func ParseBBoxFormat(s string) (BBoxFormat, error) {
	switch BBoxFormat(s) {
	case FormatXYXY, FormatXYWH:
		return BBoxFormat(s), nil
	default:
		return "", fmt.Errorf("unknown bbox format %q", s)
	}
}

// LineSource reads frames from JSON lines. It implements tracking.FrameSource.
type LineSource struct {
	scanner *bufio.Scanner
	line    int

	keep  bool
	mu    sync.Mutex
	lines map[int][]byte
}

// NewLineSource reads from r. With keep set the raw line of every frame is
// retained until Take is called for it.
func NewLineSource(r io.Reader, keep bool) *LineSource {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &LineSource{
		scanner: s,
		keep:    keep,
		lines:   make(map[int][]byte),
	}
}

func (s *LineSource) Next(ctx context.Context) (tracking.Frame, bool, error) {
	for {
		if err := ctx.Err(); err != nil {
			return tracking.Frame{}, false, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return tracking.Frame{}, false, err
			}
			return tracking.Frame{}, false, nil
		}
		s.line++

		raw := s.scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		if !gjson.ValidBytes(raw) {
			return tracking.Frame{}, false, fmt.Errorf("%w: line %d is not valid JSON", ErrMalformedLine, s.line)
		}

		index := s.line
		if f := gjson.GetBytes(raw, "frame"); f.Exists() {
			if !isInteger(f) {
				return tracking.Frame{}, false, fmt.Errorf("%w: line %d frame %s is not an integer", ErrMalformedLine, s.line, f.Raw)
			}
			index = int(f.Int())
		}

		data := make([]byte, len(raw))
		copy(data, raw)
		if s.keep {
			s.mu.Lock()
			s.lines[index] = data
			s.mu.Unlock()
		}
		return tracking.Frame{Index: index, Data: data}, true, nil
	}
}

// Take returns and forgets the raw line of frame index.
func (s *LineSource) Take(index int) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	line, ok := s.lines[index]
	delete(s.lines, index)
	return line, ok
}

// Detector extracts detections from a frame's JSON line. It implements
// tracking.Detector.
type Detector struct {
	Format BBoxFormat
}

func (d Detector) Detect(_ context.Context, frame tracking.Frame) ([]tracks.RawDetection, error) {
	items := gjson.GetBytes(frame.Data, "detections")
	if !items.Exists() || items.Type == gjson.Null {
		return []tracks.RawDetection{}, nil
	}
	if !items.IsArray() {
		return nil, fmt.Errorf("%w: frame %d detections is not an array", ErrMalformedLine, frame.Index)
	}

	var err error
	out := make([]tracks.RawDetection, 0, len(items.Array()))
	items.ForEach(func(key, item gjson.Result) bool {
		var det tracks.RawDetection
		det, err = d.parse(item)
		if err != nil {
			err = fmt.Errorf("%w: frame %d detection %d: %v", ErrMalformedLine, frame.Index, key.Int(), err)
			return false
		}
		out = append(out, det)
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (d Detector) parse(item gjson.Result) (tracks.RawDetection, error) {
	coords := item.Get("bbox").Array()
	if len(coords) != 4 {
		return tracks.RawDetection{}, fmt.Errorf("bbox has %d values, want 4", len(coords))
	}
	var box [4]float64
	for i, c := range coords {
		if c.Type != gjson.Number {
			return tracks.RawDetection{}, fmt.Errorf("bbox value %d is not a number", i)
		}
		box[i] = c.Float()
	}
	if d.Format == FormatXYWH {
		box[2] += box[0]
		box[3] += box[1]
	}

	confidence := item.Get("confidence")
	if confidence.Type != gjson.Number {
		return tracks.RawDetection{}, errors.New("confidence is missing or not a number")
	}
	classID := item.Get("class_id")
	if !isInteger(classID) {
		return tracks.RawDetection{}, errors.New("class_id is missing or not an integer")
	}

	return tracks.RawDetection{
		BBox:       box,
		Confidence: confidence.Float(),
		ClassID:    int(classID.Int()),
	}, nil
}

func isInteger(r gjson.Result) bool {
	return r.Type == gjson.Number && r.Num == math.Trunc(r.Num) && math.Abs(r.Num) <= math.MaxInt32
}

// Annotate sets a "stats" field holding stats on line.
func Annotate(line []byte, stats tracks.FrameStats) ([]byte, error) {
	out, err := sjson.SetBytes(line, "stats", stats)
	if err != nil {
		return nil, fmt.Errorf("failed to annotate frame %d: %w", stats.FrameIndex, err)
	}
	return out, nil
}
