package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"trackstats-service/internal/domain/tracks"
)

const input = `{"frame": 1, "detections": [{"bbox": [0, 0, 100, 100], "confidence": 0.9, "class_id": 1}]}
{"frame": 2, "detections": [{"bbox": [3, 4, 103, 104], "confidence": 0.8, "class_id": 1}]}
{"frame": 3, "detections": []}
`

func execute(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestReplayPrintsReport(t *testing.T) {
	out, err := execute(t, input, "--class-names", "bottle,can", "--min-hits", "1", "--log-level", "error")
	require.NoError(t, err)

	var report tracks.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 3, report.TotalFrames)
	assert.Equal(t, 1, report.UniqueObjects)
	assert.Equal(t, 1, report.CompletedTracks)
	assert.Equal(t, map[string]int{"can": 1}, report.ClassStatistics)
	require.Len(t, report.TrackStatistics, 1)
	assert.InDelta(t, 5.0, report.TrackStatistics[0].TotalDistance, 1e-9)
	assert.Empty(t, report.FrameStatistics)
}

func TestReplayFrameStats(t *testing.T) {
	out, err := execute(t, input, "--frame-stats", "--min-hits", "1", "--log-level", "error")
	require.NoError(t, err)

	var report tracks.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	require.Len(t, report.FrameStatistics, 3)
	assert.Equal(t, []int{1}, report.FrameStatistics[0].NewTrackIDs)
	assert.Equal(t, 1, report.FrameStatistics[1].Tracked)
	assert.Equal(t, 1, report.FrameStatistics[2].CompletedTracks)
}

func TestReplaySummary(t *testing.T) {
	out, err := execute(t, input, "--summary", "--min-hits", "1", "--log-level", "error")
	require.NoError(t, err)

	var summary tracks.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &summary))
	assert.Equal(t, 3, summary.FramesProcessed)
	assert.Equal(t, 2, summary.TotalDetections)
	assert.Equal(t, map[string]int{"class_1": 1}, summary.ClassCounts)
}

func TestReplayAnnotate(t *testing.T) {
	out, err := execute(t, input, "--annotate", "--min-hits", "1", "--log-level", "error")
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, int64(1), gjson.Get(lines[0], "stats.new_objects").Int())
	assert.Equal(t, int64(2), gjson.Get(lines[1], "stats.frame_id").Int())
	assert.Equal(t, int64(1), gjson.Get(lines[2], "stats.completed_tracks").Int())
}

func TestReplayStopsOnOutOfOrderFrame(t *testing.T) {
	bad := `{"frame": 2, "detections": []}
{"frame": 1, "detections": []}
`
	out, err := execute(t, bad, "--log-level", "error")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "frame out of order")

	var report tracks.Report
	require.NoError(t, json.Unmarshal([]byte(out), &report))
	assert.Equal(t, 2, report.TotalFrames)
}

func TestReplayRejectsBadFlags(t *testing.T) {
	_, err := execute(t, input, "--bbox-format", "cxcywh")
	assert.Error(t, err)

	_, err = execute(t, input, "--iou-threshold", "2")
	assert.Error(t, err)
}
