package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"trackstats-service/internal/config"
	"trackstats-service/internal/domain/tracks"
	"trackstats-service/internal/logger"
	"trackstats-service/internal/replay"
	"trackstats-service/internal/tracking"
)

type options struct {
	configPath string
	input      string
	summary    bool
	annotate   bool
	frameStats bool
	bboxFormat string
	classNames []string
	iou        float64
	maxLost    int
	minHits    int
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "trackstats-replay",
		Short: "Replay JSON-lines detections through the tracker and print statistics",
		Long: `Reads one JSON object per line, each holding the detections of one frame:

  {"frame": 1, "detections": [{"bbox": [x1, y1, x2, y2], "confidence": 0.9, "class_id": 0}]}

and prints the final track report. Input is read from stdin unless --input is given.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return replayRun(cmd, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.configPath, "config", "c", "", "config file supplying tracking defaults")
	f.StringVarP(&opts.input, "input", "i", "", "detections file (default stdin)")
	f.BoolVar(&opts.summary, "summary", false, "print the run summary instead of the full report")
	f.BoolVar(&opts.annotate, "annotate", false, "echo every input line with a \"stats\" field")
	f.BoolVar(&opts.frameStats, "frame-stats", false, "include per-frame stats in the report")
	f.StringVar(&opts.bboxFormat, "bbox-format", string(replay.FormatXYXY), "bbox layout: xyxy or xywh")
	f.StringSliceVar(&opts.classNames, "class-names", nil, "class labels indexed by class id")
	f.Float64Var(&opts.iou, "iou-threshold", 0, "minimum IoU to continue a track")
	f.IntVar(&opts.maxLost, "max-lost", 0, "missed frames before a track is dropped")
	f.IntVar(&opts.minHits, "min-hits", 0, "hits before a new track is reported")
	f.StringVar(&opts.logLevel, "log-level", "", "log level (logs go to stderr)")

	return cmd
}

func replayRun(cmd *cobra.Command, opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("class-names") {
		cfg.Tracking.ClassNames = opts.classNames
	}
	if flags.Changed("iou-threshold") {
		cfg.Tracking.IOUThreshold = opts.iou
	}
	if flags.Changed("max-lost") {
		cfg.Tracking.MaxLost = opts.maxLost
	}
	if flags.Changed("min-hits") {
		cfg.Tracking.MinHits = opts.minHits
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	format, err := replay.ParseBBoxFormat(opts.bboxFormat)
	if err != nil {
		return err
	}

	log := logger.NewWithWriter(os.Stderr, cfg.Log.Level)

	var in io.Reader = cmd.InOrStdin()
	if opts.input != "" {
		file, err := os.Open(opts.input)
		if err != nil {
			return fmt.Errorf("failed to open input: %w", err)
		}
		defer file.Close()
		in = file
	}

	out := bufio.NewWriter(cmd.OutOrStdout())
	defer out.Flush()

	orchestrator := tracking.NewOrchestrator(
		tracking.NewIOUAssociator(tracking.IOUConfig{
			IOUThreshold: cfg.Tracking.IOUThreshold,
			MaxLost:      cfg.Tracking.MaxLost,
			MinHits:      cfg.Tracking.MinHits,
		}),
		cfg.Tracking.ClassNames,
		log,
	)
	if opts.frameStats || cfg.Tracking.KeepFrameStatistics {
		orchestrator.KeepFrameStatistics()
	}

	source := replay.NewLineSource(in, opts.annotate)
	var writeErr error
	onFrame := func(stats tracks.FrameStats) {
		if !opts.annotate || writeErr != nil {
			return
		}
		line, ok := source.Take(stats.FrameIndex)
		if !ok {
			return
		}
		annotated, err := replay.Annotate(line, stats)
		if err != nil {
			writeErr = err
			return
		}
		if _, err := out.Write(append(annotated, '\n')); err != nil {
			writeErr = err
		}
	}

	report, runErr := orchestrator.Run(cmd.Context(), replay.Detector{Format: format}, source, cfg.Tracking.QueueDepth, onFrame)
	if writeErr != nil {
		return fmt.Errorf("failed to write output: %w", writeErr)
	}

	logResult(log, report, orchestrator.Summary())

	if !opts.annotate {
		var result interface{} = report
		if opts.summary {
			result = orchestrator.Summary()
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}

	if runErr != nil {
		return fmt.Errorf("replay stopped at frame %d: %w", orchestrator.Registry().LastFrame(), runErr)
	}
	return nil
}

func logResult(log zerolog.Logger, report tracks.Report, summary tracks.Summary) {
	log.Info().
		Int("frames_processed", report.TotalFrames).
		Int("unique_objects", report.UniqueObjects).
		Int("completed_tracks", report.CompletedTracks).
		Int("total_detections", summary.TotalDetections).
		Msg("replay finished")
}
