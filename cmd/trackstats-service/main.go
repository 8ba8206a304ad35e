package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"trackstats-service/internal/config"
	"trackstats-service/internal/db"
	httphandler "trackstats-service/internal/http"
	"trackstats-service/internal/logger"
	"trackstats-service/internal/repository"
	"trackstats-service/internal/service"
	"trackstats-service/internal/tracking"
)

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:           "trackstats-service",
		Short:         "Object tracking statistics HTTP service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("TRACKSTATS_CONFIG"), "path to config file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := logger.New(cfg.Log.Level, cfg.Log.Pretty)
	log.Info().
		Str("environment", cfg.Environment).
		Str("addr", cfg.HTTP.Addr()).
		Strs("class_names", cfg.Tracking.ClassNames).
		Msg("starting trackstats-service")

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	gdb, err := db.Connect(cfg.DB, log)
	if err != nil {
		return err
	}

	repo := repository.NewRunRepository(gdb)
	iouCfg := tracking.IOUConfig{
		IOUThreshold: cfg.Tracking.IOUThreshold,
		MaxLost:      cfg.Tracking.MaxLost,
		MinHits:      cfg.Tracking.MinHits,
	}
	trackingService := service.NewTrackingService(repo, func() tracking.Associator {
		return tracking.NewIOUAssociator(iouCfg)
	}, cfg.Tracking.ClassNames, log)
	trackingService.KeepFrameStatistics(cfg.Tracking.KeepFrameStatistics)

	r := gin.New()
	r.Use(gin.Recovery(), httphandler.RequestLogger(log), httphandler.CORSMiddleware(cfg.CORS.AllowedOrigins))

	handler := httphandler.NewHandler(trackingService, cfg, log)
	handler.Register(r, httphandler.AuthMiddleware(cfg.Auth.JWTSecret, log))

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("shutting down http server")
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		runRetention(gctx, trackingService, cfg.Retention, log)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	if open := trackingService.OpenRuns(); len(open) > 0 {
		log.Warn().Int("open_runs", len(open)).Msg("exiting with unfinished runs")
	}
	return nil
}

func runRetention(ctx context.Context, svc *service.TrackingService, cfg config.RetentionConfig, log zerolog.Logger) {
	if cfg.Days <= 0 {
		log.Info().Msg("run retention disabled")
		return
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := svc.CleanupOldRuns(ctx, cfg.Days); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("run retention pass failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
