package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"trackstats-service/internal/config"
	"trackstats-service/internal/domain/tracks"
	"trackstats-service/internal/service"
)

type Handler struct {
	trackingService *service.TrackingService
	config          *config.Config
	log             zerolog.Logger
}

func NewHandler(
	trackingService *service.TrackingService,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		trackingService: trackingService,
		config:          cfg,
		log:             log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.GET("/health", h.health)
		public.GET("/runs", h.listRuns)
		public.GET("/runs/:id/report", h.getReport)
		public.GET("/runs/:id/summary", h.getSummary)
		public.GET("/runs/:id/tracks", h.listTracks)
		public.GET("/runs/:id/frames", h.listFrames)
	}

	// Protected endpoints
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/runs", h.startRun)
		protected.POST("/runs/:id/frames", h.submitFrame)
		protected.POST("/runs/:id/finish", h.finishRun)
	}
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "online",
		"environment": h.config.Environment,
	})
}

type startRunRequest struct {
	Source string `json:"source" binding:"required"`
}

func (h *Handler) startRun(c *gin.Context) {
	var req startRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	run, err := h.trackingService.StartRun(c.Request.Context(), req.Source)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusCreated, successResponse(run))
}

type submitFrameRequest struct {
	FrameIndex *int                  `json:"frame_index" binding:"required"`
	Detections []tracks.RawDetection `json:"detections"`
}

func (h *Handler) submitFrame(c *gin.Context) {
	id, ok := h.runID(c)
	if !ok {
		return
	}

	var req submitFrameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	stats, err := h.trackingService.SubmitFrame(c.Request.Context(), id, *req.FrameIndex, req.Detections)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(stats))
}

func (h *Handler) finishRun(c *gin.Context) {
	id, ok := h.runID(c)
	if !ok {
		return
	}

	report, err := h.trackingService.FinishRun(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(report))
}

func (h *Handler) getReport(c *gin.Context) {
	id, ok := h.runID(c)
	if !ok {
		return
	}

	report, err := h.trackingService.GetReport(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(report))
}

func (h *Handler) getSummary(c *gin.Context) {
	id, ok := h.runID(c)
	if !ok {
		return
	}

	summary, err := h.trackingService.GetSummary(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(summary))
}

func (h *Handler) listTracks(c *gin.Context) {
	id, ok := h.runID(c)
	if !ok {
		return
	}

	var className *string
	if class := strings.TrimSpace(c.Query("class")); class != "" {
		className = &class
	}

	stats, err := h.trackingService.ListTracks(c.Request.Context(), id, className)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(stats))
}

func (h *Handler) listFrames(c *gin.Context) {
	id, ok := h.runID(c)
	if !ok {
		return
	}

	frames, err := h.trackingService.GetFrameStatistics(c.Request.Context(), id)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(frames))
}

func (h *Handler) listRuns(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := parseInt(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}

	runs, err := h.trackingService.ListRuns(c.Request.Context(), limit, offset)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(runs))
}

func (h *Handler) runID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse("invalid run id"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrConflict):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
