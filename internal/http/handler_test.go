package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"trackstats-service/internal/config"
	"trackstats-service/internal/domain/tracks"
	"trackstats-service/internal/repository"
	"trackstats-service/internal/service"
	"trackstats-service/internal/tracking"
)

const testSecret = "test-secret"

type stubStore struct {
	mu   sync.Mutex
	runs map[uuid.UUID]*repository.TrackingRun
}

func (s *stubStore) CreateRun(_ context.Context, run *repository.TrackingRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run.ID = uuid.New()
	run.Status = repository.RunStatusRunning
	run.StartedAt = time.Now()
	copied := *run
	s.runs[run.ID] = &copied
	return nil
}

func (s *stubStore) CompleteRun(_ context.Context, id uuid.UUID, status string, report tracks.Report, summary tracks.Summary, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return repository.ErrRunNotFound
	}
	reportJSON, _ := json.Marshal(report)
	summaryJSON, _ := json.Marshal(summary)
	run.Status = status
	run.Report = datatypes.JSON(reportJSON)
	run.Summary = datatypes.JSON(summaryJSON)
	return nil
}

func (s *stubStore) GetRun(_ context.Context, id uuid.UUID) (*repository.TrackingRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, repository.ErrRunNotFound
	}
	copied := *run
	return &copied, nil
}

func (s *stubStore) ListRuns(_ context.Context, _, _ int) ([]repository.TrackingRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]repository.TrackingRun, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, *r)
	}
	return out, nil
}

func (s *stubStore) FindTracks(context.Context, uuid.UUID, *string) ([]repository.TrackRecord, error) {
	return nil, nil
}

func (s *stubStore) DeleteRunsBefore(context.Context, time.Time) (int64, error) {
	return 0, nil
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := &stubStore{runs: make(map[uuid.UUID]*repository.TrackingRun)}
	svc := service.NewTrackingService(store, func() tracking.Associator {
		return tracking.NewIOUAssociator(tracking.IOUConfig{IOUThreshold: 0.3, MaxLost: 2, MinHits: 1})
	}, []string{"bottle"}, zerolog.Nop())
	svc.KeepFrameStatistics(true)

	cfg := &config.Config{Environment: "test", CORS: config.CORSConfig{AllowedOrigins: []string{"https://dashboard.example"}}}
	r := gin.New()
	r.Use(CORSMiddleware(cfg.CORS.AllowedOrigins))
	NewHandler(svc, cfg, zerolog.Nop()).Register(r, AuthMiddleware(testSecret, zerolog.Nop()))
	return r
}

func signedToken(t *testing.T, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
}

func do(t *testing.T, r *gin.Engine, method, path string, body interface{}, token string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w.Code, env
}

func startRun(t *testing.T, r *gin.Engine, token string) uuid.UUID {
	t.Helper()
	code, env := do(t, r, http.MethodPost, "/api/v1/runs", gin.H{"source": "belt-cam"}, token)
	require.Equal(t, http.StatusCreated, code, env.Error)

	var run service.RunInfo
	require.NoError(t, json.Unmarshal(env.Data, &run))
	require.NotEqual(t, uuid.Nil, run.ID)
	return run.ID
}

func frameBody(index int, boxes ...[4]float64) gin.H {
	dets := make([]gin.H, 0, len(boxes))
	for _, b := range boxes {
		dets = append(dets, gin.H{"bbox": b, "confidence": 0.9, "class_id": 0})
	}
	return gin.H{"frame_index": index, "detections": dets}
}

func TestHealth(t *testing.T) {
	r := newTestRouter(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"online","environment":"test"}`, w.Body.String())
}

func TestRunFlow(t *testing.T) {
	r := newTestRouter(t)
	token := signedToken(t, testSecret)
	id := startRun(t, r, token)
	base := "/api/v1/runs/" + id.String()

	code, env := do(t, r, http.MethodPost, base+"/frames", frameBody(1, [4]float64{0, 0, 10, 10}), token)
	require.Equal(t, http.StatusOK, code, env.Error)
	var stats tracks.FrameStats
	require.NoError(t, json.Unmarshal(env.Data, &stats))
	assert.Equal(t, 1, stats.FrameIndex)
	assert.Equal(t, 1, stats.NewObjects)
	assert.Equal(t, map[string]int{"bottle": 1}, stats.ClassCounts)

	code, _ = do(t, r, http.MethodPost, base+"/frames", frameBody(2, [4]float64{1, 0, 11, 10}), token)
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, r, http.MethodPost, base+"/frames", frameBody(3), token)
	require.Equal(t, http.StatusOK, code)

	code, env = do(t, r, http.MethodGet, base+"/report", nil, "")
	require.Equal(t, http.StatusOK, code)
	var report tracks.Report
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, 3, report.TotalFrames)
	assert.Equal(t, 1, report.CompletedTracks)
	require.Len(t, report.TrackStatistics, 1)
	assert.InDelta(t, 1.0, report.TrackStatistics[0].TotalDistance, 1e-9)

	code, env = do(t, r, http.MethodGet, base+"/tracks?class=bottle", nil, "")
	require.Equal(t, http.StatusOK, code)
	var trackList []tracks.TrackStatistics
	require.NoError(t, json.Unmarshal(env.Data, &trackList))
	assert.Len(t, trackList, 1)

	code, env = do(t, r, http.MethodPost, base+"/finish", nil, token)
	require.Equal(t, http.StatusOK, code, env.Error)

	code, env = do(t, r, http.MethodGet, base+"/frames", nil, "")
	require.Equal(t, http.StatusOK, code)
	var frames []tracks.FrameStats
	require.NoError(t, json.Unmarshal(env.Data, &frames))
	require.Len(t, frames, 3)
	assert.Equal(t, 1, frames[0].NewObjects)
	assert.Equal(t, []int{1}, frames[2].CompletedTrackIDs)

	code, env = do(t, r, http.MethodGet, base+"/summary", nil, "")
	require.Equal(t, http.StatusOK, code)
	var summary tracks.Summary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, 2, summary.TotalDetections)
	assert.Equal(t, 3, summary.FramesProcessed)

	code, env = do(t, r, http.MethodPost, base+"/frames", frameBody(4), token)
	assert.Equal(t, http.StatusConflict, code)
	assert.NotEmpty(t, env.Error)

	code, env = do(t, r, http.MethodGet, "/api/v1/runs?limit=10", nil, "")
	require.Equal(t, http.StatusOK, code)
	var runs []service.RunInfo
	require.NoError(t, json.Unmarshal(env.Data, &runs))
	require.Len(t, runs, 1)
	assert.Equal(t, repository.RunStatusCompleted, runs[0].Status)
}

func TestErrorMapping(t *testing.T) {
	r := newTestRouter(t)
	token := signedToken(t, testSecret)
	id := startRun(t, r, token)
	base := "/api/v1/runs/" + id.String()

	cases := []struct {
		name   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"malformed id", http.MethodGet, "/api/v1/runs/not-a-uuid/report", nil, http.StatusBadRequest},
		{"unknown run", http.MethodGet, "/api/v1/runs/" + uuid.NewString() + "/report", nil, http.StatusNotFound},
		{"unknown run finish", http.MethodPost, "/api/v1/runs/" + uuid.NewString() + "/finish", nil, http.StatusNotFound},
		{"missing frame index", http.MethodPost, base + "/frames", gin.H{"detections": []gin.H{}}, http.StatusBadRequest},
		{"missing source", http.MethodPost, "/api/v1/runs", gin.H{}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, env := do(t, r, tc.method, tc.path, tc.body, token)
			assert.Equal(t, tc.want, code)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestContractViolationAbortsRun(t *testing.T) {
	r := newTestRouter(t)
	token := signedToken(t, testSecret)
	id := startRun(t, r, token)
	base := "/api/v1/runs/" + id.String()

	code, _ := do(t, r, http.MethodPost, base+"/frames", frameBody(2, [4]float64{0, 0, 10, 10}), token)
	require.Equal(t, http.StatusOK, code)

	code, env := do(t, r, http.MethodPost, base+"/frames", frameBody(2), token)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Error, "out of order")

	code, _ = do(t, r, http.MethodPost, base+"/frames", frameBody(3), token)
	assert.Equal(t, http.StatusConflict, code)

	code, env = do(t, r, http.MethodGet, base+"/report", nil, "")
	require.Equal(t, http.StatusOK, code)
	var report tracks.Report
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, 2, report.TotalFrames)
}

func TestInvalidDetectionIsBadRequest(t *testing.T) {
	r := newTestRouter(t)
	token := signedToken(t, testSecret)
	id := startRun(t, r, token)

	code, env := do(t, r, http.MethodPost, "/api/v1/runs/"+id.String()+"/frames", frameBody(1, [4]float64{10, 0, 0, 10}), token)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Error, "detection 0")
}

func TestAuthMiddleware(t *testing.T) {
	r := newTestRouter(t)

	cases := []struct {
		name  string
		token string
		want  int
	}{
		{"no token", "", http.StatusUnauthorized},
		{"wrong secret", signedToken(t, "other-secret"), http.StatusUnauthorized},
		{"garbage", "abc.def.ghi", http.StatusUnauthorized},
		{"valid", signedToken(t, testSecret), http.StatusCreated},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, _ := do(t, r, http.MethodPost, "/api/v1/runs", gin.H{"source": "cam"}, tc.token)
			assert.Equal(t, tc.want, code)
		})
	}

	t.Run("expired", func(t *testing.T) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		})
		signed, err := token.SignedString([]byte(testSecret))
		require.NoError(t, err)

		code, _ := do(t, r, http.MethodPost, "/api/v1/runs", gin.H{"source": "cam"}, signed)
		assert.Equal(t, http.StatusUnauthorized, code)
	})

	t.Run("reads are public", func(t *testing.T) {
		code, _ := do(t, r, http.MethodGet, "/api/v1/runs", nil, "")
		assert.Equal(t, http.StatusOK, code)
	})
}

func TestAuthDisabledWithoutSecret(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(AuthMiddleware("", zerolog.Nop()))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	r := newTestRouter(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/runs", nil)
	req.Header.Set("Origin", "https://dashboard.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "https://dashboard.example", w.Header().Get("Access-Control-Allow-Origin"))
}
