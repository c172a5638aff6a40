package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"mediapipe/internal/config"
	"mediapipe/internal/extractor"
	"mediapipe/internal/models"
	"mediapipe/internal/progressbus"
	"mediapipe/internal/scheduler"
)

func newTestAPI() *API {
	cfg := &config.Config{MaxBatchURLs: 20, GlobalRateLimitMax: 1000, AnalyzeRateLimitMax: 1000,
		DownloadRateLimitMax: 1000, ConvertRateLimitMax: 1000, QueueStatusRateLimitMax: 1000, Mode: "development"}
	extClient := extractor.New(extractor.Config{ExtractorPath: "yt-dlp", TranscoderPath: "ffmpeg", AnalyzeTimeout: time.Second})
	bus := progressbus.New(progressbus.Config{})
	sched := scheduler.New(scheduler.Config{NewID: func() string {
		return "job-" + time.Now().Format("150405.000000000")
	}})
	return New(cfg, extClient, bus, sched)
}

func TestHandleHealth(t *testing.T) {
	a := newTestAPI()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body models.HealthResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
}

func TestHandleSelfTest(t *testing.T) {
	a := newTestAPI()
	req := httptest.NewRequest(http.MethodGet, "/selftest", nil)
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body models.SelfTestResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body.Tools, 2)
}

func TestHandleMetrics(t *testing.T) {
	a := newTestAPI()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var body models.MetricsResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1.0, body.SuccessRate)
	assert.NotNil(t, body.Queue)
}

func TestHandleQueueDownloadThenGetJob(t *testing.T) {
	a := newTestAPI()

	reqBody := `{"url":"https://example.test/watch","format_id":"22"}`
	req := httptest.NewRequest(http.MethodPost, "/queue/download", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var admit models.QueueAdmitResponse
	assert.NoError(t, json.Unmarshal(rec.Body.Bytes(), &admit))
	assert.True(t, admit.CanStart)

	req2 := httptest.NewRequest(http.MethodGet, "/queue/"+admit.JobID, nil)
	rec2 := httptest.NewRecorder()
	a.Router().ServeHTTP(rec2, req2)
	assert.Equal(t, http.StatusOK, rec2.Code)
}

func TestHandleQueueDownloadRejectsBlockedURL(t *testing.T) {
	a := newTestAPI()
	req := httptest.NewRequest(http.MethodPost, "/queue/download", strings.NewReader(`{"url":"http://localhost/x","format_id":"22"}`))
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetJobUnknownReturns404(t *testing.T) {
	a := newTestAPI()
	req := httptest.NewRequest(http.MethodGet, "/queue/does-not-exist", nil)
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleCancelDownloadUnknownReturns404(t *testing.T) {
	a := newTestAPI()
	req := httptest.NewRequest(http.MethodPost, "/download/does-not-exist/cancel", nil)
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleQueueConvertRejectsUnknownFormat(t *testing.T) {
	a := newTestAPI()
	req := httptest.NewRequest(http.MethodPost, "/queue/convert", strings.NewReader(`{"url":"https://example.test/v","target_format":"exe"}`))
	rec := httptest.NewRecorder()
	a.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSanitizeFilename(t *testing.T) {
	assert.Equal(t, "download", sanitizeFilename(""))
	assert.Equal(t, "My_Clip", sanitizeFilename("My Clip"))
	assert.Equal(t, "a-b.cd", sanitizeFilename("a-b.c/d"))
}

func TestSanitizeFilenameIsIdempotent(t *testing.T) {
	once := sanitizeFilename("weird <<title>> @@ 2024")
	twice := sanitizeFilename(once)
	assert.Equal(t, once, twice)
}

func TestIsSupportedTargetFormat(t *testing.T) {
	assert.True(t, isSupportedTargetFormat("MP3"))
	assert.True(t, isSupportedTargetFormat("webm"))
	assert.False(t, isSupportedTargetFormat("exe"))
}

func TestAllowOriginDevelopmentPermitsLocalhost(t *testing.T) {
	a := newTestAPI()
	assert.True(t, a.allowOrigin("http://localhost:3000"))
	assert.True(t, a.allowOrigin(""))
}

func TestAllowOriginProductionRequiresAllowlist(t *testing.T) {
	a := newTestAPI()
	a.cfg.Mode = "production"
	a.cfg.AllowedOrigins = []string{"https://app.example.test"}
	assert.False(t, a.allowOrigin(""))
	assert.False(t, a.allowOrigin("http://localhost:3000"))
	assert.True(t, a.allowOrigin("https://app.example.test"))
}
