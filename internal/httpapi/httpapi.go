// Package httpapi binds the URL policy, extractor client, progress bus, and
// scheduler behind the public HTTP surface: a chi router, a shared
// writeJSON/writeErr response layer, and the full middleware chain.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os/exec"
	"regexp"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"mediapipe/internal/config"
	"mediapipe/internal/extractor"
	"mediapipe/internal/metrics"
	"mediapipe/internal/middleware"
	"mediapipe/internal/models"
	"mediapipe/internal/progressbus"
	"mediapipe/internal/scheduler"
	"mediapipe/internal/urlpolicy"
)

// API wires the four core components behind the HTTP surface.
type API struct {
	cfg       *config.Config
	extractor *extractor.Client
	progress  *progressbus.Bus
	sched     *scheduler.Scheduler
	imgClient *resty.Client
	metrics   *metrics.Registry
}

// New constructs an API. extractorClient/progressBus/sched are constructed
// by the caller (internal/server's New) so their lifetimes can be managed
// independently of the HTTP layer.
func New(cfg *config.Config, extractorClient *extractor.Client, progressBus *progressbus.Bus, sched *scheduler.Scheduler) *API {
	return &API{
		cfg:       cfg,
		extractor: extractorClient,
		progress:  progressBus,
		sched:     sched,
		imgClient: resty.New().SetTimeout(10 * time.Second),
		metrics:   metrics.NewRegistry(),
	}
}

// Router assembles the chi router with the full middleware chain and route
// table.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()

	corsMw := cors.New(cors.Options{
		AllowOriginFunc:  a.allowOrigin,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Download-Id", "X-Job-Id", "RateLimit-Limit", "RateLimit-Remaining"},
		AllowCredentials: false,
	})
	r.Use(corsMw.Handler)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.IPAllowlistMiddleware(a.cfg.IPAllowlist))

	keys := map[string]struct{}{}
	for _, k := range a.cfg.APIKeys {
		keys[k] = struct{}{}
	}
	r.Use(middleware.APIKey(a.cfg.RequireAPIKey, keys))

	r.Use(middleware.GlobalRateLimiter(middleware.Window{Max: a.cfg.GlobalRateLimitMax, Period: 15 * time.Minute}))

	r.With(middleware.PerIPRateLimiter(middleware.Window{Max: a.cfg.AnalyzeRateLimitMax, Period: 15 * time.Minute})).
		Post("/analyze", a.handleAnalyze)
	r.With(middleware.PerIPRateLimiter(middleware.Window{Max: a.cfg.AnalyzeRateLimitMax, Period: 15 * time.Minute})).
		Post("/analyze/batch", a.handleAnalyzeBatch)

	r.Post("/queue/download", a.handleQueueDownload)
	r.Post("/queue/convert", a.handleQueueConvert)
	r.With(middleware.PerIPRateLimiter(middleware.Window{Max: a.cfg.QueueStatusRateLimitMax, Period: time.Minute})).
		Get("/queue", a.handleQueueState)
	r.With(middleware.PerIPRateLimiter(middleware.Window{Max: a.cfg.QueueStatusRateLimitMax, Period: time.Minute})).
		Get("/queue/{jobId}", a.handleGetJob)
	r.Post("/queue/{jobId}/cancel", a.handleCancelJob)

	r.With(middleware.PerIPRateLimiter(middleware.Window{Max: a.cfg.DownloadRateLimitMax, Period: time.Hour})).
		Get("/download", a.handleDownload)
	r.With(middleware.PerIPRateLimiter(middleware.Window{Max: a.cfg.ConvertRateLimitMax, Period: time.Hour})).
		Post("/convert", a.handleConvert)

	r.Get("/progress/{downloadId}", a.handleProgressStream)
	r.Get("/progress/{downloadId}/status", a.handleProgressStatus)
	r.Post("/download/{downloadId}/cancel", a.handleCancelDownload)

	r.Get("/proxy/image", a.handleProxyImage)
	r.Get("/health", a.handleHealth)
	r.Get("/selftest", a.handleSelfTest)
	r.Get("/metrics", a.handleMetrics)

	return r
}

var localhostDevOrigin = regexp.MustCompile(`^https?://localhost(:\d+)?$`)

func (a *API) allowOrigin(origin string) bool {
	if origin == "" {
		return !a.cfg.IsProduction()
	}
	for _, o := range a.cfg.AllowedOrigins {
		if o == origin {
			return true
		}
	}
	if !a.cfg.IsProduction() && localhostDevOrigin.MatchString(origin) {
		return true
	}
	return false
}

// --- analyze ---

func (a *API) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req models.AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !urlpolicy.Allowed(req.URL) {
		writeErr(w, a.cfg, http.StatusBadRequest, "invalid url")
		return
	}
	info, err := a.extractor.Analyze(r.Context(), req.URL)
	if err != nil {
		writeExtractionErr(w, a.cfg, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) handleAnalyzeBatch(w http.ResponseWriter, r *http.Request) {
	var req models.AnalyzeBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.URLs) == 0 || len(req.URLs) > a.cfg.MaxBatchURLs {
		writeErr(w, a.cfg, http.StatusBadRequest, "batch must contain 1 to max urls")
		return
	}

	results := make([]models.AnalyzeBatchItem, len(req.URLs))
	var wg sync.WaitGroup
	for i, u := range req.URLs {
		if !urlpolicy.Allowed(u) {
			results[i] = models.AnalyzeBatchItem{URL: u, Success: false, Error: "Invalid URL format"}
			continue
		}
		wg.Add(1)
		go func(i int, u string) {
			defer wg.Done()
			info, err := a.extractor.Analyze(r.Context(), u)
			if err != nil {
				results[i] = models.AnalyzeBatchItem{URL: u, Success: false, Error: err.Error()}
				return
			}
			results[i] = models.AnalyzeBatchItem{URL: u, Success: true, Info: info}
		}(i, u)
	}
	wg.Wait()

	resp := models.AnalyzeBatchResponse{Results: results, Total: len(results)}
	for _, res := range results {
		if res.Success {
			resp.Successful++
		} else {
			resp.Failed++
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- queue admission ---

func (a *API) handleQueueDownload(w http.ResponseWriter, r *http.Request) {
	var req models.QueueDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !urlpolicy.Allowed(req.URL) {
		writeErr(w, a.cfg, http.StatusBadRequest, "invalid url")
		return
	}
	jobID, canStart := a.sched.AddDownloadJob(req.URL, req.FormatID)
	writeJSON(w, http.StatusOK, models.QueueAdmitResponse{JobID: jobID, CanStart: canStart, Message: admitMessage(canStart)})
}

func (a *API) handleQueueConvert(w http.ResponseWriter, r *http.Request) {
	var req models.QueueConvertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !isSupportedTargetFormat(req.TargetFormat) {
		writeErr(w, a.cfg, http.StatusBadRequest, "unknown target format")
		return
	}
	if req.URL != "" && !urlpolicy.Allowed(req.URL) {
		writeErr(w, a.cfg, http.StatusBadRequest, "invalid url")
		return
	}
	jobID, canStart, err := a.sched.AddConvertJob(req.URL, req.TargetFormat, req.DependsOn, req.InputFile)
	if err != nil {
		writeErr(w, a.cfg, http.StatusBadRequest, "unknown depends_on job")
		return
	}
	writeJSON(w, http.StatusOK, models.QueueAdmitResponse{JobID: jobID, CanStart: canStart, Message: admitMessage(canStart)})
}

func admitMessage(canStart bool) string {
	if canStart {
		return "Job admitted and ready to start."
	}
	return "Job queued behind other work."
}

func isSupportedTargetFormat(f string) bool {
	switch strings.ToLower(f) {
	case "mp3", "aac", "mp4", "webm":
		return true
	default:
		return false
	}
}

func (a *API) handleQueueState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.sched.GetQueueState())
}

func (a *API) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := a.sched.GetJob(chi.URLParam(r, "jobId"))
	if err != nil {
		writeErr(w, a.cfg, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")
	job, err := a.sched.GetJob(jobID)
	if err != nil {
		writeErr(w, a.cfg, http.StatusNotFound, "job not found")
		return
	}
	if job.DownloadID != "" {
		a.progress.Cancel(job.DownloadID)
	}
	a.sched.CancelJob(jobID)
	writeJSON(w, http.StatusOK, models.Ack{OK: true})
}

// --- streaming ---

const mimeUnknown = "application/octet-stream"

var mimeTable = map[string]string{
	"mp4":  "video/mp4",
	"webm": "video/webm",
	"mp3":  "audio/mpeg",
	"m4a":  "audio/mp4",
	"aac":  "audio/aac",
	"ogg":  "audio/ogg",
	"opus": "audio/opus",
	"flac": "audio/flac",
}

var filenameSafe = regexp.MustCompile(`[^A-Za-z0-9 _.-]`)
var whitespaceRun = regexp.MustCompile(`\s+`)

func sanitizeFilename(name string) string {
	name = filenameSafe.ReplaceAllString(name, "")
	name = whitespaceRun.ReplaceAllString(name, "_")
	name = strings.TrimSpace(name)
	if len(name) > 100 {
		name = name[:100]
	}
	if name == "" {
		return "download"
	}
	return name
}

// resolveNameAndExt performs a best-effort analyze to recover a display
// filename and the container extension for the chosen formatID, falling
// back to generic defaults when analyze fails.
func (a *API) resolveNameAndExt(ctx context.Context, url, formatID string) (string, string) {
	name, ext := "download", "mp4"
	info, err := a.extractor.Analyze(ctx, url)
	if err != nil {
		return name, ext
	}
	if info.Title != "" {
		name = info.Title
	}
	for _, f := range info.Formats {
		if f.FormatID == formatID {
			ext = f.ContainerExt
			break
		}
	}
	return name, ext
}

func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")
	legacy := jobID == ""

	if legacy {
		url := r.URL.Query().Get("url")
		formatID := r.URL.Query().Get("format_id")
		if !urlpolicy.Allowed(url) {
			writeErr(w, a.cfg, http.StatusBadRequest, "invalid url")
			return
		}
		if formatID == "" {
			formatID = "best"
		}
		var canStart bool
		jobID, canStart = a.sched.AddDownloadJob(url, formatID)
		if !canStart {
			writeJSON(w, http.StatusAccepted, models.QueueAdmitResponse{JobID: jobID, CanStart: false, Message: admitMessage(false)})
			return
		}
	}

	job, err := a.sched.GetJob(jobID)
	if err != nil {
		writeErr(w, a.cfg, http.StatusNotFound, "job not found")
		return
	}
	if job.Kind != scheduler.KindDownload {
		writeErr(w, a.cfg, http.StatusBadRequest, "job is not a download job")
		return
	}

	downloadID := uuid.NewString()
	if !a.sched.StartJob(jobID, downloadID) {
		if legacy {
			writeJSON(w, http.StatusAccepted, models.QueueAdmitResponse{JobID: jobID, CanStart: false, Message: admitMessage(false)})
		} else {
			writeErr(w, a.cfg, http.StatusConflict, "another job is active")
		}
		return
	}

	name, ext := a.resolveNameAndExt(r.Context(), job.URL, job.FormatID)
	mime := mimeTable[ext]
	if mime == "" {
		mime = mimeUnknown
	}

	a.progress.CreateSession(downloadID)

	timeout := a.cfg.DownloadTimeout
	result, err := a.extractor.StreamDownload(r.Context(), downloadID, job.URL, job.FormatID, timeout, a.progress.SinkFor(downloadID))
	if err != nil {
		a.progress.MarkError(downloadID, err.Error())
		a.sched.FailJob(jobID, err)
		writeExtractionErr(w, a.cfg, err)
		return
	}
	defer result.Cleanup()
	a.progress.RegisterProcess(downloadID, result.Cleanup)

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sanitizeFilename(name)+"."+ext))
	setNoCacheHeaders(w)
	w.Header().Set("X-Download-Id", downloadID)
	w.Header().Set("X-Job-Id", jobID)
	w.WriteHeader(http.StatusOK)

	a.streamAndFinalize(r.Context(), jobID, downloadID, false, w, result)
}

func (a *API) handleConvert(w http.ResponseWriter, r *http.Request) {
	var req models.ConvertStreamRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	jobID := req.JobID
	if jobID == "" {
		if !urlpolicy.Allowed(req.URL) || !isSupportedTargetFormat(req.TargetFormat) {
			writeErr(w, a.cfg, http.StatusBadRequest, "invalid url or target format")
			return
		}
		var canStart bool
		var err error
		jobID, canStart, err = a.sched.AddConvertJob(req.URL, req.TargetFormat, "", "")
		if err != nil {
			writeErr(w, a.cfg, http.StatusBadRequest, "unknown depends_on job")
			return
		}
		if !canStart {
			writeJSON(w, http.StatusAccepted, models.QueueAdmitResponse{JobID: jobID, CanStart: false, Message: admitMessage(false)})
			return
		}
	}

	job, err := a.sched.GetJob(jobID)
	if err != nil {
		writeErr(w, a.cfg, http.StatusNotFound, "job not found")
		return
	}
	if job.Kind != scheduler.KindConvert {
		writeErr(w, a.cfg, http.StatusBadRequest, "job is not a convert job")
		return
	}

	downloadID := uuid.NewString()
	if !a.sched.StartJob(jobID, downloadID) {
		writeErr(w, a.cfg, http.StatusConflict, "another job is active")
		return
	}

	mime := mimeTable[strings.ToLower(job.TargetFormat)]
	if mime == "" {
		mime = mimeUnknown
	}

	a.progress.CreateSession(downloadID)

	result, err := a.extractor.ConvertMedia(r.Context(), downloadID, job.URL, job.TargetFormat, a.cfg.ConversionTimeout, a.progress.SinkFor(downloadID))
	if err != nil {
		a.progress.MarkError(downloadID, err.Error())
		a.sched.FailJob(jobID, err)
		writeExtractionErr(w, a.cfg, err)
		return
	}
	defer result.Cleanup()
	a.progress.RegisterProcess(downloadID, result.Cleanup)

	w.Header().Set("Content-Type", mime)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "converted."+strings.ToLower(job.TargetFormat)))
	setNoCacheHeaders(w)
	w.Header().Set("X-Download-Id", downloadID)
	w.Header().Set("X-Job-Id", jobID)
	w.WriteHeader(http.StatusOK)

	a.streamAndFinalize(r.Context(), jobID, downloadID, true, w, result)
}

// streamAndFinalize copies the child's output to the response, then marks
// the session/job terminal based on the outcome. Covers the three ways a
// stream ends: normal completion, subprocess error, and client disconnect
// (via the request context being done).
func (a *API) streamAndFinalize(ctx context.Context, jobID, downloadID string, isConvert bool, w http.ResponseWriter, result *extractor.StreamResult) {
	started := time.Now()
	disconnected := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			result.Cleanup()
		case <-disconnected:
		}
	}()
	defer close(disconnected)

	flusher, _ := w.(http.Flusher)
	buf := make([]byte, 64*1024)
	for {
		n, readErr := result.Reader.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				result.Cleanup()
				break
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr != nil {
			break
		}
	}

	if err := result.Wait(); err != nil {
		log.Printf("[job %s] failed: %v", jobID, err)
		a.progress.MarkError(downloadID, err.Error())
		a.sched.FailJob(jobID, err)
		a.metrics.RecordError()
		return
	}
	log.Printf("[job %s] completed in %s", jobID, time.Since(started))
	a.progress.MarkCompleted(downloadID)
	a.sched.CompleteJob(jobID)
	a.metrics.RecordSuccess()
	a.metrics.ObserveDuration(time.Since(started).Seconds(), isConvert)
}

func setNoCacheHeaders(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
}

// --- progress ---

func (a *API) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	downloadID := chi.URLParam(r, "downloadId")
	ch, unsubscribe, ok := a.progress.Subscribe(downloadID)
	if !ok {
		writeErr(w, a.cfg, http.StatusBadRequest, "unknown download id")
		return
	}
	defer unsubscribe()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if rc := http.NewResponseController(w); rc != nil {
		_ = rc.SetWriteDeadline(time.Time{})
	}

	flusher, _ := w.(http.Flusher)
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, open := <-ch:
			if !open {
				return
			}
			payload, _ := json.Marshal(evt)
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}

func (a *API) handleProgressStatus(w http.ResponseWriter, r *http.Request) {
	downloadID := chi.URLParam(r, "downloadId")
	evt, ok := a.progress.GetProgress(downloadID)
	if !ok {
		writeErr(w, a.cfg, http.StatusNotFound, "unknown download id")
		return
	}
	writeJSON(w, http.StatusOK, evt)
}

func (a *API) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	downloadID := chi.URLParam(r, "downloadId")
	if _, ok := a.progress.GetProgress(downloadID); !ok {
		writeErr(w, a.cfg, http.StatusNotFound, "unknown download id")
		return
	}
	a.progress.Cancel(downloadID)
	if jobID, ok := a.sched.JobIDForDownloadID(downloadID); ok {
		a.sched.CancelJob(jobID)
	}
	writeJSON(w, http.StatusOK, models.Ack{OK: true})
}

// --- image proxy ---

func (a *API) handleProxyImage(w http.ResponseWriter, r *http.Request) {
	imgURL := r.URL.Query().Get("url")
	if !urlpolicy.Allowed(imgURL) {
		writeErr(w, a.cfg, http.StatusBadRequest, "invalid url")
		return
	}

	resp, err := a.imgClient.R().SetContext(r.Context()).SetDoNotParseResponse(true).Get(imgURL)
	if err != nil {
		writeErr(w, a.cfg, http.StatusGatewayTimeout, "upstream fetch failed")
		return
	}
	body := resp.RawBody()
	defer body.Close()

	contentType := resp.Header().Get("Content-Type")
	if !strings.HasPrefix(contentType, "image/") {
		writeErr(w, a.cfg, http.StatusBadRequest, "upstream is not an image")
		return
	}

	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, body)
}

// --- health ---

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.HealthResponse{Status: "ok"})
}

// handleSelfTest checks that the extractor and transcoder executables are
// present and runnable, for operators diagnosing a "spawn extractor" class
// failure without shelling into the host.
func (a *API) handleSelfTest(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, models.SelfTestResponse{
		Tools: []models.ToolStatus{
			checkTool(a.cfg.ExtractorPath, "--version"),
			checkTool(a.cfg.TranscoderPath, "-version"),
		},
	})
}

func checkTool(path, versionFlag string) models.ToolStatus {
	out, err := exec.Command(path, versionFlag).Output()
	status := models.ToolStatus{Name: path}
	if err != nil {
		status.Error = err.Error()
		return status
	}
	lines := strings.SplitN(string(out), "\n", 2)
	status.Version = strings.TrimSpace(lines[0])
	return status
}

// --- metrics ---

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	state := a.sched.GetQueueState()
	counts := make(map[string]int, len(state.Counts))
	for status, n := range state.Counts {
		counts[string(status)] = n
	}
	writeJSON(w, http.StatusOK, models.MetricsResponse{
		UptimeSeconds:   a.metrics.UptimeSeconds(),
		SuccessCount:    a.metrics.SuccessCount.Load(),
		ErrorCount:      a.metrics.ErrorCount.Load(),
		SuccessRate:     a.metrics.SuccessRate(),
		DownloadLatency: a.metrics.DownloadLatencySnapshot(),
		ConvertLatency:  a.metrics.ConvertLatencySnapshot(),
		Queue:           counts,
		Processing:      state.Processing,
	})
}

// --- shared response helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, cfg *config.Config, code int, msg string) {
	detail := models.ErrorDetail{Message: msg}
	if !cfg.IsProduction() {
		detail.Stack = string(debug.Stack())
	}
	writeJSON(w, code, models.ErrorBody{Error: detail})
}

func writeExtractionErr(w http.ResponseWriter, cfg *config.Config, err error) {
	switch {
	case extractor.IsNotFound(err):
		writeErr(w, cfg, http.StatusInternalServerError, err.Error())
	case extractor.IsUnsupported(err):
		writeErr(w, cfg, http.StatusBadRequest, err.Error())
	case extractor.IsUnavailable(err):
		writeErr(w, cfg, http.StatusBadRequest, err.Error())
	case extractor.IsTimeout(err):
		writeErr(w, cfg, http.StatusGatewayTimeout, err.Error())
	default:
		writeErr(w, cfg, http.StatusInternalServerError, err.Error())
	}
}
