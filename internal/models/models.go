// Package models holds the JSON wire types exchanged across the HTTP edge.
package models

import "mediapipe/internal/extractor"

// AnalyzeRequest is the body of POST /analyze.
type AnalyzeRequest struct {
	URL string `json:"url"`
}

// AnalyzeBatchRequest is the body of POST /analyze/batch.
type AnalyzeBatchRequest struct {
	URLs []string `json:"urls"`
}

// AnalyzeBatchItem is one entry in AnalyzeBatchResponse.Results.
type AnalyzeBatchItem struct {
	URL     string              `json:"url"`
	Success bool                `json:"success"`
	Info    *extractor.MediaInfo `json:"info,omitempty"`
	Error   string              `json:"error,omitempty"`
}

// AnalyzeBatchResponse is the body of POST /analyze/batch's success reply.
type AnalyzeBatchResponse struct {
	Results    []AnalyzeBatchItem `json:"results"`
	Total      int                `json:"total"`
	Successful int                `json:"successful"`
	Failed     int                `json:"failed"`
}

// QueueDownloadRequest is the body of POST /queue/download.
type QueueDownloadRequest struct {
	URL      string `json:"url"`
	FormatID string `json:"format_id"`
}

// QueueConvertRequest is the body of POST /queue/convert.
type QueueConvertRequest struct {
	URL          string `json:"url"`
	TargetFormat string `json:"target_format"`
	DependsOn    string `json:"depends_on"`
	InputFile    string `json:"input_file"`
}

// QueueAdmitResponse is the shared success shape for both queue-admission
// endpoints.
type QueueAdmitResponse struct {
	JobID    string `json:"jobId"`
	CanStart bool   `json:"canStart"`
	Message  string `json:"message"`
}

// ConvertStreamRequest is the body of POST /convert.
type ConvertStreamRequest struct {
	URL          string `json:"url"`
	TargetFormat string `json:"target_format"`
	JobID        string `json:"jobId"`
}

// Ack is returned by cancel endpoints.
type Ack struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

// ErrorBody is the JSON shape of every non-2xx response emitted before any
// response bytes have been flushed.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the error message and, in development mode only, a
// stack trace.
type ErrorDetail struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ToolStatus reports whether one external tool (the extractor or the
// transcoder executable) was found and runnable.
type ToolStatus struct {
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
	Error   string `json:"error,omitempty"`
}

// SelfTestResponse is the body of GET /selftest: presence/version checks for
// the external tools the extractor client shells out to.
type SelfTestResponse struct {
	Tools []ToolStatus `json:"tools"`
}

// MetricsResponse is the body of GET /metrics: a snapshot of request-level
// counters and per-kind job latency histograms alongside the live queue
// counts already exposed by GET /queue.
type MetricsResponse struct {
	UptimeSeconds   int64           `json:"uptimeSeconds"`
	SuccessCount    int64           `json:"successCount"`
	ErrorCount      int64           `json:"errorCount"`
	SuccessRate     float64         `json:"successRate"`
	DownloadLatency [10]int64       `json:"downloadLatencyBuckets"`
	ConvertLatency  [10]int64       `json:"convertLatencyBuckets"`
	Queue           map[string]int  `json:"queueCounts"`
	Processing      string          `json:"processing,omitempty"`
}
