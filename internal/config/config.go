// Package config loads runtime configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all runtime configuration parsed from environment variables.
//
// For each field below, the corresponding environment variable is indicated
// in parentheses with its default. Values are read once at startup.
type Config struct {
	// Port is the TCP port the HTTP server listens on. (PORT, default 8080)
	Port string

	// ExtractorPath and TranscoderPath are paths or bare executable names
	// for the two external tools this service shells out to.
	// (EXTRACTOR_PATH default "yt-dlp", TRANSCODER_PATH default "ffmpeg")
	ExtractorPath  string
	TranscoderPath string

	// AnalyzeTimeout bounds a single `analyze` invocation. (ANALYZE_TIMEOUT_MS, default 30000)
	AnalyzeTimeout time.Duration

	// DownloadTimeout and ConversionTimeout bound the lifetime of a streamed
	// download/convert child process. (DOWNLOAD_TIMEOUT_MS default 600000,
	// CONVERSION_TIMEOUT_MS default 900000)
	DownloadTimeout   time.Duration
	ConversionTimeout time.Duration

	// GracefulKillWindow is how long a terminated child is given to exit
	// cleanly before a hard kill signal is sent. (GRACEFUL_KILL_WINDOW_MS, default 2000)
	GracefulKillWindow time.Duration

	// AnalyzeBufferCap bounds how much of the extractor's analyze-mode
	// stdout is buffered before the call fails. (ANALYZE_BUFFER_CAP_BYTES, default 10MiB)
	AnalyzeBufferCap int64

	// OEmbedEndpoint and DurationAPIEndpoint, when set, let analyze enrich
	// title/thumbnail/duration from a fast HTTP lookup run concurrently with
	// the extractor's JSON dump instead of waiting on it alone. Unset by
	// default, in which case analyze relies on the extractor exclusively.
	// (OEMBED_ENDPOINT, DURATION_API_ENDPOINT)
	OEmbedEndpoint      string
	DurationAPIEndpoint string

	// MetadataFastPathTimeout bounds the oEmbed/duration HTTP lookups.
	// (METADATA_FAST_PATH_TIMEOUT_MS, default 5000)
	MetadataFastPathTimeout time.Duration

	// JobTTL and SessionTTL govern how long terminal jobs/sessions are kept
	// before the periodic GC removes them. (JOB_TTL default 30m, SESSION_TTL default 30m)
	JobTTL     time.Duration
	SessionTTL time.Duration

	// GCInterval is how often the job/session GC sweep runs. (GC_INTERVAL, default 5m)
	GCInterval time.Duration

	// CancelGracePeriod is how long a cancelled download/conversion session
	// is kept around before removal, so a client mid-poll still observes the
	// terminal status. (CANCEL_GRACE_PERIOD, default 5s)
	CancelGracePeriod time.Duration

	// HeartbeatInterval is the push-stream keepalive cadence. (HEARTBEAT_INTERVAL, default 30s)
	HeartbeatInterval time.Duration

	// Rate limit windows, expressed as "N per window". (RATE_LIMIT_MAX,
	// ANALYZE_RATE_LIMIT_MAX, DOWNLOAD_RATE_LIMIT_MAX, CONVERT_RATE_LIMIT_MAX,
	// QUEUE_STATUS_RATE_LIMIT_MAX)
	GlobalRateLimitMax      int
	AnalyzeRateLimitMax     int
	DownloadRateLimitMax    int
	ConvertRateLimitMax     int
	QueueStatusRateLimitMax int

	// AllowedOrigins feeds CORS. In development mode, requests without an
	// Origin header and localhost:3000-equivalents are additionally
	// permitted. (ALLOWED_ORIGINS, MODE)
	AllowedOrigins []string
	Mode           string

	// Redis connection settings for the optional Redis-backed queue-state
	// snapshot mirror. If RedisAddr is non-empty and reachable at boot,
	// Redis is used; otherwise an in-memory store is used.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// MaxBatchURLs caps how many URLs a single /analyze/batch call accepts.
	MaxBatchURLs int

	// ProgressEventBuffer bounds the number of buffered events per progress
	// subscriber before events are coalesced.
	ProgressEventBuffer int

	// RequireAPIKey and APIKeys gate the whole API behind a shared-secret
	// header; both are opt-in and empty/false by default. (REQUIRE_API_KEY,
	// API_KEYS comma-separated)
	RequireAPIKey bool
	APIKeys       []string

	// IPAllowlist, when non-empty, restricts access to the listed client
	// IPs. (IP_ALLOWLIST comma-separated)
	IPAllowlist []string
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getEnvInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return i
}

func getEnvDurationMS(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	res := make([]string, 0, len(parts))
	for _, p := range parts {
		pt := strings.TrimSpace(p)
		if pt != "" {
			res = append(res, pt)
		}
	}
	return res
}

// Load reads configuration from the environment, falling back to
// documented defaults for anything unset.
func Load() *Config {
	return &Config{
		Port: getEnv("PORT", "8080"),

		ExtractorPath:  getEnv("EXTRACTOR_PATH", "yt-dlp"),
		TranscoderPath: getEnv("TRANSCODER_PATH", "ffmpeg"),

		AnalyzeTimeout:     getEnvDurationMS("ANALYZE_TIMEOUT_MS", 30*time.Second),
		DownloadTimeout:    getEnvDurationMS("DOWNLOAD_TIMEOUT_MS", 10*time.Minute),
		ConversionTimeout:  getEnvDurationMS("CONVERSION_TIMEOUT_MS", 15*time.Minute),
		GracefulKillWindow: getEnvDurationMS("GRACEFUL_KILL_WINDOW_MS", 2*time.Second),

		AnalyzeBufferCap: getEnvInt64("ANALYZE_BUFFER_CAP_BYTES", 10*1024*1024),

		OEmbedEndpoint:          getEnv("OEMBED_ENDPOINT", ""),
		DurationAPIEndpoint:     getEnv("DURATION_API_ENDPOINT", ""),
		MetadataFastPathTimeout: getEnvDurationMS("METADATA_FAST_PATH_TIMEOUT_MS", 5*time.Second),

		JobTTL:            getEnvDuration("JOB_TTL", 30*time.Minute),
		SessionTTL:        getEnvDuration("SESSION_TTL", 30*time.Minute),
		GCInterval:        getEnvDuration("GC_INTERVAL", 5*time.Minute),
		CancelGracePeriod: getEnvDuration("CANCEL_GRACE_PERIOD", 5*time.Second),

		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),

		GlobalRateLimitMax:      getEnvInt("RATE_LIMIT_MAX", 100),
		AnalyzeRateLimitMax:     getEnvInt("ANALYZE_RATE_LIMIT_MAX", 30),
		DownloadRateLimitMax:    getEnvInt("DOWNLOAD_RATE_LIMIT_MAX", 10),
		ConvertRateLimitMax:     getEnvInt("CONVERT_RATE_LIMIT_MAX", 5),
		QueueStatusRateLimitMax: getEnvInt("QUEUE_STATUS_RATE_LIMIT_MAX", 300),

		AllowedOrigins: splitAndTrim(getEnv("ALLOWED_ORIGINS", "")),
		Mode:           getEnv("MODE", "development"),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		MaxBatchURLs:        getEnvInt("MAX_BATCH_URLS", 20),
		ProgressEventBuffer: getEnvInt("PROGRESS_EVENT_BUFFER", 32),

		RequireAPIKey: getEnv("REQUIRE_API_KEY", "") == "true",
		APIKeys:       splitAndTrim(getEnv("API_KEYS", "")),
		IPAllowlist:   splitAndTrim(getEnv("IP_ALLOWLIST", "")),
	}
}

// IsProduction reports whether the service is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Mode, "production")
}
