// Package extractor wraps the external extractor (a yt-dlp-like CLI) and
// transcoder (an ffmpeg-like CLI) executables, normalizing their output
// into the public format model and streaming media bytes to callers.
package extractor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
)

// ProgressSink receives byte/total updates as a stream flows. Implemented
// by the progress bus; kept as an interface here so this package never
// imports it back.
type ProgressSink interface {
	UpdateProgress(bytesDownloaded int64, total *int64)
}

// Config configures a Client.
type Config struct {
	ExtractorPath      string
	TranscoderPath     string
	AnalyzeTimeout     time.Duration
	AnalyzeBufferCap   int64
	GracefulKillWindow time.Duration

	// OEmbedEndpoint and DurationAPIEndpoint, when set, enable analyze's HTTP
	// metadata fast path. Left empty, the fast path is a no-op and analyze
	// relies on the extractor's JSON dump alone.
	OEmbedEndpoint          string
	DurationAPIEndpoint     string
	MetadataFastPathTimeout time.Duration
}

// Client invokes the extractor and transcoder executables.
type Client struct {
	cfg  Config
	http *resty.Client
}

// New constructs a Client from the given configuration.
func New(cfg Config) *Client {
	if cfg.GracefulKillWindow == 0 {
		cfg.GracefulKillWindow = 2 * time.Second
	}
	if cfg.MetadataFastPathTimeout == 0 {
		cfg.MetadataFastPathTimeout = 5 * time.Second
	}
	return &Client{cfg: cfg, http: resty.New().SetTimeout(cfg.MetadataFastPathTimeout)}
}

// StreamResult is returned by StreamDownload/ConvertMedia.
type StreamResult struct {
	// Reader yields the media bytes to copy into the HTTP response.
	Reader io.Reader
	// Cleanup terminates any owned processes and releases pipes. It is
	// idempotent and safe to call multiple times or concurrently with Wait.
	Cleanup func()
	// Wait blocks until the underlying process(es) exit, returning the
	// terminal error (nil on a clean exit).
	Wait func() error
}

const minProgressChunk = 64 * 1024

var stderrProgressRe = regexp.MustCompile(`(?i)\[download\]\s+[\d.]+%\s+of\s+([\d.]+)\s*(KiB|MiB|GiB)`)

func unitMultiplier(unit string) float64 {
	switch strings.ToLower(unit) {
	case "kib":
		return 1024
	case "mib":
		return 1024 * 1024
	case "gib":
		return 1024 * 1024 * 1024
	default:
		return 1
	}
}

// countingReader feeds accumulated byte counts to a ProgressSink in chunks
// of at least minProgressChunk bytes, flushing the remainder on EOF.
type countingReader struct {
	r         io.Reader
	sink      ProgressSink
	total     *int64
	totalMu   *sync.Mutex
	count     int64
	unflushed int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.count += int64(n)
		c.unflushed += int64(n)
		if c.unflushed >= minProgressChunk {
			c.flush()
		}
	}
	if err != nil && c.sink != nil {
		c.flush()
	}
	return n, err
}

func (c *countingReader) flush() {
	if c.sink == nil {
		return
	}
	var total *int64
	if c.totalMu != nil {
		c.totalMu.Lock()
		if c.total != nil && *c.total > 0 {
			t := *c.total
			total = &t
		}
		c.totalMu.Unlock()
	}
	c.sink.UpdateProgress(c.count, total)
	c.unflushed = 0
}

// watchStderrForTotal scans r line by line, logging non-warning lines and
// updating total (guarded by mu) when a progress line reveals a byte total.
func watchStderrForTotal(r io.Reader, total *int64, mu *sync.Mutex, onLine func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if m := stderrProgressRe.FindStringSubmatch(line); len(m) == 3 {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				bytesTotal := int64(v * unitMultiplier(m[2]))
				mu.Lock()
				*total = bytesTotal
				mu.Unlock()
			}
			continue
		}
		if onLine != nil {
			onLine(line)
		}
	}
}

func isWarningLine(line string) bool {
	l := strings.ToLower(line)
	return strings.Contains(l, "warning") || strings.TrimSpace(l) == ""
}

func terminateGracefully(cmd *exec.Cmd, window time.Duration) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(syscall.SIGTERM)
	timer := time.NewTimer(window)
	defer timer.Stop()
	done := make(chan struct{})
	go func() {
		_, _ = cmd.Process.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-timer.C:
		_ = cmd.Process.Kill()
	}
}

// StreamDownload spawns the extractor configured to write the selected
// format to stdout. The returned Reader counts bytes and feeds them to
// sink in chunks of at least 64KiB; stderr is parsed for the extractor's
// progress line to recover the byte total. downloadID is used only to
// prefix log lines for non-warning stderr output.
func (c *Client) StreamDownload(ctx context.Context, downloadID, url, formatID string, timeout time.Duration, sink ProgressSink) (*StreamResult, error) {
	args := []string{"--no-playlist", "--no-warnings", "--no-call-home",
		"-f", formatID, "--prefer-free-formats", "-o", "-", url}
	cmd := exec.Command(c.cfg.ExtractorPath, args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, newError(KindFailed, "create stdout pipe: %v", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, newError(KindFailed, "create stderr pipe: %v", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, newError(KindNotFound, "spawn extractor: %v", err)
	}

	var total int64
	var totalMu sync.Mutex
	go watchStderrForTotal(stderr, &total, &totalMu, func(line string) {
		if !isWarningLine(line) {
			log.Printf("[download %s] %s", downloadID, line)
		}
	})

	timer := time.AfterFunc(timeout, func() {
		terminateGracefully(cmd, c.cfg.GracefulKillWindow)
	})

	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			timer.Stop()
			terminateGracefully(cmd, c.cfg.GracefulKillWindow)
			_ = stdout.Close()
		})
	}

	reader := &countingReader{r: stdout, sink: sink, total: &total, totalMu: &totalMu}

	wait := func() error {
		err := cmd.Wait()
		timer.Stop()
		if err != nil {
			return classifyExitErr(err)
		}
		return nil
	}

	return &StreamResult{Reader: reader, Cleanup: cleanup, Wait: wait}, nil
}

// ConvertMedia spawns the extractor (best source format) piped into the
// transcoder configured for targetFormat. The transcoder's stdin is closed
// once the extractor's stdout reaches EOF, and its stdout is the returned
// Reader. downloadID is used only to prefix log lines for non-warning
// stderr output.
func (c *Client) ConvertMedia(ctx context.Context, downloadID, url, targetFormat string, timeout time.Duration, sink ProgressSink) (*StreamResult, error) {
	transcodeArgs, ok := transcoderArgs(targetFormat)
	if !ok {
		return nil, newError(KindFailed, "unsupported target format %q", targetFormat)
	}

	extractArgs := []string{"--no-playlist", "--no-warnings", "--no-call-home", "-f", "best", "-o", "-", url}
	extractCmd := exec.Command(c.cfg.ExtractorPath, extractArgs...)
	transcodeCmd := exec.Command(c.cfg.TranscoderPath, transcodeArgs...)

	extractOut, err := extractCmd.StdoutPipe()
	if err != nil {
		return nil, newError(KindFailed, "create extractor stdout pipe: %v", err)
	}
	extractStderr, err := extractCmd.StderrPipe()
	if err != nil {
		return nil, newError(KindFailed, "create extractor stderr pipe: %v", err)
	}
	transcodeIn, err := transcodeCmd.StdinPipe()
	if err != nil {
		return nil, newError(KindFailed, "create transcoder stdin pipe: %v", err)
	}
	transcodeOut, err := transcodeCmd.StdoutPipe()
	if err != nil {
		return nil, newError(KindFailed, "create transcoder stdout pipe: %v", err)
	}

	if err := extractCmd.Start(); err != nil {
		return nil, newError(KindNotFound, "spawn extractor: %v", err)
	}
	if err := transcodeCmd.Start(); err != nil {
		terminateGracefully(extractCmd, c.cfg.GracefulKillWindow)
		return nil, newError(KindNotFound, "spawn transcoder: %v", err)
	}

	var total int64
	var totalMu sync.Mutex
	go watchStderrForTotal(extractStderr, &total, &totalMu, func(line string) {
		if !isWarningLine(line) {
			log.Printf("[convert %s] %s", downloadID, line)
		}
	})

	pipeErrCh := make(chan error, 1)
	go func() {
		_, copyErr := io.Copy(transcodeIn, extractOut)
		closeErr := transcodeIn.Close()
		if copyErr != nil {
			pipeErrCh <- copyErr
			return
		}
		pipeErrCh <- closeErr
	}()

	extractTimer := time.AfterFunc(timeout, func() {
		terminateGracefully(extractCmd, c.cfg.GracefulKillWindow)
	})
	transcodeTimer := time.AfterFunc(timeout, func() {
		terminateGracefully(transcodeCmd, c.cfg.GracefulKillWindow)
	})

	var cleanupOnce sync.Once
	cleanup := func() {
		cleanupOnce.Do(func() {
			extractTimer.Stop()
			transcodeTimer.Stop()
			terminateGracefully(extractCmd, c.cfg.GracefulKillWindow)
			terminateGracefully(transcodeCmd, c.cfg.GracefulKillWindow)
			_ = transcodeOut.Close()
		})
	}

	reader := &countingReader{r: transcodeOut, sink: sink, total: &total, totalMu: &totalMu}

	wait := func() error {
		extractWaitErr := extractCmd.Wait()
		pipeErr := <-pipeErrCh
		transcodeWaitErr := transcodeCmd.Wait()
		extractTimer.Stop()
		transcodeTimer.Stop()

		if extractWaitErr != nil {
			return classifyExitErr(extractWaitErr)
		}
		if pipeErr != nil && pipeErr != io.EOF {
			return newError(KindFailed, "pipe extractor to transcoder: %v", pipeErr)
		}
		if transcodeWaitErr != nil {
			if exitErr, ok := transcodeWaitErr.(*exec.ExitError); ok && exitErr.ExitCode() == 255 {
				// Exit code 255 is the expected result of this invocation.
				return nil
			}
			return classifyExitErr(transcodeWaitErr)
		}
		return nil
	}

	return &StreamResult{Reader: reader, Cleanup: cleanup, Wait: wait}, nil
}

func transcoderArgs(targetFormat string) ([]string, bool) {
	base := []string{"-i", "pipe:0"}
	switch strings.ToLower(targetFormat) {
	case "mp3":
		return append(base, "-vn", "-acodec", "libmp3lame", "-ab", "192k", "-ar", "44100", "-f", "mp3", "pipe:1"), true
	case "aac":
		return append(base, "-vn", "-acodec", "aac", "-ab", "192k", "-ar", "44100", "-f", "adts", "pipe:1"), true
	case "mp4":
		return append(base, "-c", "copy", "-f", "mp4", "-movflags", "frag_keyframe+empty_moov", "pipe:1"), true
	case "webm":
		return append(base, "-c", "copy", "-f", "webm", "pipe:1"), true
	default:
		return nil, false
	}
}

func classifyExitErr(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "unsupported url") || strings.Contains(msg, "is not a valid url"):
		return newError(KindUnsupported, "unsupported url: %v", err)
	case strings.Contains(msg, "private video") || strings.Contains(msg, "unavailable"):
		return newError(KindUnavailable, "media unavailable: %v", err)
	case strings.Contains(msg, "signal: killed") || strings.Contains(msg, "deadline exceeded"):
		return newError(KindTimeout, "timed out: %v", err)
	default:
		return newError(KindFailed, "extraction failed: %v", err)
	}
}

// Analyze invokes the extractor in JSON-dump mode and normalizes the result
// into a MediaInfo. Concurrently with the extractor call, it runs an HTTP
// metadata fast path (oEmbed-style title/thumbnail lookup plus a separate
// duration lookup) when OEmbedEndpoint/DurationAPIEndpoint are configured;
// the fast path only fills in fields the extractor's own JSON left empty,
// since the extractor is the only source for the format matrix and always
// wins on any field both provide.
func (c *Client) Analyze(ctx context.Context, url string) (*MediaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AnalyzeTimeout)
	defer cancel()

	fastCh := make(chan fastMetadata, 1)
	go func() { fastCh <- c.fetchFastMetadata(ctx, url) }()

	args := []string{"--dump-json", "--no-playlist", "--no-warnings", "--no-call-home", url}
	cmd := exec.CommandContext(ctx, c.cfg.ExtractorPath, args...)

	var stdout bytes.Buffer
	limited := &limitedWriter{w: &stdout, limit: c.cfg.AnalyzeBufferCap}
	cmd.Stdout = limited
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, newError(KindTimeout, "analyze timed out after %s", c.cfg.AnalyzeTimeout)
	}
	if err != nil {
		if _, ok := err.(*exec.Error); ok {
			return nil, newError(KindNotFound, "spawn extractor: %v", err)
		}
		return nil, classifyExitErr(fmt.Errorf("%v: %s", err, strings.TrimSpace(stderr.String())))
	}

	var raw rawDump
	if err := json.Unmarshal(stdout.Bytes(), &raw); err != nil {
		return nil, newError(KindFailed, "parse extractor output: %v", err)
	}
	info := normalize(&raw)

	fast := <-fastCh
	if info.Title == "" {
		info.Title = fast.title
	}
	if info.Thumbnail == "" {
		info.Thumbnail = fast.thumbnail
	}
	if info.Duration == "unknown" && fast.durationSeconds > 0 {
		info.Duration = formatDuration(float64(fast.durationSeconds))
	}
	return info, nil
}

// fastMetadata is what the HTTP metadata fast path recovered, if anything.
type fastMetadata struct {
	title           string
	thumbnail       string
	durationSeconds int
}

// fetchFastMetadata runs the oEmbed and duration lookups concurrently,
// bounded by MetadataFastPathTimeout, and never returns an error: a failed
// or unconfigured lookup just leaves its corresponding field zero, which
// Analyze's caller treats as "nothing learned, keep the extractor's value".
func (c *Client) fetchFastMetadata(ctx context.Context, videoURL string) fastMetadata {
	httpCtx, cancel := context.WithTimeout(ctx, c.cfg.MetadataFastPathTimeout)
	defer cancel()

	var meta fastMetadata
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		meta.title, meta.thumbnail = c.fetchOEmbed(httpCtx, videoURL)
	}()
	go func() {
		defer wg.Done()
		meta.durationSeconds = c.fetchDuration(httpCtx, videoURL)
	}()
	wg.Wait()
	return meta
}

func (c *Client) fetchOEmbed(ctx context.Context, videoURL string) (title, thumbnail string) {
	if c.cfg.OEmbedEndpoint == "" {
		return "", ""
	}
	var payload struct {
		Title        string `json:"title"`
		ThumbnailURL string `json:"thumbnail_url"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{"url": videoURL, "format": "json"}).
		SetResult(&payload).
		Get(c.cfg.OEmbedEndpoint)
	if err != nil || resp.IsError() {
		return "", ""
	}
	return payload.Title, payload.ThumbnailURL
}

func (c *Client) fetchDuration(ctx context.Context, videoURL string) int {
	if c.cfg.DurationAPIEndpoint == "" {
		return 0
	}
	var result struct {
		Duration int `json:"duration"`
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"url": videoURL}).
		SetResult(&result).
		Post(c.cfg.DurationAPIEndpoint)
	if err != nil || resp.IsError() || result.Duration <= 0 {
		return 0
	}
	return result.Duration
}

type limitedWriter struct {
	w     io.Writer
	limit int64
	n     int64
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	if l.n+int64(len(p)) > l.limit {
		allowed := l.limit - l.n
		if allowed < 0 {
			allowed = 0
		}
		if allowed > 0 {
			n, err := l.w.Write(p[:allowed])
			l.n += int64(n)
			if err != nil {
				return n, err
			}
		}
		return len(p), fmt.Errorf("extractor output exceeded buffer cap of %d bytes", l.limit)
	}
	n, err := l.w.Write(p)
	l.n += int64(n)
	return n, err
}

// rawDump mirrors the subset of the extractor's --dump-json schema this
// package depends on.
type rawDump struct {
	Title     string    `json:"title"`
	Thumbnail string    `json:"thumbnail"`
	Duration  float64   `json:"duration"`
	Formats   []rawFmt  `json:"formats"`
}

type rawFmt struct {
	FormatID string  `json:"format_id"`
	Ext      string  `json:"ext"`
	VCodec   string  `json:"vcodec"`
	ACodec   string  `json:"acodec"`
	Width    int     `json:"width"`
	Height   int     `json:"height"`
	Protocol string  `json:"protocol"`
	Filesize int64   `json:"filesize"`
	FilesizeApprox int64 `json:"filesize_approx"`
	Resolution string `json:"resolution"`
}

var canonicalExt = map[string]string{
	"m4a":   "mp4",
	"m4v":   "mp4",
	"webma": "webm",
	"webmv": "webm",
	"ogg":   "opus",
}

func isManifestFormat(f rawFmt) bool {
	p := strings.ToLower(f.Protocol)
	return strings.Contains(p, "m3u8") || strings.Contains(p, "http_dash") || strings.Contains(p, "dash")
}

func codecAbsent(c string) bool {
	c = strings.ToLower(strings.TrimSpace(c))
	return c == "" || c == "none"
}

func normalize(raw *rawDump) *MediaInfo {
	type keyed struct {
		desc FormatDescriptor
		res  int // numeric resolution for sort/dedup preference
		hasSize bool
	}
	seen := map[string]int{} // dedupe key -> index in result slice
	var result []keyed

	for _, f := range raw.Formats {
		if f.FormatID == "" || f.Ext == "" {
			continue
		}
		if isManifestFormat(f) {
			continue
		}
		if codecAbsent(f.VCodec) && codecAbsent(f.ACodec) {
			continue
		}
		kind := KindAudio
		if !codecAbsent(f.VCodec) {
			kind = KindVideo
		}
		if kind == KindVideo && f.Width == 0 && f.Height == 0 && !validResolutionString(f.Resolution) {
			continue
		}

		ext := strings.ToLower(f.Ext)
		if canon, ok := canonicalExt[ext]; ok {
			ext = canon
		}

		resolution, numericRes := deriveResolution(f, kind)
		filesize, hasSize := deriveFilesize(f)

		key := string(kind) + "|" + ext + "|" + resolution
		desc := FormatDescriptor{
			FormatID:     f.FormatID,
			ContainerExt: ext,
			Resolution:   resolution,
			Filesize:     filesize,
			Kind:         kind,
		}

		if idx, ok := seen[key]; ok {
			if !result[idx].hasSize && hasSize {
				result[idx] = keyed{desc: desc, res: numericRes, hasSize: hasSize}
			}
			continue
		}
		seen[key] = len(result)
		result = append(result, keyed{desc: desc, res: numericRes, hasSize: hasSize})
	}

	sort.SliceStable(result, func(i, j int) bool {
		if result[i].desc.Kind != result[j].desc.Kind {
			return result[i].desc.Kind == KindVideo
		}
		return result[i].res > result[j].res
	})

	formats := make([]FormatDescriptor, 0, len(result))
	for _, k := range result {
		formats = append(formats, k.desc)
	}

	return &MediaInfo{
		Title:     raw.Title,
		Thumbnail: raw.Thumbnail,
		Duration:  formatDuration(raw.Duration),
		Formats:   formats,
	}
}

func validResolutionString(s string) bool {
	if s == "" {
		return false
	}
	if strings.HasSuffix(s, "p") {
		_, err := strconv.Atoi(strings.TrimSuffix(s, "p"))
		return err == nil
	}
	if strings.Contains(s, "x") {
		parts := strings.SplitN(s, "x", 2)
		if len(parts) != 2 {
			return false
		}
		_, err1 := strconv.Atoi(parts[0])
		_, err2 := strconv.Atoi(parts[1])
		return err1 == nil && err2 == nil
	}
	return false
}

func deriveResolution(f rawFmt, kind Kind) (string, int) {
	if kind == KindAudio {
		return "audio", 0
	}
	if validResolutionString(f.Resolution) {
		if strings.HasSuffix(f.Resolution, "p") {
			n, _ := strconv.Atoi(strings.TrimSuffix(f.Resolution, "p"))
			return f.Resolution, n
		}
		parts := strings.SplitN(f.Resolution, "x", 2)
		h, _ := strconv.Atoi(parts[1])
		return f.Resolution, h
	}
	if f.Width > 0 && f.Height > 0 {
		return fmt.Sprintf("%dx%d", f.Width, f.Height), f.Height
	}
	if f.Height > 0 {
		return fmt.Sprintf("%dp", f.Height), f.Height
	}
	return "unknown", 0
}

var filesizeUnits = []string{"B", "kB", "MB", "GB", "TB", "PB"}

// formatFilesize renders n as a two-decimal human size ("42.13 MB"), the
// precision the format matrix's filesize field is documented to use.
func formatFilesize(n int64) string {
	if n < 1000 {
		return fmt.Sprintf("%d B", n)
	}
	v := float64(n)
	i := 0
	for v >= 1000 && i < len(filesizeUnits)-1 {
		v /= 1000
		i++
	}
	return fmt.Sprintf("%.2f %s", v, filesizeUnits[i])
}

func deriveFilesize(f rawFmt) (string, bool) {
	if f.Filesize > 0 {
		return formatFilesize(f.Filesize), true
	}
	if f.FilesizeApprox > 0 {
		return "~" + formatFilesize(f.FilesizeApprox), true
	}
	return "unknown", false
}

func formatDuration(seconds float64) string {
	if seconds <= 0 {
		return "unknown"
	}
	total := int(seconds)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
