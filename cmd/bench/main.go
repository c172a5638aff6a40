// cmd/bench drives a burst of concurrent download requests against a
// running mediapipe instance and reports per-job and aggregate timings.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

type admitResp struct {
	JobID    string `json:"jobId"`
	CanStart bool   `json:"canStart"`
	Message  string `json:"message"`
}

type jobResult struct {
	URL        string
	JobID      string
	OK         bool
	Err        string
	AdmitMs    int64
	DownloadMs int64
	TotalMs    int64
	Bytes      int64
}

func main() {
	base := flag.String("base", "http://127.0.0.1:8080", "API base URL")
	urlIn := flag.String("url", "https://www.youtube.com/watch?v=dQw4w9WgXcQ", "video URL to test")
	n := flag.Int("n", 20, "number of concurrent requests")
	formatID := flag.String("format", "best", "format id to request")
	perIPDelay := flag.Duration("delay", 0, "stagger start delay between jobs (to avoid per-IP limits)")
	flag.Parse()

	client := &http.Client{Timeout: 15 * time.Minute}

	urls := make([]string, *n)
	for i := 0; i < *n; i++ {
		// Make URLs unique so the scheduler's canonical-video dedup doesn't
		// collapse a deliberately concurrent bench run into one job.
		sep := "&"
		if !strings.Contains(*urlIn, "?") {
			sep = "?"
		}
		urls[i] = fmt.Sprintf("%s%cbench=%d", *urlIn, sep[0], i)
	}

	results := make([]jobResult, *n)
	var wg sync.WaitGroup
	wg.Add(*n)

	for i := 0; i < *n; i++ {
		i := i
		go func() {
			defer wg.Done()
			if *perIPDelay > 0 && i > 0 {
				time.Sleep(time.Duration(i) * *perIPDelay)
			}
			results[i] = runOne(client, *base, urls[i], *formatID)
		}()
	}
	wg.Wait()

	fmt.Println("\nPer-job summary:")
	for i, r := range results {
		status := "OK"
		if !r.OK {
			status = "FAIL"
		}
		fmt.Printf("%2d) %s job=%s status=%s admit=%dms download=%dms total=%dms size=%s\n",
			i+1, r.URL, r.JobID, status, r.AdmitMs, r.DownloadMs, r.TotalMs, humanize.Bytes(uint64(r.Bytes)))
		if r.Err != "" {
			fmt.Printf("    error: %s\n", r.Err)
		}
	}

	var c int
	var admitSum, dlSum, totSum, byteSum int64
	for _, r := range results {
		if !r.OK {
			continue
		}
		c++
		admitSum += r.AdmitMs
		dlSum += r.DownloadMs
		totSum += r.TotalMs
		byteSum += r.Bytes
	}
	if c > 0 {
		fmt.Printf("\nAverages over %d completed:\n", c)
		fmt.Printf("admit=%.0fms download=%.0fms total=%.0fms transferred=%s\n",
			float64(admitSum)/float64(c), float64(dlSum)/float64(c), float64(totSum)/float64(c), humanize.Bytes(uint64(byteSum)))
	}
}

func runOne(client *http.Client, base, videoURL, formatID string) jobResult {
	res := jobResult{URL: videoURL}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Minute)
	defer cancel()

	start := time.Now()

	admitBody, _ := json.Marshal(map[string]string{"url": videoURL, "format_id": formatID})
	req, _ := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(base, "/")+"/queue/download", bytes.NewReader(admitBody))
	req.Header.Set("Content-Type", "application/json")

	admitStart := time.Now()
	resp, err := client.Do(req)
	res.AdmitMs = time.Since(admitStart).Milliseconds()
	if err != nil {
		res.Err = "admit: " + err.Error()
		return res
	}
	var admit admitResp
	_ = json.NewDecoder(resp.Body).Decode(&admit)
	resp.Body.Close()
	if admit.JobID == "" {
		res.Err = "admit: empty jobId"
		return res
	}
	res.JobID = admit.JobID

	dlStart := time.Now()
	dlReq, _ := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(base, "/")+"/download?jobId="+admit.JobID, nil)
	dlResp, err := client.Do(dlReq)
	if err != nil {
		res.Err = "download: " + err.Error()
		return res
	}
	defer dlResp.Body.Close()
	if dlResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(dlResp.Body)
		res.Err = fmt.Sprintf("download: status %d: %s", dlResp.StatusCode, string(body))
		return res
	}
	n, err := io.Copy(io.Discard, dlResp.Body)
	res.DownloadMs = time.Since(dlStart).Milliseconds()
	if err != nil {
		res.Err = "download: " + err.Error()
		return res
	}
	res.Bytes = n
	res.TotalMs = time.Since(start).Milliseconds()
	res.OK = true
	return res
}
