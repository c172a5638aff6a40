// Package server wires the configuration, extractor client, progress bus,
// and scheduler into an http.Server plus the background GC and
// queue-state mirror loops.
package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"

	"mediapipe/internal/config"
	"mediapipe/internal/extractor"
	"mediapipe/internal/httpapi"
	"mediapipe/internal/progressbus"
	"mediapipe/internal/scheduler"
	"mediapipe/internal/store"
)

func newJobID() string {
	return uuid.NewString()
}

// Server wraps an http.Server plus the background GC loop for the
// scheduler's terminal jobs.
type Server struct {
	cfg   *config.Config
	sched *scheduler.Scheduler
	bus   *progressbus.Bus
	sink  store.Sink
	http  *http.Server
	stop  chan struct{}
}

// New constructs a Server from freshly loaded configuration.
func New() (*Server, error) {
	cfg := config.Load()

	extractorClient := extractor.New(extractor.Config{
		ExtractorPath:           cfg.ExtractorPath,
		TranscoderPath:          cfg.TranscoderPath,
		AnalyzeTimeout:          cfg.AnalyzeTimeout,
		AnalyzeBufferCap:        cfg.AnalyzeBufferCap,
		GracefulKillWindow:      cfg.GracefulKillWindow,
		OEmbedEndpoint:          cfg.OEmbedEndpoint,
		DurationAPIEndpoint:     cfg.DurationAPIEndpoint,
		MetadataFastPathTimeout: cfg.MetadataFastPathTimeout,
	})

	bus := progressbus.New(progressbus.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		SessionTTL:        cfg.SessionTTL,
		GCInterval:        cfg.GCInterval,
		SubscriberBuffer:  cfg.ProgressEventBuffer,
		CancelGracePeriod: cfg.CancelGracePeriod,
	})

	sched := scheduler.New(scheduler.Config{
		JobTTL: cfg.JobTTL,
		NewID:  newJobID,
	})
	bus.SetObserver(sched.UpdateJobProgress)

	api := httpapi.New(cfg, extractorClient, bus, sched)

	mux := http.NewServeMux()
	mux.Handle("/", api.Router())

	h := &http.Server{Addr: ":" + cfg.Port, Handler: mux}
	sink := store.NewSink(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)

	srv := &Server{cfg: cfg, sched: sched, bus: bus, sink: sink, http: h, stop: make(chan struct{})}
	srv.startJobGC()
	srv.startSnapshotMirror()
	return srv, nil
}

// startSnapshotMirror periodically publishes the scheduler's queue-state
// snapshot to the configured sink for external observability. It never
// touches the scheduler's lock directly; it only reads its derived view.
func (s *Server) startSnapshotMirror() {
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				_ = s.sink.Publish(ctx, s.sched.GetQueueState())
				cancel()
			}
		}
	}()
}

func (s *Server) startJobGC() {
	go func() {
		ticker := time.NewTicker(s.cfg.GCInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				s.sched.Sweep()
			}
		}
	}()
}

// Start runs the HTTP server until it is shut down.
func (s *Server) Start() error {
	log.Printf("server starting on %s", s.http.Addr)
	return s.http.ListenAndServe()
}

// Stop gracefully shuts the HTTP server down and halts background loops.
func (s *Server) Stop(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	fmt.Println("shutting down")
	close(s.stop)
	s.bus.Stop()
	_ = s.sink.Close()
	return s.http.Shutdown(ctx)
}
