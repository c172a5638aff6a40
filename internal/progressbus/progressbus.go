// Package progressbus tracks per-download progress and fans it out to any
// number of subscribers (normally one SSE connection each): a typed,
// multi-subscriber event stream with heartbeats and session retention.
package progressbus

import (
	"sync"
	"time"
)

// Status is the terminal/non-terminal state of a tracked download.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

func (s Status) terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// EventType distinguishes the three SSE event shapes a subscriber sees.
type EventType string

const (
	EventConnected EventType = "connected"
	EventProgress  EventType = "progress"
	EventHeartbeat EventType = "heartbeat"
)

// Event is one message delivered to a subscriber.
type Event struct {
	Type            EventType `json:"type"`
	DownloadID      string    `json:"downloadId"`
	Status          Status    `json:"status"`
	BytesDownloaded int64     `json:"bytesDownloaded"`
	TotalBytes      *int64    `json:"totalBytes,omitempty"`
	Percentage      *float64  `json:"percentage,omitempty"`
	Message         string    `json:"message,omitempty"`
}

// Config configures a Bus.
type Config struct {
	HeartbeatInterval time.Duration
	SessionTTL        time.Duration
	GCInterval        time.Duration
	SubscriberBuffer  int
	// CancelGracePeriod is how long a cancelled session is kept around after
	// Cancel succeeds, so a client that's mid-poll still sees the terminal
	// status before the session disappears. Completed/errored sessions are
	// not affected; they live until the normal SessionTTL sweep.
	CancelGracePeriod time.Duration
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 30 * time.Second
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * time.Minute
	}
	if c.GCInterval <= 0 {
		c.GCInterval = 5 * time.Minute
	}
	if c.SubscriberBuffer <= 0 {
		c.SubscriberBuffer = 32
	}
	if c.CancelGracePeriod <= 0 {
		c.CancelGracePeriod = 5 * time.Second
	}
	return c
}

type subscriber struct {
	ch chan Event
}

type session struct {
	mu              sync.Mutex
	id              string
	status          Status
	bytesDownloaded int64
	totalBytes      *int64
	message         string
	createdAt       time.Time
	terminalAt      time.Time
	nextSubID       int
	subs            map[int]*subscriber
	// terminate is the process/stream handle's cleanup, registered once the
	// owning subprocess is spawned. Cancel invokes it to actually tear down
	// the child rather than just flipping the session's status.
	terminate func()
}

func newSession(id string) *session {
	return &session{
		id:        id,
		status:    StatusActive,
		createdAt: time.Now(),
		subs:      map[int]*subscriber{},
	}
}

func (s *session) snapshot(evtType EventType) Event {
	var pct *float64
	if s.totalBytes != nil && *s.totalBytes > 0 {
		p := float64(s.bytesDownloaded) / float64(*s.totalBytes) * 100
		if p > 100 {
			p = 100
		}
		pct = &p
	}
	return Event{
		Type:            evtType,
		DownloadID:      s.id,
		Status:          s.status,
		BytesDownloaded: s.bytesDownloaded,
		TotalBytes:      s.totalBytes,
		Percentage:      pct,
		Message:         s.message,
	}
}

// broadcast delivers evt to every subscriber, coalescing for slow readers:
// if a subscriber's buffer is full, the oldest queued event is dropped to
// make room rather than blocking the sender or dropping the newest update.
func (s *session) broadcast(evt Event) {
	for _, sub := range s.subs {
		select {
		case sub.ch <- evt:
		default:
			select {
			case <-sub.ch:
			default:
			}
			select {
			case sub.ch <- evt:
			default:
			}
		}
	}
}

// Bus is the process-wide progress-event registry.
type Bus struct {
	cfg      Config
	mu       sync.Mutex
	sessions map[string]*session
	stopCh   chan struct{}
	stopOnce sync.Once
	observer func(id string, bytesDownloaded int64, total *int64, pct *float64)
}

// SetObserver installs a callback invoked after every progress/terminal
// update, outside any session lock. The scheduler uses this to mirror a
// session's progress onto the job whose downloadId matches, without this
// package importing scheduler.
func (b *Bus) SetObserver(fn func(id string, bytesDownloaded int64, total *int64, pct *float64)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.observer = fn
}

func (b *Bus) notify(evt Event) {
	b.mu.Lock()
	fn := b.observer
	b.mu.Unlock()
	if fn != nil {
		fn(evt.DownloadID, evt.BytesDownloaded, evt.TotalBytes, evt.Percentage)
	}
}

// New constructs a Bus and starts its heartbeat and GC goroutines.
func New(cfg Config) *Bus {
	b := &Bus{
		cfg:      cfg.withDefaults(),
		sessions: map[string]*session{},
		stopCh:   make(chan struct{}),
	}
	go b.heartbeatLoop()
	go b.gcLoop()
	return b
}

// Stop halts the background goroutines. Safe to call multiple times.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// CreateSession registers a new active download/conversion for tracking.
// Idempotent: an existing id is left untouched rather than overwritten, so a
// caller that races CreateSession against itself for the same id can never
// reset an in-flight session's progress back to zero.
func (b *Bus) CreateSession(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.sessions[id]; ok {
		return
	}
	b.sessions[id] = newSession(id)
}

// RegisterProcess attaches a process/stream handle's cleanup to id, so a
// later Cancel actually terminates the underlying child instead of only
// flipping status. Call this before connecting the child's output to any
// consumer, so a cancel racing with spawn can never miss it. A no-op if id
// is unknown (the session was GC'd or never created).
func (b *Bus) RegisterProcess(id string, cleanup func()) {
	b.mu.Lock()
	sess := b.sessions[id]
	b.mu.Unlock()
	if sess == nil {
		return
	}
	sess.mu.Lock()
	alreadyTerminal := sess.status.terminal()
	sess.terminate = cleanup
	sess.mu.Unlock()
	if alreadyTerminal {
		cleanup()
	}
}

// UpdateProgress records a byte-count update for an active session. It is a
// no-op once the session has reached a terminal status.
func (b *Bus) UpdateProgress(id string, bytesDownloaded int64, total *int64) {
	b.mu.Lock()
	sess := b.sessions[id]
	b.mu.Unlock()
	if sess == nil {
		return
	}
	sess.mu.Lock()
	if sess.status.terminal() {
		sess.mu.Unlock()
		return
	}
	sess.bytesDownloaded = bytesDownloaded
	if total != nil {
		sess.totalBytes = total
	}
	evt := sess.snapshot(EventProgress)
	sess.broadcast(evt)
	sess.mu.Unlock()
	b.notify(evt)
}

// MarkCompleted transitions id to StatusCompleted. Idempotent: once a
// session is terminal, later calls have no effect.
func (b *Bus) MarkCompleted(id string) {
	b.transition(id, StatusCompleted, "")
}

// MarkError transitions id to StatusError with a message.
func (b *Bus) MarkError(id, message string) {
	b.transition(id, StatusError, message)
}

// Cancel transitions id to StatusCancelled and, if a process/stream handle
// was registered via RegisterProcess, terminates it (graceful signal, then
// a hard kill if it hasn't exited within the handle's own grace window).
// The session itself is removed CancelGracePeriod after the transition, so
// a client still polling for the terminal status has a short window to see
// it. Returns false if the session does not exist or is already terminal.
func (b *Bus) Cancel(id string) bool {
	return b.transition(id, StatusCancelled, "")
}

func (b *Bus) transition(id string, status Status, message string) bool {
	b.mu.Lock()
	sess := b.sessions[id]
	b.mu.Unlock()
	if sess == nil {
		return false
	}
	sess.mu.Lock()
	if sess.status.terminal() {
		sess.mu.Unlock()
		return false
	}
	sess.status = status
	sess.message = message
	sess.terminalAt = time.Now()
	terminate := sess.terminate
	evt := sess.snapshot(EventProgress)
	sess.broadcast(evt)
	sess.mu.Unlock()
	if terminate != nil {
		terminate()
	}
	b.notify(evt)
	if status == StatusCancelled {
		time.AfterFunc(b.cfg.CancelGracePeriod, func() { b.removeSession(id) })
	}
	return true
}

func (b *Bus) removeSession(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sessions, id)
}

// GetProgress returns the current snapshot for id.
func (b *Bus) GetProgress(id string) (Event, bool) {
	b.mu.Lock()
	sess := b.sessions[id]
	b.mu.Unlock()
	if sess == nil {
		return Event{}, false
	}
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return sess.snapshot(EventProgress), true
}

// Subscribe registers a new subscriber for id and returns its event channel
// and an unsubscribe function. The channel immediately receives a
// "connected" snapshot. Returns ok=false if no session exists for id.
func (b *Bus) Subscribe(id string) (<-chan Event, func(), bool) {
	b.mu.Lock()
	sess := b.sessions[id]
	b.mu.Unlock()
	if sess == nil {
		return nil, nil, false
	}

	sess.mu.Lock()
	ch := make(chan Event, b.cfg.SubscriberBuffer)
	subID := sess.nextSubID
	sess.nextSubID++
	sess.subs[subID] = &subscriber{ch: ch}
	ch <- sess.snapshot(EventConnected)
	sess.mu.Unlock()

	unsubscribe := func() {
		sess.mu.Lock()
		delete(sess.subs, subID)
		sess.mu.Unlock()
	}
	return ch, unsubscribe, true
}

func (b *Bus) heartbeatLoop() {
	ticker := time.NewTicker(b.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.mu.Lock()
			sessions := make([]*session, 0, len(b.sessions))
			for _, s := range b.sessions {
				sessions = append(sessions, s)
			}
			b.mu.Unlock()
			for _, sess := range sessions {
				sess.mu.Lock()
				if !sess.status.terminal() {
					sess.broadcast(sess.snapshot(EventHeartbeat))
				}
				sess.mu.Unlock()
			}
		}
	}
}

func (b *Bus) gcLoop() {
	ticker := time.NewTicker(b.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.sweep()
		}
	}
}

func (b *Bus) sweep() {
	cutoff := time.Now().Add(-b.cfg.SessionTTL)
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sess := range b.sessions {
		sess.mu.Lock()
		expired := sess.status.terminal() && sess.terminalAt.Before(cutoff)
		sess.mu.Unlock()
		if expired {
			delete(b.sessions, id)
		}
	}
}

// SinkFor returns an extractor.ProgressSink-compatible adapter bound to a
// single session, so the extractor package never needs to import this one.
func (b *Bus) SinkFor(id string) *SessionSink {
	return &SessionSink{bus: b, id: id}
}

// SessionSink adapts Bus.UpdateProgress to the extractor.ProgressSink
// interface for one session.
type SessionSink struct {
	bus *Bus
	id  string
}

// UpdateProgress implements extractor.ProgressSink.
func (s *SessionSink) UpdateProgress(bytesDownloaded int64, total *int64) {
	s.bus.UpdateProgress(s.id, bytesDownloaded, total)
}
