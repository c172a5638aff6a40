package progressbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBus() *Bus {
	return New(Config{
		HeartbeatInterval: time.Hour,
		SessionTTL:        time.Hour,
		GCInterval:        time.Hour,
		SubscriberBuffer:  4,
	})
}

func TestSubscribeReceivesConnectedSnapshotFirst(t *testing.T) {
	b := newTestBus()
	defer b.Stop()
	b.CreateSession("d1")

	ch, unsubscribe, ok := b.Subscribe("d1")
	assert.True(t, ok)
	defer unsubscribe()

	evt := <-ch
	assert.Equal(t, EventConnected, evt.Type)
	assert.Equal(t, StatusActive, evt.Status)
}

func TestSubscribeUnknownSessionFails(t *testing.T) {
	b := newTestBus()
	defer b.Stop()
	_, _, ok := b.Subscribe("missing")
	assert.False(t, ok)
}

func TestUpdateProgressComputesPercentage(t *testing.T) {
	b := newTestBus()
	defer b.Stop()
	b.CreateSession("d1")

	total := int64(200)
	b.UpdateProgress("d1", 100, &total)

	evt, ok := b.GetProgress("d1")
	assert.True(t, ok)
	assert.Equal(t, int64(100), evt.BytesDownloaded)
	if assert.NotNil(t, evt.Percentage) {
		assert.InDelta(t, 50.0, *evt.Percentage, 0.001)
	}
}

func TestTerminalTransitionsAreIdempotent(t *testing.T) {
	b := newTestBus()
	defer b.Stop()
	b.CreateSession("d1")

	assert.True(t, b.transitionOK("d1", StatusCompleted))
	assert.False(t, b.transitionOK("d1", StatusError))

	evt, _ := b.GetProgress("d1")
	assert.Equal(t, StatusCompleted, evt.Status)
}

func (b *Bus) transitionOK(id string, status Status) bool {
	return b.transition(id, status, "")
}

func TestUpdateProgressNoOpAfterTerminal(t *testing.T) {
	b := newTestBus()
	defer b.Stop()
	b.CreateSession("d1")
	b.MarkCompleted("d1")

	total := int64(10)
	b.UpdateProgress("d1", 9999, &total)

	evt, _ := b.GetProgress("d1")
	assert.Equal(t, int64(0), evt.BytesDownloaded)
}

func TestCreateSessionIsIdempotent(t *testing.T) {
	b := newTestBus()
	defer b.Stop()
	b.CreateSession("d1")

	total := int64(200)
	b.UpdateProgress("d1", 100, &total)

	b.CreateSession("d1")

	evt, ok := b.GetProgress("d1")
	assert.True(t, ok)
	assert.Equal(t, int64(100), evt.BytesDownloaded)
}

func TestCancelRemovesSessionAfterGracePeriod(t *testing.T) {
	b := New(Config{
		HeartbeatInterval: time.Hour,
		SessionTTL:        time.Hour,
		GCInterval:        time.Hour,
		SubscriberBuffer:  4,
		CancelGracePeriod: 20 * time.Millisecond,
	})
	defer b.Stop()
	b.CreateSession("d1")

	assert.True(t, b.Cancel("d1"))
	evt, ok := b.GetProgress("d1")
	assert.True(t, ok)
	assert.Equal(t, StatusCancelled, evt.Status)

	assert.Eventually(t, func() bool {
		_, ok := b.GetProgress("d1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestCancelUnknownSessionReturnsFalse(t *testing.T) {
	b := newTestBus()
	defer b.Stop()
	assert.False(t, b.Cancel("missing"))
}

func TestSweepRemovesOnlyExpiredTerminalSessions(t *testing.T) {
	b := newTestBus()
	defer b.Stop()

	b.CreateSession("active")
	b.CreateSession("fresh-terminal")
	b.MarkCompleted("fresh-terminal")
	b.CreateSession("old-terminal")
	b.MarkCompleted("old-terminal")
	b.sessions["old-terminal"].terminalAt = time.Now().Add(-2 * b.cfg.SessionTTL)

	b.sweep()

	_, activeOK := b.GetProgress("active")
	_, freshOK := b.GetProgress("fresh-terminal")
	_, oldOK := b.GetProgress("old-terminal")
	assert.True(t, activeOK)
	assert.True(t, freshOK)
	assert.False(t, oldOK)
}

func TestBroadcastCoalescesForSlowSubscriber(t *testing.T) {
	b := newTestBus()
	defer b.Stop()
	b.CreateSession("d1")

	ch, unsubscribe, _ := b.Subscribe("d1")
	defer unsubscribe()
	<-ch // drain the connected event

	for i := 0; i < 20; i++ {
		total := int64(100)
		b.UpdateProgress("d1", int64(i), &total)
	}

	// The channel never blocks the sender and always ends up with the
	// most recent update visible somewhere in its small buffer.
	var last Event
	for {
		select {
		case evt := <-ch:
			last = evt
			continue
		default:
		}
		break
	}
	assert.Equal(t, int64(19), last.BytesDownloaded)
}

func TestObserverReceivesProgressAndTerminalUpdates(t *testing.T) {
	b := newTestBus()
	defer b.Stop()
	b.CreateSession("d1")

	type call struct {
		bytes int64
		total *int64
	}
	var calls []call
	b.SetObserver(func(id string, bytes int64, total *int64, pct *float64) {
		assert.Equal(t, "d1", id)
		calls = append(calls, call{bytes: bytes, total: total})
	})

	total := int64(100)
	b.UpdateProgress("d1", 50, &total)
	b.MarkCompleted("d1")

	if assert.Len(t, calls, 2) {
		assert.Equal(t, int64(50), calls[0].bytes)
		assert.Equal(t, int64(50), calls[1].bytes)
	}
}
