package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"mediapipe/internal/scheduler"
)

func TestMemorySinkPublishAndLatest(t *testing.T) {
	sink := NewMemorySink()
	state := scheduler.QueueState{Processing: "job-1", Counts: map[scheduler.Status]int{scheduler.StatusQueued: 2}}

	assert.NoError(t, sink.Publish(context.Background(), state))
	assert.Equal(t, "job-1", sink.Latest().Processing)
	assert.Equal(t, 2, sink.Latest().Counts[scheduler.StatusQueued])
}

func TestNewSinkFallsBackToMemoryWithoutRedisAddr(t *testing.T) {
	sink := NewSink("", "", 0)
	_, ok := sink.(*MemorySink)
	assert.True(t, ok)
}

func TestNewSinkFallsBackWhenRedisUnreachable(t *testing.T) {
	sink := NewSink("127.0.0.1:1", "", 0)
	_, ok := sink.(*MemorySink)
	assert.True(t, ok)
}
