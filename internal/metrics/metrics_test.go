package metrics

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSuccessRateWithNoObservations(t *testing.T) {
	r := NewRegistry()
	assert.Equal(t, 1.0, r.SuccessRate())
}

func TestSuccessRateTracksCounts(t *testing.T) {
	r := NewRegistry()
	r.RecordSuccess()
	r.RecordSuccess()
	r.RecordSuccess()
	r.RecordError()
	assert.InDelta(t, 0.75, r.SuccessRate(), 0.0001)
}

func TestObserveDurationBucketsByThreshold(t *testing.T) {
	r := NewRegistry()
	r.ObserveDuration(0.3, false)
	r.ObserveDuration(2, false)
	r.ObserveDuration(1000, true)

	downloads := r.DownloadLatencySnapshot()
	assert.EqualValues(t, 1, downloads[0])
	assert.EqualValues(t, 1, downloads[2])

	converts := r.ConvertLatencySnapshot()
	assert.EqualValues(t, 1, converts[9])
}

func TestUptimeSecondsNonNegative(t *testing.T) {
	r := NewRegistry()
	assert.GreaterOrEqual(t, r.UptimeSeconds(), int64(0))
}
