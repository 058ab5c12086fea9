package pscompat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeadlineEstimatorReturnsMinLeaseBeforeEnoughSamples(t *testing.T) {
	e := NewDeadlineEstimator("test-estimator-cold", nil)
	for i := 0; i < estimatorMinSampleSize-1; i++ {
		e.Observe(500 * time.Second)
	}
	assert.Equal(t, MinLease, e.Propose())
}

func TestDeadlineEstimatorProposesClampedPercentile(t *testing.T) {
	e := NewDeadlineEstimator("test-estimator-warm", nil)
	for i := 0; i < estimatorMinSampleSize*2; i++ {
		e.Observe(5 * time.Second)
	}
	proposed := e.Propose()
	assert.GreaterOrEqual(t, proposed, MinLease)
	assert.LessOrEqual(t, proposed, MaxLease)
}

func TestDeadlineEstimatorClampsAboveMaxLease(t *testing.T) {
	e := NewDeadlineEstimator("test-estimator-hot", nil)
	for i := 0; i < estimatorMinSampleSize*2; i++ {
		e.Observe(2 * time.Hour)
	}
	assert.Equal(t, MaxLease, e.Propose())
}

func TestPercentileOfMatchesHistogramShape(t *testing.T) {
	samples := []int64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	p50 := percentileOf(samples, 0.5)
	assert.InDelta(t, 50, p50, 10)
}

func TestClamp(t *testing.T) {
	assert.Equal(t, MinLease, clamp(1*time.Second, MinLease, MaxLease))
	assert.Equal(t, MaxLease, clamp(1*time.Hour, MinLease, MaxLease))
	assert.Equal(t, 30*time.Second, clamp(30*time.Second, MinLease, MaxLease))
}
