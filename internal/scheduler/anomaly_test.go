package scheduler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetector_ColdStartIsHealthy(t *testing.T) {
	d := NewDetector(0.5, 10)

	for i := 0; i < 9; i++ {
		d.Record(false)
	}
	bad, _ := d.Unhealthy()
	assert.False(t, bad, "below min samples the detector stays quiet")
}

func TestDetector_TripsOnFailureRate(t *testing.T) {
	d := NewDetector(0.5, 10)

	for i := 0; i < 5; i++ {
		d.Record(true)
	}
	for i := 0; i < 5; i++ {
		d.Record(false)
	}
	bad, reason := d.Unhealthy()
	assert.True(t, bad)
	assert.Contains(t, reason, "failure rate")
	assert.InDelta(t, 0.5, d.FailureRate(), 1e-9)
}

func TestDetector_WindowSlides(t *testing.T) {
	d := NewDetector(0.5, 10)

	for i := 0; i < sampleWindow; i++ {
		d.Record(false)
	}
	bad, _ := d.Unhealthy()
	assert.True(t, bad)

	// A full window of successes overwrites the failures.
	for i := 0; i < sampleWindow; i++ {
		d.Record(true)
	}
	bad, _ = d.Unhealthy()
	assert.False(t, bad)
	assert.Zero(t, d.FailureRate())
}

func TestDetector_Reset(t *testing.T) {
	d := NewDetector(0.5, 10)

	for i := 0; i < 20; i++ {
		d.Record(false)
	}
	bad, _ := d.Unhealthy()
	assert.True(t, bad)

	d.Reset()
	bad, _ = d.Unhealthy()
	assert.False(t, bad)
	assert.Zero(t, d.FailureRate())
}
