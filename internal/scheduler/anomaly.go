package scheduler

import (
	"fmt"
	"sync"
)

const sampleWindow = 50

// Detector watches recent per-attempt outcomes for an error-rate spike.
// A spike is a FatalSystemError condition: the loop pauses new
// dispatches until an operator clears the flag.
type Detector struct {
	mu         sync.Mutex
	samples    [sampleWindow]bool
	idx, count int
	threshold  float64
	minSamples int
}

// NewDetector builds a Detector. threshold is the failure rate over the
// sample window that trips the flag; minSamples guards cold starts.
func NewDetector(threshold float64, minSamples int) *Detector {
	if threshold <= 0 {
		threshold = 0.5
	}
	if minSamples <= 0 {
		minSamples = 10
	}
	if minSamples > sampleWindow {
		minSamples = sampleWindow
	}
	return &Detector{threshold: threshold, minSamples: minSamples}
}

// Record adds one attempt outcome to the window.
func (d *Detector) Record(ok bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.samples[d.idx] = ok
	d.idx = (d.idx + 1) % sampleWindow
	if d.count < sampleWindow {
		d.count++
	}
}

// FailureRate returns the failure fraction over the current window.
func (d *Detector) FailureRate() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.failureRateLocked()
}

func (d *Detector) failureRateLocked() float64 {
	if d.count == 0 {
		return 0
	}
	failed := 0
	for i := 0; i < d.count; i++ {
		if !d.samples[i] {
			failed++
		}
	}
	return float64(failed) / float64(d.count)
}

// Unhealthy reports whether the window shows a fatal error-rate spike.
func (d *Detector) Unhealthy() (bool, string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.count < d.minSamples {
		return false, ""
	}
	rate := d.failureRateLocked()
	if rate >= d.threshold {
		return true, fmt.Sprintf("failure rate %.0f%% over last %d attempts", rate*100, d.count)
	}
	return false, ""
}

// Reset clears the window, used when an operator resumes dispatch.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idx, d.count = 0, 0
}
