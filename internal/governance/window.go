package governance

import (
	"time"
)

// rateWindow approximates the request rate over a sliding window with a ring
// of fixed-width buckets. It is guarded by the owning Throttler's mutex.
type rateWindow struct {
	buckets            []int
	bucketDuration     time.Duration
	currentBucketIdx   int
	currentBucketStart time.Time
	window             time.Duration
}

func newRateWindow(window time.Duration, bucketCount int) *rateWindow {
	if window <= 0 {
		window = time.Second
	}
	if bucketCount <= 0 {
		bucketCount = 10
	}
	bucketDuration := window / time.Duration(bucketCount)
	if bucketDuration <= 0 {
		bucketDuration = time.Millisecond
	}
	return &rateWindow{
		buckets:        make([]int, bucketCount),
		bucketDuration: bucketDuration,
		window:         window,
	}
}

// add records one request at now.
func (w *rateWindow) add(now time.Time) {
	w.rotate(now)
	w.buckets[w.currentBucketIdx]++
}

// rate returns requests per second observed over the window ending at now.
func (w *rateWindow) rate(now time.Time) float64 {
	w.rotate(now)
	total := 0
	for _, n := range w.buckets {
		total += n
	}
	return float64(total) / w.window.Seconds()
}

func (w *rateWindow) rotate(now time.Time) {
	if w.currentBucketStart.IsZero() {
		w.currentBucketStart = now.Truncate(w.bucketDuration)
		return
	}
	if now.Before(w.currentBucketStart) {
		return
	}

	steps := int(now.Sub(w.currentBucketStart) / w.bucketDuration)
	if steps <= 0 {
		return
	}
	// A gap longer than the window clears every bucket.
	rotate := min(steps, len(w.buckets))
	for i := 0; i < rotate; i++ {
		w.currentBucketIdx = (w.currentBucketIdx + 1) % len(w.buckets)
		w.buckets[w.currentBucketIdx] = 0
	}
	w.currentBucketStart = w.currentBucketStart.Add(time.Duration(steps) * w.bucketDuration)
}
