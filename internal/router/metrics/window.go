package metrics

import (
	"sync"
	"time"
)

const (
	// bucketWidth is the resolution of the rolling windows. Counts land in
	// fixed 10-second buckets so reading a window is a bounded sum instead
	// of a scan over every recorded outcome.
	bucketWidth = 10 * time.Second

	// windowSpan is the widest window any reader asks for.
	windowSpan = 30 * time.Minute

	bucketCount = int(windowSpan / bucketWidth)
)

// outcomeBucket accumulates outcomes for one bucketWidth slice of time.
type outcomeBucket struct {
	epoch int64 // bucket index since the unix epoch; stale entries are re-zeroed lazily
	ok    int64
	fail  int64
}

// outcomeWindow is a ring of fixed time buckets. Writers increment the
// bucket for the current instant; readers sum the buckets younger than the
// requested span. Buckets are reused in place as time advances, so memory
// is constant regardless of traffic.
type outcomeWindow struct {
	mu      sync.Mutex
	buckets [bucketCount]outcomeBucket
}

func (w *outcomeWindow) record(now time.Time, success bool) {
	epoch := now.UnixNano() / int64(bucketWidth)

	w.mu.Lock()
	defer w.mu.Unlock()

	b := &w.buckets[int(epoch)%bucketCount]
	if b.epoch != epoch {
		b.epoch = epoch
		b.ok = 0
		b.fail = 0
	}
	if success {
		b.ok++
	} else {
		b.fail++
	}
}

// totals sums outcomes recorded within span of now.
func (w *outcomeWindow) totals(now time.Time, span time.Duration) (ok, fail int64) {
	nowEpoch := now.UnixNano() / int64(bucketWidth)
	oldest := nowEpoch - int64(span/bucketWidth)

	w.mu.Lock()
	defer w.mu.Unlock()

	for i := range w.buckets {
		b := &w.buckets[i]
		if b.epoch > oldest && b.epoch <= nowEpoch {
			ok += b.ok
			fail += b.fail
		}
	}
	return ok, fail
}

// ratio returns ok/(ok+fail), defaulting to 1.0 for an empty sample.
func ratio(ok, fail int64) float64 {
	total := ok + fail
	if total == 0 {
		return 1.0
	}
	return float64(ok) / float64(total)
}
