package history

import (
	"sync"
	"time"

	apperrors "funding_keeper/pkg/errors"
)

// ring is a growable circular buffer of samples ordered by timestamp.
// Appends are O(1) amortized; window lookups binary-search the logical
// index space. Each ring carries its own lock.
type ring struct {
	mu        sync.RWMutex
	buf       []point
	head      int
	size      int
	retention time.Duration
}

func newRing(retention time.Duration) *ring {
	return &ring{
		buf:       make([]point, initialCapacity),
		retention: retention,
	}
}

// append adds a sample and drops retained samples older than the retention
// window. Equal or older timestamps are rejected.
func (r *ring) append(p point) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.size > 0 {
		last := r.at(r.size - 1)
		if !p.ts.After(last.ts) {
			return apperrors.Newf(apperrors.KindDataQuality,
				"non-monotonic sample: %s not after %s",
				p.ts.Format(time.RFC3339Nano), last.ts.Format(time.RFC3339Nano))
		}
	}

	cutoff := p.ts.Add(-r.retention)
	for r.size > 0 && r.buf[r.head].ts.Before(cutoff) {
		r.head = (r.head + 1) % len(r.buf)
		r.size--
	}

	if r.size == len(r.buf) {
		r.grow()
	}
	r.buf[(r.head+r.size)%len(r.buf)] = p
	r.size++
	return nil
}

// grow doubles capacity and relinearizes the buffer. Caller holds the lock.
func (r *ring) grow() {
	next := make([]point, len(r.buf)*2)
	for i := 0; i < r.size; i++ {
		next[i] = r.at(i)
	}
	r.buf = next
	r.head = 0
}

// at returns the sample at logical index i. Caller holds the lock.
func (r *ring) at(i int) point {
	return r.buf[(r.head+i)%len(r.buf)]
}

// lowerBound returns the first logical index whose timestamp is not before
// t. Caller holds the lock.
func (r *ring) lowerBound(t time.Time) int {
	lo, hi := 0, r.size
	for lo < hi {
		mid := (lo + hi) / 2
		if r.at(mid).ts.Before(t) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo
}

// window copies every sample with from ≤ ts ≤ to in timestamp order.
func (r *ring) window(from, to time.Time) []point {
	r.mu.RLock()
	defer r.mu.RUnlock()

	start := r.lowerBound(from)
	out := make([]point, 0, r.size-start)
	for i := start; i < r.size; i++ {
		p := r.at(i)
		if p.ts.After(to) {
			break
		}
		out = append(out, p)
	}
	return out
}

// all copies every retained sample in timestamp order.
func (r *ring) all() []point {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]point, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.at(i)
	}
	return out
}

func (r *ring) last() (point, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.size == 0 {
		return point{}, false
	}
	return r.at(r.size - 1), true
}

func (r *ring) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.size
}
