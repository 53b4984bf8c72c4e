// Package pacer rate-limits outbound request packets with a nanosecond token
// bucket. Several per-destination demand updates are intentionally batched
// behind one emission.
package pacer

import (
	"sync"
	"time"
)

// Pacer gates emissions so that no two happen within MinGap of each other and
// the long-term rate never exceeds one per Cost, with a burst allowance of
// Bucket/Cost emissions.
//
// The pacer has its own lock so that the receive path can trigger a send
// without taking the heavier connection lock.
type Pacer struct {
	mu      sync.Mutex
	cost    int64
	bucket  int64
	minGap  int64
	deficit int64 // time at which the bucket is paid up
	armed   bool
	fireAt  int64
}

// New creates a pacer with a full bucket as of now (nanoseconds).
func New(cost, bucket, minGap time.Duration, now int64) *Pacer {
	return &Pacer{
		cost:    int64(cost),
		bucket:  int64(bucket),
		minGap:  int64(minGap),
		deficit: now - int64(bucket),
	}
}

// Trigger requests an emission. If no timer is currently armed it computes
// the earliest permissible fire time and arms; a pacer that is already armed
// stays armed for its original time. Returns the fire time and whether this
// call armed it.
func (p *Pacer) Trigger(now int64) (fireAt int64, armed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.armed {
		return p.fireAt, false
	}
	when := now + p.minGap
	if t := p.deficit + p.cost; t > when {
		when = t
	}
	p.armed = true
	p.fireAt = when
	return when, true
}

// Fired accounts for an emission at now and disarms. The deficit only decays
// back to now-bucket, so an idle pacer regains at most a bucket's worth of
// burst.
func (p *Pacer) Fired(now int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.armed = false
	d := p.deficit
	if floor := now - p.bucket; floor > d {
		d = floor
	}
	p.deficit = d + p.cost
}

// Cancel disarms without accounting an emission.
func (p *Pacer) Cancel() {
	p.mu.Lock()
	p.armed = false
	p.mu.Unlock()
}

// Armed reports whether a fire time is pending, and which.
func (p *Pacer) Armed() (fireAt int64, armed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.fireAt, p.armed
}
