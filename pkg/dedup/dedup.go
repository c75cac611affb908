// Package dedup suppresses redelivered webhook events within a time window.
package dedup

import (
	"sync"
	"time"
)

// DefaultTTL is how long an event id is remembered.
const DefaultTTL = 600 * time.Second

// Deduplicator is a memory-only, time-bounded set of seen event ids.
//
// It is best effort: ids age out after the TTL and the set resets on restart.
type Deduplicator struct {
	ttl time.Duration
	now func() time.Time

	mu   sync.Mutex
	seen map[string]time.Time
}

// Option customizes a Deduplicator.
type Option func(*Deduplicator)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Deduplicator) {
		if now != nil {
			d.now = now
		}
	}
}

// New builds a Deduplicator. A non-positive ttl falls back to DefaultTTL.
func New(ttl time.Duration, opts ...Option) *Deduplicator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	d := &Deduplicator{
		ttl:  ttl,
		now:  time.Now,
		seen: make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(d)
	}

	return d
}

// IsDuplicate reports whether eventID was seen within the TTL and marks it seen otherwise.
//
// Expired records are pruned first. An empty id is never a duplicate, and a
// duplicate hit does not refresh the original timestamp.
func (d *Deduplicator) IsDuplicate(eventID string) bool {
	now := d.now()

	d.mu.Lock()
	defer d.mu.Unlock()

	for id, seenAt := range d.seen {
		if seenAt.Add(d.ttl).Before(now) {
			delete(d.seen, id)
		}
	}

	if eventID == "" {
		return false
	}

	if _, ok := d.seen[eventID]; ok {
		return true
	}

	d.seen[eventID] = now
	return false
}

// Len returns the number of live records.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.seen)
}
