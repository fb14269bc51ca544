package main

import (
	"sync"
	"time"
)

const (
	// DefaultCacheTTL is how long a callsign is suppressed after being reported
	DefaultCacheTTL = 300 * time.Second

	// DefaultBypassFrequency is the frequency above which every spot is
	// reported (6m and up, beacons and sporadic openings)
	DefaultBypassFrequency uint64 = 49000000
)

// SpotCache suppresses repeat reports of the same callsign. Entries are
// swept on every call so memory stays bounded even when everything is
// being rejected.
type SpotCache struct {
	ttl        time.Duration
	bypassFreq uint64
	events     *EventCalendar
	entries    map[string]time.Time
	mu         sync.Mutex
}

// NewSpotCache creates a cache. Zero values select the defaults.
func NewSpotCache(ttl time.Duration, bypassFreq uint64, events *EventCalendar) *SpotCache {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if bypassFreq == 0 {
		bypassFreq = DefaultBypassFrequency
	}
	return &SpotCache{
		ttl:        ttl,
		bypassFreq: bypassFreq,
		events:     events,
		entries:    make(map[string]time.Time),
	}
}

// ShouldAccept decides whether a spot of callsign on frequency at now is
// reported. An accepted callsign has its entry refreshed to now.
func (sc *SpotCache) ShouldAccept(callsign string, frequency uint64, now time.Time) bool {
	_, ok := sc.Reserve(callsign, frequency, now)
	return ok
}

// Reserve is ShouldAccept for callers that may still fail to report the
// spot. The returned release puts the entry back the way it was, unless a
// later spot has refreshed it since.
func (sc *SpotCache) Reserve(callsign string, frequency uint64, now time.Time) (release func(), ok bool) {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	sc.sweepLocked(now)

	last, seen := sc.entries[callsign]
	accept := !seen ||
		now.Sub(last) > sc.ttl ||
		frequency > sc.bypassFreq ||
		sc.events.Active(now)
	if !accept {
		return func() {}, false
	}

	sc.entries[callsign] = now
	return func() {
		sc.mu.Lock()
		defer sc.mu.Unlock()
		if cur, ok := sc.entries[callsign]; !ok || !cur.Equal(now) {
			return
		}
		if seen {
			sc.entries[callsign] = last
		} else {
			delete(sc.entries, callsign)
		}
	}, true
}

// sweepLocked drops entries older than twice the TTL
func (sc *SpotCache) sweepLocked(now time.Time) {
	limit := 2 * sc.ttl
	for call, last := range sc.entries {
		if now.Sub(last) > limit {
			delete(sc.entries, call)
		}
	}
}

// Len returns the number of cached callsigns
func (sc *SpotCache) Len() int {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return len(sc.entries)
}

// Contains reports whether callsign currently has an entry
func (sc *SpotCache) Contains(callsign string) bool {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_, ok := sc.entries[callsign]
	return ok
}

// SetEvents replaces the event calendar
func (sc *SpotCache) SetEvents(events *EventCalendar) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.events = events
}
