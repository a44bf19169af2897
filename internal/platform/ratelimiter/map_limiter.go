// Package ratelimiter keeps one token bucket per caller key: remote node ids
// for inbound exchanges and client keys for the RPC API.
package ratelimiter

import (
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const sweepEvery = 512

// MapLimiter keeps one token bucket per peer id. Buckets idle for longer than
// idleTTL are evicted on a periodic sweep.
type MapLimiter struct {
	limit   rate.Limit
	burst   int
	idleTTL time.Duration

	mu     sync.Mutex
	byPeer map[string]*bucket
	calls  uint64
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New returns nil when rps or burst is not positive. A nil limiter allows
// everything.
func New(rps float64, burst int, idleTTL time.Duration) *MapLimiter {
	if rps <= 0 || burst <= 0 {
		return nil
	}
	if idleTTL <= 0 {
		idleTTL = 10 * time.Minute
	}
	return &MapLimiter{
		limit:   rate.Limit(rps),
		burst:   burst,
		idleTTL: idleTTL,
		byPeer:  make(map[string]*bucket),
	}
}

// Allow consumes one token from peerID's bucket at now. Empty ids are never
// limited.
func (l *MapLimiter) Allow(peerID string, now time.Time) bool {
	if l == nil {
		return true
	}
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.byPeer[peerID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.byPeer[peerID] = b
	}
	b.lastSeen = now
	allowed := b.limiter.AllowN(now, 1)

	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweepLocked(now)
	}
	return allowed
}

// Forget drops the bucket of peerID.
func (l *MapLimiter) Forget(peerID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	delete(l.byPeer, strings.TrimSpace(peerID))
	l.mu.Unlock()
}

// Len reports how many peers currently hold a bucket.
func (l *MapLimiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.byPeer)
}

func (l *MapLimiter) sweepLocked(now time.Time) {
	cutoff := now.Add(-l.idleTTL)
	for id, b := range l.byPeer {
		if b.lastSeen.Before(cutoff) {
			delete(l.byPeer, id)
		}
	}
}
