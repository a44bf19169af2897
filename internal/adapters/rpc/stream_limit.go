package rpc

import "sync"

type rpcStreamLimiter struct {
	maxGlobal    int
	maxPerClient int

	mu       sync.Mutex
	global   int
	byClient map[string]int
}

// newRPCStreamLimiter falls back to 128 streams overall and 8 per client
// for non-positive limits.
func newRPCStreamLimiter(maxGlobal, maxPerClient int) *rpcStreamLimiter {
	if maxGlobal <= 0 {
		maxGlobal = 128
	}
	if maxPerClient <= 0 {
		maxPerClient = 8
	}
	return &rpcStreamLimiter{
		maxGlobal:    maxGlobal,
		maxPerClient: maxPerClient,
		byClient:     make(map[string]int),
	}
}

func (l *rpcStreamLimiter) acquire(clientKey string) (func(), bool) {
	if l == nil {
		return func() {}, true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.global >= l.maxGlobal || l.byClient[clientKey] >= l.maxPerClient {
		return nil, false
	}
	l.global++
	l.byClient[clientKey]++

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.global--
			if next := l.byClient[clientKey] - 1; next > 0 {
				l.byClient[clientKey] = next
				return
			}
			delete(l.byClient, clientKey)
		})
	}, true
}
