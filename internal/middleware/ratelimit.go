package middleware

import (
	"context"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen int64 // unix nano
}

// LimiterStore keeps one token bucket per key and forgets idle keys.
type LimiterStore struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	rate    rate.Limit
	burst   int
	ttl     time.Duration
}

func NewLimiterStore(r rate.Limit, burst int, ttl time.Duration) *LimiterStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &LimiterStore{
		entries: make(map[string]*limiterEntry, 1024),
		rate:    r,
		burst:   burst,
		ttl:     ttl,
	}
}

func (s *LimiterStore) Allow(key string) bool {
	now := time.Now().UnixNano()
	s.mu.Lock()
	e, ok := s.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(s.rate, s.burst), lastSeen: now}
		s.entries[key] = e
	} else {
		atomic.StoreInt64(&e.lastSeen, now)
	}
	s.mu.Unlock()
	return e.limiter.Allow()
}

// StartJanitor evicts idle keys until ctx is done.
func (s *LimiterStore) StartJanitor(ctx context.Context, every time.Duration) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanup()
			}
		}
	}()
}

func (s *LimiterStore) cleanup() {
	cut := time.Now().Add(-s.ttl).UnixNano()
	s.mu.Lock()
	for k, e := range s.entries {
		if atomic.LoadInt64(&e.lastSeen) < cut {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}

// RateLimit throttles per authenticated user, falling back to the client IP.
func RateLimit(store *LimiterStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := clientIP(r)
			if id, ok := IdentityFromCtx(r.Context()); ok {
				key = id.UserID.String()
			}
			if !store.Allow(key) {
				w.Header().Set("Retry-After", "1")
				http.Error(w, `{"error":"too many requests","code":"rate_limited"}`, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
