package dashboard

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"
)

// RateLimit bounds requests per tenant and client IP. A zero
// RequestsPerMinute disables limiting.
type RateLimit struct {
	RequestsPerMinute int
	Burst             int
}

// limiterIdle is how long an unused bucket is kept.
const limiterIdle = 3 * time.Minute

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter holds one token bucket per tenant and client IP.
type rateLimiter struct {
	cfg  RateLimit
	now  func() time.Time
	mu   sync.Mutex
	keys map[string]*bucket
}

func newRateLimiter(cfg RateLimit) *rateLimiter {
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	return &rateLimiter{cfg: cfg, now: time.Now, keys: make(map[string]*bucket)}
}

func (l *rateLimiter) allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.keys[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerMinute)/60.0, l.cfg.Burst)}
		l.keys[key] = b
	}
	b.lastSeen = l.now()
	return b.limiter.AllowN(b.lastSeen, 1)
}

// sweep drops buckets idle for longer than limiterIdle.
func (l *rateLimiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-limiterIdle)
	for k, b := range l.keys {
		if b.lastSeen.Before(cutoff) {
			delete(l.keys, k)
		}
	}
}

// run sweeps idle buckets every minute until done is closed.
func (l *rateLimiter) run(done <-chan struct{}) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.sweep()
		case <-done:
			return
		}
	}
}

// middleware rejects requests over the limit with 429.
func (l *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if host, _, err := net.SplitHostPort(ip); err == nil {
			ip = host
		}
		if !l.allow(chi.URLParam(r, "tenantID") + "|" + ip) {
			retry := time.Duration(float64(time.Minute) / float64(l.cfg.RequestsPerMinute))
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
