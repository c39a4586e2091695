package gateway

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"deopenchat/observability"
	"deopenchat/services/gateway/api"
)

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client key, or per remote address
// when no key is announced.
type RateLimiter struct {
	limit    rate.Limit
	burst    int
	idle     time.Duration
	metrics  *observability.GatewayMetrics
	clockNow func() time.Time

	mu       sync.Mutex
	visitors map[string]*visitor
}

// NewRateLimiter constructs a limiter from cfg.
func NewRateLimiter(cfg RateLimitConfig, metrics *observability.GatewayMetrics) *RateLimiter {
	perSecond := cfg.RequestsPerMinute / 60.0
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		limit:    rate.Limit(perSecond),
		burst:    burst,
		idle:     5 * time.Minute,
		metrics:  metrics,
		clockNow: time.Now,
		visitors: make(map[string]*visitor),
	}
}

// Middleware answers 429 once a caller exhausts its bucket.
func (r *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if !r.allow(callerID(req)) {
			r.metrics.RecordThrottle()
			writeJSONError(w, http.StatusTooManyRequests, http.StatusText(http.StatusTooManyRequests), "rate_limited")
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *RateLimiter) allow(id string) bool {
	now := r.clockNow()
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, v := range r.visitors {
		if now.Sub(v.lastSeen) > r.idle {
			delete(r.visitors, key)
		}
	}
	v, ok := r.visitors[id]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.visitors[id] = v
	}
	v.lastSeen = now
	return v.limiter.AllowN(now, 1)
}

func callerID(r *http.Request) string {
	if key := r.Header.Get(api.HeaderClientKey); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "addr:" + r.RemoteAddr
	}
	return "addr:" + host
}
