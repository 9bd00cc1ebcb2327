package middleware

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/qazuor/markview/internal/httputil"
)

// RateLimiter bounds per-user request volume before requests reach the sync
// ledger. Exceeding the budget yields 429 with a Retry-After header; sync
// clients surface that as RATE_LIMITED and back off.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

// NewRateLimiter creates a limiter allowing rps sustained requests per user
// with the given burst.
func NewRateLimiter(rps float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) limiterFor(userID string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	lim, ok := rl.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rl.rps, rl.burst)
		rl.limiters[userID] = lim
	}
	return lim
}

// Middleware enforces the per-user budget. Must run after AuthMiddleware so
// the user ID is present; unauthenticated requests were already rejected.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := httputil.GetUserID(r)
		if userID == "" {
			next.ServeHTTP(w, r)
			return
		}

		lim := rl.limiterFor(userID)
		if !lim.Allow() {
			res := lim.Reserve()
			retryAfter := int(res.Delay()/time.Second) + 1
			res.Cancel()
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			httputil.RespondError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}
