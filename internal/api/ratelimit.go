package api

import (
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// maxLimiters bounds the number of shares tracked at once. The least
// recently used share loses its bucket and starts over with a full burst.
const maxLimiters = 4096

// limiterSet holds one token bucket per share id.
type limiterSet struct {
	limit rate.Limit
	burst int
	cache *lru.Cache[string, *rate.Limiter]
}

func newLimiterSet(perSecond float64, burst int) *limiterSet {
	cache, _ := lru.New[string, *rate.Limiter](maxLimiters)
	return &limiterSet{limit: rate.Limit(perSecond), burst: burst, cache: cache}
}

func (l *limiterSet) allow(key string) bool {
	lim, ok := l.cache.Get(key)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		if prev, found, _ := l.cache.PeekOrAdd(key, lim); found {
			lim = prev
		}
	}
	return lim.Allow()
}

// rateLimited writes 429 when the share's bucket is empty.
func (s *Server) rateLimited(w http.ResponseWriter, shareID string) bool {
	if s.limiters.allow(shareID) {
		return false
	}
	w.Header().Set("Retry-After", "1")
	jsonError(w, "too many requests for this share", http.StatusTooManyRequests)
	return true
}
