package gateway

import (
	"net"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/enginebridge/engine-gateway/internal/config"
	"github.com/enginebridge/engine-gateway/internal/translate"
	"github.com/enginebridge/engine-gateway/internal/upstream"
)

const requestIDHeader = "X-Request-ID"

// withRequestID tags every request with an id, honoring one supplied by the
// caller. The id is echoed on the response for correlation with logs.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
			r.Header.Set(requestIDHeader, id)
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

func requestIDFrom(r *http.Request) string {
	return r.Header.Get(requestIDHeader)
}

// withRateLimit applies a per-client token bucket. rps <= 0 disables the
// limiter. The bucket table is capped so hostile traffic cannot grow it
// without bound; at the cap, unknown clients share one overflow bucket.
func withRateLimit(next http.Handler, rps float64) http.Handler {
	if rps <= 0 {
		return next
	}

	var (
		mu       sync.Mutex
		buckets  = make(map[string]*rate.Limiter)
		overflow = rate.NewLimiter(rate.Limit(rps), int(rps)+1)
	)
	limiterFor := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()
		if l, ok := buckets[key]; ok {
			return l
		}
		if len(buckets) >= config.MaxRateLimitBuckets {
			return overflow
		}
		l := rate.NewLimiter(rate.Limit(rps), int(rps)+1)
		buckets[key] = l
		return l
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !limiterFor(host).Allow() {
			log.Debug().Str("client", host).Msg("rate limit exceeded")
			writeJSON(w, http.StatusTooManyRequests, translate.ErrorPayload(
				upstream.NewError(upstream.KindRateLimit, "rate limit exceeded, slow down")))
			return
		}
		next.ServeHTTP(w, r)
	})
}
