package httpserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

var errRateLimited = errors.New("rate limit exceeded")

// maxTrackedClients bounds the number of per-client limiters kept in memory.
const maxTrackedClients = 10000

// RateLimiter limits requests per client address. A zero rate disables it.
type RateLimiter struct {
	limiters *lru.Cache[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
	log      *slog.Logger
}

func NewRateLimiter(requestsPerSecond float64, burst int, log *slog.Logger) (*RateLimiter, error) {
	limiters, err := lru.New[string, *rate.Limiter](maxTrackedClients)
	if err != nil {
		return nil, fmt.Errorf("failed to create limiter cache: %w", err)
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: limiters,
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		log:      log,
	}, nil
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	if limiter, ok := rl.limiters.Get(key); ok {
		return limiter
	}
	limiter := rate.NewLimiter(rl.rate, rl.burst)
	if prev, ok, _ := rl.limiters.PeekOrAdd(key, limiter); ok {
		return prev
	}
	return limiter
}

// Handler returns the rate limiting middleware.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.rate <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		key, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			key = r.RemoteAddr
		}

		if !rl.getLimiter(key).Allow() {
			rl.log.Warn("Rate limit exceeded", "client", key, "path", r.URL.Path)
			writeError(w, &RequestError{StatusCode: http.StatusTooManyRequests, Err: errRateLimited})
			return
		}

		next.ServeHTTP(w, r)
	})
}
