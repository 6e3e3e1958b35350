package middleware

import (
	"math"
	"net/http"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimiter admits requests from one token bucket shared by all callers.
type RateLimiter struct {
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewRateLimiter creates a limiter refilling perSecond tokens up to burst.
func NewRateLimiter(perSecond float64, burst int, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:  logger,
	}
}

// Limit answers 429 when no token is available. Retry-After carries the
// wait until the next token.
func (rl *RateLimiter) Limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reservation := rl.limiter.Reserve()
		if reservation.OK() && reservation.Delay() == 0 {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := 1
		if reservation.OK() {
			retryAfter = int(math.Ceil(reservation.Delay().Seconds()))
		}
		// the token is not consumed by a rejected request
		reservation.Cancel()

		rl.logger.Warn("Rate limit exceeded",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Int("retry_after_seconds", retryAfter))

		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		reject(w, http.StatusTooManyRequests, "RATE_LIMITED", "rate limit exceeded")
	})
}
