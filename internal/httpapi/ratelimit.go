package httpapi

import (
	"net/http"
	"time"

	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// attemptLimiter caps attempts per client IP over a sliding period.
type attemptLimiter struct {
	prefix   string
	instance *limiter.Limiter
}

func newAttemptLimiter(prefix string, max int64, period time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if period <= 0 {
		period = time.Minute
	}
	rate := limiter.Rate{Period: period, Limit: max}
	return &attemptLimiter{
		prefix:   prefix,
		instance: limiter.New(memory.NewStore(), rate),
	}
}

func (l *attemptLimiter) Allow(r *http.Request) bool {
	if l == nil {
		return true
	}
	key := l.prefix + ":" + l.instance.GetIPKey(r)
	res, err := l.instance.Get(r.Context(), key)
	if err != nil {
		return false
	}
	return !res.Reached
}
