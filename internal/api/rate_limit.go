package api

import (
	"time"

	"golang.org/x/time/rate"
)

// submitLimiter bounds the rate of POST /classify. A nil limiter allows
// everything.
type submitLimiter struct {
	limiter *rate.Limiter
}

func newSubmitLimiter(perSecond float64, burst int) *submitLimiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return &submitLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (l *submitLimiter) allow(now time.Time) bool {
	if l == nil {
		return true
	}
	return l.limiter.AllowN(now, 1)
}
