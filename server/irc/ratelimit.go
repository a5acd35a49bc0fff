package irc

import (
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// IPRateLimiter limits connection attempts per client IP. Limiter state for
// idle IPs expires after the TTL.
type IPRateLimiter struct {
	cache *cache.Cache
	rate  rate.Limit
	burst int
}

func NewIPRateLimiter(rate rate.Limit, burst int, ttl time.Duration) *IPRateLimiter {
	return &IPRateLimiter{
		cache: cache.New(ttl, 2*ttl),
		rate:  rate,
		burst: burst,
	}
}

// Allow checks if a connection from the given IP is allowed under its rate
// limit.
func (l *IPRateLimiter) Allow(ip string) bool {
	limiter, found := l.cache.Get(ip)
	if !found {
		limiter = rate.NewLimiter(l.rate, l.burst)
		l.cache.Set(ip, limiter, cache.DefaultExpiration)
	}
	return limiter.(*rate.Limiter).Allow()
}
