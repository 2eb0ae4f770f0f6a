package server

import (
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// chatLimiter enforces the per-session chat rate limit over a one minute
// window. Counters expire with the window, so an idle session starts fresh.
type chatLimiter struct {
	mu     sync.Mutex
	counts *cache.Cache
	perMin int
}

func newChatLimiter(perMinute int) *chatLimiter {
	return &chatLimiter{
		counts: cache.New(time.Minute, 2*time.Minute),
		perMin: perMinute,
	}
}

// Allow reports whether the session may send another chat message this
// window, counting the attempt.
func (l *chatLimiter) Allow(sessionID int) bool {
	if l.perMin <= 0 {
		return true
	}

	key := strconv.Itoa(sessionID)

	l.mu.Lock()
	defer l.mu.Unlock()

	count, err := l.counts.IncrementInt(key, 1)
	if err != nil {
		l.counts.Set(key, 1, cache.DefaultExpiration)
		return l.perMin >= 1
	}
	return count <= l.perMin
}

// Forget drops a session's counter, e.g. when it disconnects.
func (l *chatLimiter) Forget(sessionID int) {
	l.counts.Delete(strconv.Itoa(sessionID))
}
