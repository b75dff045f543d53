package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"inboxrelay/tools/sched"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// IPLimiter 入口按客户端 IP 的令牌桶，挡住单个来源的突发流量；业务配额另由 ratelimit 包负责
type IPLimiter struct {
	mu      sync.Mutex
	r       rate.Limit
	burst   int
	idle    time.Duration
	entries map[string]*ipEntry
	now     func() time.Time
	cleaner *sched.Task
}

type ipEntry struct {
	lim  *rate.Limiter
	seen time.Time
}

func NewIPLimiter(perSecond float64, burst int, idle time.Duration) *IPLimiter {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	l := &IPLimiter{
		r:       rate.Limit(perSecond),
		burst:   burst,
		idle:    idle,
		entries: make(map[string]*ipEntry),
		now:     time.Now,
	}
	l.cleaner = sched.Every(context.Background(), "ip-limiter-clean", time.Minute, func(context.Context) { l.Sweep() })
	return l
}

func (l *IPLimiter) Allow(ip string) bool {
	now := l.now()
	l.mu.Lock()
	e, ok := l.entries[ip]
	if !ok {
		e = &ipEntry{lim: rate.NewLimiter(l.r, l.burst)}
		l.entries[ip] = e
	}
	e.seen = now
	l.mu.Unlock()
	return e.lim.AllowN(now, 1)
}

// Sweep 清理长期不活跃的 IP
func (l *IPLimiter) Sweep() int {
	cut := l.now().Add(-l.idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for ip, e := range l.entries {
		if e.seen.Before(cut) {
			delete(l.entries, ip)
			n++
		}
	}
	return n
}

func (l *IPLimiter) Close() { l.cleaner.Stop() }

func (l *IPLimiter) Middleware() gin.HandlerFunc {
	retry := strconv.Itoa(int(1/float64(l.r)) + 1)
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			c.Header("Retry-After", retry)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"code": http.StatusTooManyRequests, "msg": "too many requests"})
			return
		}
		c.Next()
	}
}
