package mw

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

type visitor struct {
	lim  *rate.Limiter
	seen time.Time
}

// Limiter 按 IP+路径维护令牌桶，闲置的条目定期回收。
type Limiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	stop     chan struct{}
}

func NewLimiter(r rate.Limit, burst int, idleTTL time.Duration) *Limiter {
	return &Limiter{
		visitors: make(map[string]*visitor),
		rate:     r,
		burst:    burst,
		idleTTL:  idleTTL,
		stop:     make(chan struct{}),
	}
}

func (l *Limiter) get(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	v, ok := l.visitors[key]
	if ok {
		v.seen = time.Now()
		return v.lim
	}
	lim := rate.NewLimiter(l.rate, l.burst)
	l.visitors[key] = &visitor{lim: lim, seen: time.Now()}
	return lim
}

func (l *Limiter) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			now := time.Now()
			l.mu.Lock()
			for k, v := range l.visitors {
				if now.Sub(v.seen) > l.idleTTL {
					delete(l.visitors, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

// Stop 停止 GC goroutine，用于优雅停服。
func (l *Limiter) Stop() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

// RateLimit 返回基于 IP+路径的令牌桶限速中间件。聊天发送是突发型
// 流量，burst 要给够一轮快速连发的量。
func RateLimit(r rate.Limit, burst int) gin.HandlerFunc {
	l := NewLimiter(r, burst, 2*time.Minute)
	go l.gc()
	return func(c *gin.Context) {
		ip := clientIP(c.Request.RemoteAddr)
		key := ip + "|" + c.FullPath()
		if key == ip+"|" {
			key = ip + "|" + c.Request.URL.Path
		}
		if !l.get(key).Allow() {
			log.Warn().Str("ip", ip).Str("path", c.Request.URL.Path).Msg("rate limited")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests"})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
