package api

import (
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// requestLogger tags each request with a UUID and stores a logger carrying
// it in the request context; handlers log through zerolog.Ctx.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()
		w.Header().Set("X-Request-ID", id)
		logger := log.With().Str("request_id", id).Logger()
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context())))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

// limiter is a per-client token bucket. Clients idle for longer than
// idleAfter are forgotten on the next sweep.
type limiter struct {
	rate      float64
	burst     float64
	idleAfter time.Duration
	now       func() time.Time

	mu        sync.Mutex
	clients   map[string]*tokens
	lastSweep time.Time
}

type tokens struct {
	left float64
	seen time.Time
}

func newLimiter(perSecond int) *limiter {
	return &limiter{
		rate:      float64(perSecond),
		burst:     float64(2 * perSecond),
		idleAfter: 5 * time.Minute,
		now:       time.Now,
		clients:   make(map[string]*tokens),
	}
}

func (l *limiter) allow(client string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastSweep) > l.idleAfter {
		for k, t := range l.clients {
			if now.Sub(t.seen) > l.idleAfter {
				delete(l.clients, k)
			}
		}
		l.lastSweep = now
	}

	t, ok := l.clients[client]
	if !ok {
		t = &tokens{left: l.burst, seen: now}
		l.clients[client] = t
	}
	t.left = min(l.burst, t.left+now.Sub(t.seen).Seconds()*l.rate)
	t.seen = now
	if t.left < 1 {
		return false
	}
	t.left--
	return true
}

func (l *limiter) handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := remoteHost(r)
		if !l.allow(client) {
			zerolog.Ctx(r.Context()).Warn().Str("client", client).Msg("rate limit exceeded")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// remoteHost is the peer address without its port. Forwarding headers are
// ignored; put the limiter behind a proxy that rewrites RemoteAddr if needed.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
