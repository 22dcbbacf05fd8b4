// Package api implements the admin REST API of a replicon host: connection
// and group management, entity listing, journaled sessions and Prometheus
// metrics.
package api

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Scope separates the read endpoints from the control endpoints that change
// host state (group membership, disconnects, config).
type Scope uint8

const (
	ScopeRead Scope = iota
	ScopeControl
)

func (s Scope) String() string {
	if s == ScopeControl {
		return "control"
	}
	return "read"
}

// bucketIdle is how long a refilled bucket may sit unused before it is dropped.
const bucketIdle = time.Minute

type bucketKey struct {
	client string
	scope  Scope
}

type bucket struct {
	tokens float64
	last   time.Time
}

// RouteLimiter keeps a token bucket per client and scope. A scope with a
// limit of zero is not limited. Each bucket holds two seconds of requests.
type RouteLimiter struct {
	mu        sync.Mutex
	buckets   map[bucketKey]*bucket
	limits    [2]int
	lastSweep time.Time
	now       func() time.Time
}

// NewRouteLimiter creates a limiter allowing readRPS reads and controlRPS
// control requests per second and client.
func NewRouteLimiter(readRPS, controlRPS int) *RouteLimiter {
	return &RouteLimiter{
		buckets: make(map[bucketKey]*bucket),
		limits:  [2]int{ScopeRead: readRPS, ScopeControl: controlRPS},
		now:     time.Now,
	}
}

// Middleware returns a Gin middleware charging requests to scope.
func (rl *RouteLimiter) Middleware(scope Scope) gin.HandlerFunc {
	return func(c *gin.Context) {
		ok, wait := rl.allow(c.ClientIP(), scope)
		if ok {
			c.Next()
			return
		}
		c.Header("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": "rate limit exceeded",
			"scope": scope.String(),
		})
	}
}

// allow takes a token from the client's bucket. When none is left it reports
// how long until the next one.
func (rl *RouteLimiter) allow(client string, scope Scope) (bool, time.Duration) {
	rate := rl.limits[scope]
	if rate <= 0 {
		return true, 0
	}
	burst := float64(2 * rate)

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	key := bucketKey{client: client, scope: scope}
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: burst, last: now}
		rl.buckets[key] = b
	}
	b.tokens = math.Min(burst, b.tokens+now.Sub(b.last).Seconds()*float64(rate))
	b.last = now

	if b.tokens < 1 {
		return false, time.Duration((1 - b.tokens) / float64(rate) * float64(time.Second))
	}
	b.tokens--
	return true, 0
}

// sweep drops buckets idle long enough to be full again. Callers hold mu.
func (rl *RouteLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < bucketIdle {
		return
	}
	rl.lastSweep = now
	for key, b := range rl.buckets {
		if now.Sub(b.last) >= bucketIdle {
			delete(rl.buckets, key)
		}
	}
}

// Len returns the number of tracked buckets.
func (rl *RouteLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// AdminHeaders marks every response as uncacheable host state that must not
// be framed or sniffed, and names the serving host.
func AdminHeaders(server string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
		c.Header("Cache-Control", "no-store")
		c.Header("Server", server)
		c.Next()
	}
}

// RequestLogger logs each request with its route template. Control requests
// log at info level, failed requests at warn or error.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		var ev *zerolog.Event
		switch {
		case status >= http.StatusInternalServerError:
			ev = logger.Error()
		case status >= http.StatusBadRequest:
			ev = logger.Warn()
		case c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead:
			ev = logger.Info()
		default:
			ev = logger.Debug()
		}

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		ev = ev.Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP())
		if id := c.Param("id"); id != "" {
			ev = ev.Str("conn_id", id)
		}
		if group := c.Param("group"); group != "" {
			ev = ev.Str("group", group)
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Msg("api request")
	}
}
