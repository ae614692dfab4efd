package httpapi

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/MarkoPoloResearchLab/logoledger/internal/observability"
)

const (
	limiterIdleTTL       = 10 * time.Minute
	limiterSweepInterval = 1000
)

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		ctx.Next()
		fields := []zap.Field{
			zap.String("method", ctx.Request.Method),
			zap.String("path", routePath(ctx)),
			zap.Int("status", ctx.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if principal, ok := getPrincipal(ctx); ok {
			fields = append(fields, zap.String("user_id", principal.UserID.String()))
		}
		if len(ctx.Errors) > 0 {
			fields = append(fields, zap.String("errors", ctx.Errors.String()))
		}
		if ctx.Writer.Status() >= http.StatusInternalServerError {
			logger.Error("http request", fields...)
			return
		}
		logger.Info("http request", fields...)
	}
}

func metricsMiddleware(metrics *observability.Metrics) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		start := time.Now()
		done := metrics.HTTPStarted()
		ctx.Next()
		done(ctx.Request.Method, routePath(ctx), strconv.Itoa(ctx.Writer.Status()), time.Since(start))
	}
}

// routePath returns the registered route so metric labels stay bounded.
func routePath(ctx *gin.Context) string {
	if path := ctx.FullPath(); path != "" {
		return path
	}
	return "unmatched"
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// userRateLimiter keeps one token bucket per authenticated user. It is process-local.
type userRateLimiter struct {
	limit    rate.Limit
	burst    int
	metrics  *observability.Metrics
	nowFn    func() time.Time
	mu       sync.Mutex
	visitors map[string]*visitor
	lookups  int
}

func newUserRateLimiter(requestsPerSecond float64, burst int, metrics *observability.Metrics) *userRateLimiter {
	return &userRateLimiter{
		limit:    rate.Limit(requestsPerSecond),
		burst:    burst,
		metrics:  metrics,
		nowFn:    time.Now,
		visitors: make(map[string]*visitor),
	}
}

func (limiter *userRateLimiter) allow(key string) bool {
	now := limiter.nowFn()
	limiter.mu.Lock()
	limiter.lookups++
	if limiter.lookups >= limiterSweepInterval {
		for visitorKey, entry := range limiter.visitors {
			if now.Sub(entry.lastSeen) >= limiterIdleTTL {
				delete(limiter.visitors, visitorKey)
			}
		}
		limiter.lookups = 0
	}
	entry, ok := limiter.visitors[key]
	if !ok {
		entry = &visitor{limiter: rate.NewLimiter(limiter.limit, limiter.burst)}
		limiter.visitors[key] = entry
	}
	entry.lastSeen = now
	limiter.mu.Unlock()
	return entry.limiter.AllowN(now, 1)
}

func (limiter *userRateLimiter) middleware() gin.HandlerFunc {
	return func(ctx *gin.Context) {
		key := "ip:" + ctx.ClientIP()
		if principal, ok := getPrincipal(ctx); ok {
			key = "user:" + principal.UserID.String()
		}
		if !limiter.allow(key) {
			if limiter.metrics != nil {
				limiter.metrics.RateLimited(routePath(ctx))
			}
			ctx.Header("Retry-After", "1")
			ctx.AbortWithStatusJSON(http.StatusTooManyRequests, errorResponse(codeRateLimited, "too many requests"))
			return
		}
		ctx.Next()
	}
}
