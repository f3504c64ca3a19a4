package middlewares

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ratchetd/ratchet/internal/ratelimit"
	"github.com/ratchetd/ratchet/internal/xerrors"
)

// RateLimit enforces the operation's limiter before the handler runs. The
// key is the authenticated client when present, the caller IP otherwise.
func RateLimit(dispatcher *ratelimit.Dispatcher, operation string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyByClientOrIP(c)

		err := dispatcher.Check(operation, key, 1)
		if err == nil {
			c.Next()
			return
		}

		retryAfter := time.Second
		var xe *xerrors.Error
		if errors.As(err, &xe) && xe.RetryAfter != nil {
			retryAfter = *xe.RetryAfter
		}
		seconds := int(retryAfter.Round(time.Second).Seconds())
		if seconds < 1 {
			seconds = 1
		}

		c.Header("Retry-After", strconv.Itoa(seconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error": gin.H{
				"code":                xerrors.CodeRateLimited,
				"message":             "Too many requests. Please try again shortly.",
				"retry_after_seconds": seconds,
			},
		})
	}
}

func keyByClientOrIP(c *gin.Context) string {
	if id, ok := ClientIDFromContext(c); ok && id != "" {
		return "client:" + id
	}
	return clientIP(c)
}

func clientIP(c *gin.Context) string {
	// gin's ClientIP respects X-Forwarded-For / X-Real-IP if configured.
	ip := c.ClientIP()

	host, _, err := net.SplitHostPort(ip)
	if err == nil && host != "" {
		return host
	}
	return ip
}
