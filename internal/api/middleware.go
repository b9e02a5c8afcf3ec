package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"cart-service/internal/auth"
	"cart-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const cartKeyContextKey = "cartKey"

// cartKeyMiddleware resolves the caller to a stable cart key. A valid bearer
// token maps to the user's cart; anonymous callers get a guest cart pinned to
// a cookie, minted on first contact. An invalid bearer token is rejected
// rather than silently downgraded to a guest.
func cartKeyMiddleware(verifier auth.TokenVerifier, cookieName string, cookieMaxAge int) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header != "" {
			token := strings.TrimPrefix(header, "Bearer ")
			if token == header {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "Malformed Authorization header",
				})
				return
			}
			subject, err := verifier.Verify(c.Request.Context(), token)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error": "Invalid or expired token",
				})
				return
			}
			c.Set(cartKeyContextKey, auth.UserCartKey(subject))
			c.Next()
			return
		}

		guestToken, err := c.Cookie(cookieName)
		if err != nil || guestToken == "" {
			guestToken = uuid.New().String()
			c.SetCookie(cookieName, guestToken, cookieMaxAge, "/", "", false, true)
		}
		c.Set(cartKeyContextKey, auth.GuestCartKey(guestToken))
		c.Next()
	}
}

func cartKey(c *gin.Context) string {
	return c.GetString(cartKeyContextKey)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
