package httpapi

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"skipper/internal/logger"
	"skipper/internal/security"

	"github.com/gin-gonic/gin"
)

const rawBodyKey = "httpapi.raw_body"

// rawBody returns the request body captured by an earlier middleware,
// reading it now if nobody has yet.
func rawBody(c *gin.Context) ([]byte, error) {
	if cached, ok := c.Get(rawBodyKey); ok {
		return cached.([]byte), nil
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, err
	}
	c.Request.Body = io.NopCloser(bytes.NewReader(body))
	c.Set(rawBodyKey, body)
	return body, nil
}

// serviceTokenMiddleware guards the operator endpoints with a shared
// bearer token. An empty configured token disables the check.
func (r *Router) serviceTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.serviceToken == "" {
			c.Next()
			return
		}
		header := c.GetHeader("Authorization")
		token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
		if subtle.ConstantTimeCompare([]byte(token), []byte(r.serviceToken)) != 1 {
			logger.Warnf("[api] rejected token auth ip=%s path=%s", c.ClientIP(), c.FullPath())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid_token"})
			return
		}
		c.Next()
	}
}

// webhookAuthMiddleware verifies the HMAC signature over the raw body
// exactly as received, plus timestamp freshness and source IP.
func (r *Router) webhookAuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := rawBody(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable_body"})
			return
		}
		err = r.auth.Verify(body,
			c.GetHeader("X-Signature-256"),
			c.GetHeader("X-Timestamp"),
			c.ClientIP())
		if err != nil {
			reason := "invalid_signature"
			var authErr *security.AuthError
			if errors.As(err, &authErr) {
				reason = string(authErr.Reason)
			}
			logger.Warnf("[api] webhook auth failed ip=%s reason=%s", c.ClientIP(), reason)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": reason})
			return
		}
		c.Next()
	}
}

// rateLimitMiddleware admits per caller key (client IP) and answers
// denials with 429 plus a Retry-After hint.
func (r *Router) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		admission := r.limiter.Admit(c.ClientIP())
		if !admission.Allowed {
			retryAfter := int(admission.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":               "rate_limit_exceeded",
				"retry_after_seconds": retryAfter,
			})
			return
		}
		c.Next()
	}
}

// backpressureMiddleware takes a queue slot for the request lifetime.
// A full queue answers 503 immediately; a loaded queue serves the
// admission delay before processing.
func (r *Router) backpressureMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := r.queue.Acquire(c.Request.Context()); err != nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "overloaded"})
			return
		}
		defer r.queue.Release()
		c.Next()
	}
}
