/*
Copyright 2024 Blnk Finance Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package middleware

import (
	"crypto/subtle"
	"net/http"
	"strconv"
	"time"

	"github.com/didip/tollbooth/v7"
	"github.com/didip/tollbooth/v7/limiter"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jerry-enebeli/creditguard/config"
	"github.com/jerry-enebeli/creditguard/internal/apierror"
	"github.com/jerry-enebeli/creditguard/internal/ratelimit"
)

const (
	KeyHeader       = "X-CreditGuard-Key"
	RequestIDHeader = "X-Request-ID"
	SessionHeader   = "X-Session-ID"

	RequestIDKey = "request_id"
)

// RequestID tags every request with an id, reusing the caller's when sent.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}
		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// GetRequestID returns the id set by RequestID.
func GetRequestID(c *gin.Context) string {
	return c.GetString(RequestIDKey)
}

// Abort renders err as a standard failure response and stops the chain.
func Abort(c *gin.Context, classifier *apierror.Classifier, err error) {
	resp := classifier.ToResponse(err, apierror.ResponseContext{RequestID: GetRequestID(c)})
	if resp.RetryAfter != nil {
		c.Header("Retry-After", strconv.Itoa(*resp.RetryAfter))
	}
	c.AbortWithStatusJSON(apierror.StatusFor(resp), resp)
}

// RateLimitMiddleware creates a middleware for rate limiting using Tollbooth
func RateLimitMiddleware(conf *config.Configuration) gin.HandlerFunc {
	if conf.RateLimit.RequestsPerSecond == nil || conf.RateLimit.Burst == nil {
		// Rate limiting is disabled
		return func(c *gin.Context) {
			c.Next()
		}
	}

	rps := *conf.RateLimit.RequestsPerSecond
	burst := *conf.RateLimit.Burst
	ttl := 3 * time.Hour
	if conf.RateLimit.CleanupIntervalSec != nil {
		ttl = time.Duration(*conf.RateLimit.CleanupIntervalSec) * time.Second
	}

	lmt := tollbooth.NewLimiter(rps, &limiter.ExpirableOptions{
		DefaultExpirationTTL: ttl,
	})
	lmt.SetBurst(burst)
	return func(c *gin.Context) {
		httpError := tollbooth.LimitByRequest(lmt, c.Writer, c.Request)
		if httpError != nil {
			Abort(c, apierror.Default, apierror.RateLimited(1))
			return
		}
		c.Next()
	}
}

// SecretKeyAuthMiddleware requires KeyHeader to match the configured secret key.
func SecretKeyAuthMiddleware(conf *config.Configuration, classifier *apierror.Classifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		secretKey := conf.Server.SecretKey
		if secretKey == "" {
			Abort(c, classifier, apierror.NewAPIError(apierror.ErrInternalServer, "secret key is not configured", nil))
			return
		}

		clientSecret := c.GetHeader(KeyHeader)
		if clientSecret == "" {
			Abort(c, classifier, apierror.Security(apierror.ErrUnauthorized, "Missing secret key"))
			return
		}

		if !secureCompare(secretKey, clientSecret) {
			Abort(c, classifier, apierror.Security(apierror.ErrUnauthorized, "Invalid secret key"))
			return
		}

		c.Next()
	}
}

// IPLimit applies the sliding-window limiter to the client address and
// records the outcome of every request it lets through.
func IPLimit(ips *ratelimit.IPLimiter, classifier *apierror.Classifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		addr := c.ClientIP()
		if err := ips.CheckLimit(addr); err != nil {
			Abort(c, classifier, err)
			return
		}
		c.Next()
		ips.RecordRequest(addr, c.FullPath(), c.Writer.Status() < http.StatusBadRequest)
	}
}

func secureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
