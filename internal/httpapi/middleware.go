package httpapi

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/venuetix/notification-service/internal/apperr"
	"github.com/venuetix/notification-service/internal/ratelimit"
	"github.com/venuetix/notification-service/internal/telemetry"
)

const (
	ctxTenantKey    = "tenant_id"
	ctxPrincipalKey = "principal"
	ctxScopeKey     = "scope"

	correlationHeader = "X-Correlation-ID"
)

// renderError writes an error as an RFC 7807 problem document.
func (s *Server) renderError(c *gin.Context, err error) {
	ae := apperr.From(err).WithCorrelationID(telemetry.GetCorrelationID(c.Request.Context()))

	if ae.Kind == apperr.KindInternal {
		s.logger.WithContext(c.Request.Context()).WithFields(logrus.Fields{
			"path":  c.Request.URL.Path,
			"error": ae.Error(),
		}).Error("Request failed")
	}

	if ae.RetryAfter > 0 {
		c.Header("Retry-After", strconv.Itoa(int(ae.RetryAfter.Round(time.Second).Seconds())))
	}
	c.Writer.Header().Set("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(ae.HTTPStatus, ae.Problem(c.Request.URL.Path))
}

// correlationMiddleware threads a correlation id through the request
// context and echoes it on the response.
func (s *Server) correlationMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(correlationHeader)
		if id == "" {
			id = telemetry.NewCorrelationID()
		}
		c.Request = c.Request.WithContext(telemetry.WithCorrelationID(c.Request.Context(), id))
		c.Header(correlationHeader, id)
		c.Next()
	}
}

// recoveryMiddleware turns panics into 500 problem documents.
func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.WithContext(c.Request.Context()).WithFields(logrus.Fields{
			"path":  c.Request.URL.Path,
			"panic": recovered,
		}).Error("Panic recovered in HTTP handler")
		s.renderError(c, apperr.NewInternal("internal server error", nil))
	})
}

// requestLogMiddleware logs one line per request at completion.
func (s *Server) requestLogMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := s.logger.WithContext(c.Request.Context()).WithFields(logrus.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
			"client_ip":   clientIP(c),
		})
		if c.Writer.Status() >= 500 {
			entry.Error("Request completed")
			return
		}
		entry.Info("Request completed")
	}
}

// authMiddleware validates the bearer JWT and stores the tenant scope.
// Tokens are HS256 with a tenant_id claim; sub names the API principal.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			s.renderError(c, apperr.NewAuth("missing bearer token"))
			return
		}
		raw := strings.TrimPrefix(header, "Bearer ")

		claims := jwt.MapClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, apperr.NewAuth("unexpected signing method")
			}
			return []byte(s.cfg.JWTSigningKey), nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil || !token.Valid {
			s.renderError(c, apperr.NewAuth("invalid token"))
			return
		}

		tenantID, _ := claims[ctxTenantKey].(string)
		if tenantID == "" {
			s.renderError(c, apperr.NewAuth("token has no tenant scope"))
			return
		}

		c.Set(ctxTenantKey, tenantID)
		if sub, _ := claims["sub"].(string); sub != "" {
			c.Set(ctxPrincipalKey, sub)
		}
		if scope, _ := claims[ctxScopeKey].(string); scope != "" {
			c.Set(ctxScopeKey, scope)
		}
		c.Next()
	}
}

// requireAdmin gates the operational endpoints on the admin scope.
func (s *Server) requireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope := c.GetString(ctxScopeKey)
		for _, sc := range strings.Fields(scope) {
			if sc == "admin" {
				c.Next()
				return
			}
		}
		s.renderError(c, apperr.NewForbidden("admin scope required"))
	}
}

// ipLimitMiddleware applies the per-IP bucket before any handler work.
func (s *Server) ipLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		result := s.limiter.Allow(c.Request.Context(), ratelimit.Request{IP: clientIP(c)})
		if !result.Allowed {
			s.renderError(c, apperr.NewRateLimited(result.Scope, result.RetryAfter))
			return
		}
		c.Next()
	}
}

func tenantFrom(c *gin.Context) string {
	return c.GetString(ctxTenantKey)
}

func principalFrom(c *gin.Context) string {
	return c.GetString(ctxPrincipalKey)
}

// clientIP returns the right-most X-Forwarded-For entry, which is the
// address the trusted edge proxy saw. Left entries are caller-supplied
// and spoofable.
func clientIP(c *gin.Context) string {
	if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[len(parts)-1]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(c.Request.RemoteAddr)
	if err != nil {
		return c.Request.RemoteAddr
	}
	return host
}
