package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

const checkTimeout = 2 * time.Second

// healthLive answers as long as the process serves requests.
func (s *Server) healthLive(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// runChecks probes every registered dependency with a per-check timeout.
func (s *Server) runChecks(ctx context.Context) (map[string]string, bool) {
	results := make(map[string]string, len(s.checks))
	healthy := true

	for name, check := range s.checks {
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		err := check(checkCtx)
		cancel()

		if err != nil {
			results[name] = err.Error()
			healthy = false
			continue
		}
		results[name] = "ok"
	}

	return results, healthy
}

// healthReady reports whether the hard dependencies answer. Also serves
// /health/startup.
func (s *Server) healthReady(c *gin.Context) {
	results, healthy := s.runChecks(c.Request.Context())

	status := http.StatusOK
	state := "ready"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "not_ready"
	}
	c.JSON(status, gin.H{"status": state, "checks": results})
}

// healthDetailed adds the degradation mode, breaker states, provider
// board and queue depths for operators.
func (s *Server) healthDetailed(c *gin.Context) {
	ctx := c.Request.Context()
	results, healthy := s.runChecks(ctx)

	detail := gin.H{
		"status":    "ok",
		"mode":      s.degrade.Mode().String(),
		"checks":    results,
		"breakers":  s.breakers.Snapshot(),
		"providers": s.board.Snapshot(),
	}
	if stats, err := s.queue.Stats(ctx); err == nil {
		detail["queues"] = stats
	}

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
		detail["status"] = "degraded"
	}
	c.JSON(status, detail)
}
