package server

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	accountingdomain "github.com/smallbiznis/hotspotd/internal/accounting/domain"
	"github.com/smallbiznis/hotspotd/internal/observability/logger"
	"go.uber.org/zap"
)

const maxEventBody = 64 << 10

// AccountingIngestRateLimit applies the per-NAS bucket before the event is
// decoded. The body is restored for the handler.
func (s *Server) AccountingIngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody))
		if err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		var key struct {
			NASID string `json:"nas_id"`
		}
		_ = json.Unmarshal(body, &key)
		nasID := strings.TrimSpace(key.NASID)
		if nasID != "" {
			c.Set("nas_id", nasID)
		}

		if s.limiter.Enabled() && !s.limiter.Allow(nasID) {
			logger.FromContext(c.Request.Context()).Warn("accounting ingest rate limited", zap.String("nas_id", nasID))
			c.Header("Retry-After", "1")
			AbortWithError(c, ErrRateLimited)
			return
		}
		c.Next()
	}
}

func (s *Server) IngestAccountingEvent(c *gin.Context) {
	var ev accountingdomain.Event
	if err := c.ShouldBindJSON(&ev); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.accounting.Ingest(c.Request.Context(), ev)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, res)
}

func (s *Server) ListDeadLetters(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, newValidationError("limit", "invalid_limit", "limit must be a positive integer"))
		return
	}

	letters, err := s.accounting.DeadLetters(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": letters})
}

// parseLimit returns 0 for an empty value so services apply their default.
func parseLimit(value string) (int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, nil
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil || parsed <= 0 {
		return 0, ErrInvalidRequest
	}
	return parsed, nil
}
