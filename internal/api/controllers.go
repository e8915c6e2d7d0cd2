package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"volume-core/internal/engine"
	"volume-core/pkg/db"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	defaultPairLimit = 50
	maxPairLimit     = 500
	maxStopGrace     = 5 * time.Minute
)

// respondError maps engine errors onto HTTP status codes.
func (s *Server) respondError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "INTERNAL_ERROR"
	switch {
	case errors.Is(err, engine.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, engine.ErrUnavailable):
		status, code = http.StatusServiceUnavailable, "UNAVAILABLE"
	case errors.Is(err, db.ErrUserIDRequired):
		status, code = http.StatusBadRequest, "USER_REQUIRED"
	case errors.Is(err, context.DeadlineExceeded):
		status, code = http.StatusGatewayTimeout, "TIMEOUT"
	}
	if status >= 500 {
		_ = c.Error(err)
	}
	c.JSON(status, gin.H{"code": code, "error": err.Error()})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.GetSystemStatus(c.Request.Context()))
}

func (s *Server) getUnits(c *gin.Context) {
	units := s.engine.ListUnits(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"units": units, "count": len(units)})
}

func (s *Server) getPairs(c *gin.Context) {
	limit := defaultPairLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_LIMIT", "error": "limit must be a positive integer"})
			return
		}
		limit = min(n, maxPairLimit)
	}
	pairs, err := s.engine.ListPairs(c.Request.Context(), c.Query("user"), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pairs": pairs, "count": len(pairs)})
}

func (s *Server) getPair(c *gin.Context) {
	pair, err := s.engine.GetPair(c.Request.Context(), c.Query("user"), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, pair)
}

func (s *Server) getBlockedUsers(c *gin.Context) {
	users := s.engine.ListBlockedUsers(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{"users": users, "count": len(users)})
}

func (s *Server) unblockUser(c *gin.Context) {
	userID := c.Param("id")
	ok, err := s.engine.UnblockUser(c.Request.Context(), userID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"code": "NOT_BLOCKED", "error": "user is not blocked"})
		return
	}
	s.log.Info("user unblocked", zap.String("user_id", userID), zap.String("operator", CurrentOperator(c)))
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "unblocked": true})
}

func (s *Server) getRiskMetrics(c *gin.Context) {
	info, err := s.engine.GetRiskMetrics(c.Request.Context(), c.Param("user"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) resumeRisk(c *gin.Context) {
	userID := c.Param("user")
	if err := s.engine.ResumeRisk(c.Request.Context(), userID); err != nil {
		s.respondError(c, err)
		return
	}
	s.log.Info("risk resumed", zap.String("user_id", userID), zap.String("operator", CurrentOperator(c)))
	c.JSON(http.StatusOK, gin.H{"user_id": userID, "resumed": true})
}

func (s *Server) getBalance(c *gin.Context) {
	info, err := s.engine.GetBalance(c.Request.Context(), c.Param("user"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) getProgress(c *gin.Context) {
	day := c.Query("day")
	if day != "" {
		if _, err := time.Parse("2006-01-02", day); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_DAY", "error": "day must be YYYY-MM-DD"})
			return
		}
	}
	rows, err := s.engine.GetProgress(c.Request.Context(), c.Param("user"), day)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"progress": rows, "count": len(rows)})
}

// stopScheduler accepts an optional {"grace_seconds": n} body.
func (s *Server) stopScheduler(c *gin.Context) {
	var req struct {
		GraceSeconds int `json:"grace_seconds"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil || req.GraceSeconds < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"code": "INVALID_PAYLOAD", "error": "invalid request payload"})
			return
		}
	}
	grace := min(time.Duration(req.GraceSeconds)*time.Second, maxStopGrace)

	s.log.Warn("scheduler stop requested", zap.Duration("grace", grace), zap.String("operator", CurrentOperator(c)))
	// Stop outlives the request timeout when grace is long.
	graceful, err := s.engine.StopScheduler(context.WithoutCancel(c.Request.Context()), grace)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"stopped": true, "graceful": graceful})
}
