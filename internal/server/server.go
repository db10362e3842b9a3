package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/bbelbuken/elontweetbot/internal/executor"
	"github.com/bbelbuken/elontweetbot/internal/ledger"
	"github.com/bbelbuken/elontweetbot/internal/logger"
	"github.com/bbelbuken/elontweetbot/internal/pipeline"
	"github.com/bbelbuken/elontweetbot/internal/risk"
)

// Server exposes the read-only dashboard API plus the manual-override
// endpoints. It never mutates trades directly; approvals go back through the
// admission queue.
type Server struct {
	ledger *ledger.Ledger
	gate   *risk.Gate
	pipe   *pipeline.Pipeline
	exec   *executor.Executor
	http   *http.Server
}

func New(addr string, led *ledger.Ledger, gate *risk.Gate, pipe *pipeline.Pipeline, exec *executor.Executor) *Server {
	s := &Server{ledger: led, gate: gate, pipe: pipe, exec: exec}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	v1 := engine.Group("/api/v1")
	{
		v1.GET("/health", s.health)
		v1.GET("/posts", s.posts)
		v1.GET("/trades", s.trades)
		v1.GET("/positions", s.positions)
		v1.GET("/risk", s.riskState)
		v1.POST("/override", s.setOverride)
		v1.GET("/override/pending", s.pendingApprovals)
		v1.POST("/override/approvals/:token", s.approve)
	}

	s.http = &http.Server{
		Addr:         addr,
		Handler:      engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug(c.Request.Context(), "HTTP request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start).String())
	}
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "breaker": s.exec.BreakerState()})
}

func (s *Server) posts(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	minScore := intQuery(c, "min_score", 0)
	hours := intQuery(c, "hours", 24)

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	posts, err := s.ledger.RecentPosts(c.Request.Context(), since, minScore, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts, "count": len(posts)})
}

func (s *Server) trades(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	trades, err := s.ledger.TradeHistory(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) positions(c *gin.Context) {
	positions, err := s.ledger.Positions(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (s *Server) riskState(c *gin.Context) {
	state := s.gate.State()
	pnl, err := s.ledger.DailyRealizedPnL(c.Request.Context(), state.DayStart)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	openCount, err := s.ledger.OpenPositionCount(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state":              state,
		"daily_realized_pnl": pnl,
		"open_positions":     openCount,
		"breaker":            s.exec.BreakerState(),
	})
}

func (s *Server) setOverride(c *gin.Context) {
	var req struct {
		Enabled *bool `json:"enabled" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "body must be {\"enabled\": true|false}"})
		return
	}
	s.gate.SetManualOverride(*req.Enabled)
	logger.Info(c.Request.Context(), "Manual override toggled", "enabled", *req.Enabled)
	c.JSON(http.StatusOK, gin.H{"manual_override": *req.Enabled})
}

func (s *Server) pendingApprovals(c *gin.Context) {
	approvals := s.gate.PendingApprovals()
	c.JSON(http.StatusOK, gin.H{"pending": approvals, "count": len(approvals)})
}

func (s *Server) approve(c *gin.Context) {
	token := c.Param("token")
	if err := s.pipe.ApproveToken(c.Request.Context(), token); err != nil {
		if errors.Is(err, risk.ErrUnknownToken) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown or expired token"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"token": token, "status": "approved"})
}

func intQuery(c *gin.Context, key string, def int) int {
	v := c.Query(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
