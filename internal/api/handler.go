// Package api is the operator command surface: status, pause/resume,
// force-close and instrument management over HTTP.
package api

import (
	"net/http"
	"strconv"
	"time"

	"perp-pilot/internal/journal"
	"perp-pilot/internal/orchestrator"
	"perp-pilot/pkg/config"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// Server wires HTTP endpoints around the orchestrator.
type Server struct {
	Router    *gin.Engine
	Orch      *orchestrator.Orchestrator
	Journal   *journal.Journal
	JWTSecret string

	limiters *ipLimiters
}

// NewServer builds the router with the middleware stack and routes.
// Call Close when done to stop the rate-limiter sweeper.
func NewServer(orch *orchestrator.Orchestrator, jr *journal.Journal, jwtSecret string) *Server {
	r := gin.New()
	s := &Server{
		Router:    r,
		Orch:      orch,
		Journal:   jr,
		JWTSecret: jwtSecret,
		limiters:  newIPLimiters(rate.Limit(20), 50, 5*time.Minute),
	}
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(s.rateLimit())
	s.routes()
	return s
}

// Close releases server-owned background resources.
func (s *Server) Close() {
	s.limiters.Close()
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.Router.Group("/api/v1")
	api.Use(AuthMiddleware(s.JWTSecret))
	{
		api.GET("/status", s.getStatus)
		api.GET("/instruments", s.getInstruments)
		api.POST("/instruments", s.addInstrument)
		api.DELETE("/instruments/:symbol", s.removeInstrument)

		api.POST("/instruments/:symbol/pause", s.pauseInstrument)
		api.POST("/instruments/:symbol/resume", s.resumeInstrument)
		api.POST("/instruments/:symbol/close", s.forceClose)
		api.POST("/instruments/:symbol/reset", s.resetInstrument)

		api.GET("/journal/summary", s.getDailySummary)
		api.GET("/journal/:symbol/trades", s.getRecentTrades)
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"instruments": s.Orch.Statuses()})
}

func (s *Server) getInstruments(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"symbols": s.Orch.Symbols()})
}

func (s *Server) addInstrument(c *gin.Context) {
	var ins config.Instrument
	if err := c.ShouldBindJSON(&ins); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := ins.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.Orch.Add(c.Request.Context(), ins); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"symbol": ins.Symbol})
}

func (s *Server) removeInstrument(c *gin.Context) {
	if err := s.Orch.Remove(c.Param("symbol")); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": c.Param("symbol")})
}

func (s *Server) pauseInstrument(c *gin.Context) {
	ctrl, ok := s.Orch.Get(c.Param("symbol"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instrument"})
		return
	}
	ctrl.Pause()
	c.JSON(http.StatusOK, gin.H{"paused": c.Param("symbol")})
}

func (s *Server) resumeInstrument(c *gin.Context) {
	ctrl, ok := s.Orch.Get(c.Param("symbol"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instrument"})
		return
	}
	ctrl.Resume()
	c.JSON(http.StatusOK, gin.H{"resumed": c.Param("symbol")})
}

func (s *Server) forceClose(c *gin.Context) {
	ctrl, ok := s.Orch.Get(c.Param("symbol"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instrument"})
		return
	}
	var body struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&body)
	if body.Reason == "" {
		body.Reason = "operator"
	}
	if err := ctrl.ForceClose(c.Request.Context(), body.Reason); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": c.Param("symbol")})
}

func (s *Server) resetInstrument(c *gin.Context) {
	ctrl, ok := s.Orch.Get(c.Param("symbol"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown instrument"})
		return
	}
	ctrl.ResetState()
	c.JSON(http.StatusOK, gin.H{"reset": c.Param("symbol")})
}

func (s *Server) getDailySummary(c *gin.Context) {
	rows, err := s.Journal.SummarizeDay(c.Request.Context(), time.Now().UTC())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"summary": rows})
}

func (s *Server) getRecentTrades(c *gin.Context) {
	n, _ := strconv.Atoi(c.DefaultQuery("n", "20"))
	trades, err := s.Journal.RecentTrades(c.Request.Context(), c.Param("symbol"), n)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades})
}
