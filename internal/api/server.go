// Package api exposes the read-only operational HTTP surface over the
// derived analysis state.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"btc-signal-engine/config"
	"btc-signal-engine/internal/analysis"
	"btc-signal-engine/internal/cache"
	"btc-signal-engine/internal/coordinator"
	"btc-signal-engine/internal/warnings"
)

// TrendReader retrieves a trend with the full fallback chain.
type TrendReader interface {
	Retrieve(ctx context.Context, minutes int) analysis.TrendResult
}

// RunnerStatus reports analysis-loop health.
type RunnerStatus interface {
	Status() map[string]interface{}
}

// Server is the HTTP API server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        config.ServerConfig
	cache      cache.Gateway
	trends     TrendReader
	runner     RunnerStatus
	logger     zerolog.Logger
}

// NewServer builds the router and routes.
func NewServer(cfg config.ServerConfig, gw cache.Gateway, trends TrendReader, runner RunnerStatus, logger zerolog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	origins := strings.Split(cfg.AllowedOrigins, ",")
	if len(origins) == 1 && strings.TrimSpace(origins[0]) == "*" {
		corsConfig.AllowAllOrigins = true
	} else {
		for i := range origins {
			origins[i] = strings.TrimSpace(origins[i])
		}
		corsConfig.AllowOrigins = origins
	}
	corsConfig.AllowMethods = []string{"GET", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router: router,
		cfg:    cfg,
		cache:  gw,
		trends: trends,
		runner: runner,
		logger: logger.With().Str("component", "api_server").Logger(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	v1 := s.router.Group("/api/v1")
	{
		v1.GET("/analysis", s.handleAnalysis)
		v1.GET("/trends/:timeframe", s.handleTrend)
		v1.GET("/warnings", s.handleWarnings)
	}
}

// Start runs the HTTP server. Blocks until shutdown.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info().Str("address", addr).Msg("HTTP server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	cacheStatus := "healthy"
	if !s.cache.Ping(ctx) {
		cacheStatus = "unavailable"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"cache":    cacheStatus,
		"analysis": s.runner.Status(),
		"time":     time.Now().UTC().Format(time.RFC3339),
	})
}

// handleAnalysis returns the latest composite analysis blob verbatim.
func (s *Server) handleAnalysis(c *gin.Context) {
	var composite coordinator.CompositeResult
	if !s.cache.GetJSON(c.Request.Context(), coordinator.KeyComposite, &composite) {
		errorResponse(c, http.StatusNotFound, "no analysis available yet")
		return
	}
	successResponse(c, composite)
}

// handleTrend returns one timeframe's trend, accepting "15" or "15min".
func (s *Server) handleTrend(c *gin.Context) {
	raw := strings.TrimSuffix(c.Param("timeframe"), "min")
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 {
		errorResponse(c, http.StatusBadRequest, "invalid timeframe")
		return
	}
	successResponse(c, s.trends.Retrieve(c.Request.Context(), minutes))
}

// handleWarnings returns recent warnings, optionally filtered by type, plus
// the lifetime counters.
func (s *Server) handleWarnings(c *gin.Context) {
	key := warnings.KeyGlobal
	if t := c.Query("type"); t != "" {
		key = warnings.KeyPerTypePrefix + t
	}

	ctx := c.Request.Context()
	raw, ok := s.cache.ListRange(ctx, key, 0, 99)
	if !ok {
		errorResponse(c, http.StatusServiceUnavailable, "warning log unavailable")
		return
	}

	entries := make([]warnings.Record, 0, len(raw))
	for _, item := range raw {
		var rec warnings.Record
		if err := json.Unmarshal([]byte(item), &rec); err == nil {
			entries = append(entries, rec)
		}
	}

	counts, _ := s.cache.HashGetAllInt(ctx, warnings.KeyCounts)
	successResponse(c, gin.H{
		"warnings": entries,
		"counts":   counts,
	})
}

func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
