package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"gridbot/logger"
	"gridbot/monitor"
	"gridbot/risk"
)

// Server is the read-only HTTP surface: health, the latest performance
// snapshot, open positions and prometheus metrics. It never mutates
// trading state.
type Server struct {
	router     *gin.Engine
	mon        *monitor.Monitor
	ledger     *risk.Ledger
	httpServer *http.Server
	port       int
}

// NewServer creates the API server
func NewServer(mon *monitor.Monitor, ledger *risk.Ledger, port int) *Server {
	// Release mode keeps gin quiet
	gin.SetMode(gin.ReleaseMode)

	router := gin.Default()
	router.Use(corsMiddleware())

	s := &Server{
		router: router,
		mon:    mon,
		ledger: ledger,
		port:   port,
	}
	s.setupRoutes()
	return s
}

// corsMiddleware CORS middleware
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	}
}

func (s *Server) setupRoutes() {
	apiGroup := s.router.Group("/api")
	{
		apiGroup.GET("/health", s.handleHealth)
		apiGroup.GET("/status", s.handleStatus)
		apiGroup.GET("/positions", s.handlePositions)
	}
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.mon.Snapshot())
}

func (s *Server) handlePositions(c *gin.Context) {
	positions := s.ledger.Positions()
	out := make([]gin.H, 0, len(positions))
	for _, p := range positions {
		out = append(out, gin.H{
			"symbol":      p.Symbol,
			"side":        p.Side,
			"quantity":    p.Quantity,
			"entry_price": p.EntryPrice,
			"opened_at":   p.OpenedAt.Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, gin.H{"positions": out, "count": len(out)})
}

// Start starts the server, blocking until shutdown
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.port)
	logger.Infof("API server starting at http://localhost%s", addr)
	logger.Infof("  GET /api/health    - health check")
	logger.Infof("  GET /api/status    - latest performance snapshot")
	logger.Infof("  GET /api/positions - open positions")
	logger.Infof("  GET /metrics       - prometheus metrics")

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}
