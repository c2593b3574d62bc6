// Package server is the thin HTTP surface over the engine facade: catalog
// management, event ingest, the four query shapes and their realtime
// variants, reprocessing and stats.
package server

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/strata-analytics/strata/internal/engine"
)

type Server struct {
	Engine *gin.Engine
	Addr   string

	app *engine.Engine
	db  *sql.DB
}

// New builds the router. db may be nil (health skips the ping); gatherer
// may be nil (no /metrics endpoint).
func New(addr string, app *engine.Engine, db *sql.DB, mode string, maxBodyBytes int64, gatherer prometheus.Gatherer) *Server {
	if mode == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.Default()

	s := &Server{
		Engine: r,
		Addr:   addr,
		app:    app,
		db:     db,
	}

	if maxBodyBytes > 0 {
		r.Use(func(c *gin.Context) {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
			c.Next()
		})
	}

	r.GET("/health", s.healthHandler)
	if gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	v1g := r.Group("/v1")
	{
		v1g.POST("/sources", s.createSource)
		v1g.GET("/sources", s.listSources)
		v1g.POST("/sources/:source/event-types", s.defineEventType)
		v1g.GET("/sources/:source/event-types", s.listEventTypes)
		v1g.POST("/sources/:source/events", s.recordEvent)
		v1g.POST("/sources/:source/events/batch", s.recordEvents)

		v1g.POST("/reports", s.createReport)
		v1g.GET("/reports", s.listReports)
		v1g.PATCH("/reports/:id", s.updateReport)
		v1g.POST("/reports/:id/aggregation-sources", s.createAggregationSource)
		v1g.GET("/reports/:id/aggregation-sources", s.listAggregationSources)
		v1g.DELETE("/aggregation-sources/:id", s.removeAggregationSource)
		v1g.POST("/reports/:id/reprocess", s.reprocessReport)

		v1g.POST("/query/report", s.queryReport)
		v1g.POST("/query/dataset", s.queryDataset)
		v1g.POST("/query/groups", s.queryGroups)
		v1g.POST("/query/flat-groups", s.queryFlatGroups)

		v1g.GET("/stats", s.engineStats)
	}

	return s
}

func (s *Server) healthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if s.db != nil {
		if err := s.db.PingContext(ctx); err != nil {
			slog.Error("[Server] Health check failed: database unreachable", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status": "unhealthy",
				"error":  "database unreachable",
			})
			return
		}
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.Addr,
		Handler: s.Engine,
	}

	slog.Info("[Server] Starting", "address", s.Addr)

	go func() {
		<-ctx.Done()
		slog.Info("[Server] Stopping")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("[Server] Forced to shutdown", "error", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
