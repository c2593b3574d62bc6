package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	v1 "github.com/strata-analytics/strata/internal/api/v1"
	"github.com/strata-analytics/strata/internal/core/storage"
	"github.com/strata-analytics/strata/internal/engine"
	"github.com/strata-analytics/strata/internal/stats"
)

// respondError maps engine errors onto status codes: validation failures
// are the client's fault, missing entities are 404, the rest is ours.
func respondError(c *gin.Context, err error) {
	var verr *engine.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, gin.H{"error": verr.Reason})
	case errors.Is(err, storage.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case errors.Is(err, stats.ErrNoSnapshot):
		c.JSON(http.StatusNotFound, gin.H{"error": "no stats published yet"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) createSource(c *gin.Context) {
	var def v1.EventSourceDefinition
	if err := c.ShouldBindJSON(&def); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := s.app.CreateEventSource(c.Request.Context(), &def)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, created)
}

func (s *Server) listSources(c *gin.Context) {
	sources, err := s.app.ListEventSources(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sources)
}

func (s *Server) defineEventType(c *gin.Context) {
	source, err := s.app.GetEventSource(c.Request.Context(), c.Param("source"))
	if err != nil {
		respondError(c, err)
		return
	}
	var et v1.EventType
	if err := c.ShouldBindJSON(&et); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	et.SourceID = source.ID
	created, err := s.app.DefineEventType(c.Request.Context(), &et)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, created)
}

func (s *Server) listEventTypes(c *gin.Context) {
	source, err := s.app.GetEventSource(c.Request.Context(), c.Param("source"))
	if err != nil {
		respondError(c, err)
		return
	}
	types, err := s.app.ListEventTypes(c.Request.Context(), source.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, types)
}

func (s *Server) recordEvent(c *gin.Context) {
	var t v1.EventTransfer
	if err := c.ShouldBindJSON(&t); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	event, err := s.app.RecordEvent(c.Request.Context(), c.Param("source"), &t)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, event)
}

func (s *Server) recordEvents(c *gin.Context) {
	var transfers []*v1.EventTransfer
	if err := c.ShouldBindJSON(&transfers); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	events, err := s.app.RecordEvents(c.Request.Context(), c.Param("source"), transfers)
	if err != nil {
		// Partial progress is durable; report both the failure and what
		// landed so the client can retry the whole batch idempotently.
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "recorded": len(events)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"recorded": len(events)})
}

func (s *Server) createReport(c *gin.Context) {
	var report v1.Report
	if err := c.ShouldBindJSON(&report); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	created, err := s.app.CreateReport(c.Request.Context(), &report)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, created)
}

func (s *Server) listReports(c *gin.Context) {
	reports, err := s.app.ListReports(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, reports)
}

func (s *Server) updateReport(c *gin.Context) {
	var patch struct {
		Active      *bool   `json:"active"`
		Description *string `json:"description"`
	}
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	report, err := s.app.UpdateReport(c.Request.Context(), c.Param("id"), patch.Active, patch.Description)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) createAggregationSource(c *gin.Context) {
	var src v1.AggregationSource
	if err := c.ShouldBindJSON(&src); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src.ReportID = c.Param("id")
	created, err := s.app.CreateAggregationSource(c.Request.Context(), &src)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, created)
}

func (s *Server) listAggregationSources(c *gin.Context) {
	sources, err := s.app.ListAggregationSources(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, sources)
}

func (s *Server) removeAggregationSource(c *gin.Context) {
	if err := s.app.RemoveAggregationSource(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) reprocessReport(c *gin.Context) {
	var body struct {
		TimeRange v1.TimeRange `json:"time_range"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.app.ReprocessEventsForReport(c.Request.Context(), c.Param("id"), body.TimeRange); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reprocessed"})
}

// realtime opts a query into the buffer-merging read path.
func realtime(c *gin.Context) bool {
	return c.Query("realtime") == "true"
}

func (s *Server) queryReport(c *gin.Context) {
	var q v1.Query
	if err := c.ShouldBindJSON(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var (
		points []v1.ReportPoint
		err    error
	)
	if realtime(c) {
		points, err = s.app.GetReportRealtime(c.Request.Context(), q)
	} else {
		points, err = s.app.GetReport(c.Request.Context(), q)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, points)
}

func (s *Server) queryDataset(c *gin.Context) {
	var q v1.DatasetQuery
	if err := c.ShouldBindJSON(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var (
		points []v1.DatasetPoint
		err    error
	)
	if realtime(c) {
		points, err = s.app.GetDatasetRealtime(c.Request.Context(), q)
	} else {
		points, err = s.app.GetDataset(c.Request.Context(), q)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, points)
}

func (s *Server) queryGroups(c *gin.Context) {
	var q v1.GroupsQuery
	if err := c.ShouldBindJSON(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var (
		points []v1.DatasetPoint
		err    error
	)
	if realtime(c) {
		points, err = s.app.GetGroupsAggregationRealtime(c.Request.Context(), q)
	} else {
		points, err = s.app.GetGroupsAggregation(c.Request.Context(), q)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, points)
}

func (s *Server) queryFlatGroups(c *gin.Context) {
	var q v1.FlatGroupsQuery
	if err := c.ShouldBindJSON(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var (
		rows []v1.FlatGroupRow
		err  error
	)
	if realtime(c) {
		rows, err = s.app.GetFlatGroupsAggregationRealtime(c.Request.Context(), q)
	} else {
		rows, err = s.app.GetFlatGroupsAggregation(c.Request.Context(), q)
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, rows)
}

func (s *Server) engineStats(c *gin.Context) {
	snap, err := s.app.GetEngineStats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, snap)
}
