package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/geo"
	"github.com/tphakala/trafficsat/internal/jobqueue"
	"github.com/tphakala/trafficsat/internal/logger"
)

// TriggerResponse is the 202 body of the analyze endpoints.
type TriggerResponse struct {
	Status  string    `json:"status"`
	Message string    `json:"message"`
	JobID   string    `json:"job_id"`
	BBox    []float64 `json:"bbox,omitempty"`
}

// CustomAnalysisRequest is the optional JSON body of POST analyze/custom.
// Query parameters take precedence.
type CustomAnalysisRequest struct {
	BBox []float64 `json:"bbox"`
}

func (c *Controller) initAnalyzeRoutes() {
	analyze := c.Group.Group("/traffic/analyze")

	var mw []echo.MiddlewareFunc
	if c.authMiddleware != nil {
		mw = append(mw, c.authMiddleware)
	}
	analyze.POST("/trigger", c.TriggerAnalysis, mw...)
	analyze.POST("/custom", c.AnalyzeCustomArea, mw...)
	analyze.GET("/jobs/:id", c.GetJobStatus)
}

// TriggerAnalysis handles POST /api/v2/traffic/analyze/trigger
func (c *Controller) TriggerAnalysis(ctx echo.Context) error {
	if err := c.triggersAvailable(); err != nil {
		return c.HandleError(ctx, err, "Analysis triggers are not available", http.StatusServiceUnavailable)
	}

	action := jobqueue.ActionFunc{
		Description: "whole-area traffic analysis",
		Fn: func(jobCtx context.Context, _ any) (any, error) {
			return c.runner.RunWholeArea(jobCtx)
		},
	}
	job, err := c.jobs.Enqueue(action, nil, c.retry)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to queue traffic analysis", statusForError(err))
	}

	c.logger.Info("whole-area analysis queued",
		logger.String("job_id", job.ID),
		logger.String("ip", ctx.RealIP()))

	return ctx.JSON(http.StatusAccepted, TriggerResponse{
		Status:  "started",
		Message: "Traffic analysis has been triggered and will run in the background",
		JobID:   job.ID,
	})
}

// AnalyzeCustomArea handles POST /api/v2/traffic/analyze/custom
func (c *Controller) AnalyzeCustomArea(ctx echo.Context) error {
	bbox, err := customBBox(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid bounding box", http.StatusBadRequest)
	}

	if err := c.triggersAvailable(); err != nil {
		return c.HandleError(ctx, err, "Analysis triggers are not available", http.StatusServiceUnavailable)
	}

	action := jobqueue.ActionFunc{
		Description: "custom-area traffic analysis " + bbox.JSON(),
		Fn: func(jobCtx context.Context, data any) (any, error) {
			return c.runner.RunCustomArea(jobCtx, data.(geo.BBox))
		},
	}
	job, err := c.jobs.Enqueue(action, bbox, c.retry)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to queue custom area analysis", statusForError(err))
	}

	c.logger.Info("custom-area analysis queued",
		logger.String("job_id", job.ID),
		logger.String("bbox", bbox.JSON()),
		logger.String("ip", ctx.RealIP()))

	return ctx.JSON(http.StatusAccepted, TriggerResponse{
		Status:  "started",
		Message: fmt.Sprintf("Analyzing area: %s", formatBBox(bbox)),
		JobID:   job.ID,
		BBox:    bbox.Slice(),
	})
}

// GetJobStatus handles GET /api/v2/traffic/analyze/jobs/:id
func (c *Controller) GetJobStatus(ctx echo.Context) error {
	if c.jobs == nil {
		return c.HandleError(ctx, nil, "Job queue is not available", http.StatusServiceUnavailable)
	}
	job, err := c.jobs.Get(ctx.Param("id"))
	if err != nil {
		if errors.IsNotFound(err) {
			return c.HandleError(ctx, err, "Job not found", http.StatusNotFound)
		}
		return c.HandleError(ctx, err, "Failed to get job status", statusForError(err))
	}
	return ctx.JSON(http.StatusOK, job)
}

// customBBox reads the area from min_lon, min_lat, max_lon and max_lat query
// parameters, or from a {"bbox": [...]} body when none are given.
func customBBox(ctx echo.Context) (geo.BBox, error) {
	if ctx.QueryParam("min_lon") != "" || ctx.QueryParam("min_lat") != "" ||
		ctx.QueryParam("max_lon") != "" || ctx.QueryParam("max_lat") != "" {
		return bboxParams(ctx)
	}

	var req CustomAnalysisRequest
	if err := (&echo.DefaultBinder{}).BindBody(ctx, &req); err != nil {
		return geo.BBox{}, errors.New(err).
			Component("api").
			Category(errors.CategoryValidation).
			Build()
	}
	bbox, err := geo.FromSlice(req.BBox)
	if err != nil {
		return geo.BBox{}, errors.New(err).
			Component("api").
			Category(errors.CategoryValidation).
			Build()
	}
	return bbox, nil
}

func (c *Controller) triggersAvailable() error {
	if c.runner == nil || c.jobs == nil {
		return errors.Newf("analysis runner or job queue not configured").
			Component("api").
			Category(errors.CategoryState).
			Build()
	}
	return nil
}

// formatBBox renders bbox as "[min_lon, min_lat, max_lon, max_lat]".
func formatBBox(b geo.BBox) string {
	return fmt.Sprintf("[%g, %g, %g, %g]", b.MinLon, b.MinLat, b.MaxLon, b.MaxLat)
}
