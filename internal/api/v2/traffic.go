package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/tphakala/trafficsat/internal/datastore"
	"github.com/tphakala/trafficsat/internal/errors"
	"github.com/tphakala/trafficsat/internal/geo"
)

// Query defaults and bounds
const (
	defaultDensityLimit = datastore.DefaultDensityLimit
	maxDensityLimit     = 1000
	defaultImagesLimit  = datastore.DefaultImagesLimit
	maxImagesLimit      = 500
	defaultHours        = 24
	maxHours            = 24 * 365
)

// Cache names used in keys and metrics
const (
	cacheLatest  = "density_latest"
	cacheSummary = "stats_summary"
)

// EmptySummaryResponse is returned by stats/summary for an empty window.
type EmptySummaryResponse struct {
	Message      string `json:"message"`
	TotalRecords int64  `json:"total_records"`
}

func (c *Controller) initTrafficRoutes() {
	traffic := c.Group.Group("/traffic")

	traffic.GET("/density/latest", c.GetLatestDensity)
	traffic.GET("/density/area", c.GetDensityByArea)
	traffic.GET("/satellite-images", c.GetSatelliteImages)
	traffic.GET("/satellite/images", c.GetSatelliteImages)
	traffic.GET("/stats/summary", c.GetSummary)
}

// GetLatestDensity handles GET /api/v2/traffic/density/latest
func (c *Controller) GetLatestDensity(ctx echo.Context) error {
	limit, err := intParam(ctx, "limit", defaultDensityLimit, 1, maxDensityLimit)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid limit parameter", http.StatusBadRequest)
	}

	key := fmt.Sprintf("%s:%d", cacheLatest, limit)
	if cached, ok := c.cacheGet(cacheLatest, key); ok {
		return ctx.JSON(http.StatusOK, cached)
	}

	rows, err := c.DS.LatestDensities(ctx.Request().Context(), limit)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get latest traffic density", statusForError(err))
	}
	if rows == nil {
		rows = []datastore.TrafficDensity{}
	}

	c.queryCache.SetDefault(key, rows)
	return ctx.JSON(http.StatusOK, rows)
}

// GetDensityByArea handles GET /api/v2/traffic/density/area
func (c *Controller) GetDensityByArea(ctx echo.Context) error {
	bbox, err := bboxParams(ctx)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid bounding box", http.StatusBadRequest)
	}
	hours, err := intParam(ctx, "hours", defaultHours, 1, maxHours)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid hours parameter", http.StatusBadRequest)
	}

	since := c.now().Add(-time.Duration(hours) * time.Hour)
	rows, err := c.DS.DensitiesInArea(ctx.Request().Context(), bbox, since)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get traffic density for area", statusForError(err))
	}
	if rows == nil {
		rows = []datastore.TrafficDensity{}
	}
	return ctx.JSON(http.StatusOK, rows)
}

// GetSatelliteImages handles GET /api/v2/traffic/satellite-images
func (c *Controller) GetSatelliteImages(ctx echo.Context) error {
	limit, err := intParam(ctx, "limit", defaultImagesLimit, 1, maxImagesLimit)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid limit parameter", http.StatusBadRequest)
	}

	status := datastore.ProcessingStatus(ctx.QueryParam("status"))
	if status != "" && !status.Valid() {
		return c.HandleError(ctx, nil,
			fmt.Sprintf("Invalid status %q, expected pending, processing, completed or failed", status),
			http.StatusBadRequest)
	}

	images, err := c.DS.SatelliteImages(ctx.Request().Context(), limit, status)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get satellite images", statusForError(err))
	}
	if images == nil {
		images = []datastore.SatelliteImage{}
	}
	return ctx.JSON(http.StatusOK, images)
}

// GetSummary handles GET /api/v2/traffic/stats/summary
func (c *Controller) GetSummary(ctx echo.Context) error {
	hours, err := intParam(ctx, "hours", defaultHours, 1, maxHours)
	if err != nil {
		return c.HandleError(ctx, err, "Invalid hours parameter", http.StatusBadRequest)
	}

	key := fmt.Sprintf("%s:%d", cacheSummary, hours)
	if cached, ok := c.cacheGet(cacheSummary, key); ok {
		return ctx.JSON(http.StatusOK, cached)
	}

	since := c.now().Add(-time.Duration(hours) * time.Hour)
	summary, err := c.DS.DensitySummary(ctx.Request().Context(), since)
	if err != nil {
		return c.HandleError(ctx, err, "Failed to get traffic summary", statusForError(err))
	}

	var body any
	if summary == nil || summary.TotalRecords == 0 {
		body = EmptySummaryResponse{Message: "No traffic data available", TotalRecords: 0}
	} else {
		summary.TimeRangeHours = float64(hours)
		body = summary
	}

	c.queryCache.SetDefault(key, body)
	return ctx.JSON(http.StatusOK, body)
}

func (c *Controller) cacheGet(name, key string) (any, bool) {
	v, ok := c.queryCache.Get(key)
	if c.metrics != nil {
		c.metrics.RecordCacheLookup(name, ok)
	}
	return v, ok
}

// intParam reads an optional integer query parameter within [lo, hi].
func intParam(ctx echo.Context, name string, def, lo, hi int) (int, error) {
	raw := ctx.QueryParam(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, errors.Newf("%s must be an integer between %d and %d, got %q", name, lo, hi, raw).
			Component("api").
			Category(errors.CategoryValidation).
			Build()
	}
	return v, nil
}

// bboxParams reads the required min_lon, min_lat, max_lon and max_lat parameters.
func bboxParams(ctx echo.Context) (geo.BBox, error) {
	names := [4]string{"min_lon", "min_lat", "max_lon", "max_lat"}
	v := make([]float64, 4)
	for i, name := range names {
		raw := ctx.QueryParam(name)
		if raw == "" {
			return geo.BBox{}, errors.Newf("missing required parameter %s", name).
				Component("api").
				Category(errors.CategoryValidation).
				Build()
		}
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return geo.BBox{}, errors.Newf("parameter %s must be a number, got %q", name, raw).
				Component("api").
				Category(errors.CategoryValidation).
				Build()
		}
		v[i] = f
	}

	bbox, err := geo.FromSlice(v)
	if err != nil {
		return geo.BBox{}, errors.New(err).
			Component("api").
			Category(errors.CategoryValidation).
			Build()
	}
	return bbox, nil
}
