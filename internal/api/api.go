package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"fare-scraper/internal/logger"
	"fare-scraper/internal/models"
	"fare-scraper/internal/report"
	"fare-scraper/internal/services/monitor"
	"fare-scraper/internal/services/scraper"
	"fare-scraper/internal/store"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"
)

const (
	defaultHistoryLimit = 500
	maxHistoryLimit     = 10000
)

// Runner is the scraper surface the API drives.
type Runner interface {
	Run(ctx context.Context, opts scraper.RunOptions) (*scraper.RunStats, error)
	Running() bool
	Status() (current, last *scraper.RunStats)
	BlockStats() monitor.Stats
}

// APIHandler serves the /api/v1 endpoints.
type APIHandler struct {
	runner Runner
	store  store.Store
	loc    *time.Location
	log    logger.Logger
	// runs started over HTTP outlive the request and end with this context
	runCtx context.Context
}

// Options carries the handler's dependencies.
type Options struct {
	Runner   Runner
	Store    store.Store
	Location *time.Location
	Log      logger.Logger
	RunCtx   context.Context
}

// SetupRoutes mounts the run and route endpoints on r.
func SetupRoutes(r *gin.RouterGroup, opts Options) *APIHandler {
	h := &APIHandler{
		runner: opts.Runner,
		store:  opts.Store,
		loc:    opts.Location,
		log:    opts.Log,
		runCtx: opts.RunCtx,
	}
	if h.loc == nil {
		h.loc = time.UTC
	}
	if h.log == nil {
		h.log = logger.NewNop()
	}
	if h.runCtx == nil {
		h.runCtx = context.Background()
	}

	runs := r.Group("/runs")
	{
		runs.POST("", h.StartRun)
		runs.GET("/status", h.RunStatus)
	}
	r.GET("/block-stats", h.BlockStats)

	routes := r.Group("/routes")
	{
		routes.GET("/:id/journeys", h.ListJourneys)
		routes.GET("/:id/history", h.ListHistory)
		routes.GET("/:id/history.xlsx", h.ExportHistory)
	}
	return h
}

type startRunRequest struct {
	Date    string `json:"date"`
	Cleanup bool   `json:"cleanup"`
}

// StartRun launches a run in the background and answers immediately.
func (h *APIHandler) StartRun(c *gin.Context) {
	var req startRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	opts := scraper.RunOptions{PurgeOldSnapshots: req.Cleanup}
	if req.Date != "" {
		d, err := time.ParseInLocation("2006-01-02", req.Date, h.loc)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "date must be YYYY-MM-DD"})
			return
		}
		opts.TargetDate = d
	}

	if h.runner.Running() {
		current, _ := h.runner.Status()
		c.JSON(http.StatusConflict, gin.H{"error": "run already in progress", "status": current})
		return
	}

	go func() {
		stats, err := h.runner.Run(h.runCtx, opts)
		if err != nil {
			h.log.Warn("API triggered run did not complete", logger.Error(err))
			return
		}
		h.log.Info("API triggered run finished", logger.String("run_id", stats.RunID))
	}()

	c.JSON(http.StatusAccepted, gin.H{"code": 202, "msg": "started"})
}

func (h *APIHandler) RunStatus(c *gin.Context) {
	current, last := h.runner.Status()
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": gin.H{
		"running": h.runner.Running(),
		"current": current,
		"last":    last,
	}})
}

func (h *APIHandler) BlockStats(c *gin.Context) {
	st := h.runner.BlockStats()
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": gin.H{
		"stats":      st,
		"block_rate": st.BlockRate(),
		"escalate":   st.ShouldEscalate(),
	}})
}

func (h *APIHandler) ListJourneys(c *gin.Context) {
	id, ok := h.routeID(c)
	if !ok {
		return
	}
	if _, ok := h.loadRoute(c, id); !ok {
		return
	}

	journeys, err := h.store.JourneysForRoute(c.Request.Context(), id)
	if err != nil {
		h.log.Error("Listing journeys failed", logger.Uint("route_id", id), logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load journeys"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": gin.H{"count": len(journeys), "items": journeys}})
}

func (h *APIHandler) ListHistory(c *gin.Context) {
	id, ok := h.routeID(c)
	if !ok {
		return
	}
	limit, ok := historyLimit(c)
	if !ok {
		return
	}

	rows, err := h.store.PriceHistoryForRoute(c.Request.Context(), id, limit)
	if err != nil {
		h.log.Error("Listing price history failed", logger.Uint("route_id", id), logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load price history"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": 200, "data": gin.H{"count": len(rows), "items": rows}})
}

// ExportHistory streams the route's price history as an xlsx workbook.
func (h *APIHandler) ExportHistory(c *gin.Context) {
	id, ok := h.routeID(c)
	if !ok {
		return
	}
	route, ok := h.loadRoute(c, id)
	if !ok {
		return
	}
	limit, ok := historyLimit(c)
	if !ok {
		return
	}

	rows, err := h.store.PriceHistoryForRoute(c.Request.Context(), id, limit)
	if err != nil {
		h.log.Error("Exporting price history failed", logger.Uint("route_id", id), logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load price history"})
		return
	}

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="route-%d-history.xlsx"`, id))
	c.Status(http.StatusOK)
	if err := report.WriteHistory(c.Writer, *route, rows); err != nil {
		h.log.Error("Writing workbook failed", logger.Uint("route_id", id), logger.Error(err))
	}
}

func (h *APIHandler) routeID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid route id"})
		return 0, false
	}
	return uint(id), true
}

func (h *APIHandler) loadRoute(c *gin.Context, id uint) (*models.Route, bool) {
	route, err := h.store.Route(c.Request.Context(), id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found"})
		return nil, false
	}
	if err != nil {
		h.log.Error("Loading route failed", logger.Uint("route_id", id), logger.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load route"})
		return nil, false
	}
	return route, true
}

func historyLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultHistoryLimit, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	return n, true
}
