// Package api is the HTTP/JSON control plane in front of the queue
// service. Authentication is out of scope here: the submitting
// principal arrives on the X-Principal header, set by the gateway.
package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yourorg/backrun/internal/domain"
	"github.com/yourorg/backrun/internal/jobcfg"
	"github.com/yourorg/backrun/internal/lanes"
	"github.com/yourorg/backrun/internal/queue"
	"github.com/yourorg/backrun/internal/store"
)

type Handler struct {
	queue  *queue.Service
	jobs   store.Jobs
	broker lanes.Broker
	logger *slog.Logger
}

// NewRouter builds the gin engine with all routes registered.
func NewRouter(q *queue.Service, jobs store.Jobs, broker lanes.Broker, logger *slog.Logger) *gin.Engine {
	h := &Handler{queue: q, jobs: jobs, broker: broker, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", h.Health)

	v1 := r.Group("/api/v1")
	{
		v1.POST("/jobs", h.SubmitJob)
		v1.GET("/jobs", h.ListJobs)
		v1.GET("/jobs/:job_id", h.GetJob)
		v1.DELETE("/jobs/:job_id", h.CancelJob)
		v1.GET("/deadletter", h.ListDeadLetter)
	}
	return r
}

type submitRequest struct {
	Workload       string            `json:"workload"`
	StartDate      string            `json:"start_date"`
	EndDate        string            `json:"end_date"`
	Variant        string            `json:"variant"`
	Params         map[string]string `json:"params"`
	Lane           string            `json:"lane"`
	TimeoutSeconds int64             `json:"timeout_seconds"`
	Rerun          bool              `json:"rerun"`
}

// SubmitJob handles POST /api/v1/jobs. Submission is idempotent: a
// duplicate of an active job returns 200 with the existing record, a
// fresh submission returns 201.
func (h *Handler) SubmitJob(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	principal := c.GetHeader("X-Principal")
	if principal == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-Principal header is required"})
		return
	}

	res, err := h.queue.Submit(c.Request.Context(), queue.SubmitRequest{
		Config: &jobcfg.Config{
			Workload:  req.Workload,
			StartDate: req.StartDate,
			EndDate:   req.EndDate,
			Variant:   req.Variant,
			Params:    req.Params,
		},
		Principal: principal,
		Lane:      domain.Lane(req.Lane),
		Timeout:   time.Duration(req.TimeoutSeconds) * time.Second,
		Rerun:     req.Rerun,
	})
	if err != nil {
		h.fail(c, err)
		return
	}

	code := http.StatusOK
	if res.Created {
		code = http.StatusCreated
	}
	c.JSON(code, res)
}

// GetJob handles GET /api/v1/jobs/:job_id.
func (h *Handler) GetJob(c *gin.Context) {
	st, err := h.queue.GetStatus(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

// CancelJob handles DELETE /api/v1/jobs/:job_id. 202 means the request
// was accepted, not that cancellation has completed: a running job
// cancels cooperatively within the worker's documented bound.
func (h *Handler) CancelJob(c *gin.Context) {
	accepted, err := h.queue.Cancel(c.Request.Context(), c.Param("job_id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	if !accepted {
		c.JSON(http.StatusConflict, gin.H{"error": "job is in a terminal state"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

// ListJobs handles GET /api/v1/jobs.
func (h *Handler) ListJobs(c *gin.Context) {
	var q struct {
		Principal string `form:"principal"`
		Workload  string `form:"workload"`
		Status    string `form:"status"`
		Limit     int    `form:"limit,default=50"`
		Offset    int    `form:"offset"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters"})
		return
	}
	if q.Limit <= 0 || q.Limit > 500 {
		q.Limit = 50
	}

	jobs, err := h.queue.ListJobs(c.Request.Context(), store.ListFilter{
		Principal: q.Principal,
		Workload:  q.Workload,
		Status:    domain.Status(q.Status),
		Limit:     q.Limit,
		Offset:    q.Offset,
	})
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// ListDeadLetter handles GET /api/v1/deadletter.
func (h *Handler) ListDeadLetter(c *gin.Context) {
	var q struct {
		Limit  int `form:"limit,default=50"`
		Offset int `form:"offset"`
	}
	if err := c.ShouldBindQuery(&q); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters"})
		return
	}

	jobs, err := h.queue.ListDeadLettered(c.Request.Context(), q.Limit, q.Offset)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": jobs})
}

// Health handles GET /healthz.
func (h *Handler) Health(c *gin.Context) {
	ctx := c.Request.Context()
	if err := h.jobs.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "store": err.Error()})
		return
	}
	if err := h.broker.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "broker": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fail maps service errors onto HTTP codes.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case domain.IsValidation(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	default:
		h.logger.Error("request failed",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"err", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
