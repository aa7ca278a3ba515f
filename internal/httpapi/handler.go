// Package httpapi exposes the pipeline triggers and job state over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/dennissolver/tenderwatch/internal/pipeline"
)

// Triggers enqueues stage work.
type Triggers interface {
	EnqueueSync(ctx context.Context, accountID int64) error
	EnqueueProcessListing(ctx context.Context, listingID int64) error
	EnqueueDigest(ctx context.Context, tick time.Time) error
}

// Jobs reads recorded job state. ErrNotFound when nothing was recorded.
type Jobs interface {
	Job(ctx context.Context, stage pipeline.Stage, key string) (pipeline.Job, error)
}

// Pinger checks one backing service.
type Pinger func(ctx context.Context) error

type Handler struct {
	triggers Triggers
	jobs     Jobs
	checks   map[string]Pinger
	loc      *time.Location
	now      func() time.Time
	logger   *zap.Logger
}

type HandlerOption func(*Handler)

// WithTickLocation sets the timezone a default digest tick is read in.
func WithTickLocation(loc *time.Location) HandlerOption {
	return func(h *Handler) {
		if loc != nil {
			h.loc = loc
		}
	}
}

func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) { h.now = now }
}

func NewHandler(triggers Triggers, jobs Jobs, checks map[string]Pinger, log *zap.Logger, opts ...HandlerOption) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{triggers: triggers, jobs: jobs, checks: checks, loc: time.UTC, now: time.Now, logger: log}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	result := gin.H{}
	for name, ping := range h.checks {
		if err := ping(ctx); err != nil {
			status = http.StatusServiceUnavailable
			result[name] = err.Error()
			continue
		}
		result[name] = "ok"
	}

	if status == http.StatusOK {
		c.JSON(status, gin.H{"status": "ok", "checks": result})
		return
	}
	c.JSON(status, gin.H{"status": "degraded", "checks": result})
}

func (h *Handler) SyncAccount(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	h.enqueue(c, pipeline.StageSyncAccount, strconv.FormatInt(id, 10), func(ctx context.Context) error {
		return h.triggers.EnqueueSync(ctx, id)
	})
}

func (h *Handler) ProcessListing(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	h.enqueue(c, pipeline.StageProcessListing, strconv.FormatInt(id, 10), func(ctx context.Context) error {
		return h.triggers.EnqueueProcessListing(ctx, id)
	})
}

type DispatchDigestRequest struct {
	// Tick is a YYYY-MM-DD date; empty means today in the schedule's timezone.
	Tick string `json:"tick"`
}

func (h *Handler) DispatchDigest(c *gin.Context) {
	var req DispatchDigestRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}

	tick := h.now().In(h.loc)
	if req.Tick != "" {
		parsed, err := time.Parse(pipeline.TickLayout, req.Tick)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tick must be YYYY-MM-DD"})
			return
		}
		tick = parsed
	}

	h.enqueue(c, pipeline.StageDispatchDigest, tick.Format(pipeline.TickLayout), func(ctx context.Context) error {
		return h.triggers.EnqueueDigest(ctx, tick)
	})
}

func (h *Handler) GetJob(c *gin.Context) {
	stage, err := pipeline.ParseStage(c.Param("stage"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	job, err := h.jobs.Job(c.Request.Context(), stage, c.Param("key"))
	if err != nil {
		if errors.Is(err, pipeline.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		h.logger.Error("loading job failed", zap.String("stage", string(stage)), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
		return
	}

	c.JSON(http.StatusOK, job)
}

func (h *Handler) enqueue(c *gin.Context, stage pipeline.Stage, key string, fn func(ctx context.Context) error) {
	if err := fn(c.Request.Context()); err != nil {
		h.logger.Error("enqueue failed", zap.String("stage", string(stage)), zap.String("job_key", key), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"stage": stage, "key": key, "job": "/v1/jobs/" + string(stage) + "/" + key})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be a positive integer"})
		return 0, false
	}
	return id, true
}
