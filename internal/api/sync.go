package api

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/NikhilSetiya/evalsync/internal/scheduler"
	"github.com/NikhilSetiya/evalsync/pkg/logging"
	"github.com/NikhilSetiya/evalsync/pkg/resilience"
	"github.com/NikhilSetiya/evalsync/pkg/types"
)

// SyncService is the part of the scheduler the API drives
type SyncService interface {
	Status() scheduler.Status
	TriggerSync(ctx context.Context, trigger types.SyncTrigger) (*types.SyncRun, error)
	TriggerSyncAsync(ctx context.Context, trigger types.SyncTrigger) (<-chan scheduler.CycleResult, error)
}

// RunStore reads persisted sync run history
type RunStore interface {
	GetRun(ctx context.Context, id uuid.UUID) (*types.SyncRun, error)
	ListRuns(ctx context.Context, limit int) ([]types.SyncRun, error)
}

// SyncHandler handles sync endpoints
type SyncHandler struct {
	sync     SyncService
	runs     RunStore
	breakers []*resilience.CircuitBreaker
	baseCtx  context.Context
	logger   *logging.Logger
}

// NewSyncHandler creates a sync handler. Background cycles started over
// HTTP run under baseCtx, not the request context.
func NewSyncHandler(baseCtx context.Context, sync SyncService, runs RunStore, breakers ...*resilience.CircuitBreaker) *SyncHandler {
	return &SyncHandler{
		sync:     sync,
		runs:     runs,
		breakers: breakers,
		baseCtx:  baseCtx,
		logger:   logging.GetLogger(),
	}
}

// SyncStatusResponse is the body of GET /sync/status
type SyncStatusResponse struct {
	Scheduler scheduler.Status      `json:"scheduler"`
	Breakers  []resilience.Snapshot `json:"breakers"`
}

// TriggerResponse is the body of an accepted manual trigger
type TriggerResponse struct {
	Message string `json:"message"`
	State   string `json:"state"`
}

// TriggerSync starts a manual cycle. With ?wait=true it runs the cycle in
// the request and returns the finished run.
func (h *SyncHandler) TriggerSync(c *gin.Context) {
	wait, _ := strconv.ParseBool(c.DefaultQuery("wait", "false"))

	if wait {
		run, err := h.sync.TriggerSync(c.Request.Context(), types.SyncTriggerManual)
		if err != nil {
			ErrorResponseFromError(c, err)
			return
		}
		SuccessResponse(c, run)
		return
	}

	ctx := logging.WithCorrelationID(h.baseCtx, logging.GetCorrelationID(c.Request.Context()))
	results, err := h.sync.TriggerSyncAsync(ctx, types.SyncTriggerManual)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	go func() {
		res := <-results
		if res.Err != nil {
			h.logger.LogError(ctx, res.Err, "Manual sync cycle failed", nil)
		}
	}()

	AcceptedResponse(c, TriggerResponse{
		Message: "sync cycle started",
		State:   h.sync.Status().State,
	})
}

// GetStatus returns the scheduler state and breaker snapshots
func (h *SyncHandler) GetStatus(c *gin.Context) {
	snapshots := make([]resilience.Snapshot, 0, len(h.breakers))
	for _, b := range h.breakers {
		snapshots = append(snapshots, b.Snapshot())
	}

	SuccessResponse(c, SyncStatusResponse{
		Scheduler: h.sync.Status(),
		Breakers:  snapshots,
	})
}

// ListRuns returns recent sync runs, newest first
func (h *SyncHandler) ListRuns(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "20"))
	if err != nil || limit < 1 || limit > 200 {
		BadRequestResponse(c, "limit must be between 1 and 200")
		return
	}

	runs, err := h.runs.ListRuns(c.Request.Context(), limit)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, runs)
}

// GetRun returns one sync run
func (h *SyncHandler) GetRun(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		BadRequestResponse(c, "Invalid run ID")
		return
	}

	run, err := h.runs.GetRun(c.Request.Context(), id)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, run)
}
