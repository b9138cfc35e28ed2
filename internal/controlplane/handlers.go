package controlplane

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openmined/rcsync/internal/journal"
	"github.com/openmined/rcsync/internal/sync"
	"github.com/openmined/rcsync/internal/version"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 500
	sseEventStatus   = "status"
)

var errInvalidLimit = errors.New("limit must be a positive integer")

// StatusSource is the live state of the change coalescer
type StatusSource interface {
	Get() sync.Snapshot
	Subscribe() <-chan sync.Snapshot
	Unsubscribe(ch <-chan sync.Snapshot)
}

// RunSource lists journaled sync runs
type RunSource interface {
	Recent(ctx context.Context, limit int) ([]*journal.Run, error)
	Summary(ctx context.Context) (*journal.Summary, error)
}

type Handler struct {
	status StatusSource
	runs   RunSource
}

func NewHandler(status StatusSource, runs RunSource) *Handler {
	return &Handler{status: status, runs: runs}
}

func (h *Handler) Index(c *gin.Context) {
	c.PureJSON(http.StatusOK, version.Get())
}

func (h *Handler) Health(c *gin.Context) {
	c.PureJSON(http.StatusOK, &HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Version:   version.Version,
		Revision:  version.Revision,
		BuildDate: version.BuildDate,
	})
}

func (h *Handler) Status(c *gin.Context) {
	c.PureJSON(http.StatusOK, newSyncStatusResponse(h.status.Get()))
}

func (h *Handler) Runs(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		AbortWithError(c, http.StatusBadRequest, ErrCodeBadRequest, err)
		return
	}

	runs, err := h.runs.Recent(c.Request.Context(), limit)
	if err != nil {
		AbortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}

	summary, err := h.runs.Summary(c.Request.Context())
	if err != nil {
		AbortWithError(c, http.StatusInternalServerError, ErrCodeUnknownError, err)
		return
	}

	resp := &RunsResponse{
		Runs:     make([]RunResponse, 0, len(runs)),
		Total:    summary.Runs,
		Failures: summary.Failures,
	}
	for _, run := range runs {
		resp.Runs = append(resp.Runs, newRunResponse(run))
	}

	c.PureJSON(http.StatusOK, resp)
}

// Events streams the coalescer status as server-sent events, starting with
// the current snapshot.
func (h *Handler) Events(c *gin.Context) {
	ch := h.status.Subscribe()
	defer h.status.Unsubscribe(ch)

	c.Header("Cache-Control", "no-cache")
	c.SSEvent(sseEventStatus, newSyncStatusResponse(h.status.Get()))
	c.Writer.Flush()

	ctx := c.Request.Context()
	c.Stream(func(w io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case snap, ok := <-ch:
			if !ok {
				return false
			}
			c.SSEvent(sseEventStatus, newSyncStatusResponse(snap))
			return true
		}
	})
}

func AbortWithError(c *gin.Context, status int, code string, err error) {
	c.Abort()
	c.Error(err)
	c.PureJSON(status, ControlPlaneError{
		ErrorCode: code,
		Error:     err.Error(),
	})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultRunsLimit, nil
	}

	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		return 0, fmt.Errorf("%w: %q", errInvalidLimit, raw)
	}
	return min(limit, maxRunsLimit), nil
}

func newSyncStatusResponse(snap sync.Snapshot) *SyncStatusResponse {
	resp := &SyncStatusResponse{
		Phase:         string(snap.Phase),
		PhaseChangeAt: snap.PhaseChangeAt.UTC().Format(time.RFC3339Nano),
		Runs:          snap.Runs,
		Failures:      snap.Failures,
	}
	if snap.Direction != sync.DirectionNone {
		resp.Direction = snap.Direction.String()
	}
	if !snap.LastRunAt.IsZero() {
		resp.LastRunAt = snap.LastRunAt.UTC().Format(time.RFC3339Nano)
		resp.LastDuration = snap.LastDuration.Milliseconds()
	}
	if snap.LastError != nil {
		resp.LastError = snap.LastError.Error()
	}
	return resp
}

func newRunResponse(run *journal.Run) RunResponse {
	return RunResponse{
		ID:         run.ID,
		Kind:       string(run.Kind),
		StartedAt:  run.StartedAt.UTC().Format(time.RFC3339Nano),
		DurationMs: run.Duration.Milliseconds(),
		Status:     string(run.Status),
		Error:      run.Error,
	}
}
