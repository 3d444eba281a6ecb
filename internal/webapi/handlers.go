// Package webapi exposes batch orchestration over HTTP: starting and
// stopping batch runs, polling progress, streaming lifecycle events, and
// running single tests.
package webapi

import (
	"errors"
	"io"
	"math"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentgauge/agentgauge/internal/models"
	"github.com/agentgauge/agentgauge/internal/orchestration"
	"github.com/agentgauge/agentgauge/internal/store"
)

// Handlers holds the HTTP handler methods for the web API.
type Handlers struct {
	store    store.Store
	goals    GoalSource
	registry *orchestration.Registry
	runner   orchestration.SessionRunner
	opts     orchestration.Options
	logger   *zap.Logger
}

func NewHandlers(st store.Store, goals GoalSource, registry *orchestration.Registry, runner orchestration.SessionRunner, opts orchestration.Options, logger *zap.Logger) *Handlers {
	return &Handlers{
		store:    st,
		goals:    goals,
		registry: registry,
		runner:   runner,
		opts:     opts,
		logger:   logger,
	}
}

// Health returns a simple health check response.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{Status: "ok", Version: Version})
}

// ListGoals returns all goals known to the project.
func (h *Handlers) ListGoals(c *gin.Context) {
	goals, err := h.goals.All()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	out := make([]GoalSummary, 0, len(goals))
	for _, g := range goals {
		out = append(out, goalSummary(g))
	}
	c.JSON(http.StatusOK, out)
}

// StartBatch creates a batch run and returns it immediately; execution
// continues in the background.
func (h *Handlers) StartBatch(c *gin.Context) {
	projectID := c.Param("projectID")

	var req StartBatchRequest
	if c.Request.Body != nil && c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
			return
		}
	}

	goals, err := h.resolveGoals(req.GoalIDs)
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}

	exec := orchestration.NewExecutor(h.runner, h.store, h.opts, h.logger)
	run, err := exec.Start(projectID, req.Name, goals)
	if err != nil {
		var verr *orchestration.ValidationError
		if errors.As(err, &verr) {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: verr.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	h.registry.Track(exec)

	c.JSON(http.StatusCreated, run)
}

func (h *Handlers) resolveGoals(ids []string) ([]*models.Goal, error) {
	if len(ids) == 0 {
		return h.goals.All()
	}
	goals := make([]*models.Goal, 0, len(ids))
	for _, id := range ids {
		g, err := h.goals.Get(id)
		if err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	return goals, nil
}

// ListBatchRuns returns stored batch runs, optionally filtered by project.
func (h *Handlers) ListBatchRuns(c *gin.Context) {
	runs, err := h.store.ListBatchRuns(c.Query("projectId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if runs == nil {
		runs = []*models.BatchRun{}
	}
	c.JSON(http.StatusOK, runs)
}

// GetBatchRun returns one batch run. Live batches are answered from the
// executor so the record is never staler than the last persist.
func (h *Handlers) GetBatchRun(c *gin.Context) {
	id := c.Param("id")

	if exec, ok := h.registry.Get(id); ok {
		c.JSON(http.StatusOK, exec.RunSnapshot())
		return
	}

	run, err := h.store.GetBatchRun(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetProgress returns a point-in-time progress snapshot for a batch run.
// Finished batches answer from the stored record with no active workers.
func (h *Handlers) GetProgress(c *gin.Context) {
	id := c.Param("id")

	if exec, ok := h.registry.Get(id); ok {
		c.JSON(http.StatusOK, exec.Progress())
		return
	}

	run, err := h.store.GetBatchRun(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}

	p := orchestration.Progress{
		Total:         run.TotalTestCases,
		Completed:     run.CompletedTestCases,
		Successful:    run.SuccessfulTests,
		Failed:        run.FailedTests,
		ActiveWorkers: []orchestration.ActiveWorker{},
	}
	// Rounded the same way the live executor snapshot rounds, so the value
	// does not jump across the terminal boundary.
	if p.Total > 0 {
		p.Percentage = int(math.Round(float64(p.Completed) / float64(p.Total) * 100))
	}
	c.JSON(http.StatusOK, p)
}

// StopBatch drains the queue of a running batch; in-flight tests finish.
// Stopping an already-finished batch is a no-op acknowledgment.
func (h *Handlers) StopBatch(c *gin.Context) {
	id := c.Param("id")

	if exec, ok := h.registry.Get(id); ok {
		exec.Stop()
		c.JSON(http.StatusOK, StopResponse{BatchRunID: id, Stopping: true})
		return
	}

	if _, err := h.store.GetBatchRun(id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, StopResponse{BatchRunID: id, Stopping: false})
}

// StreamEvents subscribes the caller to a batch's lifecycle events over SSE.
// For an already-finished batch a single terminal event is emitted.
func (h *Handlers) StreamEvents(c *gin.Context) {
	id := c.Param("id")

	exec, live := h.registry.Get(id)
	if !live {
		run, err := h.store.GetBatchRun(id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
				return
			}
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
			return
		}
		eventType := orchestration.EventBatchCompleted
		switch run.Status {
		case models.BatchStopped:
			eventType = orchestration.EventBatchStopped
		case models.BatchFailed:
			eventType = orchestration.EventBatchError
		}
		c.Header("Content-Type", "text/event-stream")
		c.SSEvent(string(eventType), orchestration.Event{
			Type:       eventType,
			BatchRunID: id,
			Run:        run,
		})
		return
	}

	// A slow consumer must not stall the workers: the listener drops events
	// when the channel backs up.
	events := make(chan orchestration.Event, 64)
	exec.OnEvent(func(event orchestration.Event) {
		select {
		case events <- event:
		default:
			h.logger.Warn("event subscriber lagging, dropping event",
				zap.String("batch_run_id", id),
				zap.String("event_type", string(event.Type)))
		}
	})

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")

	done := exec.Done()
	clientGone := c.Request.Context().Done()
	c.Stream(func(w io.Writer) bool {
		select {
		case event := <-events:
			c.SSEvent(string(event.Type), event)
			return !event.Type.Terminal()
		case <-done:
			// Drain anything buffered before closing out.
			for {
				select {
				case event := <-events:
					c.SSEvent(string(event.Type), event)
				default:
					return false
				}
			}
		case <-clientGone:
			return false
		}
	})
}

// ListSessions returns the sessions of one batch run.
func (h *Handlers) ListSessions(c *gin.Context) {
	sessions, err := h.store.ListSessions(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	if sessions == nil {
		sessions = []*models.TestSession{}
	}
	c.JSON(http.StatusOK, sessions)
}

// GetSession returns one test session.
func (h *Handlers) GetSession(c *gin.Context) {
	sess, err := h.store.GetSession(c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// RunSingleTest executes one goal synchronously and returns the finished
// session, regardless of whether it succeeded.
func (h *Handlers) RunSingleTest(c *gin.Context) {
	goal, err := h.goals.Get(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: err.Error()})
		return
	}

	sess, err := h.runner.Run(c.Request.Context(), goal, "")
	if err != nil {
		h.logger.Warn("single test failed",
			zap.String("goal_id", goal.ID),
			zap.Error(err))
	}
	c.JSON(http.StatusOK, sess)
}
