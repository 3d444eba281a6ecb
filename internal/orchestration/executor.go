// Package orchestration runs batches of test sessions with bounded
// concurrency and publishes progress to registered listeners.
package orchestration

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentgauge/agentgauge/internal/config"
	"github.com/agentgauge/agentgauge/internal/models"
	"github.com/agentgauge/agentgauge/internal/store"
)

// SessionRunner executes one goal end to end. The production implementation
// is the conversation driver.
type SessionRunner interface {
	Run(ctx context.Context, goal *models.Goal, batchRunID string) (*models.TestSession, error)
}

// Options tunes an Executor.
type Options struct {
	MaxConcurrency int
}

// Executor runs a single batch: a FIFO queue of goals drained by a fixed
// pool of workers. An Executor is single-use; construct a new one per batch.
type Executor struct {
	runner         SessionRunner
	runs           store.BatchRunStore
	maxConcurrency int
	logger         *zap.Logger

	mu      sync.Mutex
	run     *models.BatchRun
	queue   []*models.Goal
	active  map[int]string
	stopped bool
	started bool
	failed  bool
	failure error

	cancel     context.CancelFunc
	done       chan struct{}
	onTerminal func(e *Executor)

	progressMu sync.Mutex
	listeners  []Listener
}

func NewExecutor(runner SessionRunner, runs store.BatchRunStore, opts Options, logger *zap.Logger) *Executor {
	if opts.MaxConcurrency <= 0 {
		opts.MaxConcurrency = config.DefaultMaxConcurrency
	}
	return &Executor{
		runner:         runner,
		runs:           runs,
		maxConcurrency: opts.MaxConcurrency,
		logger:         logger,
		active:         make(map[int]string),
		done:           make(chan struct{}),
		listeners:      []Listener{},
	}
}

// OnEvent registers a batch lifecycle listener.
func (e *Executor) OnEvent(listener Listener) {
	e.progressMu.Lock()
	defer e.progressMu.Unlock()
	e.listeners = append(e.listeners, listener)
}

func (e *Executor) notify(event Event) {
	e.progressMu.Lock()
	listeners := make([]Listener, len(e.listeners))
	copy(listeners, e.listeners)
	e.progressMu.Unlock()

	for _, listener := range listeners {
		listener(event)
	}
}

// releaseListeners drops every listener once the batch is terminal so
// subscriber references do not outlive the run.
func (e *Executor) releaseListeners() {
	e.progressMu.Lock()
	e.listeners = nil
	e.progressMu.Unlock()
}

// Start validates the request, persists the new batch run, and launches the
// worker pool. It returns immediately with the run record; execution
// continues in the background until every goal finishes or Stop is called.
func (e *Executor) Start(projectID, name string, goals []*models.Goal) (*models.BatchRun, error) {
	enabled := make([]*models.Goal, 0, len(goals))
	for _, g := range goals {
		if g.IsEnabled() {
			enabled = append(enabled, g)
		}
	}
	if len(enabled) == 0 {
		return nil, &ValidationError{Reason: "no enabled goals to run"}
	}

	now := time.Now()
	if name == "" {
		name = models.DefaultBatchName(now)
	}

	run := &models.BatchRun{
		ID:             uuid.NewString(),
		ProjectID:      projectID,
		Name:           name,
		Status:         models.BatchPending,
		TotalTestCases: len(enabled),
		StartedAt:      now,
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil, &ValidationError{Reason: "executor already started"}
	}
	e.started = true
	e.run = run
	e.queue = enabled
	e.mu.Unlock()

	// The record is observable in pending before the batch transitions to
	// running.
	e.persistRun()

	e.mu.Lock()
	e.run.Status = models.BatchRunning
	e.mu.Unlock()
	e.persistRun()

	// Workers run detached from the caller's context: a start request
	// returning does not end the batch.
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel

	workers := e.maxConcurrency
	if workers > len(enabled) {
		workers = len(enabled)
	}

	e.logger.Info("batch started",
		zap.String("batch_run_id", run.ID),
		zap.Int("total", len(enabled)),
		zap.Int("workers", workers))

	snapshot := e.RunSnapshot()
	e.notify(Event{
		Type:       EventBatchStarted,
		BatchRunID: run.ID,
		Run:        snapshot,
		Progress:   e.progressLocked(),
	})

	go e.runWorkers(ctx, workers)
	return snapshot, nil
}

func (e *Executor) runWorkers(ctx context.Context, workers int) {
	g := new(errgroup.Group)
	for i := 1; i <= workers; i++ {
		workerID := i
		g.Go(func() error {
			e.workerLoop(ctx, workerID)
			return nil
		})
	}
	_ = g.Wait()
	e.finish()
}

func (e *Executor) workerLoop(ctx context.Context, workerID int) {
	for {
		goal := e.dequeue(workerID)
		if goal == nil {
			return
		}
		e.execute(ctx, workerID, goal)
	}
}

// dequeue pops the oldest queued goal and marks this worker active on it.
// A nil return means the queue is drained, the batch was stopped, or a fatal
// orchestration error halted it.
func (e *Executor) dequeue(workerID int) *models.Goal {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stopped || e.failed || len(e.queue) == 0 {
		return nil
	}
	goal := e.queue[0]
	e.queue = e.queue[1:]
	e.active[workerID] = goal.ID
	return goal
}

func (e *Executor) execute(ctx context.Context, workerID int, goal *models.Goal) {
	e.notify(Event{
		Type:       EventTestStarted,
		BatchRunID: e.run.ID,
		WorkerID:   workerID,
		GoalID:     goal.ID,
		GoalName:   goal.Name,
		Progress:   e.progressLocked(),
	})

	sess, err := e.runSafely(ctx, goal)

	var oerr *OrchestrationError
	if errors.As(err, &oerr) {
		e.fail(workerID, goal, err)
		return
	}

	e.mu.Lock()
	delete(e.active, workerID)
	// Completions that land after Stop leave the counters alone; the final
	// tallies describe the batch as it stood when it was stopped.
	if !e.stopped && !e.failed {
		e.run.CompletedTestCases++
		if err == nil && sess.Succeeded() {
			e.run.SuccessfulTests++
		} else {
			e.run.FailedTests++
		}
		if err != nil {
			e.run.Errors = append(e.run.Errors, models.ErrorRecord{
				GoalID:   goal.ID,
				GoalName: goal.Name,
				Message:  err.Error(),
			})
		}
		e.run.SuccessRate = models.SuccessRateOf(e.run.SuccessfulTests, e.run.CompletedTestCases)
	}
	e.mu.Unlock()

	e.persistRun()

	e.notify(Event{
		Type:       EventTestCompleted,
		BatchRunID: e.run.ID,
		WorkerID:   workerID,
		GoalID:     goal.ID,
		GoalName:   goal.Name,
		Session:    sess,
		Progress:   e.progressLocked(),
	})
}

// runSafely shields the worker pool from a panicking runner: the panic is
// converted into an OrchestrationError, which halts the batch.
func (e *Executor) runSafely(ctx context.Context, goal *models.Goal) (sess *models.TestSession, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &OrchestrationError{
				BatchRunID: e.run.ID,
				Err:        fmt.Errorf("panic while executing goal %s: %v", goal.ID, r),
			}
		}
	}()
	return e.runner.Run(ctx, goal, e.run.ID)
}

// fail halts the batch after a fatal orchestration error: the queue is
// drained so no further goal starts, and finish settles the failed status.
func (e *Executor) fail(workerID int, goal *models.Goal, err error) {
	e.mu.Lock()
	delete(e.active, workerID)
	if !e.failed {
		e.failed = true
		e.failure = err
		e.queue = nil
		e.run.Errors = append(e.run.Errors, models.ErrorRecord{
			GoalID:   goal.ID,
			GoalName: goal.Name,
			Message:  err.Error(),
		})
	}
	e.mu.Unlock()

	e.persistRun()
	e.logger.Error("fatal orchestration error, halting batch",
		zap.String("batch_run_id", e.run.ID),
		zap.Error(err))
}

// finish runs once the worker pool drains. It settles the terminal status,
// persists it, emits the terminal event and releases listeners.
func (e *Executor) finish() {
	e.mu.Lock()
	now := time.Now()
	switch {
	case e.failed:
		e.run.Status = models.BatchFailed
	case e.stopped:
		e.run.Status = models.BatchStopped
		e.run.Errors = append(e.run.Errors, models.ErrorRecord{
			Message: "batch run was manually stopped",
		})
	default:
		e.run.Status = models.BatchCompleted
	}
	e.run.CompletedAt = &now
	failure := e.failure
	e.mu.Unlock()

	e.persistRun()
	if e.cancel != nil {
		e.cancel()
	}

	snapshot := e.RunSnapshot()
	eventType := EventBatchCompleted
	var errText string
	switch snapshot.Status {
	case models.BatchStopped:
		eventType = EventBatchStopped
	case models.BatchFailed:
		eventType = EventBatchError
		if failure != nil {
			errText = failure.Error()
		}
	}
	e.notify(Event{
		Type:       eventType,
		BatchRunID: snapshot.ID,
		Run:        snapshot,
		Progress:   e.progressLocked(),
		Error:      errText,
	})

	e.logger.Info("batch finished",
		zap.String("batch_run_id", snapshot.ID),
		zap.String("status", string(snapshot.Status)),
		zap.Int("successful", snapshot.SuccessfulTests),
		zap.Int("failed", snapshot.FailedTests))

	e.releaseListeners()
	close(e.done)

	e.mu.Lock()
	onTerminal := e.onTerminal
	e.mu.Unlock()
	if onTerminal != nil {
		onTerminal(e)
	}
}

// setOnTerminal installs a callback invoked once the batch is terminal.
// If the batch already finished, the callback runs immediately.
func (e *Executor) setOnTerminal(fn func(e *Executor)) {
	e.mu.Lock()
	e.onTerminal = fn
	e.mu.Unlock()

	select {
	case <-e.done:
		fn(e)
	default:
	}
}

// Stop drains the queue and lets in-flight tests finish. It is idempotent
// and returns without waiting; use Done to observe termination.
func (e *Executor) Stop() {
	e.mu.Lock()
	if e.stopped || e.run == nil || e.run.Terminal() {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	dropped := len(e.queue)
	e.queue = nil
	e.mu.Unlock()

	e.logger.Info("batch stop requested",
		zap.String("batch_run_id", e.run.ID),
		zap.Int("dropped_from_queue", dropped))
}

// Done is closed once the batch reaches a terminal status.
func (e *Executor) Done() <-chan struct{} {
	return e.done
}

// Progress returns a point-in-time snapshot. Repeated calls with no state
// change return equal snapshots.
func (e *Executor) Progress() Progress {
	return *e.progressLocked()
}

func (e *Executor) progressLocked() *Progress {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := &Progress{
		Total:         e.run.TotalTestCases,
		Completed:     e.run.CompletedTestCases,
		Successful:    e.run.SuccessfulTests,
		Failed:        e.run.FailedTests,
		QueueLength:   len(e.queue),
		ActiveWorkers: make([]ActiveWorker, 0, len(e.active)),
	}
	if p.Total > 0 {
		p.Percentage = int(math.Round(float64(p.Completed) / float64(p.Total) * 100))
	}
	for workerID, goalID := range e.active {
		p.ActiveWorkers = append(p.ActiveWorkers, ActiveWorker{WorkerID: workerID, GoalID: goalID})
	}
	sort.Slice(p.ActiveWorkers, func(i, j int) bool {
		return p.ActiveWorkers[i].WorkerID < p.ActiveWorkers[j].WorkerID
	})
	return p
}

// RunSnapshot returns a copy of the batch run record.
func (e *Executor) RunSnapshot() *models.BatchRun {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := *e.run
	c.Errors = append([]models.ErrorRecord(nil), e.run.Errors...)
	if e.run.CompletedAt != nil {
		t := *e.run.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func (e *Executor) persistRun() {
	if e.runs == nil {
		return
	}
	snapshot := e.RunSnapshot()
	if err := e.runs.PutBatchRun(snapshot); err != nil {
		e.logger.Warn("batch run persist failed",
			zap.String("batch_run_id", snapshot.ID),
			zap.Error(err))
	}
}

