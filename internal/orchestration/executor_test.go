package orchestration

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentgauge/agentgauge/internal/models"
	"github.com/agentgauge/agentgauge/internal/store"
)

// fakeRunner completes every goal after a configurable delay. Goals listed
// in failures return an error; goals in unsuccessful complete without
// achieving their goal.
type fakeRunner struct {
	delay        time.Duration
	failures     map[string]bool
	unsuccessful map[string]bool
	panics       map[string]bool

	mu         sync.Mutex
	concurrent int
	peak       int
	started    chan string
	release    chan struct{}
}

func (f *fakeRunner) Run(ctx context.Context, goal *models.Goal, batchRunID string) (*models.TestSession, error) {
	f.mu.Lock()
	f.concurrent++
	if f.concurrent > f.peak {
		f.peak = f.concurrent
	}
	f.mu.Unlock()

	if f.started != nil {
		f.started <- goal.ID
	}
	if f.release != nil {
		<-f.release
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.concurrent--
	f.mu.Unlock()

	if f.panics[goal.ID] {
		panic("runner blew up on " + goal.ID)
	}
	if f.failures[goal.ID] {
		return &models.TestSession{
			ID:         "s-" + goal.ID,
			GoalID:     goal.ID,
			BatchRunID: batchRunID,
			Status:     models.SessionFailed,
		}, fmt.Errorf("conversation broke for %s", goal.ID)
	}

	achieved := !f.unsuccessful[goal.ID]
	now := time.Now()
	return &models.TestSession{
		ID:          "s-" + goal.ID,
		GoalID:      goal.ID,
		BatchRunID:  batchRunID,
		Status:      models.SessionCompleted,
		Verdict:     &models.Verdict{GoalAchieved: achieved, Score: 75},
		CompletedAt: &now,
	}, nil
}

func makeGoals(n int) []*models.Goal {
	goals := make([]*models.Goal, n)
	for i := range goals {
		goals[i] = &models.Goal{
			ID:   fmt.Sprintf("g-%d", i+1),
			Name: fmt.Sprintf("Goal %d", i+1),
		}
	}
	return goals
}

func waitDone(t *testing.T, e *Executor) {
	t.Helper()
	select {
	case <-e.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("batch never finished")
	}
}

func TestExecutorRunsAllGoals(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{unsuccessful: map[string]bool{"g-2": true}}
	e := NewExecutor(runner, st, Options{MaxConcurrency: 2}, zap.NewNop())

	run, err := e.Start("proj-1", "nightly", makeGoals(5))
	require.NoError(t, err)
	require.Equal(t, models.BatchRunning, run.Status)
	require.Equal(t, 5, run.TotalTestCases)
	require.Equal(t, "nightly", run.Name)

	waitDone(t, e)

	final := e.RunSnapshot()
	require.Equal(t, models.BatchCompleted, final.Status)
	require.Equal(t, 5, final.CompletedTestCases)
	require.Equal(t, 4, final.SuccessfulTests)
	require.Equal(t, 1, final.FailedTests)
	require.Equal(t, 80.0, final.SuccessRate)
	require.NotNil(t, final.CompletedAt)
	require.Empty(t, final.Errors)

	stored, err := st.GetBatchRun(final.ID)
	require.NoError(t, err)
	require.Equal(t, models.BatchCompleted, stored.Status)
}

func TestExecutorBoundsConcurrency(t *testing.T) {
	runner := &fakeRunner{delay: 20 * time.Millisecond}
	e := NewExecutor(runner, store.NewMemoryStore(), Options{MaxConcurrency: 2}, zap.NewNop())

	_, err := e.Start("proj-1", "", makeGoals(6))
	require.NoError(t, err)
	waitDone(t, e)

	require.LessOrEqual(t, runner.peak, 2)
	require.GreaterOrEqual(t, runner.peak, 1)
}

func TestExecutorRecordsErrors(t *testing.T) {
	runner := &fakeRunner{failures: map[string]bool{"g-1": true, "g-3": true}}
	e := NewExecutor(runner, store.NewMemoryStore(), Options{MaxConcurrency: 1}, zap.NewNop())

	_, err := e.Start("proj-1", "", makeGoals(3))
	require.NoError(t, err)
	waitDone(t, e)

	final := e.RunSnapshot()
	require.Equal(t, 3, final.CompletedTestCases)
	require.Equal(t, 1, final.SuccessfulTests)
	require.Equal(t, 2, final.FailedTests)
	require.Len(t, final.Errors, 2)
	require.Equal(t, "g-1", final.Errors[0].GoalID)
	require.Contains(t, final.Errors[0].Message, "conversation broke")
	require.InDelta(t, 33.33, final.SuccessRate, 0.001)
}

func TestExecutorRejectsEmptyBatch(t *testing.T) {
	e := NewExecutor(&fakeRunner{}, store.NewMemoryStore(), Options{}, zap.NewNop())

	_, err := e.Start("proj-1", "", nil)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestExecutorSkipsDisabledGoals(t *testing.T) {
	disabled := false
	goals := makeGoals(3)
	goals[1].Enabled = &disabled

	e := NewExecutor(&fakeRunner{}, store.NewMemoryStore(), Options{MaxConcurrency: 1}, zap.NewNop())
	run, err := e.Start("proj-1", "", goals)
	require.NoError(t, err)
	require.Equal(t, 2, run.TotalTestCases)

	waitDone(t, e)
	require.Equal(t, 2, e.RunSnapshot().CompletedTestCases)
}

func TestExecutorDefaultBatchName(t *testing.T) {
	e := NewExecutor(&fakeRunner{}, store.NewMemoryStore(), Options{}, zap.NewNop())
	run, err := e.Start("proj-1", "", makeGoals(1))
	require.NoError(t, err)
	require.Contains(t, run.Name, "Batch Run ")
	waitDone(t, e)
}

func TestExecutorStopDrainsQueue(t *testing.T) {
	runner := &fakeRunner{
		started: make(chan string, 8),
		release: make(chan struct{}),
	}
	e := NewExecutor(runner, store.NewMemoryStore(), Options{MaxConcurrency: 2}, zap.NewNop())

	_, err := e.Start("proj-1", "", makeGoals(6))
	require.NoError(t, err)

	// Two tests are in flight, four queued.
	<-runner.started
	<-runner.started

	progress := e.Progress()
	require.Len(t, progress.ActiveWorkers, 2)
	require.Equal(t, 4, progress.QueueLength)

	e.Stop()
	e.Stop() // idempotent

	// Let the in-flight tests finish.
	close(runner.release)
	waitDone(t, e)

	final := e.RunSnapshot()
	require.Equal(t, models.BatchStopped, final.Status)
	// In-flight completions after Stop leave the counters as they stood.
	require.Equal(t, 0, final.CompletedTestCases)
	require.Equal(t, 0, final.SuccessfulTests)
	require.Equal(t, 0, final.FailedTests)
	require.NotNil(t, final.CompletedAt)
	require.Len(t, final.Errors, 1)
	require.Contains(t, final.Errors[0].Message, "manually stopped")

	require.Equal(t, 0, e.Progress().QueueLength)
}

func TestExecutorProgressSnapshotsAreStable(t *testing.T) {
	e := NewExecutor(&fakeRunner{}, store.NewMemoryStore(), Options{}, zap.NewNop())
	_, err := e.Start("proj-1", "", makeGoals(2))
	require.NoError(t, err)
	waitDone(t, e)

	p1 := e.Progress()
	p2 := e.Progress()
	require.Equal(t, p1, p2)
	require.Equal(t, 100, p1.Percentage)
	require.Empty(t, p1.ActiveWorkers)
}

func TestExecutorEmitsLifecycleEvents(t *testing.T) {
	e := NewExecutor(&fakeRunner{}, store.NewMemoryStore(), Options{MaxConcurrency: 1}, zap.NewNop())

	var mu sync.Mutex
	var events []Event
	e.OnEvent(func(event Event) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	_, err := e.Start("proj-1", "", makeGoals(2))
	require.NoError(t, err)
	waitDone(t, e)

	mu.Lock()
	defer mu.Unlock()

	types := make([]EventType, 0, len(events))
	for _, event := range events {
		types = append(types, event.Type)
		// Test events carry the worker that ran them.
		if event.Type == EventTestStarted || event.Type == EventTestCompleted {
			require.Positive(t, event.WorkerID)
		}
	}
	require.Equal(t, EventBatchStarted, types[0])
	require.Contains(t, types, EventTestStarted)
	require.Contains(t, types, EventTestCompleted)
	require.Equal(t, EventBatchCompleted, types[len(types)-1])
}

func TestExecutorDoesNotEmitBatchErrorForTestFailures(t *testing.T) {
	runner := &fakeRunner{failures: map[string]bool{"g-1": true}}
	e := NewExecutor(runner, store.NewMemoryStore(), Options{MaxConcurrency: 1}, zap.NewNop())

	var mu sync.Mutex
	var types []EventType
	e.OnEvent(func(event Event) {
		mu.Lock()
		types = append(types, event.Type)
		mu.Unlock()
	})

	_, err := e.Start("proj-1", "", makeGoals(2))
	require.NoError(t, err)
	waitDone(t, e)

	final := e.RunSnapshot()
	require.Equal(t, models.BatchCompleted, final.Status)
	require.Equal(t, 1, final.FailedTests)
	require.Len(t, final.Errors, 1)

	mu.Lock()
	defer mu.Unlock()
	// A failed test is ordinary: it surfaces as test_completed, never as a
	// batch error.
	require.NotContains(t, types, EventBatchError)
	require.Equal(t, EventBatchCompleted, types[len(types)-1])
}

func TestExecutorFailsBatchOnRunnerPanic(t *testing.T) {
	st := store.NewMemoryStore()
	runner := &fakeRunner{panics: map[string]bool{"g-2": true}}
	e := NewExecutor(runner, st, Options{MaxConcurrency: 1}, zap.NewNop())

	var mu sync.Mutex
	var events []Event
	e.OnEvent(func(event Event) {
		mu.Lock()
		events = append(events, event)
		mu.Unlock()
	})

	_, err := e.Start("proj-1", "", makeGoals(4))
	require.NoError(t, err)
	waitDone(t, e)

	final := e.RunSnapshot()
	require.Equal(t, models.BatchFailed, final.Status)
	// g-1 finished before the failure; g-3 and g-4 never started.
	require.Equal(t, 1, final.CompletedTestCases)
	require.NotNil(t, final.CompletedAt)
	require.Len(t, final.Errors, 1)
	require.Contains(t, final.Errors[0].Message, "panic")
	require.Equal(t, "g-2", final.Errors[0].GoalID)

	stored, err := st.GetBatchRun(final.ID)
	require.NoError(t, err)
	require.Equal(t, models.BatchFailed, stored.Status)

	mu.Lock()
	defer mu.Unlock()
	last := events[len(events)-1]
	require.Equal(t, EventBatchError, last.Type)
	require.Contains(t, last.Error, "panic")
	require.Equal(t, 0, e.Progress().QueueLength)
}

func TestExecutorPersistsPendingBeforeRunning(t *testing.T) {
	st := &statusRecordingStore{BatchRunStore: store.NewMemoryStore()}
	e := NewExecutor(&fakeRunner{}, st, Options{}, zap.NewNop())

	_, err := e.Start("proj-1", "", makeGoals(1))
	require.NoError(t, err)
	waitDone(t, e)

	st.mu.Lock()
	defer st.mu.Unlock()
	require.GreaterOrEqual(t, len(st.statuses), 3)
	require.Equal(t, models.BatchPending, st.statuses[0])
	require.Equal(t, models.BatchRunning, st.statuses[1])
	require.Equal(t, models.BatchCompleted, st.statuses[len(st.statuses)-1])
}

type statusRecordingStore struct {
	store.BatchRunStore

	mu       sync.Mutex
	statuses []models.BatchStatus
}

func (s *statusRecordingStore) PutBatchRun(run *models.BatchRun) error {
	s.mu.Lock()
	s.statuses = append(s.statuses, run.Status)
	s.mu.Unlock()
	return s.BatchRunStore.PutBatchRun(run)
}

func TestExecutorReleasesListenersAtTerminal(t *testing.T) {
	var calls atomic.Int32
	e := NewExecutor(&fakeRunner{}, store.NewMemoryStore(), Options{}, zap.NewNop())
	e.OnEvent(func(Event) { calls.Add(1) })

	_, err := e.Start("proj-1", "", makeGoals(1))
	require.NoError(t, err)
	waitDone(t, e)

	after := calls.Load()
	e.notify(Event{Type: EventBatchError})
	require.Equal(t, after, calls.Load())
}

func TestExecutorIsSingleUse(t *testing.T) {
	e := NewExecutor(&fakeRunner{}, store.NewMemoryStore(), Options{}, zap.NewNop())
	_, err := e.Start("proj-1", "", makeGoals(1))
	require.NoError(t, err)

	_, err = e.Start("proj-1", "", makeGoals(1))
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	waitDone(t, e)
}

func TestRegistryTracksUntilTerminal(t *testing.T) {
	runner := &fakeRunner{release: make(chan struct{}), started: make(chan string, 2)}
	r := NewRegistry()
	e := NewExecutor(runner, store.NewMemoryStore(), Options{MaxConcurrency: 1}, zap.NewNop())

	run, err := e.Start("proj-1", "", makeGoals(1))
	require.NoError(t, err)
	r.Track(e)

	got, ok := r.Get(run.ID)
	require.True(t, ok)
	require.Same(t, e, got)
	require.Equal(t, 1, r.Len())

	<-runner.started
	close(runner.release)
	waitDone(t, e)

	require.Eventually(t, func() bool {
		_, ok := r.Get(run.ID)
		return !ok
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRegistryTrackAfterFinish(t *testing.T) {
	r := NewRegistry()
	e := NewExecutor(&fakeRunner{}, store.NewMemoryStore(), Options{}, zap.NewNop())

	run, err := e.Start("proj-1", "", makeGoals(1))
	require.NoError(t, err)
	waitDone(t, e)

	r.Track(e)
	_, ok := r.Get(run.ID)
	require.False(t, ok)
}
