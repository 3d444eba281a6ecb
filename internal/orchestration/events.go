package orchestration

import "github.com/agentgauge/agentgauge/internal/models"

// Listener receives batch lifecycle events.
type Listener func(event Event)

// EventType enumerates the closed set of batch lifecycle events.
type EventType string

const (
	EventBatchStarted   EventType = "batch_started"
	EventTestStarted    EventType = "test_started"
	EventTestCompleted  EventType = "test_completed"
	EventBatchCompleted EventType = "batch_completed"
	EventBatchStopped   EventType = "batch_stopped"
	// EventBatchError is terminal: a fatal orchestration failure ended the
	// batch in the failed status. Ordinary test failures surface through
	// EventTestCompleted with a failed session.
	EventBatchError EventType = "batch_error"
)

// Terminal reports whether the event type ends a batch's event stream.
func (t EventType) Terminal() bool {
	switch t {
	case EventBatchCompleted, EventBatchStopped, EventBatchError:
		return true
	}
	return false
}

// Event is one batch lifecycle notification. Fields beyond Type and
// BatchRunID are populated per event kind: WorkerID/GoalID/GoalName on test
// events, Session on test completion, Run on batch termination, Error on
// fatal failures.
type Event struct {
	Type       EventType           `json:"type"`
	BatchRunID string              `json:"batchRunId"`
	WorkerID   int                 `json:"workerId,omitempty"`
	GoalID     string              `json:"goalId,omitempty"`
	GoalName   string              `json:"goalName,omitempty"`
	Session    *models.TestSession `json:"session,omitempty"`
	Run        *models.BatchRun    `json:"run,omitempty"`
	Progress   *Progress           `json:"progress,omitempty"`
	Error      string              `json:"error,omitempty"`
}

// ActiveWorker describes one worker currently executing a test.
type ActiveWorker struct {
	WorkerID int    `json:"workerId"`
	GoalID   string `json:"goalId"`
}

// Progress is a point-in-time snapshot of a batch run.
type Progress struct {
	Total         int            `json:"total"`
	Completed     int            `json:"completed"`
	Successful    int            `json:"successful"`
	Failed        int            `json:"failed"`
	Percentage    int            `json:"percentage"`
	ActiveWorkers []ActiveWorker `json:"activeWorkers"`
	QueueLength   int            `json:"queueLength"`
}
