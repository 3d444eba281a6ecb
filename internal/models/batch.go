package models

import (
	"fmt"
	"math"
	"time"
)

// BatchStatus is the lifecycle state of a BatchRun.
type BatchStatus string

const (
	BatchPending   BatchStatus = "pending"
	BatchRunning   BatchStatus = "running"
	BatchCompleted BatchStatus = "completed"
	BatchFailed    BatchStatus = "failed"
	BatchStopped   BatchStatus = "stopped"
)

// ErrorRecord captures one per-goal failure inside a batch run.
type ErrorRecord struct {
	GoalID   string `json:"goalId,omitempty"`
	GoalName string `json:"goalName,omitempty"`
	Message  string `json:"message"`
}

// BatchRun is a collection of TestSessions executed together. Counters are
// monotonically non-decreasing until the run reaches a terminal status, and
// SuccessRate is always derived from the counters, never set independently.
type BatchRun struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Name      string `json:"name"`

	Status BatchStatus `json:"status"`

	TotalTestCases     int     `json:"totalTestCases"`
	CompletedTestCases int     `json:"completedTestCases"`
	SuccessfulTests    int     `json:"successfulTests"`
	FailedTests        int     `json:"failedTests"`
	SuccessRate        float64 `json:"successRate"`

	Errors []ErrorRecord `json:"errors,omitempty"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Terminal reports whether the run reached a final status.
func (b *BatchRun) Terminal() bool {
	switch b.Status {
	case BatchCompleted, BatchFailed, BatchStopped:
		return true
	}
	return false
}

// DefaultBatchName returns the name used when a batch run is started without one.
func DefaultBatchName(now time.Time) string {
	return fmt.Sprintf("Batch Run %s", now.Format("2006-01-02 15:04:05"))
}

// SuccessRateOf computes the rolling success rate as a percentage, rounded to
// two decimal places.
func SuccessRateOf(successful, completed int) float64 {
	if completed == 0 {
		return 0
	}
	rate := float64(successful) / float64(completed) * 100
	return math.Round(rate*100) / 100
}
