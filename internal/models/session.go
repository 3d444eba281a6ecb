package models

import "time"

// SessionStatus is the lifecycle state of a TestSession.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Sender identifies who authored a transcript turn.
type Sender string

const (
	SenderCustomer Sender = "customer"
	SenderAgent    Sender = "agent"
)

// Turn is one utterance in a conversation transcript. Turns are append-only
// and never mutated once recorded.
type Turn struct {
	Sender    Sender    `json:"sender"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Verdict is the final judgment for a TestSession, produced by analyzing the
// full transcript against the goal's validation criteria.
type Verdict struct {
	GoalAchieved     bool     `json:"goalAchieved"`
	Score            float64  `json:"score"` // 0-100
	CompletedActions []string `json:"completedActions,omitempty"`
	Issues           []string `json:"issues,omitempty"`
	Summary          string   `json:"summary,omitempty"`
}

// TestSession is one executed attempt at a Goal.
type TestSession struct {
	ID         string `json:"id"`
	GoalID     string `json:"goalId"`
	GoalName   string `json:"goalName,omitempty"`
	BatchRunID string `json:"batchRunId,omitempty"` // empty for standalone runs

	Status SessionStatus `json:"status"`

	// RemoteSessionID correlates this session with the remote agent's own
	// conversation identifier.
	RemoteSessionID string `json:"remoteSessionId,omitempty"`

	Transcript []Turn   `json:"transcript,omitempty"`
	Verdict    *Verdict `json:"verdict,omitempty"`

	// EndReason describes why the conversation loop stopped.
	EndReason string `json:"endReason,omitempty"`

	// Before/after snapshots of remote-side data, opaque to the core.
	DataBefore map[string]any `json:"dataBefore,omitempty"`
	DataAfter  map[string]any `json:"dataAfter,omitempty"`

	StartedAt   time.Time  `json:"startedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Terminal reports whether the session reached a final status.
func (s *TestSession) Terminal() bool {
	return s.Status == SessionCompleted || s.Status == SessionFailed
}

// Succeeded reports whether the session completed with its goal achieved.
func (s *TestSession) Succeeded() bool {
	return s.Status == SessionCompleted && s.Verdict != nil && s.Verdict.GoalAchieved
}
