// Package transcript persists finished test sessions as human-readable JSON
// files, one per session.
package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/agentgauge/agentgauge/internal/models"
)

// sanitize replaces characters that are unsafe in filenames.
var unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

func sanitizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "-")
	s = unsafeChars.ReplaceAllString(s, "")
	if s == "" {
		s = "unnamed"
	}
	return s
}

// Filename returns the transcript filename for a session.
func Filename(goalName string, ts time.Time) string {
	return fmt.Sprintf("%s-%s.json", sanitizeName(goalName), ts.Format("20060102-150405"))
}

// Record is the on-disk shape of one finished session.
type Record struct {
	SessionID   string          `json:"sessionId"`
	GoalID      string          `json:"goalId"`
	GoalName    string          `json:"goalName"`
	BatchRunID  string          `json:"batchRunId,omitempty"`
	Status      string          `json:"status"`
	EndReason   string          `json:"endReason,omitempty"`
	Turns       []models.Turn   `json:"turns"`
	Verdict     *models.Verdict `json:"verdict,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Build constructs a Record from a finished session.
func Build(s *models.TestSession) *Record {
	return &Record{
		SessionID:   s.ID,
		GoalID:      s.GoalID,
		GoalName:    s.GoalName,
		BatchRunID:  s.BatchRunID,
		Status:      string(s.Status),
		EndReason:   s.EndReason,
		Turns:       s.Transcript,
		Verdict:     s.Verdict,
		StartedAt:   s.StartedAt,
		CompletedAt: s.CompletedAt,
	}
}

// Write serializes a Record and writes it to dir, returning the file path.
func Write(dir string, r *Record) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create transcript dir: %w", err)
	}

	name := Filename(r.GoalName, r.StartedAt)
	path := filepath.Join(dir, name)

	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal transcript: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write transcript: %w", err)
	}

	return path, nil
}
