package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agentgauge/agentgauge/internal/models"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"simple", "simple"},
		{"Check Order Status", "check-order-status"},
		{"goal/with/slashes", "goalwithslashes"},
		{"special@chars!", "specialchars"},
		{"", "unnamed"},
		{"  spaces  ", "spaces"},
		{"Mixed-Case_Goal", "mixed-case_goal"},
	}

	for i, tt := range tests {
		t.Run(fmt.Sprintf("case_%d", i), func(t *testing.T) {
			require.Equal(t, tt.want, sanitizeName(tt.input))
		})
	}
}

func TestFilename(t *testing.T) {
	ts := time.Date(2026, 8, 30, 9, 30, 0, 0, time.UTC)
	require.Equal(t, "track-an-order-20260830-093000.json", Filename("Track an Order", ts))
}

func TestWriteRoundTrip(t *testing.T) {
	dir := t.TempDir()
	started := time.Now().Truncate(time.Second)
	completed := started.Add(time.Minute)

	sess := &models.TestSession{
		ID:         "s-1",
		GoalID:     "g-1",
		GoalName:   "Track an Order",
		BatchRunID: "b-1",
		Status:     models.SessionCompleted,
		EndReason:  "Goal achieved: order located",
		Transcript: []models.Turn{
			{Sender: models.SenderCustomer, Text: "where's my order?", Timestamp: started},
			{Sender: models.SenderAgent, Text: "arrives Friday", Timestamp: started.Add(time.Second)},
		},
		Verdict:     &models.Verdict{GoalAchieved: true, Score: 95, Summary: "found it"},
		StartedAt:   started,
		CompletedAt: &completed,
	}

	path, err := Write(dir, Build(sess))
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var r Record
	require.NoError(t, json.Unmarshal(data, &r))
	require.Equal(t, "s-1", r.SessionID)
	require.Equal(t, "Track an Order", r.GoalName)
	require.Len(t, r.Turns, 2)
	require.NotNil(t, r.Verdict)
	require.Equal(t, 95.0, r.Verdict.Score)
	require.Equal(t, "completed", r.Status)
}

func TestWriteCreatesDirectory(t *testing.T) {
	dir := t.TempDir() + "/nested/transcripts"
	sess := &models.TestSession{ID: "s-1", GoalName: "g", StartedAt: time.Now()}

	path, err := Write(dir, Build(sess))
	require.NoError(t, err)
	require.FileExists(t, path)
}
