package webapi

import "github.com/agentgauge/agentgauge/internal/models"

// Version is set at build time or defaults to dev.
var Version = "0.1.0-dev"

// HealthResponse is the GET /api/health payload.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// ErrorResponse is the uniform error payload.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StartBatchRequest is the POST batch-runs body. Both fields are optional:
// an empty GoalIDs list runs every enabled goal, an empty Name gets a
// timestamped default.
type StartBatchRequest struct {
	Name    string   `json:"name"`
	GoalIDs []string `json:"goalIds"`
}

// StopResponse acknowledges a stop request.
type StopResponse struct {
	BatchRunID string `json:"batchRunId"`
	Stopping   bool   `json:"stopping"`
}

// GoalSummary is the list shape for goals.
type GoalSummary struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Enabled     bool   `json:"enabled"`
}

func goalSummary(g *models.Goal) GoalSummary {
	return GoalSummary{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Enabled:     g.IsEnabled(),
	}
}
