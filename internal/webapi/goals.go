package webapi

import (
	"fmt"

	"github.com/agentgauge/agentgauge/internal/models"
)

// GoalSource provides the goals a project can run.
type GoalSource interface {
	All() ([]*models.Goal, error)
	Get(id string) (*models.Goal, error)
}

// FileGoalSource loads goal definitions from YAML files under a directory.
// Files are re-read on every call so edits show up without a restart.
type FileGoalSource struct {
	Dir      string
	Patterns []string
}

func (s *FileGoalSource) All() ([]*models.Goal, error) {
	patterns := s.Patterns
	if len(patterns) == 0 {
		patterns = []string{"*.yaml", "*.yml"}
	}
	return models.LoadGoals(s.Dir, patterns)
}

func (s *FileGoalSource) Get(id string) (*models.Goal, error) {
	goals, err := s.All()
	if err != nil {
		return nil, err
	}
	for _, g := range goals {
		if g.ID == id {
			return g, nil
		}
	}
	return nil, fmt.Errorf("goal %s not found", id)
}
