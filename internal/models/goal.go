package models

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Goal is a single test scenario: what the simulated customer is trying to
// accomplish, and how success is judged. Goals are read-only inputs to a
// batch run.
type Goal struct {
	ID          string `yaml:"id" json:"id"`
	ProjectID   string `yaml:"project_id" json:"projectId"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`

	// Steps are the customer-perspective actions, in order.
	Steps []string `yaml:"steps" json:"steps"`

	// ValidationCriteria define what the verdict analysis checks for.
	ValidationCriteria []string `yaml:"validation_criteria" json:"validationCriteria"`

	// Enabled goals are included when a batch run is started for the project.
	// Defaults to true when omitted.
	Enabled *bool `yaml:"enabled" json:"enabled"`

	// SourceConversation optionally carries a historical conversation the
	// goal was generated from. Persona details are extracted from it so the
	// simulated customer reuses realistic identifiers.
	SourceConversation string `yaml:"source_conversation,omitempty" json:"sourceConversation,omitempty"`
}

// IsEnabled reports whether the goal participates in batch runs.
func (g *Goal) IsEnabled() bool {
	return g.Enabled == nil || *g.Enabled
}

// Validate checks the fields a driver depends on.
func (g *Goal) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("goal is missing an id")
	}
	if g.Name == "" {
		return fmt.Errorf("goal %s is missing a name", g.ID)
	}
	return nil
}

// LoadGoal reads a single goal from a YAML file.
func LoadGoal(path string) (*Goal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading goal file: %w", err)
	}

	var g Goal
	if err := yaml.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing goal file %s: %w", path, err)
	}

	if g.ID == "" {
		// Fall back to the filename so hand-written goals don't need ids.
		base := filepath.Base(path)
		g.ID = base[:len(base)-len(filepath.Ext(base))]
	}

	if err := g.Validate(); err != nil {
		return nil, err
	}

	return &g, nil
}

// LoadGoals loads every goal matched by the glob patterns, relative to baseDir.
func LoadGoals(baseDir string, patterns []string) ([]*Goal, error) {
	var paths []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(filepath.Join(baseDir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("no goal files matched patterns %v in %s", patterns, baseDir)
	}

	goals := make([]*Goal, 0, len(paths))
	for _, p := range paths {
		g, err := LoadGoal(p)
		if err != nil {
			return nil, fmt.Errorf("failed to load goal %s: %w", p, err)
		}
		goals = append(goals, g)
	}

	return goals, nil
}
