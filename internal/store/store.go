// Package store persists batch runs and test sessions. Two implementations
// are provided: an in-memory store for tests and single-shot CLI runs, and a
// file-backed store that writes one JSON file per record.
package store

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/agentgauge/agentgauge/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// BatchRunStore persists batch run records.
type BatchRunStore interface {
	PutBatchRun(run *models.BatchRun) error
	GetBatchRun(id string) (*models.BatchRun, error)
	ListBatchRuns(projectID string) ([]*models.BatchRun, error)
}

// TestSessionStore persists individual test sessions.
type TestSessionStore interface {
	PutSession(session *models.TestSession) error
	GetSession(id string) (*models.TestSession, error)
	ListSessions(batchRunID string) ([]*models.TestSession, error)
}

// Store is the combined persistence surface.
type Store interface {
	BatchRunStore
	TestSessionStore
}

// MemoryStore keeps everything in maps. Snapshot-copy on both write and read
// keeps callers from mutating shared state.
type MemoryStore struct {
	mu       sync.RWMutex
	runs     map[string]*models.BatchRun
	sessions map[string]*models.TestSession
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*models.BatchRun),
		sessions: make(map[string]*models.TestSession),
	}
}

func (s *MemoryStore) PutBatchRun(run *models.BatchRun) error {
	if run.ID == "" {
		return fmt.Errorf("batch run has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = copyBatchRun(run)
	return nil
}

func (s *MemoryStore) GetBatchRun(id string) (*models.BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("batch run %s: %w", id, ErrNotFound)
	}
	return copyBatchRun(run), nil
}

func (s *MemoryStore) ListBatchRuns(projectID string) ([]*models.BatchRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.BatchRun
	for _, run := range s.runs {
		if projectID == "" || run.ProjectID == projectID {
			out = append(out, copyBatchRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (s *MemoryStore) PutSession(session *models.TestSession) error {
	if session.ID == "" {
		return fmt.Errorf("session has no id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = copySession(session)
	return nil
}

func (s *MemoryStore) GetSession(id string) (*models.TestSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return copySession(sess), nil
}

func (s *MemoryStore) ListSessions(batchRunID string) ([]*models.TestSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.TestSession
	for _, sess := range s.sessions {
		if batchRunID == "" || sess.BatchRunID == batchRunID {
			out = append(out, copySession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}

func copyBatchRun(run *models.BatchRun) *models.BatchRun {
	c := *run
	c.Errors = append([]models.ErrorRecord(nil), run.Errors...)
	if run.CompletedAt != nil {
		t := *run.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

func copySession(sess *models.TestSession) *models.TestSession {
	c := *sess
	c.Transcript = append([]models.Turn(nil), sess.Transcript...)
	if sess.Verdict != nil {
		v := *sess.Verdict
		v.CompletedActions = append([]string(nil), sess.Verdict.CompletedActions...)
		v.Issues = append([]string(nil), sess.Verdict.Issues...)
		c.Verdict = &v
	}
	if sess.CompletedAt != nil {
		t := *sess.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
