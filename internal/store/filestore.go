package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/agentgauge/agentgauge/internal/models"
)

// FileStore persists records as JSON files under a base directory:
// batch runs in <dir>/batches/, sessions in <dir>/sessions/. Records are
// loaded lazily on first read and kept in memory; writes go to disk first.
type FileStore struct {
	dir string

	mu       sync.RWMutex
	runs     map[string]*models.BatchRun
	sessions map[string]*models.TestSession
	loaded   bool
}

func NewFileStore(dir string) *FileStore {
	return &FileStore{
		dir:      dir,
		runs:     make(map[string]*models.BatchRun),
		sessions: make(map[string]*models.TestSession),
	}
}

func (fs *FileStore) batchDir() string   { return filepath.Join(fs.dir, "batches") }
func (fs *FileStore) sessionDir() string { return filepath.Join(fs.dir, "sessions") }

// load reads every record file under the base directory. Unreadable or
// malformed files are skipped rather than failing the whole load.
func (fs *FileStore) load() error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	fs.runs = make(map[string]*models.BatchRun)
	fs.sessions = make(map[string]*models.TestSession)

	loadDir(fs.batchDir(), func(data []byte) {
		var run models.BatchRun
		if json.Unmarshal(data, &run) == nil && run.ID != "" {
			fs.runs[run.ID] = &run
		}
	})
	loadDir(fs.sessionDir(), func(data []byte) {
		var sess models.TestSession
		if json.Unmarshal(data, &sess) == nil && sess.ID != "" {
			fs.sessions[sess.ID] = &sess
		}
	})

	fs.loaded = true
	return nil
}

func loadDir(dir string, accept func(data []byte)) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		accept(data)
	}
}

func (fs *FileStore) ensureLoaded() error {
	fs.mu.RLock()
	if fs.loaded {
		fs.mu.RUnlock()
		return nil
	}
	fs.mu.RUnlock()
	return fs.load()
}

func (fs *FileStore) writeRecord(dir, id string, v any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	path := filepath.Join(dir, id+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

func (fs *FileStore) PutBatchRun(run *models.BatchRun) error {
	if run.ID == "" {
		return fmt.Errorf("batch run has no id")
	}
	if err := fs.ensureLoaded(); err != nil {
		return err
	}
	c := copyBatchRun(run)
	if err := fs.writeRecord(fs.batchDir(), c.ID, c); err != nil {
		return err
	}
	fs.mu.Lock()
	fs.runs[c.ID] = c
	fs.mu.Unlock()
	return nil
}

func (fs *FileStore) GetBatchRun(id string) (*models.BatchRun, error) {
	if err := fs.ensureLoaded(); err != nil {
		return nil, err
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	run, ok := fs.runs[id]
	if !ok {
		return nil, fmt.Errorf("batch run %s: %w", id, ErrNotFound)
	}
	return copyBatchRun(run), nil
}

func (fs *FileStore) ListBatchRuns(projectID string) ([]*models.BatchRun, error) {
	if err := fs.ensureLoaded(); err != nil {
		return nil, err
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	var out []*models.BatchRun
	for _, run := range fs.runs {
		if projectID == "" || run.ProjectID == projectID {
			out = append(out, copyBatchRun(run))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out, nil
}

func (fs *FileStore) PutSession(session *models.TestSession) error {
	if session.ID == "" {
		return fmt.Errorf("session has no id")
	}
	if err := fs.ensureLoaded(); err != nil {
		return err
	}
	c := copySession(session)
	if err := fs.writeRecord(fs.sessionDir(), c.ID, c); err != nil {
		return err
	}
	fs.mu.Lock()
	fs.sessions[c.ID] = c
	fs.mu.Unlock()
	return nil
}

func (fs *FileStore) GetSession(id string) (*models.TestSession, error) {
	if err := fs.ensureLoaded(); err != nil {
		return nil, err
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	sess, ok := fs.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return copySession(sess), nil
}

func (fs *FileStore) ListSessions(batchRunID string) ([]*models.TestSession, error) {
	if err := fs.ensureLoaded(); err != nil {
		return nil, err
	}
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	var out []*models.TestSession
	for _, sess := range fs.sessions {
		if batchRunID == "" || sess.BatchRunID == batchRunID {
			out = append(out, copySession(sess))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out, nil
}
