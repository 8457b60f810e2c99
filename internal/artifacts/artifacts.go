// Package artifacts keeps the append-only, versioned content log for files
// produced during a task run. Memory is authoritative; durable writes go
// through an injected collaborator on a best-effort basis.
package artifacts

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kirayoXkaki/mgxEngine/internal/task"
)

// Artifact is one immutable versioned snapshot of a file.
type Artifact struct {
	ID        string    `json:"artifact_id"`
	TaskID    string    `json:"task_id"`
	FilePath  string    `json:"file_path"`
	Version   int       `json:"version"`
	AgentRole string    `json:"agent_role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// FileInfo summarizes every version of one file within a task.
type FileInfo struct {
	FilePath      string    `json:"file_path"`
	LatestVersion int       `json:"latest_version"`
	TotalVersions int       `json:"total_versions"`
	AgentRole     string    `json:"agent_role"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Durable is the external-store collaborator. Failures are logged, never
// surfaced to callers.
type Durable interface {
	SaveArtifact(ctx context.Context, a Artifact) error
}

// Store holds per-(task, file) version chains. The increment step for one
// key is serialized by a key-scoped lock so two concurrent writers can never
// compute the same next version.
type Store struct {
	durable Durable // may be nil
	logger  *slog.Logger

	mu       sync.RWMutex
	versions map[string][]Artifact  // key → ascending version chain
	keyLocks map[string]*sync.Mutex // key → increment lock
}

// NewStore creates an artifact Store. durable may be nil (memory only).
func NewStore(durable Durable, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		durable:  durable,
		logger:   logger,
		versions: make(map[string][]Artifact),
		keyLocks: make(map[string]*sync.Mutex),
	}
}

func key(taskID, filePath string) string {
	return taskID + "\x00" + filePath
}

func (s *Store) lockFor(k string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.keyLocks[k]
	if !ok {
		l = &sync.Mutex{}
		s.keyLocks[k] = l
	}
	return l
}

// Save appends a new version of (taskID, filePath). When increment is false
// the write is version 1 (first write of a file); otherwise it is the current
// maximum plus one.
func (s *Store) Save(ctx context.Context, taskID, filePath, agentRole, content string, increment bool) (Artifact, error) {
	k := key(taskID, filePath)
	kl := s.lockFor(k)
	kl.Lock()
	defer kl.Unlock()

	version := 1
	if increment {
		s.mu.RLock()
		chain := s.versions[k]
		s.mu.RUnlock()
		if n := len(chain); n > 0 {
			version = chain[n-1].Version + 1
		}
	}

	a := Artifact{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		FilePath:  filePath,
		Version:   version,
		AgentRole: agentRole,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.versions[k] = append(s.versions[k], a)
	s.mu.Unlock()

	if s.durable != nil {
		if err := s.durable.SaveArtifact(ctx, a); err != nil {
			s.logger.Error("artifact persistence failed",
				"task_id", taskID, "file_path", filePath, "version", version, "error", err)
		}
	}
	return a, nil
}

// Latest returns the highest-version artifact for (taskID, filePath).
func (s *Store) Latest(taskID, filePath string) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.versions[key(taskID, filePath)]
	if len(chain) == 0 {
		return Artifact{}, task.ErrNotFound
	}
	return chain[len(chain)-1], nil
}

// Version returns one specific version for (taskID, filePath).
func (s *Store) Version(taskID, filePath string, version int) (Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, a := range s.versions[key(taskID, filePath)] {
		if a.Version == version {
			return a, nil
		}
	}
	return Artifact{}, task.ErrNotFound
}

// Versions returns the full ascending version chain for (taskID, filePath).
func (s *Store) Versions(taskID, filePath string) []Artifact {
	s.mu.RLock()
	defer s.mu.RUnlock()
	chain := s.versions[key(taskID, filePath)]
	out := make([]Artifact, len(chain))
	copy(out, chain)
	return out
}

// Drop discards every version chain the task produced.
func (s *Store) Drop(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := taskID + "\x00"
	for k := range s.versions {
		if len(k) > len(prefix) && k[:len(prefix)] == prefix {
			delete(s.versions, k)
			delete(s.keyLocks, k)
		}
	}
}

// Files lists per-file metadata for every artifact the task produced,
// sorted by file path.
func (s *Store) Files(taskID string) []FileInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []FileInfo
	prefix := taskID + "\x00"
	for k, chain := range s.versions {
		if len(chain) == 0 || len(k) <= len(prefix) || k[:len(prefix)] != prefix {
			continue
		}
		latest := chain[len(chain)-1]
		out = append(out, FileInfo{
			FilePath:      latest.FilePath,
			LatestVersion: latest.Version,
			TotalVersions: len(chain),
			AgentRole:     latest.AgentRole,
			CreatedAt:     chain[0].CreatedAt,
			UpdatedAt:     latest.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FilePath < out[j].FilePath })
	return out
}
