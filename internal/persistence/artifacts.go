package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kirayoXkaki/mgxEngine/internal/artifacts"
	"github.com/kirayoXkaki/mgxEngine/internal/task"
)

// SaveArtifact satisfies artifacts.Durable. A duplicate
// (task_id, file_path, version) write is ignored: the in-memory store is
// authoritative for version assignment.
func (s *Store) SaveArtifact(ctx context.Context, a artifacts.Artifact) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO artifact_store (id, task_id, file_path, version, agent_role, content, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, a.ID, a.TaskID, a.FilePath, a.Version, a.AgentRole, a.Content, a.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
		return nil
	})
}

func (s *Store) LatestArtifact(ctx context.Context, taskID, filePath string) (artifacts.Artifact, error) {
	var a artifacts.Artifact
	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, file_path, version, agent_role, content, created_at
		FROM artifact_store
		WHERE task_id = ? AND file_path = ?
		ORDER BY version DESC
		LIMIT 1;
	`, taskID, filePath).Scan(&a.ID, &a.TaskID, &a.FilePath, &a.Version, &a.AgentRole, &a.Content, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return artifacts.Artifact{}, task.ErrNotFound
	}
	if err != nil {
		return artifacts.Artifact{}, fmt.Errorf("select latest artifact: %w", err)
	}
	return a, nil
}

func (s *Store) ArtifactVersions(ctx context.Context, taskID, filePath string) ([]artifacts.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, file_path, version, agent_role, content, created_at
		FROM artifact_store
		WHERE task_id = ? AND file_path = ?
		ORDER BY version ASC;
	`, taskID, filePath)
	if err != nil {
		return nil, fmt.Errorf("query artifact versions: %w", err)
	}
	defer rows.Close()

	var out []artifacts.Artifact
	for rows.Next() {
		var a artifacts.Artifact
		if err := rows.Scan(&a.ID, &a.TaskID, &a.FilePath, &a.Version, &a.AgentRole, &a.Content, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("artifact rows: %w", err)
	}
	return out, nil
}
