// Package handlers provides the HTTP API around sessions: project CRUD,
// chat history, git pull, and health.
package handlers

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"amicable-orchestrator/types"

	_ "modernc.org/sqlite"
)

// ErrProjectNotFound is returned for lookups of unknown project ids.
var ErrProjectNotFound = fmt.Errorf("project not found")

// ProjectStore persists project rows in a local SQLite database. Session
// state itself lives in the checkpointer; this table only holds the
// metadata the API serves.
type ProjectStore struct {
	db *sql.DB
}

const projectSchema = `
CREATE TABLE IF NOT EXISTS projects (
	id              TEXT PRIMARY KEY,
	user_sub        TEXT NOT NULL DEFAULT '',
	user_email      TEXT NOT NULL DEFAULT '',
	template_id     TEXT NOT NULL DEFAULT '',
	slug            TEXT NOT NULL DEFAULT '',
	git             TEXT NOT NULL DEFAULT '{}',
	permission_mode TEXT NOT NULL DEFAULT '',
	thinking_level  TEXT NOT NULL DEFAULT '',
	created_at      INTEGER NOT NULL DEFAULT (strftime('%s','now'))
);`

// NewProjectStore opens (and migrates) the project database at path.
// ":memory:" gives an ephemeral store for tests and local development.
func NewProjectStore(path string) (*ProjectStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open project db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(projectSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate project db: %w", err)
	}
	return &ProjectStore{db: db}, nil
}

// Close releases the database handle.
func (s *ProjectStore) Close() error { return s.db.Close() }

// Create inserts a project row. The id must be unique.
func (s *ProjectStore) Create(ctx context.Context, p types.Project) error {
	git, err := json.Marshal(p.Git)
	if err != nil {
		return fmt.Errorf("encode git metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO projects (id, user_sub, user_email, template_id, slug, git, permission_mode, thinking_level)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, p.UserSub, p.UserEmail, p.TemplateID, p.Slug, string(git), p.PermissionMode, p.ThinkingLevel)
	if err != nil {
		return fmt.Errorf("insert project %s: %w", p.ID, err)
	}
	return nil
}

// Get returns one project by id.
func (s *ProjectStore) Get(ctx context.Context, id string) (types.Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_sub, user_email, template_id, slug, git, permission_mode, thinking_level
		FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return types.Project{}, ErrProjectNotFound
	}
	return p, err
}

// ListByUser returns the projects owned by a user, newest first.
func (s *ProjectStore) ListByUser(ctx context.Context, userSub string) ([]types.Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_sub, user_email, template_id, slug, git, permission_mode, thinking_level
		FROM projects WHERE user_sub = ? ORDER BY created_at DESC`, userSub)
	if err != nil {
		return nil, fmt.Errorf("list projects for %s: %w", userSub, err)
	}
	defer rows.Close()

	var out []types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Delete removes a project row. Missing rows are not an error.
func (s *ProjectStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete project %s: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanProject(row rowScanner) (types.Project, error) {
	var p types.Project
	var git string
	err := row.Scan(&p.ID, &p.UserSub, &p.UserEmail, &p.TemplateID, &p.Slug, &git, &p.PermissionMode, &p.ThinkingLevel)
	if err != nil {
		return types.Project{}, err
	}
	if err := json.Unmarshal([]byte(git), &p.Git); err != nil {
		return types.Project{}, fmt.Errorf("decode git metadata for %s: %w", p.ID, err)
	}
	return p, nil
}
