// Package postgres is the PostgreSQL storage backend.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/kingrea/procman/internal/process"
	"github.com/kingrea/procman/internal/storage"
)

// Store implements storage.Store on a database/sql handle.
type Store struct {
	db *sql.DB
}

var _ storage.Store = (*Store)(nil)

// New wraps an open database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Open connects to dsn with the lib/pq driver and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	store := New(db)
	if err := store.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// --- DefinitionStore --------------------------------------------------------

func (s *Store) SaveDefinition(ctx context.Context, rec storage.DefinitionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO procman_definitions (id, revision, structure)
		VALUES ($1, $2, $3)
		ON CONFLICT (id, revision) DO UPDATE SET structure = EXCLUDED.structure
	`, rec.ID, rec.Revision, rec.Structure)
	if err != nil {
		return fmt.Errorf("postgres: save definition %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) DefinitionRevisions(ctx context.Context) ([]storage.DefinitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, revision, structure
		FROM procman_definitions
		ORDER BY id, revision
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list definitions: %w", err)
	}
	defer rows.Close()

	var out []storage.DefinitionRecord
	for rows.Next() {
		var rec storage.DefinitionRecord
		if err := rows.Scan(&rec.ID, &rec.Revision, &rec.Structure); err != nil {
			return nil, fmt.Errorf("postgres: scan definition: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) DeleteDefinition(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM procman_definitions WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete definition %s: %w", id, err)
	}
	return expectRows(result)
}

// --- InstanceStore ----------------------------------------------------------

func (s *Store) CreateInstance(ctx context.Context, inst *process.Instance) error {
	history, err := json.Marshal(nonNil(inst.History))
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO procman_instances (id, definition_id, definition_revision, name, description,
			current_activity_id, history, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, inst.ID, inst.DefinitionID, inst.DefinitionRevision, inst.Name, inst.Description,
		inst.CurrentActivityID, history, string(inst.State), inst.CreatedAt, inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create instance %s: %w", inst.ID, err)
	}
	return nil
}

func (s *Store) UpdateInstance(ctx context.Context, inst *process.Instance) error {
	return updateInstance(ctx, s.db, inst)
}

func (s *Store) CommitActivity(ctx context.Context, inst *process.Instance, art *process.Artifact) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("postgres: begin commit: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if err = updateInstance(ctx, tx, inst); err != nil {
		return err
	}
	if art != nil {
		if err = upsertArtifact(ctx, tx, art); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("postgres: commit activity %s: %w", inst.ID, err)
	}
	return nil
}

func (s *Store) UpdateArtifact(ctx context.Context, art *process.Artifact) error {
	shared, err := json.Marshal(nonNilPairs(art.Shared))
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE procman_artifacts
		SET id = $3, artifact_definition_id = $4, name = $5, content_type = $6, content = $7,
			shared = $8, created_at = $9, committed_at = $10
		WHERE instance_id = $1 AND activity_id = $2
	`, art.InstanceID, art.ActivityID, art.ID, art.ArtifactDefinitionID, art.Name, art.ContentType,
		art.Content, shared, art.CreatedAt, art.CommittedAt)
	if err != nil {
		return fmt.Errorf("postgres: update artifact %s/%s: %w", art.InstanceID, art.ActivityID, err)
	}
	return expectRows(result)
}

func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM procman_instances WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete instance %s: %w", id, err)
	}
	return expectRows(result)
}

func (s *Store) Instances(ctx context.Context) ([]*process.Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, definition_id, definition_revision, name, description,
			current_activity_id, history, state, created_at, updated_at
		FROM procman_instances
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list instances: %w", err)
	}
	defer rows.Close()

	var out []*process.Instance
	for rows.Next() {
		var (
			inst    process.Instance
			history []byte
			state   string
		)
		if err := rows.Scan(&inst.ID, &inst.DefinitionID, &inst.DefinitionRevision, &inst.Name, &inst.Description,
			&inst.CurrentActivityID, &history, &state, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan instance: %w", err)
		}
		if len(history) > 0 {
			if err := json.Unmarshal(history, &inst.History); err != nil {
				return nil, fmt.Errorf("postgres: decode history of %s: %w", inst.ID, err)
			}
		}
		if len(inst.History) == 0 {
			inst.History = nil
		}
		inst.State = process.State(state)
		out = append(out, &inst)
	}
	return out, rows.Err()
}

func (s *Store) Artifacts(ctx context.Context, instanceID string) ([]*process.Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, activity_id, artifact_definition_id, name, content_type,
			content, shared, created_at, committed_at
		FROM procman_artifacts
		WHERE instance_id = $1
		ORDER BY activity_id
	`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list artifacts of %s: %w", instanceID, err)
	}
	defer rows.Close()

	var out []*process.Artifact
	for rows.Next() {
		var (
			art    process.Artifact
			shared []byte
		)
		if err := rows.Scan(&art.ID, &art.InstanceID, &art.ActivityID, &art.ArtifactDefinitionID, &art.Name,
			&art.ContentType, &art.Content, &shared, &art.CreatedAt, &art.CommittedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan artifact: %w", err)
		}
		if len(shared) > 0 {
			if err := json.Unmarshal(shared, &art.Shared); err != nil {
				return nil, fmt.Errorf("postgres: decode shared of %s: %w", art.ID, err)
			}
		}
		if len(art.Shared) == 0 {
			art.Shared = nil
		}
		out = append(out, &art)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateInstance(ctx context.Context, db execer, inst *process.Instance) error {
	history, err := json.Marshal(nonNil(inst.History))
	if err != nil {
		return err
	}
	result, err := db.ExecContext(ctx, `
		UPDATE procman_instances
		SET name = $2, description = $3, current_activity_id = $4, history = $5, state = $6, updated_at = $7
		WHERE id = $1
	`, inst.ID, inst.Name, inst.Description, inst.CurrentActivityID, history, string(inst.State), inst.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: update instance %s: %w", inst.ID, err)
	}
	return expectRows(result)
}

func upsertArtifact(ctx context.Context, db execer, art *process.Artifact) error {
	shared, err := json.Marshal(nonNilPairs(art.Shared))
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO procman_artifacts (instance_id, activity_id, id, artifact_definition_id, name,
			content_type, content, shared, created_at, committed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (instance_id, activity_id) DO UPDATE SET
			id = EXCLUDED.id, artifact_definition_id = EXCLUDED.artifact_definition_id, name = EXCLUDED.name,
			content_type = EXCLUDED.content_type, content = EXCLUDED.content, shared = EXCLUDED.shared,
			created_at = EXCLUDED.created_at, committed_at = EXCLUDED.committed_at
	`, art.InstanceID, art.ActivityID, art.ID, art.ArtifactDefinitionID, art.Name, art.ContentType,
		art.Content, shared, art.CreatedAt, art.CommittedAt)
	if err != nil {
		return fmt.Errorf("postgres: store artifact %s/%s: %w", art.InstanceID, art.ActivityID, err)
	}
	return nil
}

func expectRows(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nonNilPairs(values []process.SharedPair) []process.SharedPair {
	if values == nil {
		return []process.SharedPair{}
	}
	return values
}
