package postgres

import (
	"context"
	"fmt"
)

// schema is applied in order by Migrate. Every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS procman_definitions (
		id         TEXT NOT NULL,
		revision   INTEGER NOT NULL,
		structure  BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (id, revision)
	)`,
	`CREATE TABLE IF NOT EXISTS procman_instances (
		id                  TEXT PRIMARY KEY,
		definition_id       TEXT NOT NULL,
		definition_revision INTEGER NOT NULL,
		name                TEXT NOT NULL,
		description         TEXT NOT NULL DEFAULT '',
		current_activity_id TEXT NOT NULL DEFAULT '',
		history             JSONB NOT NULL DEFAULT '[]',
		state               TEXT NOT NULL,
		created_at          TIMESTAMPTZ NOT NULL,
		updated_at          TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS procman_instances_definition_idx ON procman_instances (definition_id)`,
	`CREATE TABLE IF NOT EXISTS procman_artifacts (
		instance_id            TEXT NOT NULL REFERENCES procman_instances (id) ON DELETE CASCADE,
		activity_id            TEXT NOT NULL,
		id                     TEXT NOT NULL,
		artifact_definition_id TEXT NOT NULL DEFAULT '',
		name                   TEXT NOT NULL DEFAULT '',
		content_type           TEXT NOT NULL DEFAULT '',
		content                BYTEA,
		shared                 JSONB NOT NULL DEFAULT '[]',
		created_at             TIMESTAMPTZ NOT NULL,
		committed_at           TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (instance_id, activity_id)
	)`,
}

// Migrate creates the tables the store needs.
func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migration %d: %w", i+1, err)
		}
	}
	return nil
}
