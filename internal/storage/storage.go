// Package storage declares the persistence contracts of the process manager.
// Backends live in the memory, filestore and postgres subpackages.
package storage

import (
	"context"
	"errors"

	"github.com/kingrea/procman/internal/process"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("storage: not found")

// DefinitionRecord is one accepted revision of a structure document.
type DefinitionRecord struct {
	ID        string
	Revision  int
	Structure []byte
}

// DefinitionStore persists structure documents. Every revision is kept until
// the definition is deleted.
type DefinitionStore interface {
	SaveDefinition(ctx context.Context, rec DefinitionRecord) error
	DefinitionRevisions(ctx context.Context) ([]DefinitionRecord, error)
	DeleteDefinition(ctx context.Context, id string) error
}

// InstanceStore persists instances and their artifacts. Artifacts are keyed by
// (instance, activity); committing an activity twice replaces the earlier
// artifact.
type InstanceStore interface {
	CreateInstance(ctx context.Context, inst *process.Instance) error
	UpdateInstance(ctx context.Context, inst *process.Instance) error
	// CommitActivity stores art and the advanced instance in one durable
	// write; either both are visible afterwards or neither is.
	CommitActivity(ctx context.Context, inst *process.Instance, art *process.Artifact) error
	UpdateArtifact(ctx context.Context, art *process.Artifact) error
	DeleteInstance(ctx context.Context, id string) error
	Instances(ctx context.Context) ([]*process.Instance, error)
	Artifacts(ctx context.Context, instanceID string) ([]*process.Artifact, error)
}

// Store is a complete backend.
type Store interface {
	DefinitionStore
	InstanceStore
	Close() error
}
