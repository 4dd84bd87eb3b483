// Package memory is an in-process storage backend used by tests and by the
// CLI when no durable driver is configured.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/kingrea/procman/internal/process"
	"github.com/kingrea/procman/internal/storage"
)

// Store keeps every record in maps guarded by a mutex. Records are cloned on
// the way in and out.
type Store struct {
	mu          sync.RWMutex
	definitions map[string][]storage.DefinitionRecord
	instances   map[string]*process.Instance
	artifacts   map[string]map[string]*process.Artifact
}

var _ storage.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		definitions: make(map[string][]storage.DefinitionRecord),
		instances:   make(map[string]*process.Instance),
		artifacts:   make(map[string]map[string]*process.Artifact),
	}
}

func (s *Store) SaveDefinition(_ context.Context, rec storage.DefinitionRecord) error {
	if rec.ID == "" {
		return fmt.Errorf("memory: definition id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec.Structure = append([]byte(nil), rec.Structure...)
	revs := s.definitions[rec.ID]
	for i, existing := range revs {
		if existing.Revision == rec.Revision {
			revs[i] = rec
			return nil
		}
	}
	s.definitions[rec.ID] = append(revs, rec)
	return nil
}

func (s *Store) DefinitionRevisions(_ context.Context) ([]storage.DefinitionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []storage.DefinitionRecord
	for _, revs := range s.definitions {
		for _, rec := range revs {
			rec.Structure = append([]byte(nil), rec.Structure...)
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ID != out[j].ID {
			return out[i].ID < out[j].ID
		}
		return out[i].Revision < out[j].Revision
	})
	return out, nil
}

func (s *Store) DeleteDefinition(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.definitions[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.definitions, id)
	return nil
}

func (s *Store) CreateInstance(_ context.Context, inst *process.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.instances[inst.ID]; exists {
		return fmt.Errorf("memory: instance %s already exists", inst.ID)
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *Store) UpdateInstance(_ context.Context, inst *process.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return storage.ErrNotFound
	}
	s.instances[inst.ID] = inst.Clone()
	return nil
}

func (s *Store) CommitActivity(_ context.Context, inst *process.Instance, art *process.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[inst.ID]; !ok {
		return storage.ErrNotFound
	}
	s.instances[inst.ID] = inst.Clone()
	if art != nil {
		s.putArtifact(art)
	}
	return nil
}

func (s *Store) UpdateArtifact(_ context.Context, art *process.Artifact) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.artifacts[art.InstanceID][art.ActivityID]; !ok {
		return storage.ErrNotFound
	}
	s.putArtifact(art)
	return nil
}

func (s *Store) putArtifact(art *process.Artifact) {
	byActivity := s.artifacts[art.InstanceID]
	if byActivity == nil {
		byActivity = make(map[string]*process.Artifact)
		s.artifacts[art.InstanceID] = byActivity
	}
	byActivity[art.ActivityID] = art.Clone()
}

func (s *Store) DeleteInstance(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.instances, id)
	delete(s.artifacts, id)
	return nil
}

func (s *Store) Instances(_ context.Context) ([]*process.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*process.Instance, 0, len(s.instances))
	for _, inst := range s.instances {
		out = append(out, inst.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) Artifacts(_ context.Context, instanceID string) ([]*process.Artifact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byActivity := s.artifacts[instanceID]
	out := make([]*process.Artifact, 0, len(byActivity))
	for _, art := range byActivity {
		out = append(out, art.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ActivityID < out[j].ActivityID })
	return out, nil
}

func (s *Store) Close() error { return nil }
