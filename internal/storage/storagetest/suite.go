// Package storagetest checks that a storage backend honours the contracts of
// package storage.
package storagetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kingrea/procman/internal/process"
	"github.com/kingrea/procman/internal/storage"
)

// Factory returns a fresh, empty backend. reopen, when not nil, returns a
// second handle on the same durable data.
type Factory func(t *testing.T) (store storage.Store, reopen func() storage.Store)

// Run exercises every operation of the backend built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("definitions", func(t *testing.T) { testDefinitions(t, newStore) })
	t.Run("commit", func(t *testing.T) { testCommit(t, newStore) })
	t.Run("update artifact", func(t *testing.T) { testUpdateArtifact(t, newStore) })
	t.Run("delete instance", func(t *testing.T) { testDeleteInstance(t, newStore) })
}

func stamp() time.Time {
	return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
}

func sampleInstance(id string) *process.Instance {
	return &process.Instance{
		ID:                 id,
		DefinitionID:       "def-1",
		DefinitionRevision: 1,
		Name:               "sample",
		CurrentActivityID:  "A",
		State:              process.StateRunning,
		CreatedAt:          stamp(),
		UpdatedAt:          stamp(),
	}
}

func sampleArtifact(instanceID, activityID, value string) *process.Artifact {
	return &process.Artifact{
		ID:          instanceID + "-" + activityID,
		InstanceID:  instanceID,
		ActivityID:  activityID,
		Name:        "form",
		ContentType: "application/json",
		Content:     []byte(`{"value":"` + value + `"}`),
		Shared:      []process.SharedPair{{Key: "x", Value: value}},
		CreatedAt:   stamp(),
		CommittedAt: stamp(),
	}
}

func testDefinitions(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, reopen := newStore(t)

	require.NoError(t, store.SaveDefinition(ctx, storage.DefinitionRecord{ID: "b", Revision: 1, Structure: []byte("b1")}))
	require.NoError(t, store.SaveDefinition(ctx, storage.DefinitionRecord{ID: "a", Revision: 1, Structure: []byte("a1")}))
	require.NoError(t, store.SaveDefinition(ctx, storage.DefinitionRecord{ID: "a", Revision: 2, Structure: []byte("a2")}))

	check := func(s storage.Store) {
		revs, err := s.DefinitionRevisions(ctx)
		require.NoError(t, err)
		require.Len(t, revs, 3)
		require.Equal(t, "a", revs[0].ID)
		require.Equal(t, 1, revs[0].Revision)
		require.Equal(t, "a2", string(revs[1].Structure))
		require.Equal(t, "b", revs[2].ID)
	}
	check(store)
	if reopen != nil {
		check(reopen())
	}

	require.NoError(t, store.DeleteDefinition(ctx, "a"))
	revs, err := store.DefinitionRevisions(ctx)
	require.NoError(t, err)
	require.Len(t, revs, 1)
	require.True(t, errors.Is(store.DeleteDefinition(ctx, "a"), storage.ErrNotFound))
}

func testCommit(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, reopen := newStore(t)

	inst := sampleInstance("i-1")
	require.NoError(t, store.CreateInstance(ctx, inst))

	advanced := inst.Clone()
	advanced.History = []string{"A"}
	advanced.CurrentActivityID = "B"
	art := sampleArtifact("i-1", "A", "10")
	require.NoError(t, store.CommitActivity(ctx, advanced, art))

	check := func(s storage.Store) {
		instances, err := s.Instances(ctx)
		require.NoError(t, err)
		require.Len(t, instances, 1)
		require.Equal(t, "B", instances[0].CurrentActivityID)
		require.Equal(t, []string{"A"}, instances[0].History)
		require.True(t, instances[0].CreatedAt.Equal(stamp()))

		arts, err := s.Artifacts(ctx, "i-1")
		require.NoError(t, err)
		require.Len(t, arts, 1)
		require.Equal(t, art.Content, arts[0].Content)
		require.Equal(t, art.Shared, arts[0].Shared)
		require.Equal(t, art.ID, arts[0].ID)
		require.Equal(t, "application/json", arts[0].ContentType)
	}
	check(store)
	if reopen != nil {
		check(reopen())
	}

	err := store.CommitActivity(ctx, sampleInstance("ghost"), sampleArtifact("ghost", "A", "1"))
	require.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
}

func testUpdateArtifact(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, _ := newStore(t)

	inst := sampleInstance("i-2")
	require.NoError(t, store.CreateInstance(ctx, inst))
	require.NoError(t, store.CommitActivity(ctx, inst, sampleArtifact("i-2", "A", "1")))

	replacement := sampleArtifact("i-2", "A", "2")
	require.NoError(t, store.UpdateArtifact(ctx, replacement))
	arts, err := store.Artifacts(ctx, "i-2")
	require.NoError(t, err)
	require.Len(t, arts, 1)
	require.Equal(t, "2", arts[0].Shared[0].Value)

	err = store.UpdateArtifact(ctx, sampleArtifact("i-2", "never", "1"))
	require.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
}

func testDeleteInstance(t *testing.T, newStore Factory) {
	ctx := context.Background()
	store, _ := newStore(t)

	inst := sampleInstance("i-3")
	require.NoError(t, store.CreateInstance(ctx, inst))
	require.NoError(t, store.CommitActivity(ctx, inst, sampleArtifact("i-3", "A", "1")))
	require.NoError(t, store.DeleteInstance(ctx, "i-3"))

	instances, err := store.Instances(ctx)
	require.NoError(t, err)
	require.Empty(t, instances)
	arts, err := store.Artifacts(ctx, "i-3")
	require.NoError(t, err)
	require.Empty(t, arts)
	require.True(t, errors.Is(store.DeleteInstance(ctx, "i-3"), storage.ErrNotFound))
	require.True(t, errors.Is(store.UpdateInstance(ctx, inst), storage.ErrNotFound))
}
