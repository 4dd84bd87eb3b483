package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/procman/internal/errs"
	"github.com/kingrea/procman/internal/process"
	"github.com/kingrea/procman/internal/process/modelstore"
	"github.com/kingrea/procman/internal/process/processtest"
	"github.com/kingrea/procman/internal/storage"
	"github.com/kingrea/procman/internal/storage/memory"
)

type harness struct {
	models  *modelstore.Store
	engine  *Engine
	backend *memory.Store
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	backend := memory.New()
	return newHarnessOn(t, backend, backend, opts...)
}

func newHarnessOn(t *testing.T, backend *memory.Store, instances storage.InstanceStore, opts ...Option) *harness {
	t.Helper()
	models := modelstore.New(backend)
	eng := New(models, instances, opts...)
	models.SetInstanceIndex(eng)
	return &harness{models: models, engine: eng, backend: backend}
}

func (h *harness) define(t *testing.T, doc string) *process.Definition {
	t.Helper()
	def, err := h.models.Import(context.Background(), []byte(doc))
	require.NoError(t, err)
	return def
}

func shared(pairs ...string) *process.Artifact {
	art := &process.Artifact{}
	for i := 0; i+1 < len(pairs); i += 2 {
		art.Shared = append(art.Shared, process.SharedPair{Key: pairs[i], Value: pairs[i+1]})
	}
	return art
}

func TestLinearScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, processtest.Linear)

	inst, err := h.engine.Create(ctx, def.ID, "order 1", "")
	require.NoError(t, err)
	assert.Equal(t, "A", inst.CurrentActivityID)
	assert.Empty(t, inst.History)
	assert.True(t, inst.Running())

	first := shared("note", "one")
	first.Content = []byte("opaque \x00 bytes")
	inst, err = h.engine.CommitActivity(ctx, inst.ID, "A", first)
	require.NoError(t, err)
	assert.Equal(t, "B", inst.CurrentActivityID)
	assert.Equal(t, []string{"A"}, inst.History)

	inst, err = h.engine.CommitActivity(ctx, inst.ID, "B", shared("note", "two"))
	require.NoError(t, err)
	assert.Equal(t, "", inst.CurrentActivityID)
	assert.Equal(t, process.StateEnded, inst.State)
	assert.Equal(t, []string{"A", "B"}, inst.History)

	got, err := h.engine.Artifact(ctx, inst.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, first.Content, got.Content)
	assert.Equal(t, first.Shared, got.Shared)
	assert.Equal(t, "a-form", got.ArtifactDefinitionID)

	path, err := h.engine.ActivitiesPath(ctx, inst.ID)
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, "A", path[0].ID)
	assert.Equal(t, "B", path[1].ID)

	_, err = h.engine.NextActivity(ctx, inst.ID)
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, err = h.engine.CommitActivity(ctx, inst.ID, "B", shared("note", "again"))
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestOutOfOrderCommitDoesNotMutate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, processtest.Linear)
	inst, err := h.engine.Create(ctx, def.ID, "order", "")
	require.NoError(t, err)

	for _, activity := range []string{"B", "missing", ""} {
		_, err = h.engine.CommitActivity(ctx, inst.ID, activity, shared("k", "v"))
		assert.ErrorIs(t, err, errs.ErrInvalidArgument, activity)
	}
	after, err := h.engine.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, inst, after)
	_, err = h.engine.Artifact(ctx, inst.ID, "B")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	stored, err := h.backend.Instances(ctx)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Empty(t, stored[0].History)
}

func TestActivitiesPathFollowsCommitOrder(t *testing.T) {
	const chain = `
process: {name: Chain, enabled: true, startActivityId: s1}
activities:
  - {id: s1, paths: [{target: s2}]}
  - {id: s2, paths: [{target: s3}]}
  - {id: s3, paths: [{target: s4}]}
  - {id: s4}
`
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, chain)
	inst, err := h.engine.Create(ctx, def.ID, "chain", "")
	require.NoError(t, err)

	for n, activity := range []string{"s1", "s2", "s3"} {
		_, err := h.engine.CommitActivity(ctx, inst.ID, activity, nil)
		require.NoError(t, err)
		path, err := h.engine.ActivitiesPath(ctx, inst.ID)
		require.NoError(t, err)
		require.Len(t, path, n+2)
		for i := 0; i <= n+1; i++ {
			assert.Equal(t, fmt.Sprintf("s%d", i+1), path[i].ID)
		}
	}
}

func TestDecisionRoutes(t *testing.T) {
	for x, want := range map[string]string{"10": "D", "1": "E", "5": "E"} {
		h := newHarness(t)
		ctx := context.Background()
		def := h.define(t, processtest.Decision)
		inst, err := h.engine.Create(ctx, def.ID, "decide", "")
		require.NoError(t, err)

		inst, err = h.engine.CommitActivity(ctx, inst.ID, "collect", shared("x", x))
		require.NoError(t, err)
		assert.Equal(t, "C", inst.CurrentActivityID)

		preview, err := h.engine.NextActivity(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, want, preview.ID, "preview for x=%s", x)

		inst, err = h.engine.CommitActivity(ctx, inst.ID, "C", nil)
		require.NoError(t, err)
		assert.Equal(t, want, inst.CurrentActivityID, "commit for x=%s", x)

		same, err := h.engine.NextActivity(ctx, inst.ID)
		require.NoError(t, err)
		assert.Equal(t, want, same.ID, "user task previews itself")
	}
}

func TestDecisionUsesSubmittedArtifact(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, processtest.Decision)
	inst, err := h.engine.Create(ctx, def.ID, "decide", "")
	require.NoError(t, err)
	_, err = h.engine.CommitActivity(ctx, inst.ID, "collect", shared("x", "1"))
	require.NoError(t, err)
	inst, err = h.engine.CommitActivity(ctx, inst.ID, "C", shared("x", "10"))
	require.NoError(t, err)
	assert.Equal(t, "D", inst.CurrentActivityID)
}

func TestFirstTruePathWins(t *testing.T) {
	const overlap = `
process: {name: Overlap, enabled: true, startActivityId: a}
activities:
  - id: a
    paths:
      - {target: high, condition: "n > 1"}
      - {target: higher, condition: "n > 2"}
      - {target: fallback}
  - {id: high}
  - {id: higher}
  - {id: fallback}
`
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, overlap)
	for i := 0; i < 20; i++ {
		inst, err := h.engine.Create(ctx, def.ID, "run", "")
		require.NoError(t, err)
		inst, err = h.engine.CommitActivity(ctx, inst.ID, "a", shared("n", "3"))
		require.NoError(t, err)
		require.Equal(t, "high", inst.CurrentActivityID)
	}
}

func TestCreateRequiresEnabledDefinition(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, processtest.Linear)
	_, err := h.models.Update(ctx, def.ID, map[string]string{modelstore.PropEnabled: "false"}, nil)
	require.NoError(t, err)

	_, err = h.engine.Create(ctx, def.ID, "x", "")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = h.engine.Create(ctx, "missing", "x", "")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDeleteDefinitionWithRunningInstances(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, processtest.Linear)
	inst, err := h.engine.Create(ctx, def.ID, "x", "")
	require.NoError(t, err)

	assert.ErrorIs(t, h.models.Delete(ctx, def.ID), errs.ErrNotPermitted)

	_, err = h.engine.CommitActivity(ctx, inst.ID, "A", shared("k", "v"))
	require.NoError(t, err)
	_, err = h.engine.CommitActivity(ctx, inst.ID, "B", shared("k", "v"))
	require.NoError(t, err)
	assert.Equal(t, 0, h.engine.RunningInstances(def.ID))

	require.NoError(t, h.models.Delete(ctx, def.ID))
	_, err = h.models.Activity(def.ID, "A")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	art, err := h.engine.Artifact(ctx, inst.ID, "A")
	require.NoError(t, err, "artifacts outlive the definition")
	assert.Equal(t, "v", art.SharedMap()["k"])
	_, err = h.engine.ActivitiesPath(ctx, inst.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestDeleteInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, processtest.Linear)
	inst, err := h.engine.Create(ctx, def.ID, "x", "")
	require.NoError(t, err)

	assert.ErrorIs(t, h.engine.Delete(ctx, inst.ID), errs.ErrNotPermitted)

	for _, activity := range []string{"A", "B"} {
		_, err = h.engine.CommitActivity(ctx, inst.ID, activity, shared("k", activity))
		require.NoError(t, err)
	}
	require.NoError(t, h.engine.Delete(ctx, inst.ID))
	_, err = h.engine.Get(ctx, inst.ID)
	assert.ErrorIs(t, err, errs.ErrNotFound)
	_, err = h.engine.Artifact(ctx, inst.ID, "A")
	assert.ErrorIs(t, err, errs.ErrNotFound)
	assert.ErrorIs(t, h.engine.Delete(ctx, inst.ID), errs.ErrNotFound)

	arts, err := h.backend.Artifacts(ctx, inst.ID)
	require.NoError(t, err)
	assert.Empty(t, arts)
}

func TestUpdateActivityKeepsPointer(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, processtest.Decision)
	inst, err := h.engine.Create(ctx, def.ID, "x", "")
	require.NoError(t, err)

	_, err = h.engine.UpdateActivity(ctx, inst.ID, "collect", shared("x", "1"))
	assert.ErrorIs(t, err, errs.ErrNotFound)

	_, err = h.engine.CommitActivity(ctx, inst.ID, "collect", shared("x", "10"))
	require.NoError(t, err)
	original, err := h.engine.Artifact(ctx, inst.ID, "collect")
	require.NoError(t, err)

	replaced, err := h.engine.UpdateActivity(ctx, inst.ID, "collect", shared("x", "1"))
	require.NoError(t, err)
	assert.Equal(t, original.ID, replaced.ID)
	assert.Equal(t, "1", replaced.SharedMap()["x"])

	now, err := h.engine.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "C", now.CurrentActivityID)
	assert.Equal(t, []string{"collect"}, now.History)

	preview, err := h.engine.NextActivity(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "E", preview.ID, "preview sees the corrected data")

	_, err = h.engine.UpdateActivity(ctx, inst.ID, "collect", shared("y", "1"))
	assert.ErrorIs(t, err, errs.ErrInvalidArgument, "corrections are validated")

	_, err = h.engine.CommitActivity(ctx, inst.ID, "C", nil)
	require.NoError(t, err)
	_, err = h.engine.CommitActivity(ctx, inst.ID, "E", nil)
	require.NoError(t, err)
	ended, err := h.engine.Get(ctx, inst.ID)
	require.NoError(t, err)
	require.False(t, ended.Running())

	_, err = h.engine.UpdateActivity(ctx, inst.ID, "collect", shared("x", "99"))
	require.NoError(t, err, "ended instances can be corrected")
	after, err := h.engine.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, ended.History, after.History)
	assert.Equal(t, process.StateEnded, after.State)
}

func TestInstancesPinTheirRevision(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, processtest.Linear)
	old, err := h.engine.Create(ctx, def.ID, "old", "")
	require.NoError(t, err)

	const single = `
process: {name: Linear, enabled: true, startActivityId: A}
activities:
  - {id: A}
`
	_, err = h.models.Update(ctx, def.ID, nil, []byte(single))
	require.NoError(t, err)
	fresh, err := h.engine.Create(ctx, def.ID, "new", "")
	require.NoError(t, err)
	assert.Equal(t, 1, old.DefinitionRevision)
	assert.Equal(t, 2, fresh.DefinitionRevision)

	old, err = h.engine.CommitActivity(ctx, old.ID, "A", shared("k", "v"))
	require.NoError(t, err)
	assert.Equal(t, "B", old.CurrentActivityID)
	fresh, err = h.engine.CommitActivity(ctx, fresh.ID, "A", nil)
	require.NoError(t, err)
	assert.False(t, fresh.Running())
}

func TestValidationFailureLeavesStateAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, processtest.Decision)
	inst, err := h.engine.Create(ctx, def.ID, "x", "")
	require.NoError(t, err)

	_, err = h.engine.CommitActivity(ctx, inst.ID, "collect", shared("y", "1"))
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	_, err = h.engine.CommitActivity(ctx, inst.ID, "collect", &process.Artifact{ArtifactDefinitionID: "other", Shared: []process.SharedPair{{Key: "x", Value: "1"}}})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	after, err := h.engine.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "collect", after.CurrentActivityID)
	assert.Empty(t, after.History)
}

type failingStore struct {
	storage.InstanceStore
	fail atomic.Bool
}

func (f *failingStore) CommitActivity(ctx context.Context, inst *process.Instance, art *process.Artifact) error {
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.InstanceStore.CommitActivity(ctx, inst, art)
}

func TestFailedWriteIsNotPublished(t *testing.T) {
	backend := memory.New()
	store := &failingStore{InstanceStore: backend}
	h := newHarnessOn(t, backend, store)
	ctx := context.Background()
	def := h.define(t, processtest.Linear)
	inst, err := h.engine.Create(ctx, def.ID, "x", "")
	require.NoError(t, err)

	store.fail.Store(true)
	_, err = h.engine.CommitActivity(ctx, inst.ID, "A", shared("k", "v"))
	assert.ErrorIs(t, err, errs.ErrInternal)
	after, err := h.engine.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "A", after.CurrentActivityID)
	_, err = h.engine.Artifact(ctx, inst.ID, "A")
	assert.ErrorIs(t, err, errs.ErrNotFound)

	store.fail.Store(false)
	after, err = h.engine.CommitActivity(ctx, inst.ID, "A", shared("k", "v"))
	require.NoError(t, err)
	assert.Equal(t, "B", after.CurrentActivityID)
}

func TestConcurrentCommitsOnOneInstance(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, processtest.Linear)
	inst, err := h.engine.Create(ctx, def.ID, "x", "")
	require.NoError(t, err)

	const callers = 16
	var wg sync.WaitGroup
	var ok, rejected atomic.Int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := h.engine.CommitActivity(ctx, inst.ID, "A", shared("caller", fmt.Sprint(i)))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, errs.ErrInvalidArgument):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(1), ok.Load())
	assert.Equal(t, int32(callers-1), rejected.Load())

	after, err := h.engine.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"A"}, after.History)
}

func TestIndependentInstancesCommitInParallel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, processtest.Linear)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst, err := h.engine.Create(ctx, def.ID, "x", "")
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			for _, activity := range []string{"A", "B"} {
				if _, err := h.engine.CommitActivity(ctx, inst.ID, activity, shared("k", "v")); err != nil {
					t.Errorf("commit %s: %v", activity, err)
					return
				}
			}
		}()
	}
	wg.Wait()
	assert.Len(t, h.engine.List(ctx, def.ID), 8)
	assert.Equal(t, 0, h.engine.RunningInstances(def.ID))
	running, ended := h.engine.Counts()
	assert.Equal(t, 0, running)
	assert.Equal(t, 8, ended)
}

func TestLoadRehydrates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	def := h.define(t, processtest.Linear)
	inst, err := h.engine.Create(ctx, def.ID, "x", "first")
	require.NoError(t, err)
	_, err = h.engine.CommitActivity(ctx, inst.ID, "A", shared("k", "v"))
	require.NoError(t, err)

	models := modelstore.New(h.backend)
	require.NoError(t, models.Reload(ctx))
	again := New(models, h.backend)
	models.SetInstanceIndex(again)
	require.NoError(t, again.Load(ctx))

	got, err := again.Get(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "B", got.CurrentActivityID)
	assert.Equal(t, 1, again.RunningInstances(def.ID))
	art, err := again.Artifact(ctx, inst.ID, "A")
	require.NoError(t, err)
	assert.Equal(t, "v", art.SharedMap()["k"])
	assert.ErrorIs(t, models.Delete(ctx, def.ID), errs.ErrNotPermitted)

	got, err = again.CommitActivity(ctx, inst.ID, "B", shared("k", "w"))
	require.NoError(t, err)
	assert.False(t, got.Running())
}

func TestUpdateAndList(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	linear := h.define(t, processtest.Linear)
	decision := h.define(t, processtest.Decision)
	a, err := h.engine.Create(ctx, linear.ID, "a", "")
	require.NoError(t, err)
	_, err = h.engine.Create(ctx, decision.ID, "b", "")
	require.NoError(t, err)

	updated, err := h.engine.Update(ctx, a.ID, "renamed", "with notes")
	require.NoError(t, err)
	assert.Equal(t, "renamed", updated.Name)
	assert.Equal(t, "A", updated.CurrentActivityID)

	assert.Len(t, h.engine.List(ctx, ""), 2)
	only := h.engine.List(ctx, linear.ID)
	require.Len(t, only, 1)
	assert.Equal(t, "renamed", only[0].Name)

	_, err = h.engine.Update(ctx, "missing", "x", "")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}
