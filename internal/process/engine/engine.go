// Package engine runs process instances. Each instance is advanced under its
// own lock; unrelated instances never wait on each other. State is published
// in memory only after the storage backend has accepted the write.
package engine

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/procman/internal/artifact"
	"github.com/kingrea/procman/internal/errs"
	"github.com/kingrea/procman/internal/logging"
	"github.com/kingrea/procman/internal/metrics"
	"github.com/kingrea/procman/internal/process"
	"github.com/kingrea/procman/internal/process/resolver"
	"github.com/kingrea/procman/internal/storage"
)

// Definitions is the view of the model store the engine needs.
type Definitions interface {
	// Use runs fn with the latest revision of a definition while keeping it
	// from being deleted.
	Use(id string, fn func(*process.Definition) error) error
	// Revision returns a pinned revision.
	Revision(id string, revision int) (*process.Definition, error)
}

// Engine owns the lifecycle of process instances.
type Engine struct {
	defs      Definitions
	store     storage.InstanceStore
	validator *artifact.Validator
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	now       func() time.Time
	newID     func() string

	// mu guards the index maps only; it is never held across storage calls.
	mu      sync.RWMutex
	slots   map[string]*slot
	running map[string]int
	ended   int
}

// slot holds one instance and the artifacts committed for it.
type slot struct {
	mu        sync.Mutex
	inst      *process.Instance
	artifacts map[string]*process.Artifact
	deleted   bool
}

// Option customizes an Engine during construction.
type Option func(*Engine)

// WithValidator replaces the default artifact validator.
func WithValidator(v *artifact.Validator) Option {
	return func(e *Engine) { e.validator = v }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = logging.OrDiscard(log) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithClock overrides the clock used for instance and artifact timestamps.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.now = clock }
}

// WithIDGenerator overrides how instance and artifact ids are minted.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) { e.newID = gen }
}

// New builds an engine with no instances. Call Load to rehydrate what the
// store already holds.
func New(defs Definitions, store storage.InstanceStore, opts ...Option) *Engine {
	e := &Engine{
		defs:    defs,
		store:   store,
		log:     logging.Discard(),
		now:     time.Now,
		newID:   uuid.NewString,
		slots:   map[string]*slot{},
		running: map[string]int{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.validator == nil {
		e.validator = artifact.NewValidator(nil)
	}
	return e
}

// RunningInstances reports how many running instances were created from a
// definition.
func (e *Engine) RunningInstances(definitionID string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running[definitionID]
}

// Load replaces the in-memory index with what the store holds.
func (e *Engine) Load(ctx context.Context) error {
	const op = "loadProcessInstances"
	instances, err := e.store.Instances(ctx)
	if err != nil {
		return errs.Internal(op, err)
	}
	artifacts := make([][]*process.Artifact, len(instances))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, inst := range instances {
		i, inst := i, inst
		g.Go(func() error {
			arts, err := e.store.Artifacts(gctx, inst.ID)
			if err != nil {
				return err
			}
			artifacts[i] = arts
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return errs.Internal(op, err)
	}

	slots := make(map[string]*slot, len(instances))
	running := map[string]int{}
	ended := 0
	for i, inst := range instances {
		s := &slot{inst: inst, artifacts: map[string]*process.Artifact{}}
		for _, art := range artifacts[i] {
			s.artifacts[art.ActivityID] = art
		}
		slots[inst.ID] = s
		if inst.Running() {
			running[inst.DefinitionID]++
		} else {
			ended++
		}
		if _, err := e.defs.Revision(inst.DefinitionID, inst.DefinitionRevision); err != nil {
			e.log.WithFields(logrus.Fields{"instance": inst.ID, "definition": inst.DefinitionID, "revision": inst.DefinitionRevision}).
				Warn("instance references a definition revision that is not loaded")
		}
	}

	e.mu.Lock()
	e.slots, e.running, e.ended = slots, running, ended
	e.mu.Unlock()
	e.publishCounts()
	e.log.WithFields(logrus.Fields{"instances": len(instances)}).Info("process instances loaded")
	return nil
}

// Create starts an instance of the latest revision of a definition. Disabled
// definitions cannot be instantiated.
func (e *Engine) Create(ctx context.Context, definitionID, name, description string) (*process.Instance, error) {
	const op = "createProcessInstance"
	var created *process.Instance
	err := e.defs.Use(definitionID, func(def *process.Definition) error {
		if !def.Enabled {
			return errs.NotFound(op, "process definition %s is disabled", definitionID)
		}
		now := e.now().UTC()
		inst := &process.Instance{
			ID:                 e.newID(),
			DefinitionID:       def.ID,
			DefinitionRevision: def.Revision,
			Name:               strings.TrimSpace(name),
			Description:        description,
			CurrentActivityID:  def.StartActivityID,
			State:              process.StateRunning,
			CreatedAt:          now,
			UpdatedAt:          now,
		}
		if err := e.store.CreateInstance(ctx, inst); err != nil {
			return errs.Internal(op, err)
		}
		e.mu.Lock()
		e.slots[inst.ID] = &slot{inst: inst, artifacts: map[string]*process.Artifact{}}
		e.running[def.ID]++
		e.mu.Unlock()
		created = inst.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.publishCounts()
	e.log.WithFields(logrus.Fields{"instance": created.ID, "definition": definitionID, "activity": created.CurrentActivityID}).Info("process instance created")
	return created, nil
}

// CommitActivity completes the current activity of an instance with art and
// advances it along the first path that holds. When no path holds the
// instance ends.
func (e *Engine) CommitActivity(ctx context.Context, instanceID, activityID string, art *process.Artifact) (*process.Instance, error) {
	const op = "commitActivity"
	s, err := e.lock(op, instanceID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	inst := s.inst
	if !inst.Running() {
		e.metrics.ObserveCommit("rejected")
		return nil, errs.InvalidArgument(op, "process instance %s has ended", instanceID)
	}
	if activityID != inst.CurrentActivityID {
		e.metrics.ObserveCommit("rejected")
		return nil, errs.InvalidArgument(op, "activity %s is not the current activity of process instance %s", activityID, instanceID)
	}
	def, act, err := e.activity(op, inst, activityID)
	if err != nil {
		return nil, err
	}

	committed := s.committed()
	now := e.now().UTC()
	prepared := artifact.Prepare(act, art)
	prepared.ID = e.newID()
	prepared.InstanceID, prepared.ActivityID = inst.ID, activityID
	if prepared.CreatedAt.IsZero() {
		prepared.CreatedAt = now
	}
	prepared.CommittedAt = now
	if err := e.validator.Validate(ctx, act, prepared, accumulate(committed)); err != nil {
		e.metrics.ObserveCommit("rejected")
		return nil, err
	}

	next, ok := resolver.Next(act, resolver.ScopeFor(act, prepared, committed))
	updated := inst.Clone()
	updated.History = append(updated.History, activityID)
	updated.UpdatedAt = now
	if ok {
		updated.CurrentActivityID = next
	} else {
		updated.CurrentActivityID = ""
		updated.State = process.StateEnded
	}
	if err := e.store.CommitActivity(ctx, updated, prepared); err != nil {
		e.metrics.ObserveCommit("error")
		return nil, errs.Internal(op, err)
	}

	s.inst = updated
	s.artifacts[activityID] = prepared
	if !ok {
		e.mu.Lock()
		e.running[inst.DefinitionID]--
		if e.running[inst.DefinitionID] <= 0 {
			delete(e.running, inst.DefinitionID)
		}
		e.ended++
		e.mu.Unlock()
		e.publishCounts()
	}
	e.metrics.ObserveCommit("ok")
	e.metrics.ObserveTransition(def.ID, updated.CurrentActivityID)
	e.log.WithFields(logrus.Fields{
		"instance": instanceID,
		"activity": activityID,
		"next":     updated.CurrentActivityID,
		"state":    updated.State,
	}).Info("activity committed")
	return updated.Clone(), nil
}

// UpdateActivity replaces the artifact of an activity the instance already
// passed. The current activity and history do not change, and ended
// instances may still be corrected.
func (e *Engine) UpdateActivity(ctx context.Context, instanceID, activityID string, art *process.Artifact) (*process.Artifact, error) {
	const op = "updateActivity"
	s, err := e.lock(op, instanceID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	previous, ok := s.artifacts[activityID]
	if !ok || !s.inst.Committed(activityID) {
		return nil, errs.NotFound(op, "activity %s was never committed for process instance %s", activityID, instanceID)
	}
	_, act, err := e.activity(op, s.inst, activityID)
	if err != nil {
		return nil, err
	}
	replaced := artifact.Prepare(act, art)
	replaced.ID = previous.ID
	replaced.InstanceID, replaced.ActivityID = s.inst.ID, activityID
	if replaced.CreatedAt.IsZero() {
		replaced.CreatedAt = previous.CreatedAt
	}
	replaced.CommittedAt = e.now().UTC()
	if err := e.validator.Validate(ctx, act, replaced, accumulate(s.committedBefore(activityID))); err != nil {
		return nil, err
	}
	if err := e.store.UpdateArtifact(ctx, replaced); err != nil {
		return nil, errs.Internal(op, err)
	}
	s.artifacts[activityID] = replaced
	e.log.WithFields(logrus.Fields{"instance": instanceID, "activity": activityID}).Info("artifact replaced")
	return replaced.Clone(), nil
}

// NextActivity previews where the instance goes next. A decision resolves
// against the shared information committed so far; every other kind still
// needs its artifact, so the current activity is returned.
func (e *Engine) NextActivity(ctx context.Context, instanceID string) (*process.ActivityDefinition, error) {
	const op = "getNextActivityForProcessInstance"
	s, err := e.lock(op, instanceID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	if !s.inst.Running() {
		return nil, errs.InvalidArgument(op, "process instance %s has ended", instanceID)
	}
	def, act, err := e.activity(op, s.inst, s.inst.CurrentActivityID)
	if err != nil {
		return nil, err
	}
	if act.Kind != process.Decision {
		return cloneActivity(act), nil
	}
	target, ok := resolver.Next(act, resolver.InstanceScope(s.committed(), nil))
	if !ok {
		return nil, errs.NotFound(op, "no path out of decision %s holds for process instance %s", act.ID, instanceID)
	}
	next, ok := def.Activity(target)
	if !ok {
		return nil, errs.NotFound(op, "activity %s cannot be found in process definition %s", target, def.ID)
	}
	return cloneActivity(next), nil
}

// ActivitiesPath lists the activities the instance passed, oldest first,
// followed by the current activity while it is running.
func (e *Engine) ActivitiesPath(ctx context.Context, instanceID string) ([]*process.ActivityDefinition, error) {
	const op = "getProcessInstanceActivitiesPath"
	s, err := e.lock(op, instanceID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	def, err := e.defs.Revision(s.inst.DefinitionID, s.inst.DefinitionRevision)
	if err != nil {
		return nil, err
	}
	ids := append([]string(nil), s.inst.History...)
	if s.inst.Running() {
		ids = append(ids, s.inst.CurrentActivityID)
	}
	out := make([]*process.ActivityDefinition, 0, len(ids))
	for _, id := range ids {
		act, ok := def.Activity(id)
		if !ok {
			return nil, errs.NotFound(op, "activity %s cannot be found in process definition %s", id, def.ID)
		}
		out = append(out, cloneActivity(act))
	}
	return out, nil
}

// Artifact returns the artifact committed for an activity.
func (e *Engine) Artifact(ctx context.Context, instanceID, activityID string) (*process.Artifact, error) {
	const op = "getArtifactForActivity"
	s, err := e.lock(op, instanceID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	art, ok := s.artifacts[activityID]
	if !ok {
		return nil, errs.NotFound(op, "no artifact was committed for activity %s of process instance %s", activityID, instanceID)
	}
	return art.Clone(), nil
}

// Get returns an instance.
func (e *Engine) Get(ctx context.Context, instanceID string) (*process.Instance, error) {
	s, err := e.lock("getProcessInstance", instanceID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()
	return s.inst.Clone(), nil
}

// List returns the instances of a definition, or every instance when
// definitionID is empty, oldest first.
func (e *Engine) List(ctx context.Context, definitionID string) []*process.Instance {
	e.mu.RLock()
	slots := make([]*slot, 0, len(e.slots))
	for _, s := range e.slots {
		slots = append(slots, s)
	}
	e.mu.RUnlock()

	out := make([]*process.Instance, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		if !s.deleted && (definitionID == "" || s.inst.DefinitionID == definitionID) {
			out = append(out, s.inst.Clone())
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Update changes the name and description of an instance.
func (e *Engine) Update(ctx context.Context, instanceID, name, description string) (*process.Instance, error) {
	const op = "updateProcessInstance"
	s, err := e.lock(op, instanceID)
	if err != nil {
		return nil, err
	}
	defer s.mu.Unlock()

	updated := s.inst.Clone()
	updated.Name = strings.TrimSpace(name)
	updated.Description = description
	updated.UpdatedAt = e.now().UTC()
	if err := e.store.UpdateInstance(ctx, updated); err != nil {
		return nil, errs.Internal(op, err)
	}
	s.inst = updated
	return updated.Clone(), nil
}

// Delete removes an ended instance and its artifacts. Running instances
// cannot be deleted.
func (e *Engine) Delete(ctx context.Context, instanceID string) error {
	const op = "deleteProcessInstance"
	s, err := e.lock(op, instanceID)
	if err != nil {
		return err
	}
	defer s.mu.Unlock()

	if s.inst.Running() {
		return errs.NotPermitted(op, "process instance %s is still running", instanceID)
	}
	if err := e.store.DeleteInstance(ctx, instanceID); err != nil {
		return errs.Internal(op, err)
	}
	s.deleted = true
	e.mu.Lock()
	delete(e.slots, instanceID)
	e.ended--
	e.mu.Unlock()
	e.publishCounts()
	e.log.WithFields(logrus.Fields{"instance": instanceID}).Info("process instance deleted")
	return nil
}

// lock returns the locked slot of an instance.
func (e *Engine) lock(op, instanceID string) (*slot, error) {
	e.mu.RLock()
	s, ok := e.slots[instanceID]
	e.mu.RUnlock()
	if ok {
		s.mu.Lock()
		if !s.deleted {
			return s, nil
		}
		s.mu.Unlock()
	}
	return nil, errs.NotFound(op, "process instance %s cannot be found", instanceID)
}

// activity resolves an activity against the revision the instance is pinned
// to.
func (e *Engine) activity(op string, inst *process.Instance, activityID string) (*process.Definition, *process.ActivityDefinition, error) {
	def, err := e.defs.Revision(inst.DefinitionID, inst.DefinitionRevision)
	if err != nil {
		return nil, nil, err
	}
	act, ok := def.Activity(activityID)
	if !ok {
		return nil, nil, errs.NotFound(op, "activity %s cannot be found in process definition %s", activityID, def.ID)
	}
	return def, act, nil
}

// Counts reports how many instances are running and how many have ended.
func (e *Engine) Counts() (running, ended int) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, n := range e.running {
		running += n
	}
	return running, e.ended
}

func (e *Engine) publishCounts() {
	e.metrics.SetInstances(e.Counts())
}

// committed lists the artifacts of the instance in the order their
// activities were last passed.
func (s *slot) committed() []*process.Artifact {
	return s.committedUntil(len(s.inst.History))
}

// committedBefore lists the artifacts committed before the last pass through
// activityID.
func (s *slot) committedBefore(activityID string) []*process.Artifact {
	end := len(s.inst.History)
	for i := len(s.inst.History) - 1; i >= 0; i-- {
		if s.inst.History[i] == activityID {
			end = i
			break
		}
	}
	return s.committedUntil(end)
}

func (s *slot) committedUntil(end int) []*process.Artifact {
	history := s.inst.History[:end]
	last := make(map[string]int, len(history))
	for i, id := range history {
		last[id] = i
	}
	out := make([]*process.Artifact, 0, len(last))
	for i, id := range history {
		if last[id] != i {
			continue
		}
		if art, ok := s.artifacts[id]; ok {
			out = append(out, art)
		}
	}
	return out
}

func accumulate(arts []*process.Artifact) map[string]string {
	out := make(map[string]string)
	for _, art := range arts {
		for key, value := range art.SharedMap() {
			out[key] = value
		}
	}
	return out
}

func cloneActivity(act *process.ActivityDefinition) *process.ActivityDefinition {
	clone := act.Clone()
	return &clone
}
