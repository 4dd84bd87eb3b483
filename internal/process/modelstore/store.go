// Package modelstore keeps process definitions and publishes them as
// immutable, versioned snapshots. Reads load the current snapshot without
// locking; writers serialize on a mutex and swap in a new snapshot once the
// change is durable.
package modelstore

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kingrea/procman/internal/errs"
	"github.com/kingrea/procman/internal/logging"
	"github.com/kingrea/procman/internal/metrics"
	"github.com/kingrea/procman/internal/process"
	"github.com/kingrea/procman/internal/storage"
)

// Updatable definition properties.
const (
	PropName        = "name"
	PropDescription = "description"
	PropVersion     = "version"
	PropEnabled     = "enabled"
)

// InstanceIndex reports how many running instances reference a definition.
type InstanceIndex interface {
	RunningInstances(definitionID string) int
}

// Store is the process model store.
type Store struct {
	backend storage.DefinitionStore
	index   InstanceIndex
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	now     func() time.Time
	newID   func() string

	current atomic.Pointer[Snapshot]
	// writeMu serializes writers. uses holds one lock per definition so Use
	// keeps that definition alive against a concurrent Delete without
	// stalling callers of other definitions.
	writeMu sync.Mutex
	usesMu  sync.Mutex
	uses    map[string]*sync.RWMutex
}

// Option customizes a Store during construction.
type Option func(*Store)

// WithInstanceIndex wires the running-instance check used by Delete.
func WithInstanceIndex(index InstanceIndex) Option {
	return func(s *Store) { s.index = index }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(s *Store) { s.log = logging.OrDiscard(log) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the clock used for creation timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Store) { s.now = clock }
}

// WithIDGenerator overrides how definition ids are minted.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.newID = gen }
}

// New builds an empty store over backend. Call Reload to read what the
// backend already holds.
func New(backend storage.DefinitionStore, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		log:     logging.Discard(),
		now:     time.Now,
		newID:   uuid.NewString,
		uses:    make(map[string]*sync.RWMutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.current.Store(emptySnapshot())
	return s
}

// SetInstanceIndex wires the running-instance check after construction, for
// when the index itself depends on the store.
func (s *Store) SetInstanceIndex(index InstanceIndex) {
	s.writeMu.Lock()
	s.index = index
	s.writeMu.Unlock()
}

// Current returns the published snapshot.
func (s *Store) Current() *Snapshot {
	return s.current.Load()
}

// Get returns the latest revision of a definition.
func (s *Store) Get(id string) (*process.Definition, error) {
	def, ok := s.Current().Definition(id)
	if !ok {
		return nil, errs.NotFound("getProcessDefinition", "process definition %s cannot be found", id)
	}
	return def, nil
}

// Revision returns a pinned revision of a definition.
func (s *Store) Revision(id string, revision int) (*process.Definition, error) {
	def, ok := s.Current().Revision(id, revision)
	if !ok {
		return nil, errs.NotFound("getProcessDefinition", "revision %d of process definition %s cannot be found", revision, id)
	}
	return def, nil
}

// List returns the latest revision of every definition.
func (s *Store) List() []*process.Definition {
	return s.Current().Definitions()
}

// Activity returns an activity of the latest revision of a definition.
func (s *Store) Activity(definitionID, activityID string) (*process.ActivityDefinition, error) {
	def, err := s.Get(definitionID)
	if err != nil {
		return nil, err
	}
	act, ok := def.Activity(activityID)
	if !ok {
		return nil, errs.NotFound("getActivityDefinition", "activity %s cannot be found in process definition %s", activityID, definitionID)
	}
	return act, nil
}

// ArtifactDefinitionForActivity returns the artifact definition attached to
// an activity.
func (s *Store) ArtifactDefinitionForActivity(definitionID, activityID string) (*process.ArtifactDefinition, error) {
	act, err := s.Activity(definitionID, activityID)
	if err != nil {
		return nil, err
	}
	if act.Artifact == nil {
		return nil, errs.NotFound("getArtifactDefinitionForActivity", "activity %s has no artifact definition", activityID)
	}
	return act.Artifact, nil
}

// Use runs fn with the latest revision of id while keeping Delete from
// removing the definition.
func (s *Store) Use(id string, fn func(*process.Definition) error) error {
	lock := s.useLock(id)
	if lock == nil {
		_, err := s.Get(id)
		return err
	}
	lock.RLock()
	defer lock.RUnlock()
	def, err := s.Get(id)
	if err != nil {
		return err
	}
	return fn(def)
}

// Create stores a new definition. The supplied properties replace those in
// the structure document's header.
func (s *Store) Create(ctx context.Context, name, description, version string, enabled bool, structure []byte) (*process.Definition, error) {
	const op = "createProcessDefinition"
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errs.InvalidArgument(op, "the process definition name cannot be empty")
	}
	if !process.ValidVersion(version) {
		return nil, errs.InvalidArgument(op, "version %q must be three dot-separated numbers", version)
	}
	def, err := process.ParseDefinition(structure)
	if err != nil {
		return nil, err
	}
	def.Name, def.Description, def.Version, def.Enabled = name, description, version, enabled
	def.CreatedAt = s.now().UTC().Truncate(time.Second)
	return s.insert(ctx, op, def)
}

// Import stores a new definition using the properties in the document header.
func (s *Store) Import(ctx context.Context, structure []byte) (*process.Definition, error) {
	const op = "createProcessDefinition"
	def, err := process.ParseDefinition(structure)
	if err != nil {
		return nil, err
	}
	if def.Name == "" {
		return nil, errs.InvalidArgument(op, "the process definition name cannot be empty")
	}
	if def.Version == "" {
		def.Version = "1.0.0"
	}
	if def.CreatedAt.IsZero() {
		def.CreatedAt = s.now().UTC().Truncate(time.Second)
	}
	return s.insert(ctx, op, def)
}

func (s *Store) insert(ctx context.Context, op string, def *process.Definition) (*process.Definition, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	def.ID = s.newID()
	def.Revision = 1
	stored, err := s.persist(ctx, op, def)
	if err != nil {
		return nil, err
	}
	s.publish(s.Current().with(stored))
	s.log.WithFields(logrus.Fields{"definition": stored.ID, "name": stored.Name}).Info("process definition created")
	return stored, nil
}

// Update changes properties and, when structure is not empty, replaces the
// structure document. Accepted changes become a new revision; a rejected
// structure leaves the current revision in place.
func (s *Store) Update(ctx context.Context, id string, properties map[string]string, structure []byte) (*process.Definition, error) {
	const op = "updateProcessDefinition"
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	current, ok := s.Current().Definition(id)
	if !ok {
		return nil, errs.NotFound(op, "process definition %s cannot be found", id)
	}
	if len(properties) == 0 && len(structure) == 0 {
		return current, nil
	}
	var next *process.Definition
	if len(structure) > 0 {
		parsed, err := process.ParseDefinition(structure)
		if err != nil {
			s.log.WithFields(logrus.Fields{"definition": id}).WithError(err).Warn("rejected process structure")
			return nil, err
		}
		next = parsed
		next.Name, next.Description, next.Version, next.Enabled = current.Name, current.Description, current.Version, current.Enabled
	} else {
		next = current.Clone()
	}
	next.CreatedAt = current.CreatedAt
	if err := applyProperties(op, next, properties); err != nil {
		return nil, err
	}
	next.ID = id
	next.Revision = current.Revision + 1
	stored, err := s.persist(ctx, op, next)
	if err != nil {
		return nil, err
	}
	s.publish(s.Current().with(stored))
	s.log.WithFields(logrus.Fields{"definition": id, "revision": stored.Revision}).Info("process definition updated")
	return stored, nil
}

func applyProperties(op string, def *process.Definition, properties map[string]string) error {
	keys := make([]string, 0, len(properties))
	for key := range properties {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := properties[key]
		switch key {
		case PropName:
			if strings.TrimSpace(value) == "" {
				return errs.InvalidArgument(op, "the process definition name cannot be empty")
			}
			def.Name = strings.TrimSpace(value)
		case PropDescription:
			def.Description = value
		case PropVersion:
			if !process.ValidVersion(value) {
				return errs.InvalidArgument(op, "version %q must be three dot-separated numbers", value)
			}
			def.Version = value
		case PropEnabled:
			enabled, err := strconv.ParseBool(value)
			if err != nil {
				return errs.InvalidArgument(op, "enabled must be true or false, got %q", value)
			}
			def.Enabled = enabled
		default:
			return errs.InvalidArgument(op, "unknown process definition property %q", key)
		}
	}
	return nil
}

// persist renders def canonically, writes it as a new revision and returns
// the definition parsed back from what was written.
func (s *Store) persist(ctx context.Context, op string, def *process.Definition) (*process.Definition, error) {
	structure, err := process.MarshalDefinition(def)
	if err != nil {
		return nil, errs.Internal(op, err)
	}
	stored, err := process.ParseDefinition(structure)
	if err != nil {
		return nil, errs.Internal(op, fmt.Errorf("modelstore: canonical structure does not parse: %w", err))
	}
	stored.ID, stored.Revision = def.ID, def.Revision
	rec := storage.DefinitionRecord{ID: def.ID, Revision: def.Revision, Structure: structure}
	if err := s.backend.SaveDefinition(ctx, rec); err != nil {
		return nil, errs.Internal(op, err)
	}
	return stored, nil
}

// Delete removes every revision of a definition. It fails when a running
// instance still references the definition.
func (s *Store) Delete(ctx context.Context, id string) error {
	const op = "deleteProcessDefinition"
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	lock := s.useLock(id)
	if lock == nil {
		return errs.NotFound(op, "process definition %s cannot be found", id)
	}
	lock.Lock()
	defer lock.Unlock()

	if s.index != nil {
		if running := s.index.RunningInstances(id); running > 0 {
			return errs.NotPermitted(op, "process definition %s has %d running instances", id, running)
		}
	}
	if err := s.backend.DeleteDefinition(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return errs.Internal(op, err)
	}
	s.publish(s.Current().without(id))
	s.usesMu.Lock()
	delete(s.uses, id)
	s.usesMu.Unlock()
	s.log.WithFields(logrus.Fields{"definition": id}).Info("process definition deleted")
	return nil
}

// useLock returns the lock guarding id, or nil when id is not in the current
// snapshot. A caller still waiting on the lock of a deleted definition finds
// it gone once it gets through.
func (s *Store) useLock(id string) *sync.RWMutex {
	s.usesMu.Lock()
	defer s.usesMu.Unlock()
	if _, ok := s.Current().Definition(id); !ok {
		return nil
	}
	lock, ok := s.uses[id]
	if !ok {
		lock = &sync.RWMutex{}
		s.uses[id] = lock
	}
	return lock
}

// Reload re-reads every stored revision and parses them concurrently. The new
// snapshot is published only if every revision parses; otherwise the current
// snapshot stays and the first failure is returned.
func (s *Store) Reload(ctx context.Context) (err error) {
	const op = "reloadProcessDefinitions"
	start := time.Now()
	defer func() { s.metrics.ObserveReload(err, time.Since(start)) }()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	records, err := s.backend.DefinitionRevisions(ctx)
	if err != nil {
		return errs.Internal(op, err)
	}
	parsed := make([]*process.Definition, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, rec := range records {
		i, rec := i, rec
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			def, err := process.ParseDefinition(rec.Structure)
			if err != nil {
				return fmt.Errorf("modelstore: definition %s revision %d: %w", rec.ID, rec.Revision, err)
			}
			def.ID, def.Revision = rec.ID, rec.Revision
			parsed[i] = def
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		s.log.WithError(err).Error("reload rejected, keeping the current process definitions")
		return err
	}

	next := &Snapshot{Serial: s.Current().Serial + 1, entries: make(map[string]*entry)}
	for _, def := range parsed {
		e := next.entries[def.ID]
		if e == nil {
			e = &entry{revisions: map[int]*process.Definition{}}
			next.entries[def.ID] = e
		}
		e.revisions[def.Revision] = def
		if def.Revision > e.latest {
			e.latest = def.Revision
		}
	}
	s.publish(next)
	s.log.WithFields(logrus.Fields{"definitions": next.Len(), "revisions": len(parsed)}).Info("process definitions reloaded")
	return nil
}

func (s *Store) publish(next *Snapshot) {
	s.current.Store(next)
	s.metrics.SetDefinitions(next.Len())
}
