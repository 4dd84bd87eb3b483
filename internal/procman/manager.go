// Package procman is the process manager façade. Every operation is checked
// by the authorizer first, then delegated to the model store or the engine.
// Failures always leave as *errs.Error so the REST layer can map them.
package procman

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kingrea/procman/internal/auth"
	"github.com/kingrea/procman/internal/errs"
	"github.com/kingrea/procman/internal/i18n"
	"github.com/kingrea/procman/internal/logging"
	"github.com/kingrea/procman/internal/metrics"
	"github.com/kingrea/procman/internal/process"
	"github.com/kingrea/procman/internal/process/engine"
	"github.com/kingrea/procman/internal/process/modelstore"
)

// Operation names as the session service knows them.
const (
	OpCreateProcessDefinition           = "createProcessDefinition"
	OpUpdateProcessDefinition           = "updateProcessDefinition"
	OpDeleteProcessDefinition           = "deleteProcessDefinition"
	OpReloadProcessDefinitions          = "reloadProcessDefinitions"
	OpGetProcessDefinition              = "getProcessDefinition"
	OpGetProcessDefinitions             = "getProcessDefinitions"
	OpGetActivityDefinition             = "getActivityDefinition"
	OpGetArtifactDefinitionForActivity  = "getArtifactDefinitionForActivity"
	OpCreateProcessInstance             = "createProcessInstance"
	OpUpdateProcessInstance             = "updateProcessInstance"
	OpDeleteProcessInstance             = "deleteProcessInstance"
	OpGetProcessInstance                = "getProcessInstance"
	OpGetProcessInstances               = "getProcessInstances"
	OpCommitActivity                    = "commitActivity"
	OpUpdateActivity                    = "updateActivity"
	OpGetArtifactForActivity            = "getArtifactForActivity"
	OpGetNextActivityForProcessInstance = "getNextActivityForProcessInstance"
	OpGetProcessInstanceActivitiesPath  = "getProcessInstanceActivitiesPath"
)

// Manager exposes process definitions and instances to callers.
type Manager struct {
	models     *modelstore.Store
	engine     *engine.Engine
	authorizer auth.Authorizer
	translator *i18n.Translator
	log        logrus.FieldLogger
	metrics    *metrics.Metrics
	closer     func() error
}

// Option customizes a Manager.
type Option func(*Manager)

// WithAuthorizer sets the session check. The default allows everything.
func WithAuthorizer(a auth.Authorizer) Option {
	return func(m *Manager) { m.authorizer = a }
}

// WithTranslator sets the translator used for logged error text.
func WithTranslator(t *i18n.Translator) Option {
	return func(m *Manager) { m.translator = t }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(m *Manager) { m.log = logging.OrDiscard(log) }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mx *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mx }
}

// New builds a manager over an already wired model store and engine.
func New(models *modelstore.Store, eng *engine.Engine, opts ...Option) *Manager {
	m := &Manager{
		models:     models,
		engine:     eng,
		authorizer: auth.AllowAll{},
		translator: i18n.New(i18n.DefaultLocale),
		log:        logging.Discard(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Close releases the storage backend when the manager opened it.
func (m *Manager) Close() error {
	if m.closer == nil {
		return nil
	}
	return m.closer()
}

// Metrics returns the metrics sink, possibly nil.
func (m *Manager) Metrics() *metrics.Metrics {
	return m.metrics
}

// Stats summarizes what the manager holds.
type Stats struct {
	Definitions      int    `json:"definitions"`
	RunningInstances int    `json:"running_instances"`
	EndedInstances   int    `json:"ended_instances"`
	SnapshotSerial   uint64 `json:"snapshot_serial"`
}

// Stats reports current counts. It is not gated by the authorizer.
func (m *Manager) Stats() Stats {
	snap := m.models.Current()
	running, ended := m.engine.Counts()
	return Stats{
		Definitions:      snap.Len(),
		RunningInstances: running,
		EndedInstances:   ended,
		SnapshotSerial:   snap.Serial,
	}
}

// Explain renders err in the configured language.
func (m *Manager) Explain(err error) string {
	return m.translator.Message(err)
}

func call[T any](ctx context.Context, m *Manager, op string, session auth.Session, fn func() (T, error)) (T, error) {
	start := time.Now()
	var zero T
	result, err := zero, m.authorizer.Validate(ctx, op, session)
	if err == nil {
		result, err = fn()
	}
	if err != nil {
		err = m.classify(op, err)
		result = zero
	}
	m.observe(op, err, time.Since(start))
	return result, err
}

func do(ctx context.Context, m *Manager, op string, session auth.Session, fn func() error) error {
	_, err := call(ctx, m, op, session, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// classify makes sure err carries a kind.
func (m *Manager) classify(op string, err error) error {
	if _, ok := err.(*errs.Error); ok {
		return err
	}
	kind := errs.KindOf(err)
	if kind == errs.KindInternal {
		return errs.Internal(op, err)
	}
	return errs.Wrap(kind, op, err, m.translator.Kind(kind))
}

func (m *Manager) observe(op string, err error, d time.Duration) {
	kind := errs.KindOf(err)
	m.metrics.ObserveOperation(op, string(kind), d)
	if err == nil {
		m.log.WithFields(logrus.Fields{"operation": op, "duration": d}).Debug("operation completed")
		return
	}
	entry := m.log.WithFields(logrus.Fields{
		"operation": op,
		"kind":      kind,
		"message":   m.translator.Message(err),
	})
	if kind == errs.KindInternal {
		entry.WithError(err).Error("operation failed")
		return
	}
	entry.Warn("operation rejected")
}

// CreateProcessDefinition stores a new definition and returns its id.
func (m *Manager) CreateProcessDefinition(ctx context.Context, session auth.Session, name, description, version string, enabled bool, structure []byte) (string, error) {
	return call(ctx, m, OpCreateProcessDefinition, session, func() (string, error) {
		def, err := m.models.Create(ctx, name, description, version, enabled, structure)
		if err != nil {
			return "", err
		}
		return def.ID, nil
	})
}

// UpdateProcessDefinition changes properties and optionally the structure.
func (m *Manager) UpdateProcessDefinition(ctx context.Context, session auth.Session, id string, properties map[string]string, structure []byte) error {
	return do(ctx, m, OpUpdateProcessDefinition, session, func() error {
		_, err := m.models.Update(ctx, id, properties, structure)
		return err
	})
}

// DeleteProcessDefinition removes a definition with no running instances.
func (m *Manager) DeleteProcessDefinition(ctx context.Context, session auth.Session, id string) error {
	return do(ctx, m, OpDeleteProcessDefinition, session, func() error {
		return m.models.Delete(ctx, id)
	})
}

// ReloadProcessDefinitions re-reads every stored definition.
func (m *Manager) ReloadProcessDefinitions(ctx context.Context, session auth.Session) error {
	return do(ctx, m, OpReloadProcessDefinitions, session, func() error {
		return m.models.Reload(ctx)
	})
}

// GetProcessDefinition returns the latest revision of a definition.
func (m *Manager) GetProcessDefinition(ctx context.Context, session auth.Session, id string) (*process.Definition, error) {
	return call(ctx, m, OpGetProcessDefinition, session, func() (*process.Definition, error) {
		def, err := m.models.Get(id)
		if err != nil {
			return nil, err
		}
		return def.Clone(), nil
	})
}

// GetProcessDefinitions lists every definition.
func (m *Manager) GetProcessDefinitions(ctx context.Context, session auth.Session) ([]*process.Definition, error) {
	return call(ctx, m, OpGetProcessDefinitions, session, func() ([]*process.Definition, error) {
		defs := m.models.List()
		out := make([]*process.Definition, len(defs))
		for i, def := range defs {
			out[i] = def.Clone()
		}
		return out, nil
	})
}

// GetActivityDefinition returns an activity of a definition.
func (m *Manager) GetActivityDefinition(ctx context.Context, session auth.Session, definitionID, activityID string) (*process.ActivityDefinition, error) {
	return call(ctx, m, OpGetActivityDefinition, session, func() (*process.ActivityDefinition, error) {
		act, err := m.models.Activity(definitionID, activityID)
		if err != nil {
			return nil, err
		}
		clone := act.Clone()
		return &clone, nil
	})
}

// GetArtifactDefinitionForActivity returns the artifact definition of an
// activity.
func (m *Manager) GetArtifactDefinitionForActivity(ctx context.Context, session auth.Session, definitionID, activityID string) (*process.ArtifactDefinition, error) {
	return call(ctx, m, OpGetArtifactDefinitionForActivity, session, func() (*process.ArtifactDefinition, error) {
		art, err := m.models.ArtifactDefinitionForActivity(definitionID, activityID)
		if err != nil {
			return nil, err
		}
		clone := *art
		clone.Parameters = append([]process.Parameter(nil), art.Parameters...)
		return &clone, nil
	})
}

// CreateProcessInstance starts an instance and returns its id.
func (m *Manager) CreateProcessInstance(ctx context.Context, session auth.Session, definitionID, name, description string) (string, error) {
	return call(ctx, m, OpCreateProcessInstance, session, func() (string, error) {
		inst, err := m.engine.Create(ctx, definitionID, name, description)
		if err != nil {
			return "", err
		}
		return inst.ID, nil
	})
}

// UpdateProcessInstance renames an instance.
func (m *Manager) UpdateProcessInstance(ctx context.Context, session auth.Session, id, name, description string) error {
	return do(ctx, m, OpUpdateProcessInstance, session, func() error {
		_, err := m.engine.Update(ctx, id, name, description)
		return err
	})
}

// DeleteProcessInstance removes an ended instance.
func (m *Manager) DeleteProcessInstance(ctx context.Context, session auth.Session, id string) error {
	return do(ctx, m, OpDeleteProcessInstance, session, func() error {
		return m.engine.Delete(ctx, id)
	})
}

// GetProcessInstance returns an instance.
func (m *Manager) GetProcessInstance(ctx context.Context, session auth.Session, id string) (*process.Instance, error) {
	return call(ctx, m, OpGetProcessInstance, session, func() (*process.Instance, error) {
		return m.engine.Get(ctx, id)
	})
}

// GetProcessInstances lists the instances of a definition. The definition
// must exist.
func (m *Manager) GetProcessInstances(ctx context.Context, session auth.Session, definitionID string) ([]*process.Instance, error) {
	return call(ctx, m, OpGetProcessInstances, session, func() ([]*process.Instance, error) {
		if _, err := m.models.Get(definitionID); err != nil {
			return nil, err
		}
		return m.engine.List(ctx, definitionID), nil
	})
}

// CommitActivity completes the current activity of an instance.
func (m *Manager) CommitActivity(ctx context.Context, session auth.Session, instanceID, activityID string, art *process.Artifact) error {
	return do(ctx, m, OpCommitActivity, session, func() error {
		_, err := m.engine.CommitActivity(ctx, instanceID, activityID, art)
		return err
	})
}

// UpdateActivity replaces the artifact of an activity already passed.
func (m *Manager) UpdateActivity(ctx context.Context, session auth.Session, instanceID, activityID string, art *process.Artifact) error {
	return do(ctx, m, OpUpdateActivity, session, func() error {
		_, err := m.engine.UpdateActivity(ctx, instanceID, activityID, art)
		return err
	})
}

// GetArtifactForActivity returns the artifact committed for an activity.
func (m *Manager) GetArtifactForActivity(ctx context.Context, session auth.Session, instanceID, activityID string) (*process.Artifact, error) {
	return call(ctx, m, OpGetArtifactForActivity, session, func() (*process.Artifact, error) {
		return m.engine.Artifact(ctx, instanceID, activityID)
	})
}

// GetNextActivityForProcessInstance previews the next activity.
func (m *Manager) GetNextActivityForProcessInstance(ctx context.Context, session auth.Session, instanceID string) (*process.ActivityDefinition, error) {
	return call(ctx, m, OpGetNextActivityForProcessInstance, session, func() (*process.ActivityDefinition, error) {
		return m.engine.NextActivity(ctx, instanceID)
	})
}

// GetProcessInstanceActivitiesPath lists the activities an instance passed.
func (m *Manager) GetProcessInstanceActivitiesPath(ctx context.Context, session auth.Session, instanceID string) ([]*process.ActivityDefinition, error) {
	return call(ctx, m, OpGetProcessInstanceActivitiesPath, session, func() ([]*process.ActivityDefinition, error) {
		return m.engine.ActivitiesPath(ctx, instanceID)
	})
}
