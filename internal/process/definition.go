package process

import (
	"strconv"
	"strings"
	"time"

	"github.com/kingrea/procman/internal/expr"
)

// ActorKind distinguishes who may carry out an activity.
type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorGroup  ActorKind = "group"
	ActorSystem ActorKind = "system"
)

func (k ActorKind) valid() bool {
	switch k {
	case ActorUser, ActorGroup, ActorSystem:
		return true
	}
	return false
}

// ActivityKind tags how an activity is completed.
type ActivityKind string

const (
	// UserTask waits for a person to submit the activity's artifact.
	UserTask ActivityKind = "userTask"
	// AutomaticTask is completed by the system, usually without an artifact.
	AutomaticTask ActivityKind = "automaticTask"
	// Decision routes on the shared information accumulated so far.
	Decision ActivityKind = "decision"
)

func (k ActivityKind) valid() bool {
	switch k {
	case UserTask, AutomaticTask, Decision:
		return true
	}
	return false
}

// ArtifactKind tags the expected payload shape of an artifact.
type ArtifactKind string

const (
	ArtifactForm       ArtifactKind = "form"
	ArtifactDocument   ArtifactKind = "document"
	ArtifactAttachment ArtifactKind = "attachment"
	ArtifactDecision   ArtifactKind = "decision"
)

func (k ArtifactKind) valid() bool {
	switch k {
	case ArtifactForm, ArtifactDocument, ArtifactAttachment, ArtifactDecision:
		return true
	}
	return false
}

// Well-known artifact definition parameters.
const (
	ParamName                 = "name"
	ParamDescription          = "description"
	ParamVersion              = "version"
	ParamContentType          = "contentType"
	ParamRequired             = "required"
	ParamMaxSize              = "maxSize"
	ParamVariable             = "variable"
	ParamPreconditionsScript  = "preconditionsScript"
	ParamPostconditionsScript = "postconditionsScript"
)

// DefaultDecisionVariable is the shared key a decision artifact must carry when
// its definition does not name one.
const DefaultDecisionVariable = "value"

// Definition is a parsed process model. A Definition is immutable once it has
// been handed out by the model store; Revision identifies which accepted
// structure document it was built from.
type Definition struct {
	ID              string
	Revision        int
	Name            string
	Description     string
	Version         string
	Enabled         bool
	CreatedAt       time.Time
	StartActivityID string
	Actors          []Actor
	Activities      []ActivityDefinition
	Kpis            []Kpi
	KpiActions      []KpiAction
	// Diagram is the presentation block of the structure document. It is kept
	// so it survives re-serialization; nothing in the engine reads it.
	Diagram map[string]any
	// Structure is the document the definition was parsed from.
	Structure []byte

	activityIndex map[string]int
	actorIndex    map[string]int
}

// Actor is a participant declared by a definition.
type Actor struct {
	ID   string    `yaml:"id"`
	Name string    `yaml:"name,omitempty"`
	Kind ActorKind `yaml:"kind"`
}

// ActivityDefinition is one step of a process.
type ActivityDefinition struct {
	ID          string              `yaml:"id"`
	Name        string              `yaml:"name,omitempty"`
	Description string              `yaml:"description,omitempty"`
	Kind        ActivityKind        `yaml:"kind"`
	ActorID     string              `yaml:"actorId,omitempty"`
	Confirm     bool                `yaml:"confirm,omitempty"`
	Color       string              `yaml:"color,omitempty"`
	Paths       []Path              `yaml:"paths,omitempty"`
	Artifact    *ArtifactDefinition `yaml:"artifact,omitempty"`
	Kpis        []Kpi               `yaml:"kpis,omitempty"`
	KpiActions  []KpiAction         `yaml:"kpiActions,omitempty"`
}

// Kpi is a performance indicator declared on a process or an activity.
// Action names the KpiAction that measures it.
type Kpi struct {
	Name        string      `yaml:"name"`
	Description string      `yaml:"description,omitempty"`
	Action      string      `yaml:"action,omitempty"`
	Thresholds  []Threshold `yaml:"thresholds,omitempty"`
}

// Threshold is a named numeric level of a Kpi, such as "normal".
type Threshold struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// Threshold returns the numeric value of a named threshold.
func (k Kpi) Threshold(name string) (float64, bool) {
	for _, t := range k.Thresholds {
		if t.Name == name {
			v, err := strconv.ParseFloat(strings.TrimSpace(t.Value), 64)
			return v, err == nil
		}
	}
	return 0, false
}

// KpiAction is a script that evaluates a Kpi. Type is an application-defined
// action category.
type KpiAction struct {
	Type        int    `yaml:"type"`
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
	Script      string `yaml:"script,omitempty"`
}

// Kpi looks a KPI of the activity up by name.
func (a *ActivityDefinition) Kpi(name string) (*Kpi, bool) {
	if a == nil {
		return nil, false
	}
	for i := range a.Kpis {
		if a.Kpis[i].Name == name {
			return &a.Kpis[i], true
		}
	}
	return nil, false
}

// Path is an outgoing transition. A path without a condition is the default
// and is only taken when no conditional path holds.
type Path struct {
	Target    string `yaml:"target"`
	Condition string `yaml:"condition,omitempty"`
	Default   bool   `yaml:"default,omitempty"`

	compiled expr.Expr
}

// IsDefault reports whether the path is the unconditional fallback.
func (p Path) IsDefault() bool {
	return p.Default || p.Condition == ""
}

// Compiled returns the parsed condition, nil for the default path.
func (p Path) Compiled() expr.Expr {
	return p.compiled
}

// WithCondition returns a conditional path to target, compiling cond.
func WithCondition(target, cond string) (Path, error) {
	compiled, err := expr.Parse(cond)
	if err != nil {
		return Path{}, err
	}
	return Path{Target: target, Condition: cond, compiled: compiled}, nil
}

// ArtifactDefinition describes the data an activity expects.
type ArtifactDefinition struct {
	ID         string       `yaml:"id"`
	Kind       ArtifactKind `yaml:"kind"`
	Parameters []Parameter  `yaml:"parameters,omitempty"`
}

// Parameter configures rendering or validation of an artifact kind.
type Parameter struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

// Param returns the value of a named parameter.
func (a *ArtifactDefinition) Param(name string) (string, bool) {
	if a == nil {
		return "", false
	}
	for _, p := range a.Parameters {
		if p.Name == name {
			return p.Value, true
		}
	}
	return "", false
}

// Activity looks an activity up by id.
func (d *Definition) Activity(id string) (*ActivityDefinition, bool) {
	if d == nil {
		return nil, false
	}
	if d.activityIndex == nil {
		d.reindex()
	}
	idx, ok := d.activityIndex[id]
	if !ok {
		return nil, false
	}
	return &d.Activities[idx], true
}

// Actor looks an actor up by id.
func (d *Definition) Actor(id string) (*Actor, bool) {
	if d == nil {
		return nil, false
	}
	if d.actorIndex == nil {
		d.reindex()
	}
	idx, ok := d.actorIndex[id]
	if !ok {
		return nil, false
	}
	return &d.Actors[idx], true
}

// StartActivity returns the declared start activity.
func (d *Definition) StartActivity() (*ActivityDefinition, bool) {
	return d.Activity(d.StartActivityID)
}

// ArtifactDefinitions lists every artifact definition in activity order.
func (d *Definition) ArtifactDefinitions() []*ArtifactDefinition {
	var out []*ArtifactDefinition
	for i := range d.Activities {
		if d.Activities[i].Artifact != nil {
			out = append(out, d.Activities[i].Artifact)
		}
	}
	return out
}

func (d *Definition) reindex() {
	d.activityIndex = make(map[string]int, len(d.Activities))
	for i, act := range d.Activities {
		d.activityIndex[act.ID] = i
	}
	d.actorIndex = make(map[string]int, len(d.Actors))
	for i, actor := range d.Actors {
		d.actorIndex[actor.ID] = i
	}
}

// Clone returns a deep copy that callers may modify freely.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	clone := &Definition{
		ID:              d.ID,
		Revision:        d.Revision,
		Name:            d.Name,
		Description:     d.Description,
		Version:         d.Version,
		Enabled:         d.Enabled,
		CreatedAt:       d.CreatedAt,
		StartActivityID: d.StartActivityID,
		Diagram:         cloneAnyMap(d.Diagram),
	}
	if len(d.Structure) > 0 {
		clone.Structure = append([]byte(nil), d.Structure...)
	}
	if len(d.Actors) > 0 {
		clone.Actors = append([]Actor(nil), d.Actors...)
	}
	clone.Kpis = cloneKpis(d.Kpis)
	if len(d.KpiActions) > 0 {
		clone.KpiActions = append([]KpiAction(nil), d.KpiActions...)
	}
	if len(d.Activities) > 0 {
		clone.Activities = make([]ActivityDefinition, len(d.Activities))
		for i, act := range d.Activities {
			clone.Activities[i] = act.Clone()
		}
	}
	clone.reindex()
	return clone
}

// Clone returns a deep copy of the activity.
func (a ActivityDefinition) Clone() ActivityDefinition {
	clone := a
	if len(a.Paths) > 0 {
		clone.Paths = append([]Path(nil), a.Paths...)
	}
	if a.Artifact != nil {
		art := *a.Artifact
		if len(a.Artifact.Parameters) > 0 {
			art.Parameters = append([]Parameter(nil), a.Artifact.Parameters...)
		}
		clone.Artifact = &art
	}
	clone.Kpis = cloneKpis(a.Kpis)
	if len(a.KpiActions) > 0 {
		clone.KpiActions = append([]KpiAction(nil), a.KpiActions...)
	}
	return clone
}

func cloneKpis(kpis []Kpi) []Kpi {
	if len(kpis) == 0 {
		return nil
	}
	out := make([]Kpi, len(kpis))
	for i, k := range kpis {
		out[i] = k
		if len(k.Thresholds) > 0 {
			out[i].Thresholds = append([]Threshold(nil), k.Thresholds...)
		}
	}
	return out
}

func cloneAnyMap(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = cloneAny(v)
	}
	return out
}

func cloneAny(value any) any {
	switch v := value.(type) {
	case map[string]any:
		return cloneAnyMap(v)
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = cloneAny(item)
		}
		return out
	default:
		return v
	}
}
