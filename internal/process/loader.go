package process

import (
	"bytes"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kingrea/procman/internal/errs"
	"github.com/kingrea/procman/internal/expr"
)

const parseOp = "parseProcessDefinition"

var versionPattern = regexp.MustCompile(`^[0-9]+\.[0-9]+\.[0-9]+$`)

// ValidVersion reports whether v is three dot-separated numbers.
func ValidVersion(v string) bool {
	return versionPattern.MatchString(v)
}

// structureDoc is the on-disk layout of a process structure document.
type structureDoc struct {
	Process    processHeader        `yaml:"process"`
	Actors     []Actor              `yaml:"actors,omitempty"`
	Activities []ActivityDefinition `yaml:"activities"`
	Diagram    map[string]any       `yaml:"diagram,omitempty"`
}

type processHeader struct {
	Name            string      `yaml:"name"`
	Description     string      `yaml:"description,omitempty"`
	Version         string      `yaml:"version,omitempty"`
	Enabled         bool        `yaml:"enabled"`
	CreationDate    string      `yaml:"creationDate,omitempty"`
	StartActivityID string      `yaml:"startActivityId"`
	Kpis            []Kpi       `yaml:"kpis,omitempty"`
	KpiActions      []KpiAction `yaml:"kpiActions,omitempty"`
}

// ParseDefinition decodes and validates a structure document. The result has
// no ID or Revision; those belong to the model store.
func ParseDefinition(data []byte) (*Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errs.Malformed(parseOp, "the structure document is empty")
	}
	var doc structureDoc
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, errs.Wrap(errs.KindMalformedDefinition, parseOp, err, "the structure document could not be decoded")
	}
	def, err := buildDefinition(doc)
	if err != nil {
		return nil, err
	}
	def.Structure = append([]byte(nil), data...)
	return def, nil
}

// MarshalDefinition renders d as a canonical structure document.
func MarshalDefinition(d *Definition) ([]byte, error) {
	if d == nil {
		return nil, fmt.Errorf("process: marshal nil definition")
	}
	doc := structureDoc{
		Process: processHeader{
			Name:            d.Name,
			Description:     d.Description,
			Version:         d.Version,
			Enabled:         d.Enabled,
			StartActivityID: d.StartActivityID,
			Kpis:            d.Kpis,
			KpiActions:      d.KpiActions,
		},
		Actors:     d.Actors,
		Activities: d.Activities,
		Diagram:    d.Diagram,
	}
	if !d.CreatedAt.IsZero() {
		doc.Process.CreationDate = d.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("process: encode definition: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("process: encode definition: %w", err)
	}
	return buf.Bytes(), nil
}

// LoadDefinitionFile parses the structure document stored at path.
func LoadDefinitionFile(path string) (*Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("process: read %s: %w", path, err)
	}
	def, err := ParseDefinition(content)
	if err != nil {
		return nil, fmt.Errorf("process: %s: %w", path, err)
	}
	return def, nil
}

// DefinitionFiles lists the YAML structure documents in dir, sorted by name.
// A missing directory yields no files.
func DefinitionFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("process: read %s: %w", dir, err)
	}
	var files []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml":
			files = append(files, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

func buildDefinition(doc structureDoc) (*Definition, error) {
	header := doc.Process
	def := &Definition{
		Name:            strings.TrimSpace(header.Name),
		Description:     header.Description,
		Version:         strings.TrimSpace(header.Version),
		Enabled:         header.Enabled,
		StartActivityID: strings.TrimSpace(header.StartActivityID),
		Diagram:         doc.Diagram,
	}
	if def.Version != "" && !ValidVersion(def.Version) {
		return nil, errs.Malformed(parseOp, "version %q must be three dot-separated numbers", def.Version)
	}
	if header.CreationDate != "" {
		created, err := time.Parse(time.RFC3339Nano, header.CreationDate)
		if err != nil {
			return nil, errs.Wrap(errs.KindMalformedDefinition, parseOp, err, "creation date %q is not a timestamp", header.CreationDate)
		}
		def.CreatedAt = created.UTC()
	}
	if len(doc.Activities) == 0 {
		return nil, errs.Malformed(parseOp, "at least one activity is required")
	}

	kpis, actions, err := buildKpis("process", header.Kpis, header.KpiActions, nil)
	if err != nil {
		return nil, err
	}
	def.Kpis, def.KpiActions = kpis, actions

	actors, err := buildActors(doc.Actors)
	if err != nil {
		return nil, err
	}
	def.Actors = actors
	activities, err := buildActivities(doc.Activities, def.KpiActions)
	if err != nil {
		return nil, err
	}
	def.Activities = activities
	def.reindex()

	if def.StartActivityID == "" {
		return nil, errs.Malformed(parseOp, "startActivityId is required")
	}
	if _, ok := def.Activity(def.StartActivityID); !ok {
		return nil, errs.Malformed(parseOp, "start activity %q is not declared", def.StartActivityID)
	}
	for _, act := range def.Activities {
		if act.ActorID != "" {
			if _, ok := def.Actor(act.ActorID); !ok {
				return nil, errs.Malformed(parseOp, "activity %q references unknown actor %q", act.ID, act.ActorID)
			}
		}
		for _, path := range act.Paths {
			if _, ok := def.Activity(path.Target); !ok {
				return nil, errs.Malformed(parseOp, "activity %q has a path to unknown activity %q", act.ID, path.Target)
			}
		}
	}
	return def, nil
}

func buildActors(raw []Actor) ([]Actor, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	seen := make(map[string]struct{}, len(raw))
	out := make([]Actor, 0, len(raw))
	for i, actor := range raw {
		actor.ID = strings.TrimSpace(actor.ID)
		if actor.ID == "" {
			return nil, errs.Malformed(parseOp, "actor #%d is missing an id", i+1)
		}
		if _, dup := seen[actor.ID]; dup {
			return nil, errs.Malformed(parseOp, "actor %q is declared more than once", actor.ID)
		}
		seen[actor.ID] = struct{}{}
		if actor.Kind == "" {
			actor.Kind = ActorUser
		}
		if !actor.Kind.valid() {
			return nil, errs.Malformed(parseOp, "actor %q has unknown kind %q", actor.ID, actor.Kind)
		}
		out = append(out, actor)
	}
	return out, nil
}

func buildActivities(raw []ActivityDefinition, processActions []KpiAction) ([]ActivityDefinition, error) {
	seen := make(map[string]struct{}, len(raw))
	artifactIDs := make(map[string]string)
	out := make([]ActivityDefinition, 0, len(raw))
	for i, act := range raw {
		act = act.Clone()
		act.ID = strings.TrimSpace(act.ID)
		act.ActorID = strings.TrimSpace(act.ActorID)
		if act.ID == "" {
			return nil, errs.Malformed(parseOp, "activity #%d is missing an id", i+1)
		}
		if _, dup := seen[act.ID]; dup {
			return nil, errs.Malformed(parseOp, "activity %q is declared more than once", act.ID)
		}
		seen[act.ID] = struct{}{}
		if act.Kind == "" {
			act.Kind = UserTask
		}
		if !act.Kind.valid() {
			return nil, errs.Malformed(parseOp, "activity %q has unknown kind %q", act.ID, act.Kind)
		}
		paths, err := buildPaths(act.ID, act.Paths)
		if err != nil {
			return nil, err
		}
		act.Paths = paths
		if act.Artifact != nil {
			if err := checkArtifactDefinition(act.ID, act.Artifact); err != nil {
				return nil, err
			}
			if owner, dup := artifactIDs[act.Artifact.ID]; dup {
				return nil, errs.Malformed(parseOp, "artifact definition %q is declared by both %q and %q", act.Artifact.ID, owner, act.ID)
			}
			artifactIDs[act.Artifact.ID] = act.ID
		}
		kpis, actions, err := buildKpis(fmt.Sprintf("activity %q", act.ID), act.Kpis, act.KpiActions, processActions)
		if err != nil {
			return nil, err
		}
		act.Kpis, act.KpiActions = kpis, actions
		out = append(out, act)
	}
	return out, nil
}

func buildPaths(activityID string, raw []Path) ([]Path, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	targets := make(map[string]struct{}, len(raw))
	var conditional, fallback []Path
	for _, path := range raw {
		path.Target = strings.TrimSpace(path.Target)
		path.Condition = strings.TrimSpace(path.Condition)
		if path.Target == "" {
			return nil, errs.Malformed(parseOp, "activity %q has a path without a target", activityID)
		}
		if _, dup := targets[path.Target]; dup {
			return nil, errs.Malformed(parseOp, "activity %q declares more than one path to %q", activityID, path.Target)
		}
		targets[path.Target] = struct{}{}
		if path.Default && path.Condition != "" {
			return nil, errs.Malformed(parseOp, "default path from %q to %q cannot carry a condition", activityID, path.Target)
		}
		if path.Condition == "" {
			path.Default = false
			path.compiled = nil
			fallback = append(fallback, path)
			continue
		}
		compiled, err := expr.Parse(path.Condition)
		if err != nil {
			return nil, errs.Wrap(errs.KindMalformedDefinition, parseOp, err, "activity %q has an invalid condition on its path to %q", activityID, path.Target)
		}
		path.compiled = compiled
		conditional = append(conditional, path)
	}
	if len(fallback) > 1 {
		return nil, errs.Malformed(parseOp, "activity %q declares more than one default path", activityID)
	}
	return append(conditional, fallback...), nil
}

func checkArtifactDefinition(activityID string, art *ArtifactDefinition) error {
	art.ID = strings.TrimSpace(art.ID)
	if art.ID == "" {
		return errs.Malformed(parseOp, "the artifact definition of activity %q is missing an id", activityID)
	}
	if art.Kind == "" {
		art.Kind = ArtifactForm
	}
	if !art.Kind.valid() {
		return errs.Malformed(parseOp, "artifact definition %q has unknown kind %q", art.ID, art.Kind)
	}
	names := make(map[string]struct{}, len(art.Parameters))
	for _, p := range art.Parameters {
		if strings.TrimSpace(p.Name) == "" {
			return errs.Malformed(parseOp, "artifact definition %q has a parameter without a name", art.ID)
		}
		if _, dup := names[p.Name]; dup {
			return errs.Malformed(parseOp, "artifact definition %q declares parameter %q more than once", art.ID, p.Name)
		}
		names[p.Name] = struct{}{}
	}
	if raw, ok := art.Param(ParamMaxSize); ok {
		if n, err := strconv.Atoi(raw); err != nil || n < 0 {
			return errs.Malformed(parseOp, "artifact definition %q has an invalid maxSize %q", art.ID, raw)
		}
	}
	return nil
}

// buildKpis checks the KPIs and KPI actions declared by one scope. A KPI
// action reference resolves against the scope's own actions, then against
// inherited ones.
func buildKpis(scope string, kpis []Kpi, actions []KpiAction, inherited []KpiAction) ([]Kpi, []KpiAction, error) {
	known := make(map[string]struct{}, len(actions)+len(inherited))
	for _, action := range inherited {
		known[action.Name] = struct{}{}
	}
	var outActions []KpiAction
	seenActions := make(map[string]struct{}, len(actions))
	for i, action := range actions {
		action.Name = strings.TrimSpace(action.Name)
		if action.Name == "" {
			return nil, nil, errs.Malformed(parseOp, "KPI action #%d of %s is missing a name", i+1, scope)
		}
		if _, dup := seenActions[action.Name]; dup {
			return nil, nil, errs.Malformed(parseOp, "%s declares KPI action %q more than once", scope, action.Name)
		}
		if action.Type < 0 {
			return nil, nil, errs.Malformed(parseOp, "KPI action %q of %s has a negative type", action.Name, scope)
		}
		seenActions[action.Name] = struct{}{}
		known[action.Name] = struct{}{}
		outActions = append(outActions, action)
	}

	var outKpis []Kpi
	seen := make(map[string]struct{}, len(kpis))
	for i, kpi := range kpis {
		kpi.Name = strings.TrimSpace(kpi.Name)
		kpi.Action = strings.TrimSpace(kpi.Action)
		if kpi.Name == "" {
			return nil, nil, errs.Malformed(parseOp, "KPI #%d of %s is missing a name", i+1, scope)
		}
		if _, dup := seen[kpi.Name]; dup {
			return nil, nil, errs.Malformed(parseOp, "%s declares KPI %q more than once", scope, kpi.Name)
		}
		seen[kpi.Name] = struct{}{}
		if kpi.Action != "" {
			if _, ok := known[kpi.Action]; !ok {
				return nil, nil, errs.Malformed(parseOp, "KPI %q of %s references unknown KPI action %q", kpi.Name, scope, kpi.Action)
			}
		}
		thresholds := make(map[string]struct{}, len(kpi.Thresholds))
		kpi.Thresholds = append([]Threshold(nil), kpi.Thresholds...)
		for j, t := range kpi.Thresholds {
			t.Name = strings.TrimSpace(t.Name)
			t.Value = strings.TrimSpace(t.Value)
			if t.Name == "" {
				return nil, nil, errs.Malformed(parseOp, "threshold #%d of KPI %q is missing a name", j+1, kpi.Name)
			}
			if _, dup := thresholds[t.Name]; dup {
				return nil, nil, errs.Malformed(parseOp, "KPI %q declares threshold %q more than once", kpi.Name, t.Name)
			}
			thresholds[t.Name] = struct{}{}
			v, err := strconv.ParseFloat(t.Value, 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, nil, errs.Malformed(parseOp, "threshold %q of KPI %q is not a number: %q", t.Name, kpi.Name, t.Value)
			}
			kpi.Thresholds[j] = t
		}
		outKpis = append(outKpis, kpi)
	}
	return outKpis, outActions, nil
}
