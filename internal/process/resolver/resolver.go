package resolver

import (
	"github.com/tidwall/gjson"

	"github.com/kingrea/procman/internal/expr"
	"github.com/kingrea/procman/internal/process"
)

// Evaluation records how one path fared during resolution.
type Evaluation struct {
	Target    string
	Condition string
	Default   bool
	Holds     bool
	Taken     bool
}

// Next returns the target of the first path whose condition holds, falling
// back to the default path. ok is false when the activity is terminal for
// this scope.
func Next(act *process.ActivityDefinition, scope expr.Scope) (string, bool) {
	if act == nil {
		return "", false
	}
	var fallback *process.Path
	for i := range act.Paths {
		path := &act.Paths[i]
		if path.IsDefault() {
			if fallback == nil {
				fallback = path
			}
			continue
		}
		if expr.Holds(path.Compiled(), scope) {
			return path.Target, true
		}
	}
	if fallback != nil {
		return fallback.Target, true
	}
	return "", false
}

// Trace evaluates every path of act and marks the one Next would take.
func Trace(act *process.ActivityDefinition, scope expr.Scope) []Evaluation {
	if act == nil {
		return nil
	}
	target, ok := Next(act, scope)
	out := make([]Evaluation, 0, len(act.Paths))
	for _, path := range act.Paths {
		ev := Evaluation{Target: path.Target, Condition: path.Condition, Default: path.IsDefault()}
		if ev.Default {
			ev.Holds = true
		} else {
			ev.Holds = expr.Holds(path.Compiled(), scope)
		}
		ev.Taken = ok && path.Target == target
		out = append(out, ev)
	}
	return out
}

// ArtifactScope exposes an artifact's shared information, plus `content.*`
// lookups when its content is a JSON document.
func ArtifactScope(art *process.Artifact) expr.Scope {
	if art == nil {
		return expr.Layered{}
	}
	scope := expr.Layered{expr.MapScope(art.SharedMap())}
	if len(art.Content) > 0 && gjson.ValidBytes(art.Content) {
		scope = append(scope, expr.JSONScope(art.Content))
	}
	return scope
}

// InstanceScope folds the shared information of committed artifacts, oldest
// first so later values win, and overlays the submitted artifact if any.
func InstanceScope(committed []*process.Artifact, submitted *process.Artifact) expr.Scope {
	accumulated := make(map[string]string)
	for _, art := range committed {
		for key, value := range art.SharedMap() {
			accumulated[key] = value
		}
	}
	scope := expr.Layered{}
	if submitted != nil {
		scope = append(scope, ArtifactScope(submitted))
	}
	scope = append(scope, expr.MapScope(accumulated))
	for i := len(committed) - 1; i >= 0; i-- {
		if content := committed[i].Content; len(content) > 0 && gjson.ValidBytes(content) {
			scope = append(scope, expr.JSONScope(content))
		}
	}
	return scope
}

// ScopeFor picks the scope act resolves against: decisions see the
// accumulated instance state, every other kind sees the submitted artifact.
func ScopeFor(act *process.ActivityDefinition, submitted *process.Artifact, committed []*process.Artifact) expr.Scope {
	if act != nil && act.Kind == process.Decision {
		return InstanceScope(committed, submitted)
	}
	return ArtifactScope(submitted)
}
