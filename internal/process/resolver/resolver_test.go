package resolver

import (
	"testing"

	"github.com/kingrea/procman/internal/expr"
	"github.com/kingrea/procman/internal/process"
	"github.com/kingrea/procman/internal/process/processtest"
)

func mustDefinition(t *testing.T, doc string) *process.Definition {
	t.Helper()
	def, err := process.ParseDefinition([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return def
}

func mustActivity(t *testing.T, def *process.Definition, id string) *process.ActivityDefinition {
	t.Helper()
	act, ok := def.Activity(id)
	if !ok {
		t.Fatalf("activity %s missing", id)
	}
	return act
}

func shared(pairs ...string) *process.Artifact {
	art := &process.Artifact{}
	for i := 0; i+1 < len(pairs); i += 2 {
		art.Shared = append(art.Shared, process.SharedPair{Key: pairs[i], Value: pairs[i+1]})
	}
	return art
}

func TestNextDecisionFollowsConditionThenDefault(t *testing.T) {
	def := mustDefinition(t, processtest.Decision)
	c := mustActivity(t, def, "C")

	if target, ok := Next(c, ArtifactScope(shared("x", "10"))); !ok || target != "D" {
		t.Fatalf("x=10 should resolve to D, got %q (%v)", target, ok)
	}
	if target, ok := Next(c, ArtifactScope(shared("x", "1"))); !ok || target != "E" {
		t.Fatalf("x=1 should resolve to E, got %q (%v)", target, ok)
	}
	if target, ok := Next(c, ArtifactScope(nil)); !ok || target != "E" {
		t.Fatalf("missing x should fall back to E, got %q (%v)", target, ok)
	}
}

func TestNextFirstMatchingPathWins(t *testing.T) {
	def := mustDefinition(t, `
process: {name: p, startActivityId: a}
activities:
  - id: a
    paths:
      - {target: first, condition: "x > 1"}
      - {target: second, condition: "x > 0"}
      - {target: fallback}
  - id: first
  - id: second
  - id: fallback
`)
	a := mustActivity(t, def, "a")
	scope := ArtifactScope(shared("x", "5"))
	for i := 0; i < 100; i++ {
		if target, _ := Next(a, scope); target != "first" {
			t.Fatalf("run %d picked %q", i, target)
		}
	}
}

func TestNextTerminalWithoutMatch(t *testing.T) {
	def := mustDefinition(t, processtest.Purchase)
	route := mustActivity(t, def, "route")
	if target, ok := Next(route, ArtifactScope(shared("approved", "maybe"))); ok {
		t.Fatalf("expected no path, got %q", target)
	}
	order := mustActivity(t, def, "order")
	if _, ok := Next(order, ArtifactScope(nil)); ok {
		t.Fatalf("activity without paths must be terminal")
	}
}

func TestArtifactScopeReadsJSONContent(t *testing.T) {
	def := mustDefinition(t, `
process: {name: p, startActivityId: a}
activities:
  - id: a
    paths:
      - {target: big, condition: "content.order.total >= 1000 && priority == 'high'"}
      - {target: small}
  - id: big
  - id: small
`)
	a := mustActivity(t, def, "a")
	art := shared("priority", "high")
	art.Content = []byte(`{"order":{"total":1500}}`)
	if target, _ := Next(a, ArtifactScope(art)); target != "big" {
		t.Fatalf("expected big, got %q", target)
	}
	art.Content = []byte("plain text")
	if target, _ := Next(a, ArtifactScope(art)); target != "small" {
		t.Fatalf("expected small for non-JSON content, got %q", target)
	}
}

func TestInstanceScopeLaterArtifactsWin(t *testing.T) {
	committed := []*process.Artifact{shared("x", "1", "y", "a"), shared("x", "7")}
	scope := InstanceScope(committed, nil)
	if !expr.Holds(expr.MustParse("x == 7 && y == 'a'"), scope) {
		t.Fatalf("accumulated state should carry the latest x and the earlier y")
	}
	scope = InstanceScope(committed, shared("x", "2"))
	if !expr.Holds(expr.MustParse("x == 2"), scope) {
		t.Fatalf("submitted artifact should override accumulated state")
	}
}

func TestScopeForDependsOnActivityKind(t *testing.T) {
	def := mustDefinition(t, processtest.Decision)
	committed := []*process.Artifact{shared("x", "9")}

	c := mustActivity(t, def, "C")
	if target, _ := Next(c, ScopeFor(c, nil, committed)); target != "D" {
		t.Fatalf("decision should see accumulated x=9, got %q", target)
	}
	collect := mustActivity(t, def, "collect")
	scope := ScopeFor(collect, shared("z", "1"), committed)
	if _, ok := scope.Lookup("x"); ok {
		t.Fatalf("user task scope must only expose the submitted artifact")
	}
}

func TestTraceMarksTakenPath(t *testing.T) {
	def := mustDefinition(t, processtest.Decision)
	c := mustActivity(t, def, "C")
	trace := Trace(c, ArtifactScope(shared("x", "1")))
	if len(trace) != 2 {
		t.Fatalf("expected two evaluations, got %d", len(trace))
	}
	if trace[0].Holds || trace[0].Taken {
		t.Fatalf("conditional path should not hold: %+v", trace[0])
	}
	if !trace[1].Default || !trace[1].Taken {
		t.Fatalf("default path should be taken: %+v", trace[1])
	}
}

func TestNextTreatsNaNSpellingsAsText(t *testing.T) {
	def := mustDefinition(t, `
process: {name: p, startActivityId: a}
activities:
  - id: a
    paths:
      - {target: named, condition: "reviewer == 'Nan'"}
      - {target: escalate, condition: "score >= 5"}
      - {target: fallback}
  - id: named
  - id: escalate
  - id: fallback
`)
	a := mustActivity(t, def, "a")
	if target, ok := Next(a, ArtifactScope(shared("reviewer", "Nan"))); !ok || target != "named" {
		t.Fatalf("reviewer Nan should match as text, got %q (%v)", target, ok)
	}
	if target, ok := Next(a, ArtifactScope(shared("score", "nan"))); !ok || target != "fallback" {
		t.Fatalf("score nan is not a number and should fall back, got %q (%v)", target, ok)
	}
}
