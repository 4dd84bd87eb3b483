package tui

import (
	"context"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/procman/internal/auth"
	"github.com/kingrea/procman/internal/process"
	"github.com/kingrea/procman/internal/process/engine"
	"github.com/kingrea/procman/internal/process/modelstore"
	"github.com/kingrea/procman/internal/process/processtest"
	"github.com/kingrea/procman/internal/procman"
	"github.com/kingrea/procman/internal/storage/memory"
)

func newTestManager(t *testing.T) *procman.Manager {
	t.Helper()
	backend := memory.New()
	models := modelstore.New(backend)
	eng := engine.New(models, backend)
	models.SetInstanceIndex(eng)
	return procman.New(models, eng)
}

func newTestApp(t *testing.T, m *procman.Manager) *App {
	t.Helper()
	clock := func() time.Time { return time.Date(2024, 6, 1, 9, 30, 0, 0, time.UTC) }
	app := NewApp(m, WithClock(clock))
	app.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	runCommands(t, app, app.loadDefinitions())
	return app
}

func createDefinition(t *testing.T, m *procman.Manager, name, doc string) string {
	t.Helper()
	id, err := m.CreateProcessDefinition(context.Background(), auth.Session{}, name, "", "1.0.0", true, []byte(doc))
	if err != nil {
		t.Fatalf("create definition: %v", err)
	}
	return id
}

func key(s string) tea.KeyMsg {
	switch s {
	case "enter":
		return tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		return tea.KeyMsg{Type: tea.KeyEsc}
	}
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func press(t *testing.T, app *App, keys ...string) {
	t.Helper()
	for _, k := range keys {
		_, cmd := app.Update(key(k))
		runCommands(t, app, cmd)
	}
}

// runCommands drains cmd and everything it produces. Ticks never fire here
// because tests do not call Init.
func runCommands(t *testing.T, app *App, cmd tea.Cmd) {
	t.Helper()
	queue := []tea.Cmd{cmd}
	for steps := 0; len(queue) > 0; steps++ {
		if steps > 100 {
			t.Fatalf("command chain did not settle")
		}
		next := queue[0]
		queue = queue[1:]
		if next == nil {
			continue
		}
		msg := next()
		if batch, ok := msg.(tea.BatchMsg); ok {
			queue = append(queue, batch...)
			continue
		}
		_, follow := app.Update(msg)
		queue = append(queue, follow)
	}
}

func TestAppListsDefinitions(t *testing.T) {
	m := newTestManager(t)
	createDefinition(t, m, "Linear", processtest.Linear)
	app := newTestApp(t, m)

	if got := len(app.definitionMenu.Items()); got != 1 {
		t.Fatalf("expected one definition, got %d", got)
	}
	if view := app.View(); !strings.Contains(view, "Linear") {
		t.Fatalf("definition missing from view:\n%s", view)
	}
}

func TestAppEmptyDefinitionsShowsHint(t *testing.T) {
	app := newTestApp(t, newTestManager(t))
	if view := app.View(); !strings.Contains(view, "No process definitions") {
		t.Fatalf("expected empty hint, got:\n%s", view)
	}
	press(t, app, "enter")
	if app.state != stateDefinitions {
		t.Fatalf("enter without a selection should stay put, got state %d", app.state)
	}
}

func TestAppCreatesAndOpensInstance(t *testing.T) {
	m := newTestManager(t)
	defID := createDefinition(t, m, "Linear", processtest.Linear)
	app := newTestApp(t, m)

	press(t, app, "enter")
	if app.state != stateInstances || app.definition == nil || app.definition.ID != defID {
		t.Fatalf("expected instances of %s, got state %d", defID, app.state)
	}
	press(t, app, "n")
	if !strings.HasPrefix(app.statusMsg, "Created instance") {
		t.Fatalf("unexpected status %q (err %q)", app.statusMsg, app.err)
	}
	if got := len(app.instanceMenu.Items()); got != 1 {
		t.Fatalf("expected one instance, got %d", got)
	}
	item := app.instanceMenu.Items()[0].(instanceItem)
	if item.inst.Name != "Linear 2024-06-01 09:30:00" {
		t.Fatalf("unexpected instance name %q", item.inst.Name)
	}

	press(t, app, "enter")
	if app.state != stateInstance || app.instanceView == nil || app.instanceView.inst == nil {
		t.Fatalf("instance view was not loaded")
	}
	view := app.View()
	for _, want := range []string{"First", "running", "waiting for this activity's artifact"} {
		if !strings.Contains(view, want) {
			t.Fatalf("view missing %q:\n%s", want, view)
		}
	}

	press(t, app, "esc", "esc")
	if app.state != stateDefinitions {
		t.Fatalf("esc should return to definitions, got state %d", app.state)
	}
}

func TestAppCommitsDecisionAndDeletesEndedInstance(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	var s auth.Session
	defID := createDefinition(t, m, "Decision", processtest.Decision)
	instID, err := m.CreateProcessInstance(ctx, s, defID, "route me", "")
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	art := &process.Artifact{Shared: []process.SharedPair{{Key: "x", Value: "10"}}}
	if err := m.CommitActivity(ctx, s, instID, "collect", art); err != nil {
		t.Fatalf("commit collect: %v", err)
	}

	app := newTestApp(t, m)
	press(t, app, "enter", "enter")
	if v := app.instanceView; v == nil || v.next == nil || v.next.ID != "D" {
		t.Fatalf("decision preview should point at D, got %+v", app.instanceView)
	}
	if view := app.View(); !strings.Contains(view, "x = 10") {
		t.Fatalf("artifact of the first step should render:\n%s", view)
	}

	press(t, app, "x")
	if app.err == "" || app.state != stateInstance {
		t.Fatalf("deleting a running instance should fail in place, err %q state %d", app.err, app.state)
	}

	press(t, app, "c")
	inst, err := m.GetProcessInstance(ctx, s, instID)
	if err != nil {
		t.Fatalf("get instance: %v", err)
	}
	if inst.CurrentActivityID != "D" {
		t.Fatalf("expected D after committing the decision, got %q (err %q)", inst.CurrentActivityID, app.err)
	}
	press(t, app, "c")
	if app.instanceView.inst.Running() {
		t.Fatalf("instance should have ended")
	}
	if view := app.View(); !strings.Contains(view, "ended") {
		t.Fatalf("view should show the ended state:\n%s", view)
	}

	press(t, app, "x")
	if app.state != stateInstances || len(app.instanceMenu.Items()) != 0 {
		t.Fatalf("expected empty instance list after delete, state %d", app.state)
	}
	if _, err := m.GetProcessInstance(ctx, s, instID); err == nil {
		t.Fatalf("instance should be gone")
	}
}

func TestAppSurfacesBackendErrors(t *testing.T) {
	m := newTestManager(t)
	defID := createDefinition(t, m, "Linear", processtest.Linear)
	app := newTestApp(t, m)
	press(t, app, "enter")
	if err := m.DeleteProcessDefinition(context.Background(), auth.Session{}, defID); err != nil {
		t.Fatalf("delete definition: %v", err)
	}
	press(t, app, "r")
	if app.err == "" {
		t.Fatalf("listing instances of a deleted definition should report an error")
	}
	if view := app.View(); !strings.Contains(view, app.err) {
		t.Fatalf("error missing from view:\n%s", view)
	}
}
