// internal/tui/app.go
//
// This is the operator TUI for procman. It uses bubbletea, which follows The
// Elm Architecture:
//
// 1. Model: Your application state
// 2. Update: A function that updates state based on messages
// 3. View: A function that renders state to a string
//
// Every call into the process manager runs inside a tea.Cmd so the UI never
// blocks on storage.

package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/procman/internal/auth"
	"github.com/kingrea/procman/internal/process"
)

// appState represents which screen we're on
type appState int

const (
	stateDefinitions appState = iota // Definition picker
	stateInstances                   // Instances of the selected definition
	stateInstance                    // One instance: path, next activity, artifacts
)

const refreshInterval = 5 * time.Second

// Backend is the slice of the process manager the TUI drives.
type Backend interface {
	GetProcessDefinitions(ctx context.Context, s auth.Session) ([]*process.Definition, error)
	GetProcessInstances(ctx context.Context, s auth.Session, definitionID string) ([]*process.Instance, error)
	GetProcessInstance(ctx context.Context, s auth.Session, id string) (*process.Instance, error)
	CreateProcessInstance(ctx context.Context, s auth.Session, definitionID, name, description string) (string, error)
	DeleteProcessInstance(ctx context.Context, s auth.Session, id string) error
	CommitActivity(ctx context.Context, s auth.Session, instanceID, activityID string, art *process.Artifact) error
	GetArtifactForActivity(ctx context.Context, s auth.Session, instanceID, activityID string) (*process.Artifact, error)
	GetNextActivityForProcessInstance(ctx context.Context, s auth.Session, instanceID string) (*process.ActivityDefinition, error)
	GetProcessInstanceActivitiesPath(ctx context.Context, s auth.Session, instanceID string) ([]*process.ActivityDefinition, error)
	Explain(err error) string
}

// AppOption customizes App construction for tests and alternate runtimes.
type AppOption func(*App)

// WithSession sets the session used for every call. Local use needs none.
func WithSession(s auth.Session) AppOption {
	return func(a *App) { a.session = s }
}

// WithClock overrides the clock used for instance names.
func WithClock(clock func() time.Time) AppOption {
	return func(a *App) {
		if clock != nil {
			a.now = clock
		}
	}
}

type definitionsLoadedMsg struct {
	defs []*process.Definition
	err  error
}

type instancesLoadedMsg struct {
	definitionID string
	instances    []*process.Instance
	err          error
}

type actionDoneMsg struct {
	status string
	err    error
}

type refreshTickMsg struct{}

// App is the main application model. In bubbletea, this holds ALL your state.
type App struct {
	state   appState
	backend Backend
	session auth.Session
	now     func() time.Time

	definitionMenu list.Model
	instanceMenu   list.Model
	definition     *process.Definition
	instanceView   *instanceView

	statusMsg string
	err       string

	width  int
	height int
}

type definitionItem struct {
	def *process.Definition
}

func (i definitionItem) Title() string {
	title := i.def.Name
	if !i.def.Enabled {
		title += " (disabled)"
	}
	return title
}

func (i definitionItem) Description() string {
	parts := []string{fmt.Sprintf("v%s · rev %d", i.def.Version, i.def.Revision)}
	if desc := strings.TrimSpace(i.def.Description); desc != "" {
		parts = append(parts, desc)
	}
	return strings.Join(parts, " · ")
}

func (i definitionItem) FilterValue() string { return i.def.Name }

type instanceItem struct {
	inst *process.Instance
}

func (i instanceItem) Title() string {
	if name := strings.TrimSpace(i.inst.Name); name != "" {
		return name
	}
	return i.inst.ID
}

func (i instanceItem) Description() string {
	if i.inst.Running() {
		return fmt.Sprintf("running · at %s · %d step(s) done", i.inst.CurrentActivityID, len(i.inst.History))
	}
	return fmt.Sprintf("ended · %d step(s)", len(i.inst.History))
}

func (i instanceItem) FilterValue() string { return i.inst.Name }

// NewApp creates a new App over backend.
func NewApp(backend Backend, opts ...AppOption) *App {
	definitionMenu := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	definitionMenu.Title = "Process definitions"
	definitionMenu.SetShowStatusBar(false)
	definitionMenu.SetFilteringEnabled(false)
	instanceMenu := list.New(nil, list.NewDefaultDelegate(), 0, 0)
	instanceMenu.SetShowStatusBar(false)
	instanceMenu.SetFilteringEnabled(false)

	app := &App{
		state:          stateDefinitions,
		backend:        backend,
		now:            time.Now,
		definitionMenu: definitionMenu,
		instanceMenu:   instanceMenu,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	return app
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadDefinitions(), a.scheduleRefresh())
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.definitionMenu.SetSize(max(0, msg.Width-6), max(0, msg.Height-8))
		a.instanceMenu.SetSize(max(0, msg.Width-6), max(0, msg.Height-8))
		return a, nil

	case definitionsLoadedMsg:
		if msg.err != nil {
			a.err = a.backend.Explain(msg.err)
			return a, nil
		}
		a.err = ""
		items := make([]list.Item, len(msg.defs))
		for i, def := range msg.defs {
			items[i] = definitionItem{def: def}
		}
		a.definitionMenu.SetItems(items)
		return a, nil

	case instancesLoadedMsg:
		if a.definition == nil || msg.definitionID != a.definition.ID {
			return a, nil
		}
		if msg.err != nil {
			a.err = a.backend.Explain(msg.err)
			return a, nil
		}
		a.err = ""
		items := make([]list.Item, len(msg.instances))
		for i, inst := range msg.instances {
			items[i] = instanceItem{inst: inst}
		}
		a.instanceMenu.SetItems(items)
		return a, nil

	case instanceLoadedMsg:
		if a.instanceView != nil {
			a.instanceView.apply(msg)
		}
		return a, nil

	case instanceDeletedMsg:
		a.statusMsg = fmt.Sprintf("Deleted instance %s", msg.id)
		return a.back()

	case actionDoneMsg:
		if msg.err != nil {
			a.err = a.backend.Explain(msg.err)
			a.statusMsg = ""
		} else {
			a.err = ""
			a.statusMsg = msg.status
		}
		return a, a.reload()

	case refreshTickMsg:
		return a, tea.Batch(a.reload(), a.scheduleRefresh())

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return a, tea.Quit
		case "q":
			if a.state == stateDefinitions {
				return a, tea.Quit
			}
		case "esc":
			return a.back()
		case "r":
			a.statusMsg = "Refreshing..."
			return a, a.reload()
		case "enter":
			return a.open()
		case "n":
			if a.state == stateInstances {
				return a, a.createInstance()
			}
		case "c":
			if a.state == stateInstance && a.instanceView != nil {
				return a, a.instanceView.commitCurrent()
			}
		case "x":
			if a.state == stateInstance && a.instanceView != nil {
				return a, a.instanceView.delete()
			}
		case "up", "k", "down", "j":
			if a.state == stateInstance && a.instanceView != nil {
				return a, a.instanceView.move(msg.String())
			}
		}
	}

	var cmd tea.Cmd
	switch a.state {
	case stateDefinitions:
		a.definitionMenu, cmd = a.definitionMenu.Update(msg)
	case stateInstances:
		a.instanceMenu, cmd = a.instanceMenu.Update(msg)
	}
	return a, cmd
}

func (a *App) open() (tea.Model, tea.Cmd) {
	switch a.state {
	case stateDefinitions:
		item, ok := a.definitionMenu.SelectedItem().(definitionItem)
		if !ok {
			return a, nil
		}
		a.definition = item.def
		a.instanceMenu.Title = fmt.Sprintf("Instances of %s", item.def.Name)
		a.instanceMenu.SetItems(nil)
		a.state = stateInstances
		a.statusMsg = ""
		return a, a.loadInstances()
	case stateInstances:
		item, ok := a.instanceMenu.SelectedItem().(instanceItem)
		if !ok {
			return a, nil
		}
		a.instanceView = newInstanceView(a, item.inst.ID)
		a.state = stateInstance
		a.statusMsg = ""
		return a, a.instanceView.load()
	}
	return a, nil
}

func (a *App) back() (tea.Model, tea.Cmd) {
	switch a.state {
	case stateInstance:
		a.instanceView = nil
		a.state = stateInstances
		return a, a.loadInstances()
	case stateInstances:
		a.definition = nil
		a.state = stateDefinitions
		return a, a.loadDefinitions()
	}
	return a, nil
}

func (a *App) reload() tea.Cmd {
	switch a.state {
	case stateInstances:
		return a.loadInstances()
	case stateInstance:
		if a.instanceView != nil {
			return a.instanceView.load()
		}
	}
	return a.loadDefinitions()
}

func (a *App) scheduleRefresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return refreshTickMsg{} })
}

func (a *App) loadDefinitions() tea.Cmd {
	backend, session := a.backend, a.session
	return func() tea.Msg {
		defs, err := backend.GetProcessDefinitions(context.Background(), session)
		return definitionsLoadedMsg{defs: defs, err: err}
	}
}

func (a *App) loadInstances() tea.Cmd {
	if a.definition == nil {
		return nil
	}
	backend, session, id := a.backend, a.session, a.definition.ID
	return func() tea.Msg {
		instances, err := backend.GetProcessInstances(context.Background(), session, id)
		return instancesLoadedMsg{definitionID: id, instances: instances, err: err}
	}
}

func (a *App) createInstance() tea.Cmd {
	if a.definition == nil {
		return nil
	}
	backend, session, def := a.backend, a.session, a.definition
	name := fmt.Sprintf("%s %s", def.Name, a.now().Format("2006-01-02 15:04:05"))
	return func() tea.Msg {
		id, err := backend.CreateProcessInstance(context.Background(), session, def.ID, name, "")
		return actionDoneMsg{status: fmt.Sprintf("Created instance %s", id), err: err}
	}
}

// View renders the current state to a string.
func (a *App) View() string {
	width := a.width
	if width <= 0 {
		width = 100
	}
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		MarginBottom(1).
		Render("⬡ PROCMAN")
	var content, hint string
	switch a.state {
	case stateDefinitions:
		content = a.definitionMenu.View()
		if len(a.definitionMenu.Items()) == 0 {
			content = "No process definitions. Add structure documents to the definitions directory."
		}
		hint = "Enter → instances    r → refresh    q → quit"
	case stateInstances:
		content = a.instanceMenu.View()
		if len(a.instanceMenu.Items()) == 0 {
			content = "No instances yet."
		}
		hint = "Enter → open    n → new instance    Esc → back"
	case stateInstance:
		if a.instanceView != nil {
			content = a.instanceView.View(width - 8)
		}
		hint = "c → commit current activity    x → delete ended instance    Esc → back"
	}
	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(20, width-4)).
		Render(content)
	hintLine := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(hint)
	sections := []string{header, box, hintLine}
	if a.err != "" {
		sections = append(sections, lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Render("⚠ "+a.err))
	}
	if a.statusMsg != "" {
		sections = append(sections, lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render(a.statusMsg))
	}
	return strings.Join(sections, "\n")
}
