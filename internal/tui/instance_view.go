package tui

import (
	"context"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/procman/internal/process"
)

type instanceLoadedMsg struct {
	id        string
	inst      *process.Instance
	path      []*process.ActivityDefinition
	next      *process.ActivityDefinition
	nextErr   string
	artifacts map[string]*process.Artifact
	err       error
}

// instanceView shows one instance: the activities it passed, where it goes
// next and the artifact of the selected step.
type instanceView struct {
	app       *App
	id        string
	inst      *process.Instance
	path      []*process.ActivityDefinition
	next      *process.ActivityDefinition
	nextErr   string
	artifacts map[string]*process.Artifact
	selection int
	err       string
}

func newInstanceView(app *App, id string) *instanceView {
	return &instanceView{app: app, id: id}
}

func (v *instanceView) load() tea.Cmd {
	backend, session, id := v.app.backend, v.app.session, v.id
	return func() tea.Msg {
		ctx := context.Background()
		msg := instanceLoadedMsg{id: id, artifacts: map[string]*process.Artifact{}}
		msg.inst, msg.err = backend.GetProcessInstance(ctx, session, id)
		if msg.err != nil {
			return msg
		}
		path, err := backend.GetProcessInstanceActivitiesPath(ctx, session, id)
		if err != nil {
			// The definition of an ended instance may be gone; fall back to
			// bare activity ids.
			if msg.inst.Running() {
				msg.err = err
				return msg
			}
			for _, activityID := range msg.inst.History {
				path = append(path, &process.ActivityDefinition{ID: activityID})
			}
		}
		msg.path = path
		for _, activityID := range msg.inst.History {
			if art, err := backend.GetArtifactForActivity(ctx, session, id, activityID); err == nil {
				msg.artifacts[activityID] = art
			}
		}
		if msg.inst.Running() {
			next, err := backend.GetNextActivityForProcessInstance(ctx, session, id)
			if err != nil {
				msg.nextErr = backend.Explain(err)
			}
			msg.next = next
		}
		return msg
	}
}

func (v *instanceView) apply(msg instanceLoadedMsg) {
	if msg.id != v.id {
		return
	}
	if msg.err != nil {
		v.err = v.app.backend.Explain(msg.err)
		return
	}
	v.err = ""
	v.inst, v.path, v.next, v.nextErr, v.artifacts = msg.inst, msg.path, msg.next, msg.nextErr, msg.artifacts
	if v.selection >= len(v.path) {
		v.selection = max(0, len(v.path)-1)
	}
}

func (v *instanceView) move(key string) tea.Cmd {
	switch key {
	case "up", "k":
		if v.selection > 0 {
			v.selection--
		}
	case "down", "j":
		if v.selection < len(v.path)-1 {
			v.selection++
		}
	}
	return nil
}

// commitCurrent completes the current activity without data. Only activities
// that take no artifact, such as decisions and automatic tasks, accept it.
func (v *instanceView) commitCurrent() tea.Cmd {
	if v.inst == nil || !v.inst.Running() {
		return nil
	}
	backend, session, id, activityID := v.app.backend, v.app.session, v.id, v.inst.CurrentActivityID
	return func() tea.Msg {
		err := backend.CommitActivity(context.Background(), session, id, activityID, nil)
		return actionDoneMsg{status: fmt.Sprintf("Committed %s", activityID), err: err}
	}
}

func (v *instanceView) delete() tea.Cmd {
	backend, session, id := v.app.backend, v.app.session, v.id
	return func() tea.Msg {
		err := backend.DeleteProcessInstance(context.Background(), session, id)
		if err != nil {
			return actionDoneMsg{err: err}
		}
		return instanceDeletedMsg{id: id}
	}
}

type instanceDeletedMsg struct {
	id string
}

func (v *instanceView) View(width int) string {
	if v.err != "" {
		return lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Render(v.err)
	}
	if v.inst == nil {
		return "Loading instance..."
	}
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("%s · %s", v.inst.Name, v.inst.State))

	var rows []string
	for i, act := range v.path {
		marker := "✓"
		if v.inst.Running() && i == len(v.path)-1 {
			marker = "▶"
		}
		label := act.Name
		if label == "" {
			label = act.ID
		}
		line := fmt.Sprintf("%s %s (%s)", marker, label, act.Kind)
		style := lipgloss.NewStyle().Width(max(20, width))
		if color := strings.TrimSpace(act.Color); color != "" {
			style = style.Foreground(lipgloss.Color(color))
		}
		if i == v.selection {
			style = style.Bold(true)
		}
		rows = append(rows, style.Render(line))
	}

	sections := []string{title, strings.Join(rows, "\n")}
	if v.inst.Running() {
		switch {
		case v.nextErr != "":
			sections = append(sections, fmt.Sprintf("Next: %s", v.nextErr))
		case v.next != nil && v.next.ID != v.inst.CurrentActivityID:
			sections = append(sections, fmt.Sprintf("Next: %s", v.next.ID))
		default:
			sections = append(sections, "Next: waiting for this activity's artifact")
		}
	}
	if v.selection < len(v.path) {
		if art, ok := v.artifacts[v.path[v.selection].ID]; ok {
			sections = append(sections, renderArtifact(art, width))
		}
	}
	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func renderArtifact(art *process.Artifact, width int) string {
	lines := []string{fmt.Sprintf("Artifact %s", art.ArtifactDefinitionID)}
	if art.ContentType != "" {
		lines = append(lines, fmt.Sprintf("%s · %d byte(s)", art.ContentType, len(art.Content)))
	}
	for _, pair := range art.Shared {
		lines = append(lines, fmt.Sprintf("  %s = %s", pair.Key, pair.Value))
	}
	if !art.CommittedAt.IsZero() {
		lines = append(lines, fmt.Sprintf("committed %s", art.CommittedAt.Format("2006-01-02 15:04:05")))
	}
	return lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Width(max(20, width)).
		Render(strings.Join(lines, "\n"))
}
