package tui

import (
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/jobsched/internal/config"
	"github.com/aristath/jobsched/internal/events"
	"github.com/aristath/jobsched/internal/scheduler"
)

// PaneID identifies which pane is focused.
type PaneID int

const (
	PaneJobs PaneID = iota
	PaneTasks
)

const paneCount = 2

// Model is the root Bubble Tea model for the dashboard.
type Model struct {
	jobsPane     JobsPaneModel
	tasksPane    TasksPaneModel
	settingsPane SettingsPaneModel
	focusedPane  PaneID
	eventSub     <-chan events.Event
	width        int
	height       int
	quitting     bool
	showSettings bool
}

// New creates the dashboard model. It subscribes to every topic on bus;
// initial seeds the panes with jobs that existed before the subscription.
func New(bus *events.EventBus, cfg *config.SchedulerConfig, globalPath, projectPath string, initial []*scheduler.JobInfo) Model {
	m := Model{
		jobsPane:     NewJobsPaneModel(initial),
		tasksPane:    NewTasksPaneModel(initial),
		settingsPane: NewSettingsPaneModel(cfg, globalPath, projectPath),
		focusedPane:  PaneJobs,
		eventSub:     bus.SubscribeAll(256),
	}
	m.tasksPane.SetJob(m.jobsPane.Selected())
	m.updateFocusStates()
	return m
}

// Init initializes the model and returns the initial command.
func (m Model) Init() tea.Cmd {
	return waitForEvent(m.eventSub)
}

// busClosedMsg is delivered once the event bus has been closed.
type busClosedMsg struct{}

// waitForEvent returns a command that waits for the next bus event.
func waitForEvent(sub <-chan events.Event) tea.Cmd {
	return func() tea.Msg {
		event, ok := <-sub
		if !ok {
			return busClosedMsg{}
		}
		return event
	}
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		// Settings are modal while open.
		if m.showSettings {
			switch msg.String() {
			case KeySettings, KeyEsc:
				m.showSettings = false
				m.settingsPane.SetVisible(false)
			default:
				var cmd tea.Cmd
				m.settingsPane, cmd = m.settingsPane.Update(msg)
				cmds = append(cmds, cmd)
				if !m.settingsPane.IsVisible() {
					m.showSettings = false
				}
			}
			return m, tea.Batch(cmds...)
		}

		switch msg.String() {
		case KeyQuit, KeyCtrlC:
			m.quitting = true
			return m, tea.Quit

		case KeySettings:
			m.showSettings = true
			m.settingsPane.SetVisible(true)
			cmds = append(cmds, m.settingsPane.Init())

		case KeyTab:
			m.focusedPane = (m.focusedPane + 1) % paneCount
			m.updateFocusStates()

		case KeyShiftTab:
			m.focusedPane = (m.focusedPane + paneCount - 1) % paneCount
			m.updateFocusStates()

		case KeyPane1:
			m.focusedPane = PaneJobs
			m.updateFocusStates()

		case KeyPane2:
			m.focusedPane = PaneTasks
			m.updateFocusStates()

		default:
			var cmd tea.Cmd
			switch m.focusedPane {
			case PaneJobs:
				m.jobsPane, cmd = m.jobsPane.Update(msg)
				m.tasksPane.SetJob(m.jobsPane.Selected())
			case PaneTasks:
				m.tasksPane, cmd = m.tasksPane.Update(msg)
			}
			cmds = append(cmds, cmd)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.computeLayout()
		m.settingsPane.SetSize(msg.Width, msg.Height)

	case events.JobSubmittedEvent, events.JobStatusEvent, events.JobDeletedEvent, events.TaskFinishedEvent:
		var cmd tea.Cmd
		m.jobsPane, cmd = m.jobsPane.Update(msg)
		cmds = append(cmds, cmd)
		m.tasksPane, cmd = m.tasksPane.Update(msg)
		cmds = append(cmds, cmd)
		m.tasksPane.SetJob(m.jobsPane.Selected())
		cmds = append(cmds, waitForEvent(m.eventSub))

	case events.TaskStartedEvent, events.TaskProgressEvent:
		var cmd tea.Cmd
		m.tasksPane, cmd = m.tasksPane.Update(msg)
		cmds = append(cmds, cmd, waitForEvent(m.eventSub))

	case tickMsg:
		var cmd tea.Cmd
		m.tasksPane, cmd = m.tasksPane.Update(msg)
		cmds = append(cmds, cmd)

	case busClosedMsg:
		m.quitting = true
		return m, tea.Quit
	}

	return m, tea.Batch(cmds...)
}

// View renders the dashboard.
func (m Model) View() string {
	if m.quitting {
		return "Goodbye!\n"
	}
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	if m.showSettings {
		return m.settingsPane.View()
	}

	content := lipgloss.JoinHorizontal(lipgloss.Top, m.jobsPane.View(), m.tasksPane.View())
	return lipgloss.JoinVertical(lipgloss.Left, content, HelpView())
}

// computeLayout gives the jobs pane 40% of the width and reserves one line
// for the help bar.
func (m *Model) computeLayout() {
	leftWidth := (m.width * 40) / 100
	availableHeight := m.height - 1

	m.jobsPane.SetSize(leftWidth, availableHeight)
	m.tasksPane.SetSize(m.width-leftWidth, availableHeight)
	m.updateFocusStates()
}

func (m *Model) updateFocusStates() {
	m.jobsPane.SetFocused(m.focusedPane == PaneJobs)
	m.tasksPane.SetFocused(m.focusedPane == PaneTasks)
}
