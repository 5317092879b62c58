package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/jobsched/internal/events"
	"github.com/aristath/jobsched/internal/scheduler"
)

const barWidth = 20

// TaskRow is the dashboard's view of one task.
type TaskRow struct {
	ID       string
	Kind     string
	Status   scheduler.Status
	Progress float64
	Err      string
	Duration time.Duration
}

// TasksPaneModel shows the tasks of the selected job with progress bars,
// above a scrollable activity log for that job.
type TasksPaneModel struct {
	tasks     map[string]map[string]*TaskRow // job -> task -> row
	order     map[string][]string            // job -> task IDs in first-seen order
	activity  map[string][]string            // job -> log lines
	job       string
	bar       progress.Model
	viewport  viewport.Model
	width     int
	height    int
	focused   bool
	updateTag int
}

// NewTasksPaneModel creates a tasks pane seeded with existing jobs.
func NewTasksPaneModel(initial []*scheduler.JobInfo) TasksPaneModel {
	m := TasksPaneModel{
		tasks:    make(map[string]map[string]*TaskRow),
		order:    make(map[string][]string),
		activity: make(map[string][]string),
		bar: progress.New(
			progress.WithDefaultGradient(),
			progress.WithWidth(barWidth),
			progress.WithoutPercentage(),
		),
		viewport: viewport.New(0, 0),
	}
	for _, info := range initial {
		for _, t := range info.Tasks {
			row := m.row(info.ID, t.ID)
			row.Kind = t.Kind
			row.Status = t.Status
			row.Progress = t.Progress
			row.Err = t.Error
		}
	}
	return m
}

// tickMsg debounces viewport refreshes.
type tickMsg struct {
	tag int
}

// Update handles messages for the tasks pane.
func (m TasksPaneModel) Update(msg tea.Msg) (TasksPaneModel, tea.Cmd) {
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.focused {
			m.viewport, cmd = m.viewport.Update(msg)
		}

	case events.TaskStartedEvent:
		row := m.row(msg.Job, msg.Task)
		row.Kind = msg.Kind
		row.Status = scheduler.StatusRunning
		cmd = m.logf(msg.Job, "%s %s started (%s)", msg.Timestamp.Format(time.TimeOnly), msg.Task, msg.Kind)

	case events.TaskProgressEvent:
		m.row(msg.Job, msg.Task).Progress = msg.Progress

	case events.TaskFinishedEvent:
		row := m.row(msg.Job, msg.Task)
		row.Status = scheduler.Status(msg.Status)
		row.Err = msg.Err
		row.Duration = msg.Duration
		if row.Status == scheduler.StatusDone {
			row.Progress = 1
		}
		line := fmt.Sprintf("%s %s %s in %v", msg.Timestamp.Format(time.TimeOnly), msg.Task, msg.Status, msg.Duration.Round(time.Millisecond))
		if msg.Err != "" {
			line += ": " + msg.Err
		}
		cmd = m.logf(msg.Job, "%s", line)

	case events.JobDeletedEvent:
		delete(m.tasks, msg.Job)
		delete(m.order, msg.Job)
		delete(m.activity, msg.Job)
		if m.job == msg.Job {
			m.refresh()
		}

	case tickMsg:
		if msg.tag == m.updateTag {
			m.refresh()
		}
	}

	return m, cmd
}

func (m *TasksPaneModel) row(jobID, taskID string) *TaskRow {
	rows, ok := m.tasks[jobID]
	if !ok {
		rows = make(map[string]*TaskRow)
		m.tasks[jobID] = rows
	}
	row, ok := rows[taskID]
	if !ok {
		row = &TaskRow{ID: taskID, Status: scheduler.StatusWaiting}
		rows[taskID] = row
		m.order[jobID] = append(m.order[jobID], taskID)
	}
	return row
}

// logf appends an activity line and schedules a debounced refresh when the
// line belongs to the job on screen.
func (m *TasksPaneModel) logf(jobID, format string, args ...any) tea.Cmd {
	m.activity[jobID] = append(m.activity[jobID], fmt.Sprintf(format, args...))
	if jobID != m.job {
		return nil
	}
	m.updateTag++
	tag := m.updateTag
	return tea.Tick(50*time.Millisecond, func(time.Time) tea.Msg {
		return tickMsg{tag: tag}
	})
}

// SetJob switches the pane to jobID.
func (m *TasksPaneModel) SetJob(jobID string) {
	if m.job == jobID {
		return
	}
	m.job = jobID
	m.refresh()
}

// Job returns the job currently shown.
func (m TasksPaneModel) Job() string {
	return m.job
}

// Task returns the row for a task of the shown job.
func (m TasksPaneModel) Task(taskID string) (*TaskRow, bool) {
	row, ok := m.tasks[m.job][taskID]
	return row, ok
}

func (m *TasksPaneModel) refresh() {
	lines := m.activity[m.job]
	if len(lines) == 0 {
		m.viewport.SetContent("No activity yet...")
		return
	}
	m.viewport.SetContent(strings.Join(lines, "\n"))
	m.viewport.GotoBottom()
}

// View renders the tasks pane.
func (m TasksPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Tasks")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	switch ids := m.order[m.job]; {
	case m.job == "":
		b.WriteString(StyleStatusWaiting.Render("Select a job..."))
		b.WriteString("\n")
	case len(ids) == 0:
		b.WriteString(StyleStatusWaiting.Render("Waiting for tasks to start..."))
		b.WriteString("\n")
	default:
		idWidth := max(m.width-barWidth-16, 8)
		for _, id := range ids {
			row := m.tasks[m.job][id]
			name := row.ID
			if len(name) > idWidth {
				name = name[:idWidth-3] + "..."
			}
			b.WriteString(fmt.Sprintf("%s %-*s %s %3.0f%%\n",
				StatusIcon(row.Status), idWidth, name, m.bar.ViewAs(row.Progress), row.Progress*100))
		}
	}

	b.WriteString("\n")
	b.WriteString(StyleTitle.Render("Activity"))
	b.WriteString("\n")
	b.WriteString(m.viewport.View())

	style := StyleUnfocusedBorder
	if m.focused {
		style = StyleFocusedBorder
	}
	return style.
		Width(m.width - 2).
		Height(m.height - 2).
		Render(b.String())
}

// SetSize updates the pane dimensions.
func (m *TasksPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	m.viewport.Width = max(w-4, 10)
	m.viewport.Height = max(h/2-2, 5)
}

// SetFocused updates the focus state.
func (m *TasksPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
