package tui

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/jobsched/internal/events"
	"github.com/aristath/jobsched/internal/scheduler"
)

// JobRow is the dashboard's view of one job.
type JobRow struct {
	ID       string
	Name     string
	Username string
	Status   scheduler.Status
	Tasks    int
	Finished int
}

// JobsPaneModel lists jobs in submission order with an overall tally.
type JobsPaneModel struct {
	jobs        map[string]*JobRow
	order       []string
	selectedIdx int
	width       int
	height      int
	focused     bool
}

// NewJobsPaneModel creates a jobs pane seeded with existing jobs.
func NewJobsPaneModel(initial []*scheduler.JobInfo) JobsPaneModel {
	m := JobsPaneModel{jobs: make(map[string]*JobRow)}
	for _, info := range initial {
		row := &JobRow{
			ID:       info.ID,
			Name:     info.Name,
			Username: info.Username,
			Status:   info.Status,
			Tasks:    len(info.Tasks),
		}
		for _, t := range info.Tasks {
			if t.Status.IsTerminal() {
				row.Finished++
			}
		}
		m.jobs[info.ID] = row
		m.order = append(m.order, info.ID)
	}
	return m
}

// Update handles messages for the jobs pane.
func (m JobsPaneModel) Update(msg tea.Msg) (JobsPaneModel, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if !m.focused {
			break
		}
		switch msg.String() {
		case KeyJ, KeyDown:
			if m.selectedIdx < len(m.order)-1 {
				m.selectedIdx++
			}
		case KeyK, KeyUp:
			if m.selectedIdx > 0 {
				m.selectedIdx--
			}
		}

	case events.JobSubmittedEvent:
		if _, exists := m.jobs[msg.Job]; !exists {
			m.jobs[msg.Job] = &JobRow{
				ID:       msg.Job,
				Name:     msg.Name,
				Username: msg.Username,
				Status:   scheduler.StatusWaiting,
				Tasks:    msg.Tasks,
			}
			m.order = append(m.order, msg.Job)
		}

	case events.JobStatusEvent:
		if row, ok := m.jobs[msg.Job]; ok {
			row.Status = scheduler.Status(msg.Status)
		}

	case events.TaskFinishedEvent:
		if row, ok := m.jobs[msg.Job]; ok && row.Finished < row.Tasks {
			row.Finished++
		}

	case events.JobDeletedEvent:
		if _, ok := m.jobs[msg.Job]; ok {
			delete(m.jobs, msg.Job)
			for i, id := range m.order {
				if id == msg.Job {
					m.order = append(m.order[:i], m.order[i+1:]...)
					break
				}
			}
			if m.selectedIdx >= len(m.order) && m.selectedIdx > 0 {
				m.selectedIdx = len(m.order) - 1
			}
		}
	}

	return m, nil
}

// Selected returns the ID of the selected job, or "".
func (m JobsPaneModel) Selected() string {
	if m.selectedIdx >= 0 && m.selectedIdx < len(m.order) {
		return m.order[m.selectedIdx]
	}
	return ""
}

// Counts tallies jobs by status.
func (m JobsPaneModel) Counts() map[scheduler.Status]int {
	counts := make(map[scheduler.Status]int)
	for _, row := range m.jobs {
		counts[row.Status]++
	}
	return counts
}

// View renders the jobs pane.
func (m JobsPaneModel) View() string {
	if m.width == 0 || m.height == 0 {
		return ""
	}

	var b strings.Builder
	title := StyleTitle.Render("Jobs")
	b.WriteString(title)
	b.WriteString("\n")
	b.WriteString(strings.Repeat("=", lipgloss.Width(title)))
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(StyleStatusWaiting.Render("No jobs yet..."))
	}
	nameWidth := max(m.width-16, 8)
	for i, id := range m.order {
		row := m.jobs[id]
		name := row.Name
		if len(name) > nameWidth {
			name = name[:nameWidth-3] + "..."
		}
		line := fmt.Sprintf("%s %-*s %d/%d", StatusIcon(row.Status), nameWidth, name, row.Finished, row.Tasks)
		if i == m.selectedIdx {
			line = StyleSelected.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}

	counts := m.Counts()
	b.WriteString("\n")
	b.WriteString(fmt.Sprintf("Running: %s  Done: %s  Error: %s  Aborted: %s\n",
		StyleStatusRunning.Render(fmt.Sprint(counts[scheduler.StatusRunning])),
		StyleStatusDone.Render(fmt.Sprint(counts[scheduler.StatusDone])),
		StyleStatusError.Render(fmt.Sprint(counts[scheduler.StatusError])),
		StyleStatusAborted.Render(fmt.Sprint(counts[scheduler.StatusAborted])),
	))

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
func (m *JobsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
}

// SetFocused updates the focus state.
func (m *JobsPaneModel) SetFocused(focused bool) {
	m.focused = focused
}
