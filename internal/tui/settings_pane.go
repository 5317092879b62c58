package tui

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"

	"github.com/aristath/jobsched/internal/config"
)

// SettingsPaneModel manages the settings form overlay.
type SettingsPaneModel struct {
	form        *huh.Form
	config      *config.SchedulerConfig
	globalPath  string
	projectPath string
	width       int
	height      int
	visible     bool
	saved       bool
	err         error

	// Form field bindings
	saveTarget string
	jobsDir    string
	workers    string
	abortGrace string
	logLevel   string
	logFormat  string
}

// NewSettingsPaneModel creates a new settings pane.
func NewSettingsPaneModel(cfg *config.SchedulerConfig, globalPath, projectPath string) SettingsPaneModel {
	m := SettingsPaneModel{
		config:      cfg,
		globalPath:  globalPath,
		projectPath: projectPath,
	}
	m.loadFromConfig()
	m.buildForm()
	return m
}

func (m *SettingsPaneModel) loadFromConfig() {
	m.saveTarget = "global"
	m.jobsDir = m.config.JobsDir
	m.workers = strconv.Itoa(m.config.Workers)
	m.abortGrace = time.Duration(m.config.AbortGrace).String()
	m.logLevel = m.config.LogLevel
	m.logFormat = m.config.LogFormat
}

func validateWorkers(s string) error {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return errors.New("must be a positive integer")
	}
	return nil
}

func validateGrace(s string) error {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return errors.New("must be a positive duration such as 10s")
	}
	return nil
}

func (m *SettingsPaneModel) buildForm() {
	m.form = huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Key("saveTarget").
				Title("Save To").
				Options(
					huh.NewOption("Global (~/.jobsched/config.json)", "global"),
					huh.NewOption("Project (.jobsched/config.json)", "project"),
				).
				Value(&m.saveTarget),
		).Title("Save Target"),

		huh.NewGroup(
			huh.NewInput().
				Key("workers").
				Title("Workers").
				Description("Maximum concurrently running tasks").
				Value(&m.workers).
				Validate(validateWorkers),

			huh.NewInput().
				Key("abortGrace").
				Title("Abort Grace").
				Description("How long a task may take to honour an abort").
				Value(&m.abortGrace).
				Validate(validateGrace),

			huh.NewInput().
				Key("jobsDir").
				Title("Jobs Directory").
				Value(&m.jobsDir).
				Placeholder("jobs"),
		).Title("Scheduler"),

		huh.NewGroup(
			huh.NewSelect[string]().
				Key("logLevel").
				Title("Log Level").
				Options(huh.NewOptions("debug", "info", "warn", "error")...).
				Value(&m.logLevel),

			huh.NewSelect[string]().
				Key("logFormat").
				Title("Log Format").
				Options(huh.NewOptions("text", "json")...).
				Value(&m.logFormat),
		).Title("Logging"),
	)
}

// Init initializes the settings pane.
func (m SettingsPaneModel) Init() tea.Cmd {
	return m.form.Init()
}

// Update handles messages for the settings pane.
func (m SettingsPaneModel) Update(msg tea.Msg) (SettingsPaneModel, tea.Cmd) {
	if !m.visible {
		return m, nil
	}

	if key, ok := msg.(tea.KeyMsg); ok && key.String() == KeyEsc {
		m.visible = false
		m.saved = false
		return m, nil
	}

	form, cmd := m.form.Update(msg)
	if f, ok := form.(*huh.Form); ok {
		m.form = f
	}

	if m.form.State == huh.StateCompleted {
		m.err = m.save()
		m.saved = m.err == nil
		if m.saved {
			m.visible = false
		}
	}

	return m, cmd
}

// save copies the form values into the config and writes it to the chosen
// target. Workers and abort grace take effect on the next start.
func (m *SettingsPaneModel) save() error {
	workers, err := strconv.Atoi(m.workers)
	if err != nil {
		return fmt.Errorf("workers: %w", err)
	}
	grace, err := time.ParseDuration(m.abortGrace)
	if err != nil {
		return fmt.Errorf("abort grace: %w", err)
	}

	m.config.Workers = workers
	m.config.AbortGrace = config.Duration(grace)
	m.config.JobsDir = m.jobsDir
	m.config.LogLevel = m.logLevel
	m.config.LogFormat = m.logFormat
	if err := m.config.Validate(); err != nil {
		return err
	}

	target := m.globalPath
	if m.saveTarget == "project" {
		target = m.projectPath
	}
	return config.Save(m.config, target)
}

// View renders the settings pane.
func (m SettingsPaneModel) View() string {
	if !m.visible {
		return ""
	}

	var content string
	switch {
	case m.saved && m.form.State == huh.StateCompleted:
		content = StyleStatusDone.Render("✓ Settings saved")
	case m.err != nil:
		content = StyleStatusError.Render(fmt.Sprintf("✗ Error saving: %v", m.err))
	default:
		content = m.form.View()
	}

	style := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1, 2).
		Width(m.width - 4).
		Height(m.height - 4)

	title := StyleTitle.
		Foreground(lipgloss.Color("62")).
		Render("⚙ Settings")

	return lipgloss.JoinVertical(lipgloss.Left, title, style.Render(content))
}

// SetSize updates the dimensions of the settings pane.
func (m *SettingsPaneModel) SetSize(w, h int) {
	m.width = w
	m.height = h
	if m.form != nil {
		m.form.WithWidth(w - 8).WithHeight(h - 8)
	}
}

// SetVisible shows or hides the settings pane. Showing it rebuilds the
// form from the current config.
func (m *SettingsPaneModel) SetVisible(v bool) {
	m.visible = v
	m.saved = false
	m.err = nil
	if v {
		m.loadFromConfig()
		m.buildForm()
	}
}

// IsVisible returns whether the settings pane is currently visible.
func (m SettingsPaneModel) IsVisible() bool {
	return m.visible
}
