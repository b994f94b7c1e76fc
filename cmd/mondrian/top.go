package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/Shaydu/mondrian/internal/types"
)

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Live dashboard for a running server",
	RunE: func(cmd *cobra.Command, args []string) error {
		p := tea.NewProgram(newTopModel(), tea.WithAltScreen())
		_, err := p.Run()
		return err
	},
}

const topPollInterval = 2 * time.Second

var (
	topTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	topLabelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	topErrStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	topOKStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("114"))
	topWarnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	topHelpStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	topActiveStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("81"))
)

type healthSnapshot struct {
	Status        string  `json:"status"`
	Version       string  `json:"version"`
	JobsActive    int     `json:"jobs_active"`
	Advisors      int     `json:"advisors"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type childSnapshot struct {
	Name      string `json:"name"`
	PID       int    `json:"pid"`
	State     string `json:"state"`
	Restarts  int    `json:"restarts"`
	LastError string `json:"last_error"`
}

// topRefreshMsg carries one polling round's results.
type topRefreshMsg struct {
	health   *healthSnapshot
	children []childSnapshot
	jobs     []*types.Job
	err      error
}

type topModel struct {
	spinner  spinner.Model
	snapshot topRefreshMsg
	loaded   bool
}

func newTopModel() topModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	return topModel{spinner: sp}
}

func (m topModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, topRefresh)
}

func topRefresh() tea.Msg {
	var msg topRefreshMsg

	resp, err := http.Get(serverURL + "/health")
	if err != nil {
		msg.err = err
		return msg
	}
	var health healthSnapshot
	err = json.NewDecoder(resp.Body).Decode(&health)
	resp.Body.Close()
	if err != nil {
		msg.err = err
		return msg
	}
	msg.health = &health

	if resp, err = http.Get(serverURL + "/supervisor"); err == nil {
		var payload struct {
			Children []childSnapshot `json:"children"`
		}
		if json.NewDecoder(resp.Body).Decode(&payload) == nil {
			msg.children = payload.Children
		}
		resp.Body.Close()
	}

	if jobs, err := fetchJobs(10, ""); err == nil {
		msg.jobs = jobs
	}
	return msg
}

func topTick() tea.Cmd {
	return tea.Tick(topPollInterval, func(time.Time) tea.Msg { return topRefresh() })
}

func (m topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case topRefreshMsg:
		m.snapshot = msg
		m.loaded = true
		return m, topTick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m topModel) View() string {
	var b []byte
	out := func(s string) { b = append(b, s...) }

	out(topTitleStyle.Render("mondrian top") + "  " + topLabelStyle.Render(serverURL) + "\n\n")

	if !m.loaded {
		out(m.spinner.View() + " connecting...\n")
		return string(b)
	}
	if m.snapshot.err != nil {
		out(topErrStyle.Render("server unreachable: "+m.snapshot.err.Error()) + "\n\n")
		out(topHelpStyle.Render("q to quit") + "\n")
		return string(b)
	}

	h := m.snapshot.health
	out(fmt.Sprintf("%s %s   %s %s   %s %d   %s %d   %s %s\n\n",
		topLabelStyle.Render("status"), topOKStyle.Render(h.Status),
		topLabelStyle.Render("version"), h.Version,
		topLabelStyle.Render("active"), h.JobsActive,
		topLabelStyle.Render("advisors"), h.Advisors,
		topLabelStyle.Render("uptime"), (time.Duration(h.UptimeSeconds)*time.Second).String(),
	))

	out(topTitleStyle.Render("children") + "\n")
	if len(m.snapshot.children) == 0 {
		out(topHelpStyle.Render("  (standalone, no managed children)") + "\n")
	}
	for _, c := range m.snapshot.children {
		style := topOKStyle
		switch c.State {
		case "halted", "unhealthy":
			style = topErrStyle
		case "restarting", "starting":
			style = topWarnStyle
		}
		out(fmt.Sprintf("  %-16s %-10s pid %-7d restarts %d", c.Name, style.Render(c.State), c.PID, c.Restarts))
		if c.LastError != "" {
			out("  " + topErrStyle.Render(c.LastError))
		}
		out("\n")
	}
	out("\n")

	out(topTitleStyle.Render("recent jobs") + "\n")
	if len(m.snapshot.jobs) == 0 {
		out(topHelpStyle.Render("  (no jobs yet)") + "\n")
	}
	for _, job := range m.snapshot.jobs {
		style := topLabelStyle
		switch job.Status {
		case types.StatusDone:
			style = topOKStyle
		case types.StatusError:
			style = topErrStyle
		case types.StatusProcessing, types.StatusAnalyzing, types.StatusFinalizing:
			style = topActiveStyle
		}
		step := job.CurrentStep
		if step == "" {
			step = string(job.Status)
		}
		out(fmt.Sprintf("  %s  %-20s %s %3d%%  %s\n",
			shortID(job.ID),
			truncate(filepath.Base(job.ImagePath), 20),
			style.Render(fmt.Sprintf("%-10s", job.Status)),
			job.Percentage,
			topHelpStyle.Render(truncate(step, 40)),
		))
	}

	out("\n" + topHelpStyle.Render("q to quit") + "\n")
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}
