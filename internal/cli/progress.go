package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/raphaelgruber/codemap/internal/client"
	"github.com/raphaelgruber/codemap/internal/models"
	"github.com/raphaelgruber/codemap/internal/service"
)

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status  lipgloss.Color
	Success lipgloss.Color
	Error   lipgloss.Color
	Hint    lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:  lipgloss.Color("#5FAFD7"), // light blue
	Success: lipgloss.Color("#00D787"), // green
	Error:   lipgloss.Color("#FF005F"), // red
	Hint:    lipgloss.Color("#6C6C6C"), // dim gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// jobUpdateMsg carries one snapshot from the watch stream.
type jobUpdateMsg struct {
	job client.Job
}

// jobDoneMsg is sent once the watch stream ends.
type jobDoneMsg struct {
	job *client.Job
	err error
}

// progressModel is the bubbletea model for job progress.
type progressModel struct {
	jobID    string
	job      *client.Job
	updates  <-chan tea.Msg
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

func newProgressModel(job *client.Job, updates <-chan tea.Msg) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		jobID:    job.ID,
		job:      job,
		updates:  updates,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init starts listening on the watch stream.
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		waitForUpdate(m.updates),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case jobUpdateMsg:
		m.job = &msg.job
		return m, waitForUpdate(m.updates)

	case jobDoneMsg:
		m.done = true
		if msg.job != nil {
			m.job = msg.job
		}
		m.err = outcome(m.job, msg.err)
		return m, tea.Quit

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done || m.quitting {
		return m.finalView()
	}

	if m.job == nil {
		return "Waiting for job status...\n"
	}

	var pct float64
	if m.job.Total > 0 {
		pct = float64(m.job.Progress) / float64(m.job.Total)
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", m.job.Status))
	bar := m.progress.ViewAs(pct)
	counts := fmt.Sprintf("%d/%d files", m.job.Progress, m.job.Total)
	if m.job.Kind == string(service.JobRequirement) {
		counts = "resolving"
	}
	hint := m.theme.hintStyle().Render("Press Ctrl+C to continue in background")

	return fmt.Sprintf("%s %s %s\n%s\n", status, bar, counts, hint)
}

func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nJob %s continues in background.\nUse 'codemap jobs show %s' to check status.\n",
			m.jobID, m.jobID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		return m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Job %s: %s\n", m.jobID, m.err))
	}

	return m.theme.completedStyle().Render("✓ Completed") + "\n\n" + resultSummary(m.job)
}

func waitForUpdate(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}

// outcome turns the final snapshot into the error a command should return.
func outcome(job *client.Job, err error) error {
	if err != nil {
		return fmt.Errorf("watch job: %w", err)
	}
	if job == nil {
		return errors.New("job ended without status")
	}
	switch job.Status {
	case "failed":
		if job.Error != "" {
			return errors.New(job.Error)
		}
		return errors.New("job failed with unknown error")
	case "cancelled":
		return errors.New("job cancelled")
	}
	return nil
}

// resultSummary renders the result payload of a finished job.
func resultSummary(job *client.Job) string {
	if job == nil || len(job.Result) == 0 {
		return ""
	}
	var b strings.Builder
	switch job.Kind {
	case string(service.JobAnalysis):
		var r service.AnalysisResult
		if err := json.Unmarshal(job.Result, &r); err != nil {
			return ""
		}
		fmt.Fprintf(&b, "  Files found:     %d\n", r.FilesFound)
		fmt.Fprintf(&b, "  Files analyzed:  %d\n", r.FilesAnalyzed)
		fmt.Fprintf(&b, "  Files skipped:   %d\n", r.FilesSkipped)
		fmt.Fprintf(&b, "  Records created: %d\n", r.RecordsCreated)
		if len(r.Errors) > 0 {
			fmt.Fprintf(&b, "\n  Warnings (%d):\n", len(r.Errors))
			for _, e := range r.Errors {
				fmt.Fprintf(&b, "    • %s\n", e)
			}
		}
	case string(service.JobRequirement):
		var req models.ChangeRequirement
		if err := json.Unmarshal(job.Result, &req); err != nil {
			return ""
		}
		fmt.Fprintf(&b, "  Requirement: %s (%s)\n", req.ID, req.Status)
		for _, tier := range models.Tiers {
			if comps := req.AffectedComponents[tier]; len(comps) > 0 {
				fmt.Fprintf(&b, "  %-13s %s\n", string(tier)+":", strings.Join(comps, ", "))
			}
		}
	}
	return b.String()
}

// interactive reports whether stdout is a terminal that can host the progress UI.
func interactive() bool {
	return !jsonOutput && term.IsTerminal(int(os.Stdout.Fd()))
}

// followJob waits for job to finish. On a terminal it shows the progress UI;
// otherwise it prints one line per status change.
// Returns nil on success or Ctrl+C (background), error on job failure.
func followJob(ctx context.Context, w io.Writer, c *client.Client, job *client.Job) error {
	if !interactive() {
		return followPlain(ctx, w, c, job)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	updates := make(chan tea.Msg)
	go func() {
		final, err := c.WaitJob(ctx, job.ID, func(j client.Job) error {
			select {
			case updates <- jobUpdateMsg{job: j}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		select {
		case updates <- jobDoneMsg{job: final, err: err}:
		case <-ctx.Done():
		}
	}()

	p := tea.NewProgram(newProgressModel(job, updates))
	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(progressModel); ok {
		if m.quitting {
			return nil
		}
		return m.err
	}
	return nil
}

func followPlain(ctx context.Context, w io.Writer, c *client.Client, job *client.Job) error {
	last := ""
	final, err := c.WaitJob(ctx, job.ID, func(j client.Job) error {
		if j.Status != last && !jsonOutput {
			last = j.Status
			fmt.Fprintf(w, "job %s: %s\n", j.ID, j.Status)
		}
		return nil
	})
	if err := outcome(final, err); err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(w, final)
	}
	fmt.Fprint(w, resultSummary(final))
	return nil
}
