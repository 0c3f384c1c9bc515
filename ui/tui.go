package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/franksops/gridxfer/engine"
)

// maxRecent bounds the item history shown under the progress bar.
const maxRecent = 12

// UIState is the view of the transfer manager the TUI renders. It is built
// from listener events only.
type UIState struct {
	Running engine.RunningStatus
	Health  engine.ErrorStatus

	TransferID       uint64
	Kind             string
	SourcePath       string
	TargetPath       string
	TotalFiles       int
	TransferredFiles int
	ErrorCount       int
	CompletedBytes   int64
	StartedAt        time.Time

	Recent []engine.TransferStatus
	Done   bool
}

// Apply folds one item or overall event into the state.
func (s *UIState) Apply(ev engine.TransferStatus, now time.Time) {
	switch ev.State {
	case engine.OverallInitiation:
		*s = UIState{Running: s.Running, Health: s.Health, Recent: s.Recent}
		s.TransferID = ev.TransferID
		s.Kind = string(ev.Kind)
		s.SourcePath = ev.SourcePath
		s.TargetPath = ev.TargetPath
		s.StartedAt = now
		return
	case engine.Success:
		s.CompletedBytes += ev.Bytes
	}

	if ev.TransferID == s.TransferID {
		s.TotalFiles = ev.TotalFiles
		s.TransferredFiles = ev.TransferredFiles
		s.ErrorCount = ev.ErrorCount
	}

	switch ev.State {
	case engine.Success, engine.Failure, engine.Skipped, engine.Abandoned, engine.Cancelled, engine.OverallCompletion:
		s.Recent = append(s.Recent, ev)
		if len(s.Recent) > maxRecent {
			s.Recent = s.Recent[len(s.Recent)-maxRecent:]
		}
	}
}

// Controller is the part of the manager the key bindings drive.
type Controller interface {
	Pause()
	Resume() error
	CancelTransfer(id uint64) error
}

// TUIModel implements the tea.Model interface
type TUIModel struct {
	state    UIState
	control  Controller
	lastErr  error
	spinner  spinner.Model
	progress progress.Model
	viewport viewport.Model
	now      func() time.Time

	width  int
	height int

	// Styles
	titleStyle   lipgloss.Style
	infoStyle    lipgloss.Style
	streamStyle  lipgloss.Style
	helpStyle    lipgloss.Style
	errorStyle   lipgloss.Style
	warnStyle    lipgloss.Style
	successStyle lipgloss.Style
}

type (
	RunningStatusMsg engine.RunningStatus
	ErrorStatusMsg   engine.ErrorStatus
	ItemStatusMsg    engine.TransferStatus
	OverallStatusMsg engine.TransferStatus
	// DoneMsg tells the UI the queue drained and it may exit.
	DoneMsg struct{}
	// ControlErrMsg carries the failure of a key binding action.
	ControlErrMsg struct{ Err error }
)

// NewTUIModel returns a model that sends key actions to control, which may
// be nil for a read-only view.
func NewTUIModel(control Controller) TUIModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	prog := progress.New(progress.WithDefaultGradient())

	return TUIModel{
		state:        UIState{Running: engine.Idle, Health: engine.StatusOK},
		control:      control,
		spinner:      s,
		progress:     prog,
		now:          time.Now,
		titleStyle:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205")).Padding(0, 1),
		infoStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		streamStyle:  lipgloss.NewStyle().Foreground(lipgloss.Color("78")),
		helpStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("241")).MarginTop(1),
		errorStyle:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		warnStyle:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		successStyle: lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}
}

// State returns the current snapshot.
func (m TUIModel) State() UIState {
	return m.state
}

func (m TUIModel) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
	)
}

// act runs a controller call off the update loop.
func (m TUIModel) act(fn func(Controller) error) tea.Cmd {
	if m.control == nil {
		return nil
	}
	c := m.control
	return func() tea.Msg {
		if err := fn(c); err != nil {
			return ControlErrMsg{Err: err}
		}
		return nil
	}
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "p":
			return m, m.act(func(c Controller) error { c.Pause(); return nil })
		case "r":
			return m, m.act(func(c Controller) error { return c.Resume() })
		case "c":
			if id := m.state.TransferID; id != 0 && m.state.Running != engine.Idle {
				return m, m.act(func(c Controller) error { return c.CancelTransfer(id) })
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = msg.Width - 14

		headerHeight := 7
		footerHeight := 2
		m.viewport = viewport.New(msg.Width, max(msg.Height-headerHeight-footerHeight, 1))

	case RunningStatusMsg:
		m.state.Running = engine.RunningStatus(msg)
	case ErrorStatusMsg:
		m.state.Health = engine.ErrorStatus(msg)
	case ItemStatusMsg:
		m.state.Apply(engine.TransferStatus(msg), m.now())
	case OverallStatusMsg:
		m.state.Apply(engine.TransferStatus(msg), m.now())
	case ControlErrMsg:
		m.lastErr = msg.Err

	case DoneMsg:
		m.state.Done = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		m.progress = progressModel.(progress.Model)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m TUIModel) healthStyle() lipgloss.Style {
	switch m.state.Health {
	case engine.StatusError:
		return m.errorStyle
	case engine.StatusWarning:
		return m.warnStyle
	}
	return m.successStyle
}

func (m TUIModel) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	var sb strings.Builder
	st := m.state

	header := fmt.Sprintf("%s gxfer %s", m.spinner.View(), m.titleStyle.Render("Grid Transfer Queue"))
	sb.WriteString(header + "\n")

	var percent float64
	if st.TotalFiles > 0 {
		percent = float64(st.TransferredFiles) / float64(st.TotalFiles)
	}
	var elapsed time.Duration
	var bytesPerSec float64
	if !st.StartedAt.IsZero() {
		elapsed = m.now().Sub(st.StartedAt)
		if elapsed > 0 {
			bytesPerSec = float64(st.CompletedBytes) / elapsed.Seconds()
		}
	}

	status := fmt.Sprintf("%s | %s", st.Running, m.healthStyle().Render(string(st.Health)))
	opsInfo := fmt.Sprintf("Files: %d/%d | Errors: %d | %s | ETA: %s",
		st.TransferredFiles, st.TotalFiles, st.ErrorCount,
		formatSpeed(bytesPerSec),
		formatETA(st.TransferredFiles, st.TotalFiles, elapsed))

	sb.WriteString(status + "\n")
	sb.WriteString(m.infoStyle.Render(opsInfo) + "\n")
	sb.WriteString(m.progress.ViewAs(percent) + "\n")
	if st.TransferID != 0 {
		sb.WriteString(m.streamStyle.Render(fmt.Sprintf("%s #%d %s -> %s",
			st.Kind, st.TransferID, truncatePath(st.SourcePath), truncatePath(st.TargetPath))) + "\n")
	}
	sb.WriteString("\nRecent:\n")

	var recent strings.Builder
	if len(st.Recent) == 0 {
		recent.WriteString(m.infoStyle.Render("Nothing transferred yet..."))
	} else {
		for _, ev := range st.Recent {
			recent.WriteString(m.formatEvent(ev) + "\n")
		}
	}
	m.viewport.SetContent(recent.String())
	sb.WriteString(m.viewport.View())

	help := m.helpStyle.Render("p: pause • r: resume • c: cancel current • q: quit")
	if st.Done {
		help = m.successStyle.Render("Queue drained!") + " Press 'q' to exit."
	}
	if m.lastErr != nil {
		help = m.errorStyle.Render(m.lastErr.Error()) + "\n" + help
	}
	sb.WriteString("\n" + help)

	return sb.String()
}

func (m TUIModel) formatEvent(ev engine.TransferStatus) string {
	label := fmt.Sprintf("%-10s", ev.State)
	switch ev.State {
	case engine.Failure, engine.Abandoned:
		label = m.errorStyle.Render(label)
	case engine.Cancelled, engine.Skipped:
		label = m.warnStyle.Render(label)
	default:
		label = m.successStyle.Render(label)
	}
	line := fmt.Sprintf("%s %s", label, truncatePath(ev.SourcePath))
	if ev.Err != nil {
		line += " " + m.errorStyle.Render(ev.Err.Error())
	}
	return line
}

func truncatePath(p string) string {
	if len(p) > 40 {
		return "..." + p[len(p)-37:]
	}
	return p
}

func formatSpeed(bytesPerSec float64) string {
	if bytesPerSec >= 1024*1024*1024 {
		return fmt.Sprintf("%.2f GB/s", bytesPerSec/(1024*1024*1024))
	} else if bytesPerSec >= 1024*1024 {
		return fmt.Sprintf("%.2f MB/s", bytesPerSec/(1024*1024))
	} else if bytesPerSec >= 1024 {
		return fmt.Sprintf("%.2f KB/s", bytesPerSec/1024)
	}
	return fmt.Sprintf("%.0f B/s", bytesPerSec)
}

// formatETA extrapolates the remaining time from the files done so far.
func formatETA(done, total int, elapsed time.Duration) string {
	if done == 0 || total == 0 || elapsed <= 0 {
		return "Calculating..."
	}
	if done >= total {
		return "0s"
	}

	d := elapsed / time.Duration(done) * time.Duration(total-done)
	if d.Hours() > 24 {
		return "> 1d"
	}
	return d.Round(time.Second).String()
}
