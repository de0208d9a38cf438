package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/tetratelabs/wazero/sys"

	"github.com/wippyai/wasi-bridge/coordinator"
	"github.com/wippyai/wasi-bridge/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	siteStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	statStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	outputStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#444444"))
)

// historySize is how many completed operations the view keeps.
const historySize = 8

type modelState int

const (
	stateStarting modelState = iota
	stateSuspended
	stateExecuting
	stateDone
)

type stepRecord struct {
	site   string
	took   time.Duration
	failed bool
}

type stepMsg struct {
	err  error
	rec  *stepRecord
	step coordinator.Step
}

type interactiveModel struct {
	ctx      context.Context
	err      error
	inst     *runtime.Instance
	session  *runtime.Session
	pending  *coordinator.Pending
	filename string
	entry    string
	history  []stepRecord
	results  []uint64
	spinner  spinner.Model
	output   viewport.Model
	state    modelState
	code     uint32
	auto     bool
}

func newInteractiveModel(ctx context.Context, a *app, entry string) (*interactiveModel, error) {
	inst, err := a.mod.Instantiate(ctx, a.newSystem(nil, nil, false))
	if err != nil {
		return nil, fmt.Errorf("instantiate: %w", err)
	}
	s, err := inst.Session(ctx, entry)
	if err != nil {
		_ = inst.Close(ctx)
		return nil, err
	}
	return &interactiveModel{
		ctx:      ctx,
		inst:     inst,
		session:  s,
		filename: a.wasmPath,
		entry:    entry,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot)),
		output:   viewport.New(80, 10),
		state:    stateStarting,
	}, nil
}

func (m *interactiveModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.start)
}

func (m *interactiveModel) start() tea.Msg {
	step, err := m.session.Start()
	return stepMsg{step: step, err: err}
}

// complete performs the pending operation, or fails it with EACCES, and
// resumes the guest.
func (m *interactiveModel) complete(fail bool) tea.Cmd {
	p := m.pending
	m.pending = nil
	m.state = stateExecuting
	return func() tea.Msg {
		began := time.Now()
		var res coordinator.Result
		if fail {
			res = coordinator.Result{Err: &fs.PathError{Op: p.Site(), Path: "interactive", Err: fs.ErrPermission}}
		} else {
			res = p.Execute(m.ctx)
		}
		rec := &stepRecord{site: p.Site(), took: time.Since(began), failed: fail || res.Err != nil}
		step, err := m.session.Complete(p.Handle, res)
		return stepMsg{step: step, err: err, rec: rec}
	}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			if m.state != stateDone {
				m.session.Cancel(context.Canceled)
			}
			return m, tea.Quit

		case "enter", " ":
			if m.state == stateSuspended {
				return m, m.complete(false)
			}

		case "f":
			if m.state == stateSuspended {
				return m, m.complete(true)
			}

		case "a":
			m.auto = !m.auto
			if m.auto && m.state == stateSuspended {
				return m, m.complete(false)
			}
		}

	case tea.WindowSizeMsg:
		m.output.Width = msg.Width - 2
		m.output.Height = max(msg.Height-18, 3)

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case stepMsg:
		return m, m.handleStep(msg)
	}

	var cmd tea.Cmd
	m.output, cmd = m.output.Update(msg)
	return m, cmd
}

func (m *interactiveModel) handleStep(msg stepMsg) tea.Cmd {
	if msg.rec != nil {
		m.history = append(m.history, *msg.rec)
		if len(m.history) > historySize {
			m.history = m.history[len(m.history)-historySize:]
		}
	}
	m.refreshOutput()

	var exit *sys.ExitError
	switch {
	case msg.err != nil && stderrors.As(msg.err, &exit):
		m.state = stateDone
		m.code = exit.ExitCode()
	case msg.err != nil:
		m.state = stateDone
		m.code = 1
		m.err = msg.err
	case msg.step.Status == coordinator.StepSuspended:
		m.state = stateSuspended
		m.pending = msg.step.Pending
		if m.auto {
			return m.complete(false)
		}
	default:
		m.state = stateDone
		m.results = msg.step.Results
	}
	return nil
}

func (m *interactiveModel) refreshOutput() {
	state := m.inst.System()
	var b strings.Builder
	b.WriteString(state.Stdout().String())
	if stderr := state.Stderr().String(); stderr != "" {
		b.WriteString(errorStyle.Render(stderr))
	}
	m.output.SetContent(b.String())
	m.output.GotoBottom()
}

func (m *interactiveModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("WASI Runner"))
	b.WriteString(" ")
	b.WriteString(m.filename)
	b.WriteString("\n\n")

	stats := m.inst.Coordinator().Stats()
	b.WriteString(statStyle.Render(fmt.Sprintf("suspensions %d • fast paths %d • max captured %d bytes • region %s",
		stats.Suspensions, stats.FastPaths, stats.MaxCaptured, m.inst.Coordinator().Region())))
	b.WriteString("\n\n")

	for _, h := range m.history {
		mark := resultStyle.Render("✓")
		if h.failed {
			mark = errorStyle.Render("✗")
		}
		fmt.Fprintf(&b, "  %s %s %s\n", mark, siteStyle.Render(h.site), helpStyle.Render(h.took.Round(time.Microsecond).String()))
	}
	b.WriteString("\n")

	switch m.state {
	case stateStarting:
		fmt.Fprintf(&b, "%s starting %s\n", m.spinner.View(), m.entry)
	case stateExecuting:
		fmt.Fprintf(&b, "%s performing host operation\n", m.spinner.View())
	case stateSuspended:
		b.WriteString(pendingStyle.Render(fmt.Sprintf(" suspended in %s ", m.pending.Site())))
		b.WriteString(" ")
		b.WriteString(helpStyle.Render(m.pending.Handle.String()))
		b.WriteString("\n")
	case stateDone:
		switch {
		case m.err != nil:
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		case m.results != nil:
			b.WriteString(resultStyle.Render("Result: " + formatResults(m.results)))
		default:
			b.WriteString(resultStyle.Render(fmt.Sprintf("Exited with code %d", m.code)))
		}
		b.WriteString("\n")
	}

	b.WriteString(outputStyle.Render(m.output.View()))
	b.WriteString("\n")

	auto := "off"
	if m.auto {
		auto = "on"
	}
	if m.state == stateDone {
		b.WriteString(helpStyle.Render("↑/↓ scroll • q quit"))
	} else {
		b.WriteString(helpStyle.Render("enter perform • f fail with EACCES • a auto (" + auto + ") • q cancel"))
	}
	return b.String()
}

func runInteractive(ctx context.Context, a *app, entry string) (uint32, error) {
	model, err := newInteractiveModel(ctx, a, entry)
	if err != nil {
		return 1, err
	}
	defer model.inst.Close(context.WithoutCancel(ctx))

	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	final, err := p.Run()
	if err != nil {
		return 1, err
	}
	m := final.(*interactiveModel)
	if m.state != stateDone {
		return 1, context.Canceled
	}
	return m.code, m.err
}
