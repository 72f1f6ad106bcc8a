// Package progress renders a live bubbletea view of an upload in flight:
// phase name, bytes transferred, and host resource usage alongside it —
// the upload-stack analogue of the teacher's chat/pipeline TUI model.
package progress

import (
	"fmt"
	"time"

	"github.com/atotto/clipboard"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	psutilcpu "github.com/shirou/gopsutil/v3/cpu"
	psutilmem "github.com/shirou/gopsutil/v3/mem"

	"ledbadge-upload/internal/upload"
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#FFFF00")).
			Padding(0, 2).
			Bold(true)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(lipgloss.Color("#4B5563")).
			Padding(0, 2)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#EF4444")).
			Bold(true)

	copyNoticeStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#10B981")).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 2).
			Bold(true)
)

// Result is what the driving goroutine reports back once Upload returns.
type Result struct {
	Err        error
	DevicePath string // best-effort; empty when the caller didn't capture one
}

type progressMsg upload.Progress
type doneMsg Result
type tickMsg time.Time

// Model is the bubbletea model for a single upload run.
type Model struct {
	width, height int

	phase      upload.Phase
	bytesSent  int
	payloadLen int

	resourceLine string

	done        bool
	err         error
	devicePath  string
	copied      bool

	bar Progress
	progressCh <-chan upload.Progress
	doneCh     <-chan Result
}

// Progress is an alias for bubbles/progress.Model, the bar widget this
// package renders.
type Progress = progress.Model

// NewModel builds a Model that drains progressCh for phase/byte updates
// and reads exactly one Result from doneCh when the upload finishes.
func NewModel(progressCh <-chan upload.Progress, doneCh <-chan Result) Model {
	return Model{
		phase:      upload.PhaseIdle,
		bar:        progress.New(progress.WithDefaultGradient()),
		progressCh: progressCh,
		doneCh:     doneCh,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForProgress(m.progressCh), waitForDone(m.doneCh), tickResources(), tea.EnterAltScreen)
}

func waitForProgress(ch <-chan upload.Progress) tea.Cmd {
	return func() tea.Msg {
		p, ok := <-ch
		if !ok {
			return nil
		}
		return progressMsg(p)
	}
}

func waitForDone(ch <-chan Result) tea.Cmd {
	return func() tea.Msg {
		r, ok := <-ch
		if !ok {
			return nil
		}
		return doneMsg(r)
	}
}

func tickResources() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.bar.Width = m.width - 8
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.done {
				return m, tea.Quit
			}
		case "c":
			if m.done && m.devicePath != "" {
				_ = clipboard.WriteAll(m.devicePath)
				m.copied = true
			}
		}
		return m, nil

	case progressMsg:
		m.phase = msg.Phase
		m.bytesSent = msg.BytesSent
		m.payloadLen = msg.PayloadLen
		return m, waitForProgress(m.progressCh)

	case doneMsg:
		m.done = true
		m.err = msg.Err
		m.devicePath = msg.DevicePath
		if m.err == nil && m.devicePath != "" {
			_ = clipboard.WriteAll(m.devicePath)
			m.copied = true
		}
		return m, nil

	case tickMsg:
		m.resourceLine = sampleResources()
		if !m.done {
			return m, tickResources()
		}
		return m, nil
	}
	return m, nil
}

func sampleResources() string {
	cpuPct, cerr := psutilcpu.Percent(0, false)
	vmem, merr := psutilmem.VirtualMemory()
	switch {
	case cerr == nil && merr == nil && len(cpuPct) > 0:
		return fmt.Sprintf("CPU %.1f%% | Mem %.1f%%", cpuPct[0], vmem.UsedPercent)
	default:
		return "host stats unavailable"
	}
}

func (m Model) View() string {
	width := m.width
	if width <= 0 {
		width = 80
	}

	header := headerStyle.Copy().Width(width).Render(" ledbadge-upload")
	footer := footerStyle.Copy().Width(width).Render(m.resourceLine)

	var body string
	switch {
	case m.done && m.err != nil:
		body = errorStyle.Render(fmt.Sprintf("upload failed: %v", m.err))
	case m.done:
		ratio := 1.0
		body = fmt.Sprintf("%s\n\n%s complete", m.bar.ViewAs(ratio), phaseLabel(m.phase))
		if m.devicePath != "" {
			body += fmt.Sprintf("\ndevice path: %s", m.devicePath)
			if m.copied {
				body += "\n" + copyNoticeStyle.Render("copied to clipboard")
			}
		}
		body += "\n\n(q to quit)"
	default:
		ratio := 0.0
		if m.payloadLen > 0 {
			ratio = float64(m.bytesSent) / float64(m.payloadLen)
		}
		body = fmt.Sprintf("phase: %s\n\n%s\n\n%d / %d bytes",
			phaseLabel(m.phase), m.bar.ViewAs(ratio), m.bytesSent, m.payloadLen)
	}

	content := lipgloss.NewStyle().Padding(2, 4).Render(body)
	return lipgloss.JoinVertical(lipgloss.Left, header, content, footer)
}

func phaseLabel(p upload.Phase) string {
	if p == "" {
		return string(upload.PhaseIdle)
	}
	return string(p)
}
