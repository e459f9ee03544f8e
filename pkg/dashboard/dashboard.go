// Package dashboard renders a terminal PDR/latency/RSSI view over the
// telemetry samples published to Redis, supplementing the live plotting
// the Python reference gave the operator via plotter.py.
package dashboard

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/chirpchirp/lora-link/pkg/telemetry"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	goodStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	warnStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	badStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// sampleMsg wraps a telemetry.Sample as a Bubble Tea message.
type sampleMsg telemetry.Sample

// Model is the Bubble Tea model for the monitor TUI.
type Model struct {
	channel string
	samples <-chan telemetry.Sample

	latest  map[string]telemetry.Sample
	history []telemetry.Sample
	maxHist int

	pdrBar progress.Model
}

// New builds a Model subscribed to samples. channel is shown in the header
// only (the subscription itself is established by the caller).
func New(channel string, samples <-chan telemetry.Sample) Model {
	return Model{
		channel: channel,
		samples: samples,
		latest:  make(map[string]telemetry.Sample),
		maxHist: 40,
		pdrBar:  progress.New(progress.WithDefaultGradient(), progress.WithWidth(30)),
	}
}

func (m Model) Init() tea.Cmd {
	return m.waitForSample()
}

func (m Model) waitForSample() tea.Cmd {
	return func() tea.Msg {
		s, ok := <-m.samples
		if !ok {
			return tea.Quit()
		}
		return sampleMsg(s)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case sampleMsg:
		s := telemetry.Sample(msg)
		m.latest[s.Role] = s
		m.history = append(m.history, s)
		if len(m.history) > m.maxHist {
			m.history = m.history[len(m.history)-m.maxHist:]
		}
		return m, m.waitForSample()
	}
	return m, nil
}

func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("lora-monitor  —  channel %s", m.channel)))
	b.WriteString("\n\n")

	for _, role := range []string{"tx", "rx"} {
		s, ok := m.latest[role]
		if !ok {
			b.WriteString(boxStyle.Render(fmt.Sprintf("%s: waiting for samples…", role)))
			b.WriteString("\n")
			continue
		}
		b.WriteString(boxStyle.Render(m.renderRole(s)))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(labelStyle.Render(fmt.Sprintf("history: %d samples   press q to quit", len(m.history))))
	return b.String()
}

// renderRole draws one role's box, using bubbles/progress for the PDR gauge
// the way muurk-smartap's internal/ui.Progress drives its own bar — a
// static ViewAs(percent) render, no animation ticking.
func (m Model) renderRole(s telemetry.Sample) string {
	pdrStyle := goodStyle
	switch {
	case s.PDRPercent < 70:
		pdrStyle = badStyle
	case s.PDRPercent < 90:
		pdrStyle = warnStyle
	}
	rssi := "n/a"
	if s.RSSIDbm != nil {
		rssi = fmt.Sprintf("%d dBm", *s.RSSIDbm)
	}
	bar := m.pdrBar.ViewAs(s.PDRPercent / 100)
	return fmt.Sprintf(
		"%s   phase=%s\nPDR %s %s   delivered %d/%d\nlatency p50=%.0fms p95=%.0fms   rssi=%s\n%s",
		titleStyle.Render(strings.ToUpper(s.Role)), s.Phase,
		bar, pdrStyle.Render(fmt.Sprintf("%.1f%%", s.PDRPercent)), s.WindowDelivered, s.WindowAttempted,
		s.LatencyMsP50, s.LatencyMsP95, rssi,
		labelStyle.Render(s.TsUTC),
	)
}

// Run starts the Bubble Tea program and blocks until the user quits or the
// sample channel closes.
func Run(channel string, samples <-chan telemetry.Sample) error {
	p := tea.NewProgram(New(channel, samples))
	_, err := p.Run()
	return err
}
