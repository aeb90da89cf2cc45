package cmd

import (
	"flag"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/openpulse/pulse/config"
)

// watchModel is the bubbletea model for `pulse watch`: poll /status,
// redraw, repeat.
type watchModel struct {
	port     int
	interval time.Duration
	report   *statusReport
	err      error
}

type statusMsg struct {
	report *statusReport
	err    error
}

type pollTick struct{}

func (m watchModel) poll() tea.Msg {
	report, err := fetchStatus(m.port)
	return statusMsg{report: report, err: err}
}

func (m watchModel) schedule() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return pollTick{} })
}

func (m watchModel) Init() tea.Cmd {
	return m.poll
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case statusMsg:
		m.report = msg.report
		m.err = msg.err
		return m, m.schedule()
	case pollTick:
		return m, m.poll
	}
	return m, nil
}

func (m watchModel) View() string {
	if m.err != nil {
		return "\n  " + m.err.Error() + "\n\n  " + dimStyle.Render("q to quit") + "\n"
	}
	if m.report == nil {
		return "\n  connecting...\n"
	}
	return "\n" + renderStatus(m.report) + "\n  " + dimStyle.Render("q to quit") + "\n"
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	interval := fs.Duration("interval", 2*time.Second, "poll interval")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	m := watchModel{port: cfg.Daemon.HealthPort, interval: *interval}
	_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}
