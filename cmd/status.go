package cmd

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/openpulse/pulse/config"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	labelStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	barHotStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	barStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	dimStyle    = lipgloss.NewStyle().Faint(true)
)

// statusReport mirrors the /status response.
type statusReport struct {
	Drives []struct {
		Name     string  `json:"name"`
		Pressure float64 `json:"pressure"`
		Weight   float64 `json:"weight"`
	} `json:"drives"`
	TotalPressure float64 `json:"total_pressure"`
	TopDrive      string  `json:"top_drive"`
	TriggerStats  struct {
		Total     int `json:"total"`
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
	} `json:"trigger_stats"`
	RateLimit struct {
		TurnsInLastHour int  `json:"turns_in_last_hour"`
		MaxTurnsPerHour int  `json:"max_turns_per_hour"`
		CanTrigger      bool `json:"can_trigger"`
	} `json:"rate_limit"`
	Evaluator struct {
		Mode string `json:"mode"`
	} `json:"evaluator"`
}

func fetchStatus(port int) (*statusReport, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://127.0.0.1:%d/status", port))
	if err != nil {
		return nil, fmt.Errorf("pulse not reachable on port %d: %w", port, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	var report statusReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &report, nil
}

// renderStatus draws the drive table. Shared by status and watch.
func renderStatus(report *statusReport) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("pulse") + dimStyle.Render(fmt.Sprintf("  v%s  evaluator=%s",
		config.Version, report.Evaluator.Mode)) + "\n\n")

	drives := report.Drives
	sort.Slice(drives, func(i, j int) bool {
		return drives[i].Pressure*drives[i].Weight > drives[j].Pressure*drives[j].Weight
	})
	for _, d := range drives {
		weighted := d.Pressure * d.Weight
		bar := pressureBar(weighted)
		b.WriteString(fmt.Sprintf("  %-12s %s %5.2f  %s\n",
			d.Name, bar, weighted, dimStyle.Render(fmt.Sprintf("(w %.2f)", d.Weight))))
	}

	b.WriteString(fmt.Sprintf("\n  %s %.2f", labelStyle.Render("total pressure"), report.TotalPressure))
	if report.TopDrive != "" {
		b.WriteString(fmt.Sprintf("   %s %s", labelStyle.Render("top"), report.TopDrive))
	}
	b.WriteString(fmt.Sprintf("\n  %s %d ok / %d failed", labelStyle.Render("triggers"),
		report.TriggerStats.Succeeded, report.TriggerStats.Failed))
	b.WriteString(fmt.Sprintf("   %s %d/%d this hour", labelStyle.Render("budget"),
		report.RateLimit.TurnsInLastHour, report.RateLimit.MaxTurnsPerHour))
	if !report.RateLimit.CanTrigger {
		b.WriteString(dimStyle.Render("  (cooling down)"))
	}
	b.WriteString("\n")
	return b.String()
}

func pressureBar(weighted float64) string {
	const width = 20
	filled := int(weighted / 2.0 * width)
	if filled > width {
		filled = width
	}
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	if weighted >= 1.0 {
		return barHotStyle.Render(bar)
	}
	return barStyle.Render(bar)
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "", "config file path")
	asJSON := fs.Bool("json", false, "raw JSON output")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	report, err := fetchStatus(cfg.Daemon.HealthPort)
	if err != nil {
		return err
	}
	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	fmt.Print(renderStatus(report))
	return nil
}
