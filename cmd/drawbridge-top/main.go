// Package main provides drawbridge-top, a terminal monitor for a running
// Drawbridge instance. It polls the /health and /stats endpoints and renders
// totals plus a per-domain breakdown.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("230")).Background(lipgloss.Color("63")).Padding(0, 1)
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	downStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	totalStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("117"))
)

// healthPayload and statsPayload mirror the service's wire JSON. The
// monitor keeps its own copies so it can be built and shipped standalone.
type healthPayload struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

type domainStats struct {
	Requests      int64            `json:"requests"`
	BrowserSolved int64            `json:"browserSolved"`
	SolverSolved  int64            `json:"solverSolved"`
	Failures      int64            `json:"failures"`
	AvgLatencyMs  int64            `json:"avgLatencyMs"`
	Challenges    map[string]int64 `json:"challenges"`
}

type statsPayload struct {
	UptimeSeconds int64                  `json:"uptimeSeconds"`
	Requests      int64                  `json:"requests"`
	BrowserSolved int64                  `json:"browserSolved"`
	SolverSolved  int64                  `json:"solverSolved"`
	Failures      int64                  `json:"failures"`
	Domains       map[string]domainStats `json:"domains"`
}

type tickMsg time.Time

// pollResult carries one round of endpoint responses back into Update.
type pollResult struct {
	health   *healthPayload
	stats    *statsPayload
	err      error
	polledAt time.Time
}

type model struct {
	baseURL  string
	client   *http.Client
	interval time.Duration

	health   *healthPayload
	stats    *statsPayload
	pollErr  error
	polledAt time.Time

	width  int
	height int
}

func newModel(baseURL string, interval time.Duration) model {
	return model{
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: 5 * time.Second},
		interval: interval,
		width:    80,
		height:   24,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.pollCmd(), tick(m.interval))
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m model) pollCmd() tea.Cmd {
	client, base := m.client, m.baseURL
	return func() tea.Msg {
		res := pollResult{polledAt: time.Now()}

		var h healthPayload
		if err := getJSON(client, base+"/health", &h); err != nil {
			res.err = err
			return res
		}
		res.health = &h

		var s statsPayload
		if err := getJSON(client, base+"/stats", &s); err != nil {
			res.err = err
			return res
		}
		res.stats = &s
		return res
	}
}

func getJSON(client *http.Client, url string, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: unexpected status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.pollCmd()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tickMsg:
		return m, tea.Batch(m.pollCmd(), tick(m.interval))

	case pollResult:
		m.polledAt = msg.polledAt
		m.pollErr = msg.err
		if msg.err == nil {
			m.health = msg.health
			m.stats = msg.stats
		}
	}

	return m, nil
}

func (m model) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Drawbridge Monitor"))
	b.WriteString(dimStyle.Render("  " + m.baseURL))
	b.WriteString("\n\n")

	b.WriteString(m.statusLine())
	b.WriteString("\n\n")

	if m.stats != nil {
		b.WriteString(m.totalsLine())
		b.WriteString("\n\n")
		b.WriteString(m.domainTable())
		b.WriteString("\n")
	}

	b.WriteString(dimStyle.Render(fmt.Sprintf("q quit · r refresh · polling every %s", m.interval)))
	b.WriteString("\n")

	return b.String()
}

func (m model) statusLine() string {
	if m.pollErr != nil {
		return downStyle.Render("● unreachable") + dimStyle.Render("  "+m.pollErr.Error())
	}
	if m.health == nil {
		return dimStyle.Render("● waiting for first poll...")
	}

	marker := okStyle.Render("● " + m.health.Status)
	if m.health.Status != "ok" {
		marker = downStyle.Render("● " + m.health.Status)
	}

	parts := []string{marker, "version " + m.health.Version}
	if m.stats != nil {
		parts = append(parts, "up "+formatUptime(m.stats.UptimeSeconds))
	}
	parts = append(parts, dimStyle.Render("polled "+m.polledAt.Format("15:04:05")))
	return strings.Join(parts, dimStyle.Render(" · "))
}

func (m model) totalsLine() string {
	s := m.stats
	rate := "-"
	if s.Requests > 0 {
		rate = fmt.Sprintf("%.1f%%", float64(s.BrowserSolved+s.SolverSolved)/float64(s.Requests)*100)
	}
	return totalStyle.Render(fmt.Sprintf(
		"requests %d   browser %d   solver %d   failed %d   success %s",
		s.Requests, s.BrowserSolved, s.SolverSolved, s.Failures, rate,
	))
}

func (m model) domainTable() string {
	s := m.stats
	if len(s.Domains) == 0 {
		return dimStyle.Render("no navigations recorded yet")
	}

	names := make([]string, 0, len(s.Domains))
	for name := range s.Domains {
		names = append(names, name)
	}
	// Busiest domains first, name as tiebreaker for a stable view
	sort.Slice(names, func(i, j int) bool {
		a, b := s.Domains[names[i]], s.Domains[names[j]]
		if a.Requests != b.Requests {
			return a.Requests > b.Requests
		}
		return names[i] < names[j]
	})

	maxRows := m.height - 10
	if maxRows < 3 {
		maxRows = 3
	}
	truncated := 0
	if len(names) > maxRows {
		truncated = len(names) - maxRows
		names = names[:maxRows]
	}

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf(
		"%-32s %8s %8s %8s %8s %9s", "DOMAIN", "REQS", "BROWSER", "SOLVER", "FAILED", "AVG",
	)))
	b.WriteString("\n")

	for _, name := range names {
		d := s.Domains[name]
		b.WriteString(fmt.Sprintf(
			"%-32s %8d %8d %8d %8d %9s\n",
			clip(name, 32), d.Requests, d.BrowserSolved, d.SolverSolved, d.Failures,
			formatLatency(d.AvgLatencyMs),
		))
	}

	if truncated > 0 {
		b.WriteString(dimStyle.Render(fmt.Sprintf("... and %d more", truncated)))
		b.WriteString("\n")
	}
	return b.String()
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}

func formatLatency(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return (time.Duration(ms) * time.Millisecond).Round(100 * time.Millisecond).String()
}

func formatUptime(seconds int64) string {
	d := time.Duration(seconds) * time.Second
	if d >= time.Hour {
		return d.Round(time.Minute).String()
	}
	return d.Round(time.Second).String()
}

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8191", "base URL of the Drawbridge instance")
	interval := flag.Duration("interval", 2*time.Second, "poll interval")
	flag.Parse()

	p := tea.NewProgram(newModel(*addr, *interval), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "drawbridge-top:", err)
		os.Exit(1)
	}
}
