// Package output renders run progress and the final report on the console.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"github.com/wesleyorama2/chatload/internal/loadgen/coordinator"
)

const (
	cursorUp  = "\033[%dA"
	clearLine = "\033[2K"

	rule          = "━"
	barFilled     = "█"
	barEmpty      = "░"
	progressWidth = 40
)

// Palette holds the colors used by the console.
type Palette struct {
	Title   *color.Color
	Rule    *color.Color
	Value   *color.Color
	Dim     *color.Color
	Good    *color.Color
	Warn    *color.Color
	Bad     *color.Color
	Latency *color.Color
	Phase   *color.Color
}

func newPalette(enabled bool) *Palette {
	p := &Palette{
		Title:   color.New(color.Bold),
		Rule:    color.New(color.FgCyan),
		Value:   color.New(color.FgCyan),
		Dim:     color.New(color.Faint),
		Good:    color.New(color.FgGreen),
		Warn:    color.New(color.FgYellow),
		Bad:     color.New(color.FgRed),
		Latency: color.New(color.FgBlue),
		Phase:   color.New(color.FgMagenta),
	}
	for _, c := range []*color.Color{p.Title, p.Rule, p.Value, p.Dim, p.Good, p.Warn, p.Bad, p.Latency, p.Phase} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
	return p
}

// rate picks a color for an error rate.
func (p *Palette) rate(errorRate float64) *color.Color {
	switch {
	case errorRate > 0.05:
		return p.Bad
	case errorRate > 0.01:
		return p.Warn
	default:
		return p.Good
	}
}

// ConsoleConfig configures a Console.
type ConsoleConfig struct {
	Writer io.Writer
	Quiet  bool

	// NoColor disables colors even on a terminal
	NoColor bool

	// ForceTTY enables live redraws on writers that are not terminals
	ForceTTY bool
}

// Console prints the run header, live progress and the summary.
type Console struct {
	w     io.Writer
	tty   bool
	quiet bool
	p     *Palette

	mu    sync.Mutex
	lines int
}

// NewConsole creates a console writer. Colors and live redraws are only used
// when the writer is a terminal.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}
	tty := cfg.ForceTTY || isTerminal(cfg.Writer)
	colors := tty && !cfg.NoColor && os.Getenv("NO_COLOR") == ""

	return &Console{
		w:     cfg.Writer,
		tty:   tty,
		quiet: cfg.Quiet,
		p:     newPalette(colors),
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// IsTTY reports whether live redraws are enabled.
func (c *Console) IsTTY() bool { return c.tty }

// Header describes the run being started.
type Header struct {
	Name      string
	Host      string
	Sessions  int
	SpawnRate float64
	Duration  time.Duration
	Seed      int64
	Transport string
}

// PrintHeader prints the run banner.
func (c *Console) PrintHeader(h Header) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	name := h.Name
	if name == "" {
		name = "chatload"
	}
	line := strings.Repeat(rule, 56)
	c.println(c.p.Rule.Sprint(line))
	c.println(c.p.Title.Sprintf("%s - Running", name))
	c.println(c.p.Rule.Sprint(line))
	c.println(fmt.Sprintf("Target:     %s", c.p.Value.Sprint(h.Host)))
	c.println(fmt.Sprintf("Sessions:   %s at %s/s", c.p.Value.Sprint(h.Sessions), c.p.Value.Sprintf("%g", h.SpawnRate)))
	c.println(fmt.Sprintf("Duration:   %s", c.p.Value.Sprint(formatDuration(h.Duration))))
	c.println(fmt.Sprintf("Transport:  %s", h.Transport))
	c.println(fmt.Sprintf("Seed:       %d", h.Seed))
	c.println("")
}

// Update redraws the live progress block. It is a no-op off a terminal;
// use PrintProgressLine there.
func (c *Console) Update(p coordinator.Progress) {
	if c.quiet || !c.tty {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clear()
	lines := c.renderProgress(p)
	for _, l := range lines {
		c.println(l)
	}
	c.lines = len(lines)
}

// PrintProgressLine prints a one-line status, for logs and CI output.
func (c *Console) PrintProgressLine(p coordinator.Progress) {
	if c.quiet {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := p.Snapshot
	c.println(fmt.Sprintf("[%s] %s | sessions %d/%d | reqs %d | rps %.1f | errors %d (%.1f%%) | p95 %s",
		formatDuration(p.Elapsed),
		p.Phase,
		p.Active, p.Target,
		snap.TotalRequests,
		snap.RPS,
		snap.FailedRequests, snap.ErrorRate*100,
		formatLatency(snap.Latency.P95)))
}

func (c *Console) renderProgress(p coordinator.Progress) []string {
	snap := p.Snapshot

	fraction := 0.0
	if p.Duration > 0 {
		fraction = float64(p.Elapsed) / float64(p.Duration)
	}
	if fraction > 1 {
		fraction = 1
	}
	filled := int(fraction * progressWidth)
	bar := "[" + strings.Repeat(barFilled, filled) + strings.Repeat(barEmpty, progressWidth-filled) + "]"

	errColor := c.p.rate(snap.ErrorRate)
	return []string{
		fmt.Sprintf("Progress: %s %s | %s",
			c.p.Good.Sprint(bar),
			c.p.Title.Sprintf("%.0f%%", fraction*100),
			c.p.Dim.Sprintf("%s / %s", formatDuration(p.Elapsed), formatDuration(p.Duration))),
		fmt.Sprintf("Phase:    %s", c.p.Phase.Sprint(p.Phase)),
		fmt.Sprintf("Sessions: %s / %d active, %d spawned, %d dropped",
			c.p.Value.Sprint(p.Active), p.Target, p.Spawned, snap.DroppedSessions),
		fmt.Sprintf("Requests: %s  RPS %s  Errors %s",
			c.p.Value.Sprint(formatNumber(snap.TotalRequests)),
			c.p.Good.Sprintf("%.1f", snap.RPS),
			errColor.Sprintf("%d (%.1f%%)", snap.FailedRequests, snap.ErrorRate*100)),
		fmt.Sprintf("Latency:  p95 %s  avg %s",
			c.p.Latency.Sprint(formatLatency(snap.Latency.P95)),
			c.p.Latency.Sprint(formatLatency(snap.Latency.Mean))),
	}
}

func (c *Console) clear() {
	if c.lines == 0 {
		return
	}
	fmt.Fprintf(c.w, cursorUp, c.lines)
	for i := 0; i < c.lines; i++ {
		fmt.Fprint(c.w, clearLine+"\n")
	}
	fmt.Fprintf(c.w, cursorUp, c.lines)
	c.lines = 0
}

// PrintSummary prints the final report.
func (c *Console) PrintSummary(r *coordinator.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.quiet {
		c.println(fmt.Sprintf("requests=%d failures=%d sessions=%d dropped=%d",
			r.Totals.Requests, r.Totals.Failures, r.Sessions.Spawned, r.Sessions.Dropped))
		return
	}
	if c.tty {
		c.clear()
	}

	name := r.Name
	if name == "" {
		name = "chatload"
	}
	line := strings.Repeat(rule, 56)
	c.println("")
	c.println(c.p.Rule.Sprint(line))
	c.println(fmt.Sprintf("%s - %s", c.p.Title.Sprint(name), c.p.Good.Sprint("Completed")))
	c.println(c.p.Rule.Sprint(line))
	c.println("")

	c.println(fmt.Sprintf("Run:           %s", r.RunID))
	c.println(fmt.Sprintf("Duration:      %s", c.p.Value.Sprint(formatDuration(time.Duration(r.Duration)))))
	c.println(fmt.Sprintf("Total Reqs:    %s", c.p.Value.Sprint(formatNumber(r.Totals.Requests))))
	c.println(fmt.Sprintf("Success Rate:  %s", c.p.rate(r.Totals.ErrorRate).Sprintf("%.1f%%", (1-r.Totals.ErrorRate)*100)))
	c.println(fmt.Sprintf("Sessions:      %d spawned, %d stopped, %d force-terminated, %d dropped",
		r.Sessions.Spawned, r.Sessions.Stopped, r.Sessions.ForceTerminated, r.Sessions.Dropped))
	for reason, n := range r.Sessions.DroppedByReason {
		c.println(fmt.Sprintf("  dropped (%s): %d", reason, n))
	}
	c.println("")

	if len(r.Operations) == 0 {
		return
	}
	c.println(c.p.Title.Sprint("Operations:"))
	c.println(fmt.Sprintf("  %-22s %-9s %8s %8s %7s %9s %9s %9s %9s",
		"name", "channel", "count", "fails", "fail%", "p50", "p95", "p99", "max"))
	for _, op := range r.Operations {
		c.println(fmt.Sprintf("  %-22s %-9s %8d %8s %7s %9s %9s %9s %9s",
			op.Operation, op.Channel, op.Count,
			c.p.rate(op.FailureRate).Sprintf("%8d", op.Failures),
			c.p.rate(op.FailureRate).Sprintf("%6.1f%%", op.FailureRate*100),
			fmt.Sprintf("%.1fms", op.Latency.P50),
			fmt.Sprintf("%.1fms", op.Latency.P95),
			fmt.Sprintf("%.1fms", op.Latency.P99),
			fmt.Sprintf("%.1fms", op.Latency.Max)))
	}
	c.println("")
}

func (c *Console) println(s string) {
	fmt.Fprintln(c.w, s)
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		return fmt.Sprintf("%dm %02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %02dm %02ds", int(d.Hours()), int(d.Minutes())%60, int(d.Seconds())%60)
	}
}

func formatLatency(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return fmt.Sprintf("%dµs", d.Microseconds())
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
}

// formatNumber adds thousands separators.
func formatNumber(n int64) string {
	s := fmt.Sprintf("%d", n)
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}
	if len(s) <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}

	var b strings.Builder
	if neg {
		b.WriteByte('-')
	}
	head := len(s) % 3
	if head > 0 {
		b.WriteString(s[:head])
	}
	for i := head; i < len(s); i += 3 {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(s[i : i+3])
	}
	return b.String()
}
