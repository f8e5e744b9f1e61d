// Package output renders run progress and reports for the terminal and
// for machine consumption.
package output

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/wesleyorama2/volley/internal/config"
	"github.com/wesleyorama2/volley/internal/loadgen/stats"
)

// LegalNotice is printed before every run.
const LegalNotice = "[!] LEGAL NOTICE: Use only against systems you own or have permission to test!"

// ANSI escape codes for the live status line
const (
	carriageReturn = "\r"
	clearToEnd     = "\033[K"
)

const ruleWidth = 56

// ConsoleConfig contains configuration for Console.
type ConsoleConfig struct {
	Writer   io.Writer
	NoColor  bool
	Quiet    bool
	ForceTTY bool
}

// Console writes the run header, live status and final summary.
//
// On a terminal the status line is redrawn in place; otherwise one line
// is written per update.
type Console struct {
	writer  io.Writer
	scheme  *ColorScheme
	isTTY   bool
	quiet   bool
	noColor bool

	mu   sync.Mutex
	live bool // a status line is on screen without a trailing newline
}

// NewConsole creates a console.
func NewConsole(cfg ConsoleConfig) *Console {
	if cfg.Writer == nil {
		cfg.Writer = os.Stdout
	}

	isTTY := cfg.ForceTTY || IsTerminal(cfg.Writer)
	noColor := cfg.NoColor || !isTTY || !SupportsColors()

	scheme := DefaultColorScheme()
	if noColor {
		scheme = NoColorScheme()
	}

	return &Console{
		writer:  cfg.Writer,
		scheme:  scheme,
		isTTY:   isTTY,
		quiet:   cfg.Quiet,
		noColor: noColor,
	}
}

// IsTTY returns whether the output is a terminal.
func (c *Console) IsTTY() bool {
	return c.isTTY
}

// PrintNotice writes the legal notice to w.
func PrintNotice(w io.Writer, noColor bool) {
	fmt.Fprintln(w, WarningIcon(noColor)+" "+LegalNotice)
}

// PrintHeader prints the run parameters.
func (c *Console) PrintHeader(cfg *config.RunConfig) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.scheme
	rule := strings.Repeat("=", ruleWidth)

	c.writeln(s.Dim.Sprint(rule))
	c.writeln(fmt.Sprintf("%s %s", s.Method.Sprint(cfg.Target.Method), s.URL.Sprint(cfg.Target.URL.String())))
	c.writeln(fmt.Sprintf("%s %s   %s %s   %s %s",
		s.Label.Sprint("Threads:"), s.Value.Sprint(cfg.Workers),
		s.Label.Sprint("Duration:"), s.Value.Sprint(formatDuration(cfg.Duration)),
		s.Label.Sprint("RPS:"), s.Value.Sprint(formatRate(cfg.RPS))))
	if cfg.MaxRequests > 0 {
		c.writeln(fmt.Sprintf("%s %s", s.Label.Sprint("Request limit:"), s.Value.Sprint(formatNumber(cfg.MaxRequests))))
	}
	c.writeln(s.Dim.Sprint(rule))
}

// StatusLine renders the one-line progress summary.
func StatusLine(r *stats.Report) string {
	rps := 0.0
	if r.Elapsed > 0 {
		rps = float64(r.TotalIssued) / r.Elapsed.Seconds()
	}
	return fmt.Sprintf("[Status] Reqs: %d | OK: %d | ERR: %d | RPS: %.1f | Time: %.1fs",
		r.TotalIssued, r.Succeeded, r.Failed, rps, r.Elapsed.Seconds())
}

// Update shows a progress report.
func (c *Console) Update(r stats.Report) {
	if c.quiet {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	line := StatusLine(&r)
	if r.Failed > 0 {
		line = strings.Replace(line, fmt.Sprintf("ERR: %d", r.Failed),
			c.scheme.ForRate(r.ErrorRate()).Sprintf("ERR: %d", r.Failed), 1)
	}

	if c.isTTY {
		c.write(carriageReturn + line + clearToEnd)
		c.live = true
		return
	}
	c.writeln(line)
}

// PrintSummary prints the final report.
func (c *Console) PrintSummary(r *stats.Report) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live {
		c.writeln("")
		c.live = false
	}

	s := c.scheme

	if c.quiet {
		status := SuccessIcon(c.noColor)
		if r.Failed > 0 {
			status = ErrorIcon(c.noColor)
		}
		c.writeln(fmt.Sprintf("%s %s", status, StatusLine(r)))
		return
	}

	rule := strings.Repeat("=", ruleWidth)
	c.writeln("")
	c.writeln(s.Dim.Sprint(rule))
	state := strings.ToUpper(r.State)
	if state == "" {
		state = "COMPLETE"
	}
	c.writeln(s.Label.Sprintf("[TEST %s]", state))
	if r.RunID != "" {
		c.writeln(fmt.Sprintf("Run ID:          %s", s.Dim.Sprint(r.RunID)))
	}
	c.writeln(fmt.Sprintf("Total duration:  %s", s.Value.Sprint(formatDuration(r.Elapsed))))
	if r.IssueDuration > 0 && r.IssueDuration < r.Elapsed {
		c.writeln(fmt.Sprintf("Issuing window:  %s", s.Value.Sprint(formatDuration(r.IssueDuration))))
	}
	c.writeln(fmt.Sprintf("Requests sent:   %s", s.Value.Sprint(formatNumber(r.TotalIssued))))
	c.writeln(fmt.Sprintf("Successful:      %s (%.1f%%)", s.Success.Sprint(formatNumber(r.Succeeded)), r.SuccessRate()*100))
	c.writeln(fmt.Sprintf("Failed:          %s", s.ForRate(r.ErrorRate()).Sprint(formatNumber(r.Failed))))

	rates := fmt.Sprintf("Achieved RPS:    %s", s.Value.Sprint(formatRate(r.AchievedRPS)))
	if r.TargetRPS > 0 {
		rates += fmt.Sprintf(" (target %s", formatRate(r.TargetRPS))
		if r.SteadyStateRPS > 0 {
			rates += fmt.Sprintf(", steady %s", formatRate(r.SteadyStateRPS))
		}
		rates += ")"
	}
	c.writeln(rates)
	c.writeln(fmt.Sprintf("Received:        %s", s.Value.Sprint(formatBytes(r.BytesReceived))))

	if r.Failed > 0 {
		c.writeln("")
		c.writeln(s.Label.Sprint("Failures:"))
		for _, k := range sortedKeys(r.Failures) {
			if n := r.Failures[k]; n > 0 {
				c.writeln(fmt.Sprintf("  %-16s %s", k+":", s.Error.Sprint(formatNumber(n))))
			}
		}
		for _, k := range sortedKeys(r.NetworkErrors) {
			c.writeln(fmt.Sprintf("    %-14s %s", k+":", formatNumber(r.NetworkErrors[k])))
		}
		if r.Abandoned > 0 {
			c.writeln(s.Dim.Sprintf("  (%d abandoned at shutdown)", r.Abandoned))
		}
	}

	if r.Latency.Count > 0 {
		l := r.Latency
		c.writeln("")
		c.writeln(s.Label.Sprint("Latency (successful requests):"))
		c.writeln(fmt.Sprintf("  Min:    %-10s Mean:   %-10s StdDev: %s", formatDurationShort(l.Min), formatDurationShort(l.Mean), formatDurationShort(l.StdDev)))
		c.writeln(fmt.Sprintf("  P50:    %-10s P90:    %-10s P95:    %s", formatDurationShort(l.P50), formatDurationShort(l.P90), formatDurationShort(l.P95)))
		c.writeln(fmt.Sprintf("  P99:    %-10s Max:    %s", formatDurationShort(l.P99), formatDurationShort(l.Max)))
	}

	if len(r.StatusCodes) > 0 || r.StatusClasses["other"] > 0 {
		c.writeln("")
		c.writeln(s.Label.Sprint("Status codes:"))
		codes := make([]int, 0, len(r.StatusCodes))
		for code := range r.StatusCodes {
			codes = append(codes, code)
		}
		sort.Ints(codes)
		for _, code := range codes {
			c.writeln(fmt.Sprintf("  %s: %s", s.ForStatus(code).Sprint(code), formatNumber(r.StatusCodes[code])))
		}
		if n := r.StatusClasses["other"]; n > 0 {
			c.writeln(fmt.Sprintf("  %s: %s", s.StatusError.Sprint("other"), formatNumber(n)))
		}
	}

	conns := r.Connections
	c.writeln("")
	c.writeln(fmt.Sprintf("%s opened %d, reused %d, peak %d, discarded %d, overflow %d",
		s.Label.Sprint("Connections:"), conns.Opened, conns.Reused, conns.Peak, conns.Discarded, conns.Overflow))
	c.writeln(s.Dim.Sprint(rule))
}

// write writes to the output without a newline.
func (c *Console) write(s string) {
	fmt.Fprint(c.writer, s)
}

// writeln writes to the output with a newline.
func (c *Console) writeln(s string) {
	fmt.Fprintln(c.writer, s)
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatDuration formats a duration in a human-readable format.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %02ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %02dm %02ds", h, m, s)
}

// formatDurationShort formats a latency.
func formatDurationShort(d time.Duration) string {
	if d < time.Microsecond {
		return "0ms"
	}
	if d < time.Millisecond {
		return fmt.Sprintf("%dµs", d.Microseconds())
	}
	if d < time.Second {
		return fmt.Sprintf("%.2fms", float64(d)/float64(time.Millisecond))
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%.1fm", d.Minutes())
}

func formatRate(rps float64) string {
	return fmt.Sprintf("%.1f", rps)
}

// formatNumber formats a number with thousands separators.
func formatNumber(n int64) string {
	if n < 0 {
		return "-" + formatNumber(-n)
	}
	str := fmt.Sprintf("%d", n)
	if len(str) <= 3 {
		return str
	}

	var result strings.Builder
	offset := len(str) % 3
	if offset > 0 {
		result.WriteString(str[:offset])
	}
	for i := offset; i < len(str); i += 3 {
		if result.Len() > 0 {
			result.WriteString(",")
		}
		result.WriteString(str[i : i+3])
	}
	return result.String()
}

// formatBytes formats a byte count with a binary unit.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
