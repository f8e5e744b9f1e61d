package output

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/wesleyorama2/volley/internal/loadgen/stats"
)

// htmlData contains all data needed to render the HTML report.
type htmlData struct {
	*stats.Report
	Codes        []codeCount
	FailureKinds []codeCount
	TimelineJSON template.JS
}

type codeCount struct {
	Label string
	Count int64
}

// timelinePoint is a single chart point.
type timelinePoint struct {
	Timestamp  string  `json:"timestamp"`
	RPS        float64 `json:"rps"`
	ErrorRate  float64 `json:"errorRate"`
	LatencyP50 float64 `json:"p50"`
	LatencyP99 float64 `json:"p99"`
}

var reportTemplate = template.Must(template.New("report").Funcs(template.FuncMap{
	"latency":  formatDurationShort,
	"duration": formatDuration,
	"number":   formatNumber,
	"bytes":    formatBytes,
	"percent":  func(f float64) string { return fmt.Sprintf("%.2f%%", f*100) },
	"rate":     func(f float64) string { return fmt.Sprintf("%.1f", f) },
	"upper":    strings.ToUpper,
}).Parse(htmlTemplate))

// WriteHTML renders the report as a standalone HTML page.
func WriteHTML(w io.Writer, r *stats.Report) error {
	if r == nil {
		return fmt.Errorf("report cannot be nil")
	}

	timeline, err := timelineJSON(r.Timeline)
	if err != nil {
		return fmt.Errorf("failed to convert timeline: %w", err)
	}

	data := htmlData{
		Report:       r,
		Codes:        sortedCodes(r.StatusCodes),
		FailureKinds: nonZero(r.Failures),
		TimelineJSON: template.JS(timeline),
	}

	var buf bytes.Buffer
	if err := reportTemplate.Execute(&buf, data); err != nil {
		return fmt.Errorf("failed to execute template: %w", err)
	}
	_, err = buf.WriteTo(w)
	return err
}

func timelineJSON(buckets []stats.Bucket) (string, error) {
	points := make([]timelinePoint, len(buckets))
	for i, b := range buckets {
		points[i] = timelinePoint{
			Timestamp:  b.Timestamp.Format(time.RFC3339),
			RPS:        b.IntervalRPS,
			ErrorRate:  b.IntervalErrorRate,
			LatencyP50: float64(b.LatencyP50) / float64(time.Millisecond),
			LatencyP99: float64(b.LatencyP99) / float64(time.Millisecond),
		}
	}

	data, err := json.Marshal(points)
	if err != nil {
		return "[]", err
	}
	return string(data), nil
}

func sortedCodes(codes map[int]int64) []codeCount {
	keys := make([]int, 0, len(codes))
	for code := range codes {
		keys = append(keys, code)
	}
	sort.Ints(keys)

	out := make([]codeCount, 0, len(keys))
	for _, code := range keys {
		out = append(out, codeCount{Label: fmt.Sprint(code), Count: codes[code]})
	}
	return out
}

func nonZero(counts map[string]int64) []codeCount {
	var out []codeCount
	for label, n := range counts {
		if n > 0 {
			out = append(out, codeCount{Label: label, Count: n})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Label < out[j].Label })
	return out
}

const htmlTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Method}} {{.URL}} - Volley Report</title>
    <script src="https://cdn.jsdelivr.net/npm/chart.js"></script>
    <style>
        :root {
            --bg: #f8fafc;
            --card: #ffffff;
            --text: #1e293b;
            --muted: #64748b;
            --border: #e2e8f0;
            --ok: #22c55e;
            --warn: #f59e0b;
            --error: #ef4444;
        }
        * { margin: 0; padding: 0; box-sizing: border-box; }
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, Arial, sans-serif;
            background: var(--bg);
            color: var(--text);
            line-height: 1.6;
        }
        .container { max-width: 1200px; margin: 0 auto; padding: 2rem; }
        header { margin-bottom: 1.5rem; }
        header .sub { color: var(--muted); font-size: 0.9rem; }
        .state { font-weight: 600; }
        .state.completed { color: var(--ok); }
        .state.failed { color: var(--error); }
        .grid { display: grid; grid-template-columns: repeat(auto-fit, minmax(200px, 1fr)); gap: 1rem; margin-bottom: 1.5rem; }
        .card { background: var(--card); border: 1px solid var(--border); border-radius: 8px; padding: 1rem; }
        .card .label { color: var(--muted); font-size: 0.8rem; text-transform: uppercase; }
        .card .value { font-size: 1.5rem; font-weight: 600; }
        table { width: 100%; border-collapse: collapse; }
        th, td { text-align: left; padding: 0.4rem 0.6rem; border-bottom: 1px solid var(--border); }
        h2 { font-size: 1.1rem; margin-bottom: 0.75rem; }
        section { margin-bottom: 1.5rem; }
    </style>
</head>
<body>
<div class="container">
    <header>
        <h1>{{.Method}} {{.URL}}</h1>
        <div class="sub">
            Run {{.RunID}} &middot; <span class="state {{.State}}">{{upper .State}}</span> &middot;
            {{.Workers}} workers &middot; target {{rate .TargetRPS}} rps &middot; {{duration .Elapsed}}
        </div>
    </header>

    <div class="grid">
        <div class="card"><div class="label">Requests</div><div class="value">{{number .TotalIssued}}</div></div>
        <div class="card"><div class="label">Success Rate</div><div class="value">{{percent .SuccessRate}}</div></div>
        <div class="card"><div class="label">Throughput</div><div class="value">{{rate .AchievedRPS}} rps</div></div>
        <div class="card"><div class="label">P95 Latency</div><div class="value">{{latency .Latency.P95}}</div></div>
        <div class="card"><div class="label">Received</div><div class="value">{{bytes .BytesReceived}}</div></div>
    </div>

    <section class="card">
        <h2>Latency</h2>
        <table>
            <tr><th>Min</th><th>Mean</th><th>P50</th><th>P90</th><th>P95</th><th>P99</th><th>Max</th></tr>
            <tr>
                <td>{{latency .Latency.Min}}</td><td>{{latency .Latency.Mean}}</td>
                <td>{{latency .Latency.P50}}</td><td>{{latency .Latency.P90}}</td>
                <td>{{latency .Latency.P95}}</td><td>{{latency .Latency.P99}}</td>
                <td>{{latency .Latency.Max}}</td>
            </tr>
        </table>
    </section>

    <div class="grid">
        <section class="card">
            <h2>Status Codes</h2>
            <table>
                {{range .Codes}}<tr><td>{{.Label}}</td><td>{{number .Count}}</td></tr>{{else}}<tr><td>none</td></tr>{{end}}
            </table>
        </section>
        <section class="card">
            <h2>Failures</h2>
            <table>
                {{range .FailureKinds}}<tr><td>{{.Label}}</td><td>{{number .Count}}</td></tr>{{else}}<tr><td>none</td></tr>{{end}}
                {{if .Abandoned}}<tr><td>abandoned</td><td>{{number .Abandoned}}</td></tr>{{end}}
            </table>
        </section>
        <section class="card">
            <h2>Connections</h2>
            <table>
                <tr><td>opened</td><td>{{number .Connections.Opened}}</td></tr>
                <tr><td>reused</td><td>{{number .Connections.Reused}}</td></tr>
                <tr><td>peak</td><td>{{number .Connections.Peak}}</td></tr>
                <tr><td>overflow</td><td>{{number .Connections.Overflow}}</td></tr>
            </table>
        </section>
    </div>

    <section class="card">
        <h2>Throughput</h2>
        <canvas id="rpsChart" height="80"></canvas>
    </section>
    <section class="card">
        <h2>Latency over time</h2>
        <canvas id="latencyChart" height="80"></canvas>
    </section>
</div>
<script>
    const timelineData = {{.TimelineJSON}};
    const labels = timelineData.map(p => new Date(p.timestamp).toLocaleTimeString());
    if (window.Chart && timelineData.length > 0) {
        new Chart(document.getElementById('rpsChart'), {
            type: 'line',
            data: { labels, datasets: [
                { label: 'rps', data: timelineData.map(p => p.rps), borderColor: '#3b82f6' },
                { label: 'error rate', data: timelineData.map(p => p.errorRate * 100), borderColor: '#ef4444', yAxisID: 'y1' }
            ] },
            options: { scales: { y1: { position: 'right', min: 0, max: 100 } } }
        });
        new Chart(document.getElementById('latencyChart'), {
            type: 'line',
            data: { labels, datasets: [
                { label: 'p50 (ms)', data: timelineData.map(p => p.p50), borderColor: '#22c55e' },
                { label: 'p99 (ms)', data: timelineData.map(p => p.p99), borderColor: '#f59e0b' }
            ] }
        });
    }
</script>
</body>
</html>
`
