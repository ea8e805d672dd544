package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/strand-protocol/devgate/pkg/ctl/api"
	"github.com/strand-protocol/devgate/pkg/observability"
)

// successColor grades a success rate.
func successColor(rate float64) lipgloss.Color {
	switch {
	case rate >= 95:
		return lipgloss.Color("2")
	case rate >= 90:
		return lipgloss.Color("3")
	default:
		return lipgloss.Color("1")
	}
}

func renderOverview(s *observability.Stats) string {
	rate := lipgloss.NewStyle().Bold(true).Foreground(successColor(s.Requests.SuccessRate)).
		Render(fmt.Sprintf("%.2f%%", s.Requests.SuccessRate))
	lines := []struct{ label, value string }{
		{"Uptime", s.Uptime.Human},
		{"Requests", fmt.Sprintf("%d (%d ok, %d failed)", s.Requests.Total, s.Requests.Successful, s.Requests.Failed)},
		{"Success rate", rate},
		{"Requests / minute", fmt.Sprintf("%.2f", s.Requests.PerMinute)},
		{"Avg response", fmt.Sprintf("%.2f ms", s.Performance.AvgResponseMs)},
		{"p50 / p95 / p99", fmt.Sprintf("%.0f / %.0f / %.0f ms", s.Performance.P50Ms, s.Performance.P95Ms, s.Performance.P99Ms)},
		{"Rate limit hits", fmt.Sprintf("%d", s.Performance.RateLimitHits)},
		{"Offline events", fmt.Sprintf("%d (%d cached)", s.Devices.OfflineEvents, s.Devices.CachedOffline)},
	}
	var sb strings.Builder
	for _, l := range lines {
		sb.WriteString("  ")
		sb.WriteString(labelStyle.Render(l.label))
		sb.WriteString(l.value)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}

// table renders header and rows with zebra striping. widths are fractions of
// width.
func table(headers []string, fractions []float64, rows [][]string, width int) string {
	cols := make([]int, len(fractions))
	for i, f := range fractions {
		cols[i] = colWidth(width, f)
	}
	cells := make([]string, len(headers))
	for i, h := range headers {
		cells[i] = headerCellStyle.Width(cols[i]).Render(h)
	}
	out := []string{strings.Join(cells, "")}
	for r, row := range rows {
		style := rowStyle
		if r%2 == 0 {
			style = altRowStyle
		}
		cells := make([]string, len(row))
		for i, c := range row {
			cells[i] = style.Width(cols[i]).Render(truncate(c, cols[i]-1))
		}
		out = append(out, strings.Join(cells, ""))
	}
	return strings.Join(out, "\n")
}

func renderCounts(title string, counts []observability.Count, width int) string {
	if len(counts) == 0 {
		return dimStyle.Render("  No requests recorded.")
	}
	rows := make([][]string, len(counts))
	for i, c := range counts {
		rows[i] = []string{c.Key, fmt.Sprintf("%d", c.Count)}
	}
	return table([]string{title, "REQUESTS"}, []float64{0.7, 0.2}, rows, width)
}

func renderDevices(top []observability.Count, offline []api.OfflineDevice, width int) string {
	var sb strings.Builder
	sb.WriteString(renderCounts("DEVICE", top, width))
	sb.WriteString("\n\n")
	if len(offline) == 0 {
		sb.WriteString(dimStyle.Render("  No devices marked offline."))
		return sb.String()
	}
	rows := make([][]string, len(offline))
	for i, o := range offline {
		rows[i] = []string{o.DeviceID, o.Details, fmt.Sprintf("%ds", (o.CacheExpiresIn+999)/1000)}
	}
	sb.WriteString(table([]string{"OFFLINE DEVICE", "DETAILS", "EXPIRES IN"}, []float64{0.35, 0.4, 0.15}, rows, width))
	return sb.String()
}

func renderErrors(byCode map[string]int64, recent []observability.Outcome, width int) string {
	if len(byCode) == 0 {
		return dimStyle.Render("  No errors recorded.")
	}
	codes := make([]string, 0, len(byCode))
	for c := range byCode {
		codes = append(codes, c)
	}
	sort.Slice(codes, func(i, j int) bool {
		if byCode[codes[i]] != byCode[codes[j]] {
			return byCode[codes[i]] > byCode[codes[j]]
		}
		return codes[i] < codes[j]
	})
	rows := make([][]string, len(codes))
	for i, c := range codes {
		rows[i] = []string{c, fmt.Sprintf("%d", byCode[c])}
	}
	var sb strings.Builder
	sb.WriteString(table([]string{"CODE", "COUNT"}, []float64{0.5, 0.2}, rows, width))
	if len(recent) > 0 {
		last := make([][]string, 0, len(recent))
		for _, o := range recent {
			last = append(last, []string{o.Time.Format("15:04:05"), o.Code, o.Method + " " + o.Endpoint, o.DeviceID})
		}
		sb.WriteString("\n\n")
		sb.WriteString(table([]string{"TIME", "CODE", "REQUEST", "DEVICE"}, []float64{0.12, 0.25, 0.4, 0.18}, last, width))
	}
	return sb.String()
}

// colWidth converts a fractional width into an integer column width.
func colWidth(totalWidth int, fraction float64) int {
	w := int(float64(totalWidth) * fraction)
	if w < 8 {
		w = 8
	}
	return w
}

// truncate shortens s to maxLen runes, appending "…" if truncation occurred.
func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	if maxLen <= 1 {
		return string(runes[:maxLen])
	}
	return string(runes[:maxLen-1]) + "…"
}
