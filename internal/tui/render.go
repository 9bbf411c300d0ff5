package tui

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/go-cortex/internal/persistence"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	headStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("252")).Bold(true)

	statusColors = map[string]lipgloss.Color{
		string(persistence.StatusRunning):  "42",
		string(persistence.StatusStarting): "214",
		string(persistence.StatusStopping): "214",
		string(persistence.StatusClearing): "214",
		string(persistence.StatusCrashed):  "196",
		string(persistence.StatusReplaced): "244",
		string(persistence.UsageBusy):      "214",
		string(persistence.UsageIdle):      "42",
		string(persistence.UsageDisabled):  "240",
	}
)

func statusText(s string) string {
	if c, ok := statusColors[s]; ok {
		return lipgloss.NewStyle().Foreground(c).Render(s)
	}
	return s
}

// Render formats a snapshot as the status screen shared by `status` and
// `watch`.
func Render(snap Snapshot) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Cortex " + snap.SessionID))
	b.WriteString("\n\n")

	if snap.Err != nil {
		b.WriteString(errStyle.Render("Error: " + humanError(snap.Err)))
		b.WriteString("\n")
		return b.String()
	}

	rec := snap.Record
	if rec == nil {
		b.WriteString(dimStyle.Render("No orchestrator record for this session."))
		b.WriteString("\n")
	} else {
		fmt.Fprintf(&b, "Status:    %s\n", statusText(string(rec.Status)))
		fmt.Fprintf(&b, "PID:       %d", rec.ProcessID)
		if rec.ParentProcessID > 0 {
			fmt.Fprintf(&b, " (parent %d)", rec.ParentProcessID)
		}
		b.WriteString("\n")
		fmt.Fprintf(&b, "Started:   %s\n", rec.StartedAt.Local().Format(time.DateTime))
		heartbeat := "(none)"
		if rec.HeartbeatAt != nil {
			heartbeat = fmt.Sprintf("%s ago", snap.At.Sub(*rec.HeartbeatAt).Truncate(time.Second))
		}
		fmt.Fprintf(&b, "Heartbeat: %s\n", heartbeat)
		if rec.BudgetsSpent != "" {
			fmt.Fprintf(&b, "Budget:    %s\n", dimStyle.Render(rec.BudgetsSpent))
		}
	}

	b.WriteString("\n")
	b.WriteString(renderCounts(snap.Counts))
	b.WriteString("\n")
	b.WriteString(renderUsage(snap.Usage))
	return b.String()
}

func renderCounts(counts map[persistence.ItemStatus]int) string {
	order := []persistence.ItemStatus{
		persistence.ItemPending,
		persistence.ItemProcessing,
		persistence.ItemCompleted,
		persistence.ItemFailed,
	}
	parts := make([]string, 0, len(order))
	for _, st := range order {
		parts = append(parts, fmt.Sprintf("%s %d", st, counts[st]))
	}
	return "Items:     " + strings.Join(parts, "  ") + "\n"
}

func renderUsage(usage []persistence.AgentUsage) string {
	if len(usage) == 0 {
		return dimStyle.Render("No agent usage recorded yet.") + "\n"
	}
	rows := append([]persistence.AgentUsage(nil), usage...)
	sort.Slice(rows, func(i, j int) bool { return rows[i].Role < rows[j].Role })

	var b strings.Builder
	b.WriteString(headStyle.Render(fmt.Sprintf("%-12s %-9s %6s %10s %10s", "ROLE", "STATUS", "CALLS", "COST", "LAST")))
	b.WriteString("\n")
	var total float64
	for _, u := range rows {
		total += u.CostTotal
		// Pad before styling so escape codes do not skew the columns.
		status := statusText(string(u.Status)) + strings.Repeat(" ", max(0, 9-len(u.Status)))
		fmt.Fprintf(&b, "%-12s %s %6d %10s %10s\n",
			u.Role, status, u.InvocationCount,
			fmt.Sprintf("$%.4f", u.CostTotal), fmt.Sprintf("$%.4f", u.LastCost))
	}
	fmt.Fprintf(&b, "%-12s %-9s %6s %10s\n", "total", "", "", fmt.Sprintf("$%.4f", total))
	return b.String()
}
