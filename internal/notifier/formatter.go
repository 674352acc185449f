package notifier

import (
	"fmt"
	"strings"
	"time"

	"MarketPulse/internal/model"

	"github.com/jedib0t/go-pretty/v6/table"
)

// Row is one symbol's line in an overview.
type Row struct {
	Stats     model.Stats
	State     model.EntryState
	Stale     bool
	FetchedAt time.Time
	LastError string
}

// FormatChange renders a ratio as a signed percentage, or "n/a" when absent.
func FormatChange(st model.Stats) string {
	if !st.HasChange {
		return "n/a"
	}
	return fmt.Sprintf("%+.2f%%", st.PercentChange*100)
}

// FormatStats renders one symbol as a single log-friendly line.
func FormatStats(r Row) string {
	var b strings.Builder
	b.WriteString(r.Stats.Symbol)
	if r.Stats.CurrentPrice > 0 {
		b.WriteString(fmt.Sprintf(" %.2f", r.Stats.CurrentPrice))
	}
	b.WriteString(" " + FormatChange(r.Stats))
	if r.Stats.HasRange {
		b.WriteString(fmt.Sprintf(" [%.2f - %.2f]", r.Stats.Low, r.Stats.High))
	}
	b.WriteString(" (" + r.State.String())
	if !r.FetchedAt.IsZero() {
		b.WriteString(", as of " + r.FetchedAt.Format("2006-01-02 15:04:05"))
	}
	b.WriteString(")")
	if r.LastError != "" {
		b.WriteString(" error: " + r.LastError)
	}
	return b.String()
}

// RenderTable renders an overview as a plain text table.
func RenderTable(rows []Row) string {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Symbol", "Price", "24h", "Low", "High", "State", "As of", "Error"})
	for _, r := range rows {
		price, low, high := "-", "-", "-"
		if r.Stats.CurrentPrice > 0 {
			price = fmt.Sprintf("%.2f", r.Stats.CurrentPrice)
		}
		if r.Stats.HasRange {
			low = fmt.Sprintf("%.2f", r.Stats.Low)
			high = fmt.Sprintf("%.2f", r.Stats.High)
		}
		asOf := "-"
		if !r.Stats.AsOf.IsZero() {
			asOf = r.Stats.AsOf.Format("15:04:05")
		}
		state := r.State.String()
		if r.Stale && r.State != model.StateStale {
			state += " (stale)"
		}
		t.AppendRow(table.Row{r.Stats.Symbol, price, FormatChange(r.Stats), low, high, state, asOf, r.LastError})
	}
	return t.Render()
}
