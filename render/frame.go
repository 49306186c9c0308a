package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"polyflow/models"
)

const (
	frameWidth = 78
	sparkWidth = 60
)

// sparkRamp maps normalized price to a display character, lowest first.
const sparkRamp = ".:-=+*#%@"

// frameData is everything one frame needs, gathered in a single pass so the
// frame itself is a pure function of its inputs.
type frameData struct {
	View       models.BookView
	Status     models.FeedStatus
	Instrument models.Instrument
	Outcome    string
	History    []models.PricePoint
	HistMin    decimal.Decimal
	HistMax    decimal.Decimal
	HasHistory bool
	RefPrice   decimal.Decimal
	HasRef     bool
	Now        time.Time
}

// buildFrame renders one fixed-width plain-text frame of the book.
func buildFrame(d frameData) string {
	var b strings.Builder
	rule := strings.Repeat("-", frameWidth)

	question := d.Instrument.Question
	if question == "" {
		question = "(no market selected)"
	}
	fmt.Fprintf(&b, "%s\n", truncate(question, frameWidth))

	statusLine := fmt.Sprintf("state %s  up %s", d.Status.State, formatAge(d.Now.Sub(d.Status.Since)))
	if d.Outcome != "" {
		statusLine += fmt.Sprintf("  outcome %s", d.Outcome)
	}
	if d.View.Sequence > 0 {
		statusLine += fmt.Sprintf("  seq %d  src %s", d.View.Sequence, d.View.Source)
	}
	fmt.Fprintf(&b, "%s\n", truncate(statusLine, frameWidth))

	if d.Status.Reason != "" {
		fmt.Fprintf(&b, "%s\n", truncate("      "+d.Status.Reason, frameWidth))
	}
	if d.Status.Failure != "" {
		fmt.Fprintf(&b, "%s\n", truncate("!! "+d.Status.Failure, frameWidth))
	}

	b.WriteString(rule)
	b.WriteByte('\n')

	if len(d.View.Bids) == 0 && len(d.View.Asks) == 0 {
		b.WriteString("waiting for book data...\n")
	} else {
		writeDepthTable(&b, d.View)
	}

	b.WriteString(rule)
	b.WriteByte('\n')

	writeStats(&b, d.View)

	if d.HasRef {
		fmt.Fprintf(&b, "btc reference %s\n", d.RefPrice.StringFixed(2))
	}

	if d.HasHistory && len(d.History) > 0 {
		fmt.Fprintf(&b, "history %s [%s] %s\n",
			d.HistMin.StringFixed(3),
			sparkline(d.History, d.HistMin, d.HistMax, sparkWidth),
			d.HistMax.StringFixed(3))
	}

	if !d.View.LastUpdated.IsZero() {
		fmt.Fprintf(&b, "updated %s\n", d.View.LastUpdated.Format("15:04:05.000"))
	}

	return b.String()
}

// writeDepthTable prints bids and asks side by side, best prices on the first
// row, each level annotated with its size trend marker.
func writeDepthTable(b *strings.Builder, view models.BookView) {
	fmt.Fprintf(b, "%14s %9s   |   %-9s %-14s\n", "BID SIZE", "BID", "ASK", "ASK SIZE")

	rows := len(view.Bids)
	if len(view.Asks) > rows {
		rows = len(view.Asks)
	}
	for i := 0; i < rows; i++ {
		left := strings.Repeat(" ", 26)
		if i < len(view.Bids) {
			l := view.Bids[i]
			left = fmt.Sprintf("%14s %9s %c", l.Size.StringFixed(2), l.Price.StringFixed(3), trendMark(l.Trend))
		}
		right := ""
		if i < len(view.Asks) {
			l := view.Asks[i]
			right = fmt.Sprintf("%c %-9s %-14s", trendMark(l.Trend), l.Price.StringFixed(3), l.Size.StringFixed(2))
		}
		fmt.Fprintf(b, "%s  |  %s\n", left, strings.TrimRight(right, " "))
	}
}

func writeStats(b *strings.Builder, view models.BookView) {
	stats := view.Stats
	if stats.BidLevels == 0 && stats.AskLevels == 0 {
		return
	}

	fmt.Fprintf(b, "spread %s  mid %s  wmid %s\n",
		formatOptional(stats.Spread, 3),
		formatOptional(stats.MidPrice, 4),
		formatOptional(stats.WeightedMid, 4))
	line := fmt.Sprintf("depth %s / %s  levels %d / %d",
		formatOptional(stats.BidDepth, 2),
		formatOptional(stats.AskDepth, 2),
		stats.BidLevels, stats.AskLevels)
	if !view.TickSize.IsZero() {
		line += fmt.Sprintf("  tick %s", view.TickSize.String())
	}
	if !view.LastTradePrice.IsZero() {
		line += fmt.Sprintf("  last %s", view.LastTradePrice.StringFixed(3))
		if view.LastTradeSide != "" {
			line += fmt.Sprintf(" (%s)", view.LastTradeSide)
		}
	}
	fmt.Fprintf(b, "%s\n", truncate(line, frameWidth))
}

// sparkline draws the most recent points on an ASCII ramp scaled to the
// recorded min/max. A flat series renders on the middle of the ramp.
func sparkline(points []models.PricePoint, min, max decimal.Decimal, width int) string {
	if len(points) == 0 || width <= 0 {
		return ""
	}
	if len(points) > width {
		points = points[len(points)-width:]
	}

	span := max.Sub(min)
	levels := int64(len(sparkRamp) - 1)
	out := make([]byte, len(points))
	for i, p := range points {
		idx := int64(len(sparkRamp) / 2)
		if span.Sign() > 0 {
			idx = p.Price.Sub(min).Mul(decimal.NewFromInt(levels)).Div(span).IntPart()
			if idx < 0 {
				idx = 0
			}
			if idx > levels {
				idx = levels
			}
		}
		out[i] = sparkRamp[idx]
	}
	return string(out)
}

func trendMark(t models.Trend) byte {
	switch t {
	case models.TrendUp:
		return '+'
	case models.TrendDown:
		return '-'
	default:
		return ' '
	}
}

// formatOptional renders a stat value, or a dash when it was not derivable
// from the current book.
func formatOptional(d decimal.Decimal, places int32) string {
	if d.IsZero() {
		return "-"
	}
	return d.StringFixed(places)
}

func formatAge(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func truncate(s string, width int) string {
	if len(s) <= width {
		return s
	}
	if width <= 3 {
		return s[:width]
	}
	return s[:width-3] + "..."
}
