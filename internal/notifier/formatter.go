package notifier

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"MarketPulse/internal/alert"
	"MarketPulse/internal/insight"
	"MarketPulse/internal/model"
	"MarketPulse/internal/monitor"
	"MarketPulse/internal/scheduler"
	"MarketPulse/internal/state"
)

var severityIcon = map[model.Severity]string{
	model.SeverityLow:      "ℹ️",
	model.SeverityMedium:   "🔔",
	model.SeverityHigh:     "⚠️",
	model.SeverityCritical: "🚨",
}

// FormatNotification renders an alert for Telegram (HTML parse mode).
func FormatNotification(n model.AlertNotification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b> | %s | %s\n\n", severityIcon[n.Event.Severity],
		html.EscapeString(n.Event.Symbol), n.Event.Code, n.Event.Severity)
	b.WriteString(html.EscapeString(n.Message))
	fmt.Fprintf(&b, "\n\n<i>%s</i>", n.SentAt.Format("2006-01-02 15:04:05 MST"))
	return b.String()
}

func optional(v *float64) string {
	if v == nil {
		return "n/a"
	}
	return fmt.Sprintf("%.2f", *v)
}

// FormatSnapshot renders a symbol's market state.
func FormatSnapshot(s *model.MarketSnapshot) string {
	if s == nil {
		return "Không có dữ liệu."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "📈 <b>%s</b>", html.EscapeString(s.Symbol))
	if s.Stale {
		b.WriteString(" (stale)")
	}
	b.WriteString("\n\n")
	change := "n/a"
	if s.ChangePct != nil {
		change = fmt.Sprintf("%+.2f%%", *s.ChangePct)
	}
	fmt.Fprintf(&b, "Giá: %s (%s)\n", humanize.CommafWithDigits(s.LastPrice, 2), change)
	fmt.Fprintf(&b, "Phiên %s: O %.2f | H %.2f | L %.2f\n", s.SessionDate.Format("02/01/2006"), s.SessionOpen, s.SessionHigh, s.SessionLow)
	fmt.Fprintf(&b, "KL phiên: %s\n", humanize.Comma(s.SessionVolume))
	fmt.Fprintf(&b, "MA20: %s | MA50: %s | RSI14: %s\n", optional(s.MA20), optional(s.MA50), optional(s.RSI14))
	fmt.Fprintf(&b, "Bars: %d intraday, %d daily\n", s.IntradayBars, s.DailyBars)
	fmt.Fprintf(&b, "Cập nhật: %s", humanize.Time(s.UpdatedAt))
	return b.String()
}

// FormatSymbols lists tracked symbols.
func FormatSymbols(symbols []string) string {
	if len(symbols) == 0 {
		return "Chưa theo dõi mã nào."
	}
	return fmt.Sprintf("📋 <b>%d mã</b>\n%s", len(symbols), html.EscapeString(strings.Join(symbols, ", ")))
}

// FormatStatus summarises the pipeline status.
func FormatStatus(st monitor.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🩺 <b>MarketPulse</b> | uptime %s\n\n", (time.Duration(st.UptimeSeconds) * time.Second).String())
	fmt.Fprintf(&b, "Insights (%.0fs): %d | tổng %d\n", st.WindowSeconds, st.Activity.InsightsInWindow, st.Activity.InsightsTotal)
	fmt.Fprintf(&b, "Alerts (%.0fs): %d | tổng %d\n", st.WindowSeconds, st.Activity.AlertsInWindow, st.Activity.AlertsTotal)
	if st.Activity.CapHitsTotal > 0 {
		fmt.Fprintf(&b, "Daily cap hits: %d\n", st.Activity.CapHitsTotal)
	}
	if ps, ok := st.Poller.Stats.(scheduler.Stats); ok {
		fmt.Fprintf(&b, "Poller: %d cycles, %d failed, %d fetch errors\n", ps.CyclesRun, ps.CyclesFailed, ps.FetchErrors)
	}
	if ss, ok := st.State.Stats.(state.Stats); ok {
		fmt.Fprintf(&b, "State: %d mã, %d stale\n", ss.TrackedSymbols, ss.StaleSymbols)
	}
	if is, ok := st.Insights.Stats.(insight.Stats); ok {
		fmt.Fprintf(&b, "Detector: %d phân tích, %d lỗi\n", is.AnalysesRun, is.DetectorFailures)
	}
	if as, ok := st.Alerts.Stats.(alert.Stats); ok {
		if as.InWarmup {
			fmt.Fprintf(&b, "Router: warm-up, còn %.0fs\n", as.WarmupRemaining)
		} else {
			fmt.Fprintf(&b, "Router: %d gửi, %d cooldown, %d vượt giới hạn\n", as.NotificationsSent, as.CooldownSkipped, as.DailyLimitSkipped)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// HelpText lists the supported commands.
func HelpText() string {
	return "Lệnh hỗ trợ:\n• /status\n• /symbols\n• /snapshot MÃ"
}
