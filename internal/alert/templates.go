package alert

import (
	"fmt"
	"math"
	"strings"
	"text/template"

	"github.com/dustin/go-humanize"

	"MarketPulse/internal/model"
)

var viTemplates = map[model.InsightCode]string{
	model.BullishCandle:  `Nến tăng mạnh với thân nến chiếm {{pct .body_percent}} biên độ, giá đóng cửa tăng {{signed .close_change_pct}}% so với mở cửa. Tín hiệu tăng giá trong ngắn hạn.`,
	model.UpperWick:      `Nến có bóng trên dài ({{pct .wick_percent}} biên độ), bị từ chối tại mức {{num .high}}. Lực bán mạnh ở vùng giá cao.`,
	model.GapOpen:        `Gap {{if eq .gap_type "up"}}tăng{{else}}giảm{{end}} {{f1 .gap_percent}}% so với phiên trước (đóng cửa {{num .prev_close}}, mở cửa {{num .today_open}}). Tín hiệu biến động mạnh.`,
	model.FailedBreakout: `Thất bại breakout: chạm đỉnh {{.n_days}} phiên ({{num .n_day_high}}) nhưng đóng cửa giảm tại {{num .today_close}}. Cảnh báo đảo chiều.`,
	model.VolumeBreakout: `Breakout với khối lượng cao gấp {{f1 .volume_ratio}} lần trung bình, giá thay đổi {{signed .price_change_pct}}%. Tín hiệu xác nhận xu hướng.`,
	model.VolumeDiverge:  `Giá tăng {{signed .price_change_pct}}% nhưng khối lượng chỉ đạt {{pct .volume_ratio}} trung bình. Phân kỳ giá-khối lượng, tín hiệu yếu.`,
	model.VolumeClimax:   `Khối lượng đạt đỉnh ({{num .volume}}), nằm trong top 5% của {{.total_bars}} phiên gần nhất. Có thể là tín hiệu đảo chiều hoặc bùng nổ.`,
	model.MACross:        `{{if eq .cross_type "golden"}}Golden Cross: MA20 ({{num .ma20}}) cắt lên trên MA50 ({{num .ma50}}). Tín hiệu tăng giá trung hạn.{{else}}Death Cross: MA20 ({{num .ma20}}) cắt xuống dưới MA50 ({{num .ma50}}). Tín hiệu giảm giá trung hạn.{{end}}`,
	model.RSIOverbought:  `RSI đạt {{f1 .rsi14}} (quá mua, >70). Cổ phiếu có thể đã tăng quá nhanh, cân nhắc chốt lời.`,
	model.RSIOversold:    `RSI xuống {{f1 .rsi14}} (quá bán, <30). Cổ phiếu có thể đã giảm quá sâu, cân nhắc mua vào.`,
}

var enTemplates = map[model.InsightCode]string{
	model.BullishCandle:  `Strong bullish candle: body is {{pct .body_percent}} of the range, close {{signed .close_change_pct}}% vs open. Short-term bullish signal.`,
	model.UpperWick:      `Long upper wick ({{pct .wick_percent}} of the range), rejected at {{num .high}}. Heavy selling near the highs.`,
	model.GapOpen:        `Gap {{.gap_type}} of {{f1 .gap_percent}}% vs the previous session (close {{num .prev_close}}, open {{num .today_open}}). Strong volatility.`,
	model.FailedBreakout: `Failed breakout: touched the {{.n_days}}-day high ({{num .n_day_high}}) but closed lower at {{num .today_close}}. Reversal warning.`,
	model.VolumeBreakout: `Volume breakout at {{f1 .volume_ratio}}x the average, price {{signed .price_change_pct}}%. Trend confirmation.`,
	model.VolumeDiverge:  `Price up {{signed .price_change_pct}}% on only {{pct .volume_ratio}} of average volume. Price/volume divergence, weak signal.`,
	model.VolumeClimax:   `Volume climax ({{num .volume}}), top 5% of the last {{.total_bars}} bars. Possible reversal or breakout.`,
	model.MACross:        `{{if eq .cross_type "golden"}}Golden Cross: MA20 ({{num .ma20}}) crossed above MA50 ({{num .ma50}}). Medium-term bullish.{{else}}Death Cross: MA20 ({{num .ma20}}) crossed below MA50 ({{num .ma50}}). Medium-term bearish.{{end}}`,
	model.RSIOverbought:  `RSI at {{f1 .rsi14}} (overbought, >70). The stock may have run up too fast, consider taking profit.`,
	model.RSIOversold:    `RSI at {{f1 .rsi14}} (oversold, <30). The stock may have fallen too far, consider buying.`,
}

// Templates renders localized insight explanations.
type Templates struct {
	byLocale map[string]map[model.InsightCode]*template.Template
}

var funcs = template.FuncMap{
	"pct": func(v any) (string, error) {
		f, err := toFloat(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%.0f%%", f*100), nil
	},
	"signed": func(v any) (string, error) {
		f, err := toFloat(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%+.1f", f), nil
	},
	"f1": func(v any) (string, error) {
		f, err := toFloat(v)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%.1f", f), nil
	},
	"num": func(v any) (string, error) {
		f, err := toFloat(v)
		if err != nil {
			return "", err
		}
		return humanize.Commaf(math.Round(f)), nil
	},
}

// NewTemplates parses the built-in vi and en template sets.
func NewTemplates() *Templates {
	t := &Templates{byLocale: make(map[string]map[model.InsightCode]*template.Template)}
	for locale, set := range map[string]map[model.InsightCode]string{"vi": viTemplates, "en": enTemplates} {
		parsed := make(map[model.InsightCode]*template.Template, len(set))
		for code, body := range set {
			parsed[code] = template.Must(template.New(string(code)).Funcs(funcs).Option("missingkey=error").Parse(body))
		}
		t.byLocale[locale] = parsed
	}
	return t
}

// Render fills the template for ev.Code. It fails when the locale or code has
// no template, or a required signal is missing or not numeric.
func (t *Templates) Render(locale string, ev model.InsightEvent) (string, error) {
	set, ok := t.byLocale[locale]
	if !ok {
		return "", fmt.Errorf("no templates for locale %q", locale)
	}
	tmpl, ok := set[ev.Code]
	if !ok {
		return "", fmt.Errorf("no %s template for %s", locale, ev.Code)
	}
	if ev.Signals == nil {
		return "", fmt.Errorf("%s: no signals", ev.Code)
	}
	var b strings.Builder
	if err := tmpl.Execute(&b, ev.Signals); err != nil {
		return "", fmt.Errorf("render %s: %w", ev.Code, err)
	}
	return b.String(), nil
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", v)
	}
}
