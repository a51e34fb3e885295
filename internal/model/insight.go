package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// InsightCode names a detector.
type InsightCode string

const (
	BullishCandle  InsightCode = "PA01"
	UpperWick      InsightCode = "PA02"
	GapOpen        InsightCode = "PA03"
	FailedBreakout InsightCode = "PA04"
	VolumeBreakout InsightCode = "VA01"
	VolumeDiverge  InsightCode = "VA02"
	VolumeClimax   InsightCode = "VA03"
	MACross        InsightCode = "TM02"
	RSIOverbought  InsightCode = "TM04"
	RSIOversold    InsightCode = "TM05"
)

// AllInsightCodes lists every detector code in dispatch order.
var AllInsightCodes = []InsightCode{
	BullishCandle, UpperWick, GapOpen, FailedBreakout,
	VolumeBreakout, VolumeDiverge, VolumeClimax,
	MACross, RSIOverbought, RSIOversold,
}

// Severity is ordered: Low < Medium < High < Critical.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = [...]string{"LOW", "MEDIUM", "HIGH", "CRITICAL"}

func (s Severity) String() string {
	if s < SeverityLow || s > SeverityCritical {
		return fmt.Sprintf("Severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity is case-insensitive.
func ParseSeverity(s string) (Severity, error) {
	up := strings.ToUpper(strings.TrimSpace(s))
	for i, name := range severityNames {
		if name == up {
			return Severity(i), nil
		}
	}
	return SeverityLow, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	v, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s *Severity) UnmarshalYAML(unmarshal func(any) error) error {
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	v, err := ParseSeverity(str)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// InsightEvent is one detector firing for one symbol.
type InsightEvent struct {
	Code           InsightCode    `json:"insight_code"`
	Symbol         string         `json:"symbol"`
	Timeframe      Timeframe      `json:"timeframe"`
	Severity       Severity       `json:"severity"`
	Confidence     float64        `json:"confidence"`
	Signals        map[string]any `json:"signals"`
	RawExplanation string         `json:"raw_explanation"`
	DetectedAt     time.Time      `json:"detected_at"`
}

// UserAlert is a subscription owned by an external store.
// Nil Codes matches any code; nil MinSeverity matches any severity.
type UserAlert struct {
	ID          string        `json:"id" yaml:"id"`
	UserID      string        `json:"user_id" yaml:"user_id"`
	Symbol      string        `json:"symbol" yaml:"symbol"`
	Codes       []InsightCode `json:"insight_codes,omitempty" yaml:"insight_codes"`
	MinSeverity *Severity     `json:"min_severity,omitempty" yaml:"min_severity"`
	Enabled     bool          `json:"enabled" yaml:"enabled"`
}

// AlertNotification is produced by the router for one matched alert.
type AlertNotification struct {
	ID      string       `json:"id"`
	UserID  string       `json:"user_id"`
	AlertID string       `json:"alert_id"`
	Event   InsightEvent `json:"insight"`
	Message string       `json:"message"`
	SentAt  time.Time    `json:"sent_at"`
}
