package recorder

import (
	"context"

	"MarketPulse/internal/model"
)

// Recorder persists insight and notification history for later analysis.
type Recorder interface {
	RecordInsight(ctx context.Context, ev model.InsightEvent) error
	RecordNotification(ctx context.Context, n model.AlertNotification) error
	Close() error
}
