package recorder

import (
	"context"

	"MarketPulse/internal/model"
)

// NoopRecorder is a no-op implementation used when SQLite is not configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) RecordInsight(context.Context, model.InsightEvent) error           { return nil }
func (n *NoopRecorder) RecordNotification(context.Context, model.AlertNotification) error { return nil }
func (n *NoopRecorder) Close() error                                                      { return nil }
