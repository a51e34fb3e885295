package monitor

import (
	"sync"
	"time"

	"MarketPulse/internal/alert"
	"MarketPulse/internal/insight"
	"MarketPulse/internal/model"
	"MarketPulse/internal/scheduler"
	"MarketPulse/internal/state"
)

// Monitor aggregates component counters into one read-only status view.
type Monitor struct {
	window  time.Duration
	now     func() time.Time
	started time.Time

	insights *RollingCounter
	alerts   *RollingCounter
	capHits  *RollingCounter

	mu     sync.RWMutex
	poller *scheduler.Poller
	store  *state.Store
	engine *insight.Engine
	router *alert.Router
}

// New uses a 300s window when window <= 0.
func New(window time.Duration, now func() time.Time) *Monitor {
	if window <= 0 {
		window = 300 * time.Second
	}
	if now == nil {
		now = time.Now
	}
	return &Monitor{
		window:   window,
		now:      now,
		started:  now(),
		insights: NewRollingCounter(window, now),
		alerts:   NewRollingCounter(window, now),
		capHits:  NewRollingCounter(window, now),
	}
}

// Register wires the components to report on. Any of them may be nil.
func (m *Monitor) Register(poller *scheduler.Poller, store *state.Store, engine *insight.Engine, router *alert.Router) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.poller, m.store, m.engine, m.router = poller, store, engine, router
}

func (m *Monitor) RecordInsight(model.InsightEvent) { m.insights.Inc() }

func (m *Monitor) RecordAlert(model.AlertNotification) { m.alerts.Inc() }

func (m *Monitor) RecordDailyCapHit(string) { m.capHits.Inc() }

// Section is one component's status.
type Section struct {
	Available bool `json:"available"`
	Stats     any  `json:"stats,omitempty"`
}

// Activity holds the rolling counters.
type Activity struct {
	InsightsInWindow int   `json:"insights_in_window"`
	AlertsInWindow   int   `json:"alerts_in_window"`
	CapHitsInWindow  int   `json:"daily_cap_hits_in_window"`
	InsightsTotal    int64 `json:"insights_total"`
	AlertsTotal      int64 `json:"alerts_total"`
	CapHitsTotal     int64 `json:"daily_cap_hits_total"`
}

// Status is the full pipeline view returned by FullStatus.
type Status struct {
	Timestamp     time.Time                 `json:"timestamp"`
	UptimeSeconds float64                   `json:"uptime_s"`
	WindowSeconds float64                   `json:"window_s"`
	Activity      Activity                  `json:"activity"`
	Poller        Section                   `json:"poller"`
	State         Section                   `json:"state"`
	Insights      Section                   `json:"insights"`
	Alerts        Section                   `json:"alerts"`
	Recent        []model.AlertNotification `json:"recent_notifications"`
}

// FullStatus reads every registered component. limit bounds the recent
// notifications list.
func (m *Monitor) FullStatus(limit int) Status {
	now := m.now()
	st := Status{
		Timestamp:     now,
		UptimeSeconds: now.Sub(m.started).Seconds(),
		WindowSeconds: m.window.Seconds(),
		Activity: Activity{
			InsightsInWindow: m.insights.Count(),
			AlertsInWindow:   m.alerts.Count(),
			CapHitsInWindow:  m.capHits.Count(),
			InsightsTotal:    m.insights.Total(),
			AlertsTotal:      m.alerts.Total(),
			CapHitsTotal:     m.capHits.Total(),
		},
		Recent: []model.AlertNotification{},
	}

	m.mu.RLock()
	poller, store, engine, router := m.poller, m.store, m.engine, m.router
	m.mu.RUnlock()

	if poller != nil {
		st.Poller = Section{Available: true, Stats: poller.Stats()}
	}
	if store != nil {
		st.State = Section{Available: true, Stats: store.Stats()}
	}
	if engine != nil {
		st.Insights = Section{Available: true, Stats: engine.Stats()}
	}
	if router != nil {
		st.Alerts = Section{Available: true, Stats: router.Stats()}
		if limit > 0 {
			st.Recent = router.RecentNotifications(limit)
		}
	}
	return st
}
