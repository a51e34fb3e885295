package alert

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"MarketPulse/internal/logger"
	"MarketPulse/internal/model"
)

// AlertSource returns the enabled alerts registered for a symbol.
type AlertSource interface {
	AlertsForSymbol(ctx context.Context, symbol string) ([]model.UserAlert, error)
}

// HistorySink persists sent notifications.
type HistorySink interface {
	RecordNotification(ctx context.Context, n model.AlertNotification) error
}

// Observer is told about deliveries and cap hits.
type Observer interface {
	RecordAlert(n model.AlertNotification)
	RecordDailyCapHit(userID string)
}

// Options configures a Router.
type Options struct {
	Warmup          time.Duration
	CooldownDefault time.Duration
	CooldownHigh    time.Duration
	MaxPerUserDay   int
	HistorySize     int
	Locale          string

	Sink     HistorySink
	Observer Observer
	Now      func() time.Time
}

// Stats is a copy of the router counters.
type Stats struct {
	Evaluations       int64   `json:"evaluations"`
	Matches           int64   `json:"matches"`
	CooldownSkipped   int64   `json:"cooldown_skipped"`
	DailyLimitSkipped int64   `json:"daily_limit_skipped"`
	NotificationsSent int64   `json:"notifications_sent"`
	WarmupSuppressed  int64   `json:"warmup_suppressed"`
	SourceErrors      int64   `json:"source_errors"`
	InWarmup          bool    `json:"in_warmup"`
	WarmupRemaining   float64 `json:"warmup_remaining_s"`
	ActiveCooldowns   int     `json:"active_cooldowns"`
}

// Router matches insights against user alerts and turns them into
// notifications, enforcing warm-up, per-key cooldowns and a daily cap.
type Router struct {
	opts      Options
	source    AlertSource
	templates *Templates
	log       *logrus.Entry
	started   time.Time

	mu        sync.Mutex
	active    bool
	cooldowns map[string]time.Time
	day       string
	daily     map[string]int
	history   []model.AlertNotification
	stats     Stats
}

// NewRouter starts the warm-up clock immediately.
func NewRouter(source AlertSource, opts Options, log *logrus.Entry) *Router {
	if opts.CooldownDefault <= 0 {
		opts.CooldownDefault = 300 * time.Second
	}
	if opts.CooldownHigh <= 0 {
		opts.CooldownHigh = 600 * time.Second
	}
	if opts.MaxPerUserDay <= 0 {
		opts.MaxPerUserDay = 50
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = 200
	}
	if opts.Locale == "" {
		opts.Locale = "vi"
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Router{
		opts:      opts,
		source:    source,
		templates: NewTemplates(),
		log:       logger.OrDiscard(log),
		started:   opts.Now(),
		cooldowns: make(map[string]time.Time),
		daily:     make(map[string]int),
	}
	r.active = opts.Warmup <= 0
	return r
}

func cooldownKey(userID, symbol string, code model.InsightCode) string {
	return userID + "|" + strings.ToUpper(symbol) + "|" + string(code)
}

func (r *Router) cooldownFor(s model.Severity) time.Duration {
	if s >= model.SeverityHigh {
		return r.opts.CooldownHigh
	}
	return r.opts.CooldownDefault
}

// warmedUp must be called with r.mu held.
func (r *Router) warmedUp(now time.Time) bool {
	if !r.active && now.Sub(r.started) >= r.opts.Warmup {
		r.active = true
		r.log.Info("warm-up finished, alerts active")
	}
	return r.active
}

// InWarmup reports whether notifications are still suppressed.
func (r *Router) InWarmup() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.warmedUp(r.opts.Now())
}

// Evaluate returns the notifications produced for ev, in alert order.
func (r *Router) Evaluate(ctx context.Context, ev model.InsightEvent) []model.AlertNotification {
	now := r.opts.Now()

	r.mu.Lock()
	r.stats.Evaluations++
	if !r.warmedUp(now) {
		r.stats.WarmupSuppressed++
		r.mu.Unlock()
		return nil
	}
	if day := now.UTC().Format("2006-01-02"); day != r.day {
		r.day = day
		r.daily = make(map[string]int)
	}
	r.mu.Unlock()

	alerts, err := r.source.AlertsForSymbol(ctx, ev.Symbol)
	if err != nil {
		r.log.WithField("symbol", ev.Symbol).WithError(err).Error("load alerts failed")
		r.mu.Lock()
		r.stats.SourceErrors++
		r.mu.Unlock()
		return nil
	}

	var (
		out     []model.AlertNotification
		capHits []string
	)
	r.mu.Lock()
	for _, a := range alerts {
		if !Matches(a, ev) {
			continue
		}
		r.stats.Matches++

		key := cooldownKey(a.UserID, ev.Symbol, ev.Code)
		if last, ok := r.cooldowns[key]; ok && now.Sub(last) < r.cooldownFor(ev.Severity) {
			r.stats.CooldownSkipped++
			continue
		}
		if r.daily[a.UserID] >= r.opts.MaxPerUserDay {
			r.stats.DailyLimitSkipped++
			capHits = append(capHits, a.UserID)
			continue
		}

		n := model.AlertNotification{
			ID:      uuid.NewString(),
			UserID:  a.UserID,
			AlertID: a.ID,
			Event:   ev,
			Message: r.message(ev),
			SentAt:  now,
		}
		r.cooldowns[key] = now
		r.daily[a.UserID]++
		r.history = append(r.history, n)
		if over := len(r.history) - r.opts.HistorySize; over > 0 {
			r.history = append(r.history[:0:0], r.history[over:]...)
		}
		r.stats.NotificationsSent++
		out = append(out, n)
	}
	r.mu.Unlock()

	for _, user := range capHits {
		r.log.WithField("user_id", user).Warn("daily alert cap reached")
		if r.opts.Observer != nil {
			r.opts.Observer.RecordDailyCapHit(user)
		}
	}
	for _, n := range out {
		if r.opts.Sink != nil {
			if err := r.opts.Sink.RecordNotification(ctx, n); err != nil {
				r.log.WithField("notification_id", n.ID).WithError(err).Warn("record notification failed")
			}
		}
		if r.opts.Observer != nil {
			r.opts.Observer.RecordAlert(n)
		}
	}
	return out
}

// Matches reports whether alert a wants event ev.
func Matches(a model.UserAlert, ev model.InsightEvent) bool {
	if !a.Enabled || !strings.EqualFold(a.Symbol, ev.Symbol) {
		return false
	}
	if len(a.Codes) > 0 {
		found := false
		for _, c := range a.Codes {
			if c == ev.Code {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if a.MinSeverity != nil && ev.Severity < *a.MinSeverity {
		return false
	}
	return true
}

func (r *Router) message(ev model.InsightEvent) string {
	body, err := r.templates.Render(r.opts.Locale, ev)
	if err != nil {
		r.log.WithFields(logrus.Fields{"code": ev.Code, "symbol": ev.Symbol}).WithError(err).Debug("template fallback")
		body = ev.RawExplanation
	}
	return "[" + strings.ToUpper(ev.Symbol) + "] " + body
}

// Stats returns a snapshot of the counters.
func (r *Router) Stats() Stats {
	now := r.opts.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.stats
	out.InWarmup = !r.warmedUp(now)
	if out.InWarmup {
		out.WarmupRemaining = (r.opts.Warmup - now.Sub(r.started)).Seconds()
	}
	out.ActiveCooldowns = len(r.cooldowns)
	return out
}

// RecentNotifications returns up to limit notifications, newest first.
func (r *Router) RecentNotifications(limit int) []model.AlertNotification {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > len(r.history) {
		limit = len(r.history)
	}
	out := make([]model.AlertNotification, 0, limit)
	for i := len(r.history) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.history[i])
	}
	return out
}

// ClearCooldowns forgets every cooldown stamp.
func (r *Router) ClearCooldowns() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cooldowns = make(map[string]time.Time)
}

// PersistCooldowns saves the current cooldown stamps to store.
func (r *Router) PersistCooldowns(ctx context.Context, store CooldownStore) error {
	r.mu.Lock()
	snapshot := make(map[string]time.Time, len(r.cooldowns))
	for k, v := range r.cooldowns {
		snapshot[k] = v
	}
	r.mu.Unlock()
	return store.Save(ctx, snapshot)
}

// RestoreCooldowns merges stamps from store, dropping those older than the
// longest cooldown. It returns the number of entries kept.
func (r *Router) RestoreCooldowns(ctx context.Context, store CooldownStore) (int, error) {
	entries, err := store.Load(ctx)
	if err != nil {
		return 0, err
	}
	longest := r.opts.CooldownDefault
	if r.opts.CooldownHigh > longest {
		longest = r.opts.CooldownHigh
	}
	now := r.opts.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	kept := 0
	for k, t := range entries {
		if now.Sub(t) >= longest {
			continue
		}
		if cur, ok := r.cooldowns[k]; !ok || t.After(cur) {
			r.cooldowns[k] = t
		}
		kept++
	}
	return kept, nil
}
