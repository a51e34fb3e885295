package pipeline

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"MarketPulse/internal/alert"
	"MarketPulse/internal/insight"
	"MarketPulse/internal/logger"
	"MarketPulse/internal/model"
	"MarketPulse/internal/monitor"
	"MarketPulse/internal/notifier"
	"MarketPulse/internal/recorder"
	"MarketPulse/internal/state"
)

// Dispatcher delivers a notification to its user.
type Dispatcher interface {
	Dispatch(ctx context.Context, n model.AlertNotification) error
}

// Options configures a Pipeline.
type Options struct {
	OutboxSize   int
	DrainTimeout time.Duration
	StatusLimit  int
}

// Stats counts outbox activity.
type Stats struct {
	Queued         int64 `json:"queued"`
	Dropped        int64 `json:"dropped"`
	Dispatched     int64 `json:"dispatched"`
	DispatchFailed int64 `json:"dispatch_failed"`
	Pending        int   `json:"pending"`
}

// Pipeline connects bars to the store, the store to the detector engine, and
// insights to the router and the outbox.
type Pipeline struct {
	store      *state.Store
	engine     *insight.Engine
	router     *alert.Router
	monitor    *monitor.Monitor
	dispatcher Dispatcher
	recorder   recorder.Recorder
	opts       Options
	log        *logrus.Entry

	outbox chan model.AlertNotification

	mu    sync.Mutex
	stats Stats
}

// New subscribes the pipeline to engine. monitor, dispatcher and rec may be nil.
func New(store *state.Store, engine *insight.Engine, router *alert.Router, mon *monitor.Monitor, dispatcher Dispatcher, rec recorder.Recorder, opts Options, log *logrus.Entry) *Pipeline {
	if opts.OutboxSize <= 0 {
		opts.OutboxSize = 256
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 10 * time.Second
	}
	if opts.StatusLimit <= 0 {
		opts.StatusLimit = 5
	}
	if rec == nil {
		rec = recorder.NewNoopRecorder()
	}
	p := &Pipeline{
		store:      store,
		engine:     engine,
		router:     router,
		monitor:    mon,
		dispatcher: dispatcher,
		recorder:   rec,
		opts:       opts,
		log:        logger.OrDiscard(log),
		outbox:     make(chan model.AlertNotification, opts.OutboxSize),
	}
	engine.Subscribe(p.onInsight)
	return p
}

func (p *Pipeline) onInsight(ctx context.Context, ev model.InsightEvent) error {
	if p.monitor != nil {
		p.monitor.RecordInsight(ev)
	}
	if err := p.recorder.RecordInsight(ctx, ev); err != nil {
		p.log.WithError(err).Warn("record insight failed")
	}
	for _, n := range p.router.Evaluate(ctx, ev) {
		p.enqueue(n)
	}
	return nil
}

func (p *Pipeline) enqueue(n model.AlertNotification) {
	if p.dispatcher == nil {
		return
	}
	select {
	case p.outbox <- n:
		p.mu.Lock()
		p.stats.Queued++
		p.mu.Unlock()
	default:
		p.mu.Lock()
		p.stats.Dropped++
		p.mu.Unlock()
		p.log.WithFields(logrus.Fields{"user_id": n.UserID, "symbol": n.Event.Symbol}).Warn("outbox full, notification dropped")
	}
}

// HandleBars stores a batch and analyzes every symbol it touched.
func (p *Pipeline) HandleBars(ctx context.Context, bars []model.PriceBar) error {
	if _, err := p.store.Update(bars); err != nil {
		return err
	}
	seen := make(map[string]bool)
	for _, b := range bars {
		sym := strings.ToUpper(b.Symbol)
		if seen[sym] {
			continue
		}
		seen[sym] = true
		p.analyze(ctx, sym)
	}
	return nil
}

// AnalyzeAll runs the detectors for every tracked symbol.
func (p *Pipeline) AnalyzeAll(ctx context.Context) int {
	total := 0
	for _, sym := range p.store.TrackedSymbols() {
		if ctx.Err() != nil {
			break
		}
		total += len(p.analyze(ctx, sym))
	}
	return total
}

func (p *Pipeline) analyze(ctx context.Context, sym string) []model.InsightEvent {
	snap, _ := p.store.Snapshot(sym)
	intraday := p.store.RecentBars(sym, model.Intraday, math.MaxInt)
	daily := p.store.RecentBars(sym, model.Daily, math.MaxInt)
	return p.engine.AnalyzeSymbol(ctx, sym, snap, intraday, daily)
}

// Run serves the outbox until ctx is done, then drains what is left.
func (p *Pipeline) Run(ctx context.Context) {
	for {
		select {
		case n := <-p.outbox:
			p.dispatch(ctx, n)
		case <-ctx.Done():
			p.drain(ctx)
			return
		}
	}
}

func (p *Pipeline) drain(parent context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), p.opts.DrainTimeout)
	defer cancel()
	for {
		select {
		case n := <-p.outbox:
			p.dispatch(ctx, n)
		default:
			return
		}
	}
}

func (p *Pipeline) dispatch(ctx context.Context, n model.AlertNotification) {
	err := p.dispatcher.Dispatch(ctx, n)
	p.mu.Lock()
	if err != nil {
		p.stats.DispatchFailed++
	} else {
		p.stats.Dispatched++
	}
	p.mu.Unlock()
	if err != nil {
		p.log.WithFields(logrus.Fields{"notification_id": n.ID, "user_id": n.UserID}).WithError(err).Error("dispatch failed")
	}
}

// Stats returns the outbox counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.stats
	out.Pending = len(p.outbox)
	return out
}

// HandleCommand answers an operator chat command.
func (p *Pipeline) HandleCommand(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return notifier.HelpText()
	}
	// "/status@MyBot" in group chats
	cmd := strings.ToLower(strings.SplitN(fields[0], "@", 2)[0])
	switch cmd {
	case "/status":
		if p.monitor == nil {
			return "Monitor không khả dụng."
		}
		return notifier.FormatStatus(p.monitor.FullStatus(p.opts.StatusLimit))
	case "/symbols":
		return notifier.FormatSymbols(p.store.TrackedSymbols())
	case "/snapshot":
		if len(fields) < 2 {
			return "Cú pháp: /snapshot MÃ"
		}
		snap, ok := p.store.Snapshot(fields[1])
		if !ok {
			return "Không có dữ liệu cho " + strings.ToUpper(fields[1]) + "."
		}
		return notifier.FormatSnapshot(snap)
	default:
		return notifier.HelpText()
	}
}
