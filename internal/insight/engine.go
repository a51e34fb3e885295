package insight

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"MarketPulse/internal/logger"
	"MarketPulse/internal/model"
)

// Handler consumes a published insight.
type Handler func(ctx context.Context, ev model.InsightEvent) error

// Options configures an Engine.
type Options struct {
	DedupWindow time.Duration
	Detectors   []Detector
	// Audit receives one JSON line per emitted insight. Optional.
	Audit io.Writer
	Now   func() time.Time
}

// Stats is a copy of the engine counters.
type Stats struct {
	AnalysesRun      int64                       `json:"analyses_run"`
	AnalysesSkipped  int64                       `json:"analyses_skipped"`
	InsightsTotal    int64                       `json:"insights_total"`
	Deduplicated     int64                       `json:"deduplicated"`
	DetectorFailures int64                       `json:"detector_failures"`
	HandlerFailures  int64                       `json:"handler_failures"`
	AuditFailures    int64                       `json:"audit_failures"`
	ByCode           map[model.InsightCode]int64 `json:"by_code"`
	DedupCacheSize   int                         `json:"dedup_cache_size"`
	LastDetection    time.Time                   `json:"last_detection,omitempty"`
}

// Engine runs the detector table for a symbol and publishes new insights.
type Engine struct {
	detectors []Detector
	window    time.Duration
	now       func() time.Time
	log       *logrus.Entry

	subMu    sync.RWMutex
	handlers []Handler

	dedupMu   sync.Mutex
	lastSeen  map[string]time.Time
	lastPrune time.Time

	auditMu sync.Mutex
	audit   io.Writer

	statsMu sync.Mutex
	stats   Stats
}

// NewEngine creates an engine with the default detector table unless
// opts.Detectors is set.
func NewEngine(opts Options, log *logrus.Entry) *Engine {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 300 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Detectors == nil {
		opts.Detectors = DefaultDetectors()
	}
	return &Engine{
		detectors: opts.Detectors,
		window:    opts.DedupWindow,
		now:       opts.Now,
		log:       logger.OrDiscard(log),
		lastSeen:  make(map[string]time.Time),
		lastPrune: opts.Now(),
		audit:     opts.Audit,
		stats:     Stats{ByCode: make(map[model.InsightCode]int64)},
	}
}

// Subscribe registers a handler. Handlers run in registration order.
func (e *Engine) Subscribe(h Handler) {
	e.subMu.Lock()
	defer e.subMu.Unlock()
	e.handlers = append(e.handlers, h)
}

// AnalyzeSymbol runs every detector concurrently and returns the insights
// that survived deduplication, in detector-table order. A nil or stale
// snapshot yields nothing.
func (e *Engine) AnalyzeSymbol(ctx context.Context, symbol string, snap *model.MarketSnapshot, intraday, daily []model.PriceBar) []model.InsightEvent {
	symbol = strings.ToUpper(symbol)
	if snap == nil || snap.Stale {
		e.statsMu.Lock()
		e.stats.AnalysesSkipped++
		e.statsMu.Unlock()
		return nil
	}

	in := Input{Symbol: symbol, Snapshot: snap, Intraday: intraday, Daily: daily, Now: e.now()}
	results := make([]*model.InsightEvent, len(e.detectors))

	var wg sync.WaitGroup
	for i, d := range e.detectors {
		wg.Add(1)
		go func(i int, d Detector) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					e.detectorFailed(symbol, d.Code, fmt.Errorf("panic: %v", r))
					e.log.Debugf("detector stack: %s", debug.Stack())
				}
			}()
			ev, err := d.Detect(ctx, in)
			if err != nil {
				e.detectorFailed(symbol, d.Code, err)
				return
			}
			results[i] = ev
		}(i, d)
	}
	wg.Wait()

	e.statsMu.Lock()
	e.stats.AnalysesRun++
	e.statsMu.Unlock()

	var emitted []model.InsightEvent
	for _, ev := range results {
		if ev == nil {
			continue
		}
		if !e.admit(ev.Symbol, ev.Code, in.Now) {
			continue
		}
		e.writeAudit(*ev)
		e.publish(ctx, *ev)

		e.statsMu.Lock()
		e.stats.InsightsTotal++
		e.stats.ByCode[ev.Code]++
		e.stats.LastDetection = in.Now
		e.statsMu.Unlock()

		emitted = append(emitted, *ev)
	}
	return emitted
}

func (e *Engine) detectorFailed(symbol string, code model.InsightCode, err error) {
	e.log.WithFields(logrus.Fields{"symbol": symbol, "code": code}).WithError(err).Error("detector failed")
	e.statsMu.Lock()
	e.stats.DetectorFailures++
	e.statsMu.Unlock()
}

// admit stamps the (symbol, code) key unless it was seen within the window.
func (e *Engine) admit(symbol string, code model.InsightCode, now time.Time) bool {
	key := symbol + "|" + string(code)

	e.dedupMu.Lock()
	defer e.dedupMu.Unlock()

	if now.Sub(e.lastPrune) >= e.window {
		for k, t := range e.lastSeen {
			if now.Sub(t) >= e.window {
				delete(e.lastSeen, k)
			}
		}
		e.lastPrune = now
	}

	if last, ok := e.lastSeen[key]; ok && now.Sub(last) < e.window {
		e.statsMu.Lock()
		e.stats.Deduplicated++
		e.statsMu.Unlock()
		return false
	}
	e.lastSeen[key] = now
	return true
}

type auditRecord struct {
	Timestamp time.Time          `json:"timestamp"`
	Insight   model.InsightEvent `json:"insight"`
}

func (e *Engine) writeAudit(ev model.InsightEvent) {
	if e.audit == nil {
		return
	}
	line, err := json.Marshal(auditRecord{Timestamp: e.now(), Insight: ev})
	if err == nil {
		line = append(line, '\n')
		e.auditMu.Lock()
		_, err = e.audit.Write(line)
		e.auditMu.Unlock()
	}
	if err != nil {
		e.log.WithError(err).Warn("audit log write failed")
		e.statsMu.Lock()
		e.stats.AuditFailures++
		e.statsMu.Unlock()
	}
}

func (e *Engine) publish(ctx context.Context, ev model.InsightEvent) {
	e.subMu.RLock()
	handlers := make([]Handler, len(e.handlers))
	copy(handlers, e.handlers)
	e.subMu.RUnlock()

	for i, h := range handlers {
		e.callHandler(ctx, i, h, ev)
	}
}

func (e *Engine) callHandler(ctx context.Context, idx int, h Handler, ev model.InsightEvent) {
	defer func() {
		if r := recover(); r != nil {
			e.handlerFailed(idx, ev, fmt.Errorf("panic: %v", r))
		}
	}()
	if err := h(ctx, ev); err != nil {
		e.handlerFailed(idx, ev, err)
	}
}

func (e *Engine) handlerFailed(idx int, ev model.InsightEvent, err error) {
	e.log.WithFields(logrus.Fields{"handler": idx, "symbol": ev.Symbol, "code": ev.Code}).WithError(err).Error("insight handler failed")
	e.statsMu.Lock()
	e.stats.HandlerFailures++
	e.statsMu.Unlock()
}

// Stats returns a snapshot of the counters.
func (e *Engine) Stats() Stats {
	e.dedupMu.Lock()
	cache := len(e.lastSeen)
	e.dedupMu.Unlock()

	e.statsMu.Lock()
	defer e.statsMu.Unlock()
	out := e.stats
	out.ByCode = make(map[model.InsightCode]int64, len(e.stats.ByCode))
	for k, v := range e.stats.ByCode {
		out.ByCode[k] = v
	}
	out.DedupCacheSize = cache
	return out
}

// ClearDedup forgets every (symbol, code) stamp.
func (e *Engine) ClearDedup() {
	e.dedupMu.Lock()
	defer e.dedupMu.Unlock()
	e.lastSeen = make(map[string]time.Time)
}
