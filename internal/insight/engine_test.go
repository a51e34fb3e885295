package insight

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"MarketPulse/internal/model"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func fixed(code model.InsightCode) Detector {
	return Detector{Code: code, Detect: func(_ context.Context, in Input) (*model.InsightEvent, error) {
		return newEvent(in, code, model.Intraday, model.SeverityMedium, map[string]any{"x": 1.0}, string(code)), nil
	}}
}

func freshSnap() *model.MarketSnapshot { return &model.MarketSnapshot{Symbol: "VIC"} }

func TestAnalyzeSkipsMissingOrStaleSnapshot(t *testing.T) {
	e := NewEngine(Options{Detectors: []Detector{fixed(model.BullishCandle)}}, nil)
	if got := e.AnalyzeSymbol(context.Background(), "VIC", nil, nil, nil); len(got) != 0 {
		t.Errorf("nil snapshot produced %d insights", len(got))
	}
	if got := e.AnalyzeSymbol(context.Background(), "VIC", &model.MarketSnapshot{Stale: true}, nil, nil); len(got) != 0 {
		t.Errorf("stale snapshot produced %d insights", len(got))
	}
	st := e.Stats()
	if st.AnalysesSkipped != 2 || st.AnalysesRun != 0 {
		t.Errorf("stats = %+v", st)
	}
}

func TestDeduplication(t *testing.T) {
	clk := &clock{now: t0}
	e := NewEngine(Options{Detectors: []Detector{fixed(model.BullishCandle)}, Now: clk.Now}, nil)

	var published int
	e.Subscribe(func(_ context.Context, _ model.InsightEvent) error {
		published++
		return nil
	})

	ctx := context.Background()
	first := e.AnalyzeSymbol(ctx, "vic", freshSnap(), nil, nil)
	clk.Advance(100 * time.Second)
	second := e.AnalyzeSymbol(ctx, "VIC", freshSnap(), nil, nil)

	if len(first) != 1 || len(second) != 0 {
		t.Fatalf("emitted %d then %d, want 1 then 0", len(first), len(second))
	}
	if published != 1 {
		t.Errorf("published = %d, want 1", published)
	}
	st := e.Stats()
	if st.Deduplicated != 1 || st.InsightsTotal != 1 || st.ByCode[model.BullishCandle] != 1 {
		t.Errorf("stats = %+v", st)
	}

	// other symbol is independent
	if got := e.AnalyzeSymbol(ctx, "HPG", freshSnap(), nil, nil); len(got) != 1 {
		t.Errorf("other symbol deduplicated")
	}

	clk.Advance(201 * time.Second)
	if got := e.AnalyzeSymbol(ctx, "VIC", freshSnap(), nil, nil); len(got) != 1 {
		t.Errorf("insight not re-emitted after window")
	}
	if e.Stats().DedupCacheSize == 0 {
		t.Error("dedup cache unexpectedly empty")
	}

	e.ClearDedup()
	if got := e.AnalyzeSymbol(ctx, "VIC", freshSnap(), nil, nil); len(got) != 1 {
		t.Error("ClearDedup did not reset stamps")
	}
}

func TestDetectorFailureIsolation(t *testing.T) {
	boom := Detector{Code: model.UpperWick, Detect: func(context.Context, Input) (*model.InsightEvent, error) {
		panic("index out of range")
	}}
	broken := Detector{Code: model.GapOpen, Detect: func(context.Context, Input) (*model.InsightEvent, error) {
		return nil, errors.New("bad data")
	}}
	e := NewEngine(Options{Detectors: []Detector{fixed(model.BullishCandle), boom, broken, fixed(model.RSIOversold)}}, nil)

	got := e.AnalyzeSymbol(context.Background(), "VIC", freshSnap(), nil, nil)
	if len(got) != 2 {
		t.Fatalf("emitted %d, want 2", len(got))
	}
	if got[0].Code != model.BullishCandle || got[1].Code != model.RSIOversold {
		t.Errorf("order = %s, %s", got[0].Code, got[1].Code)
	}
	if st := e.Stats(); st.DetectorFailures != 2 {
		t.Errorf("detector failures = %d, want 2", st.DetectorFailures)
	}
}

func TestSubscriberIsolation(t *testing.T) {
	e := NewEngine(Options{Detectors: []Detector{fixed(model.BullishCandle)}}, nil)
	var order []string
	e.Subscribe(func(context.Context, model.InsightEvent) error {
		order = append(order, "a")
		panic("subscriber bug")
	})
	e.Subscribe(func(context.Context, model.InsightEvent) error {
		order = append(order, "b")
		return errors.New("downstream unavailable")
	})
	e.Subscribe(func(context.Context, model.InsightEvent) error {
		order = append(order, "c")
		return nil
	})

	if got := e.AnalyzeSymbol(context.Background(), "VIC", freshSnap(), nil, nil); len(got) != 1 {
		t.Fatalf("emitted %d, want 1", len(got))
	}
	if strings.Join(order, "") != "abc" {
		t.Errorf("handler order = %v", order)
	}
	if st := e.Stats(); st.HandlerFailures != 2 {
		t.Errorf("handler failures = %d, want 2", st.HandlerFailures)
	}
}

func TestAuditLog(t *testing.T) {
	var buf bytes.Buffer
	e := NewEngine(Options{Detectors: []Detector{fixed(model.BullishCandle), fixed(model.VolumeClimax)}, Audit: &buf}, nil)
	e.AnalyzeSymbol(context.Background(), "VIC", freshSnap(), nil, nil)
	e.AnalyzeSymbol(context.Background(), "VIC", freshSnap(), nil, nil) // deduplicated, not logged

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("audit lines = %d, want 2", len(lines))
	}
	var rec struct {
		Timestamp time.Time          `json:"timestamp"`
		Insight   model.InsightEvent `json:"insight"`
	}
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode audit line: %v", err)
	}
	if rec.Insight.Code != model.BullishCandle || rec.Insight.Symbol != "VIC" {
		t.Errorf("audit record = %+v", rec.Insight)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestAuditFailureDoesNotBlockPublish(t *testing.T) {
	e := NewEngine(Options{Detectors: []Detector{fixed(model.BullishCandle)}, Audit: failingWriter{}}, nil)
	called := false
	e.Subscribe(func(context.Context, model.InsightEvent) error { called = true; return nil })
	e.AnalyzeSymbol(context.Background(), "VIC", freshSnap(), nil, nil)
	if !called {
		t.Error("subscriber not called after audit failure")
	}
	if e.Stats().AuditFailures != 1 {
		t.Error("audit failure not counted")
	}
}

func TestDefaultTableRunsAllCodes(t *testing.T) {
	ds := DefaultDetectors()
	if len(ds) != len(model.AllInsightCodes) {
		t.Fatalf("detectors = %d, want %d", len(ds), len(model.AllInsightCodes))
	}
	for i, d := range ds {
		if d.Code != model.AllInsightCodes[i] {
			t.Errorf("detector %d = %s, want %s", i, d.Code, model.AllInsightCodes[i])
		}
	}
}
