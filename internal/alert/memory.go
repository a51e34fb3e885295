package alert

import (
	"context"
	"strings"
	"sync"

	"MarketPulse/internal/model"
)

// MemoryStore is an in-process AlertSource.
type MemoryStore struct {
	mu     sync.RWMutex
	alerts []model.UserAlert
}

func NewMemoryStore(alerts ...model.UserAlert) *MemoryStore {
	s := &MemoryStore{}
	for _, a := range alerts {
		s.Add(a)
	}
	return s
}

// Add stores a with its symbol upper-cased.
func (s *MemoryStore) Add(a model.UserAlert) {
	a.Symbol = strings.ToUpper(a.Symbol)
	s.mu.Lock()
	s.alerts = append(s.alerts, a)
	s.mu.Unlock()
}

func (s *MemoryStore) AlertsForSymbol(_ context.Context, symbol string) ([]model.UserAlert, error) {
	symbol = strings.ToUpper(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []model.UserAlert
	for _, a := range s.alerts {
		if a.Enabled && a.Symbol == symbol {
			out = append(out, a)
		}
	}
	return out, nil
}

// Symbols lists the distinct symbols with at least one enabled alert.
func (s *MemoryStore) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]bool)
	var out []string
	for _, a := range s.alerts {
		if a.Enabled && !seen[a.Symbol] {
			seen[a.Symbol] = true
			out = append(out, a.Symbol)
		}
	}
	return out
}
