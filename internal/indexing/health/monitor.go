package health

import (
	"context"
	"sync"
	"time"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/infra/chain"
	"github.com/vietddude/trenches/internal/infra/storage"
)

// Monitor aggregates health status from various system components.
type Monitor struct {
	registry   *chain.Registry
	store      storage.Store
	tracker    *Checker
	cacheFor   time.Duration
	lastCheck  time.Time
	lastReport *HealthReport
	mu         sync.Mutex
}

// NewMonitor creates a new health monitor.
func NewMonitor(registry *chain.Registry, store storage.Store, tracker *Checker) *Monitor {
	return &Monitor{
		registry: registry,
		store:    store,
		tracker:  tracker,
		cacheFor: 10 * time.Second,
	}
}

// Tracker returns the reorg tracker checker.
func (m *Monitor) Tracker() *Checker { return m.tracker }

// CheckHealth builds the health report of the store, the tracker and every chain.
func (m *Monitor) CheckHealth(ctx context.Context) *HealthReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Rate limit checks to avoid spamming RPC
	if m.lastReport != nil && time.Since(m.lastCheck) < m.cacheFor {
		return m.lastReport
	}

	report := &HealthReport{
		SystemStatus: StatusHealthy,
		Store:        "ok",
		Tracker:      m.tracker.Report(),
		Chains:       make(map[string]ChainHealth),
	}
	if err := m.store.Ping(ctx); err != nil {
		report.Store = err.Error()
		report.SystemStatus = StatusCritical
	}
	if report.Tracker.Status == CheckerUnhealthy && report.SystemStatus == StatusHealthy {
		report.SystemStatus = StatusDegraded
	}

	pending := make(map[domain.ChainID]int64)
	if stats, err := m.store.Deposits().CountByStatus(ctx); err == nil {
		for _, s := range stats {
			if !s.Status.Terminal() {
				pending[s.Chain] += s.Count
			}
		}
	}
	incidents := make(map[domain.ChainID]int)
	if open, err := m.store.Incidents().List(ctx, domain.IncidentOpen, 0); err == nil {
		for _, inc := range open {
			incidents[inc.Chain]++
		}
	}

	for _, id := range m.registry.Chains() {
		h := ChainHealth{
			ChainID:         string(id),
			Status:          StatusHealthy,
			PendingDeposits: pending[id],
			OpenIncidents:   incidents[id],
		}

		client, _ := m.registry.Client(id)
		latest, err := client.LatestBlock(ctx)
		if err != nil {
			// If we can't get height, that's degradation
			h.Status = StatusDegraded
		} else {
			h.LatestBlock = latest
			if cur, err := m.store.Cursors().Get(ctx, id); err == nil && cur != nil && latest >= cur.NextBlock {
				h.ScanLag = latest - cur.NextBlock
			}
		}

		// Open incidents need an operator; a large scan lag means deposits are late.
		if h.OpenIncidents > 0 || h.ScanLag > 1000 {
			h.Status = StatusCritical
		} else if h.ScanLag > 100 && h.Status == StatusHealthy {
			h.Status = StatusDegraded
		}
		report.Chains[string(id)] = h

		switch {
		case h.Status == StatusCritical:
			report.SystemStatus = StatusCritical
		case h.Status == StatusDegraded && report.SystemStatus == StatusHealthy:
			report.SystemStatus = StatusDegraded
		}
	}

	m.lastCheck = time.Now()
	m.lastReport = report
	return report
}
