// Package health provides system health monitoring and status reporting.
package health

import (
	"sync"
	"time"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// CheckerStatus is the liveness of a background checker.
type CheckerStatus string

const (
	CheckerNotStarted CheckerStatus = "not_started"
	CheckerHealthy    CheckerStatus = "healthy"
	CheckerUnhealthy  CheckerStatus = "unhealthy"
)

// ChainHealth contains health metrics for a specific blockchain chain.
type ChainHealth struct {
	ChainID         string       `json:"chain_id"`
	Status          SystemStatus `json:"status"`
	LatestBlock     uint64       `json:"latest_block"`
	ScanLag         uint64       `json:"scan_lag"`
	PendingDeposits int64        `json:"pending_deposits"`
	OpenIncidents   int          `json:"open_incidents"`
}

// HealthReport contains the full system health report.
type HealthReport struct {
	SystemStatus SystemStatus           `json:"system_status"`
	Store        string                 `json:"store"`
	Tracker      CheckerReport          `json:"reorg_tracker"`
	Chains       map[string]ChainHealth `json:"chains"`
}

// CheckerReport is the externally visible state of a Checker.
type CheckerReport struct {
	Status      CheckerStatus `json:"status"`
	Running     bool          `json:"running"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	LastSuccess *time.Time    `json:"last_success,omitempty"`
	LastError   string        `json:"last_error,omitempty"`
}

// Checker tracks whether a periodic job runs and when it last succeeded.
// It is unhealthy when it is stopped, or when no pass succeeded within
// staleAfter of the last success (or of the start).
type Checker struct {
	staleAfter time.Duration
	now        func() time.Time

	mu          sync.RWMutex
	running     bool
	startedAt   time.Time
	lastSuccess time.Time
	lastError   string
}

// NewChecker creates a checker. staleAfter is usually a few job intervals.
func NewChecker(staleAfter time.Duration) *Checker {
	return &Checker{staleAfter: staleAfter, now: time.Now}
}

func (c *Checker) MarkStarted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = true
	c.startedAt = c.now()
}

func (c *Checker) MarkStopped() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
}

func (c *Checker) MarkSuccess() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSuccess = c.now()
	c.lastError = ""
}

func (c *Checker) MarkFailure(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastError = err.Error()
	}
}

// Report returns the current state.
func (c *Checker) Report() CheckerReport {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r := CheckerReport{Running: c.running, LastError: c.lastError}
	if c.startedAt.IsZero() {
		r.Status = CheckerNotStarted
		return r
	}
	started := c.startedAt
	r.StartedAt = &started
	if !c.lastSuccess.IsZero() {
		last := c.lastSuccess
		r.LastSuccess = &last
	}

	ref := c.lastSuccess
	if ref.IsZero() {
		ref = c.startedAt
	}
	if c.running && c.now().Sub(ref) <= c.staleAfter {
		r.Status = CheckerHealthy
	} else {
		r.Status = CheckerUnhealthy
	}
	return r
}
