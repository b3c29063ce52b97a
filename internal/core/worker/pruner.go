package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/trenches/internal/infra/storage"
)

// Pruner deletes scan log rows past their retention.
type Pruner struct {
	retention time.Duration
	scanLogs  storage.ScanLogRepository
	now       func() time.Time
}

// NewPruner creates a new Pruner worker. retention <= 0 disables pruning.
func NewPruner(retention time.Duration, scanLogs storage.ScanLogRepository) *Pruner {
	return &Pruner{
		retention: retention,
		scanLogs:  scanLogs,
		now:       time.Now,
	}
}

// Start runs the pruner loop until ctx is done.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return
	}

	// 10% of retention, clamped to [1m, 1h].
	interval := min(p.retention/10, time.Hour)
	interval = max(interval, time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune deletes rows scanned before now - retention and returns how many.
func (p *Pruner) Prune(ctx context.Context) int64 {
	if p.retention <= 0 {
		return 0
	}
	n, err := p.scanLogs.DeleteOlderThan(ctx, p.now().Add(-p.retention))
	if err != nil {
		slog.Error("Failed to prune scan logs", "error", err)
		return 0
	}
	if n > 0 {
		slog.Debug("Pruned scan logs", "deleted", n)
	}
	return n
}
