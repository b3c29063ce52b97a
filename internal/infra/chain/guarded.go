package chain

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/vietddude/trenches/internal/core/domain"
	"github.com/vietddude/trenches/internal/core/retry"
	"github.com/vietddude/trenches/internal/indexing/metrics"
)

// BreakerRule configures the per-chain circuit breaker.
type BreakerRule struct {
	MaxRequests             uint32        // trial requests allowed while half-open
	Interval                time.Duration // closed-state counting window
	Timeout                 time.Duration // open duration before half-open
	TripConsecutiveFailures uint32
}

// DefaultBreakerRule trips after 10 consecutive failures for 30s.
func DefaultBreakerRule() BreakerRule {
	return BreakerRule{
		MaxRequests:             2,
		Interval:                time.Minute,
		Timeout:                 30 * time.Second,
		TripConsecutiveFailures: 10,
	}
}

// Guarded wraps a Client with the shared retry policy and a circuit breaker.
// Every read goes through both, so callers never hand-roll backoff.
type Guarded struct {
	inner  Client
	policy retry.Policy
	cb     *gobreaker.CircuitBreaker[struct{}]
	log    *slog.Logger
}

var _ Client = (*Guarded)(nil)

// NewGuarded wraps inner.
func NewGuarded(inner Client, policy retry.Policy, rule BreakerRule) *Guarded {
	chain := string(inner.Chain())
	st := gobreaker.Settings{
		Name:        chain,
		MaxRequests: rule.MaxRequests,
		Interval:    rule.Interval,
		Timeout:     rule.Timeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return rule.TripConsecutiveFailures > 0 && c.ConsecutiveFailures >= rule.TripConsecutiveFailures
		},
		IsSuccessful: isSuccessfulForBreaker,
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("RPC circuit breaker state changed", "chain", name, "from", from.String(), "to", to.String())
		},
	}
	return &Guarded{
		inner:  inner,
		policy: policy,
		cb:     gobreaker.NewCircuitBreaker[struct{}](st),
		log:    slog.Default().With("component", "chain", "chain", chain),
	}
}

// Errors that say nothing about node health do not count against the breaker.
func isSuccessfulForBreaker(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	return retry.ClassifyError(err) == retry.ActionFatal
}

func (g *Guarded) Chain() domain.ChainID { return g.inner.Chain() }

func (g *Guarded) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	chain := string(g.inner.Chain())
	return g.policy.Do(ctx, chain+" "+method, func(ctx context.Context) error {
		metrics.RPCCallsTotal.WithLabelValues(chain, method).Inc()
		start := time.Now()
		_, err := g.cb.Execute(func() (struct{}, error) {
			return struct{}{}, fn(ctx)
		})
		metrics.RPCLatency.WithLabelValues(chain, method).Observe(time.Since(start).Seconds())

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			metrics.BreakerRejections.WithLabelValues(chain).Inc()
		} else if err != nil {
			metrics.RPCErrorsTotal.WithLabelValues(chain, method).Inc()
			g.log.Debug("RPC call failed", "method", method, "error", truncate(err.Error(), 200))
		}
		return err
	})
}

func (g *Guarded) LatestBlock(ctx context.Context) (uint64, error) {
	var out uint64
	err := g.call(ctx, "latest_block", func(ctx context.Context) error {
		n, err := g.inner.LatestBlock(ctx)
		out = n
		return err
	})
	if err == nil {
		metrics.ChainLatestBlock.WithLabelValues(string(g.inner.Chain())).Set(float64(out))
	}
	return out, err
}

func (g *Guarded) BlockHash(ctx context.Context, number uint64) (string, error) {
	var out string
	err := g.call(ctx, "block_hash", func(ctx context.Context) error {
		h, err := g.inner.BlockHash(ctx, number)
		out = h
		return err
	})
	return out, err
}

func (g *Guarded) TransferLogs(ctx context.Context, q LogQuery) ([]domain.TransferEvent, error) {
	var out []domain.TransferEvent
	err := g.call(ctx, "transfer_logs", func(ctx context.Context) error {
		events, err := g.inner.TransferLogs(ctx, q)
		out = events
		return err
	})
	return out, err
}

func (g *Guarded) TransactionBlock(ctx context.Context, txHash string) (TxLocation, bool, error) {
	var (
		loc   TxLocation
		found bool
	)
	err := g.call(ctx, "transaction_block", func(ctx context.Context) error {
		l, ok, err := g.inner.TransactionBlock(ctx, txHash)
		loc, found = l, ok
		return err
	})
	return loc, found, err
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
