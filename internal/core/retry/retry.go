// Package retry is the single retry policy used for chain RPC calls by the
// scanner, the confirmation tracker and the payout processor.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	goretry "github.com/sethvargo/go-retry"
	"github.com/sony/gobreaker/v2"

	"github.com/vietddude/trenches/internal/core/domain"
)

// Action determines how to handle an error.
type Action int

const (
	// ActionRetry backs off and tries again.
	ActionRetry Action = iota
	// ActionStop gives up for this cycle; the failure is still transient.
	ActionStop
	// ActionFatal returns the error unchanged, it will not heal by retrying.
	ActionFatal
)

// Classifier maps an error to an Action.
type Classifier func(err error) Action

// Policy bounds the attempts and backoff curve of a call.
type Policy struct {
	MaxAttempts  uint64
	InitialDelay time.Duration
	MaxDelay     time.Duration
	JitterPct    uint64
	Classify     Classifier
}

// DefaultPolicy: 500ms, 1s, 2s (max 10s), four attempts.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:  4,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		JitterPct:    10,
		Classify:     ClassifyError,
	}
}

func (p Policy) backoff() goretry.Backoff {
	initial := p.InitialDelay
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	b := goretry.NewExponential(initial)
	if p.MaxDelay > 0 {
		b = goretry.WithCappedDuration(p.MaxDelay, b)
	}
	if p.JitterPct > 0 {
		b = goretry.WithJitterPercent(p.JitterPct, b)
	}
	attempts := max(p.MaxAttempts, 1)
	return goretry.WithMaxRetries(attempts-1, b)
}

// Do runs fn until it succeeds, fails fatally or the attempts are exhausted.
// Exhausted and stopped calls wrap domain.ErrRPCTransient.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	classify := p.Classify
	if classify == nil {
		classify = ClassifyError
	}

	var (
		attempts uint64
		stopped  bool
	)
	err := goretry.Do(ctx, p.backoff(), func(ctx context.Context) error {
		attempts++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		switch classify(err) {
		case ActionFatal:
			return err
		case ActionStop:
			stopped = true
			return err
		default:
			return goretry.RetryableError(err)
		}
	})
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		return err
	}
	if stopped || classify(err) == ActionRetry {
		return fmt.Errorf("%s failed after %d attempts: %w: %w", op, attempts, domain.ErrRPCTransient, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Value is Do for calls that return a result.
func Value[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := p.Do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// ClassifyError determines the action for a given error.
func ClassifyError(err error) Action {
	if err == nil {
		return ActionRetry // Should not happen
	}

	if errors.Is(err, context.Canceled) {
		return ActionFatal
	}
	if errors.Is(err, domain.ErrInsufficientHotWalletBalance) ||
		errors.Is(err, domain.ErrChainNotConfigured) ||
		errors.Is(err, domain.ErrInvalidPayout) {
		return ActionFatal
	}

	// Breaker is shedding load; hammering it only delays recovery.
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ActionStop
	}

	s := err.Error()
	sLower := strings.ToLower(s)

	// Fatal (Code or Request issues)
	// -32700: Parse error, -32600: Invalid Request, -32601: Method not found, -32602: Invalid params
	if strings.Contains(s, "-32700") || strings.Contains(s, "-32600") ||
		strings.Contains(s, "-32601") || strings.Contains(s, "-32602") {
		return ActionFatal
	}
	if strings.Contains(sLower, "execution reverted") ||
		strings.Contains(sLower, "insufficient funds") ||
		strings.Contains(sLower, "invalid sender") {
		return ActionFatal
	}

	// Default to Retry (Network, 5xx, 429, etc)
	return ActionRetry
}
