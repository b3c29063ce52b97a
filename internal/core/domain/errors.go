package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrChainNotConfigured           = errors.New("chain not configured")
	ErrUnknownChain                 = errors.New("unknown chain")
	ErrRPCTransient                 = errors.New("rpc transient failure")
	ErrReorgDetected                = errors.New("reorg detected")
	ErrInsufficientHotWalletBalance = errors.New("insufficient hot wallet balance")
	ErrConfiguration                = errors.New("configuration error")

	ErrNotFound               = errors.New("not found")
	ErrScanRateLimited        = errors.New("scan rate limited")
	ErrPayoutInFlight         = errors.New("participant already has a payout in flight")
	ErrInsufficientBalance    = errors.New("insufficient user balance")
	ErrInvalidPayout          = errors.New("invalid payout request")
	ErrIncidentNotOpen        = errors.New("incident is not open")
	ErrInvalidTransition      = errors.New("invalid state transition")
	ErrLockHeld               = errors.New("lock held by another holder")
	ErrLockBackendUnavailable = errors.New("lock backend unavailable")
)

// RateLimitError is returned for a user scan inside the cooldown window.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("scan rate limited, retry after %s", e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrScanRateLimited }
