package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

type IncidentStatus string

const (
	IncidentOpen              IncidentStatus = "OPEN"
	IncidentResolvedCredited  IncidentStatus = "RESOLVED_CREDITED"
	IncidentResolvedReversed  IncidentStatus = "RESOLVED_REVERSED"
	IncidentResolvedDismissed IncidentStatus = "RESOLVED_DISMISSED"
)

// Resolution is the operator's verdict on an incident.
type Resolution string

const (
	ResolutionCredited  Resolution = "credited"
	ResolutionReversed  Resolution = "reversed"
	ResolutionDismissed Resolution = "dismissed"
)

// Status maps the resolution to the terminal incident status.
func (r Resolution) Status() IncidentStatus {
	switch r {
	case ResolutionCredited:
		return IncidentResolvedCredited
	case ResolutionReversed:
		return IncidentResolvedReversed
	case ResolutionDismissed:
		return IncidentResolvedDismissed
	}
	return ""
}

func ParseResolution(s string) (Resolution, error) {
	r := Resolution(strings.ToLower(strings.TrimSpace(s)))
	if r.Status() == "" {
		return "", fmt.Errorf("unknown resolution %q", s)
	}
	return r, nil
}

// ReorgIncident records a reorg observed after a deposit was credited.
// A deposit has at most one OPEN incident. Evidence identifies what the
// tracker saw, so a resolved incident is not raised again for the same
// observation.
type ReorgIncident struct {
	ID         int64           `db:"id"          json:"id"`
	DepositID  int64           `db:"deposit_id"  json:"deposit_id"`
	UserID     int64           `db:"user_id"     json:"user_id"`
	Chain      ChainID         `db:"chain"       json:"chain"`
	Amount     decimal.Decimal `db:"amount"      json:"amount"`
	AmountUSD  decimal.Decimal `db:"amount_usd"  json:"amount_usd"`
	Reason     string          `db:"reason"      json:"reason"`
	Evidence   string          `db:"evidence"    json:"evidence"`
	Status     IncidentStatus  `db:"status"      json:"status"`
	DetectedAt time.Time       `db:"detected_at" json:"detected_at"`
	ResolvedAt *time.Time      `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolvedBy string          `db:"resolved_by" json:"resolved_by,omitempty"`
}
