// Package license owns the authoritative entitlement records: their lifecycle
// state machine, usage accounting and the append-only validation history.
package license

import (
	"errors"
	"time"
)

// UsagePeriod is the rolling window for per-period quota accounting.
const UsagePeriod = 30 * 24 * time.Hour

// License is the persisted record of an entitlement grant. The credential
// presented by clients is derived from it at issuance and never reflects
// later changes; callers cross-check this record on every validation.
type License struct {
	ID                 string     `json:"id"`
	Owner              string     `json:"owner"`
	Tier               string     `json:"tier"`
	Status             Status     `json:"status"`
	Fingerprint        string     `json:"fingerprint,omitempty"`
	IssuedAt           time.Time  `json:"issued_at"`
	ExpiresAt          time.Time  `json:"expires_at"`
	LastValidatedAt    *time.Time `json:"last_validated_at,omitempty"`
	LastRenewedAt      *time.Time `json:"last_renewed_at,omitempty"`
	MaxActivations     int        `json:"max_activations"`
	CurrentActivations int        `json:"current_activations"`
	PeriodUsage        int64      `json:"period_usage"`
	LifetimeUsage      int64      `json:"lifetime_usage"`
	LastPeriodReset    time.Time  `json:"last_period_reset"`
}

// Bound reports whether the license is tied to a device fingerprint.
func (l License) Bound() bool { return l.Fingerprint != "" }

// EffectiveStatus derives expiry lazily: a license past its expiry reads as
// expired without requiring an explicit transition.
func (l License) EffectiveStatus(now time.Time) Status {
	if l.Status == StatusActive && now.After(l.ExpiresAt) {
		return StatusExpired
	}
	return l.Status
}

// UsageRecord is one append-only usage event. Never updated or deleted.
type UsageRecord struct {
	ID           string            `json:"id"`
	LicenseID    string            `json:"license_id"`
	Action       string            `json:"action"`
	ResourceType string            `json:"resource_type"`
	Quantity     int64             `json:"quantity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
}

// ValidationRecord is one append-only verification attempt, successful or not.
type ValidationRecord struct {
	ID          string            `json:"id"`
	LicenseID   string            `json:"license_id"`
	Fingerprint string            `json:"fingerprint,omitempty"`
	Valid       bool              `json:"valid"`
	Reason      string            `json:"reason"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
}

// UsageEvent is the input to RecordUsage.
type UsageEvent struct {
	Action       string
	ResourceType string
	Quantity     int64
	Metadata     map[string]string
}

// QuotaStatus reports where a license stands against its per-period quota.
// Remaining is -1 and Percentage 0 when the tier is unlimited.
type QuotaStatus struct {
	Current    int64   `json:"current"`
	Limit      int64   `json:"limit"`
	Remaining  int64   `json:"remaining"`
	Unlimited  bool    `json:"unlimited"`
	Percentage float64 `json:"percentage"`
}

// Exceeded reports whether the period quota is used up.
func (q QuotaStatus) Exceeded() bool {
	return !q.Unlimited && q.Remaining <= 0
}

// UsageStats extends QuotaStatus with the lifetime counter.
type UsageStats struct {
	QuotaStatus
	Lifetime int64 `json:"lifetime"`
}

var (
	ErrNotFound          = errors.New("license: not found")
	ErrUnknownTier       = errors.New("license: unknown tier")
	ErrInvalidTransition = errors.New("license: invalid state transition")
	ErrInvalidInput      = errors.New("license: invalid input")
	ErrQuotaExceeded     = errors.New("license: period quota exceeded")
	ErrActivationLimit   = errors.New("license: activation limit reached")
)
