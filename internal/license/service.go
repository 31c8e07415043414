package license

import (
	"context"
	"fmt"
	"sync"
	"time"

	"veridoc.org/internal/ids"
	"veridoc.org/internal/tier"
)

// CreateParams is the input to Service.Create.
type CreateParams struct {
	Owner          string
	Tier           string
	Fingerprint    string
	Validity       time.Duration
	MaxActivations int
}

// Service defines license lifecycle and usage-ledger operations. All
// mutations against one license are serialized per record; different licenses
// are fully independent.
type Service interface {
	Create(ctx context.Context, p CreateParams) (License, error)
	Get(ctx context.Context, id string) (License, error)
	Renew(ctx context.Context, id string, extendBy time.Duration) (License, error)
	Suspend(ctx context.Context, id string) (License, error)
	Revoke(ctx context.Context, id string) (License, error)
	Activate(ctx context.Context, id, fp string) (License, error)
	Deactivate(ctx context.Context, id string) (License, error)
	RecordUsage(ctx context.Context, id string, ev UsageEvent) (UsageRecord, error)
	UsageStats(ctx context.Context, id string) (UsageStats, error)
	RecordValidation(ctx context.Context, rec *ValidationRecord) error
	Validations(ctx context.Context, id string, limit int) ([]ValidationRecord, error)
	UsageHistory(ctx context.Context, id string, limit int) ([]UsageRecord, error)
}

// InMemory implements Service with in-process concurrency safety. It is the
// reference implementation; the Postgres store carries the same semantics
// for durable deployments.
type InMemory struct {
	tiers *tier.Registry
	now   func() time.Time

	mu   sync.RWMutex // guards the map itself
	recs map[string]*record
}

// record bundles one license with its append-only histories. record.mu is the
// per-record critical section: counter increments and state transitions are
// linearizable per license.
type record struct {
	mu          sync.Mutex
	lic         License
	usage       []UsageRecord
	validations []ValidationRecord
}

// Option configures InMemory construction.
type Option func(*InMemory)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewInMemory creates an empty license store backed by the tier registry.
func NewInMemory(tiers *tier.Registry, opts ...Option) *InMemory {
	s := &InMemory{
		tiers: tiers,
		now:   time.Now,
		recs:  make(map[string]*record),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ Service = (*InMemory)(nil)

func (s *InMemory) find(id string) (*record, error) {
	s.mu.RLock()
	r := s.recs[id]
	s.mu.RUnlock()
	if r == nil {
		return nil, ErrNotFound
	}
	return r, nil
}

func (s *InMemory) Create(ctx context.Context, p CreateParams) (License, error) {
	if p.Owner == "" {
		return License{}, fmt.Errorf("%w: owner is required", ErrInvalidInput)
	}
	if p.Validity <= 0 {
		return License{}, fmt.Errorf("%w: validity must be positive", ErrInvalidInput)
	}
	if _, err := s.tiers.Resolve(p.Tier); err != nil {
		return License{}, fmt.Errorf("%w: %q", ErrUnknownTier, p.Tier)
	}

	maxActivations := p.MaxActivations
	if maxActivations <= 0 {
		maxActivations = 1
	}

	now := s.now().UTC()
	lic := License{
		ID:              ids.New(),
		Owner:           p.Owner,
		Tier:            p.Tier,
		Status:          StatusActive,
		Fingerprint:     p.Fingerprint,
		IssuedAt:        now,
		ExpiresAt:       now.Add(p.Validity),
		MaxActivations:  maxActivations,
		LastPeriodReset: now,
	}

	s.mu.Lock()
	s.recs[lic.ID] = &record{lic: lic}
	s.mu.Unlock()
	return lic, nil
}

func (s *InMemory) Get(ctx context.Context, id string) (License, error) {
	r, err := s.find(id)
	if err != nil {
		return License{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lic, nil
}

func (s *InMemory) Renew(ctx context.Context, id string, extendBy time.Duration) (License, error) {
	if extendBy <= 0 {
		return License{}, fmt.Errorf("%w: extension must be positive", ErrInvalidInput)
	}
	r, err := s.find(id)
	if err != nil {
		return License{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := s.now().UTC()
	if !CanTransition(r.lic.EffectiveStatus(now), StatusActive) {
		return License{}, fmt.Errorf("%w: %s -> active", ErrInvalidTransition, r.lic.EffectiveStatus(now))
	}

	// Renewal never shortens an existing grant.
	base := r.lic.ExpiresAt
	if now.After(base) {
		base = now
	}
	r.lic.ExpiresAt = base.Add(extendBy)
	r.lic.Status = StatusActive
	renewed := now
	r.lic.LastRenewedAt = &renewed
	return r.lic, nil
}

func (s *InMemory) Suspend(ctx context.Context, id string) (License, error) {
	return s.transition(id, StatusSuspended)
}

func (s *InMemory) Revoke(ctx context.Context, id string) (License, error) {
	return s.transition(id, StatusRevoked)
}

func (s *InMemory) transition(id string, to Status) (License, error) {
	r, err := s.find(id)
	if err != nil {
		return License{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.lic.EffectiveStatus(s.now().UTC())
	if !CanTransition(from, to) {
		return License{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	r.lic.Status = to
	return r.lic, nil
}

func (s *InMemory) Activate(ctx context.Context, id, fp string) (License, error) {
	if fp == "" {
		return License{}, fmt.Errorf("%w: fingerprint is required", ErrInvalidInput)
	}
	r, err := s.find(id)
	if err != nil {
		return License{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := s.now().UTC()
	if eff := r.lic.EffectiveStatus(now); eff != StatusActive {
		return License{}, fmt.Errorf("%w: %s -> active", ErrInvalidTransition, eff)
	}
	if r.lic.Bound() && r.lic.Fingerprint != fp {
		return License{}, fmt.Errorf("%w: license is bound to another device", ErrInvalidInput)
	}
	if r.lic.CurrentActivations >= r.lic.MaxActivations {
		return License{}, ErrActivationLimit
	}
	r.lic.Fingerprint = fp
	r.lic.CurrentActivations++
	return r.lic, nil
}

func (s *InMemory) Deactivate(ctx context.Context, id string) (License, error) {
	r, err := s.find(id)
	if err != nil {
		return License{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lic.CurrentActivations > 0 {
		r.lic.CurrentActivations--
	}
	return r.lic, nil
}

func (s *InMemory) RecordUsage(ctx context.Context, id string, ev UsageEvent) (UsageRecord, error) {
	if ev.Quantity <= 0 {
		return UsageRecord{}, fmt.Errorf("%w: quantity must be positive", ErrInvalidInput)
	}
	if ev.Action == "" {
		return UsageRecord{}, fmt.Errorf("%w: action is required", ErrInvalidInput)
	}
	r, err := s.find(id)
	if err != nil {
		return UsageRecord{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := s.now().UTC()
	AdvancePeriod(&r.lic, now)
	r.lic.PeriodUsage += ev.Quantity
	r.lic.LifetimeUsage += ev.Quantity

	rec := UsageRecord{
		ID:           ids.New(),
		LicenseID:    id,
		Action:       ev.Action,
		ResourceType: ev.ResourceType,
		Quantity:     ev.Quantity,
		Metadata:     copyMeta(ev.Metadata),
		CreatedAt:    now,
	}
	r.usage = append(r.usage, rec)
	return rec, nil
}

// AdvancePeriod resets the per-period counter when the period boundary has
// been crossed since the last reset, keeping the boundary anchored at whole
// periods from the original reset point. Shared by every Service
// implementation so the rollover rule cannot drift.
func AdvancePeriod(lic *License, now time.Time) {
	elapsed := now.Sub(lic.LastPeriodReset)
	if elapsed < UsagePeriod {
		return
	}
	periods := elapsed / UsagePeriod
	lic.LastPeriodReset = lic.LastPeriodReset.Add(periods * UsagePeriod)
	lic.PeriodUsage = 0
}

func (s *InMemory) UsageStats(ctx context.Context, id string) (UsageStats, error) {
	r, err := s.find(id)
	if err != nil {
		return UsageStats{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.lic.PeriodUsage
	// Report zero for a period nobody has written to yet.
	if s.now().UTC().Sub(r.lic.LastPeriodReset) >= UsagePeriod {
		current = 0
	}
	policy := s.tiers.Lookup(r.lic.Tier)
	return UsageStats{
		QuotaStatus: QuotaFor(current, policy.PeriodQuota),
		Lifetime:    r.lic.LifetimeUsage,
	}, nil
}

// QuotaFor builds the quota report for a per-period counter against a tier
// limit. A negative limit means unlimited.
func QuotaFor(current, limit int64) QuotaStatus {
	if limit < 0 {
		return QuotaStatus{Current: current, Limit: limit, Remaining: -1, Unlimited: true}
	}
	q := QuotaStatus{Current: current, Limit: limit, Remaining: limit - current}
	if limit > 0 {
		q.Percentage = float64(current) / float64(limit) * 100
	}
	return q
}

func (s *InMemory) RecordValidation(ctx context.Context, rec *ValidationRecord) error {
	if rec == nil || rec.LicenseID == "" {
		return fmt.Errorf("%w: license id is required", ErrInvalidInput)
	}
	r, err := s.find(rec.LicenseID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	stored := *rec
	stored.Metadata = copyMeta(rec.Metadata)
	r.validations = append(r.validations, stored)

	if rec.Valid {
		at := rec.CreatedAt
		r.lic.LastValidatedAt = &at
	}
	return nil
}

func (s *InMemory) Validations(ctx context.Context, id string, limit int) ([]ValidationRecord, error) {
	r, err := s.find(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	limit = clampLimit(limit)
	start := 0
	if len(r.validations) > limit {
		start = len(r.validations) - limit
	}
	out := make([]ValidationRecord, len(r.validations)-start)
	copy(out, r.validations[start:])
	return out, nil
}

func (s *InMemory) UsageHistory(ctx context.Context, id string, limit int) ([]UsageRecord, error) {
	r, err := s.find(id)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	limit = clampLimit(limit)
	start := 0
	if len(r.usage) > limit {
		start = len(r.usage) - limit
	}
	out := make([]UsageRecord, len(r.usage)-start)
	copy(out, r.usage[start:])
	return out, nil
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func copyMeta(meta map[string]string) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = v
	}
	return out
}
