// Package pg is the durable Postgres store. It mirrors the semantics of the
// in-memory implementations exactly; per-license serialization comes from
// row-level locks instead of per-record mutexes.
package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"veridoc.org/internal/audit"
	"veridoc.org/internal/ids"
	"veridoc.org/internal/license"
	"veridoc.org/internal/tier"
)

type Store struct {
	db    *sql.DB
	tiers *tier.Registry
	now   func() time.Time
}

var (
	_ license.Service = (*Store)(nil)
	_ audit.Recorder  = (*Store)(nil)
)

// Option configures Store construction.
type Option func(*Store)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

func Open(dsn string, tiers *tier.Registry, opts ...Option) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return New(db, tiers, opts...), nil
}

// New wraps an existing handle. Used by tests with sqlmock.
func New(db *sql.DB, tiers *tier.Registry, opts ...Option) *Store {
	s := &Store{db: db, tiers: tiers, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

const licenseColumns = `id, owner, tier, status, fingerprint, issued_at, expires_at, last_validated_at, last_renewed_at, max_activations, current_activations, period_usage, lifetime_usage, last_period_reset`

func (s *Store) Create(ctx context.Context, p license.CreateParams) (license.License, error) {
	if p.Owner == "" {
		return license.License{}, fmt.Errorf("%w: owner is required", license.ErrInvalidInput)
	}
	if p.Validity <= 0 {
		return license.License{}, fmt.Errorf("%w: validity must be positive", license.ErrInvalidInput)
	}
	if _, err := s.tiers.Resolve(p.Tier); err != nil {
		return license.License{}, fmt.Errorf("%w: %q", license.ErrUnknownTier, p.Tier)
	}

	maxActivations := p.MaxActivations
	if maxActivations <= 0 {
		maxActivations = 1
	}

	now := s.now().UTC()
	lic := license.License{
		ID:              ids.New(),
		Owner:           p.Owner,
		Tier:            p.Tier,
		Status:          license.StatusActive,
		Fingerprint:     p.Fingerprint,
		IssuedAt:        now,
		ExpiresAt:       now.Add(p.Validity),
		MaxActivations:  maxActivations,
		LastPeriodReset: now,
	}

	_, err := s.db.ExecContext(ctx, `
		insert into licenses(id, owner, tier, status, fingerprint, issued_at, expires_at,
			max_activations, current_activations, period_usage, lifetime_usage, last_period_reset)
		values ($1,$2,$3,$4,$5,$6,$7,$8,0,0,0,$9)
	`, lic.ID, lic.Owner, lic.Tier, lic.Status.String(), lic.Fingerprint,
		lic.IssuedAt, lic.ExpiresAt, lic.MaxActivations, lic.LastPeriodReset)
	if err != nil {
		return license.License{}, err
	}
	return lic, nil
}

func (s *Store) Get(ctx context.Context, id string) (license.License, error) {
	row := s.db.QueryRowContext(ctx, `select `+licenseColumns+` from licenses where id=$1`, id)
	return scanLicense(row)
}

func (s *Store) Renew(ctx context.Context, id string, extendBy time.Duration) (license.License, error) {
	if extendBy <= 0 {
		return license.License{}, fmt.Errorf("%w: extension must be positive", license.ErrInvalidInput)
	}
	return s.withLicense(ctx, id, func(lic *license.License, now time.Time) error {
		if from := lic.EffectiveStatus(now); !license.CanTransition(from, license.StatusActive) {
			return fmt.Errorf("%w: %s -> active", license.ErrInvalidTransition, from)
		}
		// Renewal never shortens an existing grant.
		base := lic.ExpiresAt
		if now.After(base) {
			base = now
		}
		lic.ExpiresAt = base.Add(extendBy)
		lic.Status = license.StatusActive
		renewed := now
		lic.LastRenewedAt = &renewed
		return nil
	})
}

func (s *Store) Suspend(ctx context.Context, id string) (license.License, error) {
	return s.transition(ctx, id, license.StatusSuspended)
}

func (s *Store) Revoke(ctx context.Context, id string) (license.License, error) {
	return s.transition(ctx, id, license.StatusRevoked)
}

func (s *Store) transition(ctx context.Context, id string, to license.Status) (license.License, error) {
	return s.withLicense(ctx, id, func(lic *license.License, now time.Time) error {
		from := lic.EffectiveStatus(now)
		if !license.CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", license.ErrInvalidTransition, from, to)
		}
		lic.Status = to
		return nil
	})
}

func (s *Store) Activate(ctx context.Context, id, fp string) (license.License, error) {
	if fp == "" {
		return license.License{}, fmt.Errorf("%w: fingerprint is required", license.ErrInvalidInput)
	}
	return s.withLicense(ctx, id, func(lic *license.License, now time.Time) error {
		if eff := lic.EffectiveStatus(now); eff != license.StatusActive {
			return fmt.Errorf("%w: %s -> active", license.ErrInvalidTransition, eff)
		}
		if lic.Bound() && lic.Fingerprint != fp {
			return fmt.Errorf("%w: license is bound to another device", license.ErrInvalidInput)
		}
		if lic.CurrentActivations >= lic.MaxActivations {
			return license.ErrActivationLimit
		}
		lic.Fingerprint = fp
		lic.CurrentActivations++
		return nil
	})
}

func (s *Store) Deactivate(ctx context.Context, id string) (license.License, error) {
	return s.withLicense(ctx, id, func(lic *license.License, now time.Time) error {
		if lic.CurrentActivations > 0 {
			lic.CurrentActivations--
		}
		return nil
	})
}

func (s *Store) RecordUsage(ctx context.Context, id string, ev license.UsageEvent) (license.UsageRecord, error) {
	if ev.Quantity <= 0 {
		return license.UsageRecord{}, fmt.Errorf("%w: quantity must be positive", license.ErrInvalidInput)
	}
	if ev.Action == "" {
		return license.UsageRecord{}, fmt.Errorf("%w: action is required", license.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return license.UsageRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	lic, err := lockLicense(ctx, tx, id)
	if err != nil {
		return license.UsageRecord{}, err
	}

	now := s.now().UTC()
	license.AdvancePeriod(&lic, now)
	lic.PeriodUsage += ev.Quantity
	lic.LifetimeUsage += ev.Quantity

	if _, err := tx.ExecContext(ctx, `
		update licenses set period_usage=$2, lifetime_usage=$3, last_period_reset=$4 where id=$1
	`, id, lic.PeriodUsage, lic.LifetimeUsage, lic.LastPeriodReset); err != nil {
		return license.UsageRecord{}, err
	}

	rec := license.UsageRecord{
		ID:           ids.New(),
		LicenseID:    id,
		Action:       ev.Action,
		ResourceType: ev.ResourceType,
		Quantity:     ev.Quantity,
		Metadata:     ev.Metadata,
		CreatedAt:    now,
	}
	meta, err := marshalMeta(rec.Metadata)
	if err != nil {
		return license.UsageRecord{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into usage_records(id, license_id, action, resource_type, quantity, metadata, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, rec.ID, rec.LicenseID, rec.Action, rec.ResourceType, rec.Quantity, meta, rec.CreatedAt); err != nil {
		return license.UsageRecord{}, err
	}

	if err := tx.Commit(); err != nil {
		return license.UsageRecord{}, err
	}
	return rec, nil
}

func (s *Store) UsageStats(ctx context.Context, id string) (license.UsageStats, error) {
	lic, err := s.Get(ctx, id)
	if err != nil {
		return license.UsageStats{}, err
	}
	current := lic.PeriodUsage
	// Report zero for a period nobody has written to yet.
	if s.now().UTC().Sub(lic.LastPeriodReset) >= license.UsagePeriod {
		current = 0
	}
	policy := s.tiers.Lookup(lic.Tier)
	return license.UsageStats{
		QuotaStatus: license.QuotaFor(current, policy.PeriodQuota),
		Lifetime:    lic.LifetimeUsage,
	}, nil
}

func (s *Store) RecordValidation(ctx context.Context, rec *license.ValidationRecord) error {
	if rec == nil || rec.LicenseID == "" {
		return fmt.Errorf("%w: license id is required", license.ErrInvalidInput)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockLicense(ctx, tx, rec.LicenseID); err != nil {
		return err
	}

	if rec.ID == "" {
		rec.ID = ids.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = s.now().UTC()
	}
	meta, err := marshalMeta(rec.Metadata)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		insert into validation_records(id, license_id, fingerprint, valid, reason, metadata, created_at)
		values ($1,$2,$3,$4,$5,$6,$7)
	`, rec.ID, rec.LicenseID, rec.Fingerprint, rec.Valid, rec.Reason, meta, rec.CreatedAt); err != nil {
		return err
	}
	if rec.Valid {
		if _, err := tx.ExecContext(ctx, `
			update licenses set last_validated_at=$2 where id=$1
		`, rec.LicenseID, rec.CreatedAt); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) Validations(ctx context.Context, id string, limit int) ([]license.ValidationRecord, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	// ULIDs sort chronologically, so "last N" is a descending scan.
	rows, err := s.db.QueryContext(ctx, `
		select id, license_id, fingerprint, valid, reason, metadata, created_at
		from validation_records
		where license_id=$1
		order by id desc
		limit $2
	`, id, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []license.ValidationRecord
	for rows.Next() {
		var rec license.ValidationRecord
		var meta []byte
		if err := rows.Scan(&rec.ID, &rec.LicenseID, &rec.Fingerprint, &rec.Valid, &rec.Reason, &meta, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalMeta(meta, &rec.Metadata); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseValidations(out)
	return out, nil
}

func (s *Store) UsageHistory(ctx context.Context, id string, limit int) ([]license.UsageRecord, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, license_id, action, resource_type, quantity, metadata, created_at
		from usage_records
		where license_id=$1
		order by id desc
		limit $2
	`, id, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []license.UsageRecord
	for rows.Next() {
		var rec license.UsageRecord
		var meta []byte
		if err := rows.Scan(&rec.ID, &rec.LicenseID, &rec.Action, &rec.ResourceType, &rec.Quantity, &meta, &rec.CreatedAt); err != nil {
			return nil, err
		}
		if err := unmarshalMeta(meta, &rec.Metadata); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	reverseUsage(out)
	return out, nil
}

// Record appends one audit entry. Inserts only; the table carries no update
// or delete paths.
func (s *Store) Record(ctx context.Context, e *audit.Entry) error {
	if e == nil || strings.TrimSpace(e.Action) == "" {
		return errors.New("audit: action is required")
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = s.now().UTC()
	}
	payload, err := marshalMeta(e.Payload)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, `
		insert into audit_entries(id, occurred_at, actor, action, target_id, payload)
		values ($1,$2,$3,$4,$5,$6)
	`, e.ID, e.OccurredAt, e.Actor, e.Action, e.TargetID, payload); err != nil {
		return err
	}
	audit.LogEntry(ctx, *e)
	return nil
}

func (s *Store) History(ctx context.Context, targetID string, limit int) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, occurred_at, actor, action, target_id, payload
		from audit_entries
		where target_id=$1
		order by id asc
		limit $2
	`, targetID, clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []audit.Entry
	for rows.Next() {
		var e audit.Entry
		var payload []byte
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Actor, &e.Action, &e.TargetID, &payload); err != nil {
			return nil, err
		}
		if err := unmarshalMeta(payload, &e.Payload); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// withLicense runs fn against the locked row and writes the mutated record
// back in the same transaction.
func (s *Store) withLicense(ctx context.Context, id string, fn func(lic *license.License, now time.Time) error) (license.License, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return license.License{}, err
	}
	defer func() { _ = tx.Rollback() }()

	lic, err := lockLicense(ctx, tx, id)
	if err != nil {
		return license.License{}, err
	}
	if err := fn(&lic, s.now().UTC()); err != nil {
		return license.License{}, err
	}
	if err := saveLicense(ctx, tx, lic); err != nil {
		return license.License{}, err
	}
	if err := tx.Commit(); err != nil {
		return license.License{}, err
	}
	return lic, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLicense(row rowScanner) (license.License, error) {
	var lic license.License
	var status string
	var fingerprint sql.NullString
	var lastValidated, lastRenewed sql.NullTime
	err := row.Scan(&lic.ID, &lic.Owner, &lic.Tier, &status, &fingerprint,
		&lic.IssuedAt, &lic.ExpiresAt, &lastValidated, &lastRenewed,
		&lic.MaxActivations, &lic.CurrentActivations,
		&lic.PeriodUsage, &lic.LifetimeUsage, &lic.LastPeriodReset)
	if errors.Is(err, sql.ErrNoRows) {
		return license.License{}, license.ErrNotFound
	}
	if err != nil {
		return license.License{}, err
	}
	lic.Status, err = license.ParseStatus(status)
	if err != nil {
		return license.License{}, err
	}
	if fingerprint.Valid {
		lic.Fingerprint = fingerprint.String
	}
	if lastValidated.Valid {
		t := lastValidated.Time
		lic.LastValidatedAt = &t
	}
	if lastRenewed.Valid {
		t := lastRenewed.Time
		lic.LastRenewedAt = &t
	}
	return lic, nil
}

func lockLicense(ctx context.Context, tx *sql.Tx, id string) (license.License, error) {
	row := tx.QueryRowContext(ctx, `select `+licenseColumns+` from licenses where id=$1 for update`, id)
	return scanLicense(row)
}

func saveLicense(ctx context.Context, tx *sql.Tx, lic license.License) error {
	_, err := tx.ExecContext(ctx, `
		update licenses set
			status=$2, fingerprint=$3, expires_at=$4, last_validated_at=$5, last_renewed_at=$6,
			current_activations=$7, period_usage=$8, lifetime_usage=$9, last_period_reset=$10
		where id=$1
	`, lic.ID, lic.Status.String(), lic.Fingerprint, lic.ExpiresAt,
		nullTime(lic.LastValidatedAt), nullTime(lic.LastRenewedAt),
		lic.CurrentActivations, lic.PeriodUsage, lic.LifetimeUsage, lic.LastPeriodReset)
	return err
}

// --- helpers ---

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func marshalMeta(meta map[string]string) ([]byte, error) {
	if len(meta) == 0 {
		return nil, nil
	}
	return json.Marshal(meta)
}

func unmarshalMeta(raw []byte, dst *map[string]string) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func clampLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func reverseValidations(recs []license.ValidationRecord) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}

func reverseUsage(recs []license.UsageRecord) {
	for i, j := 0, len(recs)-1; i < j; i, j = i+1, j-1 {
		recs[i], recs[j] = recs[j], recs[i]
	}
}
