// Package audit keeps the append-only history of license operations:
// issuance, validation attempts, renewals, suspensions and revocations.
// Entries are never updated or deleted; reporting consumes them read-only.
package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"veridoc.org/internal/ids"
	"veridoc.org/internal/obs"
)

// Entry is one immutable audit record.
type Entry struct {
	ID         string            `json:"id"`
	OccurredAt time.Time         `json:"occurred_at"`
	Actor      string            `json:"actor"`
	Action     string            `json:"action"`
	TargetID   string            `json:"target_id"`
	Payload    map[string]string `json:"payload,omitempty"`
}

// Recorder appends immutable entries and reads them back for reporting.
// There is deliberately no update or delete operation.
type Recorder interface {
	Record(ctx context.Context, e *Entry) error
	History(ctx context.Context, targetID string, limit int) ([]Entry, error)
}

// Memory is an in-process Recorder. Suitable for tests and single-node runs;
// the Postgres store provides the durable implementation.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
}

// NewMemory creates an empty in-process recorder.
func NewMemory() *Memory {
	return &Memory{}
}

var _ Recorder = (*Memory)(nil)

// Record stamps and appends the entry, then emits it as a structured audit
// log line. A failed operation still gets its audit write.
func (m *Memory) Record(ctx context.Context, e *Entry) error {
	if e == nil || strings.TrimSpace(e.Action) == "" {
		return errors.New("audit: action is required")
	}
	if e.ID == "" {
		e.ID = ids.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	stored := *e
	if len(e.Payload) > 0 {
		stored.Payload = make(map[string]string, len(e.Payload))
		for k, v := range e.Payload {
			stored.Payload[k] = v
		}
	}

	m.mu.Lock()
	m.entries = append(m.entries, stored)
	m.mu.Unlock()

	LogEntry(ctx, stored)
	return nil
}

// History returns up to limit entries for a target, oldest first.
func (m *Memory) History(ctx context.Context, targetID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Entry
	for _, e := range m.entries {
		if e.TargetID != targetID {
			continue
		}
		out = append(out, e)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// LogEntry writes the audit entry as a JSON log line so the trail is visible
// in log aggregation even when the durable store is unavailable.
func LogEntry(ctx context.Context, e Entry) {
	line := map[string]any{
		"ts":     e.OccurredAt.Format(time.RFC3339Nano),
		"type":   "audit",
		"event":  e.Action,
		"actor":  e.Actor,
		"target": e.TargetID,
	}
	if rid := RequestIDFromContext(ctx); rid != "" {
		line["request_id"] = rid
	}
	if len(e.Payload) > 0 {
		line["fields"] = e.Payload
	}
	obs.LogRequest(line)
}

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit
// logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
