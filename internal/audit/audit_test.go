package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"veridoc.org/internal/obs"
)

func TestRecordAndHistory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	entry := &Entry{
		Actor:    "admin",
		Action:   "license.revoke",
		TargetID: "lic-1",
		Payload:  map[string]string{"reason": "chargeback"},
	}
	if err := m.Record(ctx, entry); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if entry.ID == "" || entry.OccurredAt.IsZero() {
		t.Fatalf("entry not stamped: %+v", entry)
	}

	if err := m.Record(ctx, &Entry{Actor: "system", Action: "license.validate", TargetID: "lic-2"}); err != nil {
		t.Fatal(err)
	}

	history, err := m.History(ctx, "lic-1", 10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(history) != 1 {
		t.Fatalf("expected 1 entry for lic-1, got %d", len(history))
	}
	if history[0].Action != "license.revoke" || history[0].Payload["reason"] != "chargeback" {
		t.Fatalf("unexpected entry: %+v", history[0])
	}
}

func TestRecordRequiresAction(t *testing.T) {
	m := NewMemory()
	if err := m.Record(context.Background(), &Entry{Actor: "admin"}); err == nil {
		t.Fatal("expected error for missing action")
	}
}

func TestRecordCopiesPayload(t *testing.T) {
	m := NewMemory()
	payload := map[string]string{"k": "v"}
	entry := &Entry{Actor: "admin", Action: "license.suspend", TargetID: "lic-1", Payload: payload}
	if err := m.Record(context.Background(), entry); err != nil {
		t.Fatal(err)
	}

	// Mutating the caller's map must not reach the stored entry.
	payload["k"] = "changed"
	history, _ := m.History(context.Background(), "lic-1", 10)
	if history[0].Payload["k"] != "v" {
		t.Fatalf("stored entry shares caller's map: %+v", history[0])
	}
}

func TestHistoryOrderedOldestFirst(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Now().UTC()
	for i, action := range []string{"license.issue", "license.validate", "license.renew"} {
		if err := m.Record(ctx, &Entry{
			Actor:      "admin",
			Action:     action,
			TargetID:   "lic-1",
			OccurredAt: base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}
	history, _ := m.History(ctx, "lic-1", 10)
	if len(history) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(history))
	}
	if history[0].Action != "license.issue" || history[2].Action != "license.renew" {
		t.Fatalf("history out of order: %+v", history)
	}
}

func TestLogEntryEmitsJSON(t *testing.T) {
	logger := obs.Logger()
	original := logger.Writer()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	defer logger.SetOutput(original)

	ctx := WithRequestID(context.Background(), "req-123")
	LogEntry(ctx, Entry{
		OccurredAt: time.Now().UTC(),
		Actor:      "admin",
		Action:     "license.issue",
		TargetID:   "lic-1",
		Payload:    map[string]string{"tier": "pro"},
	})

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if line["type"] != "audit" || line["event"] != "license.issue" {
		t.Fatalf("unexpected line: %v", line)
	}
	if line["request_id"] != "req-123" {
		t.Fatalf("missing request id: %v", line)
	}
	fields, ok := line["fields"].(map[string]any)
	if !ok || fields["tier"] != "pro" {
		t.Fatalf("fields missing: %v", line)
	}
}
