//go:build integration

package storage

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/c360studio/semstreams/natsclient"
)

func TestAuditLog_AppendAndList(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	log, err := NewAuditLog(tc.Client, nil)
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}

	selection, _ := json.Marshal(map[string]any{"selected": []string{"rest-api-design"}})
	events := []Event{
		{RecordID: "wf-audit1", Kind: KindProtocolSelection, Step: "design", Detail: "selected 1 protocol", Data: selection},
		{RecordID: "wf-audit1", Kind: KindRetry, Step: "validate", Detail: "retry 1 granted"},
		{RecordID: "wf-audit1", Kind: KindFinalize, Detail: "completed"},
		{RecordID: "wf-other", Kind: KindRetry, Step: "implement", Detail: "retry 1 granted"},
	}
	for _, event := range events {
		if err := log.Append(ctx, event); err != nil {
			t.Fatalf("Append %s: %v", event.Kind, err)
		}
	}

	got, err := log.List(ctx, "wf-audit1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("listed %d events, want 3", len(got))
	}

	// Append order survives.
	wantKinds := []EventKind{KindProtocolSelection, KindRetry, KindFinalize}
	for i, kind := range wantKinds {
		if got[i].Kind != kind {
			t.Errorf("event %d kind = %s, want %s", i, got[i].Kind, kind)
		}
		if got[i].ID == "" || got[i].At.IsZero() {
			t.Errorf("event %d missing generated id or timestamp", i)
		}
	}
}

func TestAuditLog_AppendValidation(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	log, err := NewAuditLog(tc.Client, nil)
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}

	if err := log.Append(ctx, Event{Kind: KindRetry}); err == nil {
		t.Error("event without record_id accepted")
	}
	if err := log.Append(ctx, Event{RecordID: "wf-1", Kind: "bogus"}); err == nil {
		t.Error("event with unknown kind accepted")
	}
}

func TestAuditLog_ListEmpty(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())
	ctx := context.Background()

	log, err := NewAuditLog(tc.Client, nil)
	if err != nil {
		t.Fatalf("NewAuditLog: %v", err)
	}

	got, err := log.List(ctx, "wf-none")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("listed %d events for unknown record", len(got))
	}
}
