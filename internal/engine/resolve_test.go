package engine_test

import (
	"errors"
	"strings"
	"testing"

	"closeline/internal/engine"
)

func (env testEnv) createBlocking(t *testing.T, txnID, title string) string {
	t.Helper()
	cond, err := env.Engine.CreateCondition(env.Ctx, engine.ConditionCreateOptions{
		TransactionID: txnID,
		Title:         title,
		Level:         "blocking",
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("create condition: %v", err)
	}
	return cond.ID
}

func TestBlockingResolutionRequiresEvidence(t *testing.T) {
	env := newTestEnv(t)
	txnID := env.createTxn(t)
	condID := env.createBlocking(t, txnID, "certificate of location")

	_, err := env.Engine.CompleteCondition(env.Ctx, txnID, condID, "tester")
	var failed engine.ResolutionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected ResolutionFailedError, got %v", err)
	}

	if _, err := env.Engine.AddEvidence(env.Ctx, txnID, condID, engine.EvidenceOptions{
		Kind: "link", Title: "Surveyor certificate", URL: "https://example.com/cert.pdf",
	}, "tester"); err != nil {
		t.Fatalf("add evidence: %v", err)
	}
	cond, err := env.Engine.CompleteCondition(env.Ctx, txnID, condID, "tester")
	if err != nil {
		t.Fatalf("resolve with evidence: %v", err)
	}
	if cond.Status != "completed" || cond.ResolutionType == nil || *cond.ResolutionType != "completed" {
		t.Fatalf("unexpected resolution: %+v", cond)
	}
	if cond.ResolvedAt == nil || cond.ResolvedBy == nil || *cond.ResolvedBy != "tester" {
		t.Fatalf("resolution metadata missing: %+v", cond)
	}
}

func TestEscapeHatchDowngradesToSkippedWithRisk(t *testing.T) {
	env := newTestEnv(t)
	txnID := env.createTxn(t)
	condID := env.createBlocking(t, txnID, "financing approval")

	cond, err := env.Engine.ResolveCondition(env.Ctx, txnID, condID, "completed", "tester", engine.ResolveOptions{
		EscapedWithoutProof: true,
		EscapeReason:        "seller accepted the risk in writing",
	})
	if err != nil {
		t.Fatalf("escape resolution: %v", err)
	}
	if cond.ResolutionType == nil || *cond.ResolutionType != "skipped_with_risk" {
		t.Fatalf("escape must persist skipped_with_risk, got %+v", cond.ResolutionType)
	}
	if cond.ResolutionNote == nil || !strings.Contains(*cond.ResolutionNote, "Escaped without proof") {
		t.Fatalf("escape reason should land in the resolution note: %+v", cond.ResolutionNote)
	}

	events, err := env.Engine.ConditionHistory(env.Ctx, txnID, condID, "tester")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var resolved bool
	for _, ev := range events {
		if ev.Type == "resolved" {
			resolved = true
			if !strings.Contains(ev.Payload, "escaped_without_proof") {
				t.Fatalf("resolved event should record the escape: %s", ev.Payload)
			}
		}
	}
	if !resolved {
		t.Fatalf("no resolved event in history: %+v", events)
	}
}

func TestEscapeReasonTooShort(t *testing.T) {
	env := newTestEnv(t)
	txnID := env.createTxn(t)
	condID := env.createBlocking(t, txnID, "financing approval")

	_, err := env.Engine.ResolveCondition(env.Ctx, txnID, condID, "completed", "tester", engine.ResolveOptions{
		EscapedWithoutProof: true,
		EscapeReason:        "because",
	})
	var failed engine.ResolutionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("short escape reason must fail, got %v", err)
	}
}

func TestWaiveNeedsNoEvidence(t *testing.T) {
	env := newTestEnv(t)
	txnID := env.createTxn(t)
	condID := env.createBlocking(t, txnID, "radon test")

	cond, err := env.Engine.ResolveCondition(env.Ctx, txnID, condID, "waived", "tester", engine.ResolveOptions{Note: "buyer waived"})
	if err != nil {
		t.Fatalf("waive: %v", err)
	}
	if cond.ResolutionType == nil || *cond.ResolutionType != "waived" {
		t.Fatalf("unexpected resolution type: %+v", cond.ResolutionType)
	}
}

func TestResolveTwiceRefused(t *testing.T) {
	env := newTestEnv(t)
	txnID := env.createTxn(t)
	condID := env.createBlocking(t, txnID, "radon test")
	if _, err := env.Engine.ResolveCondition(env.Ctx, txnID, condID, "not_applicable", "tester", engine.ResolveOptions{}); err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	_, err := env.Engine.ResolveCondition(env.Ctx, txnID, condID, "waived", "tester", engine.ResolveOptions{})
	var failed engine.ResolutionFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("second resolve must fail, got %v", err)
	}
}

func TestResolveUnknownTypeRefused(t *testing.T) {
	env := newTestEnv(t)
	txnID := env.createTxn(t)
	condID := env.createBlocking(t, txnID, "radon test")
	_, err := env.Engine.ResolveCondition(env.Ctx, txnID, condID, "done", "tester", engine.ResolveOptions{})
	var bad engine.ValidationError
	if !errors.As(err, &bad) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
}

func TestArchivedConditionIsReadOnly(t *testing.T) {
	env := newTestEnv(t)
	txnID := env.createTxn(t)
	condID := env.createBlocking(t, txnID, "identity check")
	if err := env.Engine.Repo.ArchiveCondition(env.Ctx, nil, condID, "intake", now(env)); err != nil {
		t.Fatal(err)
	}

	var archived engine.ConditionArchivedError
	if _, err := env.Engine.UpdateCondition(env.Ctx, txnID, condID, engine.ConditionUpdateOptions{}, "tester"); !errors.As(err, &archived) {
		t.Fatalf("update should be refused: %v", err)
	}
	if _, err := env.Engine.AddEvidence(env.Ctx, txnID, condID, engine.EvidenceOptions{Kind: "note", Note: "late"}, "tester"); !errors.As(err, &archived) {
		t.Fatalf("add evidence should be refused: %v", err)
	}
	if _, err := env.Engine.ResolveCondition(env.Ctx, txnID, condID, "waived", "tester", engine.ResolveOptions{}); !errors.As(err, &archived) {
		t.Fatalf("resolve should be refused: %v", err)
	}

	// History stays readable and the archived condition stops gating.
	if _, err := env.Engine.ConditionHistory(env.Ctx, txnID, condID, "tester"); err != nil {
		t.Fatalf("history of archived condition: %v", err)
	}
	if _, err := env.Engine.AdvanceStep(env.Ctx, txnID, "tester"); err != nil {
		t.Fatalf("archived condition must not gate: %v", err)
	}
}

func TestConditionHistoryRecordsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	txnID := env.createTxn(t)
	condID := env.createBlocking(t, txnID, "deposit receipt")

	ev, err := env.Engine.AddEvidence(env.Ctx, txnID, condID, engine.EvidenceOptions{Kind: "note", Note: "wire sent"}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.RemoveEvidence(env.Ctx, txnID, condID, ev.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	newTitle := "deposit receipt (signed)"
	if _, err := env.Engine.UpdateCondition(env.Ctx, txnID, condID, engine.ConditionUpdateOptions{Title: &newTitle}, "tester"); err != nil {
		t.Fatal(err)
	}

	events, err := env.Engine.ConditionHistory(env.Ctx, txnID, condID, "tester")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"created", "evidence_added", "evidence_removed", "updated"}
	if len(events) != len(want) {
		t.Fatalf("expected %d events, got %d: %+v", len(want), len(events), events)
	}
	for i, ev := range events {
		if ev.Type != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], ev.Type)
		}
	}
}

func TestConditionCrossTransactionGuard(t *testing.T) {
	env := newTestEnv(t)
	first := env.createTxn(t)
	second := env.createTxn(t)
	condID := env.createBlocking(t, first, "misfiled")

	if _, err := env.Engine.ResolveCondition(env.Ctx, second, condID, "waived", "tester", engine.ResolveOptions{}); err == nil {
		t.Fatalf("condition of another transaction should look not-found")
	}
}
