package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"closeline/internal/config"
	"closeline/internal/db"
	"closeline/internal/engine"
	"closeline/internal/migrate"
	"closeline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default("agency-1")
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	now := eng.Now().UTC().Format(time.RFC3339)
	r := eng.Repo
	if err := r.EnsureAgency(ctx, nil, "agency-1", "Test Agency", now); err != nil {
		t.Fatalf("ensure agency: %v", err)
	}
	if err := r.EnsureActor(ctx, nil, "tester", now); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	if err := r.AddAgencyMember(ctx, nil, "agency-1", "tester", "broker", now); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := r.UpsertAgencyConfig(ctx, "agency-1", cfg); err != nil {
		t.Fatalf("seed config: %v", err)
	}
	return testEnv{Engine: eng, Ctx: ctx}
}

func (env testEnv) createTxn(t *testing.T) string {
	t.Helper()
	txn, err := env.Engine.CreateTransaction(env.Ctx, engine.TxnCreateOptions{
		AgencyID: "agency-1",
		Kind:     "purchase",
		ActorID:  "tester",
	})
	if err != nil {
		t.Fatalf("create transaction: %v", err)
	}
	return txn.ID
}

// acceptOffer satisfies the offer gate on the offer step.
func (env testEnv) acceptOffer(t *testing.T, txnID string) {
	t.Helper()
	offer, err := env.Engine.SubmitOffer(env.Ctx, txnID, nil, "tester")
	if err != nil {
		t.Fatalf("submit offer: %v", err)
	}
	if err := env.Engine.SetOfferStatus(env.Ctx, txnID, offer.ID, "accepted", "tester"); err != nil {
		t.Fatalf("accept offer: %v", err)
	}
}

func TestCreateTransactionActivatesFirstStep(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTxn(t)
	txn, steps, err := env.Engine.GetTransaction(env.Ctx, id, "tester")
	if err != nil {
		t.Fatalf("get transaction: %v", err)
	}
	if len(steps) != 7 {
		t.Fatalf("expected 7 steps, got %d", len(steps))
	}
	if steps[0].Slug != "intake" || steps[0].Status != "active" {
		t.Fatalf("first step should be active intake, got %s %s", steps[0].Slug, steps[0].Status)
	}
	for _, s := range steps[1:] {
		if s.Status != "pending" {
			t.Fatalf("step %s should be pending, got %s", s.Slug, s.Status)
		}
	}
	if txn.CurrentStepID == nil || *txn.CurrentStepID != steps[0].ID {
		t.Fatalf("current step should be intake")
	}
}

func TestAdvanceMovesToNextStep(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTxn(t)
	txn, err := env.Engine.AdvanceStep(env.Ctx, id, "tester")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	_, steps, err := env.Engine.GetTransaction(env.Ctx, id, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if steps[0].Status != "completed" || steps[0].CompletedAt == nil {
		t.Fatalf("intake should be completed with timestamp")
	}
	if steps[1].Slug != "offer" || steps[1].Status != "active" {
		t.Fatalf("offer should be active, got %s %s", steps[1].Slug, steps[1].Status)
	}
	if txn.CurrentStepID == nil || *txn.CurrentStepID != steps[1].ID {
		t.Fatalf("current step should track the active step")
	}
}

func TestOfferGateBlocksAdvance(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTxn(t)
	if _, err := env.Engine.AdvanceStep(env.Ctx, id, "tester"); err != nil {
		t.Fatalf("advance to offer: %v", err)
	}
	_, err := env.Engine.AdvanceStep(env.Ctx, id, "tester")
	var gate engine.OfferRequiredError
	if !errors.As(err, &gate) {
		t.Fatalf("expected OfferRequiredError, got %v", err)
	}
	env.acceptOffer(t, id)
	if _, err := env.Engine.AdvanceStep(env.Ctx, id, "tester"); err != nil {
		t.Fatalf("advance after accepted offer: %v", err)
	}
}

func TestBlockingConditionGate(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTxn(t)
	cond, err := env.Engine.CreateCondition(env.Ctx, engine.ConditionCreateOptions{
		TransactionID: id,
		Title:         "Proof of funds",
		Level:         "blocking",
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("create condition: %v", err)
	}
	_, err = env.Engine.AdvanceStep(env.Ctx, id, "tester")
	var blocked engine.BlockingConditionsError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockingConditionsError, got %v", err)
	}
	if len(blocked.Conditions) != 1 || blocked.Conditions[0].ID != cond.ID {
		t.Fatalf("gate should name the blocking condition")
	}
	if _, err := env.Engine.AddEvidence(env.Ctx, id, cond.ID, engine.EvidenceOptions{Kind: "note", Note: "bank letter on file"}, "tester"); err != nil {
		t.Fatalf("add evidence: %v", err)
	}
	if _, err := env.Engine.CompleteCondition(env.Ctx, id, cond.ID, "tester"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if _, err := env.Engine.AdvanceStep(env.Ctx, id, "tester"); err != nil {
		t.Fatalf("advance after resolution: %v", err)
	}
}

func TestBlockingReportedBeforeRequired(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTxn(t)
	if _, err := env.Engine.CreateCondition(env.Ctx, engine.ConditionCreateOptions{
		TransactionID: id, Title: "blocking one", Level: "blocking", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.CreateCondition(env.Ctx, engine.ConditionCreateOptions{
		TransactionID: id, Title: "required one", Level: "required", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.AdvanceStep(env.Ctx, id, "tester")
	var blocked engine.BlockingConditionsError
	if !errors.As(err, &blocked) {
		t.Fatalf("blocking must win over required, got %v", err)
	}
	report, err := env.Engine.CheckStepAdvancement(env.Ctx, id, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if report.CanAdvance || len(report.Blocking) != 1 {
		t.Fatalf("report should show only the blocking set first: %+v", report)
	}
}

func TestRequiredConditionGate(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTxn(t)
	cond, err := env.Engine.CreateCondition(env.Ctx, engine.ConditionCreateOptions{
		TransactionID: id, Title: "inspection report", Level: "required", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = env.Engine.AdvanceStep(env.Ctx, id, "tester")
	var required engine.RequiredResolutionsError
	if !errors.As(err, &required) {
		t.Fatalf("expected RequiredResolutionsError, got %v", err)
	}
	if _, err := env.Engine.ResolveCondition(env.Ctx, id, cond.ID, "waived", "tester", engine.ResolveOptions{Note: "seller waived"}); err != nil {
		t.Fatalf("waive: %v", err)
	}
	if _, err := env.Engine.AdvanceStep(env.Ctx, id, "tester"); err != nil {
		t.Fatalf("advance after waiver: %v", err)
	}
}

func TestRecommendedConditionNeverGates(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTxn(t)
	if _, err := env.Engine.CreateCondition(env.Ctx, engine.ConditionCreateOptions{
		TransactionID: id, Title: "nice to have", Level: "recommended", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AdvanceStep(env.Ctx, id, "tester"); err != nil {
		t.Fatalf("recommended conditions must not gate: %v", err)
	}
}

func TestSkipAppliesSameGates(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTxn(t)
	if _, err := env.Engine.CreateCondition(env.Ctx, engine.ConditionCreateOptions{
		TransactionID: id, Title: "blocking one", Level: "blocking", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.SkipStep(env.Ctx, id, "tester")
	var blocked engine.BlockingConditionsError
	if !errors.As(err, &blocked) {
		t.Fatalf("skip must hit the same gates, got %v", err)
	}
}

func TestSkipRecordsSkippedOutcome(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTxn(t)
	if _, err := env.Engine.SkipStep(env.Ctx, id, "tester"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	_, steps, err := env.Engine.GetTransaction(env.Ctx, id, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if steps[0].Status != "skipped" {
		t.Fatalf("outgoing step should be skipped, got %s", steps[0].Status)
	}
	if steps[1].Status != "active" {
		t.Fatalf("next step should be active, got %s", steps[1].Status)
	}
}

func TestGoToStepResetsHigherSteps(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTxn(t)
	if _, err := env.Engine.GoToStep(env.Ctx, id, 5, "tester"); err != nil {
		t.Fatalf("goto: %v", err)
	}
	_, steps, err := env.Engine.GetTransaction(env.Ctx, id, "tester")
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range steps {
		switch {
		case s.StepOrder < 5:
			if s.Status != "completed" {
				t.Fatalf("step %d should be completed, got %s", s.StepOrder, s.Status)
			}
		case s.StepOrder == 5:
			if s.Status != "active" {
				t.Fatalf("target step should be active, got %s", s.Status)
			}
		default:
			if s.Status != "pending" {
				t.Fatalf("step %d should reset to pending, got %s", s.StepOrder, s.Status)
			}
		}
	}
	// Jumping back resets the steps above the target.
	if _, err := env.Engine.GoToStep(env.Ctx, id, 2, "tester"); err != nil {
		t.Fatalf("goto back: %v", err)
	}
	_, steps, err = env.Engine.GetTransaction(env.Ctx, id, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if steps[4].Status != "pending" {
		t.Fatalf("step 5 should reset to pending after jumping back, got %s", steps[4].Status)
	}
}

func TestGoToStepUnknownOrder(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTxn(t)
	_, err := env.Engine.GoToStep(env.Ctx, id, 99, "tester")
	var failed engine.GoToFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected GoToFailedError, got %v", err)
	}
}

func TestGoToStepBypassesGates(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTxn(t)
	if _, err := env.Engine.CreateCondition(env.Ctx, engine.ConditionCreateOptions{
		TransactionID: id, Title: "blocking one", Level: "blocking", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GoToStep(env.Ctx, id, 3, "tester"); err != nil {
		t.Fatalf("goto must bypass condition gates: %v", err)
	}
}

func TestTransactionCompletesAfterLastStep(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTxn(t)
	env.acceptOffer(t, id)
	const steps = 7
	for i := 0; i < steps; i++ {
		got, err := env.Engine.AdvanceStep(env.Ctx, id, "tester")
		if err != nil {
			t.Fatalf("advance %d: %v", i+1, err)
		}
		if i == steps-1 && (got.Status != "completed" || got.CurrentStepID != nil) {
			t.Fatalf("transaction should complete after the last step: %+v", got)
		}
	}
	_, err := env.Engine.AdvanceStep(env.Ctx, id, "tester")
	if err == nil {
		t.Fatalf("advancing a completed transaction should fail")
	}
}

func TestTenantScopeHidesForeignTransactions(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTxn(t)
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	if err := env.Engine.Repo.EnsureActor(env.Ctx, nil, "outsider", now); err != nil {
		t.Fatal(err)
	}
	_, _, err := env.Engine.GetTransaction(env.Ctx, id, "outsider")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("foreign actor should see not-found, got %v", err)
	}
	_, err = env.Engine.AdvanceStep(env.Ctx, id, "outsider")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("foreign actor should not advance, got %v", err)
	}
}

func TestOfferDecisionScopedToTransaction(t *testing.T) {
	env := newTestEnv(t)
	mine := env.createTxn(t)

	// A second agency with its own member and transaction.
	now := env.Engine.Now().UTC().Format(time.RFC3339)
	r := env.Engine.Repo
	if err := r.EnsureAgency(env.Ctx, nil, "agency-2", "Rival Agency", now); err != nil {
		t.Fatal(err)
	}
	if err := r.EnsureActor(env.Ctx, nil, "rival", now); err != nil {
		t.Fatal(err)
	}
	if err := r.AddAgencyMember(env.Ctx, nil, "agency-2", "rival", "broker", now); err != nil {
		t.Fatal(err)
	}
	if err := r.UpsertAgencyConfig(env.Ctx, "agency-2", config.Default("agency-2")); err != nil {
		t.Fatal(err)
	}
	theirs, err := env.Engine.CreateTransaction(env.Ctx, engine.TxnCreateOptions{
		AgencyID: "agency-2",
		Kind:     "purchase",
		ActorID:  "rival",
	})
	if err != nil {
		t.Fatal(err)
	}
	foreign, err := env.Engine.SubmitOffer(env.Ctx, theirs.ID, nil, "rival")
	if err != nil {
		t.Fatal(err)
	}

	// Deciding a foreign offer through an owned transaction must look like
	// a missing offer, and must not touch the foreign transaction's gate.
	err = env.Engine.SetOfferStatus(env.Ctx, mine, foreign.ID, "accepted", "tester")
	if !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("foreign offer should be not-found, got %v", err)
	}
	accepted, err := r.HasAcceptedOffer(env.Ctx, nil, theirs.ID)
	if err != nil {
		t.Fatal(err)
	}
	if accepted {
		t.Fatalf("foreign offer must stay in its submitted state")
	}

	// Same guard for two transactions inside one agency.
	second := env.createTxn(t)
	offer, err := env.Engine.SubmitOffer(env.Ctx, second, nil, "tester")
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.SetOfferStatus(env.Ctx, mine, offer.ID, "accepted", "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("offer under the wrong transaction should be not-found, got %v", err)
	}
}

func TestDeleteArchivedConditionRefused(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTxn(t)
	cond, err := env.Engine.CreateCondition(env.Ctx, engine.ConditionCreateOptions{
		TransactionID: id, Title: "keep me", Level: "required", ActorID: "tester",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := env.Engine.Repo.ArchiveCondition(env.Ctx, nil, cond.ID, "intake", now(env)); err != nil {
		t.Fatal(err)
	}
	err = env.Engine.DeleteCondition(env.Ctx, id, cond.ID, "tester")
	var archived engine.ConditionArchivedError
	if !errors.As(err, &archived) {
		t.Fatalf("expected ConditionArchivedError, got %v", err)
	}
}

func TestCreateConditionDuplicateTitleRefused(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTxn(t)
	if _, err := env.Engine.CreateCondition(env.Ctx, engine.ConditionCreateOptions{
		TransactionID: id, Title: "Proof of funds", Level: "required", ActorID: "tester",
	}); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CreateCondition(env.Ctx, engine.ConditionCreateOptions{
		TransactionID: id, Title: "Proof of funds", Level: "blocking", ActorID: "tester",
	})
	var bad engine.ValidationError
	if !errors.As(err, &bad) {
		t.Fatalf("duplicate title on the same step should be refused, got %v", err)
	}
	// The same title is fine on another step.
	if _, err := env.Engine.CreateCondition(env.Ctx, engine.ConditionCreateOptions{
		TransactionID: id, StepSlug: "notary", Title: "Proof of funds", Level: "required", ActorID: "tester",
	}); err != nil {
		t.Fatalf("same title on a different step: %v", err)
	}
}

func TestCancelAndArchiveLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := env.createTxn(t)
	txn, err := env.Engine.CancelTransaction(env.Ctx, id, "tester")
	if err != nil || txn.Status != "cancelled" {
		t.Fatalf("cancel: %v (%s)", err, txn.Status)
	}
	if _, err := env.Engine.AdvanceStep(env.Ctx, id, "tester"); err == nil {
		t.Fatalf("cancelled transaction should not advance")
	}
	txn, err = env.Engine.ArchiveTransaction(env.Ctx, id, "tester")
	if err != nil || txn.Status != "archived" {
		t.Fatalf("archive: %v (%s)", err, txn.Status)
	}
}

func now(env testEnv) string {
	return env.Engine.Now().UTC().Format(time.RFC3339)
}
