package engine_test

import (
	"errors"
	"testing"

	"closeline/internal/engine"
	"closeline/internal/rules"
)

func (env testEnv) addParty(t *testing.T, txnID, role, name string) string {
	t.Helper()
	party, err := env.Engine.AddParty(env.Ctx, engine.PartyAddOptions{
		TransactionID: txnID,
		Role:          role,
		FullName:      name,
		ActorID:       "tester",
	})
	if err != nil {
		t.Fatalf("add party: %v", err)
	}
	return party.ID
}

func (env testEnv) ruleConditions(t *testing.T, txnID string) []conditionView {
	t.Helper()
	conds, err := env.Engine.ListConditions(env.Ctx, txnID, "tester", true)
	if err != nil {
		t.Fatalf("list conditions: %v", err)
	}
	var out []conditionView
	for _, c := range conds {
		if c.RuleKey != nil && *c.RuleKey == rules.KeyIdentityVerification {
			v := conditionView{ID: c.ID, Level: c.Level, Status: c.Status, Archived: c.Archived, Due: c.DueDate != nil}
			if c.PartyID != nil {
				v.PartyID = *c.PartyID
			}
			out = append(out, v)
		}
	}
	return out
}

type conditionView struct {
	ID       string
	PartyID  string
	Level    string
	Status   string
	Archived bool
	Due      bool
}

func TestIdentityRuleFiresOnActivationStep(t *testing.T) {
	env := newTestEnv(t)
	txnID := env.createTxn(t)
	env.addParty(t, txnID, "buyer", "John Buyer")
	env.addParty(t, txnID, "seller", "Sally Seller")
	env.addParty(t, txnID, "notary", "Nina Notary")

	if got := env.ruleConditions(t, txnID); len(got) != 0 {
		t.Fatalf("no conditions expected before the activation step, got %+v", got)
	}

	// firm-pending is the activation step in the default config.
	if _, err := env.Engine.GoToStep(env.Ctx, txnID, 5, "tester"); err != nil {
		t.Fatalf("goto firm-pending: %v", err)
	}
	got := env.ruleConditions(t, txnID)
	if len(got) != 2 {
		t.Fatalf("expected one condition per buyer and seller, got %+v", got)
	}
	for _, c := range got {
		if c.Level != "blocking" || c.Status != "pending" || !c.Due {
			t.Fatalf("rule condition should be pending blocking with a due date: %+v", c)
		}
	}

	// The roster now gates the step.
	_, err := env.Engine.AdvanceStep(env.Ctx, txnID, "tester")
	var blocked engine.BlockingConditionsError
	if !errors.As(err, &blocked) {
		t.Fatalf("identity conditions should gate advancement, got %v", err)
	}
}

func TestIdentityRuleIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	txnID := env.createTxn(t)
	env.addParty(t, txnID, "buyer", "John Buyer")

	if _, err := env.Engine.GoToStep(env.Ctx, txnID, 5, "tester"); err != nil {
		t.Fatal(err)
	}
	// Leave and re-enter the activation step.
	if _, err := env.Engine.GoToStep(env.Ctx, txnID, 4, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GoToStep(env.Ctx, txnID, 5, "tester"); err != nil {
		t.Fatal(err)
	}
	if got := env.ruleConditions(t, txnID); len(got) != 1 {
		t.Fatalf("re-entering the step must not duplicate conditions: %+v", got)
	}
}

func TestIdentityRuleLateJoiner(t *testing.T) {
	env := newTestEnv(t)
	txnID := env.createTxn(t)
	if _, err := env.Engine.GoToStep(env.Ctx, txnID, 5, "tester"); err != nil {
		t.Fatal(err)
	}
	buyerID := env.addParty(t, txnID, "buyer", "John Buyer")
	got := env.ruleConditions(t, txnID)
	if len(got) != 1 || got[0].PartyID != buyerID {
		t.Fatalf("late joiner should get a condition immediately: %+v", got)
	}
	env.addParty(t, txnID, "broker", "Barb Broker")
	if got := env.ruleConditions(t, txnID); len(got) != 1 {
		t.Fatalf("non-target roles must not get conditions: %+v", got)
	}
}

func TestPartyRemovalArchivesNotDeletes(t *testing.T) {
	env := newTestEnv(t)
	txnID := env.createTxn(t)
	buyerID := env.addParty(t, txnID, "buyer", "John Buyer")
	if _, err := env.Engine.GoToStep(env.Ctx, txnID, 5, "tester"); err != nil {
		t.Fatal(err)
	}

	if err := env.Engine.RemoveParty(env.Ctx, txnID, buyerID, "tester"); err != nil {
		t.Fatalf("remove party: %v", err)
	}
	got := env.ruleConditions(t, txnID)
	if len(got) != 1 || !got[0].Archived {
		t.Fatalf("condition should survive as archived: %+v", got)
	}
	// The archived condition no longer gates.
	report, err := env.Engine.CheckStepAdvancement(env.Ctx, txnID, "tester")
	if err != nil || !report.CanAdvance {
		t.Fatalf("archived condition must not gate: %+v %v", report, err)
	}
}

func TestMarkIdentityVerifiedResolvesCondition(t *testing.T) {
	env := newTestEnv(t)
	txnID := env.createTxn(t)
	buyerID := env.addParty(t, txnID, "buyer", "John Buyer")
	if _, err := env.Engine.GoToStep(env.Ctx, txnID, 5, "tester"); err != nil {
		t.Fatal(err)
	}

	if err := env.Engine.MarkIdentityVerified(env.Ctx, txnID, buyerID, "document_check", "tester"); err != nil {
		t.Fatalf("mark verified: %v", err)
	}
	got := env.ruleConditions(t, txnID)
	if len(got) != 1 || got[0].Status != "completed" {
		t.Fatalf("verification should auto-resolve the condition: %+v", got)
	}

	compliant, err := env.Engine.IsCompliant(env.Ctx, txnID, "tester")
	if err != nil || !compliant {
		t.Fatalf("verified roster should be compliant: %v %v", compliant, err)
	}
}

func TestComplianceReflectsPendingConditions(t *testing.T) {
	env := newTestEnv(t)
	txnID := env.createTxn(t)

	// No parties, no rule conditions: vacuously compliant.
	compliant, err := env.Engine.IsCompliant(env.Ctx, txnID, "tester")
	if err != nil || !compliant {
		t.Fatalf("empty roster should be compliant: %v %v", compliant, err)
	}

	env.addParty(t, txnID, "buyer", "John Buyer")
	if _, err := env.Engine.GoToStep(env.Ctx, txnID, 5, "tester"); err != nil {
		t.Fatal(err)
	}
	compliant, err = env.Engine.IsCompliant(env.Ctx, txnID, "tester")
	if err != nil || compliant {
		t.Fatalf("pending rule condition should break compliance: %v %v", compliant, err)
	}
}
