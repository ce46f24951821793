package config

import (
	"strings"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default("agency-1")
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config must validate: %v", err)
	}
	wf, err := cfg.WorkflowFor("purchase")
	if err != nil || len(wf.Steps) != 7 {
		t.Fatalf("purchase workflow: %v %d", err, len(wf.Steps))
	}
	if _, err := cfg.WorkflowFor("lease"); err == nil {
		t.Fatalf("unknown kind should fail")
	}
}

func TestFromYAMLRejectsUnknownFields(t *testing.T) {
	doc := `
agency:
  id: agency-1
workflows:
  purchase:
    steps:
      - slug: intake
        name: Intake
compliance:
  identity_verification:
    enabled: false
typo_section: true
`
	if _, err := FromYAML([]byte(doc)); err == nil {
		t.Fatalf("unknown top-level key should be rejected")
	}
}

func TestValidateDuplicateStepSlug(t *testing.T) {
	cfg := Default("agency-1")
	wf := cfg.Workflows["purchase"]
	wf.Steps = append(wf.Steps, StepTemplate{Slug: "intake", Name: "Again"})
	cfg.Workflows["purchase"] = wf
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "duplicate step slug") {
		t.Fatalf("expected duplicate slug error, got %v", err)
	}
}

func TestValidateIdentityRuleNeedsActivationStep(t *testing.T) {
	cfg := Default("agency-1")
	cfg.Compliance.IdentityVerification.ActivationStep = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("enabled rule without activation step should fail")
	}
	off := false
	cfg.Compliance.IdentityVerification.Enabled = &off
	if err := cfg.Validate(); err != nil {
		t.Fatalf("disabled rule should skip the check: %v", err)
	}
}

func TestYAMLRoundTripKeepsRuleSettings(t *testing.T) {
	cfg := Default("agency-1")
	data, err := cfg.ToYAML()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := FromYAML(data)
	if err != nil {
		t.Fatalf("reparse: %v", err)
	}
	iv := parsed.Compliance.IdentityVerification
	if iv.ActivationStep != "firm-pending" || iv.DueDays != 10 || iv.Level != "blocking" {
		t.Fatalf("rule settings lost in round trip: %+v", iv)
	}
}
