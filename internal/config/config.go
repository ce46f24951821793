package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models closeline.yml: the per-agency workflow templates and
// automation rule settings.
type Config struct {
	Agency struct {
		ID   string `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"agency"`
	Workflows  map[string]WorkflowTemplate `yaml:"workflows"`
	Compliance struct {
		IdentityVerification IdentityRuleConfig `yaml:"identity_verification"`
	} `yaml:"compliance"`
	OfferGate struct {
		Steps []string `yaml:"steps"`
	} `yaml:"offer_gate"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WorkflowTemplate is the immutable ordered step list for a transaction kind.
// Step order is positional: the first entry is stepOrder 1.
type WorkflowTemplate struct {
	Steps []StepTemplate `yaml:"steps"`
}

type StepTemplate struct {
	Slug string `yaml:"slug"`
	Name string `yaml:"name"`
}

// IdentityRuleConfig drives the identity/compliance verification rule.
type IdentityRuleConfig struct {
	Enabled        *bool    `yaml:"enabled"`
	ActivationStep string   `yaml:"activation_step"`
	Roles          []string `yaml:"roles"`
	Level          string   `yaml:"level"`
	DueDays        int      `yaml:"due_days"`
}

func (c IdentityRuleConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Path returns where closeline.yml lives in a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "closeline.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cl config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates a config document.
func FromYAML(data []byte) (*Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Agency.ID == "" {
		return fmt.Errorf("config.agency.id is required")
	}
	if len(c.Workflows) == 0 {
		return fmt.Errorf("config.workflows is required")
	}
	for kind, wf := range c.Workflows {
		if kind != "purchase" && kind != "sale" {
			return fmt.Errorf("unknown workflow kind %s", kind)
		}
		if len(wf.Steps) == 0 {
			return fmt.Errorf("workflow %s has no steps", kind)
		}
		seen := map[string]bool{}
		for _, s := range wf.Steps {
			if s.Slug == "" {
				return fmt.Errorf("workflow %s has a step with empty slug", kind)
			}
			if seen[s.Slug] {
				return fmt.Errorf("workflow %s has duplicate step slug %s", kind, s.Slug)
			}
			seen[s.Slug] = true
		}
	}
	iv := c.Compliance.IdentityVerification
	if iv.IsEnabled() {
		if iv.ActivationStep == "" {
			return fmt.Errorf("compliance.identity_verification.activation_step is required")
		}
		switch iv.Level {
		case "", "blocking", "required", "recommended":
		default:
			return fmt.Errorf("compliance.identity_verification.level %s is not a condition level", iv.Level)
		}
	}
	return nil
}

// WorkflowFor returns the template for a transaction kind.
func (c *Config) WorkflowFor(kind string) (WorkflowTemplate, error) {
	wf, ok := c.Workflows[kind]
	if !ok {
		return WorkflowTemplate{}, fmt.Errorf("no workflow template for kind %s", kind)
	}
	return wf, nil
}

// Default returns the seed config for a new agency: the standard Quebec-style
// purchase and sale workflows with identity verification gated on the
// firm-pending step.
func Default(agencyID string) *Config {
	steps := []StepTemplate{
		{Slug: "intake", Name: "Client intake"},
		{Slug: "offer", Name: "Offer drafting"},
		{Slug: "offer-accepted", Name: "Offer accepted"},
		{Slug: "conditions", Name: "Conditions"},
		{Slug: "firm-pending", Name: "Firm pending"},
		{Slug: "notary", Name: "Notary file"},
		{Slug: "closing", Name: "Closing"},
	}
	cfg := &Config{}
	cfg.Agency.ID = agencyID
	cfg.Workflows = map[string]WorkflowTemplate{
		"purchase": {Steps: steps},
		"sale":     {Steps: steps},
	}
	cfg.Compliance.IdentityVerification = IdentityRuleConfig{
		ActivationStep: "firm-pending",
		Roles:          []string{"buyer", "seller"},
		Level:          "blocking",
		DueDays:        10,
	}
	cfg.OfferGate.Steps = []string{"offer"}
	return cfg
}

// ToYAML serializes the config document.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}
