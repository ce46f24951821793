package closelinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Closeline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Transaction represents the API transaction model (partial).
type Transaction struct {
	ID            string  `json:"id"`
	AgencyID      string  `json:"agency_id"`
	Kind          string  `json:"kind"`
	Status        string  `json:"status"`
	Reference     string  `json:"reference,omitempty"`
	CurrentStepID *string `json:"current_step_id,omitempty"`
}

// Step represents one workflow step.
type Step struct {
	ID        string `json:"id"`
	StepOrder int    `json:"step_order"`
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	Status    string `json:"status"`
}

// Party represents a transaction participant.
type Party struct {
	ID       string `json:"id"`
	Role     string `json:"role"`
	FullName string `json:"full_name"`
	Email    string `json:"email,omitempty"`
}

// Condition represents a gate item on a step.
type Condition struct {
	ID             string  `json:"id"`
	StepID         string  `json:"step_id"`
	Title          string  `json:"title"`
	Level          string  `json:"level"`
	Status         string  `json:"status"`
	Archived       bool    `json:"archived"`
	ResolutionType *string `json:"resolution_type,omitempty"`
	DueDate        *string `json:"due_date,omitempty"`
}

// Evidence represents proof attached to a condition.
type Evidence struct {
	ID    string `json:"id"`
	Kind  string `json:"kind"`
	Title string `json:"title,omitempty"`
	URL   string `json:"url,omitempty"`
	Note  string `json:"note,omitempty"`
}

// GateReport is the result of a dry-run gate check.
type GateReport struct {
	CanAdvance bool `json:"can_advance"`
	OfferGate  bool `json:"offer_gate,omitempty"`
	Blocking   []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"blocking"`
	Required []struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"required"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateTransaction creates a transaction.
func (c *Client) CreateTransaction(ctx context.Context, agencyID, kind, reference string) (Transaction, error) {
	body := map[string]any{
		"agency_id": agencyID,
		"kind":      kind,
	}
	if reference != "" {
		body["reference"] = reference
	}
	var resp Transaction
	err := c.do(ctx, http.MethodPost, "v0/transactions", body, &resp)
	return resp, err
}

// GetTransaction fetches a transaction and its steps.
func (c *Client) GetTransaction(ctx context.Context, id string) (Transaction, []Step, error) {
	var resp struct {
		Transaction Transaction `json:"transaction"`
		Steps       []Step      `json:"steps"`
	}
	err := c.do(ctx, http.MethodGet, c.txnPath(id, ""), nil, &resp)
	return resp.Transaction, resp.Steps, err
}

// AdvanceStep completes the active step.
func (c *Client) AdvanceStep(ctx context.Context, id string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, c.txnPath(id, "steps/advance"), nil, &resp)
	return resp, err
}

// SkipStep skips the active step.
func (c *Client) SkipStep(ctx context.Context, id string) (Transaction, error) {
	var resp Transaction
	err := c.do(ctx, http.MethodPost, c.txnPath(id, "steps/skip"), nil, &resp)
	return resp, err
}

// CheckAdvancement runs a dry-run gate check.
func (c *Client) CheckAdvancement(ctx context.Context, id string) (GateReport, error) {
	var resp GateReport
	err := c.do(ctx, http.MethodGet, c.txnPath(id, "steps/check"), nil, &resp)
	return resp, err
}

// AddParty adds a party to a transaction.
func (c *Client) AddParty(ctx context.Context, txnID, role, fullName, email string) (Party, error) {
	body := map[string]any{
		"role":      role,
		"full_name": fullName,
	}
	if email != "" {
		body["email"] = email
	}
	var resp Party
	err := c.do(ctx, http.MethodPost, c.txnPath(txnID, "parties"), body, &resp)
	return resp, err
}

// ListConditions lists a transaction's conditions.
func (c *Client) ListConditions(ctx context.Context, txnID string) ([]Condition, error) {
	var resp []Condition
	err := c.do(ctx, http.MethodGet, c.txnPath(txnID, "conditions"), nil, &resp)
	return resp, err
}

// ResolveCondition resolves a condition. Escape closes a blocking condition
// without evidence; the server persists it as skipped_with_risk.
func (c *Client) ResolveCondition(ctx context.Context, txnID, conditionID, resolutionType, note string, escape bool, escapeReason string) (Condition, error) {
	body := map[string]any{
		"resolution_type": resolutionType,
	}
	if note != "" {
		body["note"] = note
	}
	if escape {
		body["escaped_without_proof"] = true
		body["escape_reason"] = escapeReason
	}
	var resp Condition
	endpoint := c.txnPath(txnID, fmt.Sprintf("conditions/%s/resolve", url.PathEscape(conditionID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// AddEvidence attaches evidence to a condition.
func (c *Client) AddEvidence(ctx context.Context, txnID, conditionID, kind, title, link, note string) (Evidence, error) {
	body := map[string]any{
		"kind":  kind,
		"title": title,
		"url":   link,
		"note":  note,
	}
	var resp Evidence
	endpoint := c.txnPath(txnID, fmt.Sprintf("conditions/%s/evidence", url.PathEscape(conditionID)))
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Events returns recent activity for a transaction.
func (c *Client) Events(ctx context.Context, txnID string, limit int) ([]Event, error) {
	endpoint := c.txnPath(txnID, "events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	reqURL := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) txnPath(txnID, p string) string {
	base := fmt.Sprintf("v0/transactions/%s", url.PathEscape(txnID))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
