package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"closeline/internal/config"
	"closeline/internal/db"
	"closeline/internal/engine"
	"closeline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("agency-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	ctx := context.Background()
	now := time.Now().UTC().Format(time.RFC3339)
	if err := e.Repo.EnsureAgency(ctx, nil, "agency-1", "Test Agency", now); err != nil {
		t.Fatalf("ensure agency: %v", err)
	}
	if err := e.Repo.EnsureActor(ctx, nil, "tester", now); err != nil {
		t.Fatalf("ensure actor: %v", err)
	}
	if err := e.Repo.AddAgencyMember(ctx, nil, "agency-1", "tester", "broker", now); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := e.Repo.UpsertAgencyConfig(ctx, "agency-1", cfg); err != nil {
		t.Fatalf("seed agency config: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:              "test-secret",
		AllowLegacyActorHeader: true,
	}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", "tester")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createTransaction(t *testing.T, srv *testServer) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/transactions", map[string]any{
		"agency_id": "agency-1",
		"kind":      "purchase",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create transaction status %d: %s", res.StatusCode, string(data))
	}
	var created TransactionResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal transaction: %v", err)
	}
	return created.ID
}

func TestAdvanceHitsOfferGate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	txnID := createTransaction(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+txnID+"/steps/advance", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance to offer: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+txnID+"/steps/advance", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 at the offer gate, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "offer_required" {
		t.Fatalf("expected offer_required, got %s", envelope.Error.Code)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+txnID+"/offers", map[string]any{"amount": 450000}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit offer: %d %s", res.StatusCode, string(data))
	}
	var offer OfferResponse
	if err := json.Unmarshal(data, &offer); err != nil {
		t.Fatalf("unmarshal offer: %v", err)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+txnID+"/offers/"+offer.ID+"/decision", map[string]any{"status": "accepted"}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept offer: %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+txnID+"/steps/advance", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance past offer: %d %s", res.StatusCode, string(data))
	}
}

func TestBlockingConditionOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	txnID := createTransaction(t, srv)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+txnID+"/conditions", map[string]any{
		"title": "Proof of funds",
		"level": "blocking",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create condition: %d %s", res.StatusCode, string(data))
	}
	var cond ConditionResponse
	if err := json.Unmarshal(data, &cond); err != nil {
		t.Fatalf("unmarshal condition: %v", err)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+txnID+"/steps/advance", nil, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "blocking_conditions" {
		t.Fatalf("expected blocking_conditions, got %s: %s", envelope.Error.Code, string(data))
	}

	// Resolving without evidence fails; the escape hatch downgrades the
	// resolution and records it.
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+txnID+"/conditions/"+cond.ID+"/resolve", map[string]any{
		"resolution_type": "completed",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422 without evidence, got %d %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+txnID+"/conditions/"+cond.ID+"/resolve", map[string]any{
		"resolution_type":       "completed",
		"escaped_without_proof": true,
		"escape_reason":         "seller accepted the risk in writing",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("escape resolution: %d %s", res.StatusCode, string(data))
	}
	var resolved ConditionResponse
	if err := json.Unmarshal(data, &resolved); err != nil {
		t.Fatalf("unmarshal resolved: %v", err)
	}
	if resolved.ResolutionType == nil || *resolved.ResolutionType != "skipped_with_risk" {
		t.Fatalf("expected skipped_with_risk, got %+v", resolved.ResolutionType)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/transactions/"+txnID+"/steps/advance", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("advance after resolution: %d %s", res.StatusCode, string(data))
	}
}

func TestUnknownTransactionIs404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/transactions/nope", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(data))
	}
}

func TestForeignActorSees404(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	txnID := createTransaction(t, srv)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/transactions/"+txnID, nil, map[string]string{"X-Actor-Id": "outsider"})
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("scope failure should be indistinguishable from not-found, got %d %s", res.StatusCode, string(data))
	}
}

func TestRequestsWithoutCredentialsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/me", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", res.StatusCode)
	}
}

func TestDevLoginJWTRoundTrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// Login is an open path: no credentials needed.
	body, _ := json.Marshal(map[string]any{"actor_id": "tester", "roles": []string{"broker"}})
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/v0/auth/dev/login", bytes.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}

	req, err = http.NewRequest(http.MethodGet, srv.URL+"/v0/me", nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+login.Token)
	res, err = client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	data, _ = io.ReadAll(res.Body)
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("whoami: %d %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatalf("unmarshal whoami: %v", err)
	}
	if who.ActorID != "tester" || who.Source != "jwt" {
		t.Fatalf("unexpected principal: %+v", who)
	}
}

func TestHealthIsOpen(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v0/health", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d", res.StatusCode)
	}
}
