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

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"vaultline/internal/audit"
	"vaultline/internal/gate"
	"vaultline/internal/record"
	"vaultline/internal/vault"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Store  *vault.Store
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T, allowActorHeader bool) (*testServer, func()) {
	t.Helper()
	store, err := vault.Open(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	now := func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	store.Now = now
	log := audit.New(store.LogPath())
	log.Now = now
	g := gate.New(store, log)
	g.Now = now

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	handler, err := New(Config{
		Store:    store,
		Audit:    log,
		Gate:     g,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:        testSecret,
			AllowActorHeader: allowActorHeader,
			Logger:           quiet,
		},
	})
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
		Store:  store,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func signToken(t *testing.T, subject string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func seedPendingApproval(t *testing.T, store *vault.Store, id string) string {
	t.Helper()
	data, err := record.Encode(record.ApprovalRequest{
		Type:       record.TypeApproval,
		ID:         id,
		Action:     record.ActionSendEmail,
		Target:     "alice@example.com",
		Status:     record.ApprovalStatusPending,
		SourcePlan: record.PlanName(id),
		SourceItem: record.ItemName(id),
		CreatedAt:  "2024-01-01T00:00:00Z",
		ExpiresAt:  "2024-01-04T00:00:00Z",
	}, "Hi Alice,\n\nDraft reply.\n")
	if err != nil {
		t.Fatal(err)
	}
	name := record.ApprovalName(id)
	if err := store.Create(vault.PendingApproval, name, data); err != nil {
		t.Fatal(err)
	}
	return name
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

func authHeader(t *testing.T) map[string]string {
	return map[string]string{"Authorization": "Bearer " + signToken(t, "ops@corp")}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(body))
	}
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/status", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v (%s)", err, string(body))
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("code = %q", envelope.Error.Code)
	}
}

func TestInvalidTokenRejected(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d", res.StatusCode)
	}
}

func TestStatusReportsQueueDepths(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	seedPendingApproval(t, srv.Store, "abc123")
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/status", nil, authHeader(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(body))
	}
	var out StatusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, string(body))
	}
	if out.Counts[string(vault.PendingApproval)] != 1 {
		t.Fatalf("counts = %v", out.Counts)
	}
}

func TestApproveEndpointTransitionsPendingOnly(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	name := seedPendingApproval(t, srv.Store, "abc123")

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/approvals/"+name+"/approve", nil, authHeader(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(body))
	}
	var decision DecisionResponse
	if err := json.Unmarshal(body, &decision); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decision.Status != record.ApprovalStatusApproved || decision.Actor != "ops@corp" {
		t.Fatalf("decision = %+v", decision)
	}
	if !srv.Store.Exists(vault.Approved, name) {
		t.Fatalf("record not in approved")
	}

	// The record already left pending, so repeating the decision 404s.
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/approvals/"+name+"/approve", nil, authHeader(t))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("second approve status %d: %s", res.StatusCode, string(body))
	}
}

func TestRejectEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	name := seedPendingApproval(t, srv.Store, "def456")
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/approvals/"+name+"/reject", nil, authHeader(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reject status %d: %s", res.StatusCode, string(body))
	}
	if !srv.Store.Exists(vault.Rejected, name) {
		t.Fatalf("record not in rejected")
	}
}

func TestListApprovalsIncludesDraft(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	name := seedPendingApproval(t, srv.Store, "abc123")
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/approvals", nil, authHeader(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(body))
	}
	var out []ApprovalResponse
	if err := json.Unmarshal(body, &out); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, string(body))
	}
	if len(out) != 1 || out[0].Name != name {
		t.Fatalf("approvals = %+v", out)
	}
	if out[0].Draft == "" {
		t.Fatalf("draft missing")
	}
}

func TestGetRecordAndUnknownCollection(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	name := seedPendingApproval(t, srv.Store, "abc123")

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/records/pending-approval/"+name, nil, authHeader(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get record status %d: %s", res.StatusCode, string(body))
	}
	var rec RecordResponse
	if err := json.Unmarshal(body, &rec); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if rec.Header["status"] != record.ApprovalStatusPending {
		t.Fatalf("header = %v", rec.Header)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/records/pending-approval/missing.md", nil, authHeader(t))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("missing record status %d", res.StatusCode)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/records/nope", nil, authHeader(t))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown collection status %d", res.StatusCode)
	}
}

func TestActorHeaderFallback(t *testing.T) {
	srv, cleanup := newTestServer(t, true)
	defer cleanup()
	name := seedPendingApproval(t, srv.Store, "abc123")
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/approvals/"+name+"/approve", nil, map[string]string{
		"X-Actor-Id": "cli-user",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve via header status %d: %s", res.StatusCode, string(body))
	}
	var decision DecisionResponse
	_ = json.Unmarshal(body, &decision)
	if decision.Actor != "cli-user" {
		t.Fatalf("actor = %q", decision.Actor)
	}
}

func TestAuditLogTail(t *testing.T) {
	srv, cleanup := newTestServer(t, false)
	defer cleanup()
	name := seedPendingApproval(t, srv.Store, "abc123")
	if _, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/approvals/"+name+"/approve", nil, authHeader(t)); body == nil {
		t.Fatal("no response")
	}
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/log?n=5", nil, authHeader(t))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("log status %d: %s", res.StatusCode, string(body))
	}
	var entries []AuditEntryResponse
	if err := json.Unmarshal(body, &entries); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(entries) == 0 || entries[len(entries)-1].Event != "gate.approved" {
		t.Fatalf("entries = %+v", entries)
	}
}
