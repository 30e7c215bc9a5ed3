package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"maintline/internal/config"
	"maintline/internal/db"
	"maintline/internal/domain"
	"maintline/internal/engine"
	"maintline/internal/engine/auth"
	"maintline/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	client *http.Client
	auth   auth.Service
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	svc := auth.Service{Repo: e.Repo, Config: cfg}
	ctx := context.Background()
	for actor, role := range map[string]string{"admin": "admin", "tech": "technician", "store": "logistics"} {
		if err := svc.GrantRole(ctx, actor, role); err != nil {
			t.Fatalf("grant %s: %v", role, err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		Auth:     svc,
		BasePath: "/v1",
		AuthCfg:  AuthConfig{JWTSecret: testSecret, AllowActorHeader: true},
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
		client: &http.Client{},
		auth:   svc,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
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

type envelope struct {
	Error struct {
		Code      string         `json:"code"`
		Message   string         `json:"message"`
		Retryable bool           `json:"retryable"`
		Details   map[string]any `json:"details"`
	} `json:"error"`
}

func expectError(t *testing.T, res *http.Response, data []byte, status int, code string) envelope {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("status %d, want %d: %s", res.StatusCode, status, string(data))
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("decode envelope: %v: %s", err, string(data))
	}
	if env.Error.Code != code {
		t.Fatalf("code %q, want %q: %s", env.Error.Code, code, string(data))
	}
	return env
}

func mustStatus(t *testing.T, res *http.Response, data []byte, status int) {
	t.Helper()
	if res.StatusCode != status {
		t.Fatalf("%s %s status %d, want %d: %s", res.Request.Method, res.Request.URL.Path, res.StatusCode, status, string(data))
	}
}

// seedCatalog registers machine m1 and part p1 with the given stock.
func seedCatalog(t *testing.T, srv *testServer, stock int) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/machines", map[string]any{"id": "m1", "name": "Press"}, as("admin"))
	mustStatus(t, res, data, http.StatusCreated)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/parts", map[string]any{
		"id": "p1", "name": "Seal", "part_number": "S-1", "quantity_in_stock": stock, "min_stock": 1,
	}, as("admin"))
	mustStatus(t, res, data, http.StatusCreated)
}

func createWorkOrder(t *testing.T, srv *testServer, id string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders", map[string]any{
		"id": id, "title": "Replace seal", "machine_id": "m1", "priority": "high", "scheduled_date": "2024-03-01",
	}, as("admin"))
	mustStatus(t, res, data, http.StatusCreated)
}

func submitRequest(t *testing.T, srv *testServer, workOrderID string, qty int) domain.PartRequest {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/work-orders/"+workOrderID+"/part-requests", map[string]any{
		"items": []map[string]any{{"part_id": "p1", "quantity_requested": qty}},
	}, as("tech"))
	mustStatus(t, res, data, http.StatusCreated)
	var pr domain.PartRequest
	if err := json.Unmarshal(data, &pr); err != nil {
		t.Fatalf("decode part request: %v", err)
	}
	return pr
}

func TestWorkOrderLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedCatalog(t, srv, 10)
	createWorkOrder(t, srv, "w1")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders/w1/assign", map[string]any{"technician_id": "tech"}, as("admin"))
	mustStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders/w1/start", map[string]any{}, as("tech"))
	mustStatus(t, res, data, http.StatusOK)

	pr := submitRequest(t, srv, "w1", 3)
	if pr.Status != domain.PartRequestPending || len(pr.Items) != 1 {
		t.Fatalf("unexpected part request %+v", pr)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders/w1/complete", map[string]any{"description": "done"}, as("tech"))
	env := expectError(t, res, data, http.StatusConflict, domain.CodePartRequestsOutstanding)
	if env.Error.Retryable {
		t.Fatalf("a blocked completion is not retryable as-is: %s", string(data))
	}
	blocking, _ := env.Error.Details["blocking"].([]any)
	if len(blocking) != 1 || blocking[0] != pr.ID {
		t.Fatalf("expected %s to block completion, got %v", pr.ID, env.Error.Details)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/part-requests/"+pr.ID+"/decision", map[string]any{"outcome": "approved"}, as("store"))
	mustStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/part-requests/"+pr.ID+"/fulfill", nil, as("store"))
	mustStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/parts/p1", nil, as("tech"))
	mustStatus(t, res, data, http.StatusOK)
	var part domain.Part
	if err := json.Unmarshal(data, &part); err != nil {
		t.Fatal(err)
	}
	if part.QuantityInStock != 7 {
		t.Fatalf("stock = %d, want 7", part.QuantityInStock)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders/w1/complete", map[string]any{"description": "Seal replaced"}, as("tech"))
	mustStatus(t, res, data, http.StatusOK)
	var wo domain.WorkOrder
	if err := json.Unmarshal(data, &wo); err != nil {
		t.Fatal(err)
	}
	if wo.Status != domain.WorkOrderCompleted || wo.Description != "Seal replaced" || wo.CompletedAt == nil {
		t.Fatalf("unexpected completed work order %+v", wo)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?entity_kind=work_order&entity_id=w1&limit=2", nil, as("admin"))
	mustStatus(t, res, data, http.StatusOK)
	var page paginatedEvents
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" || page.Items[0].Type != "work_order.completed" {
		t.Fatalf("unexpected event page %+v", page)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?entity_kind=work_order&entity_id=w1&cursor="+page.NextCursor, nil, as("admin"))
	mustStatus(t, res, data, http.StatusOK)
	var rest paginatedEvents
	if err := json.Unmarshal(data, &rest); err != nil {
		t.Fatal(err)
	}
	if len(rest.Items) != 2 || rest.NextCursor != "" {
		t.Fatalf("expected the created and assigned events on the second page, got %+v", rest)
	}
}

func TestErrorMapping(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedCatalog(t, srv, 1)
	createWorkOrder(t, srv, "w1")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/work-orders", nil, nil)
	expectError(t, res, data, http.StatusUnauthorized, "unauthorized")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/machines", map[string]any{"name": "Lathe"}, as("guest"))
	env := expectError(t, res, data, http.StatusForbidden, "forbidden")
	if env.Error.Details["permission"] != "machine.manage" {
		t.Fatalf("expected missing permission in details: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/work-orders/nope", nil, as("admin"))
	env = expectError(t, res, data, http.StatusNotFound, domain.CodeNotFound)
	if !env.Error.Retryable {
		t.Fatalf("not found should be retryable after correcting input: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders", map[string]any{"title": "", "machine_id": "m1"}, as("admin"))
	env = expectError(t, res, data, http.StatusBadRequest, domain.CodeValidationFailed)
	if env.Error.Details["field"] != "title" {
		t.Fatalf("expected title field in details: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders", map[string]any{"title": "x", "machine_id": "m1", "priority": "urgent"}, as("admin"))
	expectError(t, res, data, http.StatusBadRequest, domain.CodeValidationFailed)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/work-orders?cursor=garbage", nil, as("admin"))
	expectError(t, res, data, http.StatusBadRequest, "bad_request")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders/w1/complete", map[string]any{"description": "early"}, as("admin"))
	expectError(t, res, data, http.StatusConflict, domain.CodeInvalidTransition)

	// Both requests are approved against a single unit; only the first can be issued.
	first := submitRequest(t, srv, "w1", 1)
	second := submitRequest(t, srv, "w1", 1)
	for _, pr := range []domain.PartRequest{first, second} {
		res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/part-requests/"+pr.ID+"/decision", map[string]any{"outcome": "approved"}, as("store"))
		mustStatus(t, res, data, http.StatusOK)
	}
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/part-requests/"+first.ID+"/fulfill", nil, as("store"))
	mustStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/part-requests/"+second.ID+"/fulfill", nil, as("store"))
	env = expectError(t, res, data, http.StatusConflict, domain.CodeFulfillmentConflict)
	if !env.Error.Retryable {
		t.Fatalf("fulfillment conflict should be retryable: %s", string(data))
	}
	shortages, _ := env.Error.Details["shortages"].([]any)
	if len(shortages) != 1 {
		t.Fatalf("expected one shortage, got %v", env.Error.Details)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/machines/m1", nil, as("admin"))
	expectError(t, res, data, http.StatusConflict, domain.CodeMachineReferenced)
}

func TestJWTAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	token, err := SignToken(testSecret, "viewer-1", []string{"viewer"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	bearer := map[string]string{"Authorization": "Bearer " + token}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, bearer)
	mustStatus(t, res, data, http.StatusOK)
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatal(err)
	}
	if who.ActorID != "viewer-1" || who.Source != "jwt" || len(who.Roles) != 1 || who.Roles[0] != "viewer" {
		t.Fatalf("unexpected principal %+v", who)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/machines", nil, bearer)
	mustStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/machines", map[string]any{"name": "Lathe"}, bearer)
	expectError(t, res, data, http.StatusForbidden, "forbidden")

	forged, err := SignToken("other-secret", "admin", []string{"admin"}, time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"Authorization": "Bearer " + forged})
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/auth/dev/token", map[string]any{"actor_id": "dev", "roles": []string{"technician"}}, nil)
	mustStatus(t, res, data, http.StatusOK)
	var minted DevTokenResponse
	if err := json.Unmarshal(data, &minted); err != nil || minted.Token == "" {
		t.Fatalf("expected a dev token: %s", string(data))
	}
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/api-keys", map[string]any{"name": "ci"}, as("store"))
	mustStatus(t, res, data, http.StatusCreated)
	var created CreatedAPIKeyResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(created.Key, "mtl_") || created.ActorID != "store" {
		t.Fatalf("unexpected key %+v", created)
	}

	keyHeader := map[string]string{"X-Api-Key": created.Key}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, keyHeader)
	mustStatus(t, res, data, http.StatusOK)
	var who WhoAmIResponse
	if err := json.Unmarshal(data, &who); err != nil {
		t.Fatal(err)
	}
	if who.ActorID != "store" || who.Source != "api_key" || len(who.Roles) != 1 || who.Roles[0] != "logistics" {
		t.Fatalf("unexpected principal %+v", who)
	}

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/api-keys/"+created.ID, nil, as("tech"))
	expectError(t, res, data, http.StatusForbidden, "forbidden")
	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/api-keys/"+created.ID, nil, keyHeader)
	mustStatus(t, res, data, http.StatusNoContent)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, keyHeader)
	expectError(t, res, data, http.StatusUnauthorized, "invalid_credentials")
}

func TestRoleManagement(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/actors/newbie/roles", map[string]any{"role_id": "viewer"}, as("tech"))
	expectError(t, res, data, http.StatusForbidden, "forbidden")
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/actors/newbie/roles", map[string]any{"role_id": "wizard"}, as("admin"))
	expectError(t, res, data, http.StatusBadRequest, domain.CodeValidationFailed)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/actors/newbie/roles", map[string]any{"role_id": "viewer"}, as("admin"))
	mustStatus(t, res, data, http.StatusNoContent)

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/machines", nil, as("newbie"))
	mustStatus(t, res, data, http.StatusOK)

	res, data = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/actors/newbie/roles/viewer", nil, as("admin"))
	mustStatus(t, res, data, http.StatusNoContent)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/machines", nil, as("newbie"))
	expectError(t, res, data, http.StatusForbidden, "forbidden")
}

func TestBulkAndSchedulesOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedCatalog(t, srv, 5)
	createWorkOrder(t, srv, "w1")
	createWorkOrder(t, srv, "w2")

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/work-orders/bulk/delete", map[string]any{"ids": []string{"w1", "missing"}}, as("admin"))
	mustStatus(t, res, data, http.StatusOK)
	var bulk BulkResponse
	if err := json.Unmarshal(data, &bulk); err != nil {
		t.Fatal(err)
	}
	if len(bulk.Results) != 2 || !bulk.Results[0].OK || bulk.Results[1].Code != domain.CodeNotFound {
		t.Fatalf("unexpected bulk results %+v", bulk.Results)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/work-orders?limit=1", nil, as("admin"))
	mustStatus(t, res, data, http.StatusOK)
	var page paginatedWorkOrders
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "w2" || page.NextCursor != "" {
		t.Fatalf("deleted work orders must not be listed: %+v", page)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/schedules", map[string]any{
		"id": "s1", "machine_id": "m1", "title": "Lubricate", "frequency": "weekly", "next_due_date": "2024-01-01",
	}, as("admin"))
	mustStatus(t, res, data, http.StatusCreated)
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/schedules/run", map[string]any{"as_of": "2024-01-10"}, as("admin"))
	mustStatus(t, res, data, http.StatusOK)
	var run engine.ScheduleRun
	if err := json.Unmarshal(data, &run); err != nil {
		t.Fatal(err)
	}
	if len(run.Created) != 1 || run.Created[0].ScheduleID == nil || *run.Created[0].ScheduleID != "s1" {
		t.Fatalf("unexpected schedule run %+v", run)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/schedules/s1", nil, as("admin"))
	mustStatus(t, res, data, http.StatusOK)
	var s domain.MaintenanceSchedule
	if err := json.Unmarshal(data, &s); err != nil {
		t.Fatal(err)
	}
	if got := s.NextDueDate.Format("2006-01-02"); got != "2024-01-15" {
		t.Fatalf("next due = %s, want 2024-01-15", got)
	}
}

func TestReportExportAndOperationalEndpoints(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedCatalog(t, srv, 1)
	createWorkOrder(t, srv, "w1")

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/reports/export.xlsx", nil, as("tech"))
	expectError(t, res, data, http.StatusForbidden, "forbidden")
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/reports/export.xlsx", nil, as("store"))
	mustStatus(t, res, data, http.StatusOK)
	if !strings.Contains(res.Header.Get("Content-Type"), "spreadsheetml") || !bytes.HasPrefix(data, []byte("PK")) {
		t.Fatalf("expected an xlsx body, got %q", res.Header.Get("Content-Type"))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/openapi.json", nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	if !strings.Contains(string(data), "bearerAuth") {
		t.Fatalf("openapi should declare security schemes")
	}
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	mustStatus(t, res, data, http.StatusOK)
	if !strings.Contains(string(data), "maintline_http_request_duration_seconds") {
		t.Fatalf("metrics should include request latency")
	}
}

func TestPartAvailabilityOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	seedCatalog(t, srv, 3)

	for qty, want := range map[string]bool{"3": true, "4": false} {
		res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/parts/p1/availability?qty="+qty, nil, as("tech"))
		mustStatus(t, res, data, http.StatusOK)
		var av engine.Availability
		if err := json.Unmarshal(data, &av); err != nil {
			t.Fatal(err)
		}
		if av.PartID != "p1" || av.Available != want {
			t.Fatalf("qty %s: unexpected availability %+v", qty, av)
		}
	}
	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/parts/p1/availability?qty=0", nil, as("tech"))
	expectError(t, res, data, http.StatusBadRequest, domain.CodeValidationFailed)
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/parts/nope/availability", nil, as("tech"))
	expectError(t, res, data, http.StatusNotFound, domain.CodeNotFound)
}
