package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"greenbudget/internal/core"
	"greenbudget/internal/notify"
	"greenbudget/internal/remote/memory"
	"greenbudget/internal/services"
)

type testServer struct {
	srv     *Server
	mem     *memory.Server
	notes   *notify.Memory
	budget  core.Budget
	account core.LineItem
}

// newTestServer seeds a budget with one account holding two sub-accounts
// estimated at 20 and 5.
func newTestServer(t *testing.T, checks map[string]CheckFunc) *testServer {
	t.Helper()
	ctx := context.Background()
	mem := memory.New()
	b := mem.CreateBudget("Feature")

	accounts, err := mem.LineItems().BulkCreate(ctx, core.ParentRef{Kind: core.ParentBudget, ID: b.ID},
		[]core.Patch{{"identifier": "1000", "description": "Camera"}})
	if err != nil {
		t.Fatalf("seed account: %v", err)
	}
	account := accounts.Children[0]
	_, err = mem.LineItems().BulkCreate(ctx, core.ParentRef{Kind: core.ParentAccount, ID: account.ID}, []core.Patch{
		{"identifier": "1001", "description": "Lenses", "quantity": "2", "rate": "10"},
		{"identifier": "1002", "description": "Body", "quantity": "1", "rate": "5"},
	})
	if err != nil {
		t.Fatalf("seed sub-accounts: %v", err)
	}

	notes := notify.NewMemory(50)
	registry := services.NewRegistry(services.Deps{Service: mem, Notifier: notes})
	srv := NewServer(ServerConfig{
		Addr:          ":0",
		Registry:      registry,
		Notifications: notes,
		Checks:        checks,
	})
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })
	return &testServer{srv: srv, mem: mem, notes: notes, budget: b, account: account}
}

func (ts *testServer) tablePath(suffix string) string {
	return fmt.Sprintf("/budgets/%d/tables/account/%d%s", ts.budget.ID, ts.account.ID, suffix)
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	ts.srv.Handler.ServeHTTP(rr, req)
	return rr
}

// tableBody is the subset of a table response the tests look at.
type tableBody struct {
	Error        string            `json:"error"`
	Errors       []core.FieldError `json:"errors"`
	Placeholders []string          `json:"placeholders"`
	State        struct {
		Totals core.Totals `json:"totals"`
		Items  struct {
			Data         []core.LineItem  `json:"data"`
			Placeholders []any            `json:"placeholders"`
			CellErrors   []core.CellError `json:"cell_errors"`
		} `json:"items"`
		Groups struct {
			Data []core.Group `json:"data"`
		} `json:"groups"`
	} `json:"state"`
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rr.Body.String(), err)
	}
	return v
}

func (b tableBody) item(t *testing.T, identifier string) core.LineItem {
	t.Helper()
	for _, li := range b.State.Items.Data {
		if li.Identifier == identifier {
			return li
		}
	}
	t.Fatalf("no row %q in response", identifier)
	return core.LineItem{}
}

func TestHealthAndReady(t *testing.T) {
	ts := newTestServer(t, map[string]CheckFunc{
		"backend": func(context.Context) error { return nil },
	})
	for _, path := range []string{"/healthz", "/readyz"} {
		rr := ts.do(t, http.MethodGet, path, nil)
		if rr.Code != http.StatusOK {
			t.Fatalf("%s status=%d body=%s", path, rr.Code, rr.Body.String())
		}
	}

	failing := newTestServer(t, map[string]CheckFunc{
		"backend": func(context.Context) error { return nil },
		"storage": func(context.Context) error { return errors.New("database is locked") },
	})
	rr := failing.do(t, http.MethodGet, "/readyz", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("readyz status=%d", rr.Code)
	}
	body := decode[struct {
		Checks map[string]string `json:"checks"`
	}](t, rr)
	if body.Checks["backend"] != "ok" || body.Checks["storage"] != "database is locked" {
		t.Fatalf("checks=%v", body.Checks)
	}
}

func TestTableSnapshot(t *testing.T) {
	ts := newTestServer(t, nil)

	rr := ts.do(t, http.MethodGet, ts.tablePath(""), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	body := decode[tableBody](t, rr)
	if got := len(body.State.Items.Data); got != 2 {
		t.Fatalf("items=%d, want 2", got)
	}
	if got := body.State.Totals.Estimated.String(); got != "25" {
		t.Fatalf("estimated=%s, want 25", got)
	}
	if rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("missing request id header")
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("Cache-Control=%q", rr.Header().Get("Cache-Control"))
	}

	// The budget's accounts table is addressed by the budget itself.
	rr = ts.do(t, http.MethodGet, fmt.Sprintf("/budgets/%d/tables/budget/%d", ts.budget.ID, ts.budget.ID), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("accounts status=%d body=%s", rr.Code, rr.Body.String())
	}
	if got := decode[tableBody](t, rr).item(t, "1000").Estimated.Decimal.String(); got != "25" {
		t.Fatalf("account estimated=%s, want 25", got)
	}
}

func TestTableInvalidPaths(t *testing.T) {
	ts := newTestServer(t, nil)
	tests := []struct {
		name string
		path string
		want int
	}{
		{"unknown kind", fmt.Sprintf("/budgets/%d/tables/widget/1", ts.budget.ID), http.StatusBadRequest},
		{"foreign budget table", fmt.Sprintf("/budgets/%d/tables/budget/%d", ts.budget.ID, ts.budget.ID+1), http.StatusBadRequest},
		{"non numeric parent", fmt.Sprintf("/budgets/%d/tables/account/abc", ts.budget.ID), http.StatusBadRequest},
		{"zero budget", "/budgets/0/tables/account/1", http.StatusBadRequest},
		{"unknown route", "/budgets/1/unknown", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := ts.do(t, http.MethodGet, tt.path, nil)
			if rr.Code != tt.want {
				t.Fatalf("status=%d, want %d body=%s", rr.Code, tt.want, rr.Body.String())
			}
		})
	}
}

func TestTableAddRows(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.do(t, http.MethodGet, ts.tablePath(""), nil)

	rr := ts.do(t, http.MethodPost, ts.tablePath("/rows"), map[string]any{
		"rows": []map[string]any{{"identifier": "1003", "quantity": "3", "rate": "4"}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	body := decode[tableBody](t, rr)
	if len(body.Placeholders) != 1 {
		t.Fatalf("placeholders=%v", body.Placeholders)
	}
	if len(body.State.Items.Placeholders) != 0 {
		t.Fatalf("placeholder rows left: %v", body.State.Items.Placeholders)
	}
	if got := body.item(t, "1003").Estimated.Decimal.String(); got != "12" {
		t.Fatalf("estimated=%s, want 12", got)
	}
	if got := body.State.Totals.Estimated.String(); got != "37" {
		t.Fatalf("totals=%s, want 37", got)
	}

	rr = ts.do(t, http.MethodPost, ts.tablePath("/rows"), map[string]any{"rows": []any{}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("empty rows status=%d", rr.Code)
	}
	rr = ts.do(t, http.MethodPost, ts.tablePath("/rows"), map[string]any{"lines": []any{}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status=%d", rr.Code)
	}
}

func TestTableChanges(t *testing.T) {
	ts := newTestServer(t, nil)
	lenses := decode[tableBody](t, ts.do(t, http.MethodGet, ts.tablePath(""), nil)).item(t, "1001")

	rr := ts.do(t, http.MethodPost, ts.tablePath("/changes"), map[string]any{
		"changes": []map[string]any{
			{"id": lenses.ID, "data": map[string]any{"rate": map[string]any{"oldValue": "10", "newValue": "7"}}},
		},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if got := decode[tableBody](t, rr).State.Totals.Estimated.String(); got != "19" {
		t.Fatalf("totals=%s, want 19", got)
	}
	stored, ok := ts.mem.Item(lenses.ID)
	if !ok || stored.Rate.Decimal.String() != "7" {
		t.Fatalf("stored=%+v ok=%v", stored, ok)
	}

	rr = ts.do(t, http.MethodPost, ts.tablePath("/changes?wait=false"), map[string]any{
		"changes": []map[string]any{
			{"id": lenses.ID, "data": map[string]any{"rate": map[string]any{"newValue": "8"}}},
		},
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("wait=false status=%d", rr.Code)
	}
	if got := decode[tableBody](t, rr).item(t, "1001").Estimated.Decimal.String(); got != "16" {
		t.Fatalf("optimistic estimated=%s, want 16", got)
	}
}

func TestTableChangesValidation(t *testing.T) {
	ts := newTestServer(t, nil)
	body := decode[tableBody](t, ts.do(t, http.MethodGet, ts.tablePath(""), nil)).item(t, "1002")

	ts.mem.FailNext("bulk_update", &core.ValidationError{Errors: []core.FieldError{
		{ID: body.ID, Field: "rate", Message: "Rate is too high."},
	}})
	rr := ts.do(t, http.MethodPost, ts.tablePath("/changes"), map[string]any{
		"changes": []map[string]any{
			{"id": body.ID, "data": map[string]any{"rate": map[string]any{"newValue": "999"}}},
		},
	})
	if rr.Code != http.StatusUnprocessableEntity {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	resp := decode[tableBody](t, rr)
	if len(resp.Errors) != 1 || resp.Errors[0].Field != "rate" {
		t.Fatalf("errors=%+v", resp.Errors)
	}
	if len(resp.State.Items.CellErrors) != 1 || resp.State.Items.CellErrors[0].Message != "Rate is too high." {
		t.Fatalf("cell errors=%+v", resp.State.Items.CellErrors)
	}
}

func TestTableDeleteRows(t *testing.T) {
	ts := newTestServer(t, nil)
	lenses := decode[tableBody](t, ts.do(t, http.MethodGet, ts.tablePath(""), nil)).item(t, "1001")

	rr := ts.do(t, http.MethodDelete, ts.tablePath("/rows"), map[string]any{"ids": []any{lenses.ID}})
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	if got := decode[tableBody](t, rr).State.Totals.Estimated.String(); got != "5" {
		t.Fatalf("totals=%s, want 5", got)
	}
	if _, ok := ts.mem.Item(lenses.ID); ok {
		t.Fatalf("row %d still stored", lenses.ID)
	}
}

func TestTableGroups(t *testing.T) {
	ts := newTestServer(t, nil)
	snapshot := decode[tableBody](t, ts.do(t, http.MethodGet, ts.tablePath(""), nil))
	lenses, body := snapshot.item(t, "1001"), snapshot.item(t, "1002")

	rr := ts.do(t, http.MethodPost, ts.tablePath("/groups"), map[string]any{
		"name": "Camera Package", "color": "#00ff00", "children": []int64{lenses.ID, body.ID},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}
	groups := decode[tableBody](t, rr).State.Groups.Data
	if len(groups) != 1 || groups[0].Estimated.String() != "25" {
		t.Fatalf("groups=%+v", groups)
	}
	group := groups[0]

	rr = ts.do(t, http.MethodPatch, ts.tablePath(fmt.Sprintf("/groups/%d", group.ID)), map[string]any{"name": "Camera"})
	if rr.Code != http.StatusOK {
		t.Fatalf("update status=%d body=%s", rr.Code, rr.Body.String())
	}
	if got := decode[tableBody](t, rr).State.Groups.Data[0].Name; got != "Camera" {
		t.Fatalf("name=%q", got)
	}

	rr = ts.do(t, http.MethodDelete, ts.tablePath(fmt.Sprintf("/groups/%d/members/%d", group.ID, lenses.ID)), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("remove member status=%d body=%s", rr.Code, rr.Body.String())
	}
	if got := decode[tableBody](t, rr).State.Groups.Data[0].Children; len(got) != 1 || got[0] != body.ID {
		t.Fatalf("children=%v", got)
	}

	rr = ts.do(t, http.MethodDelete, ts.tablePath(fmt.Sprintf("/groups/%d", group.ID)), nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("delete status=%d body=%s", rr.Code, rr.Body.String())
	}
	if got := decode[tableBody](t, rr).State.Groups.Data; len(got) != 0 {
		t.Fatalf("groups left: %+v", got)
	}

	rr = ts.do(t, http.MethodDelete, ts.tablePath(fmt.Sprintf("/groups/%d", group.ID)), nil)
	if rr.Code != http.StatusNotFound {
		t.Fatalf("missing group status=%d", rr.Code)
	}
	rr = ts.do(t, http.MethodPost, ts.tablePath("/groups"), map[string]any{"name": " ", "children": []int64{body.ID}})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("blank name status=%d body=%s", rr.Code, rr.Body.String())
	}
}

func TestFringesEndpoints(t *testing.T) {
	ts := newTestServer(t, nil)
	path := fmt.Sprintf("/budgets/%d/fringes", ts.budget.ID)

	rr := ts.do(t, http.MethodGet, path, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("list status=%d body=%s", rr.Code, rr.Body.String())
	}

	rr = ts.do(t, http.MethodPost, path+"/rows", map[string]any{
		"rows": []map[string]any{{"name": "Payroll Tax", "rate": "0.1", "unit": "percent"}},
	})
	if rr.Code != http.StatusOK {
		t.Fatalf("create status=%d body=%s", rr.Code, rr.Body.String())
	}
	created := decode[struct {
		State struct {
			Data []core.Fringe `json:"data"`
		} `json:"state"`
	}](t, rr)
	if len(created.State.Data) != 1 || created.State.Data[0].ID == 0 {
		t.Fatalf("fringes=%+v", created.State.Data)
	}

	rr = ts.do(t, http.MethodGet, path+"?search=payroll&page=1&page_size=10", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("search status=%d body=%s", rr.Code, rr.Body.String())
	}
	rr = ts.do(t, http.MethodGet, path+"?page=-1", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad page status=%d", rr.Code)
	}
}

func TestNotificationsEndpoint(t *testing.T) {
	ts := newTestServer(t, nil)
	ctx := context.Background()
	_ = ts.notes.Notify(ctx, notify.New(notify.LevelWarning, "account", "first"))
	_ = ts.notes.Notify(ctx, notify.New(notify.LevelError, "account", "second"))

	rr := ts.do(t, http.MethodGet, "/notifications?limit=1", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rr.Code, rr.Body.String())
	}
	body := decode[struct {
		Notifications []notify.Notification `json:"notifications"`
	}](t, rr)
	if len(body.Notifications) != 1 || body.Notifications[0].Message != "second" {
		t.Fatalf("notifications=%+v", body.Notifications)
	}

	rr = ts.do(t, http.MethodGet, "/notifications?since=yesterday", nil)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("bad since status=%d", rr.Code)
	}
}

func TestSuspiciousRequestsRejected(t *testing.T) {
	ts := newTestServer(t, nil)
	for _, path := range []string{"/.env", "/.git/config", "/wp-admin/setup.php"} {
		rr := ts.do(t, http.MethodGet, path, nil)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s status=%d", path, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", strings.NewReader(""))
	req.Header.Set("User-Agent", "sqlmap/1.7")
	ts.srv.Handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("scanner agent status=%d", rr.Code)
	}
}
