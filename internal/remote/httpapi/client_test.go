package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"greenbudget/internal/cache"
	"greenbudget/internal/core"
	"greenbudget/internal/ports"
)

var account4 = core.ParentRef{Kind: core.ParentAccount, ID: 4}

func TestListSendsTokenAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/v1/accounts/4/subaccounts/", r.URL.Path)
		assert.Equal(t, "cam", r.URL.Query().Get("search"))
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "10", r.URL.Query().Get("page_size"))
		_, _ = io.WriteString(w, `{"count": 11, "data": [{"id": 9, "type": "subaccount", "identifier": "1010", "estimated": "5"}]}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Token: "secret"})
	resp, err := c.LineItems().List(context.Background(), account4, ports.ListQuery{Search: "cam", Page: 2, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 11, resp.Count)
	require.Len(t, resp.Data, 1)
	assert.Equal(t, int64(9), resp.Data[0].ID)
	assert.Equal(t, "5", resp.Data[0].Estimated.Decimal.String())
}

func TestBulkPaths(t *testing.T) {
	assert.Equal(t, "/v1/budgets/1/bulk-create-accounts/", bulkPath(lineItemsPath(core.ParentRef{Kind: core.ParentBudget, ID: 1}), "create"))
	assert.Equal(t, "/v1/subaccounts/3/bulk-delete-subaccounts/", bulkPath(lineItemsPath(core.ParentRef{Kind: core.ParentSubAccount, ID: 3}), "delete"))
	assert.Equal(t, "/v1/budgets/2/bulk-update-fringes/", bulkPath(budgetScoped("fringes")(core.ParentRef{Kind: core.ParentBudget, ID: 2}), "update"))
}

func TestBulkUpdateFlattensPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		assert.Equal(t, "/v1/accounts/4/bulk-update-subaccounts/", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var body struct {
			Data []map[string]any `json:"data"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Len(t, body.Data, 1)
		assert.Equal(t, float64(9), body.Data[0]["id"])
		assert.Equal(t, "7", body.Data[0]["rate"])
		_, _ = io.WriteString(w, `{"parent": {"id": 4, "type": "account", "estimated": "70"}}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	resp, err := c.LineItems().BulkUpdate(context.Background(), account4,
		[]ports.BulkUpdatePayload{{ID: 9, Patch: core.Patch{"rate": "7"}}})
	require.NoError(t, err)
	require.NotNil(t, resp.Parent)
	assert.Equal(t, "70", resp.Parent.Estimated.Decimal.String())
}

func TestValidationErrorDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"errors": [{"id": 9, "field": "rate", "message": "Not a number.", "code": "invalid"}]}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	_, err := c.LineItems().BulkUpdate(context.Background(), account4,
		[]ports.BulkUpdatePayload{{ID: 9, Patch: core.Patch{"rate": "x"}}})

	var ve *core.ValidationError
	require.ErrorAs(t, err, &ve)
	require.Len(t, ve.Errors, 1)
	assert.Equal(t, "rate", ve.Errors[0].Field)
	assert.Equal(t, int64(9), ve.Errors[0].ID)
}

func TestRequestErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		notFound bool
	}{
		{"not found", http.StatusNotFound, true},
		{"server error", http.StatusInternalServerError, false},
		{"bad request without field errors", http.StatusBadRequest, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, `{"detail": "nope"}`)
			}))
			defer srv.Close()

			_, err := New(Config{BaseURL: srv.URL}).Fringes().List(context.Background(),
				core.ParentRef{Kind: core.ParentBudget, ID: 1}, ports.ListQuery{})

			var re *core.RequestError
			require.ErrorAs(t, err, &re)
			assert.Equal(t, tt.status, re.StatusCode)
			assert.Contains(t, re.Body, "nope")
			assert.Equal(t, tt.notFound, IsNotFound(err))
		})
	}
}

func TestBudgetScopedCollectionsRejectOtherParents(t *testing.T) {
	c := New(Config{BaseURL: "http://unused"})
	_, err := c.Actuals().List(context.Background(), account4, ports.ListQuery{})
	assert.Error(t, err)
}

func TestListCachedUntilWrite(t *testing.T) {
	var lists atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			lists.Add(1)
			_, _ = io.WriteString(w, `{"count": 0, "data": []}`)
			return
		}
		_, _ = io.WriteString(w, `{}`)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Cache: cache.NewLRUCache[[]byte](16, time.Minute)})
	ctx := context.Background()
	budget := core.ParentRef{Kind: core.ParentBudget, ID: 1}

	for i := 0; i < 3; i++ {
		_, err := c.Fringes().List(ctx, budget, ports.ListQuery{})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), lists.Load())

	_, err := c.Fringes().BulkDelete(ctx, budget, []int64{1})
	require.NoError(t, err)
	_, err = c.Fringes().List(ctx, budget, ports.ListQuery{})
	require.NoError(t, err)
	assert.Equal(t, int32(2), lists.Load())
}

func TestContextCancellation(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(Config{BaseURL: srv.URL}).Groups().List(ctx, account4)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestGroupCreate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/accounts/4/groups/", r.URL.Path)
		var g core.Group
		require.NoError(t, json.NewDecoder(r.Body).Decode(&g))
		g.ID = 77
		require.NoError(t, json.NewEncoder(w).Encode(g))
	}))
	defer srv.Close()

	g, err := New(Config{BaseURL: srv.URL}).Groups().Create(context.Background(), account4,
		core.Group{Name: "Camera", Children: []int64{9}})
	require.NoError(t, err)
	assert.Equal(t, int64(77), g.ID)
	assert.Equal(t, []int64{9}, g.Children)
}
